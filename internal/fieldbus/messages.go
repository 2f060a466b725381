package fieldbus

// DataTypeID identifies a message schema on the field bus.
type DataTypeID uint16

const (
	IDArrayCommand   DataTypeID = 1010
	IDActuatorStatus DataTypeID = 1011
	IDCommand        DataTypeID = 1012
	IDPreflightState DataTypeID = 20500
	IDCommandAck     DataTypeID = 20501
)

func (id DataTypeID) String() string {
	switch id {
	case IDArrayCommand:
		return "actuator.ArrayCommand"
	case IDActuatorStatus:
		return "actuator.Status"
	case IDCommand:
		return "actuator.Command"
	case IDPreflightState:
		return "preflight.State"
	case IDCommandAck:
		return "command.Ack"
	default:
		return "unknown"
	}
}

// Message is any schema that can ride in a frame.
type Message interface {
	DataTypeID() DataTypeID
}

// CommandType selects how an actuator interprets Command.Value.
type CommandType uint8

const (
	CommandPWM      CommandType = 1
	CommandIgnition CommandType = 2
)

// BroadcastActuator addresses every actuator instead of a specific one.
const BroadcastActuator int16 = -1

// MaxArrayCommands is the schema limit of ArrayCommand.Commands.
const MaxArrayCommands = 15

type Command struct {
	ActuatorID  int16       `msgpack:"id" json:"actuator_id"`
	CommandType CommandType `msgpack:"type" json:"command_type"`
	Value       float32     `msgpack:"value" json:"value"`
}

func (Command) DataTypeID() DataTypeID { return IDCommand }

type ArrayCommand struct {
	Commands []Command `msgpack:"cmds" json:"commands"`
}

func (ArrayCommand) DataTypeID() DataTypeID { return IDArrayCommand }

// PreflightState is broadcast by the node owning the preflight switch.
type PreflightState struct {
	Status bool `msgpack:"status" json:"status"`
}

func (PreflightState) DataTypeID() DataTypeID { return IDPreflightState }

// ActuatorStatus reports the outputs a node is driving.
type ActuatorStatus struct {
	Timestamp uint64    `msgpack:"ts" json:"timestamp"`
	Outputs   []float32 `msgpack:"out" json:"outputs"`
	Armed     bool      `msgpack:"armed" json:"armed"`
}

func (ActuatorStatus) DataTypeID() DataTypeID { return IDActuatorStatus }

// CommandAck relays a local command acknowledgement.
type CommandAck struct {
	Command uint16 `msgpack:"cmd" json:"command"`
	Result  uint8  `msgpack:"res" json:"result"`
}

func (CommandAck) DataTypeID() DataTypeID { return IDCommandAck }

var factories = map[DataTypeID]func() Message{
	IDArrayCommand:   func() Message { return &ArrayCommand{} },
	IDActuatorStatus: func() Message { return &ActuatorStatus{} },
	IDCommand:        func() Message { return &Command{} },
	IDPreflightState: func() Message { return &PreflightState{} },
	IDCommandAck:     func() Message { return &CommandAck{} },
}
