package localbus

import (
	"fmt"
	"strings"

	"actuator-bridge/internal/core/hrt"
)

// Kind identifies a topic type from the fixed registry below.
type Kind uint8

const (
	KindActuatorControls Kind = iota + 1
	KindActuatorOutputs
	KindActuatorArmed
	KindSafety
	KindVehicleCommandAck
)

type kindInfo struct {
	name         string
	maxInstances int
}

var registry = map[Kind]kindInfo{
	KindActuatorControls:  {name: "actuator_controls", maxInstances: 4},
	KindActuatorOutputs:   {name: "actuator_outputs", maxInstances: 4},
	KindActuatorArmed:     {name: "actuator_armed", maxInstances: 1},
	KindSafety:            {name: "safety", maxInstances: 1},
	KindVehicleCommandAck: {name: "vehicle_command_ack", maxInstances: 1},
}

func (k Kind) String() string {
	if info, ok := registry[k]; ok {
		return info.name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Valid reports whether k is a registered kind.
func (k Kind) Valid() bool {
	_, ok := registry[k]
	return ok
}

// MaxInstances returns how many producers of k may coexist.
func (k Kind) MaxInstances() int {
	return registry[k].maxInstances
}

// ParseKind resolves a registered kind by name.
func ParseKind(name string) (Kind, error) {
	name = strings.TrimSpace(strings.ToLower(name))
	for k, info := range registry {
		if info.name == name {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownKind, name)
}

// Topic is the immutable identity of one topic instance.
type Topic struct {
	Kind     Kind
	Instance int
}

func (t Topic) String() string {
	return fmt.Sprintf("%s/%d", t.Kind, t.Instance)
}

// MaxOutputs is the number of channels carried by an actuator outputs record.
const MaxOutputs = 16

// ActuatorControls carries normalized mixer inputs.
type ActuatorControls struct {
	Timestamp hrt.Time
	Control   [8]float32
}

// ActuatorOutputs carries the per-channel output values produced by the mixer.
type ActuatorOutputs struct {
	Timestamp hrt.Time
	NOutputs  int
	Output    [MaxOutputs]float32
}

// Values returns the populated channels.
func (o ActuatorOutputs) Values() []float32 {
	n := o.NOutputs
	if n < 0 {
		n = 0
	}
	if n > MaxOutputs {
		n = MaxOutputs
	}
	out := make([]float32, n)
	copy(out, o.Output[:n])
	return out
}

// ActuatorArmed is the arming state of the actuators.
type ActuatorArmed struct {
	Timestamp hrt.Time
	Armed     bool
	Lockdown  bool
}

// Safety mirrors the remote preflight/safety switch.
type Safety struct {
	Timestamp             hrt.Time
	SafetyOff             bool
	SafetySwitchAvailable bool
}

// VehicleCommandAck acknowledges a vehicle command.
type VehicleCommandAck struct {
	Timestamp hrt.Time
	Command   uint16
	Result    uint8
}
