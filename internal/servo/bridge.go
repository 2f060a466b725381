// Package servo bridges actuator commands from the local bus to the field bus
// and mirrors the remote preflight switch back onto the local bus.
//
// A Bridge expects UpdateOutputs and UpdateIgnition from one control loop and
// OnRemoteEvent from the field-bus dispatch goroutine. The two paths share no
// mutable state apart from atomics read by Status.
package servo

import (
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"

	"actuator-bridge/internal/core/hrt"
	"actuator-bridge/internal/diag"
	"actuator-bridge/internal/fieldbus"
	"actuator-bridge/internal/localbus"
	"actuator-bridge/internal/ratelimit"
)

const (
	DefaultRateHz uint32 = 100
	// CommandPriority is the transfer priority of actuator commands.
	CommandPriority uint8 = 5

	DefaultMin float32 = 1000
	DefaultMax float32 = 2000
)

// FieldBus is the part of a field-bus node the bridge drives.
type FieldBus interface {
	Broadcast(m fieldbus.Message) error
	Handle(id fieldbus.DataTypeID, fn fieldbus.HandlerFunc) error
	MonotonicTime() hrt.Time
}

type prioritySetter interface {
	SetPriority(id fieldbus.DataTypeID, prio uint8) error
}

// Publisher is the part of the local bus the bridge publishes through.
type Publisher interface {
	Advertise(kind localbus.Kind, instance int, record any) (*localbus.Advert, error)
	Publish(adv *localbus.Advert, record any) error
}

// RemoteState is the last observed preflight status.
type RemoteState uint32

const (
	// PreflightUnknown: no status received yet.
	PreflightUnknown RemoteState = iota
	PreflightOff
	PreflightOn
)

func (s RemoteState) String() string {
	switch s {
	case PreflightOff:
		return "off"
	case PreflightOn:
		return "on"
	default:
		return "unknown"
	}
}

func remoteStateOf(status bool) RemoteState {
	if status {
		return PreflightOn
	}
	return PreflightOff
}

// Status is a snapshot for diagnostics.
type Status struct {
	Remote          string        `json:"remote_preflight"`
	SafetyPublishes uint64        `json:"safety_publishes"`
	ArraySends      uint64        `json:"array_sends"`
	IgnitionSends   uint64        `json:"ignition_sends"`
	Counters        diag.Snapshot `json:"counters"`
}

// Bridge is the command bridge between the local bus and the field bus.
type Bridge struct {
	bus      FieldBus
	local    Publisher
	counters *diag.Counters
	log      *slog.Logger
	now      func() hrt.Time

	policy   ratelimit.Policy
	min, max float32

	outputsSent  ratelimit.Stamp
	ignitionSent ratelimit.Stamp

	remote    atomic.Uint32
	safetyAdv *localbus.Advert

	safetyPublishes atomic.Uint64
	arraySends      atomic.Uint64
	ignitionSends   atomic.Uint64
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithRateHz sets the outbound ceiling shared by both command kinds. Each
// kind is gated on its own.
func WithRateHz(hz uint32) Option {
	return func(b *Bridge) { b.policy = ratelimit.Policy{CeilingHz: hz} }
}

// WithRange sets the actuator command range.
func WithRange(min, max float32) Option {
	return func(b *Bridge) {
		if min < max {
			b.min, b.max = min, max
		}
	}
}

// WithClock stamps local-bus records from c instead of the field-bus clock.
func WithClock(c *hrt.Clock) Option {
	return func(b *Bridge) { b.now = c.Now }
}

func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) { b.log = l }
}

// New builds a bridge. counters must not be nil; they are owned by the caller
// so a collector can read them.
func New(bus FieldBus, local Publisher, counters *diag.Counters, opts ...Option) *Bridge {
	b := &Bridge{
		bus:      bus,
		local:    local,
		counters: counters,
		policy:   ratelimit.Policy{CeilingHz: DefaultRateHz},
		min:      DefaultMin,
		max:      DefaultMax,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.log == nil {
		b.log = slog.Default()
	}
	if b.now == nil {
		b.now = bus.MonotonicTime
	}
	b.log = b.log.With("component", "servo")
	return b
}

// Init sets command priorities and subscribes to the preflight status.
func (b *Bridge) Init() error {
	if ps, ok := b.bus.(prioritySetter); ok {
		for _, id := range []fieldbus.DataTypeID{fieldbus.IDArrayCommand, fieldbus.IDCommand} {
			if err := ps.SetPriority(id, CommandPriority); err != nil {
				return err
			}
		}
	}
	err := b.bus.Handle(fieldbus.IDPreflightState, func(m fieldbus.Message, _ fieldbus.Meta) {
		if st, ok := m.(fieldbus.PreflightState); ok {
			b.OnRemoteEvent(st)
		}
	})
	if err != nil {
		return fmt.Errorf("preflight state subscription: %w", err)
	}
	return nil
}

// UpdateOutputs broadcasts one ArrayCommand for values, channel i carrying
// values[i]. A nil or oversized slice is counted and dropped. Calls inside
// the rate window are dropped without side effects; the next accepted call
// carries whatever is newest then. Out of range values are clamped in place
// and counted once per channel.
func (b *Bridge) UpdateOutputs(values []float32) {
	if values == nil || len(values) > fieldbus.MaxArrayCommands {
		b.counters.InvalidInput.Inc()
		return
	}

	now := b.bus.MonotonicTime()
	if !b.policy.Allow(now, b.outputsSent) {
		return
	}

	msg := fieldbus.ArrayCommand{Commands: make([]fieldbus.Command, len(values))}
	for i := range values {
		values[i] = b.clamp(values[i])
		msg.Commands[i] = fieldbus.Command{
			ActuatorID:  int16(i),
			CommandType: fieldbus.CommandPWM,
			Value:       float32(int32(values[i])),
		}
	}

	if err := b.bus.Broadcast(msg); err != nil {
		b.log.Debug("array command broadcast failed", "error", err)
		return
	}
	b.outputsSent.Commit(now)
	b.arraySends.Add(1)
}

func (b *Bridge) clamp(v float32) float32 {
	switch {
	case math.IsNaN(float64(v)) || v < b.min:
		b.counters.ScalingError.Inc()
		return b.min
	case v > b.max:
		b.counters.ScalingError.Inc()
		return b.max
	default:
		return v
	}
}

// UpdateIgnition broadcasts the ignition command to every actuator. It is
// gated independently of UpdateOutputs.
func (b *Bridge) UpdateIgnition(on bool) {
	now := b.bus.MonotonicTime()
	if !b.policy.Allow(now, b.ignitionSent) {
		return
	}
	var value float32
	if on {
		value = 1
	}
	err := b.bus.Broadcast(fieldbus.Command{
		ActuatorID:  fieldbus.BroadcastActuator,
		CommandType: fieldbus.CommandIgnition,
		Value:       value,
	})
	if err != nil {
		b.log.Debug("ignition broadcast failed", "error", err)
		return
	}
	b.ignitionSent.Commit(now)
	b.ignitionSends.Add(1)
}

// OnRemoteEvent mirrors a preflight status change onto the local safety
// topic. Repeated statuses are ignored; only transitions publish.
func (b *Bridge) OnRemoteEvent(msg fieldbus.PreflightState) {
	next := remoteStateOf(msg.Status)
	if RemoteState(b.remote.Load()) == next {
		return
	}
	b.remote.Store(uint32(next))

	rec := localbus.Safety{
		Timestamp:             b.now(),
		SafetyOff:             !msg.Status,
		SafetySwitchAvailable: true,
	}
	if b.safetyAdv == nil {
		adv, err := b.local.Advertise(localbus.KindSafety, 0, rec)
		if err != nil {
			b.log.Warn("safety advertise failed", "error", err)
			return
		}
		b.safetyAdv = adv
	} else if err := b.local.Publish(b.safetyAdv, rec); err != nil {
		b.log.Warn("safety publish failed", "error", err)
		return
	}
	b.safetyPublishes.Add(1)
	b.log.Info("preflight state changed", "state", next.String())
}

// Remote returns the last observed preflight state.
func (b *Bridge) Remote() RemoteState {
	return RemoteState(b.remote.Load())
}

// Status returns a diagnostics snapshot. Safe to call from any goroutine.
func (b *Bridge) Status() Status {
	return Status{
		Remote:          b.Remote().String(),
		SafetyPublishes: b.safetyPublishes.Load(),
		ArraySends:      b.arraySends.Load(),
		IgnitionSends:   b.ignitionSends.Load(),
		Counters:        b.counters.Snapshot(),
	}
}
