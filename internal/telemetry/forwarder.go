// Package telemetry forwards local bus state to the field bus as rate limited
// status frames.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"actuator-bridge/internal/core/hrt"
	"actuator-bridge/internal/fieldbus"
	"actuator-bridge/internal/lazysub"
	"actuator-bridge/internal/localbus"
)

const (
	DefaultTickHz   = 50
	DefaultStatusHz = 10
)

// Broadcaster sends messages on the field bus.
type Broadcaster interface {
	Broadcast(m fieldbus.Message) error
}

type config struct {
	instance int
	statusHz uint32
	tickHz   int
	clock    *hrt.Clock
	logger   *slog.Logger
}

// Option configures a Forwarder.
type Option func(*config)

// WithInstance selects the actuator_outputs instance reported in status frames.
func WithInstance(i int) Option {
	return func(c *config) { c.instance = i }
}

// WithStatusRateHz caps the status stream. Zero sends every new sample.
func WithStatusRateHz(hz uint32) Option {
	return func(c *config) { c.statusHz = hz }
}

func WithTickHz(hz int) Option {
	return func(c *config) {
		if hz > 0 {
			c.tickHz = hz
		}
	}
}

func WithClock(clk *hrt.Clock) Option {
	return func(c *config) { c.clock = clk }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// Forwarder polls its sources on a ticker and broadcasts what they yield.
// Step and Run must not be called concurrently; Stats may be.
type Forwarder struct {
	node   Broadcaster
	clock  *hrt.Clock
	period time.Duration
	log    *slog.Logger

	armed *lazysub.Subscription[localbus.ActuatorArmed]

	mu      sync.Mutex
	sources []Source
}

// New builds a forwarder with the default streams: an actuator status
// summary and command acknowledgements. Acknowledgements are subscribed
// eagerly since each one is a one-off event.
func New(bus lazysub.Bus, node Broadcaster, opts ...Option) *Forwarder {
	c := config{statusHz: DefaultStatusHz, tickHz: DefaultTickHz}
	for _, opt := range opts {
		opt(&c)
	}
	if c.clock == nil {
		c.clock = hrt.New()
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	subOpts := []lazysub.Option{lazysub.WithClock(c.clock), lazysub.WithLogger(c.logger)}

	f := &Forwarder{
		node:   node,
		clock:  c.clock,
		period: time.Second / time.Duration(c.tickHz),
		log:    c.logger.With("component", "telemetry"),
		armed:  lazysub.New[localbus.ActuatorArmed](bus, localbus.KindActuatorArmed, 0, subOpts...),
	}
	f.Add(NewStream("status", bus, localbus.KindActuatorOutputs, c.instance, c.statusHz, f.status, subOpts...))
	f.Add(NewStream("command_ack", bus, localbus.KindVehicleCommandAck, 0, 0, commandAck, append(subOpts, lazysub.Eager())...))
	return f
}

// Add registers an extra source.
func (f *Forwarder) Add(src Source) {
	f.mu.Lock()
	f.sources = append(f.sources, src)
	f.mu.Unlock()
}

func (f *Forwarder) status(out localbus.ActuatorOutputs) fieldbus.Message {
	var armed localbus.ActuatorArmed
	f.armed.CopyUnconditional(&armed)
	return fieldbus.ActuatorStatus{
		Timestamp: uint64(out.Timestamp),
		Outputs:   out.Values(),
		Armed:     armed.Armed && !armed.Lockdown,
	}
}

func commandAck(ack localbus.VehicleCommandAck) fieldbus.Message {
	return fieldbus.CommandAck{Command: ack.Command, Result: ack.Result}
}

// Step polls every source once.
func (f *Forwarder) Step() {
	f.mu.Lock()
	sources := append([]Source(nil), f.sources...)
	f.mu.Unlock()

	for _, src := range sources {
		now := f.clock.Now()
		msg, ok := src.Poll(now)
		if !ok {
			continue
		}
		err := f.node.Broadcast(msg)
		if err != nil {
			f.log.Debug("telemetry broadcast failed", "stream", src.Name(), "error", err)
		}
		src.Done(now, err)
	}
}

// Run ticks until ctx is done, then closes every source.
func (f *Forwarder) Run(ctx context.Context) error {
	ticker := f.clock.Ticker(f.period)
	defer ticker.Stop()
	defer f.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			f.Step()
		}
	}
}

// Close releases every subscription.
func (f *Forwarder) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, src := range f.sources {
		if err := src.Close(); err != nil {
			f.log.Debug("close stream", "stream", src.Name(), "error", err)
		}
	}
	_ = f.armed.Close()
}

// Stats lists every stream.
func (f *Forwarder) Stats() []StreamStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]StreamStats, 0, len(f.sources))
	for _, src := range f.sources {
		out = append(out, src.Stats())
	}
	return out
}
