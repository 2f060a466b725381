// Package outputs drives the command bridge from the local bus: every tick it
// refreshes the field bus with the newest actuator outputs and arming state.
package outputs

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"actuator-bridge/internal/core/hrt"
	"actuator-bridge/internal/fieldbus"
	"actuator-bridge/internal/lazysub"
	"actuator-bridge/internal/localbus"
)

// DefaultRateHz is the control loop rate.
const DefaultRateHz = 100

// Commander receives actuator commands. servo.Bridge implements it.
type Commander interface {
	UpdateOutputs(values []float32)
	UpdateIgnition(on bool)
}

// Stats counts loop activity.
type Stats struct {
	Ticks           uint64 `json:"ticks"`
	OutputSamples   uint64 `json:"output_samples"`
	ArmedSamples    uint64 `json:"armed_samples"`
	OutputsTopic    string `json:"outputs_topic"`
	OutputsAttached bool   `json:"outputs_attached"`
}

// Loop polls the actuator topics and forwards them to a Commander. Step and
// Run must not be called concurrently.
type Loop struct {
	outputs *lazysub.Subscription[localbus.ActuatorOutputs]
	armed   *lazysub.Subscription[localbus.ActuatorArmed]
	cmd     Commander
	clock   *hrt.Clock
	period  time.Duration
	log     *slog.Logger

	latest    []float32
	armedNow  bool
	haveArmed bool

	ticks         atomic.Uint64
	outputSamples atomic.Uint64
	armedSamples  atomic.Uint64
	attached      atomic.Bool
}

type config struct {
	instance int
	rateHz   int
	clock    *hrt.Clock
	logger   *slog.Logger
}

// Option configures a Loop.
type Option func(*config)

// WithInstance selects which actuator_outputs instance drives the bridge.
func WithInstance(i int) Option {
	return func(c *config) { c.instance = i }
}

func WithRateHz(hz int) Option {
	return func(c *config) {
		if hz > 0 {
			c.rateHz = hz
		}
	}
}

func WithClock(clk *hrt.Clock) Option {
	return func(c *config) { c.clock = clk }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// New creates a loop reading from bus. The arming topic is subscribed eagerly
// so the first arming change is never missed.
func New(bus lazysub.Bus, cmd Commander, opts ...Option) *Loop {
	c := config{rateHz: DefaultRateHz}
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
	return &Loop{
		outputs: lazysub.New[localbus.ActuatorOutputs](bus, localbus.KindActuatorOutputs, c.instance, subOpts...),
		armed:   lazysub.New[localbus.ActuatorArmed](bus, localbus.KindActuatorArmed, 0, append(subOpts, lazysub.Eager())...),
		cmd:     cmd,
		clock:   c.clock,
		period:  time.Second / time.Duration(c.rateHz),
		log:     c.logger.With("component", "outputs"),
	}
}

// Step runs one tick.
func (l *Loop) Step() {
	l.ticks.Add(1)

	var out localbus.ActuatorOutputs
	if l.outputs.CopyIfChanged(&out) {
		l.outputSamples.Add(1)
		values := out.Values()
		if len(values) > fieldbus.MaxArrayCommands {
			// Handed over once so the bridge counts it, never refreshed.
			l.log.Debug("outputs sample exceeds command array", "channels", len(values))
			l.cmd.UpdateOutputs(values)
			l.latest = nil
		} else {
			l.latest = values
		}
	}
	l.attached.Store(l.outputs.State() == lazysub.Published)

	var armed localbus.ActuatorArmed
	if l.armed.CopyIfChanged(&armed) {
		on := armed.Armed && !armed.Lockdown
		if !l.haveArmed || on != l.armedNow {
			l.log.Info("ignition state changed", "armed", armed.Armed, "lockdown", armed.Lockdown)
		}
		l.armedNow = on
		l.haveArmed = true
		l.armedSamples.Add(1)
	}

	// Commands are refreshed every tick; the bridge's rate gate decides what
	// actually reaches the wire.
	if l.latest != nil {
		values := make([]float32, len(l.latest))
		copy(values, l.latest)
		l.cmd.UpdateOutputs(values)
	}
	if l.haveArmed {
		l.cmd.UpdateIgnition(l.armedNow)
	}
}

// Run ticks until ctx is done, then releases the subscriptions.
func (l *Loop) Run(ctx context.Context) error {
	ticker := l.clock.Ticker(l.period)
	defer ticker.Stop()
	defer l.Close()
	l.log.Info("control loop started", "period", l.period.String())
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			l.Step()
		}
	}
}

// Close releases the subscriptions.
func (l *Loop) Close() {
	_ = l.outputs.Close()
	_ = l.armed.Close()
}

// Stats returns loop counters. Safe to call from any goroutine.
func (l *Loop) Stats() Stats {
	return Stats{
		Ticks:           l.ticks.Load(),
		OutputSamples:   l.outputSamples.Load(),
		ArmedSamples:    l.armedSamples.Load(),
		OutputsTopic:    localbus.Topic{Kind: l.outputs.Topic(), Instance: l.outputs.Instance()}.String(),
		OutputsAttached: l.attached.Load(),
	}
}
