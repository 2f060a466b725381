// Package diag holds the diagnostic counters the bridge increments and an
// external collector reads. Counters only go up.
package diag

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Counter is a monotonically increasing count.
type Counter struct {
	name string
	help string
	n    atomic.Uint64
}

// NewCounter returns a zeroed counter.
func NewCounter(name, help string) *Counter {
	return &Counter{name: name, help: help}
}

func (c *Counter) Inc() {
	c.n.Add(1)
}

func (c *Counter) Add(delta uint64) {
	c.n.Add(delta)
}

// Value returns the current count.
func (c *Counter) Value() uint64 {
	return c.n.Load()
}

// Name returns the exported metric name.
func (c *Counter) Name() string {
	return c.name
}

// Counters is the set injected into one command bridge.
type Counters struct {
	InvalidInput *Counter
	ScalingError *Counter
}

// Snapshot is a point-in-time copy of Counters.
type Snapshot struct {
	InvalidInput uint64 `json:"invalid_input"`
	ScalingError uint64 `json:"scaling_error"`
}

// NewCounters builds the counter set, naming metrics with prefix.
func NewCounters(prefix string) *Counters {
	return &Counters{
		InvalidInput: NewCounter(prefix+"_invalid_input_total", "Command arrays rejected for being nil or oversized."),
		ScalingError: NewCounter(prefix+"_scaling_error_total", "Actuator values clamped into the command range."),
	}
}

// Snapshot reads both counters.
func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		InvalidInput: c.InvalidInput.Value(),
		ScalingError: c.ScalingError.Value(),
	}
}

// Register exports the counters through reg.
func (c *Counters) Register(reg prometheus.Registerer) error {
	for _, ctr := range []*Counter{c.InvalidInput, c.ScalingError} {
		ctr := ctr
		cf := prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: ctr.name,
			Help: ctr.help,
		}, func() float64 { return float64(ctr.Value()) })
		if err := reg.Register(cf); err != nil {
			return err
		}
	}
	return nil
}
