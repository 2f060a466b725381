// Package lazysub subscribes to local bus topics only once they exist, so
// topics that are never published cost neither a subscription slot nor
// memory. All queries are non-blocking and degrade to "no data" on bus errors.
//
// A Subscription is not safe for concurrent use; it belongs to the single
// loop that polls it.
package lazysub

import (
	"log/slog"
	"time"

	"actuator-bridge/internal/core/hrt"
	"actuator-bridge/internal/localbus"
)

// CheckInterval bounds how often an unpublished topic is probed.
const CheckInterval = 300 * time.Millisecond

// Bus is the part of the local bus a Subscription needs.
type Bus interface {
	Exists(kind localbus.Kind, instance int) bool
	Subscribe(kind localbus.Kind, instance int) (localbus.SubHandle, error)
	Unsubscribe(h localbus.SubHandle) error
	CheckChanged(h localbus.SubHandle) (bool, error)
	LastPublication(h localbus.SubHandle) (hrt.Time, error)
	Copy(kind localbus.Kind, h localbus.SubHandle) (any, error)
}

// State is the lifecycle of the underlying topic handle.
type State uint8

const (
	// Absent: no subscription handle held.
	Absent State = iota
	// Acquired: handle held, no publication observed yet.
	Acquired
	// Published: at least one publication observed. Terminal until Close.
	Published
)

func (s State) String() string {
	switch s {
	case Acquired:
		return "acquired"
	case Published:
		return "published"
	default:
		return "absent"
	}
}

type options struct {
	clock  *hrt.Clock
	logger *slog.Logger
	eager  bool
}

// Option configures a Subscription.
type Option func(*options)

// WithClock sets the clock used to throttle existence checks.
func WithClock(c *hrt.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Eager subscribes before the topic exists. Use it for topics whose first
// publication must not be missed.
func Eager() Option {
	return func(o *options) { o.eager = true }
}

// Subscription is a lazily acquired subscription to one topic instance.
type Subscription[T any] struct {
	bus    Bus
	topic  localbus.Topic
	clock  *hrt.Clock
	logger *slog.Logger

	state  State
	handle localbus.SubHandle
	eager  bool

	checked   bool
	lastCheck hrt.Time
	closed    bool
}

// New returns a subscription that has not touched the bus yet.
func New[T any](bus Bus, kind localbus.Kind, instance int, opts ...Option) *Subscription[T] {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = hrt.New()
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return &Subscription[T]{
		bus:    bus,
		topic:  localbus.Topic{Kind: kind, Instance: instance},
		clock:  o.clock,
		logger: o.logger,
		eager:  o.eager,
	}
}

func (s *Subscription[T]) Topic() localbus.Kind {
	return s.topic.Kind
}

func (s *Subscription[T]) Instance() int {
	return s.topic.Instance
}

// State returns the handle lifecycle state.
func (s *Subscription[T]) State() State {
	return s.state
}

// SetEager toggles eager subscription. It only guarantees the first
// publication is seen when set before the first IsPublished call.
func (s *Subscription[T]) SetEager(eager bool) {
	s.eager = eager
}

// IsPublished reports whether the topic has been observed published. Once
// true it stays true. Until then the bus is probed at most once per
// CheckInterval; the first call always probes.
func (s *Subscription[T]) IsPublished() bool {
	if s.state == Published {
		return true
	}
	if s.closed {
		return false
	}

	now := s.clock.Now()
	if s.checked && now-s.lastCheck < hrt.Duration(CheckInterval) {
		return false
	}
	s.checked = true
	s.lastCheck = now

	if !s.eager && !s.bus.Exists(s.topic.Kind, s.topic.Instance) {
		return false
	}

	if s.state == Absent {
		h, err := s.bus.Subscribe(s.topic.Kind, s.topic.Instance)
		if err != nil {
			s.logger.Debug("lazy subscribe failed", "topic", s.topic.String(), "error", err)
			return false
		}
		s.handle = h
		s.state = Acquired
		s.logger.Debug("lazy subscription acquired", "topic", s.topic.String(), "eager", s.eager)
	}

	changed, err := s.bus.CheckChanged(s.handle)
	if err == nil && changed {
		s.state = Published
	}
	return s.state == Published
}

// Updated reports whether the topic was published strictly after ref.
func (s *Subscription[T]) Updated(ref hrt.Time) bool {
	if !s.IsPublished() {
		return false
	}
	ts, err := s.bus.LastPublication(s.handle)
	if err != nil {
		return false
	}
	return ts > ref
}

// CopyLatest copies the value into out when it is newer than *watermark and
// then advances *watermark to the publication time read after the copy.
//
// The timestamp query and the copy are not atomic: a publication landing in
// between yields data at least as fresh as *watermark claims. Callers must
// tolerate that.
func (s *Subscription[T]) CopyLatest(watermark *hrt.Time, out *T) bool {
	if watermark == nil || out == nil {
		return false
	}
	if !s.Updated(*watermark) {
		return false
	}
	if !s.copy(out) {
		return false
	}
	if ts, err := s.bus.LastPublication(s.handle); err == nil {
		*watermark = ts
	}
	return true
}

// CopyUnconditional copies the latest value regardless of staleness.
func (s *Subscription[T]) CopyUnconditional(out *T) bool {
	if out == nil || !s.IsPublished() {
		return false
	}
	return s.copy(out)
}

// CopyIfChanged copies only when the bus flags the topic as changed for this
// handle. The flag is consumed by the copy.
func (s *Subscription[T]) CopyIfChanged(out *T) bool {
	if out == nil || !s.IsPublished() {
		return false
	}
	changed, err := s.bus.CheckChanged(s.handle)
	if err != nil || !changed {
		return false
	}
	return s.copy(out)
}

func (s *Subscription[T]) copy(out *T) bool {
	v, err := s.bus.Copy(s.topic.Kind, s.handle)
	if err != nil {
		return false
	}
	typed, ok := v.(T)
	if !ok {
		s.logger.Warn("unexpected record type", "topic", s.topic.String())
		return false
	}
	*out = typed
	return true
}

// Close releases the subscription handle if one was acquired. It is safe to
// call more than once.
func (s *Subscription[T]) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.state == Absent {
		return nil
	}
	s.state = Absent
	return s.bus.Unsubscribe(s.handle)
}
