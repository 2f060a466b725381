package telemetry

import (
	"sync/atomic"

	"actuator-bridge/internal/core/hrt"
	"actuator-bridge/internal/fieldbus"
	"actuator-bridge/internal/lazysub"
	"actuator-bridge/internal/localbus"
	"actuator-bridge/internal/ratelimit"
)

// Source is one forwarded topic as seen by the Forwarder.
type Source interface {
	Name() string
	// Poll returns the message to send at now, if any.
	Poll(now hrt.Time) (fieldbus.Message, bool)
	// Done reports the outcome of broadcasting the last polled message. On
	// error the sample is offered again on the next poll.
	Done(now hrt.Time, err error)
	Stats() StreamStats
	Close() error
}

// StreamStats describes one stream. Safe to read from any goroutine.
type StreamStats struct {
	Name      string `json:"name"`
	Topic     string `json:"topic"`
	Attached  bool   `json:"attached"`
	Forwarded uint64 `json:"forwarded"`
}

// Stream forwards one local topic, converting each new sample into a field
// bus message. The sample is only copied once the rate gate is open, so the
// newest value wins.
type Stream[T any] struct {
	name    string
	topic   localbus.Topic
	sub     *lazysub.Subscription[T]
	convert func(T) fieldbus.Message
	policy  ratelimit.Policy
	stamp   ratelimit.Stamp

	watermark hrt.Time
	previous  hrt.Time
	forwarded atomic.Uint64
	attached  atomic.Bool
}

// NewStream subscribes lazily to kind/instance. rateHz of zero forwards
// every new sample.
func NewStream[T any](name string, bus lazysub.Bus, kind localbus.Kind, instance int, rateHz uint32, convert func(T) fieldbus.Message, opts ...lazysub.Option) *Stream[T] {
	return &Stream[T]{
		name:    name,
		topic:   localbus.Topic{Kind: kind, Instance: instance},
		sub:     lazysub.New[T](bus, kind, instance, opts...),
		convert: convert,
		policy:  ratelimit.Policy{CeilingHz: rateHz},
	}
}

func (s *Stream[T]) Name() string { return s.name }

func (s *Stream[T]) Poll(now hrt.Time) (fieldbus.Message, bool) {
	if !s.policy.Allow(now, s.stamp) {
		return nil, false
	}
	var v T
	s.previous = s.watermark
	ok := s.sub.CopyLatest(&s.watermark, &v)
	s.attached.Store(s.sub.State() == lazysub.Published)
	if !ok {
		return nil, false
	}
	return s.convert(v), true
}

func (s *Stream[T]) Done(now hrt.Time, err error) {
	if err != nil {
		s.watermark = s.previous
		return
	}
	s.stamp.Commit(now)
	s.forwarded.Add(1)
}

func (s *Stream[T]) Stats() StreamStats {
	return StreamStats{
		Name:      s.name,
		Topic:     s.topic.String(),
		Attached:  s.attached.Load(),
		Forwarded: s.forwarded.Load(),
	}
}

func (s *Stream[T]) Close() error {
	return s.sub.Close()
}
