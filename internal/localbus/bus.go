// Package localbus is the in-process publish/subscribe bus. Topics are
// addressed by (kind, instance) and hold only their latest value; there is no
// inbox. Subscription handles are a bounded resource.
package localbus

import (
	"errors"
	"fmt"
	"sync"

	"actuator-bridge/internal/core/hrt"
)

var (
	ErrUnknownKind  = errors.New("localbus: unknown topic kind")
	ErrBadInstance  = errors.New("localbus: instance out of range")
	ErrNoSlots      = errors.New("localbus: no free subscription slots")
	ErrBadHandle    = errors.New("localbus: invalid subscription handle")
	ErrBadAdvert    = errors.New("localbus: invalid advertisement")
	ErrNoData       = errors.New("localbus: topic has no data")
	ErrKindMismatch = errors.New("localbus: handle subscribed to another kind")
)

// DefaultSlots bounds the number of live subscriptions on a bus.
const DefaultSlots = 64

// SubHandle identifies a live subscription.
type SubHandle int

// Advert is a publish handle returned by Advertise.
type Advert struct {
	topic Topic
	bus   *Bus
}

// Topic returns the advertised topic.
func (a *Advert) Topic() Topic {
	return a.topic
}

type topicState struct {
	advertised bool
	value      any
	generation uint64
	lastPub    hrt.Time
}

type subscription struct {
	topic   Topic
	seenGen uint64
}

// Stats summarizes bus usage.
type Stats struct {
	Advertised    int    `json:"advertised"`
	Subscriptions int    `json:"subscriptions"`
	FreeSlots     int    `json:"free_slots"`
	Published     uint64 `json:"published"`
}

// Bus is safe for concurrent use by publishers and subscribers.
type Bus struct {
	mu        sync.Mutex
	clock     *hrt.Clock
	slots     int
	nextID    SubHandle
	topics    map[Topic]*topicState
	subs      map[SubHandle]*subscription
	published uint64
}

// Option configures a Bus.
type Option func(*Bus)

// WithSlots sets the subscription slot budget.
func WithSlots(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.slots = n
		}
	}
}

// New creates an empty bus stamping publications with clk.
func New(clk *hrt.Clock, opts ...Option) *Bus {
	b := &Bus{
		clock:  clk,
		slots:  DefaultSlots,
		nextID: 1,
		topics: make(map[Topic]*topicState),
		subs:   make(map[SubHandle]*subscription),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func validate(kind Kind, instance int) (Topic, error) {
	if !kind.Valid() {
		return Topic{}, fmt.Errorf("%w: %d", ErrUnknownKind, kind)
	}
	if instance < 0 || instance >= kind.MaxInstances() {
		return Topic{}, fmt.Errorf("%w: %s/%d", ErrBadInstance, kind, instance)
	}
	return Topic{Kind: kind, Instance: instance}, nil
}

func (b *Bus) stateLocked(t Topic) *topicState {
	st, ok := b.topics[t]
	if !ok {
		st = &topicState{}
		b.topics[t] = st
	}
	return st
}

// Exists reports whether a publisher has advertised the topic.
func (b *Bus) Exists(kind Kind, instance int) bool {
	t, err := validate(kind, instance)
	if err != nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.topics[t]
	return ok && st.advertised
}

// Subscribe acquires a subscription slot. The topic need not exist yet. A new
// subscription to a topic that already holds data reports it as changed.
func (b *Bus) Subscribe(kind Kind, instance int) (SubHandle, error) {
	t, err := validate(kind, instance)
	if err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.subs) >= b.slots {
		return 0, ErrNoSlots
	}
	b.stateLocked(t)
	h := b.nextID
	b.nextID++
	b.subs[h] = &subscription{topic: t}
	return h, nil
}

// Unsubscribe releases the slot held by h.
func (b *Bus) Unsubscribe(h SubHandle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[h]; !ok {
		return ErrBadHandle
	}
	delete(b.subs, h)
	return nil
}

// CheckChanged reports whether the topic was published since h last copied.
func (b *Bus) CheckChanged(h SubHandle) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[h]
	if !ok {
		return false, ErrBadHandle
	}
	return b.topics[sub.topic].generation > sub.seenGen, nil
}

// LastPublication returns the timestamp of the latest publication.
func (b *Bus) LastPublication(h SubHandle) (hrt.Time, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[h]
	if !ok {
		return 0, ErrBadHandle
	}
	st := b.topics[sub.topic]
	if st.generation == 0 {
		return 0, ErrNoData
	}
	return st.lastPub, nil
}

// Copy returns the latest value and clears the handle's changed flag.
// Records are stored by value, so callers receive their own copy as long as
// record types do not contain slices or maps.
func (b *Bus) Copy(kind Kind, h SubHandle) (any, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[h]
	if !ok {
		return nil, ErrBadHandle
	}
	if sub.topic.Kind != kind {
		return nil, ErrKindMismatch
	}
	st := b.topics[sub.topic]
	if st.generation == 0 {
		return nil, ErrNoData
	}
	sub.seenGen = st.generation
	return st.value, nil
}

// Advertise registers a publisher for the topic and, when record is not nil,
// publishes it as the initial value.
func (b *Bus) Advertise(kind Kind, instance int, record any) (*Advert, error) {
	t, err := validate(kind, instance)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	st := b.stateLocked(t)
	st.advertised = true
	b.mu.Unlock()

	adv := &Advert{topic: t, bus: b}
	if record != nil {
		if err := b.Publish(adv, record); err != nil {
			return nil, err
		}
	}
	return adv, nil
}

// Publish replaces the topic's value.
func (b *Bus) Publish(adv *Advert, record any) error {
	if adv == nil || adv.bus != b {
		return ErrBadAdvert
	}
	if record == nil {
		return fmt.Errorf("%w: nil record for %s", ErrBadAdvert, adv.topic)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.stateLocked(adv.topic)
	st.value = record
	st.generation++
	st.lastPub = b.clock.Now()
	b.published++
	return nil
}

// Stats returns a snapshot of bus usage.
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	advertised := 0
	for _, st := range b.topics {
		if st.advertised {
			advertised++
		}
	}
	return Stats{
		Advertised:    advertised,
		Subscriptions: len(b.subs),
		FreeSlots:     b.slots - len(b.subs),
		Published:     b.published,
	}
}
