// Package fieldbus is the bridge's view of the shared broadcast bus: the
// message schemas, their wire codec and a Node that broadcasts messages and
// dispatches received ones to one handler per data type.
package fieldbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"actuator-bridge/internal/core/hrt"
	"actuator-bridge/internal/core/network"
)

// DefaultTopic is the carrier topic every node joins.
const DefaultTopic = "fieldbus"

// DefaultPriority is used for data types without an explicit priority.
// 0 is the highest, 31 the lowest.
const DefaultPriority uint8 = 16

var (
	ErrHandlerExists = errors.New("fieldbus: handler already registered")
	ErrNilHandler    = errors.New("fieldbus: nil handler")
	ErrStarted       = errors.New("fieldbus: node already started")
)

// Meta describes where a received message came from.
type Meta struct {
	Source     string
	Priority   uint8
	Transfer   uint64
	ReceivedAt hrt.Time
}

// HandlerFunc consumes one received message. Handlers run on the node's
// dispatch goroutine, one at a time.
type HandlerFunc func(Message, Meta)

// Stats counts frames through the node.
type Stats struct {
	Sent     uint64 `json:"sent"`
	Received uint64 `json:"received"`
	Ignored  uint64 `json:"ignored"`
	Dropped  uint64 `json:"dropped"`
}

// Node broadcasts and receives frames over a network.PubSub carrier.
type Node struct {
	ps    network.PubSub
	topic string
	id    string
	clock *hrt.Clock
	log   *slog.Logger

	mu        sync.Mutex
	handlers  map[DataTypeID]HandlerFunc
	priority  map[DataTypeID]uint8
	transfers map[DataTypeID]uint64
	cancel    func()
	wg        sync.WaitGroup

	sent     atomic.Uint64
	received atomic.Uint64
	ignored  atomic.Uint64
	dropped  atomic.Uint64
}

// Option configures a Node.
type Option func(*Node)

func WithTopic(topic string) Option {
	return func(n *Node) {
		if topic != "" {
			n.topic = topic
		}
	}
}

// WithNodeID fixes the node identity; by default a random UUID is used.
func WithNodeID(id string) Option {
	return func(n *Node) {
		if id != "" {
			n.id = id
		}
	}
}

func WithClock(c *hrt.Clock) Option {
	return func(n *Node) { n.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(n *Node) { n.log = l }
}

// NewNode attaches a node to ps. Nothing is subscribed until Start.
func NewNode(ps network.PubSub, opts ...Option) *Node {
	n := &Node{
		ps:        ps,
		topic:     DefaultTopic,
		id:        uuid.NewString(),
		handlers:  make(map[DataTypeID]HandlerFunc),
		priority:  make(map[DataTypeID]uint8),
		transfers: make(map[DataTypeID]uint64),
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.clock == nil {
		n.clock = hrt.New()
	}
	if n.log == nil {
		n.log = slog.Default()
	}
	n.log = n.log.With("component", "fieldbus", "node", n.id)
	return n
}

// ID returns the node identity stamped on outgoing frames.
func (n *Node) ID() string {
	return n.id
}

// Topic returns the carrier topic.
func (n *Node) Topic() string {
	return n.topic
}

// MonotonicTime is the clock used for rate gating on this node.
func (n *Node) MonotonicTime() hrt.Time {
	return n.clock.Now()
}

// SetPriority sets the transfer priority for a data type.
func (n *Node) SetPriority(id DataTypeID, prio uint8) error {
	if prio > 31 {
		return fmt.Errorf("%w: %d", ErrBadPriority, prio)
	}
	n.mu.Lock()
	n.priority[id] = prio
	n.mu.Unlock()
	return nil
}

// Broadcast sends m as one frame. Delivery is not confirmed.
func (n *Node) Broadcast(m Message) error {
	id := m.DataTypeID()
	n.mu.Lock()
	prio, ok := n.priority[id]
	if !ok {
		prio = DefaultPriority
	}
	transfer := n.transfers[id]
	n.transfers[id] = transfer + 1
	n.mu.Unlock()

	payload, err := Encode(Frame{Source: n.id, Priority: prio, Transfer: transfer}, m)
	if err != nil {
		return err
	}
	if err := n.ps.Publish(n.topic, payload); err != nil {
		return fmt.Errorf("broadcast %s: %w", id, err)
	}
	n.sent.Add(1)
	return nil
}

// Handle registers the single consumer of a data type.
func (n *Node) Handle(id DataTypeID, fn HandlerFunc) error {
	if fn == nil {
		return ErrNilHandler
	}
	if _, ok := factories[id]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownType, id)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.handlers[id]; ok {
		return fmt.Errorf("%w: %s", ErrHandlerExists, id)
	}
	n.handlers[id] = fn
	return nil
}

// HandleTyped registers fn for the data type of M.
func HandleTyped[M Message](n *Node, fn func(M, Meta)) error {
	var zero M
	return n.Handle(zero.DataTypeID(), func(m Message, meta Meta) {
		if typed, ok := m.(M); ok {
			fn(typed, meta)
		}
	})
}

// Start subscribes to the carrier and dispatches frames on one goroutine
// until ctx is done or Close is called. The subscription is in place when
// Start returns.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	if n.cancel != nil {
		n.mu.Unlock()
		return ErrStarted
	}
	ch, unsubscribe, err := n.ps.Subscribe(n.topic)
	if err != nil {
		n.mu.Unlock()
		return fmt.Errorf("subscribe %s: %w", n.topic, err)
	}
	runCtx, cancel := context.WithCancel(ctx)
	n.cancel = func() {
		cancel()
		unsubscribe()
	}
	n.wg.Add(1)
	n.mu.Unlock()

	go func() {
		defer n.wg.Done()
		for {
			select {
			case <-runCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				n.dispatch(msg)
			}
		}
	}()
	return nil
}

// Close stops dispatching and waits for the running handler to return.
func (n *Node) Close() {
	n.mu.Lock()
	cancel := n.cancel
	n.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	n.wg.Wait()
}

func (n *Node) dispatch(raw network.Message) {
	frame, m, err := Decode(raw.Payload)
	if err != nil {
		n.dropped.Add(1)
		n.log.Debug("drop undecodable frame", "from", raw.From, "error", err)
		return
	}
	if frame.Source == n.id {
		return
	}
	n.received.Add(1)

	n.mu.Lock()
	fn := n.handlers[frame.Kind]
	n.mu.Unlock()
	if fn == nil {
		n.ignored.Add(1)
		return
	}
	fn(m, Meta{
		Source:     frame.Source,
		Priority:   frame.Priority,
		Transfer:   frame.Transfer,
		ReceivedAt: n.clock.Now(),
	})
}

// Tap opens a raw subscription to the carrier topic for observers.
func (n *Node) Tap() (<-chan network.Message, func(), error) {
	return n.ps.Subscribe(n.topic)
}

// Stats returns frame counters.
func (n *Node) Stats() Stats {
	return Stats{
		Sent:     n.sent.Load(),
		Received: n.received.Load(),
		Ignored:  n.ignored.Load(),
		Dropped:  n.dropped.Load(),
	}
}
