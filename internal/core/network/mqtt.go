package network

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// MQTTOptions configures the broker-backed carrier.
type MQTTOptions struct {
	Broker         string
	ClientID       string
	QoS            byte
	TopicPrefix    string
	ConnectTimeout time.Duration
	Logger         *slog.Logger
}

// MQTTPubSub uses a broker as the shared segment. The broker accepts one
// handler per topic and client, so subscriptions fan out locally.
type MQTTPubSub struct {
	client mqtt.Client
	opts   MQTTOptions
	log    *slog.Logger

	mu     sync.Mutex
	nextID int
	closed bool
	subs   map[string]map[int]chan Message
}

func NewMQTTPubSub(opts MQTTOptions) (*MQTTPubSub, error) {
	if opts.Broker == "" {
		return nil, fmt.Errorf("mqtt broker address required")
	}
	if opts.ClientID == "" {
		opts.ClientID = "actuator-bridge-" + uuid.NewString()[:8]
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "mqtt", "broker", opts.Broker)

	p := &MQTTPubSub{
		opts: opts,
		log:  logger,
		subs: make(map[string]map[int]chan Message),
	}

	co := mqtt.NewClientOptions()
	co.AddBroker(opts.Broker)
	co.SetClientID(opts.ClientID)
	co.SetAutoReconnect(true)
	co.SetConnectRetry(true)
	co.SetConnectRetryInterval(2 * time.Second)
	co.SetMaxReconnectInterval(30 * time.Second)
	co.OnConnect = func(c mqtt.Client) {
		logger.Info("mqtt connection established", "client_id", opts.ClientID)
		p.resubscribe()
	}
	co.OnConnectionLost = func(c mqtt.Client, err error) {
		logger.Warn("mqtt connection lost, will auto-reconnect", "error", err)
	}
	p.client = mqtt.NewClient(co)

	token := p.client.Connect()
	if !token.WaitTimeout(opts.ConnectTimeout) {
		return nil, fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connection failed: %w", err)
	}
	return p, nil
}

// brokerTopic places topic under the configured prefix level.
func (p *MQTTPubSub) brokerTopic(topic string) string {
	prefix := p.opts.TopicPrefix
	if prefix == "" {
		return topic
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return prefix + topic
}

func (p *MQTTPubSub) Publish(topic string, payload []byte) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrClosed
	}
	// Fire and forget: the token is not awaited so the caller never blocks.
	token := p.client.Publish(p.brokerTopic(topic), p.opts.QoS, false, payload)
	select {
	case <-token.Done():
		return token.Error()
	default:
		return nil
	}
}

func (p *MQTTPubSub) Subscribe(topic string) (<-chan Message, func(), error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, nil, ErrClosed
	}
	first := false
	if _, ok := p.subs[topic]; !ok {
		p.subs[topic] = make(map[int]chan Message)
		first = true
	}
	id := p.nextID
	p.nextID++
	ch := make(chan Message, subscriberBuffer)
	p.subs[topic][id] = ch
	p.mu.Unlock()

	if first {
		if err := p.subscribeBroker(topic); err != nil {
			p.remove(topic, id)
			return nil, nil, err
		}
	}
	return ch, func() { p.remove(topic, id) }, nil
}

func (p *MQTTPubSub) subscribeBroker(topic string) error {
	token := p.client.Subscribe(p.brokerTopic(topic), p.opts.QoS, func(_ mqtt.Client, m mqtt.Message) {
		p.deliver(topic, m.Payload())
	})
	if !token.WaitTimeout(p.opts.ConnectTimeout) {
		return fmt.Errorf("mqtt subscribe %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt subscribe %s: %w", topic, err)
	}
	return nil
}

func (p *MQTTPubSub) resubscribe() {
	p.mu.Lock()
	topics := make([]string, 0, len(p.subs))
	for topic := range p.subs {
		topics = append(topics, topic)
	}
	p.mu.Unlock()
	for _, topic := range topics {
		if err := p.subscribeBroker(topic); err != nil {
			p.log.Warn("mqtt resubscribe failed", "topic", topic, "error", err)
		}
	}
}

func (p *MQTTPubSub) deliver(topic string, payload []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range p.subs[topic] {
		select {
		case ch <- Message{Topic: topic, Payload: append([]byte(nil), payload...)}:
		default:
		}
	}
}

func (p *MQTTPubSub) remove(topic string, id int) {
	p.mu.Lock()
	subsByTopic, ok := p.subs[topic]
	if !ok {
		p.mu.Unlock()
		return
	}
	if ch, exists := subsByTopic[id]; exists {
		delete(subsByTopic, id)
		close(ch)
	}
	last := len(subsByTopic) == 0
	if last {
		delete(p.subs, topic)
	}
	closed := p.closed
	p.mu.Unlock()

	if last && !closed {
		p.client.Unsubscribe(p.brokerTopic(topic))
	}
}

func (p *MQTTPubSub) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	for topic, subsByTopic := range p.subs {
		for _, ch := range subsByTopic {
			close(ch)
		}
		delete(p.subs, topic)
	}
	p.mu.Unlock()

	if p.client.IsConnected() {
		p.client.Disconnect(250)
	}
	p.log.Info("mqtt disconnected")
	return nil
}
