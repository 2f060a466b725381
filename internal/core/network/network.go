package network

import (
	"context"
	"fmt"
)

// Message is the transport envelope delivered to subscribers.
type Message struct {
	Topic string
	// From is the transport-level sender, empty when the carrier has none.
	From    string
	Payload []byte
}

// PubSub is a broadcast carrier shared by every node on the segment.
// Delivery is best effort: slow subscribers lose messages instead of
// stalling publishers.
type PubSub interface {
	Publish(topic string, payload []byte) error
	Subscribe(topic string) (<-chan Message, func(), error)
	Close() error
}

const (
	TransportMemory = "memory"
	TransportLibp2p = "libp2p"
	TransportMQTT   = "mqtt"
)

// subscriberBuffer is the per-subscription channel depth for every carrier.
const subscriberBuffer = 64

// Options selects and configures a carrier.
type Options struct {
	Transport string
	Libp2p    Libp2pOptions
	MQTT      MQTTOptions
}

// Open creates the carrier named by opts.Transport.
func Open(ctx context.Context, opts Options) (PubSub, error) {
	switch opts.Transport {
	case "", TransportMemory:
		return NewMemoryPubSub(), nil
	case TransportLibp2p:
		return NewLibp2pPubSub(ctx, opts.Libp2p)
	case TransportMQTT:
		return NewMQTTPubSub(opts.MQTT)
	default:
		return nil, fmt.Errorf("unknown transport %q", opts.Transport)
	}
}
