package network

import (
	"log/slog"
	"testing"
)

func TestNewMQTTRequiresBroker(t *testing.T) {
	if _, err := NewMQTTPubSub(MQTTOptions{}); err == nil {
		t.Fatal("empty broker should fail")
	}
}

func TestMQTTBrokerTopic(t *testing.T) {
	tests := []struct {
		prefix string
		want   string
	}{
		{"", "fieldbus"},
		{"bridge", "bridge/fieldbus"},
		{"bridge/", "bridge/fieldbus"},
		{"site/a/", "site/a/fieldbus"},
	}
	for _, tt := range tests {
		p := &MQTTPubSub{opts: MQTTOptions{TopicPrefix: tt.prefix}}
		if got := p.brokerTopic("fieldbus"); got != tt.want {
			t.Fatalf("prefix %q: got %q, want %q", tt.prefix, got, tt.want)
		}
	}
}

func TestMQTTDeliverFansOutLocally(t *testing.T) {
	a := make(chan Message, 1)
	b := make(chan Message, 1)
	other := make(chan Message, 1)
	p := &MQTTPubSub{
		log: slog.Default(),
		subs: map[string]map[int]chan Message{
			"fieldbus": {0: a, 1: b},
			"other":    {2: other},
		},
	}

	payload := []byte{1, 2, 3}
	p.deliver("fieldbus", payload)
	payload[0] = 9

	for i, ch := range []chan Message{a, b} {
		select {
		case m := <-ch:
			if m.Topic != "fieldbus" || m.Payload[0] != 1 {
				t.Fatalf("subscriber %d got %+v", i, m)
			}
		default:
			t.Fatalf("subscriber %d got nothing", i)
		}
	}
	select {
	case m := <-other:
		t.Fatalf("other topic received %+v", m)
	default:
	}

	// A full subscriber drops instead of blocking the client callback.
	p.deliver("fieldbus", []byte{4})
	p.deliver("fieldbus", []byte{5})
	if m := <-a; m.Payload[0] != 4 {
		t.Fatalf("expected first queued frame, got %v", m.Payload)
	}
}
