package network

import (
	"context"
	"testing"
)

func TestParseMultiaddrs(t *testing.T) {
	addrs, err := parseMultiaddrs([]string{"/ip4/127.0.0.1/tcp/4101", "", "/ip6/::1/udp/4101/quic-v1"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(addrs) != 2 {
		t.Fatalf("got %d addrs, want 2 (empty entries skipped)", len(addrs))
	}
	if addrs[0].String() != "/ip4/127.0.0.1/tcp/4101" {
		t.Fatalf("first addr = %s", addrs[0])
	}

	if _, err := parseMultiaddrs([]string{"127.0.0.1:4101"}); err == nil {
		t.Fatal("host:port is not a multiaddr")
	}
	if addrs, err := parseMultiaddrs(nil); err != nil || len(addrs) != 0 {
		t.Fatalf("nil input: %v %v", addrs, err)
	}
}

func TestOpenLibp2pRejectsBadListenAddr(t *testing.T) {
	_, err := Open(context.Background(), Options{
		Transport: TransportLibp2p,
		Libp2p:    Libp2pOptions{ListenAddrs: []string{"not-a-multiaddr"}},
	})
	if err == nil {
		t.Fatal("bad listen addr should fail before the host starts")
	}
}
