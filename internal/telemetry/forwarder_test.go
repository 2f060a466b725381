package telemetry

import (
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"actuator-bridge/internal/core/hrt"
	"actuator-bridge/internal/fieldbus"
	"actuator-bridge/internal/lazysub"
	"actuator-bridge/internal/localbus"
)

type sink struct {
	sent []fieldbus.Message
	fail error
}

func (s *sink) Broadcast(m fieldbus.Message) error {
	if s.fail != nil {
		return s.fail
	}
	s.sent = append(s.sent, m)
	return nil
}

func (s *sink) statuses() []fieldbus.ActuatorStatus {
	var out []fieldbus.ActuatorStatus
	for _, m := range s.sent {
		if st, ok := m.(fieldbus.ActuatorStatus); ok {
			out = append(out, st)
		}
	}
	return out
}

func (s *sink) acks() []fieldbus.CommandAck {
	var out []fieldbus.CommandAck
	for _, m := range s.sent {
		if a, ok := m.(fieldbus.CommandAck); ok {
			out = append(out, a)
		}
	}
	return out
}

type fixture struct {
	mock *clock.Mock
	bus  *localbus.Bus
	out  *sink
	fwd  *Forwarder
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	mock := clock.NewMock()
	clk := hrt.NewWithClock(mock)
	bus := localbus.New(clk)
	out := &sink{}
	fwd := New(bus, out, append([]Option{WithClock(clk)}, opts...)...)
	t.Cleanup(fwd.Close)
	return &fixture{mock: mock, bus: bus, out: out, fwd: fwd}
}

func outputs(values ...float32) localbus.ActuatorOutputs {
	rec := localbus.ActuatorOutputs{NOutputs: len(values)}
	copy(rec.Output[:], values)
	return rec
}

func TestStatusStreamRateLimited(t *testing.T) {
	f := newFixture(t)

	f.mock.Add(time.Millisecond)
	adv, err := f.bus.Advertise(localbus.KindActuatorOutputs, 0, outputs(1100, 1200))
	if err != nil {
		t.Fatalf("advertise: %v", err)
	}
	f.fwd.Step()
	if got := len(f.out.statuses()); got != 1 {
		t.Fatalf("statuses after first sample = %d, want 1", got)
	}

	f.mock.Add(49 * time.Millisecond)
	if err := f.bus.Publish(adv, outputs(1300, 1400)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	f.fwd.Step()
	if got := len(f.out.statuses()); got != 1 {
		t.Fatalf("status sent inside the rate window")
	}

	f.mock.Add(51 * time.Millisecond)
	f.fwd.Step()
	st := f.out.statuses()
	if len(st) != 2 {
		t.Fatalf("statuses = %d, want 2", len(st))
	}
	if st[1].Outputs[0] != 1300 || st[1].Outputs[1] != 1400 {
		t.Fatalf("newest sample not forwarded: %v", st[1].Outputs)
	}

	// Nothing new: the open gate alone does not produce a frame.
	f.mock.Add(200 * time.Millisecond)
	f.fwd.Step()
	if got := len(f.out.statuses()); got != 2 {
		t.Fatalf("stale sample resent")
	}
}

func TestStatusCarriesArming(t *testing.T) {
	f := newFixture(t)
	f.mock.Add(time.Millisecond)
	if _, err := f.bus.Advertise(localbus.KindActuatorArmed, 0, localbus.ActuatorArmed{Armed: true}); err != nil {
		t.Fatalf("advertise armed: %v", err)
	}
	rec := outputs(1500)
	rec.Timestamp = hrt.Duration(time.Millisecond)
	if _, err := f.bus.Advertise(localbus.KindActuatorOutputs, 0, rec); err != nil {
		t.Fatalf("advertise outputs: %v", err)
	}
	f.fwd.Step()
	st := f.out.statuses()
	if len(st) != 1 || !st[0].Armed {
		t.Fatalf("status = %+v, want armed", st)
	}
	if st[0].Timestamp != uint64(hrt.Duration(time.Millisecond)) {
		t.Fatalf("timestamp = %d", st[0].Timestamp)
	}
}

func TestCommandAckEager(t *testing.T) {
	f := newFixture(t)

	// The ack stream holds a handle before anyone advertises the topic.
	f.fwd.Step()
	f.mock.Add(time.Millisecond)
	adv, err := f.bus.Advertise(localbus.KindVehicleCommandAck, 0, localbus.VehicleCommandAck{Command: 400, Result: 0})
	if err != nil {
		t.Fatalf("advertise: %v", err)
	}

	f.mock.Add(lazysub.CheckInterval)
	f.fwd.Step()
	acks := f.out.acks()
	if len(acks) != 1 || acks[0].Command != 400 {
		t.Fatalf("acks = %+v", acks)
	}

	// Acks are not rate limited.
	f.mock.Add(time.Millisecond)
	if err := f.bus.Publish(adv, localbus.VehicleCommandAck{Command: 176, Result: 4}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	f.fwd.Step()
	acks = f.out.acks()
	if len(acks) != 2 || acks[1].Command != 176 || acks[1].Result != 4 {
		t.Fatalf("acks = %+v", acks)
	}
}

func TestFailedBroadcastRetriesSample(t *testing.T) {
	f := newFixture(t)
	f.mock.Add(time.Millisecond)
	if _, err := f.bus.Advertise(localbus.KindActuatorOutputs, 0, outputs(1234)); err != nil {
		t.Fatalf("advertise: %v", err)
	}

	f.out.fail = errors.New("link down")
	f.fwd.Step()
	f.out.fail = nil
	f.fwd.Step()

	st := f.out.statuses()
	if len(st) != 1 || st[0].Outputs[0] != 1234 {
		t.Fatalf("sample not retried: %+v", st)
	}
	for _, s := range f.fwd.Stats() {
		if s.Name == "status" && s.Forwarded != 1 {
			t.Fatalf("forwarded = %d, want 1", s.Forwarded)
		}
	}
}

func TestStatsListsStreams(t *testing.T) {
	f := newFixture(t, WithInstance(2))
	stats := f.fwd.Stats()
	if len(stats) != 2 {
		t.Fatalf("streams = %d, want 2", len(stats))
	}
	if stats[0].Name != "status" || stats[0].Topic != "actuator_outputs/2" {
		t.Fatalf("status stream = %+v", stats[0])
	}
	if stats[1].Name != "command_ack" || stats[1].Topic != "vehicle_command_ack/0" {
		t.Fatalf("ack stream = %+v", stats[1])
	}
}
