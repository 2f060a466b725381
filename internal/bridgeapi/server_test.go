package bridgeapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"

	"actuator-bridge/internal/core/hrt"
	"actuator-bridge/internal/core/network"
	"actuator-bridge/internal/diag"
	"actuator-bridge/internal/fieldbus"
	"actuator-bridge/internal/localbus"
	"actuator-bridge/internal/servo"
)

type stubBridge struct{ status servo.Status }

func (b stubBridge) Status() servo.Status { return b.status }

type fixture struct {
	mux  *http.ServeMux
	bus  *localbus.Bus
	node *fieldbus.Node
	ps   *network.MemoryPubSub
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := hrt.NewWithClock(clock.NewMock())
	bus := localbus.New(clk)
	ps := network.NewMemoryPubSub()
	node := fieldbus.NewNode(ps, fieldbus.WithNodeID("bridge-1"), fieldbus.WithClock(clk))
	t.Cleanup(func() { _ = ps.Close() })

	counters := diag.NewCounters("bridge")
	counters.InvalidInput.Inc()
	reg := prometheus.NewRegistry()
	if err := counters.Register(reg); err != nil {
		t.Fatalf("register counters: %v", err)
	}

	s := NewServer(Deps{
		Bridge:   stubBridge{status: servo.Status{Remote: "on", ArraySends: 3, Counters: counters.Snapshot()}},
		Node:     node,
		Bus:      bus,
		Gatherer: reg,
		Clock:    clk,
	})
	mux := http.NewServeMux()
	s.Register(mux)
	return &fixture{mux: mux, bus: bus, node: node, ps: ps}
}

func (f *fixture) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func latest[T any](t *testing.T, bus *localbus.Bus, kind localbus.Kind, instance int) T {
	t.Helper()
	h, err := bus.Subscribe(kind, instance)
	if err != nil {
		t.Fatalf("subscribe %v: %v", kind, err)
	}
	defer func() { _ = bus.Unsubscribe(h) }()
	v, err := bus.Copy(kind, h)
	if err != nil {
		t.Fatalf("copy %v: %v", kind, err)
	}
	typed, ok := v.(T)
	if !ok {
		t.Fatalf("unexpected record %T", v)
	}
	return typed
}

func TestStatus(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/api/bridge/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status failed: %d %s", rec.Code, rec.Body.String())
	}
	var body struct {
		NodeID string         `json:"node_id"`
		Bridge servo.Status   `json:"bridge"`
		Bus    localbus.Stats `json:"local_bus"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.NodeID != "bridge-1" || body.Bridge.Remote != "on" || body.Bridge.ArraySends != 3 {
		t.Fatalf("unexpected status %+v", body)
	}
	if body.Bridge.Counters.InvalidInput != 1 {
		t.Fatalf("counters = %+v", body.Bridge.Counters)
	}
	if body.Bus.FreeSlots != localbus.DefaultSlots {
		t.Fatalf("bus stats = %+v", body.Bus)
	}
}

func TestOutputsPublishesToLocalBus(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodPost, "/api/bridge/outputs", `{"values":[1100,1900,2500]}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("outputs failed: %d %s", rec.Code, rec.Body.String())
	}
	out := latest[localbus.ActuatorOutputs](t, f.bus, localbus.KindActuatorOutputs, 0)
	// Values go out untouched; clamping is the bridge's job.
	got := out.Values()
	if len(got) != 3 || got[0] != 1100 || got[2] != 2500 {
		t.Fatalf("published %v", got)
	}
	ack := latest[localbus.VehicleCommandAck](t, f.bus, localbus.KindVehicleCommandAck, 0)
	if ack.Command != CommandSetServo || ack.Result != ResultAccepted {
		t.Fatalf("ack = %+v", ack)
	}

	// The advert is reused.
	if rec := f.do(http.MethodPost, "/api/bridge/outputs", `{"values":[1500]}`); rec.Code != http.StatusAccepted {
		t.Fatalf("second outputs failed: %d", rec.Code)
	}
	if st := f.bus.Stats(); st.Advertised != 2 || st.Published != 4 {
		t.Fatalf("bus stats = %+v", st)
	}
}

func TestOutputsRejectsBadRequests(t *testing.T) {
	f := newFixture(t)
	tooMany := `{"values":[` + strings.TrimSuffix(strings.Repeat("1500,", fieldbus.MaxArrayCommands+1), ",") + `]}`
	tests := []struct {
		name   string
		method string
		body   string
		want   int
	}{
		{"wrong method", http.MethodGet, "", http.StatusMethodNotAllowed},
		{"preflight", http.MethodOptions, "", http.StatusNoContent},
		{"invalid json", http.MethodPost, "{", http.StatusBadRequest},
		{"empty", http.MethodPost, `{"values":[]}`, http.StatusBadRequest},
		{"too many", http.MethodPost, tooMany, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(tt.method, "/api/bridge/outputs", tt.body)
			if rec.Code != tt.want {
				t.Fatalf("code = %d, want %d (%s)", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
	if f.bus.Exists(localbus.KindActuatorOutputs, 0) {
		t.Fatalf("rejected requests must not advertise")
	}
}

func TestIgnition(t *testing.T) {
	f := newFixture(t)
	if rec := f.do(http.MethodPost, "/api/bridge/ignition", `{}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing on: code %d", rec.Code)
	}
	rec := f.do(http.MethodPost, "/api/bridge/ignition", `{"on":true}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("ignition failed: %d %s", rec.Code, rec.Body.String())
	}
	armed := latest[localbus.ActuatorArmed](t, f.bus, localbus.KindActuatorArmed, 0)
	if !armed.Armed {
		t.Fatalf("armed = %+v", armed)
	}
	ack := latest[localbus.VehicleCommandAck](t, f.bus, localbus.KindVehicleCommandAck, 0)
	if ack.Command != CommandArmDisarm {
		t.Fatalf("ack = %+v", ack)
	}
}

func TestMetrics(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics failed: %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "bridge_invalid_input_total 1") {
		t.Fatalf("metrics missing counter:\n%s", rec.Body.String())
	}
}

func TestStreamRelaysFrames(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.mux)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/bridge/stream", nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	// Headers are flushed after the tap is open, so this frame is seen.
	remote := fieldbus.NewNode(f.ps, fieldbus.WithNodeID("remote-7"))
	if err := remote.Broadcast(fieldbus.PreflightState{Status: true}); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	data := readEvent(t, resp.Body)
	var ev struct {
		Kind    string          `json:"kind"`
		Source  string          `json:"source"`
		Message json.RawMessage `json:"message"`
	}
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		t.Fatalf("decode event %q: %v", data, err)
	}
	if ev.Kind != "preflight.State" || ev.Source != "remote-7" || string(ev.Message) != `{"status":true}` {
		t.Fatalf("unexpected event %+v (%s)", ev, ev.Message)
	}
}

func readEvent(t *testing.T, r io.Reader) string {
	t.Helper()
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if data, ok := strings.CutPrefix(sc.Text(), "data: "); ok {
			return data
		}
	}
	t.Fatalf("stream ended: %v", sc.Err())
	return ""
}

func TestOutputsAcceptsFullCommandArray(t *testing.T) {
	f := newFixture(t)
	body := `{"values":[` + strings.TrimSuffix(strings.Repeat("1500,", fieldbus.MaxArrayCommands), ",") + `]}`
	if rec := f.do(http.MethodPost, "/api/bridge/outputs", body); rec.Code != http.StatusAccepted {
		t.Fatalf("code = %d (%s)", rec.Code, rec.Body.String())
	}
	out := latest[localbus.ActuatorOutputs](t, f.bus, localbus.KindActuatorOutputs, 0)
	if out.NOutputs != fieldbus.MaxArrayCommands {
		t.Fatalf("published %d channels", out.NOutputs)
	}
}
