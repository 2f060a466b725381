// Package bridgeapi exposes the bridge over HTTP: status, bench commands,
// a live stream of field-bus frames and Prometheus metrics.
package bridgeapi

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"actuator-bridge/internal/core/hrt"
	"actuator-bridge/internal/core/network"
	"actuator-bridge/internal/fieldbus"
	"actuator-bridge/internal/localbus"
	"actuator-bridge/internal/outputs"
	"actuator-bridge/internal/servo"
	"actuator-bridge/internal/telemetry"
)

// Command ids reported on vehicle_command_ack for bench commands.
const (
	CommandSetServo  uint16 = 183
	CommandArmDisarm uint16 = 400

	ResultAccepted uint8 = 0
)

type Bridge interface {
	Status() servo.Status
}

type Node interface {
	ID() string
	Stats() fieldbus.Stats
	Tap() (<-chan network.Message, func(), error)
}

type LocalBus interface {
	Advertise(kind localbus.Kind, instance int, record any) (*localbus.Advert, error)
	Publish(adv *localbus.Advert, record any) error
	Stats() localbus.Stats
}

// Deps are the components the API reads from and publishes to. Loop,
// Telemetry and Gatherer are optional.
type Deps struct {
	Bridge    Bridge
	Node      Node
	Bus       LocalBus
	Loop      interface{ Stats() outputs.Stats }
	Telemetry interface{ Stats() []telemetry.StreamStats }
	Gatherer  prometheus.Gatherer
	Clock     *hrt.Clock
	Logger    *slog.Logger
	// OutputsInstance is the actuator_outputs instance bench commands write.
	OutputsInstance int
}

type Server struct {
	d   Deps
	log *slog.Logger

	mu      sync.Mutex
	adverts map[localbus.Topic]*localbus.Advert
}

func NewServer(d Deps) *Server {
	if d.Clock == nil {
		d.Clock = hrt.New()
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Server{
		d:       d,
		log:     d.Logger.With("component", "bridgeapi"),
		adverts: make(map[localbus.Topic]*localbus.Advert),
	}
}

func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/bridge/status", s.handleStatus)
	mux.HandleFunc("/api/bridge/outputs", s.handleOutputs)
	mux.HandleFunc("/api/bridge/ignition", s.handleIgnition)
	mux.HandleFunc("/api/bridge/stream", s.handleStream)
	if s.d.Gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.d.Gatherer, promhttp.HandlerOpts{}))
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeNoContent(w)
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	resp := map[string]any{}
	if s.d.Bridge != nil {
		resp["bridge"] = s.d.Bridge.Status()
	}
	if s.d.Node != nil {
		resp["node_id"] = s.d.Node.ID()
		resp["fieldbus"] = s.d.Node.Stats()
	}
	if s.d.Bus != nil {
		resp["local_bus"] = s.d.Bus.Stats()
	}
	if s.d.Loop != nil {
		resp["loop"] = s.d.Loop.Stats()
	}
	if s.d.Telemetry != nil {
		resp["telemetry"] = s.d.Telemetry.Stats()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleOutputs publishes a bench sample on the local bus. The control loop
// picks it up on its next tick, so the bridge's rate gate still applies.
func (s *Server) handleOutputs(w http.ResponseWriter, r *http.Request) {
	if s.d.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "local bus unavailable")
		return
	}
	if r.Method == http.MethodOptions {
		writeNoContent(w)
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		Values []float32 `json:"values"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if len(req.Values) == 0 {
		writeError(w, http.StatusBadRequest, "values required")
		return
	}
	if len(req.Values) > fieldbus.MaxArrayCommands {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("at most %d values", fieldbus.MaxArrayCommands))
		return
	}
	now := s.d.Clock.Now()
	rec := localbus.ActuatorOutputs{Timestamp: now, NOutputs: len(req.Values)}
	copy(rec.Output[:], req.Values)
	if err := s.publish(localbus.KindActuatorOutputs, s.d.OutputsInstance, rec); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.ack(CommandSetServo)
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true, "timestamp": uint64(now)})
}

func (s *Server) handleIgnition(w http.ResponseWriter, r *http.Request) {
	if s.d.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "local bus unavailable")
		return
	}
	if r.Method == http.MethodOptions {
		writeNoContent(w)
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		On *bool `json:"on"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.On == nil {
		writeError(w, http.StatusBadRequest, "on required")
		return
	}
	now := s.d.Clock.Now()
	if err := s.publish(localbus.KindActuatorArmed, 0, localbus.ActuatorArmed{Timestamp: now, Armed: *req.On}); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.ack(CommandArmDisarm)
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true, "on": *req.On})
}

func (s *Server) ack(command uint16) {
	rec := localbus.VehicleCommandAck{Timestamp: s.d.Clock.Now(), Command: command, Result: ResultAccepted}
	if err := s.publish(localbus.KindVehicleCommandAck, 0, rec); err != nil {
		s.log.Warn("command ack not published", "command", command, "error", err)
	}
}

// publish advertises the topic on first use and reuses the advert afterwards.
func (s *Server) publish(kind localbus.Kind, instance int, rec any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := localbus.Topic{Kind: kind, Instance: instance}
	if adv, ok := s.adverts[t]; ok {
		return s.d.Bus.Publish(adv, rec)
	}
	adv, err := s.d.Bus.Advertise(kind, instance, rec)
	if err != nil {
		return fmt.Errorf("advertise %s: %w", t, err)
	}
	s.adverts[t] = adv
	return nil
}

type frameEvent struct {
	Kind     string           `json:"kind"`
	TypeID   uint16           `json:"type_id"`
	Source   string           `json:"source"`
	Priority uint8            `json:"priority"`
	Transfer uint64           `json:"transfer"`
	Message  fieldbus.Message `json:"message"`
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.d.Node == nil {
		writeError(w, http.StatusServiceUnavailable, "field bus unavailable")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	ch, cancel, err := s.d.Node.Tap()
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case raw, ok := <-ch:
			if !ok {
				return
			}
			frame, msg, err := fieldbus.Decode(raw.Payload)
			if err != nil {
				continue
			}
			data, err := json.Marshal(frameEvent{
				Kind:     frame.Kind.String(),
				TypeID:   uint16(frame.Kind),
				Source:   frame.Source,
				Priority: frame.Priority,
				Transfer: frame.Transfer,
				Message:  msg,
			})
			if err != nil {
				continue
			}
			if _, err := w.Write([]byte("event: frame\ndata: " + string(data) + "\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

func writeNoContent(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	w.WriteHeader(http.StatusNoContent)
}
