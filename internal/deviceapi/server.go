// Package deviceapi exposes the Device Management service's HTTP surface
// (spec §6): device CRUD, heartbeat ingestion, connection testing via the
// Probe Engine, and a local health endpoint. Grounded on the same
// gorilla/mux + json.NewEncoder(w).Encode style as gatewayapi.
package deviceapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/fleetops/platform/internal/apperr"
	"github.com/fleetops/platform/internal/device"
	"github.com/fleetops/platform/internal/health"
	"github.com/fleetops/platform/internal/metrics"
	"github.com/fleetops/platform/internal/probe"
)

const serviceVersion = "1.0.0"

type Server struct {
	devices *device.Facade
	probes  *probe.Engine
	health  *health.Aggregator
}

func New(devices *device.Facade, probes *probe.Engine, aggregator *health.Aggregator) *Server {
	return &Server{devices: devices, probes: probes, health: aggregator}
}

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(metrics.Middleware("device-management"))
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/metrics", metrics.Handler().ServeHTTP).Methods(http.MethodGet)
	r.HandleFunc("/devices", s.handleList).Methods(http.MethodGet)
	r.HandleFunc("/devices", s.handleCreate).Methods(http.MethodPost)
	r.HandleFunc("/devices/{id}", s.handleGet).Methods(http.MethodGet)
	r.HandleFunc("/devices/{id}", s.handleUpdate).Methods(http.MethodPut)
	r.HandleFunc("/devices/{id}", s.handleDelete).Methods(http.MethodDelete)
	r.HandleFunc("/devices/{id}/status", s.handleHeartbeat).Methods(http.MethodPost)
	r.HandleFunc("/devices/{id}/test-connection", s.handleTestConnection).Methods(http.MethodPost)
	return r
}

type listResponse struct {
	Items  []device.Device `json:"items"`
	Total  int             `json:"total"`
	Limit  int             `json:"limit"`
	Offset int             `json:"offset"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := device.Filter{
		Type:    q.Get("type"),
		Status:  q.Get("status"),
		GroupID: q.Get("groupId"),
		Tag:     q.Get("tag"),
	}
	limit := intOrDefault(q.Get("limit"), 50)
	offset := intOrDefault(q.Get("offset"), 0)

	devices, err := s.devices.List(r.Context(), filter)
	if err != nil {
		apperr.WriteJSON(w, err)
		return
	}

	total := len(devices)
	page := paginate(devices, limit, offset)
	writeJSON(w, http.StatusOK, listResponse{Items: page, Total: total, Limit: limit, Offset: offset})
}

func paginate(items []device.Device, limit, offset int) []device.Device {
	if offset >= len(items) {
		return []device.Device{}
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var in device.Device
	if err := decodeBody(r, &in); err != nil {
		apperr.WriteJSON(w, err)
		return
	}
	if in.Name == "" || in.Type == "" {
		apperr.WriteJSON(w, apperr.Validation("name and type are required"))
		return
	}

	out, err := s.devices.Create(r.Context(), in)
	if err != nil {
		apperr.WriteJSON(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	out, err := s.devices.Get(r.Context(), id)
	if err != nil {
		apperr.WriteJSON(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var patch map[string]any
	if err := decodeBody(r, &patch); err != nil {
		apperr.WriteJSON(w, err)
		return
	}

	var out *device.Device
	var err error
	if status, ok := patch["status"].(string); ok && len(patch) == 1 {
		out, err = s.devices.SetAdminStatus(r.Context(), id, device.Status(status))
	} else {
		out, err = s.devices.Update(r.Context(), id, patch)
	}
	if err != nil {
		apperr.WriteJSON(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.devices.Delete(r.Context(), id); err != nil {
		apperr.WriteJSON(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req device.HeartbeatRequest
	if err := decodeBody(r, &req); err != nil {
		apperr.WriteJSON(w, err)
		return
	}
	result := s.devices.Heartbeat(r.Context(), id, req)
	writeJSON(w, http.StatusOK, result)
}

// testConnectionRequest carries the raw credentials the caller wants tested
// — the catalog store never returns decrypted secrets on ordinary device
// reads, so the gateway/caller supplies them directly for this one-shot
// check (spec §4.6's "this package never touches ciphertext" boundary).
type testConnectionRequest struct {
	Protocol     probe.Protocol `json:"protocol"`
	Host         string         `json:"host"`
	Port         int            `json:"port,omitempty"`
	Username     string         `json:"username,omitempty"`
	Secret       string         `json:"secret,omitempty"`
	IsPrivateKey bool           `json:"isPrivateKey,omitempty"`
	TimeoutSec   int            `json:"timeoutSec,omitempty"`
}

func (s *Server) handleTestConnection(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req testConnectionRequest
	if err := decodeBody(r, &req); err != nil {
		apperr.WriteJSON(w, err)
		return
	}
	if req.Host == "" || req.Protocol == "" {
		apperr.WriteJSON(w, apperr.Validation("host and protocol are required"))
		return
	}

	result := s.probes.Probe(r.Context(), id, probe.ConnectionInfo{
		Protocol:     req.Protocol,
		Host:         req.Host,
		Port:         req.Port,
		Username:     req.Username,
		Secret:       req.Secret,
		IsPrivateKey: req.IsPrivateKey,
		TimeoutSec:   req.TimeoutSec,
	})
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		writeJSON(w, http.StatusOK, map[string]any{"status": "healthy", "timestamp": time.Now().UTC(), "version": serviceVersion, "service": "device-management"})
		return
	}
	report := s.health.Check(r.Context())
	status := http.StatusOK
	if report.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

func decodeBody(r *http.Request, out any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		return apperr.Validation("malformed JSON body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func intOrDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return def
	}
	return n
}
