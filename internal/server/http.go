package server

import (
	"bufio"
	"encoding/json"
	"errors"
	"net"
	"net/http"

	"go.uber.org/zap"

	"github.com/muurk/netaudio/internal/control"
	"github.com/muurk/netaudio/internal/logging"
	"github.com/muurk/netaudio/internal/metrics"
	"github.com/muurk/netaudio/internal/registry"
)

// DevicesResponse is the body of GET /devices.
type DevicesResponse struct {
	Devices []registry.DeviceRecord `json:"devices"`
}

// SubscriptionsResponse is the body of GET /subscriptions.
type SubscriptionsResponse struct {
	Subscriptions []control.Subscription `json:"subscriptions"`
}

// ErrorResponse is returned with every non-2xx status.
type ErrorResponse struct {
	Error string `json:"error"`
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /devices", s.handleDevices)
	mux.HandleFunc("GET /subscriptions", s.handleSubscriptions)
	mux.HandleFunc("GET /events", s.handleEvents)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "no such endpoint: " + r.URL.Path})
	})
	return logRequests(mux)
}

func (s *Server) handleDevices(w http.ResponseWriter, _ *http.Request) {
	devices := s.source.ListDeviceDescriptions()
	if devices == nil {
		devices = []registry.DeviceRecord{}
	}
	writeJSON(w, http.StatusOK, DevicesResponse{Devices: devices})
}

func (s *Server) handleSubscriptions(w http.ResponseWriter, _ *http.Request) {
	subs := s.source.Subscriptions()
	if subs == nil {
		subs = []control.Subscription{}
	}
	writeJSON(w, http.StatusOK, SubscriptionsResponse{Subscriptions: subs})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.Debug("Failed to write response", zap.Error(err))
	}
}

// statusRecorder captures the status code for request logging. It keeps
// Hijack reachable so websocket upgrades still work behind it.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logging.LogHTTPRequest(r.RemoteAddr, r.Method, r.URL.Path, rec.status)
	})
}
