// Package api serves the canopy HTTP protocol: snapshot, live event streams over
// chunked HTTP and websocket, item mutations, relay ingest, health and metrics.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jacentio/canopy/event"
	"github.com/jacentio/canopy/hub"
	"github.com/jacentio/canopy/internal/metrics"
	"github.com/jacentio/canopy/mutation"
	"github.com/jacentio/canopy/store"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Options configures a Server.
type Options struct {
	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Gatherer backs GET /metrics. When nil the route is not registered.
	Gatherer prometheus.Gatherer

	// EnableRelay registers POST /api/events for canopy-relay.
	EnableRelay bool

	// KeepAlive is the idle interval after which stream connections get a
	// keepalive (a blank line on HTTP, a ping frame on websocket).
	// Default: 30s
	KeepAlive time.Duration

	// WriteTimeout bounds each write to a stream connection.
	// Default: 10s
	WriteTimeout time.Duration
}

func (o *Options) validate() {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.KeepAlive <= 0 {
		o.KeepAlive = 30 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
}

// Server routes HTTP requests to the mutation service and the hub.
type Server struct {
	svc      *mutation.Service
	hub      *hub.Hub
	opts     Options
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// New creates a Server.
func New(svc *mutation.Service, h *hub.Hub, opts Options) *Server {
	opts.validate()
	return &Server{
		svc:    svc,
		hub:    h,
		opts:   opts,
		logger: opts.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handler returns the routed handler wrapped with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/items", s.handleList)
	mux.HandleFunc("GET /api/items/watch", s.handleWatch)
	mux.HandleFunc("GET /api/items/ws", s.handleWebSocket)
	mux.HandleFunc("POST /api/items", s.handleCreate)
	mux.HandleFunc("PUT /api/items/{id}", s.handleUpdate)
	mux.HandleFunc("DELETE /api/items/{id}", s.handleDelete)
	if s.opts.EnableRelay {
		mux.HandleFunc("POST /api/events", s.handleIngest)
	}
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.opts.Gatherer != nil {
		mux.Handle("GET /metrics", metrics.Handler(s.opts.Gatherer))
	}
	return s.withRequestLog(mux)
}

type createRequest struct {
	Name   string `json:"name"`
	Parent *int64 `json:"parent"`
}

type deleteResponse struct {
	ID int64 `json:"id"`
}

type ingestResponse struct {
	Subscribers int `json:"subscribers"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	items, err := s.svc.List(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if !s.decode(w, r, &req) {
		return
	}
	item, err := s.svc.Add(r.Context(), req.Name, req.Parent)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	var patch store.Patch
	if !s.decode(w, r, &patch) {
		return
	}
	item, err := s.svc.Update(r.Context(), id, patch)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	removed, err := s.svc.Remove(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, deleteResponse{ID: removed})
}

// handleIngest publishes an event produced elsewhere, typically by canopy-relay
// from the DynamoDB stream, to this server's subscribers.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var e event.Event
	if !s.decode(w, r, &e) {
		return
	}
	if err := e.Validate(); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	// Observers treat error events as stream failures.
	if e.Type == event.TypeError {
		writeErrorMessage(w, http.StatusBadRequest, "error events cannot be relayed")
		return
	}
	n, err := s.hub.Publish(e)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, ingestResponse{Subscribers: n})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "invalid id "+strconv.Quote(r.PathValue("id")))
		return 0, false
	}
	return id, true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return false
	}
	return true
}
