package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/richinsley/diffgrid/client"
	"github.com/richinsley/diffgrid/grid"
)

// Server exposes a grid store to a browser: state snapshots, a websocket stream of state
// changes, and the store actions.
type Server struct {
	store    *grid.Store
	upgrader websocket.Upgrader

	mu       sync.Mutex
	watchers map[chan MessageDataError]struct{}
}

// ActionRequest is the body of POST /api/actions/{action}. Fields that an action does not use are ignored.
type ActionRequest struct {
	Timestep  int             `json:"timestep"`
	Column    int             `json:"column"`
	Increment json.RawMessage `json:"increment,omitempty"`
}

// increment decodes the reseed increment: absent means 1, null means remove the counter
func (a *ActionRequest) increment() (*int, error) {
	raw := bytes.TrimSpace(a.Increment)
	if len(raw) == 0 {
		one := 1
		return &one, nil
	}
	if bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	var n int
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, err
	}
	return &n, nil
}

// NewHandler creates the HTTP handler for store. Metrics from gatherer are served on /metrics when it is not nil.
func NewHandler(store *grid.Store, gatherer prometheus.Gatherer) http.Handler {
	s := &Server{
		store:    store,
		watchers: make(map[chan MessageDataError]struct{}),
	}

	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	r.Route("/api", func(r chi.Router) {
		r.Get("/state", s.State)
		r.Get("/ws", s.Watch)
		r.Post("/actions/{action}", s.Action)
	})
	return r
}

// State handles GET /api/state
func (s *Server) State(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Snapshot())
}

// Action handles POST /api/actions/{action}
func (s *Server) Action(w http.ResponseWriter, r *http.Request) {
	action := chi.URLParam(r, "action")

	var req ActionRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	var ops []*grid.Op
	switch action {
	case "load":
		ops = append(ops, s.store.Load())
	case "load-trunk":
		ops = append(ops, s.store.LoadTrunk())
	case "load-branch":
		ops = append(ops, s.store.LoadBranch(req.Timestep, req.Column))
	case "change-prompt":
		inc, err := req.increment()
		if err != nil || inc == nil {
			writeError(w, http.StatusBadRequest, errors.New("change-prompt needs an integer increment"))
			return
		}
		ops = append(ops, s.store.ChangePrompt(*inc))
	case "change-trunk":
		if err := s.store.ChangeTrunk(req.Timestep, req.Column); err != nil {
			writeError(w, statusFor(err), err)
			return
		}
	case "reseed-all":
		ops = append(ops, s.store.ReseedAll())
	case "reseed-branch":
		inc, err := req.increment()
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		ops = append(ops, s.store.ReseedBranch(req.Timestep, req.Column, inc))
	case "clear-branch":
		if err := s.store.ClearBranch(req.Timestep, req.Column); err != nil {
			writeError(w, statusFor(err), err)
			return
		}
	default:
		writeError(w, http.StatusNotFound, errors.New("unknown action "+action))
		return
	}

	// actions that fail before doing anything are reported synchronously
	for _, op := range ops {
		if err := op.Err(); err != nil {
			writeError(w, statusFor(err), err)
			return
		}
	}
	for _, op := range ops {
		go s.follow(action, op)
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// follow reports the outcome of an asynchronous action to the watchers
func (s *Server) follow(action string, op *grid.Op) {
	<-op.Done()
	err := op.Err()
	if err == nil || client.IsCanceled(err) || errors.Is(err, grid.ErrDiscarded) || errors.Is(err, grid.ErrClosed) {
		return
	}
	slog.Error("Action failed", "action", action, "error", err)

	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.watchers {
		select {
		case ch <- MessageDataError{Action: action, Message: err.Error()}:
		default:
		}
	}
}

// Watch handles GET /api/ws: the current state is sent on connect and after every change
func (s *Server) Watch(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("Websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	changes, unsubscribe := s.store.Subscribe()
	defer unsubscribe()

	errs := make(chan MessageDataError, 8)
	s.mu.Lock()
	s.watchers[errs] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.watchers, errs)
		s.mu.Unlock()
	}()

	// the reader only exists to notice the peer going away
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	cfg := s.store.Config()
	if err := conn.WriteJSON(Message{Type: "hello", Data: MessageDataHello{Timesteps: cfg.Timesteps, Columns: cfg.Columns}}); err != nil {
		return
	}
	if err := conn.WriteJSON(Message{Type: "state", Data: s.store.Snapshot()}); err != nil {
		return
	}

	for {
		select {
		case _, ok := <-changes:
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "session closed"))
				return
			}
			if err := conn.WriteJSON(Message{Type: "state", Data: s.store.Snapshot()}); err != nil {
				return
			}
		case e := <-errs:
			if err := conn.WriteJSON(Message{Type: "error", Data: e}); err != nil {
				return
			}
		case <-gone:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, grid.ErrUnknownCell):
		return http.StatusNotFound
	case errors.Is(err, grid.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusConflict
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Encoding response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
