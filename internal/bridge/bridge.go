// Package bridge exposes the session's observable state to user interfaces:
// a WebSocket feed of state changes, live partial text and history snapshots,
// plus JSON state endpoints, Prometheus metrics and a liveness probe.
//
// The bridge is read-only: rendering layers consume it, they never drive the
// session through it.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/parley-ai/parley/internal/history"
	"github.com/parley-ai/parley/internal/observe"
	"github.com/parley-ai/parley/internal/session"
)

// shutdownTimeout bounds the graceful drain of in-flight requests.
const shutdownTimeout = 5 * time.Second

// SessionSource is the orchestrator surface the bridge reads.
// *session.Orchestrator implements it.
type SessionSource interface {
	State() session.State
	History() []history.Turn
	PartialText() string
	LastError() *session.ErrorInfo
	Subscribe() (<-chan session.Update, func())
}

var _ SessionSource = (*session.Orchestrator)(nil)

// turnPayload is the wire form of a history turn.
type turnPayload struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Language  string    `json:"language,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// errorPayload is the wire form of the retained error descriptor.
type errorPayload struct {
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// stateMessage is the wire form of one session snapshot. The same shape is
// served at /api/state and streamed over /ws.
type stateMessage struct {
	State       string        `json:"state"`
	PartialText string        `json:"partial_text,omitempty"`
	LastError   *errorPayload `json:"last_error,omitempty"`
	History     []turnPayload `json:"history"`
}

// Server is the UI-facing state bridge.
type Server struct {
	addr string
	src  SessionSource
	log  *slog.Logger
	srv  *http.Server
}

// Option configures a [Server].
type Option func(*Server)

// WithLogger sets the bridge logger. The default is slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// New creates a bridge server listening on addr once Run is called. Request
// metrics and tracing use m; pass nil for the default metrics set.
func New(addr string, src SessionSource, m *observe.Metrics, opts ...Option) *Server {
	if m == nil {
		m = observe.DefaultMetrics()
	}
	s := &Server{
		addr: addr,
		src:  src,
		log:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.healthz)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /api/state", s.state)
	mux.HandleFunc("GET /api/history", s.history)
	mux.HandleFunc("GET /ws", s.ws)

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           observe.Middleware(m)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the bridge's HTTP handler, useful for tests that serve it
// on an httptest server.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Run serves until ctx is cancelled, then drains gracefully.
func (s *Server) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		s.log.Info("bridge listening", "addr", s.addr)
		errc <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errc
		return nil
	}
}

// healthz is a liveness probe; a process that can serve HTTP is alive.
func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// state serves a one-shot session snapshot.
func (s *Server) state(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.snapshot())
}

// history serves the conversation history only.
func (s *Server) history(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, turnsPayload(s.src.History()))
}

// ws streams session snapshots: one message on connect, then one per state
// change. Slow readers observe the most recent state rather than every
// intermediate one.
func (s *Server) ws(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	updates, unsubscribe := s.src.Subscribe()
	defer unsubscribe()

	ctx := r.Context()
	if err := writeWS(ctx, conn, s.snapshot()); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-updates:
			if !ok {
				return
			}
			// Coalesce bursts: only the latest state matters to a UI.
			for len(updates) > 0 {
				<-updates
			}
			if err := writeWS(ctx, conn, s.snapshot()); err != nil {
				return
			}
		}
	}
}

// snapshot assembles the current state message from the session source.
func (s *Server) snapshot() stateMessage {
	msg := stateMessage{
		State:       s.src.State().String(),
		PartialText: s.src.PartialText(),
		History:     turnsPayload(s.src.History()),
	}
	if e := s.src.LastError(); e != nil {
		msg.LastError = &errorPayload{Kind: e.Kind, Message: e.Message, At: e.At}
	}
	return msg
}

func turnsPayload(turns []history.Turn) []turnPayload {
	out := make([]turnPayload, len(turns))
	for i, t := range turns {
		out[i] = turnPayload{
			ID:        t.ID,
			Role:      string(t.Role),
			Content:   t.Content,
			Language:  t.Language,
			Timestamp: t.Timestamp,
		}
	}
	return out
}

func writeWS(ctx context.Context, conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// writeJSON encodes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
