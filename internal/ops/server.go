// Package ops exposes a small local HTTP surface for health checks and
// operational introspection. It is read-only and binds to loopback by
// default.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"beanprepared/internal/engine"
	"beanprepared/internal/eventbus"
	logx "beanprepared/pkg/logx"
)

// Snapshotter is the slice of the engine the ops server reads.
type Snapshotter interface {
	Snapshot() engine.Snapshot
}

const recentActivityCap = 64

type Server struct {
	addr    string
	log     logx.Logger
	eng     Snapshotter
	bus     eventbus.Bus
	started time.Time

	mu     sync.Mutex
	recent []activityEntry

	srv   *http.Server
	unsub func()
	done  chan struct{}
}

type activityEntry struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

type statusResponse struct {
	Uptime string          `json:"uptime"`
	Engine engine.Snapshot `json:"engine"`
	Recent []activityEntry `json:"recent_activity"`
}

func NewServer(addr string, eng Snapshotter, bus eventbus.Bus, log logx.Logger) *Server {
	return &Server{addr: addr, eng: eng, bus: bus, log: log}
}

// Start begins serving and collecting bus activity. It returns once the
// listener is handed to the HTTP server; serve errors are logged.
func (s *Server) Start() {
	s.started = time.Now()

	if s.bus != nil {
		s.done = make(chan struct{})
		ch, unsub := s.bus.Subscribe(recentActivityCap)
		s.unsub = unsub
		go s.collect(ch)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(5 * time.Second))
	r.Get("/healthz", s.handleHealthz)
	r.Get("/status", s.handleStatus)

	s.srv = &http.Server{
		Addr:              s.addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		s.log.Info("ops server listening", logx.String("addr", s.addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("ops server failed", logx.Err(err))
		}
	}()
}

func (s *Server) Stop(ctx context.Context) error {
	if s.unsub != nil {
		s.unsub()
	}
	if s.done != nil {
		<-s.done
	}
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) collect(ch <-chan eventbus.Event) {
	defer close(s.done)
	for e := range ch {
		s.mu.Lock()
		s.recent = append(s.recent, activityEntry{Type: e.Type, Time: e.Time, Data: e.Data})
		if len(s.recent) > recentActivityCap {
			s.recent = s.recent[len(s.recent)-recentActivityCap:]
		}
		s.mu.Unlock()
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	recent := make([]activityEntry, len(s.recent))
	copy(recent, s.recent)
	s.mu.Unlock()

	resp := statusResponse{
		Uptime: time.Since(s.started).Round(time.Second).String(),
		Recent: recent,
	}
	if s.eng != nil {
		resp.Engine = s.eng.Snapshot()
	}

	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(resp); err != nil {
		s.log.Debug("status encode failed", logx.Err(err))
	}
}
