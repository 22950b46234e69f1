// Package proxy implements the downstream WebSocket surface: it accepts
// browser and device connections, gives each one its own upstream live
// session with a private tool executor, and relays frames between the two
// for the lifetime of the connection.
//
// The wire protocol is JSON text frames with a "type" discriminator in both
// directions; raw PCM may additionally arrive as binary messages. See the
// frame types in this package for the full vocabulary.
package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/voxgate/voxgate/internal/archive"
	"github.com/voxgate/voxgate/internal/observe"
	"github.com/voxgate/voxgate/internal/session"
	"github.com/voxgate/voxgate/internal/tools"
	"github.com/voxgate/voxgate/internal/tools/builtin"
	"github.com/voxgate/voxgate/pkg/upstream"
)

// maxFrameBytes caps a single downstream message. Hex-encoded audio doubles
// in size, so this allows roughly half a megabyte of PCM per chunk.
const maxFrameBytes = 1 << 20

// Server accepts WebSocket clients and tracks their live sessions. Create
// one with [NewServer], mount [Server.ServeWS] on an HTTP mux, and call
// [Server.Shutdown] to drain.
type Server struct {
	provider       upstream.Provider
	originPatterns []string
	newExecutor    func() *tools.Executor
	metrics        *observe.Metrics
	store          *archive.Store

	mu         sync.RWMutex
	sessionCfg session.Config
	sessions   map[string]*ClientSession
	closed     bool
	wg         sync.WaitGroup
}

// ServerOption configures a [Server].
type ServerOption func(*Server)

// WithOriginPatterns sets the Origin header patterns accepted during the
// WebSocket handshake. Without it only same-host origins are allowed.
func WithOriginPatterns(patterns []string) ServerOption {
	return func(s *Server) { s.originPatterns = patterns }
}

// WithExecutorFactory replaces the per-session tool executor constructor.
// Each accepted connection calls the factory once, so sessions never share
// executor state.
func WithExecutorFactory(factory func() *tools.Executor) ServerOption {
	return func(s *Server) { s.newExecutor = factory }
}

// WithMetrics sets the instrument set used for session and frame metrics.
func WithMetrics(m *observe.Metrics) ServerOption {
	return func(s *Server) { s.metrics = m }
}

// WithArchive enables transcript archiving. A nil store is valid and keeps
// archiving off.
func WithArchive(store *archive.Store) ServerOption {
	return func(s *Server) { s.store = store }
}

// NewServer creates a proxy server that opens upstream sessions through
// provider, configured by sessionCfg. Tool declarations are taken from each
// session's executor, so Declarations in sessionCfg is ignored.
func NewServer(provider upstream.Provider, sessionCfg session.Config, opts ...ServerOption) *Server {
	s := &Server{
		provider:   provider,
		sessionCfg: sessionCfg,
		sessions:   make(map[string]*ClientSession),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.newExecutor == nil {
		s.newExecutor = func() *tools.Executor {
			ex := tools.NewExecutor()
			builtin.RegisterStandard(ex)
			return ex
		}
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// ServeWS upgrades the request to a WebSocket and runs the client session
// until it ends. It blocks for the lifetime of the connection, as HTTP
// handlers do.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.originPatterns,
	})
	if err != nil {
		slog.Debug("websocket accept failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(maxFrameBytes)

	id := uuid.NewString()
	executor := s.newExecutor()
	s.mu.RLock()
	cfg := s.sessionCfg
	s.mu.RUnlock()
	cfg.Declarations = executor.Declarations()
	manager := session.New(s.provider, cfg)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	cs := newClientSession(id, conn, manager, executor, s.metrics, s.store, cancel)

	unregister, ok := s.register(id, cs)
	if !ok {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer unregister()

	slog.Info("session accepted", "session", id, "remote", r.RemoteAddr)
	cs.run(ctx)
	conn.Close(websocket.StatusNormalClosure, "")
	slog.Info("session finished", "session", id)
}

// register adds the session to the tracked set. It returns ok=false when
// the server is already draining; otherwise the returned func removes the
// session again and is safe to call more than once.
func (s *Server) register(id string, cs *ClientSession) (unregister func(), ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false
	}
	s.sessions[id] = cs
	s.wg.Add(1)

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.sessions, id)
			s.mu.Unlock()
			s.wg.Done()
		})
	}, true
}

// UpdateSessionConfig replaces the session configuration applied to newly
// accepted connections. Live sessions keep the configuration they were
// opened with. Declarations is still ignored; each session takes its own
// executor's declarations.
func (s *Server) UpdateSessionConfig(cfg session.Config) {
	s.mu.Lock()
	s.sessionCfg = cfg
	s.mu.Unlock()
}

// Metrics snapshots every live session, oldest first.
func (s *Server) Metrics() []SessionMetrics {
	s.mu.RLock()
	snaps := make([]SessionMetrics, 0, len(s.sessions))
	for _, cs := range s.sessions {
		snaps = append(snaps, cs.Metrics())
	}
	s.mu.RUnlock()

	slices.SortFunc(snaps, func(a, b SessionMetrics) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.SessionID, b.SessionID)
	})
	return snaps
}

// Shutdown stops accepting new sessions, tells every live session to end
// and waits for them to finish or for ctx to expire. Sessions run their
// normal teardown, so upstream connections close, transcripts are archived
// and the session metrics settle.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	active := make([]*ClientSession, 0, len(s.sessions))
	for _, cs := range s.sessions {
		active = append(active, cs)
	}
	s.mu.Unlock()

	for _, cs := range active {
		cs.stop()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("proxy shutdown: %w", ctx.Err())
	}
}
