// Package app wires all voxgate subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the HTTP surface until the context ends, and
// Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithUpstreamProvider,
// WithArchiveStore, WithMeterProvider). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/voxgate/voxgate/internal/archive"
	"github.com/voxgate/voxgate/internal/config"
	"github.com/voxgate/voxgate/internal/health"
	"github.com/voxgate/voxgate/internal/observe"
	"github.com/voxgate/voxgate/internal/proxy"
	"github.com/voxgate/voxgate/internal/session"
	"github.com/voxgate/voxgate/internal/token"
	"github.com/voxgate/voxgate/internal/tools"
	"github.com/voxgate/voxgate/internal/tools/builtin"
	"github.com/voxgate/voxgate/internal/tools/mcpattach"
	"github.com/voxgate/voxgate/pkg/upstream"
	"github.com/voxgate/voxgate/pkg/upstream/gemini"
)

// recentSessionsDefaultLimit is how many archived sessions the listing
// endpoint returns when no limit query parameter is given.
const recentSessionsDefaultLimit = 20

// App owns all subsystem lifetimes and serves the voxgate proxy surface.
type App struct {
	cfg        *config.Config
	configPath string
	logLevel   *slog.LevelVar

	// Subsystems — initialised in New, torn down in Shutdown.
	metrics     *observe.Metrics
	store       *archive.Store
	tokens      *token.Service
	attacher    *mcpattach.Attacher
	newExecutor func() *tools.Executor
	provider    upstream.Provider
	proxy       *proxy.Server
	listener    net.Listener
	httpSrv     *http.Server
	watcher     *config.Watcher

	// meterProvider, when injected, keeps metrics off the global OTel
	// pipeline so tests stay isolated.
	meterProvider metric.MeterProvider

	// flushTelemetry flushes exporters; runs last during Shutdown.
	flushTelemetry func(context.Context) error

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithUpstreamProvider injects an upstream provider instead of dialling the
// live API from config.
func WithUpstreamProvider(p upstream.Provider) Option {
	return func(a *App) { a.provider = p }
}

// WithArchiveStore injects an archive store instead of opening one from the
// configured DSN. The injected store is not closed on Shutdown.
func WithArchiveStore(s *archive.Store) Option {
	return func(a *App) { a.store = s }
}

// WithMeterProvider injects a meter provider instead of initialising the
// global telemetry pipeline.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(a *App) { a.meterProvider = mp }
}

// WithLogLevel hands the app the level var behind the process logger, so a
// config reload can adjust verbosity without a restart.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = lv }
}

// WithConfigWatcher enables hot reloading of the config file at path.
func WithConfigWatcher(path string) Option {
	return func(a *App) { a.configPath = path }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Use Option functions
// to inject test doubles for any subsystem.
//
// New performs all initialisation synchronously: telemetry setup, archive
// connection, MCP server dialling and the listener bind. When it returns
// without error the app is ready to Run and [App.Addr] reports the bound
// address.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Telemetry ─────────────────────────────────────────────────────
	if err := a.initTelemetry(ctx); err != nil {
		return nil, fmt.Errorf("app: init telemetry: %w", err)
	}

	// ── 2. Session archive ───────────────────────────────────────────────
	if err := a.initArchive(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init archive: %w", err)
	}

	// ── 3. Ephemeral token service ───────────────────────────────────────
	a.initTokens()

	// ── 4. Tool executors ────────────────────────────────────────────────
	if err := a.initTools(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init tools: %w", err)
	}

	// ── 5. Upstream provider ─────────────────────────────────────────────
	a.initUpstream()

	// ── 6. Proxy server ──────────────────────────────────────────────────
	a.initProxy()

	// ── 7. HTTP surface ──────────────────────────────────────────────────
	if err := a.initHTTP(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init http: %w", err)
	}

	// ── 8. Config watcher ────────────────────────────────────────────────
	if err := a.initWatcher(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init watcher: %w", err)
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initTelemetry sets up the OTel pipeline, or builds instruments on the
// injected meter provider.
func (a *App) initTelemetry(ctx context.Context) error {
	if a.meterProvider != nil {
		m, err := observe.NewMetrics(a.meterProvider)
		if err != nil {
			return err
		}
		a.metrics = m
		return nil
	}

	flush, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "voxgate",
	})
	if err != nil {
		return err
	}
	a.flushTelemetry = flush
	a.metrics = observe.DefaultMetrics()
	return nil
}

// initArchive opens the PostgreSQL session archive when a DSN is configured.
func (a *App) initArchive(ctx context.Context) error {
	if a.store != nil || a.cfg.Archive.DSN == "" {
		return nil
	}

	store, err := archive.Open(ctx, a.cfg.Archive.DSN)
	if err != nil {
		return err
	}
	a.store = store
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	slog.Info("session archive enabled")
	return nil
}

// initTokens creates the ephemeral token service when the endpoint is
// enabled. Token issues feed the cache-outcome metric.
func (a *App) initTokens() {
	if !a.cfg.Token.Enabled {
		return
	}

	metrics := a.metrics
	a.tokens = token.New(a.cfg.Upstream.APIKey,
		token.WithModel(a.cfg.Upstream.Model),
		token.WithTTL(a.cfg.Token.TTL.Std()),
		token.WithNewSessionWindow(a.cfg.Token.NewSessionWindow.Std()),
		token.WithUses(a.cfg.Token.Uses),
		token.WithIssueObserver(func(cached bool) {
			metrics.RecordTokenIssued(context.Background(), cached)
		}),
	)
}

// initTools dials every configured MCP server once and builds the
// per-session executor factory. Each new executor gets the builtin tools
// plus forwarding handlers that share the long-lived MCP sessions.
func (a *App) initTools(ctx context.Context) error {
	a.attacher = mcpattach.NewAttacher()
	a.closers = append(a.closers, a.attacher.Close)

	for _, srv := range a.cfg.Tools.MCPServers {
		names, err := a.attacher.Connect(ctx, srv.Attach())
		if err != nil {
			return fmt.Errorf("connect mcp server %q: %w", srv.Name, err)
		}
		slog.Info("mcp server ready", "name", srv.Name, "tools", len(names))
	}

	timeout := a.cfg.Tools.ExecTimeout.Std()
	metrics := a.metrics
	attacher := a.attacher
	a.newExecutor = func() *tools.Executor {
		ex := tools.NewExecutor(
			tools.WithTimeout(timeout),
			tools.WithInvocationObserver(func(tool, outcome string, d time.Duration) {
				metrics.RecordToolInvocation(context.Background(), tool, outcome, d.Seconds())
			}),
		)
		builtin.RegisterStandard(ex)
		attacher.Bind(ex)
		return ex
	}
	return nil
}

// initUpstream creates the live API provider if one wasn't injected.
func (a *App) initUpstream() {
	if a.provider != nil {
		return
	}

	opts := []gemini.Option{gemini.WithModel(a.cfg.Upstream.Model)}
	if a.cfg.Upstream.BaseURL != "" {
		opts = append(opts, gemini.WithBaseURL(a.cfg.Upstream.BaseURL))
	}
	a.provider = gemini.New(a.cfg.Upstream.APIKey, opts...)
}

// initProxy creates the WebSocket proxy server.
func (a *App) initProxy() {
	opts := []proxy.ServerOption{
		proxy.WithExecutorFactory(a.newExecutor),
		proxy.WithMetrics(a.metrics),
	}
	if len(a.cfg.Server.AllowedOrigins) > 0 {
		opts = append(opts, proxy.WithOriginPatterns(a.cfg.Server.AllowedOrigins))
	}
	if a.store != nil {
		opts = append(opts, proxy.WithArchive(a.store))
	}
	a.proxy = proxy.NewServer(a.provider, sessionConfig(a.cfg), opts...)
}

// initHTTP builds the mux, wraps it in telemetry middleware and binds the
// listener. Serving starts in Run.
func (a *App) initHTTP() error {
	mux := http.NewServeMux()

	var checkers []health.Checker
	if a.store != nil {
		checkers = append(checkers, health.Checker{Name: "archive", Check: a.store.Ping})
	}
	health.New("voxgate", checkers...).Register(mux)

	mux.Handle("GET /metrics", observe.MetricsHandler())
	mux.HandleFunc("GET /api/metrics", a.handleSessionMetrics)
	mux.HandleFunc("/ws/live", a.proxy.ServeWS)

	if a.tokens != nil {
		mux.Handle("/api/token", a.tokens.Handler())
	}
	if a.store != nil {
		mux.HandleFunc("GET /api/sessions", a.handleRecentSessions)
		mux.HandleFunc("GET /api/sessions/{id}", a.handleTranscript)
	}

	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %q: %w", a.cfg.Server.ListenAddr, err)
	}
	a.listener = ln

	a.httpSrv = &http.Server{
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

// initWatcher starts hot reloading when a config path was provided.
func (a *App) initWatcher() error {
	if a.configPath == "" {
		return nil
	}

	w, err := config.NewWatcher(a.configPath, a.applyConfigChange)
	if err != nil {
		return err
	}
	a.watcher = w
	return nil
}

// applyConfigChange reacts to a validated config reload. Log level changes
// apply immediately, persona changes apply to sessions accepted from now
// on, and everything else is reported as needing a restart.
func (a *App) applyConfigChange(old, next *config.Config) {
	change := config.Diff(old, next)
	if change.Empty() {
		return
	}

	if change.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(change.NewLogLevel.Level())
		slog.Info("log level changed", "level", string(change.NewLogLevel))
	}
	if change.PersonaChanged {
		a.proxy.UpdateSessionConfig(sessionConfig(next))
		slog.Info("upstream persona updated", "applies_to", "new sessions")
	}
	if len(change.RestartNeeded) > 0 {
		slog.Warn("config changes need a restart to take effect",
			"sections", change.RestartNeeded)
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Addr returns the address the HTTP listener is bound to. Valid after New,
// useful when the config requested an ephemeral port.
func (a *App) Addr() string {
	return a.listener.Addr().String()
}

// Run serves HTTP on the listener bound in New and blocks until ctx is
// cancelled or the server fails. When ctx is done, Run returns ctx.Err();
// call Shutdown to drain.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if tc := a.cfg.Server.TLS; tc != nil {
			err = a.httpSrv.ServeTLS(a.listener, tc.CertFile, tc.KeyFile)
		} else {
			err = a.httpSrv.Serve(a.listener)
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	slog.Info("app running",
		"addr", a.Addr(),
		"tls", a.cfg.Server.TLS != nil,
		"mcp_servers", len(a.cfg.Tools.MCPServers),
		"archive", a.store != nil,
		"token_endpoint", a.tokens != nil,
	)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("app: http server: %w", err)
		}
		return nil
	}
}

// ─── HTTP handlers ───────────────────────────────────────────────────────────

// handleSessionMetrics serves a JSON snapshot of all live sessions.
func (a *App) handleSessionMetrics(w http.ResponseWriter, r *http.Request) {
	live := a.proxy.Metrics()
	writeJSON(w, http.StatusOK, map[string]any{
		"activeSessions": len(live),
		"sessions":       live,
	})
}

// handleRecentSessions lists archived sessions, newest first. The optional
// limit query parameter caps the listing.
func (a *App) handleRecentSessions(w http.ResponseWriter, r *http.Request) {
	limit := recentSessionsDefaultLimit
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 1 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	sessions, err := a.store.RecentSessions(r.Context(), limit)
	if err != nil {
		slog.Error("listing archived sessions", "error", err)
		http.Error(w, "archive unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

// handleTranscript serves the stored transcript of one archived session.
func (a *App) handleTranscript(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	lines, err := a.store.Transcript(r.Context(), id)
	if err != nil {
		slog.Error("loading archived transcript", "session", id, "error", err)
		http.Error(w, "archive unavailable", http.StatusInternalServerError)
		return
	}
	if len(lines) == 0 {
		http.Error(w, "no transcript for session "+id, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessionId":  id,
		"transcript": lines,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("encoding api response", "error", err)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the HTTP surface, drains live sessions and tears down all
// subsystems in order. It respects the context deadline: if ctx expires
// before all closers finish, remaining closers are skipped and the context
// error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		// Stop watching config first so nothing reconfigures a draining
		// server.
		if a.watcher != nil {
			a.watcher.Stop()
		}

		// Stop accepting new connections, then drain live sessions.
		if a.httpSrv != nil {
			if err := a.httpSrv.Shutdown(ctx); err != nil {
				slog.Warn("http shutdown error", "error", err)
			}
		}
		if a.proxy != nil {
			if err := a.proxy.Shutdown(ctx); err != nil {
				slog.Warn("session drain error", "error", err)
			}
		}

		// Run closers in order.
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "error", err)
			}
		}

		// Flush telemetry last, after everything stopped emitting.
		if a.flushTelemetry != nil {
			if err := a.flushTelemetry(ctx); err != nil {
				slog.Warn("telemetry flush error", "error", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll releases everything initialised so far when New fails partway.
func (a *App) closeAll() {
	for _, closer := range a.closers {
		if err := closer(); err != nil {
			slog.Warn("closer error during failed init", "error", err)
		}
	}
	if a.listener != nil {
		_ = a.listener.Close()
	}
	if a.flushTelemetry != nil {
		_ = a.flushTelemetry(context.Background())
	}
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// sessionConfig maps the upstream config section onto the per-session
// parameters. Declarations stay empty: each session takes them from its own
// executor.
func sessionConfig(cfg *config.Config) session.Config {
	return session.Config{
		Model:               cfg.Upstream.Model,
		Voice:               cfg.Upstream.Voice,
		Instructions:        cfg.Upstream.Instructions,
		InputTranscription:  cfg.Upstream.InputTranscription,
		OutputTranscription: cfg.Upstream.OutputTranscription,
	}
}
