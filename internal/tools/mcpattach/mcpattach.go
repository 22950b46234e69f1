// Package mcpattach imports the tool catalogues of external MCP servers into
// a [tools.Executor], so model-invoked functions can be served by processes
// outside voxgate exactly like in-process builtins.
//
// Servers are reached over stdio or streamable-HTTP using the official MCP Go
// SDK. Each discovered tool is registered under its advertised name; calls
// are forwarded to the owning server and the text content of the reply is
// returned as the tool result.
//
//	a := mcpattach.NewAttacher()
//	defer a.Close()
//
//	names, err := a.Attach(ctx, ex, mcpattach.ServerConfig{
//	    Name:      "dice",
//	    Transport: mcpattach.TransportStdio,
//	    Command:   "/usr/local/bin/mcp-dice-server",
//	})
//
// When executors are created per downstream session, dial each server once
// with [Attacher.Connect] at startup and register the cached catalogue into
// every new executor with [Attacher.Bind]. Handlers then share one live
// connection per server instead of re-dialling per session.
package mcpattach

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/voxgate/voxgate/internal/tools"
)

// Transport selects how an MCP server is reached.
type Transport string

const (
	// TransportStdio launches the server as a child process and speaks MCP
	// over its stdin/stdout.
	TransportStdio Transport = "stdio"

	// TransportStreamableHTTP connects to an already-running server over the
	// streamable-HTTP protocol.
	TransportStreamableHTTP Transport = "streamable-http"
)

// IsValid reports whether t names a supported transport.
func (t Transport) IsValid() bool {
	return t == TransportStdio || t == TransportStreamableHTTP
}

// ServerConfig describes one external MCP server to attach.
type ServerConfig struct {
	// Name identifies the server in logs and for [Attacher.Detach]. Required.
	Name string

	// Transport selects stdio or streamable-http.
	Transport Transport

	// Command is the executable plus space-separated arguments for stdio
	// servers.
	Command string

	// URL is the endpoint address for streamable-http servers.
	URL string

	// Env holds additional environment variables for stdio servers, on top
	// of the parent process environment.
	Env map[string]string
}

// Attacher connects to MCP servers and keeps their sessions alive for the
// executor handlers it registers. All methods are safe for concurrent use.
type Attacher struct {
	// client is reused across all server connections. The SDK allows a
	// single Client to manage multiple sessions concurrently.
	client *mcpsdk.Client

	mu       sync.Mutex
	sessions map[string]*mcpsdk.ClientSession
	catalog  map[string][]*mcpsdk.Tool // server name to discovered tools
}

// NewAttacher returns a ready-to-use Attacher.
func NewAttacher() *Attacher {
	return &Attacher{
		client: mcpsdk.NewClient(
			&mcpsdk.Implementation{Name: "voxgate", Version: "1.0.0"},
			nil,
		),
		sessions: make(map[string]*mcpsdk.ClientSession),
		catalog:  make(map[string][]*mcpsdk.Tool),
	}
}

// Attach connects to the server described by cfg, discovers its tools and
// registers each of them with ex. It returns the registered tool names in
// sorted order. Attaching a server name that is already attached closes the
// old session and replaces its tools wholesale.
func (a *Attacher) Attach(ctx context.Context, ex *tools.Executor, cfg ServerConfig) ([]string, error) {
	transport, err := transportFor(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return a.AttachTransport(ctx, ex, cfg.Name, transport)
}

// Connect dials the server described by cfg and caches its session and tool
// catalogue without registering anything. Register the catalogue into an
// executor with [Attacher.Bind]. Connecting a name that is already connected
// closes the old session; executors bound to it keep stale handlers and
// should be rebuilt or re-bound.
func (a *Attacher) Connect(ctx context.Context, cfg ServerConfig) ([]string, error) {
	transport, err := transportFor(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return a.ConnectTransport(ctx, cfg.Name, transport)
}

// ConnectTransport is the transport-injected core of [Attacher.Connect],
// also usable directly with in-memory transports.
func (a *Attacher) ConnectTransport(ctx context.Context, name string, transport mcpsdk.Transport) ([]string, error) {
	session, err := a.client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("mcpattach: connect to server %q: %w", name, err)
	}

	// Discover tools using the iterator.
	var discovered []*mcpsdk.Tool
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return nil, fmt.Errorf("mcpattach: list tools for server %q: %w", name, err)
		}
		discovered = append(discovered, tool)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if old, ok := a.sessions[name]; ok {
		_ = old.Close()
	}
	a.sessions[name] = session
	a.catalog[name] = discovered

	names := toolNames(discovered)
	slog.Info("connected mcp server", "server", name, "tools", len(names))
	return names, nil
}

// AttachTransport is the transport-injected core of [Attacher.Attach], also
// usable directly with in-memory transports.
func (a *Attacher) AttachTransport(ctx context.Context, ex *tools.Executor, name string, transport mcpsdk.Transport) ([]string, error) {
	a.mu.Lock()
	replaced := a.catalog[name]
	a.mu.Unlock()

	names, err := a.ConnectTransport(ctx, name, transport)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, t := range replaced {
		ex.Unregister(t.Name)
	}
	a.bindLocked(ex, name)
	return names, nil
}

// Bind registers the cached tool catalogue of every connected server into
// ex. Handlers share the attacher's live sessions, so fresh executors reuse
// one connection per server.
func (a *Attacher) Bind(ex *tools.Executor) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for name := range a.sessions {
		a.bindLocked(ex, name)
	}
}

// bindLocked registers one server's cached tools into ex. The caller holds
// a.mu.
func (a *Attacher) bindLocked(ex *tools.Executor, name string) {
	session := a.sessions[name]
	for _, t := range a.catalog[name] {
		ex.Register(t.Name, t.Description, schemaToMap(t.InputSchema), forwardingHandler(session, name, t.Name))
	}
}

// Detach closes the session for the named server and removes its tools from
// ex.
func (a *Attacher) Detach(ex *tools.Executor, name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	session, ok := a.sessions[name]
	if !ok {
		return fmt.Errorf("mcpattach: server %q is not attached", name)
	}
	for _, t := range a.catalog[name] {
		ex.Unregister(t.Name)
	}
	delete(a.sessions, name)
	delete(a.catalog, name)

	if err := session.Close(); err != nil {
		return fmt.Errorf("mcpattach: close server %q: %w", name, err)
	}
	return nil
}

// Close shuts down every attached server session. Registered executor tools
// are left in place; calls through them will fail once their session is
// gone, so callers should detach first if the executor outlives the
// attacher.
func (a *Attacher) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var errs []error
	for name, session := range a.sessions {
		if err := session.Close(); err != nil {
			errs = append(errs, fmt.Errorf("mcpattach: close server %q: %w", name, err))
		}
		delete(a.sessions, name)
		delete(a.catalog, name)
	}
	return errors.Join(errs...)
}

// transportFor validates cfg and builds the matching SDK transport.
func transportFor(ctx context.Context, cfg ServerConfig) (mcpsdk.Transport, error) {
	if cfg.Name == "" {
		return nil, errors.New("mcpattach: server config must have a non-empty name")
	}

	switch cfg.Transport {
	case TransportStdio:
		executable, args := splitCommand(cfg.Command)
		if executable == "" {
			return nil, fmt.Errorf("mcpattach: stdio server %q requires a non-empty Command", cfg.Name)
		}
		cmd := exec.CommandContext(ctx, executable, args...)
		cmd.Env = os.Environ()
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		return &mcpsdk.CommandTransport{Command: cmd}, nil

	case TransportStreamableHTTP:
		if cfg.URL == "" {
			return nil, fmt.Errorf("mcpattach: streamable-http server %q requires a non-empty URL", cfg.Name)
		}
		return &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}, nil

	default:
		return nil, fmt.Errorf("mcpattach: unknown transport %q for server %q", cfg.Transport, cfg.Name)
	}
}

// toolNames extracts the sorted tool names of a discovered catalogue.
func toolNames(ts []*mcpsdk.Tool) []string {
	names := make([]string, 0, len(ts))
	for _, t := range ts {
		names = append(names, t.Name)
	}
	slices.Sort(names)
	return names
}

// forwardingHandler adapts one remote tool into an executor handler. The
// reply's text contents are concatenated into the result; an IsError reply
// becomes a handler error so the executor wraps it in the standard error
// envelope.
func forwardingHandler(session *mcpsdk.ClientSession, server, tool string) tools.Handler {
	return func(ctx context.Context, args map[string]any) (any, error) {
		res, err := session.CallTool(ctx, &mcpsdk.CallToolParams{
			Name:      tool,
			Arguments: args,
		})
		if err != nil {
			return nil, fmt.Errorf("calling %s on server %s: %w", tool, server, err)
		}

		var sb strings.Builder
		for _, c := range res.Content {
			if tc, ok := c.(*mcpsdk.TextContent); ok {
				sb.WriteString(tc.Text)
			}
		}

		if res.IsError {
			msg := sb.String()
			if msg == "" {
				msg = fmt.Sprintf("tool %s reported an error", tool)
			}
			return nil, errors.New(msg)
		}
		return sb.String(), nil
	}
}

// schemaToMap converts any schema value to a map[string]any.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	return m
}

// splitCommand splits a command string into executable and arguments.
// e.g. "/bin/foo --bar baz" becomes ("/bin/foo", ["--bar", "baz"]).
func splitCommand(command string) (executable string, args []string) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return "", nil
	}
	return parts[0], parts[1:]
}
