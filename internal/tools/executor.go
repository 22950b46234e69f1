// Package tools implements the named-tool registry and executor that serves
// model-issued function calls.
//
// Tools register under a unique name with a JSON-schema parameter
// declaration and a handler. The executor resolves each incoming invocation
// by name, runs the handler under a bounded timeout, and always produces a
// uniform result envelope: exactly one of "result" or "error" per call, even
// on timeout, panic or unknown name — the upstream protocol requires a
// response per call to keep the turn from stalling.
//
// Typical usage:
//
//	ex := tools.NewExecutor()
//	ex.Register("get_weather", "Looks up current weather", schema, getWeather)
//
//	cfg.Declarations = ex.Declarations()
//
//	results := ex.ExecuteAll(ctx, event.ToolCalls)
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/antzucaro/matchr"
	"golang.org/x/sync/errgroup"

	"github.com/voxgate/voxgate/pkg/upstream"
)

// DefaultTimeout bounds a single handler invocation unless overridden with
// [WithTimeout].
const DefaultTimeout = 30 * time.Second

// suggestionMaxDistance is the largest edit distance still reported as a
// "did you mean" hint for an unknown tool name.
const suggestionMaxDistance = 3

// Handler executes one tool invocation. args is the decoded argument object
// from the model; missing or extra keys are the handler's concern. The
// returned value must be JSON-serializable.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Registration is the declaration record of one registered tool, in the
// shape the upstream session configuration consumes.
type Registration struct {
	// Name is the unique tool name the model calls.
	Name string

	// Description tells the model what the tool does.
	Description string

	// Parameters is the JSON-schema object describing the arguments.
	Parameters map[string]any
}

// entry holds the registration and runtime stats for a single tool.
type entry struct {
	reg     Registration
	handler Handler
	window  *rollingWindow
}

// InvocationObserver is notified after every executed invocation with the
// tool name, the outcome ("ok" or "error") and the handler duration.
// Observers run on the executing goroutine and must not block.
type InvocationObserver func(tool, outcome string, d time.Duration)

// Executor is a concurrent-safe registry of named tools plus the machinery
// to execute model-issued invocations against them.
//
// Registration normally happens once at session construction; execution is
// read-only on the registry, so concurrent calls need no further
// coordination.
type Executor struct {
	mu           sync.RWMutex
	tools        map[string]entry
	timeout      time.Duration
	onInvocation InvocationObserver
}

// ExecutorOption is a functional option for configuring an Executor.
type ExecutorOption func(*Executor)

// WithTimeout overrides the per-invocation handler timeout.
func WithTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithInvocationObserver registers a callback for completed invocations,
// typically used to feed execution metrics.
func WithInvocationObserver(f InvocationObserver) ExecutorOption {
	return func(e *Executor) { e.onInvocation = f }
}

// NewExecutor creates an empty Executor.
func NewExecutor(opts ...ExecutorOption) *Executor {
	e := &Executor{
		tools:   make(map[string]entry),
		timeout: DefaultTimeout,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Register adds a tool under name, replacing any previous registration with
// the same name, and returns the declaration record.
func (e *Executor) Register(name, description string, parameters map[string]any, h Handler) Registration {
	reg := Registration{Name: name, Description: description, Parameters: parameters}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.tools[name] = entry{
		reg:     reg,
		handler: h,
		window:  newRollingWindow(defaultWindowSize),
	}
	return reg
}

// Unregister removes the tool registered under name and reports whether it
// was present. Calls already in flight for that tool are unaffected.
func (e *Executor) Unregister(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.tools[name]; !ok {
		return false
	}
	delete(e.tools, name)
	return true
}

// Declarations returns every registered tool as an upstream function
// declaration, sorted by name so session setup payloads are deterministic.
func (e *Executor) Declarations() []upstream.FunctionDeclaration {
	e.mu.RLock()
	defer e.mu.RUnlock()

	decls := make([]upstream.FunctionDeclaration, 0, len(e.tools))
	for _, ent := range e.tools {
		decls = append(decls, upstream.FunctionDeclaration{
			Name:        ent.reg.Name,
			Description: ent.reg.Description,
			Parameters:  ent.reg.Parameters,
		})
	}
	slices.SortFunc(decls, func(a, b upstream.FunctionDeclaration) int {
		return strings.Compare(a.Name, b.Name)
	})
	return decls
}

// Execute runs one invocation and returns its result envelope. It never
// returns an error and never panics: unknown names, handler errors, handler
// panics and timeouts all come back as {"error": ...} responses.
func (e *Executor) Execute(ctx context.Context, call upstream.ToolCall) upstream.ToolResult {
	e.mu.RLock()
	ent, ok := e.tools[call.Name]
	e.mu.RUnlock()

	if !ok {
		if hint := e.nearestName(call.Name); hint != "" {
			slog.Warn("unknown tool requested", "tool", call.Name, "closest", hint)
		} else {
			slog.Warn("unknown tool requested", "tool", call.Name)
		}
		return errorResult(call, fmt.Sprintf("Unknown function: %s", call.Name))
	}

	start := time.Now()
	res := e.run(ctx, ent, call)
	elapsed := time.Since(start)
	_, failed := res.Response["error"]
	ent.window.Record(elapsed, failed)
	if e.onInvocation != nil {
		outcome := "ok"
		if failed {
			outcome = "error"
		}
		e.onInvocation(call.Name, outcome, elapsed)
	}
	return res
}

// run invokes the handler on its own goroutine and waits for the first of:
// a result, the timeout, or caller cancellation. An abandoned handler keeps
// running until its derived context expires; its result is discarded.
func (e *Executor) run(ctx context.Context, ent entry, call upstream.ToolCall) upstream.ToolResult {
	hctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	type outcome struct {
		value any
		err   error
	}
	out := make(chan outcome, 1)

	go func() {
		defer func() {
			// A panicking handler must not take the session down.
			if r := recover(); r != nil {
				out <- outcome{err: fmt.Errorf("%v", r)}
			}
		}()
		v, err := ent.handler(hctx, call.Args)
		out <- outcome{value: v, err: err}
	}()

	timer := time.NewTimer(e.timeout)
	defer timer.Stop()

	select {
	case <-timer.C:
		return errorResult(call, fmt.Sprintf("Function execution timed out after %gs", e.timeout.Seconds()))
	case <-ctx.Done():
		return errorResult(call, fmt.Sprintf("Function execution failed: %s", ctx.Err()))
	case o := <-out:
		if o.err != nil {
			return errorResult(call, fmt.Sprintf("Function execution failed: %s", o.err))
		}
		return upstream.ToolResult{
			ID:       call.ID,
			Name:     call.Name,
			Response: map[string]any{"result": o.value},
		}
	}
}

// ExecuteAll runs a batch of invocations concurrently and returns their
// results in input order. One invocation failing, timing out or panicking
// never blocks or fails the others.
func (e *Executor) ExecuteAll(ctx context.Context, calls []upstream.ToolCall) []upstream.ToolResult {
	results := make([]upstream.ToolResult, len(calls))

	g, gctx := errgroup.WithContext(ctx)
	for i, call := range calls {
		g.Go(func() error {
			results[i] = e.Execute(gctx, call)
			return nil
		})
	}
	// The closures never return errors; Wait only orders the writes above
	// before the reads below.
	_ = g.Wait()
	return results
}

// nearestName returns the registered name closest to the requested one, or
// the empty string when nothing is within suggestionMaxDistance edits.
func (e *Executor) nearestName(name string) string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	best := ""
	bestDist := suggestionMaxDistance + 1
	for candidate := range e.tools {
		if d := matchr.Levenshtein(name, candidate); d < bestDist {
			best = candidate
			bestDist = d
		}
	}
	return best
}

// errorResult wraps msg in the uniform error envelope for call.
func errorResult(call upstream.ToolCall, msg string) upstream.ToolResult {
	return upstream.ToolResult{
		ID:       call.ID,
		Name:     call.Name,
		Response: map[string]any{"error": msg},
	}
}

// ToolStats is a point-in-time latency and error snapshot for one tool.
type ToolStats struct {
	// Name is the tool name.
	Name string `json:"name"`

	// Calls is the total number of invocations since registration.
	Calls int `json:"calls"`

	// P50 and P99 are latency percentiles over the recent-call window.
	P50 time.Duration `json:"p50"`
	P99 time.Duration `json:"p99"`

	// ErrorRate is the fraction of recent calls that produced an error
	// envelope (0.0 to 1.0).
	ErrorRate float64 `json:"errorRate"`
}

// Stats returns a per-tool snapshot sorted by name.
func (e *Executor) Stats() []ToolStats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	stats := make([]ToolStats, 0, len(e.tools))
	for name, ent := range e.tools {
		stats = append(stats, ToolStats{
			Name:      name,
			Calls:     ent.window.Count(),
			P50:       ent.window.P50(),
			P99:       ent.window.P99(),
			ErrorRate: ent.window.ErrorRate(),
		})
	}
	slices.SortFunc(stats, func(a, b ToolStats) int {
		return strings.Compare(a.Name, b.Name)
	})
	return stats
}
