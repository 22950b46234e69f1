// Package session owns the lifecycle of one upstream model session.
//
// A [Manager] holds at most one open upstream stream at a time and guards it
// with a small state machine (see [State]). Callers connect, push text and
// audio, drain events through per-turn [EventStream] iterators, and react to
// barge-in via [Manager.Resume]. State transitions are announced to
// registered observers so transport layers can mirror them downstream.
//
// The manager never retries a failed connection on its own; retry policy
// belongs to the caller (see [Redialer] for an opt-in policy).
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/voxgate/voxgate/pkg/upstream"
)

// Sentinel errors returned by Manager operations.
var (
	// ErrNotConnected is returned by operations that require an open
	// upstream stream when the session is not in a state that has one.
	ErrNotConnected = errors.New("session: not connected")

	// ErrAlreadyConnected is returned by Connect when a connection attempt
	// is already underway or established.
	ErrAlreadyConnected = errors.New("session: already connected")

	// ErrTurnComplete is returned by EventStream.Next after the stream has
	// delivered its turn-completion event.
	ErrTurnComplete = errors.New("session: turn complete")

	// ErrStreamClosed is returned by EventStream.Next after the iterator
	// was closed.
	ErrStreamClosed = errors.New("session: event stream closed")

	// ErrUpstreamClosed is returned by EventStream.Next when the upstream
	// connection ended while events were still expected.
	ErrUpstreamClosed = errors.New("session: upstream closed")
)

// Observer is notified after every state transition. Observers run on the
// goroutine that triggered the transition and must not block.
type Observer func(from, to State)

// Config carries the upstream session parameters the manager connects with.
// The resumption token is intentionally absent: the manager owns it and
// injects the current one on every connect.
type Config struct {
	// Model names the upstream model. Empty selects the provider default.
	Model string

	// Voice selects the synthesis voice. Empty selects the provider default.
	Voice string

	// Instructions is the system prompt for the session.
	Instructions string

	// Declarations lists the tools the model may call.
	Declarations []upstream.FunctionDeclaration

	// InputTranscription requests transcripts of user audio.
	InputTranscription bool

	// OutputTranscription requests transcripts of model audio.
	OutputTranscription bool
}

// Option is a functional option for configuring a Manager.
type Option func(*Manager)

// WithObserver registers a state-transition observer at construction time,
// before any transition can occur.
func WithObserver(obs Observer) Option {
	return func(m *Manager) { m.observers = append(m.observers, obs) }
}

// Manager owns exactly one upstream stream and the session state attached
// to it: conversation history, resumption token and turn counter.
//
// All methods are safe for concurrent use. Event iteration is the exception:
// each [EventStream] expects a single consuming goroutine.
type Manager struct {
	provider upstream.Provider
	cfg      Config

	mu              sync.Mutex
	state           State
	stream          upstream.Stream
	history         []HistoryEntry
	resumptionToken string
	turnCount       int
	pendingText     strings.Builder
	observers       []Observer
	createdAt       time.Time
}

// New creates a Manager in the Disconnected state.
func New(provider upstream.Provider, cfg Config, opts ...Option) *Manager {
	m := &Manager{
		provider:  provider,
		cfg:       cfg,
		state:     StateDisconnected,
		createdAt: time.Now(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Subscribe registers an observer for subsequent state transitions.
func (m *Manager) Subscribe(obs Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, obs)
}

// transitionLocked applies a state change and returns the notification to
// run after the lock is released. m.mu must be held.
func (m *Manager) transitionLocked(to State) func() {
	from := m.state
	if from == to {
		return func() {}
	}
	if !from.CanTransitionTo(to) {
		// Every call site uses a legal edge; reaching this is a bug.
		slog.Error("illegal session state transition", "from", from, "to", to)
		return func() {}
	}
	m.state = to
	observers := slices.Clone(m.observers)
	return func() {
		slog.Debug("session state change", "from", from, "to", to)
		for _, obs := range observers {
			obs(from, to)
		}
	}
}

// transition applies a state change with locking and notifies observers.
func (m *Manager) transition(to State) {
	m.mu.Lock()
	notify := m.transitionLocked(to)
	m.mu.Unlock()
	notify()
}

// Connect opens the upstream stream. It is valid when the session is
// Disconnected, Closed or in Error; on success the state is Connected, on
// failure it is Error and the caller decides whether to retry. The stored
// resumption token, if any, is passed upstream so a prior conversation's
// context carries over.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case StateDisconnected, StateClosed, StateError:
	default:
		m.mu.Unlock()
		return ErrAlreadyConnected
	}
	notify := m.transitionLocked(StateConnecting)
	token := m.resumptionToken
	m.pendingText.Reset()
	m.mu.Unlock()
	notify()

	stream, err := m.provider.Open(ctx, upstream.SessionConfig{
		Model:               m.cfg.Model,
		Voice:               m.cfg.Voice,
		Instructions:        m.cfg.Instructions,
		Declarations:        m.cfg.Declarations,
		ResumptionToken:     token,
		InputTranscription:  m.cfg.InputTranscription,
		OutputTranscription: m.cfg.OutputTranscription,
	})
	if err != nil {
		m.mu.Lock()
		notify = func() {}
		if m.state == StateConnecting {
			notify = m.transitionLocked(StateError)
		}
		m.mu.Unlock()
		notify()
		return fmt.Errorf("session: connect: %w", err)
	}

	m.mu.Lock()
	if m.state != StateConnecting {
		// A concurrent Disconnect won the race; discard the fresh stream.
		m.mu.Unlock()
		_ = stream.Close()
		return errors.New("session: closed during connect")
	}
	m.stream = stream
	notify = m.transitionLocked(StateConnected)
	m.mu.Unlock()
	notify()
	return nil
}

// Disconnect closes the upstream stream and moves the session to Closed.
// Idempotent: calling it when already Closed or never connected is a no-op.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	switch m.state {
	case StateDisconnected, StateClosed, StateClosing:
		m.mu.Unlock()
		return nil
	}
	notify := m.transitionLocked(StateClosing)
	stream := m.stream
	m.stream = nil
	m.mu.Unlock()
	notify()

	var closeErr error
	if stream != nil {
		closeErr = stream.Close()
	}
	m.transition(StateClosed)

	if closeErr != nil {
		return fmt.Errorf("session: disconnect: %w", closeErr)
	}
	return nil
}

// SendText submits a complete user text turn and appends it to the
// conversation history. Valid only while Connected.
func (m *Manager) SendText(text string) error {
	stream, err := m.connectedStream()
	if err != nil {
		return err
	}
	if err := stream.SendText(text); err != nil {
		return fmt.Errorf("session: send text: %w", err)
	}

	m.mu.Lock()
	m.history = append(m.history, HistoryEntry{
		Role:      RoleUser,
		Content:   text,
		Type:      "text",
		Timestamp: time.Now(),
	})
	m.mu.Unlock()
	return nil
}

// SendAudio forwards one chunk of user audio upstream. Valid only while
// Connected.
func (m *Manager) SendAudio(data []byte, mimeType string) error {
	stream, err := m.connectedStream()
	if err != nil {
		return err
	}
	if err := stream.SendAudio(data, mimeType); err != nil {
		return fmt.Errorf("session: send audio: %w", err)
	}
	return nil
}

// SendToolResults submits the results for a tool-call batch. Valid only
// while Connected.
func (m *Manager) SendToolResults(results []upstream.ToolResult) error {
	stream, err := m.connectedStream()
	if err != nil {
		return err
	}
	if err := stream.SendToolResults(results); err != nil {
		return fmt.Errorf("session: send tool results: %w", err)
	}
	return nil
}

// connectedStream returns the open stream if the session is Connected,
// ErrNotConnected otherwise.
func (m *Manager) connectedStream() (upstream.Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateConnected || m.stream == nil {
		return nil, ErrNotConnected
	}
	return m.stream, nil
}

// Receive opens a per-turn event iterator. Valid while Connected or
// Interrupted: the upstream keeps emitting trailing events for a turn the
// user barged in on, and those still need draining. The iterator ends when
// the turn completes; call Receive again for the next turn.
func (m *Manager) Receive() (*EventStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if (m.state != StateConnected && m.state != StateInterrupted) || m.stream == nil {
		return nil, ErrNotConnected
	}
	return &EventStream{
		m:      m,
		src:    m.stream,
		events: m.stream.Events(),
		done:   make(chan struct{}),
	}, nil
}

// Resume acknowledges a handled barge-in, moving Interrupted back to
// Connected. In any other state it is a no-op.
func (m *Manager) Resume() error {
	m.mu.Lock()
	if m.state != StateInterrupted {
		m.mu.Unlock()
		return nil
	}
	notify := m.transitionLocked(StateConnected)
	m.mu.Unlock()
	notify()
	return nil
}

// Reset drops all conversational context while keeping the same Manager:
// it disconnects, clears history, resumption token and turn counter, then
// reconnects from scratch.
func (m *Manager) Reset(ctx context.Context) error {
	if err := m.Disconnect(); err != nil {
		slog.Warn("session reset: disconnect failed, continuing", "error", err)
	}

	m.mu.Lock()
	m.history = nil
	m.resumptionToken = ""
	m.turnCount = 0
	m.pendingText.Reset()
	m.mu.Unlock()

	if err := m.Connect(ctx); err != nil {
		return fmt.Errorf("session: reset: %w", err)
	}
	return nil
}

// observeEvent applies the session-level side effects of one upstream
// event: barge-in flips the state to Interrupted, resumption updates are
// stored, model text accumulates until the turn completes and is then
// committed to history as a single entry.
func (m *Manager) observeEvent(ev upstream.Event) {
	var notify func()

	m.mu.Lock()
	if ev.Interrupted && m.state == StateConnected {
		notify = m.transitionLocked(StateInterrupted)
	}
	if ev.ResumptionToken != "" {
		m.resumptionToken = ev.ResumptionToken
	}
	if ev.Text != "" {
		m.pendingText.WriteString(ev.Text)
	}
	if ev.TurnComplete {
		m.turnCount++
		if text := m.pendingText.String(); text != "" {
			m.history = append(m.history, HistoryEntry{
				Role:      RoleModel,
				Content:   text,
				Type:      "text",
				Timestamp: time.Now(),
			})
			m.pendingText.Reset()
		}
	}
	m.mu.Unlock()

	if notify != nil {
		notify()
	}
}

// markUpstreamClosed records that the stream src ended unexpectedly. Stale
// iterators from a previous connection are ignored, as is a stream the
// manager already released via Disconnect.
func (m *Manager) markUpstreamClosed(src upstream.Stream) {
	m.mu.Lock()
	if m.stream != src {
		m.mu.Unlock()
		return
	}
	m.stream = nil
	var notify func()
	switch m.state {
	case StateConnecting, StateConnected:
		notify = m.transitionLocked(StateError)
	}
	m.mu.Unlock()
	if notify != nil {
		notify()
	}
}

// ── Accessors ──────────────────────────────────────────────────────────────────

// State returns the current session state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// History returns a copy of the conversation history.
func (m *Manager) History() []HistoryEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.history)
}

// ResumptionToken returns the most recent resumption token, or the empty
// string when none was received.
func (m *Manager) ResumptionToken() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resumptionToken
}

// TurnCount returns the number of completed turns since connect or the
// last reset.
func (m *Manager) TurnCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.turnCount
}

// CreatedAt returns when the Manager was constructed.
func (m *Manager) CreatedAt() time.Time {
	return m.createdAt
}
