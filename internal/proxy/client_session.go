package proxy

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/voxgate/voxgate/internal/archive"
	"github.com/voxgate/voxgate/internal/observe"
	"github.com/voxgate/voxgate/internal/session"
	"github.com/voxgate/voxgate/internal/tools"
	"github.com/voxgate/voxgate/pkg/audio"
	"github.com/voxgate/voxgate/pkg/upstream"
)

const (
	// teardownTimeout bounds the final disconnected frame and the archive
	// write after the session context is gone.
	teardownTimeout = 5 * time.Second

	// stateNotifyTimeout bounds the asynchronous state_change writes fired
	// from the session state observer.
	stateNotifyTimeout = 2 * time.Second
)

// Outbound frame type discriminators.
const (
	frameConnected        = "connected"
	frameStateChange      = "state_change"
	frameAudio            = "audio"
	frameText             = "text"
	frameInputTranscript  = "input_transcript"
	frameOutputTranscript = "output_transcript"
	frameToolCallStart    = "tool_call_start"
	frameToolResult       = "tool_result"
	frameInterrupted      = "interrupted"
	frameTurnComplete     = "turn_complete"
	frameSessionReset     = "session_reset"
	frameDisconnected     = "disconnected"
	frameError            = "error"
	framePong             = "pong"
	frameGoAway           = "goaway"
)

// ClientSession bridges one downstream WebSocket connection to one upstream
// live session. It runs two goroutines for the lifetime of the connection: a
// read loop forwarding client frames upstream, and a receive loop relaying
// upstream events back to the client as JSON frames. Either loop ending
// cancels the other.
//
// WebSocket writes are serialised through a mutex because the receive loop,
// the state observer and teardown all emit frames. Teardown always attempts
// a final disconnected frame and, when an archive store is configured,
// persists the transcript.
type ClientSession struct {
	id       string
	conn     *websocket.Conn
	manager  *session.Manager
	executor *tools.Executor
	metrics  *observe.Metrics
	store    *archive.Store

	writeMu      sync.Mutex
	toolCalls    atomic.Int64
	warnedOddPCM sync.Once

	// reconnected wakes the receive loop after a reset establishes a fresh
	// upstream connection.
	reconnected chan struct{}

	cancel context.CancelFunc
}

// SessionMetrics is a point-in-time snapshot of one live session, served by
// the session metrics endpoint.
type SessionMetrics struct {
	SessionID       string            `json:"sessionId"`
	State           string            `json:"state"`
	DurationSeconds float64           `json:"durationSeconds"`
	TurnCount       int               `json:"turnCount"`
	ToolCallCount   int               `json:"toolCallCount"`
	CreatedAt       time.Time         `json:"createdAt"`
	Tools           []tools.ToolStats `json:"tools,omitempty"`
}

// newClientSession wires a client session and subscribes it to the manager's
// state transitions. cancel must abort the context later passed to run.
func newClientSession(id string, conn *websocket.Conn, manager *session.Manager, executor *tools.Executor, metrics *observe.Metrics, store *archive.Store, cancel context.CancelFunc) *ClientSession {
	cs := &ClientSession{
		id:          id,
		conn:        conn,
		manager:     manager,
		executor:    executor,
		metrics:     metrics,
		store:       store,
		reconnected: make(chan struct{}, 1),
		cancel:      cancel,
	}
	manager.Subscribe(cs.onStateChange)
	return cs
}

// run connects upstream and pumps frames in both directions until the
// context is cancelled, the client disconnects or the upstream fails. It
// returns after teardown completes.
func (cs *ClientSession) run(ctx context.Context) {
	cs.metrics.SessionStarted(ctx)
	defer cs.teardown()

	if err := cs.manager.Connect(ctx); err != nil {
		cs.metrics.RecordUpstreamConnect(ctx, "error")
		cs.send(ctx, frameError, ErrorFrame{Type: frameError, Error: "Connection failed: " + err.Error()})
		return
	}
	cs.metrics.RecordUpstreamConnect(ctx, "ok")
	cs.send(ctx, frameConnected, ConnectedFrame{
		Type:      frameConnected,
		SessionID: cs.id,
		State:     cs.manager.State().String(),
	})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer cs.stop()
		cs.readLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		defer cs.stop()
		cs.receiveLoop(ctx)
	}()
	wg.Wait()
}

// stop aborts the session's run context. Safe to call repeatedly and from
// any goroutine.
func (cs *ClientSession) stop() {
	cs.cancel()
}

// Metrics reports the session's current counters, including per-tool
// latency snapshots from its executor.
func (cs *ClientSession) Metrics() SessionMetrics {
	created := cs.manager.CreatedAt()
	return SessionMetrics{
		SessionID:       cs.id,
		State:           cs.manager.State().String(),
		DurationSeconds: time.Since(created).Seconds(),
		TurnCount:       cs.manager.TurnCount(),
		ToolCallCount:   int(cs.toolCalls.Load()),
		CreatedAt:       created,
		Tools:           cs.executor.Stats(),
	}
}

// onStateChange mirrors every session state transition to the client. It is
// called from whichever goroutine triggered the transition and must not
// block, so the frame write happens asynchronously.
func (cs *ClientSession) onStateChange(_, to session.State) {
	if to == session.StateConnected {
		select {
		case cs.reconnected <- struct{}{}:
		default:
		}
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), stateNotifyTimeout)
		defer cancel()
		cs.send(ctx, frameStateChange, StateChangeFrame{Type: frameStateChange, State: to.String()})
	}()
}

// readLoop consumes downstream WebSocket messages until the connection or
// the context ends. Binary messages are raw PCM audio; text messages are
// JSON frames, with bare hex audio as a legacy fallback.
func (cs *ClientSession) readLoop(ctx context.Context) {
	for {
		typ, data, err := cs.conn.Read(ctx)
		if err != nil {
			slog.Debug("client read ended", "session", cs.id, "error", err)
			return
		}
		if typ == websocket.MessageBinary {
			cs.metrics.RecordInboundFrame(ctx, frameAudio)
			cs.forwardAudio(ctx, data)
			continue
		}
		cs.handleClientFrame(ctx, data)
	}
}

// handleClientFrame decodes and dispatches one downstream text message.
// Malformed or unknown frames are dropped; a frame that is not JSON at all
// is treated as hex-encoded audio.
func (cs *ClientSession) handleClientFrame(ctx context.Context, data []byte) {
	frame, err := DecodeClientFrame(data)
	if err != nil {
		if errors.Is(err, ErrNotJSON) {
			raw, decErr := hex.DecodeString(strings.TrimSpace(string(data)))
			if decErr != nil {
				slog.Debug("undecodable client payload dropped", "session", cs.id)
				return
			}
			cs.metrics.RecordInboundFrame(ctx, frameAudio)
			cs.forwardAudio(ctx, raw)
			return
		}
		var unknown *UnknownFrameError
		if errors.As(err, &unknown) {
			cs.metrics.RecordInboundFrame(ctx, "unknown")
		}
		slog.Debug("client frame dropped", "session", cs.id, "error", err)
		return
	}

	switch msg := frame.(type) {
	case AudioInput:
		cs.metrics.RecordInboundFrame(ctx, frameAudio)
		raw, decErr := hex.DecodeString(msg.Data)
		if decErr != nil {
			slog.Debug("invalid hex audio dropped", "session", cs.id, "error", decErr)
			return
		}
		cs.forwardAudio(ctx, raw)
	case TextInput:
		cs.metrics.RecordInboundFrame(ctx, frameText)
		if err := cs.manager.SendText(msg.Text); err != nil {
			slog.Debug("text input rejected", "session", cs.id, "error", err)
		}
	case ResetInput:
		cs.metrics.RecordInboundFrame(ctx, "reset")
		cs.resetSession(ctx)
	case PingInput:
		cs.metrics.RecordInboundFrame(ctx, "ping")
		cs.send(ctx, framePong, PongFrame{Type: framePong})
	}
}

// forwardAudio hands one PCM chunk to the session, trimming any trailing
// half sample first so the upstream never sees misaligned int16 data.
// Rejections (for example while a reset is in flight) are dropped, matching
// the lossy nature of a live audio feed.
func (cs *ClientSession) forwardAudio(ctx context.Context, pcm []byte) {
	aligned := audio.AlignPCM16(pcm)
	if len(aligned) != len(pcm) {
		cs.warnedOddPCM.Do(func() {
			slog.Warn("odd-length pcm chunk from client, trimming", "session", cs.id, "bytes", len(pcm))
		})
	}
	if len(aligned) == 0 {
		return
	}
	if err := cs.manager.SendAudio(aligned, ""); err != nil {
		slog.Debug("audio input rejected", "session", cs.id, "error", err)
		return
	}
	cs.metrics.RecordAudioForwarded(ctx, "inbound", audio.LiveInput.Duration(len(aligned)).Seconds())
}

// resetSession rebuilds the upstream session from scratch. A failed reset
// ends the whole client session; half a conversation context is worse than
// none.
func (cs *ClientSession) resetSession(ctx context.Context) {
	if err := cs.manager.Reset(ctx); err != nil {
		cs.send(ctx, frameError, ErrorFrame{Type: frameError, Error: "Reset failed: " + err.Error()})
		cs.stop()
		return
	}
	cs.toolCalls.Store(0)
	cs.send(ctx, frameSessionReset, SessionResetFrame{Type: frameSessionReset, SessionID: cs.id})
}

// receiveLoop relays upstream events downstream, turn by turn. When the
// session is between connections (during a reset) it parks until the state
// observer signals the new connection.
func (cs *ClientSession) receiveLoop(ctx context.Context) {
	for {
		es, err := cs.manager.Receive()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			case <-cs.reconnected:
				continue
			}
		}
		if fatal := cs.drainTurn(ctx, es); fatal {
			return
		}
	}
}

// drainTurn forwards every event of one turn. It reports fatal=true when
// the session cannot continue: the context ended or the live upstream
// connection died.
func (cs *ClientSession) drainTurn(ctx context.Context, es *session.EventStream) (fatal bool) {
	defer es.Close()
	for {
		ev, err := es.Next(ctx)
		switch {
		case err == nil:
			cs.handleEvent(ctx, ev)
		case errors.Is(err, session.ErrTurnComplete):
			return false
		case errors.Is(err, session.ErrUpstreamClosed):
			if cs.manager.State() == session.StateError {
				cs.send(ctx, frameError, ErrorFrame{Type: frameError, Error: "Receive loop error: " + err.Error()})
				return true
			}
			// A reset replaced the connection mid-turn; the next Receive
			// picks up the fresh one.
			return false
		default:
			return true
		}
	}
}

// handleEvent translates one upstream event into client frames. Event fields
// are independent, so every populated field produces its frame.
func (cs *ClientSession) handleEvent(ctx context.Context, ev upstream.Event) {
	if len(ev.Audio) > 0 {
		cs.metrics.RecordAudioForwarded(ctx, "outbound", audio.LiveOutput.Duration(len(ev.Audio)).Seconds())
		cs.send(ctx, frameAudio, AudioFrame{Type: frameAudio, Data: hex.EncodeToString(ev.Audio)})
	}
	if ev.Text != "" {
		cs.send(ctx, frameText, TextFrame{Type: frameText, Text: ev.Text})
	}
	if ev.InputTranscript != "" {
		cs.send(ctx, frameInputTranscript, InputTranscriptFrame{Type: frameInputTranscript, Text: ev.InputTranscript})
	}
	if ev.OutputTranscript != "" {
		cs.send(ctx, frameOutputTranscript, OutputTranscriptFrame{Type: frameOutputTranscript, Text: ev.OutputTranscript})
	}
	if len(ev.ToolCalls) > 0 {
		cs.handleToolCalls(ctx, ev.ToolCalls)
	}
	if ev.Interrupted {
		cs.metrics.Interruptions.Add(ctx, 1)
		cs.send(ctx, frameInterrupted, InterruptedFrame{Type: frameInterrupted})
		if err := cs.manager.Resume(); err != nil {
			slog.Debug("resume after barge-in failed", "session", cs.id, "error", err)
		}
	}
	if ev.GoAway {
		cs.send(ctx, frameGoAway, GoAwayFrame{Type: frameGoAway})
	}
	if ev.TurnComplete {
		cs.metrics.TurnsCompleted.Add(ctx, 1)
		cs.send(ctx, frameTurnComplete, TurnCompleteFrame{Type: frameTurnComplete, TurnNumber: cs.manager.TurnCount()})
	}
}

// handleToolCalls executes one batch of model-requested invocations and
// reports both to the client and back upstream. Every call gets a result
// frame in request order; the upstream answer is the full batch.
func (cs *ClientSession) handleToolCalls(ctx context.Context, calls []upstream.ToolCall) {
	cs.toolCalls.Add(int64(len(calls)))

	infos := make([]ToolCallInfo, 0, len(calls))
	for _, call := range calls {
		infos = append(infos, ToolCallInfo{Name: call.Name, Args: call.Args})
	}
	cs.send(ctx, frameToolCallStart, ToolCallStartFrame{Type: frameToolCallStart, Tools: infos})

	results := cs.executor.ExecuteAll(ctx, calls)
	for _, res := range results {
		cs.send(ctx, frameToolResult, ToolResultFrame{Type: frameToolResult, Tool: res.Name, Result: res.Response})
	}
	if err := cs.manager.SendToolResults(results); err != nil {
		cs.send(ctx, frameError, ErrorFrame{Type: frameError, Error: "Tool execution error: " + err.Error()})
	}
}

// send marshals one frame and writes it as a text message. Write failures
// are logged and swallowed; a client that is gone stops mattering.
func (cs *ClientSession) send(ctx context.Context, frameType string, frame any) {
	data, err := json.Marshal(frame)
	if err != nil {
		slog.Error("marshal outbound frame", "session", cs.id, "type", frameType, "error", err)
		return
	}
	cs.writeMu.Lock()
	err = cs.conn.Write(ctx, websocket.MessageText, data)
	cs.writeMu.Unlock()
	if err != nil {
		slog.Debug("client write failed", "session", cs.id, "type", frameType, "error", err)
		return
	}
	cs.metrics.RecordOutboundFrame(ctx, frameType)
}

// teardown closes the upstream session, tells the client, archives the
// transcript and settles the session metrics. It runs on its own deadline
// because the session context is already gone.
func (cs *ClientSession) teardown() {
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()

	if err := cs.manager.Disconnect(); err != nil {
		slog.Debug("session disconnect failed", "session", cs.id, "error", err)
	}
	cs.send(ctx, frameDisconnected, DisconnectedFrame{Type: frameDisconnected, SessionID: cs.id})
	cs.archiveSession(ctx)
	cs.metrics.SessionEnded(ctx, time.Since(cs.manager.CreatedAt()).Seconds())
}

// archiveSession persists the finished session when a store is configured.
func (cs *ClientSession) archiveSession(ctx context.Context) {
	history := cs.manager.History()
	lines := make([]archive.TranscriptLine, 0, len(history))
	for _, entry := range history {
		lines = append(lines, archive.TranscriptLine{
			Role:     entry.Role,
			Content:  entry.Content,
			SpokenAt: entry.Timestamp,
		})
	}
	rec := archive.SessionRecord{
		SessionID:     cs.id,
		StartedAt:     cs.manager.CreatedAt(),
		EndedAt:       time.Now().UTC(),
		TurnCount:     cs.manager.TurnCount(),
		ToolCallCount: int(cs.toolCalls.Load()),
		FinalState:    cs.manager.State().String(),
		Transcript:    lines,
	}
	if err := cs.store.SaveSession(ctx, rec); err != nil {
		slog.Warn("session archive failed", "session", cs.id, "error", err)
	}
}
