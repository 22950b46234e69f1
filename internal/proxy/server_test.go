package proxy_test

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/voxgate/voxgate/internal/proxy"
	"github.com/voxgate/voxgate/internal/session"
	"github.com/voxgate/voxgate/internal/tools"
	"github.com/voxgate/voxgate/pkg/upstream"
	"github.com/voxgate/voxgate/pkg/upstream/mock"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// clientFrame is the union of every field the proxy can send, for decoding
// arbitrary frames in tests.
type clientFrame struct {
	Type       string         `json:"type"`
	SessionID  string         `json:"sessionId"`
	State      string         `json:"state"`
	Data       string         `json:"data"`
	Text       string         `json:"text"`
	Tools      []frameTool    `json:"tools"`
	Tool       string         `json:"tool"`
	Result     map[string]any `json:"result"`
	TurnNumber int            `json:"turnNumber"`
	Error      string         `json:"error"`
}

type frameTool struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// newTestServer mounts a proxy server on an httptest host. Shutdown and
// listener close are handled by test cleanup.
func newTestServer(t *testing.T, provider upstream.Provider, opts ...proxy.ServerOption) (*proxy.Server, *httptest.Server) {
	t.Helper()
	s := proxy.NewServer(provider, session.Config{Model: "live-model-a"}, opts...)
	hs := httptest.NewServer(http.HandlerFunc(s.ServeWS))
	t.Cleanup(hs.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Shutdown(ctx)
	})
	return s, hs
}

func dialProxy(t *testing.T, hs *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(hs.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, payload string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte(payload)); err != nil {
		t.Fatalf("write frame %s: %v", payload, err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) clientFrame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var f clientFrame
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("unmarshal frame %q: %v", data, err)
	}
	return f
}

// nextDataFrame returns the next frame that is not a state_change. State
// notifications are sent asynchronously and interleave nondeterministically
// with the data stream.
func nextDataFrame(t *testing.T, conn *websocket.Conn) clientFrame {
	t.Helper()
	for {
		f := readFrame(t, conn)
		if f.Type != "state_change" {
			return f
		}
	}
}

// readUntil skips frames of any type until one of the wanted type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, want string) clientFrame {
	t.Helper()
	for range 64 {
		f := readFrame(t, conn)
		if f.Type == want {
			return f
		}
	}
	t.Fatalf("no %q frame in 64 reads", want)
	return clientFrame{}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// scriptedProvider hands out prepared streams in order, one per Open call,
// and fails once they run out. Unlike mock.Provider it lets a test reach
// every stream of a multi-connection scenario.
type scriptedProvider struct {
	mu      sync.Mutex
	streams []*mock.Stream
	opened  int
}

func (p *scriptedProvider) Open(_ context.Context, _ upstream.SessionConfig) (upstream.Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.opened >= len(p.streams) {
		return nil, errors.New("no more scripted streams")
	}
	st := p.streams[p.opened]
	p.opened++
	return st, nil
}

func (p *scriptedProvider) openCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opened
}

// ── Connection lifecycle ──────────────────────────────────────────────────────

func TestServeWS_ConnectedGreeting(t *testing.T) {
	provider := &mock.Provider{Stream: &mock.Stream{EventsCh: make(chan upstream.Event, 4)}}
	_, hs := newTestServer(t, provider)
	conn := dialProxy(t, hs)

	f := nextDataFrame(t, conn)
	if f.Type != "connected" {
		t.Fatalf("first data frame = %q, want connected", f.Type)
	}
	if f.SessionID == "" {
		t.Error("connected frame without session id")
	}
	if f.State != "connected" {
		t.Errorf("state = %q, want connected", f.State)
	}

	calls := provider.Calls()
	if len(calls) != 1 {
		t.Fatalf("Open calls = %d, want 1", len(calls))
	}
	if calls[0].Cfg.Model != "live-model-a" {
		t.Errorf("model = %q, want live-model-a", calls[0].Cfg.Model)
	}
	var names []string
	for _, d := range calls[0].Cfg.Declarations {
		names = append(names, d.Name)
	}
	if !slices.Contains(names, "get_current_time") {
		t.Errorf("declarations %v lack the standard toolset", names)
	}
}

func TestServeWS_ConnectFailure(t *testing.T) {
	provider := &mock.Provider{OpenErr: errors.New("quota exhausted")}
	_, hs := newTestServer(t, provider)
	conn := dialProxy(t, hs)

	f := nextDataFrame(t, conn)
	if f.Type != "error" {
		t.Fatalf("first data frame = %q, want error", f.Type)
	}
	if !strings.HasPrefix(f.Error, "Connection failed: ") {
		t.Errorf("error = %q, want Connection failed prefix", f.Error)
	}
	if !strings.Contains(f.Error, "quota exhausted") {
		t.Errorf("error = %q, want the upstream cause", f.Error)
	}

	if f := nextDataFrame(t, conn); f.Type != "disconnected" || f.SessionID == "" {
		t.Errorf("frame = %+v, want disconnected with a session id", f)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, _, err := conn.Read(ctx); websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		t.Errorf("close status = %v (err %v), want StatusNormalClosure", websocket.CloseStatus(err), err)
	}
}

func TestServeWS_UpstreamDeath(t *testing.T) {
	st := &mock.Stream{EventsCh: make(chan upstream.Event, 4)}
	st.SetErr(errors.New("stream torn down by peer"))
	provider := &mock.Provider{Stream: st}
	_, hs := newTestServer(t, provider)
	conn := dialProxy(t, hs)

	readUntil(t, conn, "connected")
	close(st.EventsCh)

	// The error frame must arrive before the proxy drops the connection.
	// Frames after it (disconnected, state changes) are best effort.
	var sawError bool
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && !sawError {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_, data, err := conn.Read(ctx)
		cancel()
		if err != nil {
			break
		}
		var f clientFrame
		if err := json.Unmarshal(data, &f); err != nil {
			t.Fatalf("unmarshal frame %q: %v", data, err)
		}
		if f.Type != "error" {
			continue
		}
		sawError = true
		if !strings.HasPrefix(f.Error, "Receive loop error: ") {
			t.Errorf("error = %q, want Receive loop error prefix", f.Error)
		}
		if !strings.Contains(f.Error, "stream torn down by peer") {
			t.Errorf("error = %q, want the upstream cause", f.Error)
		}
	}
	if !sawError {
		t.Fatal("no error frame after the upstream died")
	}
}

// ── Model events ──────────────────────────────────────────────────────────────

func TestServeWS_RelaysModelEvents(t *testing.T) {
	st := &mock.Stream{EventsCh: make(chan upstream.Event, 8)}
	provider := &mock.Provider{Stream: st}
	_, hs := newTestServer(t, provider)
	conn := dialProxy(t, hs)
	readUntil(t, conn, "connected")

	pcm := []byte{0x01, 0x02, 0xfe, 0xff}
	st.EventsCh <- upstream.Event{Audio: pcm}
	st.EventsCh <- upstream.Event{Text: "checking the calendar"}
	st.EventsCh <- upstream.Event{InputTranscript: "what time is it"}
	st.EventsCh <- upstream.Event{OutputTranscript: "half past nine"}
	st.EventsCh <- upstream.Event{GoAway: true}
	st.EventsCh <- upstream.Event{Text: "done", TurnComplete: true}

	f := nextDataFrame(t, conn)
	if f.Type != "audio" {
		t.Fatalf("frame = %q, want audio", f.Type)
	}
	raw, err := hex.DecodeString(f.Data)
	if err != nil || !bytes.Equal(raw, pcm) {
		t.Errorf("audio data = %q (%v), want hex of %x", f.Data, err, pcm)
	}

	if f := nextDataFrame(t, conn); f.Type != "text" || f.Text != "checking the calendar" {
		t.Errorf("frame = %+v, want the text delta", f)
	}
	if f := nextDataFrame(t, conn); f.Type != "input_transcript" || f.Text != "what time is it" {
		t.Errorf("frame = %+v, want the input transcript", f)
	}
	if f := nextDataFrame(t, conn); f.Type != "output_transcript" || f.Text != "half past nine" {
		t.Errorf("frame = %+v, want the output transcript", f)
	}
	if f := nextDataFrame(t, conn); f.Type != "goaway" {
		t.Errorf("frame = %q, want goaway", f.Type)
	}
	if f := nextDataFrame(t, conn); f.Type != "text" || f.Text != "done" {
		t.Errorf("frame = %+v, want the final text delta", f)
	}
	if f := nextDataFrame(t, conn); f.Type != "turn_complete" || f.TurnNumber != 1 {
		t.Errorf("frame = %+v, want turn_complete for turn 1", f)
	}
}

func TestServeWS_InterruptedPlayback(t *testing.T) {
	st := &mock.Stream{EventsCh: make(chan upstream.Event, 8)}
	provider := &mock.Provider{Stream: st}
	_, hs := newTestServer(t, provider)
	conn := dialProxy(t, hs)
	readUntil(t, conn, "connected")

	st.EventsCh <- upstream.Event{Audio: []byte{0x01}}
	st.EventsCh <- upstream.Event{Interrupted: true}
	st.EventsCh <- upstream.Event{Audio: []byte{0x02}}
	st.EventsCh <- upstream.Event{Audio: []byte{0x03}}
	st.EventsCh <- upstream.Event{Audio: []byte{0x04}}
	st.EventsCh <- upstream.Event{TurnComplete: true}

	if f := nextDataFrame(t, conn); f.Type != "audio" || f.Data != "01" {
		t.Fatalf("frame = %+v, want the first audio chunk", f)
	}
	if f := nextDataFrame(t, conn); f.Type != "interrupted" {
		t.Fatalf("frame = %q, want interrupted", f.Type)
	}
	// The proxy resumes on the client's behalf, so the chunks already in
	// flight still arrive and the turn still completes.
	for _, want := range []string{"02", "03", "04"} {
		if f := nextDataFrame(t, conn); f.Type != "audio" || f.Data != want {
			t.Fatalf("frame = %+v, want audio %q", f, want)
		}
	}
	if f := nextDataFrame(t, conn); f.Type != "turn_complete" || f.TurnNumber != 1 {
		t.Fatalf("frame = %+v, want turn_complete for turn 1", f)
	}

	// A second turn proves the session survived the barge-in.
	st.EventsCh <- upstream.Event{Text: "still here", TurnComplete: true}
	if f := nextDataFrame(t, conn); f.Type != "text" || f.Text != "still here" {
		t.Errorf("frame = %+v, want the follow-up text", f)
	}
	if f := nextDataFrame(t, conn); f.Type != "turn_complete" || f.TurnNumber != 2 {
		t.Errorf("frame = %+v, want turn_complete for turn 2", f)
	}
}

// ── Client input ──────────────────────────────────────────────────────────────

func TestServeWS_ForwardsClientInput(t *testing.T) {
	st := &mock.Stream{EventsCh: make(chan upstream.Event, 4)}
	provider := &mock.Provider{Stream: st}
	_, hs := newTestServer(t, provider)
	conn := dialProxy(t, hs)
	readUntil(t, conn, "connected")

	sendFrame(t, conn, `{"type":"text","text":"turn on the lights"}`)
	waitFor(t, "text forwarded", func() bool { return len(st.TextCalls()) == 1 })
	if got := st.TextCalls()[0]; got != "turn on the lights" {
		t.Errorf("forwarded text = %q", got)
	}

	sendFrame(t, conn, `{"type":"audio","data":"cafe"}`)
	waitFor(t, "json audio forwarded", func() bool { return len(st.AudioCalls()) == 1 })
	if call := st.AudioCalls()[0]; !bytes.Equal(call.Data, []byte{0xca, 0xfe}) || call.MIMEType != "" {
		t.Errorf("audio call = %+v, want decoded hex with default mime", call)
	}

	// Binary frames are raw PCM. An odd-length chunk loses its trailing half
	// sample before it goes upstream.
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageBinary, []byte{1, 2, 3}); err != nil {
		t.Fatalf("write binary: %v", err)
	}
	waitFor(t, "binary audio forwarded", func() bool { return len(st.AudioCalls()) == 2 })
	if call := st.AudioCalls()[1]; !bytes.Equal(call.Data, []byte{1, 2}) {
		t.Errorf("binary audio call = %+v, want trimmed to the sample boundary", call)
	}

	// Bare hex text is the legacy audio dialect.
	sendFrame(t, conn, "f00d")
	waitFor(t, "hex audio forwarded", func() bool { return len(st.AudioCalls()) == 3 })
	if call := st.AudioCalls()[2]; !bytes.Equal(call.Data, []byte{0xf0, 0x0d}) {
		t.Errorf("hex audio call = %+v", call)
	}

	// Undecodable payloads and unknown frames are dropped without killing
	// the session. The pong proves the read loop processed past them.
	sendFrame(t, conn, "not hex, not json")
	sendFrame(t, conn, `{"type":"warp_drive"}`)
	sendFrame(t, conn, `{"type":"ping"}`)
	if f := nextDataFrame(t, conn); f.Type != "pong" {
		t.Fatalf("frame = %q, want pong", f.Type)
	}
	if got := len(st.AudioCalls()); got != 3 {
		t.Errorf("audio calls after junk = %d, want 3", got)
	}
	if got := len(st.TextCalls()); got != 1 {
		t.Errorf("text calls after junk = %d, want 1", got)
	}
}

// ── Tool calling ──────────────────────────────────────────────────────────────

func TestServeWS_ToolRoundTrip(t *testing.T) {
	st := &mock.Stream{EventsCh: make(chan upstream.Event, 8)}
	provider := &mock.Provider{Stream: st}
	factory := func() *tools.Executor {
		ex := tools.NewExecutor()
		ex.Register("echo", "repeats its message argument", map[string]any{
			"type":       "object",
			"properties": map[string]any{"msg": map[string]any{"type": "string"}},
		}, func(_ context.Context, args map[string]any) (any, error) {
			return args["msg"], nil
		})
		return ex
	}
	_, hs := newTestServer(t, provider, proxy.WithExecutorFactory(factory))
	conn := dialProxy(t, hs)
	readUntil(t, conn, "connected")

	calls := provider.Calls()
	if len(calls) != 1 || len(calls[0].Cfg.Declarations) != 1 || calls[0].Cfg.Declarations[0].Name != "echo" {
		t.Fatalf("Open declarations = %+v, want just the echo tool", calls)
	}

	st.EventsCh <- upstream.Event{ToolCalls: []upstream.ToolCall{
		{ID: "call-1", Name: "echo", Args: map[string]any{"msg": "first"}},
		{ID: "call-2", Name: "echo", Args: map[string]any{"msg": "second"}},
	}}

	start := nextDataFrame(t, conn)
	if start.Type != "tool_call_start" || len(start.Tools) != 2 {
		t.Fatalf("frame = %+v, want tool_call_start with two tools", start)
	}
	if start.Tools[0].Name != "echo" || start.Tools[0].Args["msg"] != "first" {
		t.Errorf("tools[0] = %+v", start.Tools[0])
	}

	for i, want := range []string{"first", "second"} {
		res := nextDataFrame(t, conn)
		if res.Type != "tool_result" || res.Tool != "echo" {
			t.Fatalf("frame %d = %+v, want an echo tool_result", i, res)
		}
		if got := res.Result["result"]; got != want {
			t.Errorf("result %d = %v, want %q", i, got, want)
		}
	}

	waitFor(t, "tool results sent upstream", func() bool { return len(st.ToolResultsCalls()) == 1 })
	sent := st.ToolResultsCalls()[0].Results
	if len(sent) != 2 || sent[0].Response["result"] != "first" || sent[1].Response["result"] != "second" {
		t.Errorf("upstream results = %+v", sent)
	}

	st.EventsCh <- upstream.Event{TurnComplete: true}
	if f := nextDataFrame(t, conn); f.Type != "turn_complete" || f.TurnNumber != 1 {
		t.Errorf("frame = %+v, want turn_complete for turn 1", f)
	}
}

// ── Reset ─────────────────────────────────────────────────────────────────────

func TestServeWS_Reset(t *testing.T) {
	stream1 := &mock.Stream{EventsCh: make(chan upstream.Event, 8)}
	stream2 := &mock.Stream{EventsCh: make(chan upstream.Event, 8)}
	provider := &scriptedProvider{streams: []*mock.Stream{stream1, stream2}}
	_, hs := newTestServer(t, provider)
	conn := dialProxy(t, hs)
	greeting := readUntil(t, conn, "connected")

	stream1.EventsCh <- upstream.Event{Text: "before reset", TurnComplete: true}
	if f := nextDataFrame(t, conn); f.Type != "text" || f.Text != "before reset" {
		t.Fatalf("frame = %+v, want the pre-reset text", f)
	}
	if f := nextDataFrame(t, conn); f.Type != "turn_complete" || f.TurnNumber != 1 {
		t.Fatalf("frame = %+v, want turn_complete for turn 1", f)
	}

	sendFrame(t, conn, `{"type":"reset"}`)
	reset := readUntil(t, conn, "session_reset")
	if reset.SessionID != greeting.SessionID {
		t.Errorf("session_reset id = %q, want %q", reset.SessionID, greeting.SessionID)
	}

	waitFor(t, "old stream closed", func() bool { return stream1.CloseCalls() > 0 })
	// Emulate the real transport: the torn-down connection's event channel
	// closes, releasing any reader still parked on it.
	close(stream1.EventsCh)

	stream2.EventsCh <- upstream.Event{Text: "fresh start", TurnComplete: true}
	if f := readUntil(t, conn, "text"); f.Text != "fresh start" {
		t.Fatalf("frame = %+v, want the post-reset text", f)
	}
	if f := nextDataFrame(t, conn); f.Type != "turn_complete" || f.TurnNumber != 1 {
		t.Errorf("frame = %+v, want the turn counter rewound to 1", f)
	}
	if got := provider.openCount(); got != 2 {
		t.Errorf("Open calls = %d, want 2", got)
	}
}

func TestServeWS_ResetFailure(t *testing.T) {
	stream1 := &mock.Stream{EventsCh: make(chan upstream.Event, 4)}
	provider := &scriptedProvider{streams: []*mock.Stream{stream1}}
	s, hs := newTestServer(t, provider)
	conn := dialProxy(t, hs)
	readUntil(t, conn, "connected")

	sendFrame(t, conn, `{"type":"reset"}`)
	f := readUntil(t, conn, "error")
	if !strings.HasPrefix(f.Error, "Reset failed: ") {
		t.Errorf("error = %q, want Reset failed prefix", f.Error)
	}

	// A failed reset ends the whole session.
	waitFor(t, "session deregistered", func() bool { return len(s.Metrics()) == 0 })
}

// ── Registry ──────────────────────────────────────────────────────────────────

func TestServer_Metrics(t *testing.T) {
	provider := &mock.Provider{}
	s, hs := newTestServer(t, provider)

	c1 := dialProxy(t, hs)
	f1 := readUntil(t, c1, "connected")
	c2 := dialProxy(t, hs)
	f2 := readUntil(t, c2, "connected")

	snaps := s.Metrics()
	if len(snaps) != 2 {
		t.Fatalf("len(Metrics()) = %d, want 2", len(snaps))
	}
	ids := map[string]bool{snaps[0].SessionID: true, snaps[1].SessionID: true}
	if !ids[f1.SessionID] || !ids[f2.SessionID] {
		t.Errorf("metric ids %v do not cover sessions %q and %q", ids, f1.SessionID, f2.SessionID)
	}
	for _, snap := range snaps {
		if snap.State != "connected" {
			t.Errorf("state = %q, want connected", snap.State)
		}
		if snap.TurnCount != 0 || snap.ToolCallCount != 0 {
			t.Errorf("fresh session counters = %d/%d, want 0/0", snap.TurnCount, snap.ToolCallCount)
		}
		if snap.CreatedAt.IsZero() {
			t.Error("snapshot without CreatedAt")
		}
		if snap.DurationSeconds < 0 {
			t.Errorf("negative duration %f", snap.DurationSeconds)
		}
	}
	if snaps[0].CreatedAt.After(snaps[1].CreatedAt) {
		t.Error("snapshots not ordered oldest first")
	}
}

func TestServer_UpdateSessionConfig(t *testing.T) {
	provider := &mock.Provider{}
	s, hs := newTestServer(t, provider)

	c1 := dialProxy(t, hs)
	readUntil(t, c1, "connected")

	s.UpdateSessionConfig(session.Config{Model: "live-model-b", Instructions: "Be brief."})

	c2 := dialProxy(t, hs)
	readUntil(t, c2, "connected")

	calls := provider.Calls()
	if len(calls) != 2 {
		t.Fatalf("upstream opens = %d, want 2", len(calls))
	}
	if calls[0].Cfg.Model != "live-model-a" {
		t.Errorf("first session model = %q, want the original", calls[0].Cfg.Model)
	}
	if calls[1].Cfg.Model != "live-model-b" || calls[1].Cfg.Instructions != "Be brief." {
		t.Errorf("second session config = %+v, want the updated persona", calls[1].Cfg)
	}
}

func TestServer_Shutdown(t *testing.T) {
	provider := &mock.Provider{}
	s, hs := newTestServer(t, provider)

	c1 := dialProxy(t, hs)
	c2 := dialProxy(t, hs)
	readUntil(t, c1, "connected")
	readUntil(t, c2, "connected")
	if got := len(s.Metrics()); got != 2 {
		t.Fatalf("live sessions = %d, want 2", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if got := len(s.Metrics()); got != 0 {
		t.Errorf("sessions after shutdown = %d, want 0", got)
	}

	// New connections complete the handshake but are refused immediately.
	late := dialProxy(t, hs)
	readCtx, readCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer readCancel()
	_, _, err := late.Read(readCtx)
	if err == nil {
		t.Fatal("read on a post-shutdown connection delivered a frame")
	}
	if got := websocket.CloseStatus(err); got != websocket.StatusGoingAway {
		t.Errorf("close status = %v, want StatusGoingAway", got)
	}
}
