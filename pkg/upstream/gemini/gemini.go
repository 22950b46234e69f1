// Package gemini implements the upstream.Provider interface for Google's
// Gemini Live API.
//
// It establishes a bidirectional WebSocket connection to the Gemini Live
// endpoint and exchanges JSON messages according to the BidiGenerateContent
// protocol. Audio travels as base64-encoded PCM chunks; tool calls,
// interruption signals, turn boundaries and session-resumption updates are
// surfaced as typed events on the stream's event channel.
package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/voxgate/voxgate/pkg/upstream"
)

// Compile-time assertions that Provider and stream satisfy the upstream interfaces.
var _ upstream.Provider = (*Provider)(nil)
var _ upstream.Stream = (*stream)(nil)

// DefaultModel is the model used when neither the provider options nor the
// session config name one. Token constraints should reference the same model
// the proxy dials.
const DefaultModel = "gemini-2.0-flash-live-001"

const (
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the model used when SessionConfig does not name one.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements upstream.Provider for Google's Gemini Live API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
}

// New creates a new Gemini Live Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   DefaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Open establishes a new Gemini Live stream with the given configuration.
// It blocks until the endpoint acknowledges the setup message, so a non-nil
// return means the stream is ready for audio. ctx bounds the handshake only;
// the stream's own lifetime is governed by Close.
func (p *Provider) Open(ctx context.Context, cfg upstream.SessionConfig) (upstream.Stream, error) {
	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		p.baseURL, p.apiKey,
	)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: dial: %w", err)
	}

	model := p.model
	if cfg.Model != "" {
		model = cfg.Model
	}

	streamCtx, streamCancel := context.WithCancel(context.Background())
	s := &stream{
		conn:   conn,
		events: make(chan upstream.Event, 64),
		done:   make(chan struct{}),
		ctx:    streamCtx,
		cancel: streamCancel,
	}

	if err := s.sendSetup(model, cfg); err != nil {
		streamCancel()
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("gemini: setup: %w", err)
	}

	if err := s.awaitSetupComplete(ctx); err != nil {
		streamCancel()
		conn.Close(websocket.StatusInternalError, "setup not acknowledged")
		return nil, fmt.Errorf("gemini: setup: %w", err)
	}

	go s.receiveLoop()
	go s.keepaliveLoop()

	return s, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                    string             `json:"model"`
	GenerationConfig         generationConfig   `json:"generationConfig"`
	SystemInstruction        *systemInstruction `json:"systemInstruction,omitempty"`
	Tools                    []geminiTool       `json:"tools,omitempty"`
	SessionResumption        *sessionResumption `json:"sessionResumption,omitempty"`
	InputAudioTranscription  *transcriptionConf `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *transcriptionConf `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type geminiTool struct {
	FunctionDeclarations []functionDeclaration `json:"functionDeclarations,omitempty"`
}

type functionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// sessionResumption enables resumption updates; a non-empty handle continues
// a prior conversation's server-side context.
type sessionResumption struct {
	Handle string `json:"handle,omitempty"`
}

// transcriptionConf is intentionally empty: presence enables the feature.
type transcriptionConf struct{}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []mediaChunk `json:"mediaChunks"`
}

type mediaChunk struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type clientContentMessage struct {
	ClientContent clientContent `json:"clientContent"`
}

type clientContent struct {
	Turns        []contentTurn `json:"turns"`
	TurnComplete bool          `json:"turnComplete"`
}

type contentTurn struct {
	Role  string `json:"role"`
	Parts []part `json:"parts"`
}

type toolResponseMessage struct {
	ToolResponse toolResponse `json:"toolResponse"`
}

type toolResponse struct {
	FunctionResponses []functionResponse `json:"functionResponses"`
}

type functionResponse struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete           *json.RawMessage  `json:"setupComplete,omitempty"`
	ServerContent           *serverContent    `json:"serverContent,omitempty"`
	ToolCall                *toolCallMsg      `json:"toolCall,omitempty"`
	ToolCallCancellation    *json.RawMessage  `json:"toolCallCancellation,omitempty"`
	SessionResumptionUpdate *resumptionUpdate `json:"sessionResumptionUpdate,omitempty"`
	GoAway                  *goAwayMsg        `json:"goAway,omitempty"`
	Error                   *geminiError      `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type serverContent struct {
	ModelTurn           *modelTurn     `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type transcription struct {
	Text string `json:"text"`
}

type toolCallMsg struct {
	FunctionCalls []functionCall `json:"functionCalls"`
}

type functionCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

type resumptionUpdate struct {
	NewHandle string `json:"newHandle"`
	Resumable bool   `json:"resumable"`
}

type goAwayMsg struct {
	TimeLeft string `json:"timeLeft,omitempty"`
}

// ── stream ─────────────────────────────────────────────────────────────────────

type stream struct {
	conn   *websocket.Conn
	events chan upstream.Event

	mu     sync.Mutex
	errVal error
	closed bool

	done      chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// sendSetup sends the initial BidiGenerateContent setup message.
func (s *stream) sendSetup(model string, cfg upstream.SessionConfig) error {
	msg := setupMessage{
		Setup: setupConfig{
			Model: fmt.Sprintf("models/%s", model),
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"AUDIO"},
			},
			// Always request resumption updates so a dropped connection can
			// be re-established without losing conversational context.
			SessionResumption: &sessionResumption{Handle: cfg.ResumptionToken},
		},
	}

	if cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: cfg.Instructions}},
		}
	}

	if cfg.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}

	if len(cfg.Declarations) > 0 {
		decls := make([]functionDeclaration, len(cfg.Declarations))
		for i, d := range cfg.Declarations {
			decls[i] = functionDeclaration{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  d.Parameters,
			}
		}
		msg.Setup.Tools = []geminiTool{{FunctionDeclarations: decls}}
	}

	if cfg.InputTranscription {
		msg.Setup.InputAudioTranscription = &transcriptionConf{}
	}
	if cfg.OutputTranscription {
		msg.Setup.OutputAudioTranscription = &transcriptionConf{}
	}

	return s.writeJSON(msg)
}

// awaitSetupComplete blocks until the endpoint acknowledges setup. The
// endpoint sends exactly one setupComplete frame before any content; an
// error frame instead means the session was rejected.
func (s *stream) awaitSetupComplete(ctx context.Context) error {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue // skip malformed frames
		}
		if msg.Error != nil {
			return fmt.Errorf("rejected: %s", msg.Error.Message)
		}
		if msg.SetupComplete != nil {
			return nil
		}
	}
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *stream) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// receiveLoop reads messages from the WebSocket and translates them into
// events. It owns the events channel: it closes it when it exits.
func (s *stream) receiveLoop() {
	defer s.closeEvents()

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			// If the stream context was cancelled, exit cleanly.
			if s.ctx.Err() != nil {
				return
			}
			s.setErr(err)
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue // skip malformed frames
		}

		if !s.handleServerMessage(&msg) {
			return
		}
	}
}

// handleServerMessage fans one wire message out into events. It returns
// false when the loop should stop (terminal server error or cancelled ctx).
func (s *stream) handleServerMessage(msg *serverMessage) bool {
	if msg.Error != nil {
		text := msg.Error.Message
		if text == "" {
			text = "unknown error"
		}
		s.setErr(fmt.Errorf("gemini: server error: %s", text))
		return false
	}
	if msg.ServerContent != nil {
		if !s.handleServerContent(msg.ServerContent) {
			return false
		}
	}
	if msg.ToolCall != nil && len(msg.ToolCall.FunctionCalls) > 0 {
		calls := make([]upstream.ToolCall, len(msg.ToolCall.FunctionCalls))
		for i, fc := range msg.ToolCall.FunctionCalls {
			calls[i] = upstream.ToolCall{ID: fc.ID, Name: fc.Name, Args: fc.Args}
		}
		if !s.emit(upstream.Event{ToolCalls: calls}) {
			return false
		}
	}
	if u := msg.SessionResumptionUpdate; u != nil && u.Resumable && u.NewHandle != "" {
		if !s.emit(upstream.Event{ResumptionToken: u.NewHandle}) {
			return false
		}
	}
	if msg.GoAway != nil {
		if !s.emit(upstream.Event{GoAway: true}) {
			return false
		}
	}
	return true
}

func (s *stream) handleServerContent(sc *serverContent) bool {
	if sc.ModelTurn != nil {
		// Emit audio chunks and text deltas in a single pass, wire order.
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData != nil {
				audioData, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
				if err != nil || len(audioData) == 0 {
					continue
				}
				if !s.emit(upstream.Event{Audio: audioData}) {
					return false
				}
			}
			if p.Text != "" {
				if !s.emit(upstream.Event{Text: p.Text}) {
					return false
				}
			}
		}
	}

	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		if !s.emit(upstream.Event{InputTranscript: sc.InputTranscription.Text}) {
			return false
		}
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		if !s.emit(upstream.Event{OutputTranscript: sc.OutputTranscription.Text}) {
			return false
		}
	}

	// Interruption precedes turn completion when both appear in one message.
	if sc.Interrupted {
		if !s.emit(upstream.Event{Interrupted: true}) {
			return false
		}
	}
	if sc.TurnComplete {
		if !s.emit(upstream.Event{TurnComplete: true}) {
			return false
		}
	}
	return true
}

func (s *stream) emit(ev upstream.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// keepaliveLoop sends WebSocket pings to keep the Gemini Live connection alive.
func (s *stream) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, keepaliveTimeout)
			_ = s.conn.Ping(pingCtx)
			cancel()
		}
	}
}

func (s *stream) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

func (s *stream) closeEvents() {
	s.closeOnce.Do(func() {
		close(s.events)
	})
}

// ── Stream methods ─────────────────────────────────────────────────────────────

// SendText submits a complete user text turn as clientContent.
func (s *stream) SendText(text string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("gemini: stream closed")
	}
	s.mu.Unlock()

	msg := clientContentMessage{
		ClientContent: clientContent{
			Turns: []contentTurn{
				{Role: "user", Parts: []part{{Text: text}}},
			},
			TurnComplete: true,
		},
	}
	return s.writeJSON(msg)
}

// SendAudio delivers a raw PCM audio chunk to the model. mimeType defaults
// to 16 kHz s16le mono PCM when empty.
func (s *stream) SendAudio(data []byte, mimeType string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("gemini: stream closed")
	}
	s.mu.Unlock()

	if mimeType == "" {
		mimeType = "audio/pcm;rate=16000"
	}

	encoded := base64.StdEncoding.EncodeToString(data)
	msg := realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []mediaChunk{
				{MIMEType: mimeType, Data: encoded},
			},
		},
	}
	return s.writeJSON(msg)
}

// SendToolResults submits the responses for a tool-call batch in a single
// toolResponse message.
func (s *stream) SendToolResults(results []upstream.ToolResult) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("gemini: stream closed")
	}
	s.mu.Unlock()

	if len(results) == 0 {
		return nil
	}

	frs := make([]functionResponse, len(results))
	for i, r := range results {
		frs[i] = functionResponse{ID: r.ID, Name: r.Name, Response: r.Response}
	}
	msg := toolResponseMessage{
		ToolResponse: toolResponse{FunctionResponses: frs},
	}
	return s.writeJSON(msg)
}

// Events returns the channel on which server events arrive.
func (s *stream) Events() <-chan upstream.Event { return s.events }

// Err returns the first non-nil error that caused the stream to terminate.
func (s *stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close terminates the stream and releases all resources. Idempotent.
func (s *stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()    // unblocks receiveLoop and keepaliveLoop
	close(s.done) // signals keepaliveLoop via done channel
	s.conn.Close(websocket.StatusNormalClosure, "stream closed")
	return nil
}
