// Package mock provides test doubles for the upstream package interfaces.
//
// Use Provider to verify Open calls and feed controlled streams. Use Stream
// to drive the event channel and inspect which methods were invoked by the
// session manager.
//
// Example:
//
//	st := &mock.Stream{EventsCh: make(chan upstream.Event, 8)}
//	p := &mock.Provider{Stream: st}
//	handle, _ := p.Open(ctx, cfg)
//	st.EventsCh <- upstream.Event{Text: "hello"}
package mock

import (
	"context"
	"sync"

	"github.com/voxgate/voxgate/pkg/upstream"
)

// OpenCall records a single invocation of Provider.Open.
type OpenCall struct {
	// Ctx is the context passed to Open.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Open.
	Cfg upstream.SessionConfig
}

// Provider is a mock implementation of upstream.Provider.
type Provider struct {
	mu sync.Mutex

	// Stream is the Stream returned by Open. If nil, Open returns a new
	// default Stream with a buffered event channel.
	Stream upstream.Stream

	// OpenErr, if non-nil, is returned as the error from Open.
	OpenErr error

	// OpenCalls records every call to Open in order.
	OpenCalls []OpenCall
}

// Open records the call and returns Stream, OpenErr.
func (p *Provider) Open(ctx context.Context, cfg upstream.SessionConfig) (upstream.Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.OpenCalls = append(p.OpenCalls, OpenCall{Ctx: ctx, Cfg: cfg})
	if p.OpenErr != nil {
		return nil, p.OpenErr
	}
	if p.Stream != nil {
		return p.Stream, nil
	}
	return &Stream{EventsCh: make(chan upstream.Event, 64)}, nil
}

// Calls returns a copy of OpenCalls. Thread-safe, for assertions that run
// while the session under test is still live.
func (p *Provider) Calls() []OpenCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]OpenCall(nil), p.OpenCalls...)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.OpenCalls = nil
}

// Ensure Provider implements upstream.Provider at compile time.
var _ upstream.Provider = (*Provider)(nil)

// SendAudioCall records a single invocation of Stream.SendAudio.
type SendAudioCall struct {
	// Data is a copy of the audio bytes that were passed to SendAudio.
	Data []byte
	// MIMEType is the MIME type passed to SendAudio.
	MIMEType string
}

// SendToolResultsCall records a single invocation of Stream.SendToolResults.
type SendToolResultsCall struct {
	// Results is a copy of the tool results passed to SendToolResults.
	Results []upstream.ToolResult
}

// Stream is a mock implementation of upstream.Stream.
// Callers should pre-populate EventsCh, then close it to signal that the
// upstream connection ended.
type Stream struct {
	mu sync.Mutex

	// EventsCh is the channel returned by Events(). Callers own this channel.
	EventsCh chan upstream.Event

	// --- Configurable errors ---

	// SendTextErr, if non-nil, is returned by every SendText call.
	SendTextErr error

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// SendToolResultsErr, if non-nil, is returned by every SendToolResults call.
	SendToolResultsErr error

	// ErrVal is returned by Err.
	ErrVal error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// --- Call records ---

	// SendTextCalls records every call to SendText in order.
	SendTextCalls []string

	// SendAudioCalls records every call to SendAudio in order.
	SendAudioCalls []SendAudioCall

	// SendToolResultsCalls records every call to SendToolResults in order.
	SendToolResultsCalls []SendToolResultsCall

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// SendText records the call and returns SendTextErr.
func (s *Stream) SendText(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SendTextCalls = append(s.SendTextCalls, text)
	return s.SendTextErr
}

// SendAudio records the call and returns SendAudioErr.
func (s *Stream) SendAudio(data []byte, mimeType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	s.SendAudioCalls = append(s.SendAudioCalls, SendAudioCall{Data: cp, MIMEType: mimeType})
	return s.SendAudioErr
}

// SendToolResults records the call and returns SendToolResultsErr.
func (s *Stream) SendToolResults(results []upstream.ToolResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]upstream.ToolResult, len(results))
	copy(cp, results)
	s.SendToolResultsCalls = append(s.SendToolResultsCalls, SendToolResultsCall{Results: cp})
	return s.SendToolResultsErr
}

// Events returns EventsCh.
func (s *Stream) Events() <-chan upstream.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.EventsCh
}

// Err returns ErrVal. Thread-safe.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ErrVal
}

// SetErr sets the value returned by Err. Thread-safe.
func (s *Stream) SetErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ErrVal = err
}

// Close records the call and returns CloseErr.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	return s.CloseErr
}

// TextCalls returns a copy of SendTextCalls. Thread-safe.
func (s *Stream) TextCalls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.SendTextCalls...)
}

// AudioCalls returns a copy of SendAudioCalls. Thread-safe.
func (s *Stream) AudioCalls() []SendAudioCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SendAudioCall(nil), s.SendAudioCalls...)
}

// ToolResultsCalls returns a copy of SendToolResultsCalls. Thread-safe.
func (s *Stream) ToolResultsCalls() []SendToolResultsCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SendToolResultsCall(nil), s.SendToolResultsCalls...)
}

// CloseCalls returns CloseCallCount. Thread-safe.
func (s *Stream) CloseCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCallCount
}

// ResetCalls clears all recorded calls. Thread-safe.
func (s *Stream) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SendTextCalls = nil
	s.SendAudioCalls = nil
	s.SendToolResultsCalls = nil
	s.CloseCallCount = 0
}

// Ensure Stream implements upstream.Stream at compile time.
var _ upstream.Stream = (*Stream)(nil)
