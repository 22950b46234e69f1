// Package upstream defines the interface to a model-serving endpoint that
// speaks a bidirectional streaming protocol: audio and text flow up, and
// typed events (audio chunks, text deltas, tool calls, interruption and
// turn-completion signals, resumption updates) flow back down.
//
// Implementations live in subpackages (gemini for the Gemini Live API,
// mock for tests). Callers hold a [Stream] for the lifetime of one upstream
// connection and drain [Stream.Events] until it closes.
package upstream

import "context"

// ToolCall is a single function invocation requested by the model.
type ToolCall struct {
	// ID correlates the call with its response. May be empty on providers
	// that match by name only.
	ID string
	// Name is the registered function name to invoke.
	Name string
	// Args holds the decoded invocation arguments.
	Args map[string]any
}

// ToolResult is the response to one ToolCall. Response carries exactly one
// of a "result" or an "error" key, mirroring the wire contract.
type ToolResult struct {
	ID       string
	Name     string
	Response map[string]any
}

// FunctionDeclaration describes one callable tool surfaced to the model at
// session setup.
type FunctionDeclaration struct {
	Name        string
	Description string
	// Parameters is a JSON-schema object describing the accepted arguments.
	Parameters map[string]any
}

// Event is one server event from the live stream. Fields are independent:
// a single wire message may fan out into several events, delivered in wire
// order.
type Event struct {
	// Audio is a raw PCM chunk of synthesised model speech.
	Audio []byte
	// Text is a model text delta.
	Text string
	// InputTranscript is a recognition result for user speech.
	InputTranscript string
	// OutputTranscript is the text rendering of model audio output.
	OutputTranscript string
	// ToolCalls is a batch of function invocations the model requests.
	// Every call requires a ToolResult to keep the turn from stalling.
	ToolCalls []ToolCall
	// Interrupted signals barge-in: the user started speaking while the
	// model was still responding. Not an error.
	Interrupted bool
	// TurnComplete marks the end of the current model turn.
	TurnComplete bool
	// ResumptionToken, when non-empty, is the latest opaque handle that a
	// future connection can present to continue this conversation.
	ResumptionToken string
	// GoAway warns that the server will drop the connection soon.
	GoAway bool
}

// SessionConfig carries the per-session parameters for [Provider.Open].
type SessionConfig struct {
	// Model overrides the provider's default model when non-empty.
	Model string
	// Voice selects the synthesised voice.
	Voice string
	// Instructions is the system prompt for the session.
	Instructions string
	// Declarations lists the tools the model may call.
	Declarations []FunctionDeclaration
	// ResumptionToken, when non-empty, asks the endpoint to continue the
	// server-side context of a prior session.
	ResumptionToken string
	// InputTranscription requests transcription events for user audio.
	InputTranscription bool
	// OutputTranscription requests transcription events for model audio.
	OutputTranscription bool
}

// Provider opens duplex streams to a model-serving endpoint.
type Provider interface {
	// Open establishes a new live stream. It returns once the endpoint has
	// acknowledged session setup; ctx bounds the handshake only.
	Open(ctx context.Context, cfg SessionConfig) (Stream, error)
}

// Stream is one established duplex connection. Send methods are safe for
// concurrent use. Events is closed when the connection terminates for any
// reason; Err reports the terminal cause afterwards.
type Stream interface {
	// SendText submits a complete user text turn.
	SendText(text string) error
	// SendAudio submits one chunk of user audio. mimeType defaults to raw
	// 16 kHz PCM when empty.
	SendAudio(data []byte, mimeType string) error
	// SendToolResults submits the responses for a tool-call batch in one
	// message.
	SendToolResults(results []ToolResult) error
	// Events returns the channel of server events. It is closed when the
	// stream dies or Close is called.
	Events() <-chan Event
	// Err returns the error that terminated the stream, or nil after a
	// clean Close. Valid once Events is closed.
	Err() error
	// Close terminates the stream and releases its resources. Idempotent.
	Close() error
}
