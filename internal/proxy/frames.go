package proxy

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotJSON reports a downstream text payload that is not a JSON object.
// Callers treat such payloads as hex-encoded raw audio.
var ErrNotJSON = errors.New("proxy: payload is not a JSON frame")

// UnknownFrameError reports a well-formed frame whose type the proxy does
// not handle. Unknown frames are dropped, not fatal.
type UnknownFrameError struct {
	Type string
}

func (e *UnknownFrameError) Error() string {
	return fmt.Sprintf("proxy: unknown frame type %q", e.Type)
}

// ── Inbound frames (client → proxy) ────────────────────────────────────────────

// AudioInput carries one chunk of caller audio. Data stays hex-encoded as
// received; the session layer decodes it. Clients may alternatively send raw
// PCM as a WebSocket binary message.
type AudioInput struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

// TextInput submits a complete user text turn.
type TextInput struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ResetInput asks the proxy to drop all conversational context and
// re-establish the upstream session.
type ResetInput struct {
	Type string `json:"type"`
}

// PingInput requests a pong reply.
type PingInput struct {
	Type string `json:"type"`
}

// DecodeClientFrame parses one downstream text message into its typed frame.
//
// It returns [ErrNotJSON] when the payload is not JSON at all (the caller
// falls back to treating it as hex audio), an [*UnknownFrameError] for
// unhandled types, or a describing error for a frame that is missing
// required fields.
func DecodeClientFrame(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, ErrNotJSON
	}

	switch typ := envelope.Type; typ {
	case "audio":
		var msg AudioInput
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("proxy: invalid audio frame: %w", err)
		}
		if msg.Data == "" {
			return nil, errors.New("proxy: audio frame without data")
		}
		return msg, nil
	case "text":
		var msg TextInput
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("proxy: invalid text frame: %w", err)
		}
		return msg, nil
	case "reset":
		return ResetInput{Type: typ}, nil
	case "ping":
		return PingInput{Type: typ}, nil
	default:
		return nil, &UnknownFrameError{Type: typ}
	}
}

// ── Outbound frames (proxy → client) ───────────────────────────────────────────
//
// Every outbound frame is one JSON text message with a "type" discriminator.
// Audio payloads travel hex-encoded.

// ConnectedFrame confirms the upstream session is established.
type ConnectedFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	State     string `json:"state"`
}

// StateChangeFrame mirrors every upstream session state transition.
type StateChangeFrame struct {
	Type  string `json:"type"`
	State string `json:"state"`
}

// AudioFrame carries one chunk of model audio, hex-encoded.
type AudioFrame struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

// TextFrame carries one model text delta.
type TextFrame struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// InputTranscriptFrame carries a transcription delta of the caller's audio.
type InputTranscriptFrame struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// OutputTranscriptFrame carries a transcription delta of the model's audio.
type OutputTranscriptFrame struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ToolCallInfo names one invocation within a tool_call_start frame.
type ToolCallInfo struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// ToolCallStartFrame announces that the model requested tool invocations and
// the proxy is executing them.
type ToolCallStartFrame struct {
	Type  string         `json:"type"`
	Tools []ToolCallInfo `json:"tools"`
}

// ToolResultFrame reports one finished tool invocation. Result is the
// uniform envelope holding exactly one of "result" or "error".
type ToolResultFrame struct {
	Type   string         `json:"type"`
	Tool   string         `json:"tool"`
	Result map[string]any `json:"result"`
}

// InterruptedFrame signals a barge-in: the caller started speaking while the
// model was still responding. Playback should stop immediately.
type InterruptedFrame struct {
	Type string `json:"type"`
}

// TurnCompleteFrame marks the end of one model turn.
type TurnCompleteFrame struct {
	Type       string `json:"type"`
	TurnNumber int    `json:"turnNumber"`
}

// SessionResetFrame confirms a reset: history and resumption context are
// gone and a fresh upstream session is live.
type SessionResetFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

// DisconnectedFrame is the final frame of a session.
type DisconnectedFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

// ErrorFrame reports a session-level failure.
type ErrorFrame struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// PongFrame answers a ping.
type PongFrame struct {
	Type string `json:"type"`
}

// GoAwayFrame relays the upstream's advisory that the connection will close
// shortly.
type GoAwayFrame struct {
	Type string `json:"type"`
}
