package session

import "time"

// Speaker roles recorded in the conversation history.
const (
	RoleUser  = "user"
	RoleModel = "model"
)

// HistoryEntry is one immutable record in a session's conversation history.
type HistoryEntry struct {
	// Role identifies the speaker, RoleUser or RoleModel.
	Role string `json:"role"`

	// Content is the utterance text.
	Content string `json:"content"`

	// Type describes the content kind. Currently always "text"; audio
	// turns enter history only through their transcripts.
	Type string `json:"type"`

	// Timestamp records when the entry was appended.
	Timestamp time.Time `json:"timestamp"`
}
