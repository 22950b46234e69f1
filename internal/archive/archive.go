// Package archive persists finished live sessions and their transcripts to
// PostgreSQL so they outlive the process.
//
// Archiving is optional. A nil *Store is valid and turns every operation
// into a no-op, so callers wire the store through unconditionally and only
// the configuration decides whether anything is written.
package archive

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// TranscriptLine is one utterance in an archived session transcript.
type TranscriptLine struct {
	// Role identifies the speaker, "user" or "model".
	Role string `json:"role"`

	// Content is the utterance text.
	Content string `json:"content"`

	// SpokenAt records when the line was appended to the live history.
	SpokenAt time.Time `json:"spokenAt"`
}

// SessionRecord is the archived form of one finished live session.
type SessionRecord struct {
	SessionID     string           `json:"sessionId"`
	StartedAt     time.Time        `json:"startedAt"`
	EndedAt       time.Time        `json:"endedAt"`
	TurnCount     int              `json:"turnCount"`
	ToolCallCount int              `json:"toolCallCount"`
	FinalState    string           `json:"finalState"`
	Transcript    []TranscriptLine `json:"transcript,omitempty"`
}

// SessionSummary is one row of the recent-sessions listing. It carries the
// session metadata plus the number of transcript lines, but not the lines
// themselves.
type SessionSummary struct {
	SessionID       string    `json:"sessionId"`
	StartedAt       time.Time `json:"startedAt"`
	EndedAt         time.Time `json:"endedAt"`
	TurnCount       int       `json:"turnCount"`
	ToolCallCount   int       `json:"toolCallCount"`
	FinalState      string    `json:"finalState"`
	TranscriptLines int       `json:"transcriptLines"`
}

// Store is the PostgreSQL-backed session archive. It holds a single
// [pgxpool.Pool]; all operations are safe for concurrent use and all
// methods tolerate a nil receiver.
type Store struct {
	pool *pgxpool.Pool
}

// Open establishes a connection pool to the database at dsn, verifies it
// with a ping, and runs [Migrate] so the schema exists before first use.
func Open(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("archive: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("archive: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// SaveSession writes rec and its transcript in a single transaction. The
// transcript lines keep their slice order via an explicit sequence column.
func (s *Store) SaveSession(ctx context.Context, rec SessionRecord) error {
	if s == nil {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("archive: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op once committed

	const insertSession = `
		INSERT INTO sessions
		    (session_id, started_at, ended_at, turn_count, tool_call_count, final_state)
		VALUES ($1, $2, $3, $4, $5, $6)`

	if _, err := tx.Exec(ctx, insertSession,
		rec.SessionID,
		rec.StartedAt,
		rec.EndedAt,
		rec.TurnCount,
		rec.ToolCallCount,
		rec.FinalState,
	); err != nil {
		return fmt.Errorf("archive: insert session: %w", err)
	}

	const insertLine = `
		INSERT INTO session_transcripts
		    (session_id, seq, role, content, spoken_at)
		VALUES ($1, $2, $3, $4, $5)`

	for i, line := range rec.Transcript {
		if _, err := tx.Exec(ctx, insertLine,
			rec.SessionID,
			i,
			line.Role,
			line.Content,
			line.SpokenAt,
		); err != nil {
			return fmt.Errorf("archive: insert transcript line %d: %w", i, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("archive: commit: %w", err)
	}
	return nil
}

// RecentSessions returns up to limit archived sessions, most recently ended
// first. Transcripts are not loaded; each summary carries its line count.
func (s *Store) RecentSessions(ctx context.Context, limit int) ([]SessionSummary, error) {
	if s == nil {
		return []SessionSummary{}, nil
	}

	const q = `
		SELECT s.session_id, s.started_at, s.ended_at, s.turn_count, s.tool_call_count, s.final_state,
		       (SELECT count(*) FROM session_transcripts t WHERE t.session_id = s.session_id)
		FROM   sessions s
		ORDER  BY s.ended_at DESC
		LIMIT  $1`

	rows, err := s.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("archive: recent sessions: %w", err)
	}

	summaries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (SessionSummary, error) {
		var sum SessionSummary
		err := row.Scan(
			&sum.SessionID,
			&sum.StartedAt,
			&sum.EndedAt,
			&sum.TurnCount,
			&sum.ToolCallCount,
			&sum.FinalState,
			&sum.TranscriptLines,
		)
		return sum, err
	})
	if err != nil {
		return nil, fmt.Errorf("archive: scan rows: %w", err)
	}
	if summaries == nil {
		summaries = []SessionSummary{}
	}
	return summaries, nil
}

// Transcript returns the archived transcript for sessionID in spoken order.
// An unknown session yields an empty slice, not an error.
func (s *Store) Transcript(ctx context.Context, sessionID string) ([]TranscriptLine, error) {
	if s == nil {
		return []TranscriptLine{}, nil
	}

	const q = `
		SELECT role, content, spoken_at
		FROM   session_transcripts
		WHERE  session_id = $1
		ORDER  BY seq`

	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("archive: transcript: %w", err)
	}

	lines, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (TranscriptLine, error) {
		var l TranscriptLine
		err := row.Scan(&l.Role, &l.Content, &l.SpokenAt)
		return l, err
	})
	if err != nil {
		return nil, fmt.Errorf("archive: scan rows: %w", err)
	}
	if lines == nil {
		lines = []TranscriptLine{}
	}
	return lines, nil
}

// Ping reports whether the database is reachable. Used by readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil {
		return nil
	}
	return s.pool.Ping(ctx)
}

// Close releases all connections held by the underlying pool.
func (s *Store) Close() {
	if s == nil {
		return
	}
	s.pool.Close()
}
