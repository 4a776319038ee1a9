package calllog

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/dialgate/voicebridge/pkg/logging"
)

// ============================================
// CALL RECORD STORE
// Lifecycle rows for completed and in-flight calls
// ============================================
// Records when a call's media channel opened, when streaming began and how it
// ended, plus relay counters. Audio and transcripts are never persisted.
//
// Expected schema:
//
//	CREATE TABLE call_records (
//	    call_id     TEXT PRIMARY KEY,
//	    provider    TEXT NOT NULL,
//	    state       TEXT NOT NULL,
//	    end_reason  TEXT,
//	    frames_in   BIGINT NOT NULL DEFAULT 0,
//	    frames_out  BIGINT NOT NULL DEFAULT 0,
//	    frames_dropped BIGINT NOT NULL DEFAULT 0,
//	    created_at  TIMESTAMPTZ NOT NULL,
//	    answered_at TIMESTAMPTZ,
//	    ended_at    TIMESTAMPTZ,
//	    updated_at  TIMESTAMPTZ NOT NULL
//	);

const writeTimeout = 5 * time.Second

// Store persists call lifecycle records. A nil *Store is valid and records
// nothing, so the bridge runs without a database. Persistence failures are
// logged and never fail a live call.
type Store struct {
	db  *pgxpool.Pool
	log *logrus.Entry
}

// NewStore wraps a pgx pool.
func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db, log: logging.Component("calllog")}
}

// CallStarted inserts the record when the media channel opens.
func (s *Store) CallStarted(ctx context.Context, callID, provider string) {
	if s == nil || s.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	query := `
		INSERT INTO call_records (call_id, provider, state, created_at, updated_at)
		VALUES ($1, $2, 'connecting', now(), now())
		ON CONFLICT (call_id) DO NOTHING`

	if _, err := s.db.Exec(ctx, query, callID, provider); err != nil {
		s.log.WithError(err).WithField("call_id", callID).Warn("failed to record call start")
	}
}

// CallStreaming marks the moment the upstream session opened and audio began
// to flow.
func (s *Store) CallStreaming(ctx context.Context, callID string) {
	if s == nil || s.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	query := `
		UPDATE call_records SET
			state = 'streaming',
			answered_at = now(),
			updated_at = now()
		WHERE call_id = $1`

	if _, err := s.db.Exec(ctx, query, callID); err != nil {
		s.log.WithError(err).WithField("call_id", callID).Warn("failed to record call streaming")
	}
}

// CallEnded finalizes the record with the terminal reason and relay counters.
func (s *Store) CallEnded(ctx context.Context, callID, reason string, framesIn, framesOut, framesDropped int64) {
	if s == nil || s.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	query := `
		UPDATE call_records SET
			state = 'closed',
			end_reason = $2,
			frames_in = $3,
			frames_out = $4,
			frames_dropped = $5,
			ended_at = now(),
			updated_at = now()
		WHERE call_id = $1`

	if _, err := s.db.Exec(ctx, query, callID, reason, framesIn, framesOut, framesDropped); err != nil {
		s.log.WithError(err).WithField("call_id", callID).Warn("failed to record call end")
	}
}

// Record is one persisted call row.
type Record struct {
	CallID        string     `json:"call_id"`
	Provider      string     `json:"provider"`
	State         string     `json:"state"`
	EndReason     string     `json:"end_reason,omitempty"`
	FramesIn      int64      `json:"frames_in"`
	FramesOut     int64      `json:"frames_out"`
	FramesDropped int64      `json:"frames_dropped"`
	CreatedAt     time.Time  `json:"created_at"`
	AnsweredAt    *time.Time `json:"answered_at,omitempty"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
}

// GetRecord loads the persisted record for a call id, for out-of-band status
// queries after a bridge has gone away.
func (s *Store) GetRecord(ctx context.Context, callID string) (*Record, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}

	query := `
		SELECT call_id, provider, state, COALESCE(end_reason, ''),
		       frames_in, frames_out, frames_dropped,
		       created_at, answered_at, ended_at
		FROM call_records
		WHERE call_id = $1`

	var rec Record
	err := s.db.QueryRow(ctx, query, callID).Scan(
		&rec.CallID, &rec.Provider, &rec.State, &rec.EndReason,
		&rec.FramesIn, &rec.FramesOut, &rec.FramesDropped,
		&rec.CreatedAt, &rec.AnsweredAt, &rec.EndedAt,
	)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}
