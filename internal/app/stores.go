package app

import (
	"context"

	"classquiz-engine/internal/domain"
)

// Store interfaces are declared here and implemented under internal/infra
// (in-memory, Redis, Postgres). The engine is a single authoritative process
// per live session; the stores carry the check-then-act guarantees.

// SessionStore holds the authoritative session rows. Mutate serializes
// lifecycle transitions per session: the precondition check inside fn is
// consistent with the write that follows it.
type SessionStore interface {
	Create(ctx context.Context, s *domain.Session) error
	Get(ctx context.Context, id string) (domain.Session, error)
	Mutate(ctx context.Context, id string, fn func(*domain.Session) error) (domain.Session, error)
	// OpenForActivity returns sessions of the activity still active or paused.
	OpenForActivity(ctx context.Context, activityID string) ([]domain.Session, error)
}

// ConnectionStore tracks participant connections. Register is the single
// check-then-act spot: any prior connected row for the same (session,
// participant) is marked disconnected before the new row is written.
type ConnectionStore interface {
	Register(ctx context.Context, conn domain.Connection) (replaced *domain.Connection, err error)
	Get(ctx context.Context, connectionID string) (domain.Connection, error)
	GetByParticipant(ctx context.Context, sessionID, participantID string) (domain.Connection, bool, error)
	Mutate(ctx context.Context, connectionID string, fn func(*domain.Connection) error) (domain.Connection, error)
	ListBySession(ctx context.Context, sessionID string) ([]domain.Connection, error)
	// ResetAnswered clears every connection's answered flag when the session
	// advances and moves answering rows back to connected.
	ResetAnswered(ctx context.Context, sessionID string) error
	// MarkAnswered sets the answered flag and moves a connected row to the
	// answering status; the flag and the status change together.
	MarkAnswered(ctx context.Context, sessionID, participantID string) error
	// Sessions lists session ids that currently have connections (sweep input).
	Sessions(ctx context.Context) ([]string, error)
	// Purge drops disconnected rows whose disconnect time is before the cutoff.
	Purge(ctx context.Context, sessionID string, cutoff int64) (int, error)
}

// ResponseStore persists accepted answers. Create fails with
// domain.ErrDuplicateResponse when the (session, question, participant) triple
// already exists; concurrent submissions for one triple admit exactly one.
type ResponseStore interface {
	Create(ctx context.Context, r domain.Response) error
	Get(ctx context.Context, sessionID, questionID, participantID string) (domain.Response, bool, error)
	ListBySession(ctx context.Context, sessionID string) ([]domain.Response, error)
}

// QueueStore holds store-and-forward submissions awaiting commit.
type QueueStore interface {
	Enqueue(ctx context.Context, q domain.QueuedResponse) error
	PullUnprocessed(ctx context.Context, limit int) ([]domain.QueuedResponse, error)
	MarkProcessed(ctx context.Context, id string) error
}

// EventLog is the append-only session audit trail.
type EventLog interface {
	Append(ctx context.Context, e domain.LogEvent) error
	ListBySession(ctx context.Context, sessionID string, limit int) ([]domain.LogEvent, error)
}

// QuestionRepository loads activity question sets (from cache/backing store).
type QuestionRepository interface {
	GetActivity(ctx context.Context, activityID string) (domain.Activity, error)
}

// RateLimiter is per-(actor, action) fixed-window admission control.
// Different actors and different actions never share quota.
type RateLimiter interface {
	Check(ctx context.Context, actor, action string) (domain.RateDecision, error)
	Peek(ctx context.Context, actor, action string) (domain.RateDecision, error)
	Reset(ctx context.Context, actor, action string) error
}

// Rate limiter action keys.
const (
	ActionSubmit   = "submit"
	ActionBatch    = "submit_batch"
	ActionQueue    = "queue"
	ActionRegister = "register"
)

// StateCache is a short-TTL read-through cache for aggregate state snapshots.
// Never the system of record; invalidated on every lifecycle mutation.
type StateCache interface {
	Get(ctx context.Context, sessionID string) (domain.StateSnapshot, bool)
	Set(ctx context.Context, sessionID string, snap domain.StateSnapshot)
	Invalidate(ctx context.Context, sessionID string)
}
