package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/uptrace/bun"

	"classquiz-engine/internal/app"
	"classquiz-engine/internal/domain"
)

// The durable half of the engine lives here: accepted responses, the
// store-and-forward queue, and the session audit log are persisted via bun.
// Session and connection rows stay in-process (one authoritative process per
// live session); these stores are what survives it.

type responseRow struct {
	bun.BaseModel `bun:"table:responses"`

	ID             string `bun:"id,pk"`
	SessionID      string `bun:"session_id,notnull"`
	QuestionID     string `bun:"question_id,notnull"`
	ParticipantID  string `bun:"participant_id,notnull"`
	Answer         string `bun:"answer,notnull"`
	Correct        bool   `bun:"correct,notnull"`
	ElapsedSeconds int64  `bun:"elapsed_seconds,notnull"`
	IsLate         bool   `bun:"is_late,notnull"`
	SubmittedAt    int64  `bun:"submitted_at,notnull"`
}

type queueRow struct {
	bun.BaseModel `bun:"table:response_queue"`

	ID              string `bun:"id,pk"`
	SessionID       string `bun:"session_id,notnull"`
	QuestionID      string `bun:"question_id,notnull"`
	ParticipantID   string `bun:"participant_id,notnull"`
	Answer          string `bun:"answer,notnull"`
	ClientTimestamp *int64 `bun:"client_timestamp"`
	ServerTimestamp int64  `bun:"server_timestamp,notnull"`
	Processed       bool   `bun:"processed,notnull,default:false"`
}

type eventRow struct {
	bun.BaseModel `bun:"table:session_log"`

	ID        string          `bun:"id,pk"`
	SessionID string          `bun:"session_id,notnull"`
	ActorID   string          `bun:"actor_id"`
	Type      string          `bun:"event_type,notnull"`
	Payload   json.RawMessage `bun:"payload,type:jsonb"`
	LatencyMS *int64          `bun:"latency_ms"`
	At        int64           `bun:"at,notnull"`
}

// ResponseStore is the bun-backed implementation of app.ResponseStore.
type ResponseStore struct {
	db *bun.DB
}

var _ app.ResponseStore = (*ResponseStore)(nil)

func NewResponseStore(db *bun.DB) *ResponseStore {
	return &ResponseStore{db: db}
}

// Create inserts the response; the unique index on the (session, question,
// participant) triple is the dedup enforcement under concurrency.
func (s *ResponseStore) Create(ctx context.Context, r domain.Response) error {
	row := responseRow{
		ID:             r.ID,
		SessionID:      r.SessionID,
		QuestionID:     r.QuestionID,
		ParticipantID:  r.ParticipantID,
		Answer:         r.Answer,
		Correct:        r.Correct,
		ElapsedSeconds: r.ElapsedSeconds,
		IsLate:         r.IsLate,
		SubmittedAt:    r.SubmittedAt,
	}
	res, err := s.db.NewInsert().Model(&row).
		On("CONFLICT (session_id, question_id, participant_id) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("insert response: %w", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return domain.ErrDuplicateResponse
	}
	return nil
}

func (s *ResponseStore) Get(ctx context.Context, sessionID, questionID, participantID string) (domain.Response, bool, error) {
	var row responseRow
	err := s.db.NewSelect().Model(&row).
		Where("session_id = ?", sessionID).
		Where("question_id = ?", questionID).
		Where("participant_id = ?", participantID).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Response{}, false, nil
	}
	if err != nil {
		return domain.Response{}, false, fmt.Errorf("select response: %w", err)
	}
	return row.toDomain(), true, nil
}

func (s *ResponseStore) ListBySession(ctx context.Context, sessionID string) ([]domain.Response, error) {
	var rows []responseRow
	err := s.db.NewSelect().Model(&rows).
		Where("session_id = ?", sessionID).
		Order("submitted_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list responses: %w", err)
	}
	out := make([]domain.Response, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

// QueueStore is the bun-backed implementation of app.QueueStore.
type QueueStore struct {
	db *bun.DB
}

var _ app.QueueStore = (*QueueStore)(nil)

func NewQueueStore(db *bun.DB) *QueueStore {
	return &QueueStore{db: db}
}

func (s *QueueStore) Enqueue(ctx context.Context, q domain.QueuedResponse) error {
	row := queueRow{
		ID:              q.ID,
		SessionID:       q.SessionID,
		QuestionID:      q.QuestionID,
		ParticipantID:   q.ParticipantID,
		Answer:          q.Answer,
		ClientTimestamp: q.ClientTimestamp,
		ServerTimestamp: q.ServerTimestamp,
		Processed:       q.Processed,
	}
	if _, err := s.db.NewInsert().Model(&row).Exec(ctx); err != nil {
		return fmt.Errorf("enqueue response: %w", err)
	}
	return nil
}

func (s *QueueStore) PullUnprocessed(ctx context.Context, limit int) ([]domain.QueuedResponse, error) {
	var rows []queueRow
	q := s.db.NewSelect().Model(&rows).
		Where("processed = FALSE").
		Order("server_timestamp ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("pull queue: %w", err)
	}
	out := make([]domain.QueuedResponse, 0, len(rows))
	for _, row := range rows {
		out = append(out, domain.QueuedResponse{
			ID:              row.ID,
			SessionID:       row.SessionID,
			QuestionID:      row.QuestionID,
			ParticipantID:   row.ParticipantID,
			Answer:          row.Answer,
			ClientTimestamp: row.ClientTimestamp,
			ServerTimestamp: row.ServerTimestamp,
			Processed:       row.Processed,
		})
	}
	return out, nil
}

func (s *QueueStore) MarkProcessed(ctx context.Context, id string) error {
	_, err := s.db.NewUpdate().Model((*queueRow)(nil)).
		Set("processed = TRUE").
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	return nil
}

// EventLog is the bun-backed implementation of app.EventLog.
type EventLog struct {
	db *bun.DB
}

var _ app.EventLog = (*EventLog)(nil)

func NewEventLog(db *bun.DB) *EventLog {
	return &EventLog{db: db}
}

func (l *EventLog) Append(ctx context.Context, e domain.LogEvent) error {
	var payload json.RawMessage
	if e.Payload != nil {
		raw, err := json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("marshal event payload: %w", err)
		}
		payload = raw
	}
	row := eventRow{
		ID:        e.ID,
		SessionID: e.SessionID,
		ActorID:   e.ActorID,
		Type:      e.Type,
		Payload:   payload,
		LatencyMS: e.LatencyMS,
		At:        e.At,
	}
	if _, err := l.db.NewInsert().Model(&row).Exec(ctx); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func (l *EventLog) ListBySession(ctx context.Context, sessionID string, limit int) ([]domain.LogEvent, error) {
	var rows []eventRow
	q := l.db.NewSelect().Model(&rows).
		Where("session_id = ?", sessionID).
		Order("at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	out := make([]domain.LogEvent, 0, len(rows))
	for _, row := range rows {
		e := domain.LogEvent{
			ID:        row.ID,
			SessionID: row.SessionID,
			ActorID:   row.ActorID,
			Type:      row.Type,
			LatencyMS: row.LatencyMS,
			At:        row.At,
		}
		if len(row.Payload) > 0 {
			_ = json.Unmarshal(row.Payload, &e.Payload)
		}
		out = append(out, e)
	}
	return out, nil
}

func (r responseRow) toDomain() domain.Response {
	return domain.Response{
		ID:             r.ID,
		SessionID:      r.SessionID,
		QuestionID:     r.QuestionID,
		ParticipantID:  r.ParticipantID,
		Answer:         r.Answer,
		Correct:        r.Correct,
		ElapsedSeconds: r.ElapsedSeconds,
		IsLate:         r.IsLate,
		SubmittedAt:    r.SubmittedAt,
	}
}
