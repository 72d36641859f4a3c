package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"classquiz-engine/internal/domain"
)

// MaxBatchSize caps one submitbatch call; larger batches are rejected whole.
const MaxBatchSize = 100

// submitLatencyBudget is the operational target for one submit call. Breaches
// are logged, never surfaced as errors.
const submitLatencyBudget = time.Second

// SubmitRequest is one answer submission entering the capture pipeline.
type SubmitRequest struct {
	SessionID       string `json:"sessionId"`
	QuestionID      string `json:"questionId"`
	ParticipantID   string `json:"participantId"`
	Answer          string `json:"answer"`
	ClientTimestamp *int64 `json:"clientTimestamp,omitempty"` // epoch seconds
}

// SubmitResult reports an accepted answer back to the caller.
type SubmitResult struct {
	ResponseID    string `json:"responseId"`
	Correct       bool   `json:"correct"`
	CorrectAnswer string `json:"correctAnswer"`
	IsLate        bool   `json:"isLate"`
	LatencyMS     int64  `json:"latencyMs"`
}

// BatchItemResult attributes one batch entry's outcome to its position.
type BatchItemResult struct {
	Index  int           `json:"index"`
	OK     bool          `json:"ok"`
	Result *SubmitResult `json:"result,omitempty"`
	Error  string        `json:"error,omitempty"`
}

// BatchResult aggregates a submitbatch call.
type BatchResult struct {
	Processed int               `json:"processed"`
	Failed    int               `json:"failed"`
	Items     []BatchItemResult `json:"items"`
}

// CaptureService is the response-capture pipeline: validation, dedup, late
// flagging, and persistence for single, batched, and queued submissions.
// There is exactly one definition of a valid response; the batch and queue
// paths run the same submit core.
type CaptureService struct {
	sessions  SessionStore
	conns     ConnectionStore
	responses ResponseStore
	queue     QueueStore
	questions QuestionRepository
	limiter   RateLimiter
	log       zerolog.Logger
	now       func() time.Time
}

func NewCaptureService(sessions SessionStore, conns ConnectionStore, responses ResponseStore, queue QueueStore, questions QuestionRepository, limiter RateLimiter, log zerolog.Logger) *CaptureService {
	return NewCaptureServiceWithClock(sessions, conns, responses, queue, questions, limiter, log, time.Now)
}

// NewCaptureServiceWithClock allows deterministic timestamps in tests.
func NewCaptureServiceWithClock(sessions SessionStore, conns ConnectionStore, responses ResponseStore, queue QueueStore, questions QuestionRepository, limiter RateLimiter, log zerolog.Logger, now func() time.Time) *CaptureService {
	return &CaptureService{
		sessions:  sessions,
		conns:     conns,
		responses: responses,
		queue:     queue,
		questions: questions,
		limiter:   limiter,
		log:       log,
		now:       now,
	}
}

// Validate is the format-only answer check, exposed for clients that want
// feedback before submitting. No I/O, never errors.
func (c *CaptureService) Validate(qt domain.QuestionType, answer string) domain.Verdict {
	return domain.ValidateAnswer(qt, answer)
}

// Submit runs the full write path for one answer.
func (c *CaptureService) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	decision, err := c.limiter.Check(ctx, req.ParticipantID, ActionSubmit)
	if err != nil {
		return SubmitResult{}, err
	}
	if !decision.Allowed {
		return SubmitResult{}, domain.ErrRateLimited
	}
	return c.submit(ctx, req)
}

// SubmitBatch processes up to MaxBatchSize entries with per-entry isolation:
// one bad entry never fails the batch, and in-batch duplicates for the same
// triple fail exactly like cross-call duplicates. The batch consumes one
// submit_batch token for the calling actor instead of one submit token per entry.
func (c *CaptureService) SubmitBatch(ctx context.Context, actorID string, entries []SubmitRequest) (BatchResult, error) {
	if len(entries) > MaxBatchSize {
		return BatchResult{}, fmt.Errorf("%w: %d entries, cap %d", domain.ErrBatchTooLarge, len(entries), MaxBatchSize)
	}

	decision, err := c.limiter.Check(ctx, actorID, ActionBatch)
	if err != nil {
		return BatchResult{}, err
	}
	if !decision.Allowed {
		return BatchResult{}, domain.ErrRateLimited
	}

	result := BatchResult{Items: make([]BatchItemResult, 0, len(entries))}
	for i, entry := range entries {
		item := BatchItemResult{Index: i}
		res, err := c.submit(ctx, entry)
		if err != nil {
			item.Error = err.Error()
			result.Failed++
		} else {
			item.OK = true
			item.Result = &res
			result.Processed++
		}
		result.Items = append(result.Items, item)
	}
	return result, nil
}

// Queue records a store-and-forward submission for later commit. The
// session-open check is deferred to processing time; only existence is
// verified here.
func (c *CaptureService) Queue(ctx context.Context, req SubmitRequest) (domain.QueuedResponse, error) {
	decision, err := c.limiter.Check(ctx, req.ParticipantID, ActionQueue)
	if err != nil {
		return domain.QueuedResponse{}, err
	}
	if !decision.Allowed {
		return domain.QueuedResponse{}, domain.ErrRateLimited
	}

	if _, err := c.sessions.Get(ctx, req.SessionID); err != nil {
		return domain.QueuedResponse{}, err
	}

	entry := domain.QueuedResponse{
		ID:              uuid.NewString(),
		SessionID:       req.SessionID,
		QuestionID:      req.QuestionID,
		ParticipantID:   req.ParticipantID,
		Answer:          req.Answer,
		ClientTimestamp: req.ClientTimestamp,
		ServerTimestamp: c.now().Unix(),
	}
	if err := c.queue.Enqueue(ctx, entry); err != nil {
		return domain.QueuedResponse{}, err
	}
	return entry, nil
}

// ProcessQueue drains up to limit unprocessed entries through the submit
// core. Entries that can never succeed (duplicates, bad format, unknown
// question, completed or deleted session) are marked processed so they do not
// clog the queue; entries blocked on a paused session stay for the next drain.
func (c *CaptureService) ProcessQueue(ctx context.Context, limit int) (int, error) {
	entries, err := c.queue.PullUnprocessed(ctx, limit)
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, entry := range entries {
		ts := entry.ServerTimestamp
		if entry.ClientTimestamp != nil {
			ts = *entry.ClientTimestamp
		}
		req := SubmitRequest{
			SessionID:       entry.SessionID,
			QuestionID:      entry.QuestionID,
			ParticipantID:   entry.ParticipantID,
			Answer:          entry.Answer,
			ClientTimestamp: &ts,
		}

		_, err := c.submit(ctx, req)
		if err == nil {
			if err := c.queue.MarkProcessed(ctx, entry.ID); err != nil {
				return processed, err
			}
			processed++
			continue
		}
		if c.retryable(ctx, entry.SessionID, err) {
			continue
		}
		c.log.Debug().Err(err).Str("queued", entry.ID).Msg("queued response dropped")
		if err := c.queue.MarkProcessed(ctx, entry.ID); err != nil {
			return processed, err
		}
	}
	return processed, nil
}

// submit is the single definition of response acceptance, shared by the
// direct, batch, and queue paths. Rate limiting happens in the callers.
func (c *CaptureService) submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	began := time.Now()
	now := c.now().Unix()

	session, err := c.sessions.Get(ctx, req.SessionID)
	if err != nil {
		return SubmitResult{}, err
	}
	if session.Status != domain.SessionActive {
		return SubmitResult{}, domain.ErrSessionNotActive
	}

	question, position, err := c.question(ctx, session, req.QuestionID)
	if err != nil {
		return SubmitResult{}, err
	}

	if verdict := domain.ValidateAnswer(question.Type, req.Answer); !verdict.Valid {
		return SubmitResult{}, fmt.Errorf("%w: %s", domain.ErrInvalidAnswer, verdict.Reason)
	}

	if _, exists, err := c.responses.Get(ctx, req.SessionID, req.QuestionID, req.ParticipantID); err != nil {
		return SubmitResult{}, err
	} else if exists {
		return SubmitResult{}, domain.ErrDuplicateResponse
	}

	// A client clock running fast cannot make an on-time answer late; a slow
	// one is the accepted trust boundary.
	effective := now
	if req.ClientTimestamp != nil && *req.ClientTimestamp < now {
		effective = *req.ClientTimestamp
	}
	isLate := position != session.CurrentQuestion || session.QuestionExpired(effective)

	elapsed := int64(session.TimeLimit)
	if position == session.CurrentQuestion {
		elapsed = session.Elapsed(effective)
	}

	correct := domain.EvaluateAnswer(question, req.Answer)

	response := domain.Response{
		ID:             uuid.NewString(),
		SessionID:      req.SessionID,
		QuestionID:     req.QuestionID,
		ParticipantID:  req.ParticipantID,
		Answer:         req.Answer,
		Correct:        correct,
		ElapsedSeconds: elapsed,
		IsLate:         isLate,
		SubmittedAt:    now,
	}
	if err := c.responses.Create(ctx, response); err != nil {
		return SubmitResult{}, err
	}

	if position == session.CurrentQuestion {
		if err := c.conns.MarkAnswered(ctx, req.SessionID, req.ParticipantID); err != nil {
			c.log.Debug().Err(err).Str("session", req.SessionID).Str("participant", req.ParticipantID).Msg("answered flag update skipped")
		}
	}

	latency := time.Since(began)
	if latency > submitLatencyBudget {
		c.log.Warn().Dur("latency", latency).Str("session", req.SessionID).Msg("submit exceeded latency budget")
	}
	return SubmitResult{
		ResponseID:    response.ID,
		Correct:       correct,
		CorrectAnswer: question.Answer,
		IsLate:        isLate,
		LatencyMS:     latency.Milliseconds(),
	}, nil
}

func (c *CaptureService) question(ctx context.Context, session domain.Session, questionID string) (domain.Question, int, error) {
	activity, err := c.questions.GetActivity(ctx, session.ActivityID)
	if err != nil {
		return domain.Question{}, 0, err
	}
	for pos, idx := range session.QuestionOrder {
		if idx < 0 || idx >= len(activity.Questions) {
			continue
		}
		if activity.Questions[idx].ID == questionID {
			return activity.Questions[idx], pos, nil
		}
	}
	return domain.Question{}, 0, domain.ErrQuestionNotFound
}

// retryable reports whether a failed queue entry should stay queued: only a
// pause blocks an otherwise valid entry temporarily, since completed is
// absorbing and every other failure is permanent for that entry.
func (c *CaptureService) retryable(ctx context.Context, sessionID string, err error) bool {
	if !errors.Is(err, domain.ErrSessionNotActive) {
		return false
	}
	session, getErr := c.sessions.Get(ctx, sessionID)
	if getErr != nil {
		return false
	}
	return session.Status == domain.SessionPaused || session.Status == domain.SessionReady
}
