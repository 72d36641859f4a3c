package app

import (
	"context"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"classquiz-engine/internal/domain"
)

// SessionService owns the session lifecycle state machine: it is the only
// writer of session status and timer fields, and every mutation goes through
// the store's per-session Mutate so precondition checks and writes are one
// atomic step. Reads are projections; the aggregate view may be served from a
// short-TTL cache, the per-client view always reads the authoritative row.
type SessionService struct {
	sessions  SessionStore
	conns     ConnectionStore
	questions QuestionRepository
	cache     StateCache
	events    EventLog
	log       zerolog.Logger
	now       func() time.Time
	rnd       *rand.Rand
	bcast     *broadcaster
	sf        singleflight.Group
}

// CreateOptions configures a new session.
type CreateOptions struct {
	TimeLimit        int  // seconds per question
	ShuffleQuestions bool
}

func NewSessionService(sessions SessionStore, conns ConnectionStore, questions QuestionRepository, cache StateCache, events EventLog, log zerolog.Logger) *SessionService {
	return NewSessionServiceWithClock(sessions, conns, questions, cache, events, log, time.Now)
}

// NewSessionServiceWithClock allows deterministic timestamps in tests.
func NewSessionServiceWithClock(sessions SessionStore, conns ConnectionStore, questions QuestionRepository, cache StateCache, events EventLog, log zerolog.Logger, now func() time.Time) *SessionService {
	return &SessionService{
		sessions:  sessions,
		conns:     conns,
		questions: questions,
		cache:     cache,
		events:    events,
		log:       log,
		now:       now,
		rnd:       rand.New(rand.NewSource(time.Now().UnixNano())),
		bcast:     newBroadcaster(),
	}
}

// Create registers a new session in the ready state. Question order is
// materialized at start, not here, so shuffling observes the flag at start time.
func (s *SessionService) Create(ctx context.Context, activityID string, opts CreateOptions) (domain.Session, error) {
	activity, err := s.questions.GetActivity(ctx, activityID)
	if err != nil {
		return domain.Session{}, err
	}
	if opts.TimeLimit <= 0 {
		opts.TimeLimit = 30
	}

	session := domain.Session{
		ID:               uuid.NewString(),
		ActivityID:       activityID,
		QuestionCount:    len(activity.Questions),
		TimeLimit:        opts.TimeLimit,
		ShuffleQuestions: opts.ShuffleQuestions,
		Status:           domain.SessionReady,
		CurrentQuestion:  0,
		CreatedAt:        s.now().Unix(),
	}
	if err := s.sessions.Create(ctx, &session); err != nil {
		return domain.Session{}, err
	}
	s.log.Info().Str("session", session.ID).Str("activity", activityID).Int("questions", session.QuestionCount).Msg("session created")
	return session, nil
}

// Start activates a ready session, opens question 0, and force-completes any
// other active or paused session of the same activity (at most one live
// session per activity).
func (s *SessionService) Start(ctx context.Context, sessionID, actorID string) (domain.StateSnapshot, error) {
	began := time.Now()
	now := s.now().Unix()

	target, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return domain.StateSnapshot{}, err
	}
	// A start that cannot succeed must not touch the activity's live session:
	// the precondition is checked before any sibling is force-completed. The
	// same check repeats inside Mutate to close the read-then-write window.
	if target.Status != domain.SessionReady {
		return domain.StateSnapshot{}, domain.ErrInvalidTransition
	}
	open, err := s.sessions.OpenForActivity(ctx, target.ActivityID)
	if err != nil {
		return domain.StateSnapshot{}, err
	}
	for _, other := range open {
		if other.ID == sessionID {
			continue
		}
		completed, err := s.sessions.Mutate(ctx, other.ID, func(sess *domain.Session) error {
			sess.Status = domain.SessionCompleted
			at := now
			sess.CompletedAt = &at
			sess.PausedAt = nil
			sess.TimerRemaining = nil
			return nil
		})
		if err != nil {
			return domain.StateSnapshot{}, err
		}
		s.afterMutation(ctx, completed)
		s.appendEvent(ctx, other.ID, "", domain.EventSessionComplete, map[string]any{"forcedBy": sessionID}, nil)
	}

	session, err := s.sessions.Mutate(ctx, sessionID, func(sess *domain.Session) error {
		if sess.Status != domain.SessionReady {
			return domain.ErrInvalidTransition
		}
		sess.Status = domain.SessionActive
		sess.CurrentQuestion = 0
		sess.QuestionStartAt = now
		sess.QuestionOrder = s.questionOrder(sess)
		return nil
	})
	if err != nil {
		return domain.StateSnapshot{}, err
	}

	snap := s.afterMutation(ctx, session)
	latency := time.Since(began).Milliseconds()
	s.appendEvent(ctx, sessionID, actorID, domain.EventSessionStart, map[string]any{"questionCount": session.QuestionCount}, &latency)
	s.log.Info().Str("session", sessionID).Str("actor", actorID).Int64("latency_ms", latency).Msg("session started")
	return snap, nil
}

// Pause freezes the current question's timer. The remaining seconds are
// snapshotted so resume can continue where the timer left off.
func (s *SessionService) Pause(ctx context.Context, sessionID, actorID string) (domain.StateSnapshot, error) {
	began := time.Now()
	now := s.now().Unix()

	session, err := s.sessions.Mutate(ctx, sessionID, func(sess *domain.Session) error {
		if sess.Status != domain.SessionActive {
			return domain.ErrInvalidTransition
		}
		remaining := sess.Remaining(now)
		sess.TimerRemaining = &remaining
		at := now
		sess.PausedAt = &at
		sess.Status = domain.SessionPaused
		return nil
	})
	if err != nil {
		return domain.StateSnapshot{}, err
	}

	snap := s.afterMutation(ctx, session)
	latency := time.Since(began).Milliseconds()
	s.appendEvent(ctx, sessionID, actorID, domain.EventSessionPause, map[string]any{"timerRemaining": snap.TimerRemaining}, &latency)
	return snap, nil
}

// Resume reopens a paused session. The effective question start time is
// recomputed so the remaining time equals the snapshot stored at pause: the
// timer continues, it does not restart.
func (s *SessionService) Resume(ctx context.Context, sessionID, actorID string) (domain.StateSnapshot, error) {
	began := time.Now()
	now := s.now().Unix()

	session, err := s.sessions.Mutate(ctx, sessionID, func(sess *domain.Session) error {
		if sess.Status != domain.SessionPaused {
			return domain.ErrInvalidTransition
		}
		if sess.PausedAt != nil {
			sess.PauseDuration += now - *sess.PausedAt
		}
		remaining := int64(sess.TimeLimit)
		if sess.TimerRemaining != nil {
			remaining = *sess.TimerRemaining
		}
		sess.QuestionStartAt = now - (int64(sess.TimeLimit) - remaining)
		sess.PausedAt = nil
		sess.TimerRemaining = nil
		sess.Status = domain.SessionActive
		return nil
	})
	if err != nil {
		return domain.StateSnapshot{}, err
	}

	snap := s.afterMutation(ctx, session)
	latency := time.Since(began).Milliseconds()
	s.appendEvent(ctx, sessionID, actorID, domain.EventSessionResume, map[string]any{"pauseDuration": session.PauseDuration}, &latency)
	return snap, nil
}

// NextQuestion advances the current-question pointer and resets every
// connection's answered flag; on the last question it completes the session
// instead. Returns the broadcast payload describing the new state.
func (s *SessionService) NextQuestion(ctx context.Context, sessionID, actorID string) (domain.StateSnapshot, error) {
	began := time.Now()
	now := s.now().Unix()

	var completedNow bool
	session, err := s.sessions.Mutate(ctx, sessionID, func(sess *domain.Session) error {
		if sess.Status != domain.SessionActive {
			return domain.ErrInvalidTransition
		}
		if sess.OnLastQuestion() {
			sess.Status = domain.SessionCompleted
			at := now
			sess.CompletedAt = &at
			completedNow = true
			return nil
		}
		sess.CurrentQuestion++
		sess.QuestionStartAt = now
		return nil
	})
	if err != nil {
		return domain.StateSnapshot{}, err
	}

	if !completedNow {
		if err := s.conns.ResetAnswered(ctx, sessionID); err != nil {
			s.log.Warn().Err(err).Str("session", sessionID).Msg("reset answered flags failed")
		}
	}

	snap := s.afterMutation(ctx, session)
	latency := time.Since(began).Milliseconds()
	if completedNow {
		s.appendEvent(ctx, sessionID, actorID, domain.EventSessionComplete, nil, &latency)
	} else {
		s.appendEvent(ctx, sessionID, actorID, domain.EventQuestionAdvance, map[string]any{"currentQuestion": session.CurrentQuestion}, &latency)
	}
	return snap, nil
}

// State returns the aggregate session view. It is read-through cached with a
// short TTL; singleflight collapses concurrent rebuilds under polling load.
func (s *SessionService) State(ctx context.Context, sessionID string) (domain.StateSnapshot, error) {
	if snap, ok := s.cache.Get(ctx, sessionID); ok {
		return snap, nil
	}

	v, err, _ := s.sf.Do(sessionID, func() (interface{}, error) {
		if snap, ok := s.cache.Get(ctx, sessionID); ok {
			return snap, nil
		}
		session, err := s.sessions.Get(ctx, sessionID)
		if err != nil {
			return domain.StateSnapshot{}, err
		}
		snap := s.snapshot(ctx, session)
		s.cache.Set(ctx, sessionID, snap)
		return snap, nil
	})
	if err != nil {
		return domain.StateSnapshot{}, err
	}
	return v.(domain.StateSnapshot), nil
}

// ClientState returns the per-participant view: the snapshot plus the current
// question content and the participant's own answered flag. Always reads the
// authoritative row; the answered flag must not lag an advance.
func (s *SessionService) ClientState(ctx context.Context, sessionID, participantID string) (domain.ClientState, error) {
	session, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return domain.ClientState{}, err
	}

	state := domain.ClientState{StateSnapshot: s.snapshot(ctx, session)}
	if session.Status == domain.SessionActive || session.Status == domain.SessionPaused {
		if q, err := s.questionAt(ctx, session, session.CurrentQuestion); err == nil {
			state.Question = q.View(session.TimeLimit)
		}
	}
	if conn, ok, err := s.conns.GetByParticipant(ctx, sessionID, participantID); err == nil && ok {
		state.Answered = conn.QuestionAnswered
	}
	return state, nil
}

// Events returns the most recent audit records for the session.
func (s *SessionService) Events(ctx context.Context, sessionID string, limit int) ([]domain.LogEvent, error) {
	if _, err := s.sessions.Get(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.events.ListBySession(ctx, sessionID, limit)
}

// Subscribe returns a channel receiving state broadcasts for the session.
// The caller must invoke the cancel function to avoid leaks.
func (s *SessionService) Subscribe(ctx context.Context, sessionID string) (<-chan domain.StateSnapshot, func(), error) {
	if _, err := s.sessions.Get(ctx, sessionID); err != nil {
		return nil, nil, err
	}
	ch, cancel := s.bcast.subscribe(sessionID)
	return ch, cancel, nil
}

// Question resolves a question id within the session's order. Fails with
// ErrQuestionNotFound when the question does not belong to the session.
func (s *SessionService) Question(ctx context.Context, session domain.Session, questionID string) (domain.Question, int, error) {
	activity, err := s.questions.GetActivity(ctx, session.ActivityID)
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

// afterMutation invalidates the cached aggregate view and broadcasts the new
// snapshot to subscribers. Called after every lifecycle write.
func (s *SessionService) afterMutation(ctx context.Context, session domain.Session) domain.StateSnapshot {
	s.cache.Invalidate(ctx, session.ID)
	snap := s.snapshot(ctx, session)
	s.bcast.publish(session.ID, snap)
	return snap
}

func (s *SessionService) snapshot(ctx context.Context, session domain.Session) domain.StateSnapshot {
	now := s.now().Unix()
	snap := domain.StateSnapshot{
		SessionID:       session.ID,
		Status:          session.Status,
		CurrentQuestion: session.CurrentQuestion,
		QuestionCount:   session.QuestionCount,
		TimerRemaining:  session.Remaining(now),
		UpdatedAt:       now,
	}
	if session.Status == domain.SessionActive || session.Status == domain.SessionPaused {
		if q, err := s.questionAt(ctx, session, session.CurrentQuestion); err == nil {
			snap.QuestionID = q.ID
		}
	}
	return snap
}

func (s *SessionService) questionAt(ctx context.Context, session domain.Session, position int) (domain.Question, error) {
	activity, err := s.questions.GetActivity(ctx, session.ActivityID)
	if err != nil {
		return domain.Question{}, err
	}
	if position < 0 || position >= len(session.QuestionOrder) {
		return domain.Question{}, domain.ErrQuestionNotFound
	}
	idx := session.QuestionOrder[position]
	if idx < 0 || idx >= len(activity.Questions) {
		return domain.Question{}, domain.ErrQuestionNotFound
	}
	return activity.Questions[idx], nil
}

func (s *SessionService) questionOrder(sess *domain.Session) []int {
	order := make([]int, sess.QuestionCount)
	for i := range order {
		order[i] = i
	}
	if sess.ShuffleQuestions {
		s.rnd.Shuffle(len(order), func(i, j int) {
			order[i], order[j] = order[j], order[i]
		})
	}
	return order
}

func (s *SessionService) appendEvent(ctx context.Context, sessionID, actorID, eventType string, payload map[string]any, latencyMS *int64) {
	e := domain.LogEvent{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		ActorID:   actorID,
		Type:      eventType,
		Payload:   payload,
		LatencyMS: latencyMS,
		At:        s.now().Unix(),
	}
	if err := s.events.Append(ctx, e); err != nil {
		s.log.Warn().Err(err).Str("session", sessionID).Str("event", eventType).Msg("event log append failed")
	}
}
