package domain

import "time"

// SessionStatus is the lifecycle state of a quiz session.
type SessionStatus string

const (
	SessionReady     SessionStatus = "ready"
	SessionActive    SessionStatus = "active"
	SessionPaused    SessionStatus = "paused"
	SessionCompleted SessionStatus = "completed"
)

// Transport identifies how a participant receives state updates.
type Transport string

const (
	TransportPolling Transport = "polling"
	TransportSSE     Transport = "sse"
)

// ConnectionStatus is the liveness state of a participant connection.
type ConnectionStatus string

const (
	ConnectionConnected    ConnectionStatus = "connected"
	ConnectionDisconnected ConnectionStatus = "disconnected"
	ConnectionAnswering    ConnectionStatus = "answering"
)

// QuestionType is a closed set; validation and scoring dispatch on it.
type QuestionType string

const (
	QuestionMultiChoice QuestionType = "multichoice"
	QuestionTrueFalse   QuestionType = "truefalse"
	QuestionShortAnswer QuestionType = "shortanswer"
)

// Session is one live run of a quiz for an activity. All timer state is plain
// timestamps and accumulated durations; remaining time is recomputed on read.
type Session struct {
	ID               string        `json:"id"`
	ActivityID       string        `json:"activityId"`
	QuestionCount    int           `json:"questionCount"`
	QuestionOrder    []int         `json:"questionOrder"`
	TimeLimit        int           `json:"timeLimit"` // seconds per question
	ShuffleQuestions bool          `json:"shuffleQuestions"`
	Status           SessionStatus `json:"status"`
	CurrentQuestion  int           `json:"currentQuestion"`   // 0-based index into QuestionOrder
	QuestionStartAt  int64         `json:"questionStartTime"` // epoch seconds; adjusted on resume
	PausedAt         *int64        `json:"pausedAt,omitempty"`
	PauseDuration    int64         `json:"pauseDuration"` // cumulative seconds paused
	TimerRemaining   *int64        `json:"timerRemaining,omitempty"`
	CreatedAt        int64         `json:"createdAt"`
	CompletedAt      *int64        `json:"completedAt,omitempty"`
}

// Connection is a participant's current logical channel into a session,
// independent of the underlying network transport's lifetime.
type Connection struct {
	ID               string           `json:"connectionId"`
	SessionID        string           `json:"sessionId"`
	ParticipantID    string           `json:"participantId"`
	Transport        Transport        `json:"transport"`
	Status           ConnectionStatus `json:"status"`
	LastHeartbeat    int64            `json:"lastHeartbeat"`
	LatencyMS        int64            `json:"latencyMs"`
	QuestionAnswered bool             `json:"currentQuestionAnswered"`
	ConnectedAt      int64            `json:"connectedAt"`
	DisconnectedAt   *int64           `json:"disconnectedAt,omitempty"`
}

// Response is one accepted answer. Immutable once created; exactly one per
// (session, question, participant).
type Response struct {
	ID             string `json:"id"`
	SessionID      string `json:"sessionId"`
	QuestionID     string `json:"questionId"`
	ParticipantID  string `json:"participantId"`
	Answer         string `json:"answer"`
	Correct        bool   `json:"correct"`
	ElapsedSeconds int64  `json:"elapsedSeconds"`
	IsLate         bool   `json:"isLate"`
	SubmittedAt    int64  `json:"submittedAt"`
}

// QueuedResponse is a response awaiting asynchronous commit (store-and-forward
// submission from offline clients). Never mutated after Processed flips true.
type QueuedResponse struct {
	ID              string `json:"id"`
	SessionID       string `json:"sessionId"`
	QuestionID      string `json:"questionId"`
	ParticipantID   string `json:"participantId"`
	Answer          string `json:"answer"`
	ClientTimestamp *int64 `json:"clientTimestamp,omitempty"`
	ServerTimestamp int64  `json:"serverTimestamp"`
	Processed       bool   `json:"processed"`
}

// Choice is one selectable option of a multiple-choice question.
type Choice struct {
	Label string `json:"label"` // "a".."e"
	Text  string `json:"text"`
}

// Question models quiz content. Answer holds the canonical correct answer:
// a choice label, "true"/"false", or the expected short-answer text.
type Question struct {
	ID      string       `json:"id"`
	Index   int          `json:"index"`
	Type    QuestionType `json:"type"`
	Prompt  string       `json:"prompt"`
	Choices []Choice     `json:"choices,omitempty"`
	Answer  string       `json:"answer"`
}

// Activity is the authored question set a session runs against.
type Activity struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Questions []Question `json:"questions"`
}

// LogEvent is an append-only audit record for a session.
type LogEvent struct {
	ID        string         `json:"id"`
	SessionID string         `json:"sessionId"`
	ActorID   string         `json:"actorId,omitempty"` // empty for system events
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	LatencyMS *int64         `json:"latencyMs,omitempty"`
	At        int64          `json:"at"`
}

// Session log event types.
const (
	EventSessionStart       = "session_start"
	EventSessionPause       = "session_pause"
	EventSessionResume      = "session_resume"
	EventQuestionAdvance    = "question_advance"
	EventSessionComplete    = "session_complete"
	EventConnectionRegister = "connection_register"
	EventConnectionClose    = "connection_disconnect"
	EventHeartbeatReconnect = "heartbeat_reconnect"
	EventHeartbeatTimeout   = "heartbeat_timeout"
)

// ConnectionStats summarizes the registry for one session.
type ConnectionStats struct {
	Total         int     `json:"total"`
	Active        int     `json:"active"`
	Disconnected  int     `json:"disconnected"`
	Stale         int     `json:"stale"`
	MeanLatencyMS float64 `json:"meanLatencyMs"`
}

// RateDecision is the outcome of a rate limiter check or peek.
type RateDecision struct {
	Allowed   bool          `json:"allowed"`
	Limit     int           `json:"limit"`
	Remaining int           `json:"remaining"`
	ResetsIn  time.Duration `json:"resetsIn"`
}

// QuestionView is the client-facing projection of a question: the canonical
// answer is stripped, choices are kept.
type QuestionView struct {
	ID        string       `json:"id"`
	Index     int          `json:"index"`
	Type      QuestionType `json:"type"`
	Prompt    string       `json:"prompt"`
	Choices   []Choice     `json:"choices,omitempty"`
	TimeLimit int          `json:"timeLimit"`
}

// StateSnapshot is the small delta payload broadcast on every lifecycle change
// and returned by the aggregate state read. Identical over every transport.
type StateSnapshot struct {
	SessionID       string        `json:"sessionId"`
	Status          SessionStatus `json:"status"`
	CurrentQuestion int           `json:"currentQuestion"`
	QuestionCount   int           `json:"questionCount"`
	QuestionID      string        `json:"questionId,omitempty"`
	TimerRemaining  int64         `json:"timerRemaining"`
	UpdatedAt       int64         `json:"updatedAt"`
}

// ClientState is the full per-participant projection: the snapshot plus the
// current question content and the participant's own answered flag. Used for
// reconnection and polling; the SSE stream sends it as its first frame.
type ClientState struct {
	StateSnapshot
	Question *QuestionView `json:"question,omitempty"`
	Answered bool          `json:"answered"`
}

// View returns the client-facing projection of q.
func (q Question) View(timeLimit int) *QuestionView {
	return &QuestionView{
		ID:        q.ID,
		Index:     q.Index,
		Type:      q.Type,
		Prompt:    q.Prompt,
		Choices:   q.Choices,
		TimeLimit: timeLimit,
	}
}
