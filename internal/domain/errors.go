package domain

import "errors"

var (
	// ErrSessionNotFound is returned when the session id is unknown.
	ErrSessionNotFound = errors.New("session not found")
	// ErrActivityNotFound indicates the activity's question set could not be loaded.
	ErrActivityNotFound = errors.New("activity not found")
	// ErrQuestionNotFound indicates the question does not belong to the session.
	ErrQuestionNotFound = errors.New("question not found")
	// ErrInvalidTransition is returned when a lifecycle precondition is violated,
	// e.g. pausing a session that is not active.
	ErrInvalidTransition = errors.New("invalid session state for transition")
	// ErrSessionNotActive is returned by the capture pipeline when the session is
	// not open for answers.
	ErrSessionNotActive = errors.New("session not active")
	// ErrInvalidAnswer indicates the answer failed format validation.
	ErrInvalidAnswer = errors.New("invalid answer format")
	// ErrDuplicateResponse indicates an answer is already recorded for the
	// (session, question, participant) triple; the first answer stands.
	ErrDuplicateResponse = errors.New("response already recorded")
	// ErrConnectionNotFound indicates the connection id is unknown.
	ErrConnectionNotFound = errors.New("connection not found")
	// ErrConnectionMismatch indicates the connection id belongs to a different session.
	ErrConnectionMismatch = errors.New("connection belongs to a different session")
	// ErrRateLimited indicates the (actor, action) bucket is exhausted.
	ErrRateLimited = errors.New("rate limit exceeded")
	// ErrBatchTooLarge indicates a batch submission exceeded the per-call cap.
	ErrBatchTooLarge = errors.New("batch exceeds maximum size")
)
