package domain

// Timer arithmetic. The session never holds a live countdown; every value here
// is a pure function of stored timestamps, so paused intervals fall out of the
// math instead of needing a ticking process. Resume rewrites QuestionStartAt so
// that the timer continues where it left off.

// Remaining reports the seconds left on the current question at the given
// instant, never negative. While paused it is the frozen snapshot taken at
// pause time; before start it is the full time limit.
func (s *Session) Remaining(now int64) int64 {
	switch s.Status {
	case SessionActive:
		left := int64(s.TimeLimit) - (now - s.QuestionStartAt)
		if left < 0 {
			return 0
		}
		return left
	case SessionPaused:
		if s.TimerRemaining != nil {
			return *s.TimerRemaining
		}
		return 0
	case SessionReady:
		return int64(s.TimeLimit)
	default:
		return 0
	}
}

// QuestionExpiry is the epoch second at which the current question's timer
// runs out. Only meaningful while the session is active, since resume shifts
// QuestionStartAt forward by the paused interval.
func (s *Session) QuestionExpiry() int64 {
	return s.QuestionStartAt + int64(s.TimeLimit)
}

// QuestionExpired reports whether the timer had already run out at the given
// instant. Submissions after expiry are accepted but flagged late.
func (s *Session) QuestionExpired(at int64) bool {
	return at > s.QuestionExpiry()
}

// Elapsed reports how long the current question has been open at the given
// instant, excluding time spent paused, never negative.
func (s *Session) Elapsed(at int64) int64 {
	elapsed := at - s.QuestionStartAt
	if elapsed < 0 {
		return 0
	}
	return elapsed
}

// OnLastQuestion reports whether CurrentQuestion points at the final question.
func (s *Session) OnLastQuestion() bool {
	return s.CurrentQuestion >= s.QuestionCount-1
}
