package domain

import "testing"

func TestRemainingActive(t *testing.T) {
	s := Session{Status: SessionActive, TimeLimit: 30, QuestionStartAt: 1000}

	if got := s.Remaining(1000); got != 30 {
		t.Fatalf("expected 30 at start, got %d", got)
	}
	if got := s.Remaining(1010); got != 20 {
		t.Fatalf("expected 20 after 10s, got %d", got)
	}
	if got := s.Remaining(1045); got != 0 {
		t.Fatalf("expected 0 past expiry, got %d", got)
	}
}

func TestRemainingPausedUsesSnapshot(t *testing.T) {
	remaining := int64(12)
	s := Session{Status: SessionPaused, TimeLimit: 30, QuestionStartAt: 1000, TimerRemaining: &remaining}

	// the wall clock keeps moving, the frozen value does not
	if got := s.Remaining(5000); got != 12 {
		t.Fatalf("expected frozen 12, got %d", got)
	}
}

func TestRemainingByStatus(t *testing.T) {
	ready := Session{Status: SessionReady, TimeLimit: 30}
	if got := ready.Remaining(1000); got != 30 {
		t.Fatalf("expected full limit while ready, got %d", got)
	}
	done := Session{Status: SessionCompleted, TimeLimit: 30, QuestionStartAt: 1000}
	if got := done.Remaining(1005); got != 0 {
		t.Fatalf("expected 0 when completed, got %d", got)
	}
}

func TestQuestionExpired(t *testing.T) {
	s := Session{Status: SessionActive, TimeLimit: 30, QuestionStartAt: 1000}

	if s.QuestionExpired(1030) {
		t.Fatal("boundary instant is not expired")
	}
	if !s.QuestionExpired(1031) {
		t.Fatal("one second past expiry should be expired")
	}
}

func TestElapsedClampsNegative(t *testing.T) {
	s := Session{Status: SessionActive, TimeLimit: 30, QuestionStartAt: 1000}
	if got := s.Elapsed(990); got != 0 {
		t.Fatalf("expected 0 before start, got %d", got)
	}
	if got := s.Elapsed(1017); got != 17 {
		t.Fatalf("expected 17, got %d", got)
	}
}

func TestOnLastQuestion(t *testing.T) {
	s := Session{QuestionCount: 3, CurrentQuestion: 1}
	if s.OnLastQuestion() {
		t.Fatal("question 1 of 3 is not last")
	}
	s.CurrentQuestion = 2
	if !s.OnLastQuestion() {
		t.Fatal("question 2 of 3 is last")
	}
}
