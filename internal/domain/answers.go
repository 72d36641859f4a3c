package domain

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// MaxShortAnswerLen caps short-answer text after trimming.
const MaxShortAnswerLen = 500

// choiceLabels is the accepted multiple-choice alphabet.
var choiceLabels = map[string]struct{}{
	"a": {}, "b": {}, "c": {}, "d": {}, "e": {},
}

// boolTokens maps accepted true/false synonyms to their boolean value.
var boolTokens = map[string]bool{
	"true": true, "t": true, "yes": true, "y": true, "1": true,
	"false": false, "f": false, "no": false, "n": false, "0": false,
}

// Verdict is the outcome of format validation. Reason is non-empty iff invalid.
type Verdict struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

func valid() Verdict                { return Verdict{Valid: true} }
func invalid(reason string) Verdict { return Verdict{Valid: false, Reason: reason} }

// ValidateAnswer is a format-only check with no I/O. It never fails with an
// error; malformed input yields an invalid verdict with a readable reason.
func ValidateAnswer(qt QuestionType, answer string) Verdict {
	trimmed := strings.TrimSpace(answer)
	switch qt {
	case QuestionMultiChoice:
		if _, ok := choiceLabels[strings.ToLower(trimmed)]; !ok {
			return invalid(fmt.Sprintf("answer must be one of a-e, got %q", answer))
		}
		return valid()
	case QuestionTrueFalse:
		if _, ok := boolTokens[strings.ToLower(trimmed)]; !ok {
			return invalid(fmt.Sprintf("answer must be a true/false value, got %q", answer))
		}
		return valid()
	case QuestionShortAnswer:
		if trimmed == "" {
			return invalid("answer must not be empty")
		}
		if utf8.RuneCountInString(trimmed) > MaxShortAnswerLen {
			return invalid(fmt.Sprintf("answer exceeds %d characters", MaxShortAnswerLen))
		}
		return valid()
	default:
		return invalid(fmt.Sprintf("unknown question type %q", qt))
	}
}

// NormalizeBool reports the boolean value of a true/false token and whether
// the token is recognized.
func NormalizeBool(token string) (value, ok bool) {
	value, ok = boolTokens[strings.ToLower(strings.TrimSpace(token))]
	return value, ok
}

// EvaluateAnswer reports whether answer matches the question's canonical
// answer: boolean-normalized for true/false, case-insensitive exact match
// otherwise. Lateness plays no part here.
func EvaluateAnswer(q Question, answer string) bool {
	switch q.Type {
	case QuestionTrueFalse:
		got, okGot := NormalizeBool(answer)
		want, okWant := NormalizeBool(q.Answer)
		return okGot && okWant && got == want
	default:
		return strings.EqualFold(strings.TrimSpace(answer), strings.TrimSpace(q.Answer))
	}
}
