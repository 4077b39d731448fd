// Package scoring grades a completed exam session.
//
// Single-choice answers must match the canonical option exactly. Free-text
// answers are accepted when the normalized submission is a substring of the
// normalized canonical answer. The substring rule is a known approximation:
// it over-accepts short fragments and rejects paraphrases. Changing it
// changes graded outcomes.
package scoring

import (
	"strings"

	"github.com/pavelanni/mocktest/internal/model"
)

// Score grades every question. It is a pure function of its inputs.
func Score(questions []model.Question, answers model.Answers) model.ScoreResult {
	res := model.ScoreResult{
		Incorrect: []model.IncorrectItem{},
		Outcomes:  make([]model.QuestionOutcome, 0, len(questions)),
	}

	for _, q := range questions {
		marks := marksOf(q)
		res.TotalMarks += marks

		out := model.QuestionOutcome{
			QuestionID:      q.ID,
			CanonicalAnswer: q.CanonicalAnswer,
			Marks:           marks,
		}

		submitted, ok := answers[q.ID]
		switch {
		case !ok || strings.TrimSpace(submitted) == "":
			// Skipped questions are not diagnostic, so they stay out of Incorrect.
			out.Status = model.StatusUnanswered
		case IsCorrect(q, submitted):
			out.Submitted = submitted
			out.Status = model.StatusCorrect
			out.Earned = marks
			res.EarnedMarks += marks
		default:
			out.Submitted = submitted
			out.Status = model.StatusIncorrect
			res.Incorrect = append(res.Incorrect, model.IncorrectItem{
				Question:        q,
				CanonicalAnswer: q.CanonicalAnswer,
			})
		}
		res.Outcomes = append(res.Outcomes, out)
	}
	return res
}

// IsCorrect grades a single submission.
func IsCorrect(q model.Question, submitted string) bool {
	switch q.Kind {
	case model.KindSingleChoice:
		return submitted == q.CanonicalAnswer
	default:
		return FuzzyMatch(q.CanonicalAnswer, submitted)
	}
}

// FuzzyMatch reports whether the trimmed, lower-cased submission is a
// non-empty substring of the canonical answer after markup stripping.
func FuzzyMatch(canonical, submitted string) bool {
	s := normalizeSubmission(submitted)
	if s == "" {
		return false
	}
	return strings.Contains(normalizeCanonical(canonical), s)
}

func normalizeSubmission(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func normalizeCanonical(s string) string {
	return strings.ToLower(strings.TrimSpace(StripMarkup(s)))
}

func marksOf(q model.Question) int {
	if q.Marks < 1 {
		return 1
	}
	return q.Marks
}
