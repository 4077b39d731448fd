// Package sampling selects and orders the questions of an exam session.
package sampling

import (
	"context"
	"fmt"
	"math/rand/v2"

	"github.com/pavelanni/mocktest/internal/bank"
	"github.com/pavelanni/mocktest/internal/model"
)

// Sample returns the ordered questions for a session. A config naming a
// paper yields that paper's questions in authored order and ignores
// QuestionCount. Otherwise the whole bank is shuffled and truncated to
// QuestionCount. Only bank lookups can fail.
func Sample(ctx context.Context, src bank.Source, cfg model.SessionConfig) ([]model.Question, error) {
	if cfg.FixedPaper() {
		paper, err := src.Paper(ctx, cfg.PaperID)
		if err != nil {
			return nil, fmt.Errorf("load paper: %w", err)
		}
		return Unique(paper.Questions()), nil
	}

	all, err := src.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("load bank: %w", err)
	}
	return Random(all, cfg.QuestionCount), nil
}

// Random draws up to count questions uniformly without replacement. When
// count exceeds the bank, or is not positive, the whole bank is returned
// shuffled. The input slice is not modified.
func Random(questions []model.Question, count int) []model.Question {
	shuffled := Unique(questions)

	// rand.Shuffle is an unbiased Fisher–Yates shuffle seeded per process.
	rand.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	if count > 0 && count < len(shuffled) {
		shuffled = shuffled[:count]
	}
	return shuffled
}

// Unique returns a copy of questions keeping the first occurrence of each ID.
func Unique(questions []model.Question) []model.Question {
	seen := make(map[string]bool, len(questions))
	out := make([]model.Question, 0, len(questions))
	for _, q := range questions {
		if seen[q.ID] {
			continue
		}
		seen[q.ID] = true
		out = append(out, q)
	}
	return out
}
