// Package bank defines the read-only question bank consumed by exam sessions.
package bank

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/pavelanni/mocktest/internal/model"
)

// ErrPaperNotFound is returned when a paper ID is unknown to the bank.
var ErrPaperNotFound = errors.New("paper not found")

// Source supplies questions to the session engine.
type Source interface {
	// All returns the full bank in stable order.
	All(ctx context.Context) ([]model.Question, error)
	// Paper returns an authored paper by ID.
	Paper(ctx context.Context, id string) (model.Paper, error)
}

// PaperLister is implemented by sources that can enumerate their papers.
type PaperLister interface {
	Papers(ctx context.Context) ([]model.Paper, error)
}

// Static is an in-memory Source.
type Static struct {
	questions []model.Question
	papers    []model.Paper
}

var (
	_ Source      = (*Static)(nil)
	_ PaperLister = (*Static)(nil)
)

// NewStatic creates a Static bank. Inputs are normalized but not validated.
func NewStatic(questions []model.Question, papers ...model.Paper) *Static {
	s := &Static{}
	for i, q := range questions {
		s.questions = append(s.questions, Normalize(q, fmt.Sprintf("q%d", i+1)))
	}
	for _, p := range papers {
		s.papers = append(s.papers, NormalizePaper(p))
	}
	return s
}

// All implements Source.
func (s *Static) All(context.Context) ([]model.Question, error) {
	out := make([]model.Question, len(s.questions))
	copy(out, s.questions)
	return out, nil
}

// Paper implements Source.
func (s *Static) Paper(_ context.Context, id string) (model.Paper, error) {
	for _, p := range s.papers {
		if p.ID == id {
			return p, nil
		}
	}
	return model.Paper{}, fmt.Errorf("%w: %q", ErrPaperNotFound, id)
}

// Papers implements PaperLister.
func (s *Static) Papers(context.Context) ([]model.Paper, error) {
	out := make([]model.Paper, len(s.papers))
	copy(out, s.papers)
	return out, nil
}

// Normalize fills defaults on a question: a missing ID gets fallbackID, a
// missing kind is inferred from the presence of options and marks below one
// become one.
func Normalize(q model.Question, fallbackID string) model.Question {
	if q.ID == "" {
		q.ID = fallbackID
	}
	if q.Kind == "" {
		if len(q.Options) > 0 {
			q.Kind = model.KindSingleChoice
		} else {
			q.Kind = model.KindFreeText
		}
	}
	if q.Marks < 1 {
		q.Marks = 1
	}
	return q
}

// DefaultPaperDuration is the time limit in seconds of a paper that does not
// set its own.
const DefaultPaperDuration = 180 * 60

// NormalizePaper normalizes every question of a paper. Questions without an
// ID are keyed by paper, section and position. Section totals default to the
// sum of their question marks and a missing duration to DefaultPaperDuration.
func NormalizePaper(p model.Paper) model.Paper {
	if p.DurationSeconds <= 0 {
		p.DurationSeconds = DefaultPaperDuration
	}
	sections := make([]model.Section, len(p.Sections))
	for si, s := range p.Sections {
		qs := make([]model.Question, len(s.Questions))
		total := 0
		for qi, q := range s.Questions {
			q = Normalize(q, fmt.Sprintf("%s-%d-%d", p.ID, si, qi))
			if q.Section == "" {
				q.Section = s.Title
			}
			total += q.Marks
			qs[qi] = q
		}
		s.Questions = qs
		if s.TotalMarks == 0 {
			s.TotalMarks = total
		}
		sections[si] = s
	}
	p.Sections = sections
	return p
}

// Validate checks the structural rules of a normalized question.
func Validate(q model.Question) error {
	if strings.TrimSpace(q.Text) == "" {
		return fmt.Errorf("question %s: empty text", q.ID)
	}
	if strings.TrimSpace(q.CanonicalAnswer) == "" {
		return fmt.Errorf("question %s: empty canonical answer", q.ID)
	}
	switch q.Kind {
	case model.KindSingleChoice:
		if len(q.Options) == 0 {
			return fmt.Errorf("question %s: single-choice question has no options", q.ID)
		}
		seen := make(map[string]bool, len(q.Options))
		for _, o := range q.Options {
			if seen[o] {
				return fmt.Errorf("question %s: duplicate option %q", q.ID, o)
			}
			seen[o] = true
		}
		if !slices.Contains(q.Options, q.CanonicalAnswer) {
			return fmt.Errorf("question %s: canonical answer %q is not an option", q.ID, q.CanonicalAnswer)
		}
	case model.KindFreeText:
		if len(q.Options) > 0 {
			return fmt.Errorf("question %s: free-text question has options", q.ID)
		}
	default:
		return fmt.Errorf("question %s: unknown kind %q", q.ID, q.Kind)
	}
	return nil
}

// ParseImport decodes a questions file. The file is either a JSON array of
// questions or an object with "questions" and "papers".
func ParseImport(data []byte) (model.QuestionImport, error) {
	var imp model.QuestionImport
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal(data, &imp.Questions); err != nil {
			return imp, fmt.Errorf("parse questions: %w", err)
		}
	} else if err := json.Unmarshal(data, &imp); err != nil {
		return imp, fmt.Errorf("parse import: %w", err)
	}

	for i, q := range imp.Questions {
		if q.ID == "" {
			return imp, fmt.Errorf("question %d: missing id", i)
		}
		imp.Questions[i] = Normalize(q, q.ID)
		if err := Validate(imp.Questions[i]); err != nil {
			return imp, err
		}
	}
	for i, p := range imp.Papers {
		if p.ID == "" {
			return imp, fmt.Errorf("paper %d: missing id", i)
		}
		imp.Papers[i] = NormalizePaper(p)
		for _, q := range imp.Papers[i].Questions() {
			if err := Validate(q); err != nil {
				return imp, fmt.Errorf("paper %s: %w", p.ID, err)
			}
		}
	}
	return imp, nil
}
