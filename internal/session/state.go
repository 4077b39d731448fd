package session

import (
	"maps"
	"slices"
	"time"

	"github.com/pavelanni/mocktest/internal/model"
)

// State is everything a session owns. Snapshots handed out by the
// Controller are deep copies.
type State struct {
	ID               string               `json:"id,omitempty"`
	Config           model.SessionConfig  `json:"config"`
	Questions        []model.Question     `json:"questions"`
	Answers          model.Answers        `json:"answers"`
	Phase            model.Phase          `json:"phase"`
	RemainingSeconds int                  `json:"remaining_seconds"`
	CurrentIndex     int                  `json:"current_index"`
	Score            *model.ScoreResult   `json:"score,omitempty"`
	Feedback         model.FeedbackStatus `json:"feedback"`
	StartedAt        time.Time            `json:"started_at,omitzero"`
	FinishedAt       time.Time            `json:"finished_at,omitzero"`
	Expired          bool                 `json:"expired"`
}

func freshState() State {
	return State{
		Answers:  model.Answers{},
		Phase:    model.PhaseConfiguring,
		Feedback: model.FeedbackStatus{State: model.FeedbackNotRequested},
	}
}

func (s State) clone() State {
	s.Questions = slices.Clone(s.Questions)
	s.Answers = maps.Clone(s.Answers)
	if s.Score != nil {
		sc := *s.Score
		sc.Incorrect = slices.Clone(sc.Incorrect)
		sc.Outcomes = slices.Clone(sc.Outcomes)
		s.Score = &sc
	}
	if s.Feedback.Result != nil {
		fb := *s.Feedback.Result
		fb.Recommendations = slices.Clone(fb.Recommendations)
		s.Feedback.Result = &fb
	}
	return s
}

func (s State) hasQuestion(id string) bool {
	for _, q := range s.Questions {
		if q.ID == id {
			return true
		}
	}
	return false
}

// Report builds the exportable summary of a completed session.
func (s State) Report() model.SessionReport {
	r := model.SessionReport{
		SessionID:  s.ID,
		Config:     s.Config,
		StartedAt:  s.StartedAt,
		FinishedAt: s.FinishedAt,
		Expired:    s.Expired,
		Feedback:   s.Feedback,
		Questions:  make([]model.ReportQuestion, 0, len(s.Questions)),
	}
	outcomes := map[string]model.QuestionOutcome{}
	if s.Score != nil {
		r.EarnedMarks = s.Score.EarnedMarks
		r.TotalMarks = s.Score.TotalMarks
		r.Percent = s.Score.Percent()
		for _, o := range s.Score.Outcomes {
			outcomes[o.QuestionID] = o
		}
	}
	for _, q := range s.Questions {
		o := outcomes[q.ID]
		r.Questions = append(r.Questions, model.ReportQuestion{
			ID:              q.ID,
			Text:            q.Text,
			Section:         q.Section,
			Kind:            q.Kind,
			Marks:           q.Marks,
			Submitted:       s.Answers[q.ID],
			CanonicalAnswer: q.CanonicalAnswer,
			Status:          o.Status,
		})
	}
	return r
}
