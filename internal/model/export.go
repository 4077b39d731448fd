package model

import "time"

// SessionReport is the JSON structure written after a completed session.
type SessionReport struct {
	SessionID   string           `json:"session_id"`
	Config      SessionConfig    `json:"config"`
	StartedAt   time.Time        `json:"started_at"`
	FinishedAt  time.Time        `json:"finished_at"`
	Expired     bool             `json:"expired"`
	EarnedMarks int              `json:"earned_marks"`
	TotalMarks  int              `json:"total_marks"`
	Percent     int              `json:"percent"`
	Questions   []ReportQuestion `json:"questions"`
	Feedback    FeedbackStatus   `json:"feedback"`
}

// ReportQuestion holds per-question data for the report.
type ReportQuestion struct {
	ID              string       `json:"id"`
	Text            string       `json:"text"`
	Section         string       `json:"section,omitempty"`
	Kind            QuestionKind `json:"kind"`
	Marks           int          `json:"marks"`
	Submitted       string       `json:"submitted,omitempty"`
	CanonicalAnswer string       `json:"canonical_answer"`
	Status          AnswerStatus `json:"status"`
}
