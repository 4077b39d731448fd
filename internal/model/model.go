package model

import "math"

// QuestionKind distinguishes how a submitted answer is graded.
type QuestionKind string

const (
	// KindSingleChoice is graded by exact, case-sensitive comparison.
	KindSingleChoice QuestionKind = "single-choice"
	// KindFreeText is graded by the lenient substring match.
	KindFreeText QuestionKind = "free-text"
)

// Phase is the stage of an exam session.
type Phase string

const (
	PhaseConfiguring Phase = "configuring"
	PhaseRunning     Phase = "running"
	PhaseGrading     Phase = "grading"
	PhaseComplete    Phase = "complete"
)

// FeedbackState tracks the post-test analysis lifecycle inside the Complete phase.
type FeedbackState string

const (
	FeedbackNotRequested FeedbackState = "not_requested"
	FeedbackPending      FeedbackState = "pending"
	FeedbackReady        FeedbackState = "ready"
	FeedbackFailed       FeedbackState = "failed"
)

// Question is a read-only question record owned by a question bank.
type Question struct {
	ID              string       `json:"id"`
	Text            string       `json:"text"`
	Kind            QuestionKind `json:"kind"`
	Options         []string     `json:"options,omitempty"`
	CanonicalAnswer string       `json:"canonical_answer"`
	Marks           int          `json:"marks"`
	Section         string       `json:"section,omitempty"`
	Topic           string       `json:"topic,omitempty"`
}

// Section groups paper questions under shared instructions.
type Section struct {
	Title        string     `json:"title"`
	Instructions string     `json:"instructions,omitempty"`
	TotalMarks   int        `json:"total_marks"`
	Questions    []Question `json:"questions"`
}

// Paper is a fixed, authored exam paper.
type Paper struct {
	ID              string    `json:"id"`
	Title           string    `json:"title"`
	DurationSeconds int       `json:"duration_seconds"`
	Sections        []Section `json:"sections"`
}

// Questions flattens the paper sections in authored order, tagging each
// question with its section title.
func (p Paper) Questions() []Question {
	var out []Question
	for _, s := range p.Sections {
		for _, q := range s.Questions {
			if q.Section == "" {
				q.Section = s.Title
			}
			out = append(out, q)
		}
	}
	return out
}

// TotalMarks sums the marks of every question in the paper.
func (p Paper) TotalMarks() int {
	total := 0
	for _, q := range p.Questions() {
		total += q.Marks
	}
	return total
}

// SessionConfig is fixed when a session starts and never mutated.
type SessionConfig struct {
	QuestionCount   int    `json:"question_count"`
	DurationSeconds int    `json:"duration_seconds"`
	PaperID         string `json:"paper_id,omitempty"` // non-empty selects fixed-paper mode
	RandomSample    bool   `json:"random_sample"`
}

// FixedPaper reports whether the config selects an authored paper.
func (c SessionConfig) FixedPaper() bool {
	return c.PaperID != ""
}

// Answers maps question IDs to the submitted text.
type Answers map[string]string

// IncorrectItem is an answered-but-wrong question forwarded to feedback.
type IncorrectItem struct {
	Question        Question `json:"question"`
	CanonicalAnswer string   `json:"canonical_answer"`
}

// AnswerStatus describes what happened to one question at grading time.
type AnswerStatus string

const (
	StatusCorrect    AnswerStatus = "correct"
	StatusIncorrect  AnswerStatus = "incorrect"
	StatusUnanswered AnswerStatus = "unanswered"
)

// QuestionOutcome is the graded view of a single question.
type QuestionOutcome struct {
	QuestionID      string       `json:"question_id"`
	Submitted       string       `json:"submitted,omitempty"`
	CanonicalAnswer string       `json:"canonical_answer"`
	Status          AnswerStatus `json:"status"`
	Marks           int          `json:"marks"`
	Earned          int          `json:"earned"`
}

// ScoreResult is computed once per completed session.
type ScoreResult struct {
	EarnedMarks int               `json:"earned_marks"`
	TotalMarks  int               `json:"total_marks"`
	Incorrect   []IncorrectItem   `json:"incorrect"`
	Outcomes    []QuestionOutcome `json:"outcomes"`
}

// Percent returns the rounded percentage score, or 0 for an empty session.
func (s ScoreResult) Percent() int {
	if s.TotalMarks == 0 {
		return 0
	}
	return int(math.Round(float64(s.EarnedMarks) / float64(s.TotalMarks) * 100))
}

// AnalysisItem is the wire shape sent to the analysis service.
type AnalysisItem struct {
	Question      string `json:"question"`
	CorrectAnswer string `json:"correctAnswer"`
}

// Recommendation is one study suggestion from the analysis service.
type Recommendation struct {
	Concept    string `json:"concept"`
	Suggestion string `json:"suggestion"`
}

// Feedback is the advisory post-test analysis.
type Feedback struct {
	Summary         string           `json:"summary"`
	Recommendations []Recommendation `json:"recommendations"`
}

// FeedbackStatus is the observable state of the feedback pipeline.
type FeedbackStatus struct {
	State  FeedbackState `json:"state"`
	Result *Feedback     `json:"result,omitempty"`
	Err    string        `json:"error,omitempty"`
}

// QuestionImport is used for loading questions and papers from JSON.
type QuestionImport struct {
	Questions []Question `json:"questions"`
	Papers    []Paper    `json:"papers"`
}
