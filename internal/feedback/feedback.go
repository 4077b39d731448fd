// Package feedback drives the post-test analysis of incorrect answers.
package feedback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/pavelanni/mocktest/internal/model"
)

// ErrAlreadyRequested is returned when a session asks for feedback twice.
var ErrAlreadyRequested = errors.New("feedback already requested for session")

// Analyzer is the external analysis service.
type Analyzer interface {
	Analyze(ctx context.Context, items []model.AnalysisItem) (model.Feedback, error)
}

// DeliverFunc receives the final status of an analysis for a session token.
// The receiver must ignore tokens that are no longer current.
type DeliverFunc func(token string, status model.FeedbackStatus)

// PerfectRun is returned without calling the analyzer when nothing was
// answered incorrectly.
var PerfectRun = model.Feedback{
	Summary: "Great job! None of your answers were wrong, so there is nothing specific to fix right now.",
	Recommendations: []model.Recommendation{
		{
			Concept:    "Keep Reviewing",
			Suggestion: "Revisit the chapter summaries and flashcards regularly so the concepts stay fresh.",
		},
	},
}

// Orchestrator runs at most one analysis per session token.
type Orchestrator struct {
	analyzer Analyzer
	logger   *slog.Logger

	mu        sync.Mutex
	lastToken string
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New creates an Orchestrator. A nil logger uses slog.Default.
func New(analyzer Analyzer, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{analyzer: analyzer, logger: logger}
}

// Analyze starts the analysis for the incorrect set of the session
// identified by token and returns the immediate status. An empty set
// resolves synchronously to PerfectRun. Otherwise the analyzer is called
// once in the background, the returned status is pending and deliver later
// receives ready or failed. A new token cancels any call still in flight for
// an older one.
func (o *Orchestrator) Analyze(ctx context.Context, token string, incorrect []model.IncorrectItem, deliver DeliverFunc) (model.FeedbackStatus, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if token == o.lastToken {
		return model.FeedbackStatus{}, fmt.Errorf("%w: %s", ErrAlreadyRequested, token)
	}
	o.cancelLocked()
	o.lastToken = token

	if len(incorrect) == 0 {
		fb := clone(PerfectRun)
		return model.FeedbackStatus{State: model.FeedbackReady, Result: &fb}, nil
	}

	if o.analyzer == nil {
		return model.FeedbackStatus{State: model.FeedbackFailed, Err: "no analysis service configured"}, nil
	}

	callCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	o.cancel = cancel
	items := Items(incorrect)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer cancel()
		status := o.run(callCtx, token, items)
		if callCtx.Err() != nil {
			o.logger.Debug("dropping feedback for cancelled session", "session_id", token)
			return
		}
		deliver(token, status)
	}()

	return model.FeedbackStatus{State: model.FeedbackPending}, nil
}

func (o *Orchestrator) run(ctx context.Context, token string, items []model.AnalysisItem) model.FeedbackStatus {
	o.logger.Info("requesting feedback", "session_id", token, "items", len(items))

	fb, err := o.analyzer.Analyze(ctx, items)
	if err == nil {
		err = Validate(fb)
	}
	if err != nil {
		o.logger.Warn("feedback generation failed", "session_id", token, "error", err)
		return model.FeedbackStatus{State: model.FeedbackFailed, Err: err.Error()}
	}
	return model.FeedbackStatus{State: model.FeedbackReady, Result: &fb}
}

// Cancel abandons the in-flight analysis, if any. Its result is never delivered.
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cancelLocked()
}

func (o *Orchestrator) cancelLocked() {
	if o.cancel != nil {
		o.cancel()
		o.cancel = nil
	}
}

// Wait blocks until every background analysis has returned.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Items converts the incorrect set to the analysis wire shape.
func Items(incorrect []model.IncorrectItem) []model.AnalysisItem {
	items := make([]model.AnalysisItem, len(incorrect))
	for i, it := range incorrect {
		items[i] = model.AnalysisItem{Question: it.Question.Text, CorrectAnswer: it.CanonicalAnswer}
	}
	return items
}

// Validate rejects analysis results that cannot be displayed.
func Validate(fb model.Feedback) error {
	if strings.TrimSpace(fb.Summary) == "" {
		return errors.New("malformed feedback: empty summary")
	}
	if len(fb.Recommendations) == 0 {
		return errors.New("malformed feedback: no recommendations")
	}
	for i, r := range fb.Recommendations {
		if strings.TrimSpace(r.Concept) == "" {
			return fmt.Errorf("malformed feedback: recommendation %d has no concept", i)
		}
	}
	return nil
}

func clone(fb model.Feedback) model.Feedback {
	recs := make([]model.Recommendation, len(fb.Recommendations))
	copy(recs, fb.Recommendations)
	fb.Recommendations = recs
	return fb
}
