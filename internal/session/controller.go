// Package session runs one timed exam session per Controller.
//
// The Controller owns the session state and serializes every change to it:
// user operations, clock ticks and feedback resolutions all take the same
// mutex. Phases move Configuring → Running → Complete (Grading is passed
// through synchronously) and only Restart goes back to Configuring.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pavelanni/mocktest/internal/bank"
	"github.com/pavelanni/mocktest/internal/clock"
	"github.com/pavelanni/mocktest/internal/feedback"
	"github.com/pavelanni/mocktest/internal/model"
	"github.com/pavelanni/mocktest/internal/sampling"
	"github.com/pavelanni/mocktest/internal/scoring"
)

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger. The default is slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithClock replaces the clock factory. Each Start calls it once.
func WithClock(f func() *clock.Clock) Option {
	return func(c *Controller) { c.newClock = f }
}

// WithNow replaces the wall clock used for report timestamps.
func WithNow(f func() time.Time) Option {
	return func(c *Controller) { c.now = f }
}

// Controller drives a single session through its lifecycle.
type Controller struct {
	src      bank.Source
	orch     *feedback.Orchestrator
	newClock func() *clock.Clock
	logger   *slog.Logger
	now      func() time.Time
	events   *dispatcher
	done     chan struct{}

	mu     sync.Mutex
	state  State
	clock  *clock.Clock
	closed bool
}

// New creates a Controller in the Configuring phase. A nil analyzer makes
// every non-empty feedback request fail.
func New(src bank.Source, analyzer feedback.Analyzer, opts ...Option) *Controller {
	c := &Controller{
		src:      src,
		newClock: func() *clock.Clock { return clock.New() },
		logger:   slog.Default(),
		now:      time.Now,
		state:    freshState(),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	c.orch = feedback.New(analyzer, c.logger)
	c.events = newDispatcher()
	return c
}

// Subscribe registers a listener and returns a function that removes it.
func (c *Controller) Subscribe(l Listener) func() {
	return c.events.subscribe(l)
}

// Done returns a channel that is closed when the Controller is closed.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Snapshot returns a copy of the current state.
func (c *Controller) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.clone()
}

// Start validates cfg, samples the questions and starts the countdown.
// Configuration problems are returned as *ConfigError and leave the session
// in Configuring.
func (c *Controller) Start(ctx context.Context, cfg model.SessionConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.state.Phase != model.PhaseConfiguring {
		return c.phaseError("start")
	}
	if err := validate(cfg); err != nil {
		return err
	}

	duration, err := c.resolveDuration(ctx, cfg)
	if err != nil {
		return err
	}
	cfg.DurationSeconds = duration

	questions, err := sampling.Sample(ctx, c.src, cfg)
	if err != nil {
		if errors.Is(err, bank.ErrPaperNotFound) {
			return &ConfigError{Field: "paper_id", Reason: "is unknown", Err: err}
		}
		return fmt.Errorf("sample questions: %w", err)
	}
	if len(questions) == 0 {
		return &ConfigError{Field: "questions", Reason: "sample is empty"}
	}

	id := uuid.NewString()
	clk := c.newClock()
	clk.OnTick(func(remaining int) { c.tick(id, remaining) })
	clk.OnExpire(func() { c.expire(id) })
	if err := clk.Start(duration); err != nil {
		return fmt.Errorf("start clock: %w", err)
	}

	c.clock = clk
	c.state = State{
		ID:               id,
		Config:           cfg,
		Questions:        questions,
		Answers:          model.Answers{},
		Phase:            model.PhaseRunning,
		RemainingSeconds: duration,
		Feedback:         model.FeedbackStatus{State: model.FeedbackNotRequested},
		StartedAt:        c.now(),
	}
	c.logger.Info("session started", "session_id", id, "questions", len(questions), "duration", duration, "paper", cfg.PaperID)
	c.emit(Event{Kind: EventPhase})
	return nil
}

func validate(cfg model.SessionConfig) error {
	switch {
	case cfg.FixedPaper() && cfg.RandomSample:
		return &ConfigError{Field: "random_sample", Reason: "cannot be combined with paper_id"}
	case cfg.QuestionCount < 0:
		return &ConfigError{Field: "question_count", Reason: "must not be negative"}
	case !cfg.FixedPaper() && cfg.QuestionCount == 0:
		return &ConfigError{Field: "question_count", Reason: "must be positive"}
	case cfg.DurationSeconds < 0:
		return &ConfigError{Field: "duration_seconds", Reason: "must be positive"}
	case !cfg.FixedPaper() && cfg.DurationSeconds == 0:
		return &ConfigError{Field: "duration_seconds", Reason: "must be positive"}
	}
	return nil
}

// resolveDuration falls back to the paper's own duration when the config
// leaves it zero, and to bank.DefaultPaperDuration when the paper has none.
func (c *Controller) resolveDuration(ctx context.Context, cfg model.SessionConfig) (int, error) {
	if cfg.DurationSeconds > 0 {
		return cfg.DurationSeconds, nil
	}
	paper, err := c.src.Paper(ctx, cfg.PaperID)
	if err != nil {
		if errors.Is(err, bank.ErrPaperNotFound) {
			return 0, &ConfigError{Field: "paper_id", Reason: "is unknown", Err: err}
		}
		return 0, fmt.Errorf("load paper: %w", err)
	}
	if paper.DurationSeconds <= 0 {
		return bank.DefaultPaperDuration, nil
	}
	return paper.DurationSeconds, nil
}

// RecordAnswer stores text as the answer to questionID. The latest write wins.
func (c *Controller) RecordAnswer(questionID, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.state.Phase != model.PhaseRunning {
		return c.phaseError("record answer")
	}
	if !c.state.hasQuestion(questionID) {
		return fmt.Errorf("%w: %q", ErrUnknownQuestion, questionID)
	}
	c.state.Answers[questionID] = text
	c.emit(Event{Kind: EventAnswer, QuestionID: questionID})
	return nil
}

// Finish grades the session. Finishing an already complete session returns
// the existing score; that covers the race with clock expiry.
func (c *Controller) Finish() (model.ScoreResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return model.ScoreResult{}, ErrClosed
	}
	switch c.state.Phase {
	case model.PhaseComplete:
		return *c.state.Score, nil
	case model.PhaseRunning:
		c.completeLocked()
		return *c.state.Score, nil
	default:
		return model.ScoreResult{}, c.phaseError("finish")
	}
}

// Restart discards the session and returns to Configuring. Any feedback
// still in flight is dropped.
func (c *Controller) Restart() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.state.Phase == model.PhaseConfiguring {
		return nil
	}
	c.logger.Info("session restarted", "session_id", c.state.ID, "phase", c.state.Phase)
	c.stopLocked()
	c.state = freshState()
	c.emit(Event{Kind: EventPhase})
	return nil
}

// Close stops the clock, abandons feedback and ends event delivery. The
// Controller cannot be used afterwards.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.stopLocked()
	close(c.done)
	c.mu.Unlock()
	c.events.close()
}

// Report returns the summary of the completed session.
func (c *Controller) Report() (model.SessionReport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Phase != model.PhaseComplete {
		return model.SessionReport{}, c.phaseError("report")
	}
	return c.state.clone().Report(), nil
}

func (c *Controller) stopLocked() {
	if c.clock != nil {
		c.clock.Cancel()
		c.clock = nil
	}
	c.orch.Cancel()
}

// completeLocked grades the answers and hands the incorrect set to the
// orchestrator. The score is in place before any feedback status is.
func (c *Controller) completeLocked() {
	if c.clock != nil {
		c.clock.Cancel()
		c.clock = nil
	}
	c.state.Phase = model.PhaseGrading
	res := scoring.Score(c.state.Questions, c.state.Answers)
	c.state.Score = &res
	c.state.Phase = model.PhaseComplete
	c.state.FinishedAt = c.now()

	c.logger.Info("session complete",
		"session_id", c.state.ID,
		"earned", res.EarnedMarks,
		"total", res.TotalMarks,
		"incorrect", len(res.Incorrect),
		"expired", c.state.Expired)
	c.emit(Event{Kind: EventPhase})
	c.emit(Event{Kind: EventScore, Score: c.scoreCopy()})

	status, err := c.orch.Analyze(context.Background(), c.state.ID, res.Incorrect, c.deliverFeedback)
	if err != nil {
		c.logger.Warn("feedback not requested", "session_id", c.state.ID, "error", err)
		return
	}
	c.setFeedbackLocked(status)
}

func (c *Controller) deliverFeedback(token string, status model.FeedbackStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.state.ID != token || c.state.Phase != model.PhaseComplete {
		c.logger.Debug("discarding stale feedback", "session_id", token)
		return
	}
	c.setFeedbackLocked(status)
}

func (c *Controller) setFeedbackLocked(status model.FeedbackStatus) {
	c.state.Feedback = status
	st := c.state.clone().Feedback
	c.emit(Event{Kind: EventFeedback, Feedback: &st})
}

func (c *Controller) tick(id string, remaining int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.state.ID != id || c.state.Phase != model.PhaseRunning {
		return
	}
	c.state.RemainingSeconds = remaining
	c.emit(Event{Kind: EventTick})
}

func (c *Controller) expire(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.state.ID != id || c.state.Phase != model.PhaseRunning {
		return
	}
	c.logger.Info("time expired", "session_id", id)
	c.state.Expired = true
	c.state.RemainingSeconds = 0
	c.completeLocked()
}

func (c *Controller) scoreCopy() *model.ScoreResult {
	return c.state.clone().Score
}

// emit fills the common fields from the current state and queues e.
func (c *Controller) emit(e Event) {
	e.SessionID = c.state.ID
	e.Phase = c.state.Phase
	e.Remaining = c.state.RemainingSeconds
	c.events.publish(e)
}

func (c *Controller) phaseError(op string) error {
	c.logger.Warn("operation rejected", "operation", op, "phase", c.state.Phase, "session_id", c.state.ID)
	return fmt.Errorf("%s in phase %s: %w", op, c.state.Phase, ErrInvalidPhase)
}
