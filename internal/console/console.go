// Package console runs a session interactively over a line-oriented terminal.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/pavelanni/mocktest/internal/clock"
	appI18n "github.com/pavelanni/mocktest/internal/i18n"
	"github.com/pavelanni/mocktest/internal/model"
	"github.com/pavelanni/mocktest/internal/session"
)

// ErrQuit is returned by Run when the user leaves before finishing.
var ErrQuit = errors.New("quit before finishing")

// Option configures a Runner.
type Option func(*Runner)

// WithTitle prints a paper header with the given title before the first question.
func WithTitle(title string) Option {
	return func(r *Runner) { r.title = title }
}

// Runner presents one session on a terminal.
type Runner struct {
	ctrl  *session.Controller
	in    io.Reader
	out   io.Writer
	title string

	lastSection string
}

// New creates a Runner reading commands from in and writing to out.
func New(ctrl *session.Controller, in io.Reader, out io.Writer, opts ...Option) *Runner {
	r := &Runner{ctrl: ctrl, in: in, out: out}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Run starts a session with cfg and drives it until it is complete and its
// feedback has resolved. Messages are localized with the localizer in ctx.
// End of input submits the answers given so far.
func (r *Runner) Run(ctx context.Context, cfg model.SessionConfig) (model.SessionReport, error) {
	done := make(chan struct{})
	defer close(done)

	events := make(chan session.Event, 16)
	unsubscribe := r.ctrl.Subscribe(func(e session.Event) {
		if e.Kind == session.EventTick || e.Kind == session.EventAnswer {
			select {
			case events <- e:
			default:
			}
			return
		}
		select {
		case events <- e:
		case <-done:
		}
	})
	defer unsubscribe()

	if err := r.ctrl.Start(ctx, cfg); err != nil {
		return model.SessionReport{}, err
	}

	lines := make(chan string)
	go readLines(r.in, lines, done)

	r.println(appI18n.T(ctx, "AppTitle"))
	if r.title != "" {
		r.println(appI18n.Td(ctx, "PaperHeader", map[string]any{
			"Title": r.title,
			"Marks": totalMarks(r.ctrl.Snapshot().Questions),
		}))
	}
	r.println(appI18n.T(ctx, "Instructions"))
	r.showCurrent(ctx)

	if err := r.loop(ctx, lines, events); err != nil {
		return model.SessionReport{}, err
	}

	r.showScore(ctx)
	if err := r.awaitFeedback(ctx, events); err != nil {
		return model.SessionReport{}, err
	}
	return r.ctrl.Report()
}

func (r *Runner) loop(ctx context.Context, lines <-chan string, events <-chan session.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e := <-events:
			switch e.Kind {
			case session.EventTick:
				if e.Remaining > 0 && (e.Remaining%60 == 0 || e.Remaining == 10) {
					r.println(appI18n.Td(ctx, "TimeRemaining", map[string]any{"Time": clock.Format(e.Remaining)}))
				}
			case session.EventPhase:
				if e.Phase == model.PhaseComplete {
					if r.ctrl.Snapshot().Expired {
						r.println(appI18n.T(ctx, "TimeUp"))
					}
					return nil
				}
			}
		case line, ok := <-lines:
			if !ok {
				_, err := r.ctrl.Finish()
				return err
			}
			quit, err := r.handle(ctx, strings.TrimSpace(line))
			if err != nil {
				return err
			}
			if quit {
				return ErrQuit
			}
			if r.ctrl.Snapshot().Phase == model.PhaseComplete {
				return nil
			}
		}
	}
}

// handle applies one input line. It reports whether the user asked to quit.
func (r *Runner) handle(ctx context.Context, line string) (bool, error) {
	switch {
	case line == "":
		r.showCurrent(ctx)
	case line == ":q":
		return true, r.ctrl.Restart()
	case line == ":f":
		if _, err := r.ctrl.Finish(); err != nil {
			return false, err
		}
	case line == ":n":
		r.move(ctx, r.ctrl.Next)
	case line == ":p":
		r.move(ctx, r.ctrl.Previous)
	case strings.HasPrefix(line, ":g"):
		n, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, ":g")))
		if err != nil {
			r.println(appI18n.T(ctx, "ErrOutOfRange"))
			return false, nil
		}
		r.move(ctx, func() (int, error) { return r.ctrl.Goto(n - 1) })
	default:
		r.answer(ctx, line)
	}
	return false, nil
}

func (r *Runner) move(ctx context.Context, f func() (int, error)) {
	if _, err := f(); err != nil {
		r.printError(ctx, err)
		return
	}
	r.showCurrent(ctx)
}

func (r *Runner) answer(ctx context.Context, line string) {
	q, _, err := r.ctrl.Current()
	if err != nil {
		r.printError(ctx, err)
		return
	}
	text := line
	if len(q.Options) > 0 {
		if n, err := strconv.Atoi(line); err == nil {
			if n < 1 || n > len(q.Options) {
				r.println(appI18n.Td(ctx, "InvalidOption", map[string]any{"Count": len(q.Options)}))
				return
			}
			text = q.Options[n-1]
		}
	}
	if err := r.ctrl.RecordAnswer(q.ID, text); err != nil {
		r.printError(ctx, err)
		return
	}
	r.println(appI18n.T(ctx, "AnswerSaved"))
	if _, err := r.ctrl.Next(); err == nil {
		r.showCurrent(ctx)
	}
}

func (r *Runner) showCurrent(ctx context.Context) {
	q, i, err := r.ctrl.Current()
	if err != nil {
		return
	}
	s := r.ctrl.Snapshot()
	if q.Section != "" && q.Section != r.lastSection {
		r.println("")
		r.println(appI18n.Td(ctx, "SectionHeader", map[string]any{"Title": q.Section}))
	}
	r.lastSection = q.Section

	r.println("")
	r.println(appI18n.Td(ctx, "QuestionHeader", map[string]any{
		"Index": i + 1,
		"Total": len(s.Questions),
		"Marks": appI18n.Tp(ctx, "Marks", q.Marks),
	}))
	r.println(q.Text)
	for n, opt := range q.Options {
		r.printf("  %d) %s\n", n+1, opt)
	}
	if a, ok := s.Answers[q.ID]; ok {
		r.println(appI18n.Td(ctx, "YourAnswer", map[string]any{"Answer": a}))
	}
	r.println(appI18n.Td(ctx, "TimeRemaining", map[string]any{"Time": clock.Format(s.RemainingSeconds)}))
}

func (r *Runner) showScore(ctx context.Context) {
	s := r.ctrl.Snapshot()
	if s.Score == nil {
		return
	}
	r.println("")
	r.println(appI18n.Td(ctx, "YourScore", map[string]any{
		"Earned":  s.Score.EarnedMarks,
		"Total":   s.Score.TotalMarks,
		"Percent": s.Score.Percent(),
	}))
	for i, o := range s.Score.Outcomes {
		r.printf("%d. %s [%d/%d]\n", i+1, statusText(ctx, o.Status), o.Earned, o.Marks)
		if o.Status != model.StatusCorrect {
			r.println("   " + appI18n.Td(ctx, "CorrectAnswer", map[string]any{"Answer": o.CanonicalAnswer}))
		}
	}
}

// awaitFeedback waits for a pending analysis to resolve and prints it.
func (r *Runner) awaitFeedback(ctx context.Context, events <-chan session.Event) error {
	status := r.ctrl.Snapshot().Feedback
	if status.State == model.FeedbackPending {
		r.println(appI18n.T(ctx, "FeedbackPending"))
	}
	for status.State == model.FeedbackPending {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e := <-events:
			if e.Kind == session.EventFeedback && e.Feedback != nil {
				status = *e.Feedback
			}
		}
	}

	switch status.State {
	case model.FeedbackReady:
		r.println("")
		r.println(status.Result.Summary)
		r.println(appI18n.T(ctx, "Recommendations"))
		for _, rec := range status.Result.Recommendations {
			r.printf("- %s: %s\n", rec.Concept, rec.Suggestion)
		}
	case model.FeedbackFailed:
		r.println(appI18n.Td(ctx, "FeedbackFailed", map[string]any{"Reason": status.Err}))
	}
	return nil
}

func (r *Runner) printError(ctx context.Context, err error) {
	switch {
	case errors.Is(err, session.ErrOutOfRange):
		r.println(appI18n.T(ctx, "ErrOutOfRange"))
	case errors.Is(err, session.ErrUnknownQuestion):
		r.println(appI18n.T(ctx, "ErrUnknownQuestion"))
	default:
		r.println(appI18n.T(ctx, "ErrInvalidPhase"))
	}
}

func (r *Runner) println(s string) {
	fmt.Fprintln(r.out, s)
}

func (r *Runner) printf(format string, args ...any) {
	fmt.Fprintf(r.out, format, args...)
}

func statusText(ctx context.Context, s model.AnswerStatus) string {
	switch s {
	case model.StatusCorrect:
		return appI18n.T(ctx, "StatusCorrect")
	case model.StatusIncorrect:
		return appI18n.T(ctx, "StatusIncorrect")
	default:
		return appI18n.T(ctx, "StatusUnanswered")
	}
}

func totalMarks(qs []model.Question) int {
	var n int
	for _, q := range qs {
		n += q.Marks
	}
	return n
}

func readLines(in io.Reader, lines chan<- string, done <-chan struct{}) {
	defer close(lines)
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		select {
		case lines <- sc.Text():
		case <-done:
			return
		}
	}
}
