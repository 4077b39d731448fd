package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/mocktest/internal/bank"
	"github.com/pavelanni/mocktest/internal/clock"
	"github.com/pavelanni/mocktest/internal/feedback"
	appI18n "github.com/pavelanni/mocktest/internal/i18n"
	"github.com/pavelanni/mocktest/internal/model"
	"github.com/pavelanni/mocktest/internal/session"
)

// Config holds the defaults applied to sessions started over HTTP.
type Config struct {
	QuestionCount   int
	DurationSeconds int
	AgentTTL        time.Duration
	SecureCookies   bool
}

// Option configures a Handler.
type Option func(*Handler)

// WithSessionOptions passes options to every session controller.
func WithSessionOptions(opts ...session.Option) Option {
	return func(h *Handler) { h.sessionOpts = append(h.sessionOpts, opts...) }
}

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	src         bank.Source
	analyzer    feedback.Analyzer
	cfg         Config
	sessionOpts []session.Option
	agents      *Registry
}

// New creates a new Handler.
func New(src bank.Source, analyzer feedback.Analyzer, cfg Config, opts ...Option) *Handler {
	h := &Handler{src: src, analyzer: analyzer, cfg: cfg}
	for _, o := range opts {
		o(h)
	}
	h.agents = NewRegistry(cfg.AgentTTL, func(agentID string) *session.Controller {
		sessOpts := append([]session.Option{session.WithLogger(slog.Default().With("agent", agentID))}, h.sessionOpts...)
		return session.New(h.src, h.analyzer, sessOpts...)
	})
	return h
}

// Agents exposes the per-agent controller registry.
func (h *Handler) Agents() *Registry {
	return h.agents
}

// Routes registers all HTTP routes. The question bank is read-only over
// HTTP; it changes only through the import command.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/papers", h.handlePapers)

	r.Route("/session", func(r chi.Router) {
		r.Use(h.agentMiddleware)
		r.Get("/", h.handleSession)
		r.Post("/start", h.handleStart)
		r.Put("/answers/{questionID}", h.handleAnswer)
		r.Post("/next", h.handleNext)
		r.Post("/previous", h.handlePrevious)
		r.Post("/goto/{index}", h.handleGoto)
		r.Post("/finish", h.handleFinish)
		r.Post("/restart", h.handleRestart)
		r.Get("/report", h.handleReport)
		r.Get("/events", h.handleEvents)
	})
}

// Router builds a router with localization and all routes mounted.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(appI18n.Middleware())
	h.Routes(r)
	return r
}

// Close closes every session controller.
func (h *Handler) Close() {
	h.agents.Close()
}

func (h *Handler) controller(r *http.Request) *session.Controller {
	return h.agents.Get(agentFromCtx(r.Context()))
}

func (h *Handler) handleSession(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, newSessionView(h.controller(r).Snapshot()))
}

type startRequest struct {
	QuestionCount   *int   `json:"question_count"`
	DurationSeconds *int   `json:"duration_seconds"`
	PaperID         string `json:"paper_id"`
}

func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}

	cfg := model.SessionConfig{
		QuestionCount:   h.cfg.QuestionCount,
		DurationSeconds: h.cfg.DurationSeconds,
		PaperID:         req.PaperID,
		RandomSample:    req.PaperID == "",
	}
	if req.QuestionCount != nil {
		cfg.QuestionCount = *req.QuestionCount
	}
	if req.DurationSeconds != nil {
		cfg.DurationSeconds = *req.DurationSeconds
	} else if cfg.FixedPaper() {
		// Papers carry their own duration.
		cfg.DurationSeconds = 0
	}

	c := h.controller(r)
	if err := c.Start(r.Context(), cfg); err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, newSessionView(c.Snapshot()))
}

type answerRequest struct {
	Answer string `json:"answer"`
}

func (h *Handler) handleAnswer(w http.ResponseWriter, r *http.Request) {
	var req answerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.controller(r).RecordAnswer(chi.URLParam(r, "questionID"), req.Answer); err != nil {
		respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleNext(w http.ResponseWriter, r *http.Request) {
	h.respondMove(w, r, h.controller(r).Next)
}

func (h *Handler) handlePrevious(w http.ResponseWriter, r *http.Request) {
	h.respondMove(w, r, h.controller(r).Previous)
}

func (h *Handler) handleGoto(w http.ResponseWriter, r *http.Request) {
	i, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		http.Error(w, "invalid index", http.StatusBadRequest)
		return
	}
	c := h.controller(r)
	h.respondMove(w, r, func() (int, error) { return c.Goto(i) })
}

func (h *Handler) respondMove(w http.ResponseWriter, r *http.Request, move func() (int, error)) {
	i, err := move()
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"current_index": i})
}

func (h *Handler) handleFinish(w http.ResponseWriter, r *http.Request) {
	c := h.controller(r)
	if _, err := c.Finish(); err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, newSessionView(c.Snapshot()))
}

func (h *Handler) handleRestart(w http.ResponseWriter, r *http.Request) {
	c := h.controller(r)
	if err := c.Restart(); err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, newSessionView(c.Snapshot()))
}

func (h *Handler) handleReport(w http.ResponseWriter, r *http.Request) {
	report, err := h.controller(r).Report()
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

type paperSummary struct {
	ID              string `json:"id"`
	Title           string `json:"title"`
	DurationSeconds int    `json:"duration_seconds"`
	Duration        string `json:"duration"`
	Sections        int    `json:"sections"`
	Questions       int    `json:"questions"`
	TotalMarks      int    `json:"total_marks"`
}

func (h *Handler) handlePapers(w http.ResponseWriter, r *http.Request) {
	lister, ok := h.src.(bank.PaperLister)
	if !ok {
		respondJSON(w, http.StatusOK, []paperSummary{})
		return
	}
	papers, err := lister.Papers(r.Context())
	if err != nil {
		slog.Error("failed to list papers", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	out := make([]paperSummary, 0, len(papers))
	for _, p := range papers {
		out = append(out, paperSummary{
			ID:              p.ID,
			Title:           p.Title,
			DurationSeconds: p.DurationSeconds,
			Duration:        clock.Format(p.DurationSeconds),
			Sections:        len(p.Sections),
			Questions:       len(p.Questions()),
			TotalMarks:      p.TotalMarks(),
		})
	}
	respondJSON(w, http.StatusOK, out)
}

// sessionView is the client view of a session. Canonical answers stay hidden
// until the session is complete.
type sessionView struct {
	ID               string               `json:"id,omitempty"`
	Phase            model.Phase          `json:"phase"`
	Config           model.SessionConfig  `json:"config"`
	RemainingSeconds int                  `json:"remaining_seconds"`
	Remaining        string               `json:"remaining"`
	CurrentIndex     int                  `json:"current_index"`
	Questions        []model.Question     `json:"questions"`
	Answers          model.Answers        `json:"answers"`
	Score            *model.ScoreResult   `json:"score,omitempty"`
	Percent          *int                 `json:"percent,omitempty"`
	Feedback         model.FeedbackStatus `json:"feedback"`
	Expired          bool                 `json:"expired"`
}

func newSessionView(s session.State) sessionView {
	v := sessionView{
		ID:               s.ID,
		Phase:            s.Phase,
		Config:           s.Config,
		RemainingSeconds: s.RemainingSeconds,
		Remaining:        clock.Format(s.RemainingSeconds),
		CurrentIndex:     s.CurrentIndex,
		Questions:        make([]model.Question, len(s.Questions)),
		Answers:          s.Answers,
		Score:            s.Score,
		Feedback:         s.Feedback,
		Expired:          s.Expired,
	}
	for i, q := range s.Questions {
		if s.Phase != model.PhaseComplete {
			q.CanonicalAnswer = ""
		}
		v.Questions[i] = q
	}
	if s.Score != nil {
		p := s.Score.Percent()
		v.Percent = &p
	}
	return v
}
