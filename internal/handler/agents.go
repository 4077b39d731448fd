package handler

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pavelanni/mocktest/internal/session"
)

const agentCookieName = "mocktest_agent"

type agentKey struct{}

// agentMiddleware identifies the user agent by a long-lived cookie, issuing
// a fresh ID when the cookie is missing or malformed.
func (h *Handler) agentMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var id string
		if cookie, err := r.Cookie(agentCookieName); err == nil {
			if _, err := uuid.Parse(cookie.Value); err == nil {
				id = cookie.Value
			}
		}
		if id == "" {
			id = uuid.NewString()
			http.SetCookie(w, &http.Cookie{
				Name:     agentCookieName,
				Value:    id,
				Path:     "/",
				HttpOnly: true,
				Secure:   h.cfg.SecureCookies,
				SameSite: http.SameSiteLaxMode,
			})
		}
		ctx := context.WithValue(r.Context(), agentKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func agentFromCtx(ctx context.Context) string {
	id, _ := ctx.Value(agentKey{}).(string)
	return id
}

type agentEntry struct {
	ctrl     *session.Controller
	lastSeen time.Time
}

// Registry holds one session controller per user agent.
type Registry struct {
	newController func(agentID string) *session.Controller
	ttl           time.Duration
	now           func() time.Time

	mu     sync.Mutex
	agents map[string]*agentEntry
}

// NewRegistry creates a Registry. Controllers idle for longer than ttl are
// closed by Reap; a zero ttl keeps them forever.
func NewRegistry(ttl time.Duration, newController func(agentID string) *session.Controller) *Registry {
	return &Registry{
		newController: newController,
		ttl:           ttl,
		now:           time.Now,
		agents:        make(map[string]*agentEntry),
	}
}

// Get returns the controller of agentID, creating it on first use.
func (r *Registry) Get(agentID string) *session.Controller {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.agents[agentID]
	if !ok {
		e = &agentEntry{ctrl: r.newController(agentID)}
		r.agents[agentID] = e
		slog.Debug("agent registered", "agent", agentID)
	}
	e.lastSeen = r.now()
	return e.ctrl
}

// Touch marks agentID as active.
func (r *Registry) Touch(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.agents[agentID]; ok {
		e.lastSeen = r.now()
	}
}

// Len returns the number of live agents.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.agents)
}

// Reap closes and forgets controllers idle for longer than the TTL and
// returns how many were removed.
func (r *Registry) Reap() int {
	if r.ttl <= 0 {
		return 0
	}
	r.mu.Lock()
	cutoff := r.now().Add(-r.ttl)
	var idle []*session.Controller
	for id, e := range r.agents {
		if e.lastSeen.Before(cutoff) {
			idle = append(idle, e.ctrl)
			delete(r.agents, id)
		}
	}
	r.mu.Unlock()

	for _, c := range idle {
		c.Close()
	}
	if len(idle) > 0 {
		slog.Info("reaped idle agents", "count", len(idle))
	}
	return len(idle)
}

// Run reaps idle agents periodically until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	if r.ttl <= 0 {
		return
	}
	interval := r.ttl / 2
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	slog.Info("agent reaper started", "interval", interval, "ttl", r.ttl)

	for {
		select {
		case <-ticker.C:
			r.Reap()
		case <-ctx.Done():
			slog.Info("agent reaper shutting down", "reason", ctx.Err())
			return
		}
	}
}

// Close closes every controller.
func (r *Registry) Close() {
	r.mu.Lock()
	agents := r.agents
	r.agents = make(map[string]*agentEntry)
	r.mu.Unlock()

	for _, e := range agents {
		e.ctrl.Close()
	}
}
