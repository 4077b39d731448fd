package handler

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/pavelanni/mocktest/internal/bank"
	appI18n "github.com/pavelanni/mocktest/internal/i18n"
	"github.com/pavelanni/mocktest/internal/model"
	"github.com/pavelanni/mocktest/internal/session"
)

func TestMain(m *testing.M) {
	if err := appI18n.Init("en"); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

type fakeAnalyzer struct{}

func (fakeAnalyzer) Analyze(context.Context, []model.AnalysisItem) (model.Feedback, error) {
	return model.Feedback{
		Summary:         "Review utility.",
		Recommendations: []model.Recommendation{{Concept: "Marginal Utility", Suggestion: "Use flashcards."}},
	}, nil
}

func testBank() *bank.Static {
	return bank.NewStatic([]model.Question{
		{ID: "q1", Text: "Define opportunity cost.", CanonicalAnswer: "The value of the next-best alternative foregone.", Marks: 2},
		{ID: "q2", Text: "State the law of diminishing marginal utility.", CanonicalAnswer: "Law of diminishing marginal utility", Marks: 3},
		{ID: "q3", Text: "Price rises when demand...", Options: []string{"Rises", "Falls"}, CanonicalAnswer: "Rises"},
	}, model.Paper{
		ID:              "p1",
		Title:           "Economics Paper 1",
		DurationSeconds: 5400,
		Sections: []model.Section{
			{Title: "Section A", Questions: []model.Question{
				{ID: "a1", Text: "What is GDP?", CanonicalAnswer: "Gross domestic product", Marks: 2},
				{ID: "a2", Text: "What is CPI?", CanonicalAnswer: "Consumer price index", Marks: 2},
			}},
		},
	})
}

type testClient struct {
	t      *testing.T
	srv    *httptest.Server
	client *http.Client
}

func newTestServer(t *testing.T, opts ...Option) (*Handler, *httptest.Server) {
	t.Helper()
	h := New(testBank(), fakeAnalyzer{}, Config{QuestionCount: 3, DurationSeconds: 60}, opts...)
	srv := httptest.NewServer(h.Router())
	t.Cleanup(func() {
		srv.Close()
		h.Close()
	})
	return h, srv
}

func newClient(t *testing.T, srv *httptest.Server) *testClient {
	t.Helper()
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatal(err)
	}
	return &testClient{t: t, srv: srv, client: &http.Client{Jar: jar}}
}

func (c *testClient) do(method, path, body string, out any) int {
	c.t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, c.srv.URL+path, rdr)
	if err != nil {
		c.t.Fatal(err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			c.t.Fatalf("%s %s: decode: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func TestSessionFlow(t *testing.T) {
	_, srv := newTestServer(t)
	c := newClient(t, srv)

	var view sessionView
	if code := c.do(http.MethodGet, "/session/", "", &view); code != http.StatusOK {
		t.Fatalf("GET /session/ = %d", code)
	}
	if view.Phase != model.PhaseConfiguring {
		t.Errorf("phase = %s, want configuring", view.Phase)
	}

	if code := c.do(http.MethodPost, "/session/start", `{"question_count": 3, "duration_seconds": 60}`, &view); code != http.StatusCreated {
		t.Fatalf("start = %d", code)
	}
	if view.Phase != model.PhaseRunning || len(view.Questions) != 3 {
		t.Fatalf("after start: phase %s, %d questions", view.Phase, len(view.Questions))
	}
	if view.Remaining != "00:01:00" {
		t.Errorf("remaining = %q", view.Remaining)
	}
	for _, q := range view.Questions {
		if q.CanonicalAnswer != "" {
			t.Errorf("canonical answer of %s leaked while running", q.ID)
		}
	}

	if code := c.do(http.MethodPut, "/session/answers/q1", `{"answer": "next-best alternative"}`, nil); code != http.StatusNoContent {
		t.Errorf("answer q1 = %d", code)
	}
	if code := c.do(http.MethodPut, "/session/answers/q2", `{"answer": "law of demand"}`, nil); code != http.StatusNoContent {
		t.Errorf("answer q2 = %d", code)
	}

	if code := c.do(http.MethodPost, "/session/finish", "", &view); code != http.StatusOK {
		t.Fatalf("finish = %d", code)
	}
	if view.Phase != model.PhaseComplete || view.Score == nil {
		t.Fatalf("after finish: %+v", view)
	}
	if view.Score.EarnedMarks != 2 || view.Score.TotalMarks != 6 || view.Percent == nil || *view.Percent != 33 {
		t.Errorf("score = %d/%d", view.Score.EarnedMarks, view.Score.TotalMarks)
	}
	for _, q := range view.Questions {
		if q.CanonicalAnswer == "" {
			t.Errorf("canonical answer of %s hidden after completion", q.ID)
		}
	}

	var report model.SessionReport
	if code := c.do(http.MethodGet, "/session/report", "", &report); code != http.StatusOK {
		t.Fatalf("report = %d", code)
	}
	if report.EarnedMarks != 2 || len(report.Questions) != 3 {
		t.Errorf("report = %+v", report)
	}

	if code := c.do(http.MethodPost, "/session/restart", "", &view); code != http.StatusOK {
		t.Fatalf("restart = %d", code)
	}
	if view.Phase != model.PhaseConfiguring || view.Score != nil {
		t.Errorf("after restart: %+v", view)
	}
}

func TestStartFixedPaper(t *testing.T) {
	_, srv := newTestServer(t)
	c := newClient(t, srv)

	var view sessionView
	if code := c.do(http.MethodPost, "/session/start", `{"paper_id": "p1"}`, &view); code != http.StatusCreated {
		t.Fatalf("start = %d", code)
	}
	if view.RemainingSeconds != 5400 || len(view.Questions) != 2 || view.Questions[0].ID != "a1" {
		t.Errorf("paper session = %+v", view)
	}
}

func TestErrors(t *testing.T) {
	_, srv := newTestServer(t)
	c := newClient(t, srv)

	var er errorResponse
	if code := c.do(http.MethodPut, "/session/answers/q1", `{"answer": "x"}`, &er); code != http.StatusConflict {
		t.Errorf("answer before start = %d, want 409", code)
	}
	if er.Error != "This action is not available right now." {
		t.Errorf("error = %q", er.Error)
	}

	er = errorResponse{}
	if code := c.do(http.MethodPost, "/session/start", `{"question_count": 0}`, &er); code != http.StatusBadRequest {
		t.Errorf("start with zero count = %d, want 400", code)
	}
	if er.Error != "Invalid test settings: question_count must be positive." {
		t.Errorf("error = %q", er.Error)
	}

	if code := c.do(http.MethodPost, "/session/start", `{"paper_id": "nope"}`, nil); code != http.StatusBadRequest {
		t.Errorf("start with unknown paper = %d, want 400", code)
	}
	if code := c.do(http.MethodPost, "/session/start", `{not json`, nil); code != http.StatusBadRequest {
		t.Errorf("start with bad JSON = %d, want 400", code)
	}

	if code := c.do(http.MethodPost, "/session/start", "", nil); code != http.StatusCreated {
		t.Fatalf("start with defaults = %d", code)
	}
	if code := c.do(http.MethodPut, "/session/answers/zzz", `{"answer": "x"}`, nil); code != http.StatusNotFound {
		t.Errorf("unknown question = %d, want 404", code)
	}
	if code := c.do(http.MethodGet, "/session/report", "", nil); code != http.StatusConflict {
		t.Errorf("report while running = %d, want 409", code)
	}
}

func TestNavigation(t *testing.T) {
	_, srv := newTestServer(t)
	c := newClient(t, srv)
	if code := c.do(http.MethodPost, "/session/start", "", nil); code != http.StatusCreated {
		t.Fatalf("start = %d", code)
	}

	var pos map[string]int
	if code := c.do(http.MethodPost, "/session/next", "", &pos); code != http.StatusOK || pos["current_index"] != 1 {
		t.Errorf("next = %d %v", code, pos)
	}
	if code := c.do(http.MethodPost, "/session/goto/2", "", &pos); code != http.StatusOK || pos["current_index"] != 2 {
		t.Errorf("goto 2 = %d %v", code, pos)
	}
	if code := c.do(http.MethodPost, "/session/goto/9", "", nil); code != http.StatusUnprocessableEntity {
		t.Errorf("goto 9 = %d, want 422", code)
	}
	if code := c.do(http.MethodPost, "/session/goto/x", "", nil); code != http.StatusBadRequest {
		t.Errorf("goto x = %d, want 400", code)
	}
	if code := c.do(http.MethodPost, "/session/previous", "", &pos); code != http.StatusOK || pos["current_index"] != 1 {
		t.Errorf("previous = %d %v", code, pos)
	}
}

func TestAgentsAreIsolated(t *testing.T) {
	h, srv := newTestServer(t)
	a := newClient(t, srv)
	b := newClient(t, srv)

	if code := a.do(http.MethodPost, "/session/start", "", nil); code != http.StatusCreated {
		t.Fatalf("start = %d", code)
	}
	var view sessionView
	b.do(http.MethodGet, "/session/", "", &view)
	if view.Phase != model.PhaseConfiguring {
		t.Errorf("second agent sees phase %s", view.Phase)
	}
	if n := h.Agents().Len(); n != 2 {
		t.Errorf("agents = %d, want 2", n)
	}
}

func TestInvalidAgentCookieIsReplaced(t *testing.T) {
	h := New(testBank(), nil, Config{QuestionCount: 1, DurationSeconds: 60})
	t.Cleanup(h.Close)

	req := httptest.NewRequest(http.MethodGet, "/session/", nil)
	req.AddCookie(&http.Cookie{Name: agentCookieName, Value: "not-a-uuid"})
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)

	var found bool
	for _, ck := range rec.Result().Cookies() {
		if ck.Name == agentCookieName && ck.Value != "not-a-uuid" {
			found = true
			if !ck.HttpOnly {
				t.Error("agent cookie must be HttpOnly")
			}
		}
	}
	if !found {
		t.Error("expected a fresh agent cookie")
	}
}

func TestPapers(t *testing.T) {
	_, srv := newTestServer(t)
	c := newClient(t, srv)

	var papers []paperSummary
	if code := c.do(http.MethodGet, "/papers", "", &papers); code != http.StatusOK {
		t.Fatalf("papers = %d", code)
	}
	if len(papers) != 1 {
		t.Fatalf("papers = %+v", papers)
	}
	p := papers[0]
	if p.ID != "p1" || p.Duration != "01:30:00" || p.Questions != 2 || p.TotalMarks != 4 {
		t.Errorf("paper summary = %+v", p)
	}
}

func uploadRequest(t *testing.T, url, filename, content string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("questions_file", filename)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := io.WriteString(fw, content); err != nil {
		t.Fatal(err)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	req, err := http.NewRequest(http.MethodPost, url, &buf)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestBankIsReadOnly(t *testing.T) {
	_, srv := newTestServer(t)
	resp, err := http.DefaultClient.Do(uploadRequest(t, srv.URL+"/bank/import", "bank.json", `[{"id":"x","text":"Q","canonical_answer":"A"}]`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("bank upload = %d, want 404", resp.StatusCode)
	}
}

// readEvent returns the next SSE event name and data.
func readEvent(t *testing.T, r *bufio.Reader) (string, string) {
	t.Helper()
	var name, data string
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read SSE: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		case line == "" && name != "":
			return name, data
		}
	}
}

func TestEvents(t *testing.T) {
	_, srv := newTestServer(t)
	c := newClient(t, srv)
	// Issue the agent cookie first so both requests share a session.
	c.do(http.MethodGet, "/session/", "", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/session/events", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	r := bufio.NewReader(resp.Body)
	name, data := readEvent(t, r)
	if name != "snapshot" || !strings.Contains(data, `"phase":"configuring"`) {
		t.Fatalf("first event = %s %s", name, data)
	}

	if code := c.do(http.MethodPost, "/session/start", "", nil); code != http.StatusCreated {
		t.Fatalf("start = %d", code)
	}
	name, data = readEvent(t, r)
	if name != "phase" {
		t.Fatalf("event = %s, want phase", name)
	}
	var e session.Event
	if err := json.Unmarshal([]byte(data), &e); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if e.Phase != model.PhaseRunning || e.SessionID == "" {
		t.Errorf("phase event = %+v", e)
	}
}

func TestEventsEndWhenSessionIsReaped(t *testing.T) {
	h, srv := newTestServer(t)
	c := newClient(t, srv)
	c.do(http.MethodGet, "/session/", "", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/session/events", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()

	r := bufio.NewReader(resp.Body)
	if name, _ := readEvent(t, r); name != "snapshot" {
		t.Fatalf("first event = %s, want snapshot", name)
	}

	h.Agents().Close()

	if name, _ := readEvent(t, r); name != "closed" {
		t.Fatalf("event = %s, want closed", name)
	}
	if _, err := io.ReadAll(r); err != nil {
		t.Errorf("stream did not end cleanly: %v", err)
	}
}

func TestRegistryReap(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	reg := NewRegistry(time.Minute, func(string) *session.Controller {
		return session.New(testBank(), nil)
	})
	reg.now = func() time.Time { return now }

	idle := reg.Get("idle")
	reg.Get("busy")

	now = now.Add(50 * time.Second)
	reg.Touch("busy")
	now = now.Add(20 * time.Second)

	if n := reg.Reap(); n != 1 {
		t.Fatalf("Reap = %d, want 1", n)
	}
	if reg.Len() != 1 {
		t.Errorf("Len = %d, want 1", reg.Len())
	}
	if err := idle.Start(context.Background(), model.SessionConfig{QuestionCount: 1, DurationSeconds: 60}); !errors.Is(err, session.ErrClosed) {
		t.Errorf("reaped controller Start = %v, want ErrClosed", err)
	}
	if reg.Get("idle") == idle {
		t.Error("returning agent must get a fresh controller")
	}
	reg.Close()
}

func TestRegistryZeroTTLKeepsAgents(t *testing.T) {
	reg := NewRegistry(0, func(string) *session.Controller { return session.New(testBank(), nil) })
	defer reg.Close()
	reg.Get("a")
	if n := reg.Reap(); n != 0 || reg.Len() != 1 {
		t.Errorf("Reap = %d, Len = %d", n, reg.Len())
	}
}
