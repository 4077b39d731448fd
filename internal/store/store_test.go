package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/pavelanni/mocktest/internal/bank"
	"github.com/pavelanni/mocktest/internal/model"
	"github.com/pavelanni/mocktest/internal/sampling"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("newTestStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func upsertTestQuestion(t *testing.T, s *Store, id, text, topic string) {
	t.Helper()
	err := s.UpsertQuestion(context.Background(), model.Question{
		ID:              id,
		Text:            text,
		Kind:            model.KindFreeText,
		CanonicalAnswer: "answer for " + text,
		Marks:           1,
		Topic:           topic,
	})
	if err != nil {
		t.Fatalf("upsertTestQuestion: %v", err)
	}
}

const importFile = `{
  "questions": [
    {"id": "t1", "text": "Which market has many sellers?", "options": ["Monopoly", "Perfect competition"], "canonical_answer": "Perfect competition", "topic": "markets"},
    {"id": "t2", "text": "Define opportunity cost.", "canonical_answer": "The value of the next-best alternative foregone.", "marks": 2, "topic": "basics"}
  ],
  "papers": [
    {
      "id": "eco-2024",
      "title": "Economics 2024",
      "duration_seconds": 10800,
      "sections": [
        {"title": "Section A", "instructions": "Answer all.", "questions": [
          {"text": "What is GDP?", "canonical_answer": "Gross domestic product", "marks": 2},
          {"text": "Is money neutral?", "options": ["Yes", "No"], "canonical_answer": "No"}
        ]},
        {"title": "Section B", "questions": [
          {"id": "long-1", "text": "Explain inflation.", "canonical_answer": "A sustained rise in the general price level", "marks": 6}
        ]}
      ]
    }
  ]
}`

func TestQuestionCRUD(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	// Empty DB should return zero count and empty list.
	count, err := s.QuestionCount(ctx)
	if err != nil {
		t.Fatalf("QuestionCount: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected 0 questions, got %d", count)
	}
	list, err := s.All(ctx)
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("expected empty list, got %d", len(list))
	}

	upsertTestQuestion(t, s, "q1", "What is demand?", "basics")
	q, err := s.GetQuestion(ctx, "q1")
	if err != nil {
		t.Fatalf("GetQuestion: %v", err)
	}
	if q.Text != "What is demand?" || q.Kind != model.KindFreeText || q.Topic != "basics" {
		t.Errorf("unexpected question %+v", q)
	}
	if q.Options != nil {
		t.Errorf("free-text options = %v, want nil", q.Options)
	}

	// Not found.
	if _, err := s.GetQuestion(ctx, "nope"); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("expected ErrNoRows, got %v", err)
	}

	// Upsert replaces in place.
	upsertTestQuestion(t, s, "q2", "What is supply?", "basics")
	upsertTestQuestion(t, s, "q1", "What is demand, exactly?", "basics")
	list, err = s.All(ctx)
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(list) != 2 || list[0].ID != "q1" || list[1].ID != "q2" {
		t.Fatalf("All = %+v, want q1, q2 in insertion order", list)
	}
	if list[0].Text != "What is demand, exactly?" {
		t.Errorf("upsert did not replace text: %q", list[0].Text)
	}
}

func TestOptionsRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	in := model.Question{
		ID: "c1", Text: "Pick one", Kind: model.KindSingleChoice,
		Options: []string{"Rises", "Falls", "Unchanged"}, CanonicalAnswer: "Rises", Marks: 1,
	}
	if err := s.UpsertQuestion(ctx, in); err != nil {
		t.Fatalf("UpsertQuestion: %v", err)
	}
	got, err := s.GetQuestion(ctx, "c1")
	if err != nil {
		t.Fatalf("GetQuestion: %v", err)
	}
	if len(got.Options) != 3 || got.Options[1] != "Falls" {
		t.Errorf("Options = %v", got.Options)
	}
}

func TestImport(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	res, err := s.Import(ctx, "bank.json", []byte(importFile))
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if res.Status != ImportDone || res.Questions != 2 || res.Papers != 1 {
		t.Errorf("result = %+v", res)
	}

	qs, err := s.All(ctx)
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(qs) != 2 {
		t.Fatalf("bank has %d questions, want 2 (paper questions excluded)", len(qs))
	}
	if qs[0].Kind != model.KindSingleChoice || qs[1].Marks != 2 {
		t.Errorf("normalization lost: %+v", qs)
	}

	p, err := s.Paper(ctx, "eco-2024")
	if err != nil {
		t.Fatalf("Paper: %v", err)
	}
	if p.Title != "Economics 2024" || p.DurationSeconds != 10800 || len(p.Sections) != 2 {
		t.Fatalf("paper = %+v", p)
	}
	if p.Sections[0].Instructions != "Answer all." || p.Sections[0].TotalMarks != 3 {
		t.Errorf("section A = %+v", p.Sections[0])
	}
	flat := p.Questions()
	wantIDs := []string{"eco-2024-0-0", "eco-2024-0-1", "long-1"}
	if len(flat) != len(wantIDs) {
		t.Fatalf("paper questions = %d, want %d", len(flat), len(wantIDs))
	}
	for i, id := range wantIDs {
		if flat[i].ID != id {
			t.Errorf("question %d id = %q, want %q", i, flat[i].ID, id)
		}
	}
	if flat[2].Section != "Section B" || flat[1].Kind != model.KindSingleChoice {
		t.Errorf("paper question fields = %+v", flat)
	}
	if p.TotalMarks() != 9 {
		t.Errorf("TotalMarks = %d, want 9", p.TotalMarks())
	}
}

func TestImportSkipsKnownFiles(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if _, err := s.Import(ctx, "bank.json", []byte(importFile)); err != nil {
		t.Fatalf("first Import: %v", err)
	}

	res, err := s.Import(ctx, "bank.json", []byte(importFile))
	if err != nil {
		t.Fatalf("second Import: %v", err)
	}
	if res.Status != ImportUnchanged {
		t.Errorf("status = %s, want unchanged", res.Status)
	}

	changed := `[{"id": "x1", "text": "New?", "canonical_answer": "yes"}]`
	res, err = s.Import(ctx, "bank.json", []byte(changed))
	if err != nil {
		t.Fatalf("changed Import: %v", err)
	}
	if res.Status != ImportChanged {
		t.Errorf("status = %s, want changed", res.Status)
	}
	if n, _ := s.QuestionCount(ctx); n != 2 {
		t.Errorf("changed file must not be imported, count = %d", n)
	}
}

func TestImportInvalidFileIsAtomic(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	bad := `[{"id": "ok", "text": "Fine", "canonical_answer": "yes"}, {"id": "bad", "text": "", "canonical_answer": "x"}]`
	if _, err := s.Import(ctx, "bad.json", []byte(bad)); err == nil {
		t.Fatal("expected error for invalid question")
	}
	if n, _ := s.QuestionCount(ctx); n != 0 {
		t.Errorf("count = %d, want 0 after failed import", n)
	}
	if h, _ := s.GetImportedFileHash(ctx, "bad.json"); h != "" {
		t.Error("failed import must not be recorded")
	}
}

func TestImportFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "questions.json")
	if err := os.WriteFile(path, []byte(importFile), 0o644); err != nil {
		t.Fatal(err)
	}
	s := newTestStore(t)
	res, err := s.ImportFile(context.Background(), path)
	if err != nil {
		t.Fatalf("ImportFile: %v", err)
	}
	if res.Path != path || res.Status != ImportDone {
		t.Errorf("result = %+v", res)
	}

	if _, err := s.ImportFile(context.Background(), filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestPaperNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Paper(context.Background(), "nope")
	if !errors.Is(err, bank.ErrPaperNotFound) {
		t.Errorf("err = %v, want ErrPaperNotFound", err)
	}
}

func TestSavePaperReplaces(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	p := bank.NormalizePaper(model.Paper{
		ID: "p", Title: "First", DurationSeconds: 60,
		Sections: []model.Section{{Title: "A", Questions: []model.Question{
			{Text: "one", CanonicalAnswer: "1"},
			{Text: "two", CanonicalAnswer: "2"},
		}}},
	})
	if err := s.SavePaper(ctx, p); err != nil {
		t.Fatalf("SavePaper: %v", err)
	}

	p2 := bank.NormalizePaper(model.Paper{
		ID: "p", Title: "Second", DurationSeconds: 90,
		Sections: []model.Section{{Title: "A", Questions: []model.Question{
			{Text: "only", CanonicalAnswer: "x"},
		}}},
	})
	if err := s.SavePaper(ctx, p2); err != nil {
		t.Fatalf("SavePaper replace: %v", err)
	}

	got, err := s.Paper(ctx, "p")
	if err != nil {
		t.Fatalf("Paper: %v", err)
	}
	if got.Title != "Second" || len(got.Questions()) != 1 {
		t.Errorf("paper not replaced: %+v", got)
	}
	papers, err := s.Papers(ctx)
	if err != nil {
		t.Fatalf("Papers: %v", err)
	}
	if len(papers) != 1 {
		t.Errorf("Papers = %d, want 1", len(papers))
	}
}

func TestImportedFileHash(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	// Missing file returns empty string.
	hash, err := s.GetImportedFileHash(ctx, "/some/path.json")
	if err != nil {
		t.Fatalf("GetImportedFileHash: %v", err)
	}
	if hash != "" {
		t.Errorf("expected empty hash, got %q", hash)
	}

	if err := s.SetImportedFileHash(ctx, "/some/path.json", "abc123"); err != nil {
		t.Fatalf("SetImportedFileHash: %v", err)
	}
	hash, err = s.GetImportedFileHash(ctx, "/some/path.json")
	if err != nil {
		t.Fatalf("GetImportedFileHash: %v", err)
	}
	if hash != "abc123" {
		t.Errorf("expected 'abc123', got %q", hash)
	}

	// Update existing.
	if err := s.SetImportedFileHash(ctx, "/some/path.json", "def456"); err != nil {
		t.Fatalf("SetImportedFileHash update: %v", err)
	}
	hash, _ = s.GetImportedFileHash(ctx, "/some/path.json")
	if hash != "def456" {
		t.Errorf("expected 'def456', got %q", hash)
	}
}

func TestListDistinctTopics(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	topics, err := s.ListDistinctTopics(ctx)
	if err != nil {
		t.Fatalf("ListDistinctTopics: %v", err)
	}
	if len(topics) != 0 {
		t.Errorf("expected 0 topics, got %d", len(topics))
	}

	upsertTestQuestion(t, s, "q1", "Q1", "markets")
	upsertTestQuestion(t, s, "q2", "Q2", "markets")
	upsertTestQuestion(t, s, "q3", "Q3", "basics")
	upsertTestQuestion(t, s, "q4", "Q4", "")
	topics, _ = s.ListDistinctTopics(ctx)
	if len(topics) != 2 || topics[0] != "basics" || topics[1] != "markets" {
		t.Errorf("expected [basics markets], got %v", topics)
	}
}

func TestExportRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	if _, err := s.Import(ctx, "bank.json", []byte(importFile)); err != nil {
		t.Fatalf("Import: %v", err)
	}
	exp, err := s.Export(ctx)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if len(exp.Questions) != 2 || len(exp.Papers) != 1 {
		t.Fatalf("export = %d questions, %d papers", len(exp.Questions), len(exp.Papers))
	}
	if len(exp.Papers[0].Questions()) != 3 {
		t.Errorf("exported paper has %d questions", len(exp.Papers[0].Questions()))
	}
}

func TestStoreAsSource(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	if _, err := s.Import(ctx, "bank.json", []byte(importFile)); err != nil {
		t.Fatalf("Import: %v", err)
	}

	qs, err := sampling.Sample(ctx, s, model.SessionConfig{PaperID: "eco-2024"})
	if err != nil {
		t.Fatalf("Sample paper: %v", err)
	}
	if len(qs) != 3 || qs[0].ID != "eco-2024-0-0" {
		t.Errorf("paper sample = %+v", qs)
	}

	qs, err = sampling.Sample(ctx, s, model.SessionConfig{QuestionCount: 1, RandomSample: true})
	if err != nil {
		t.Fatalf("Sample random: %v", err)
	}
	if len(qs) != 1 {
		t.Errorf("random sample = %d questions, want 1", len(qs))
	}
}
