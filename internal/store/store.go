package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pavelanni/mocktest/internal/bank"
	"github.com/pavelanni/mocktest/internal/model"

	_ "modernc.org/sqlite"
)

var (
	_ bank.Source      = (*Store)(nil)
	_ bank.PaperLister = (*Store)(nil)
)

type Store struct {
	db *sql.DB
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// Each :memory: connection is a separate database.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS papers (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		duration_seconds INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS paper_sections (
		paper_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		title TEXT NOT NULL,
		instructions TEXT NOT NULL DEFAULT '',
		total_marks INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (paper_id, position),
		FOREIGN KEY (paper_id) REFERENCES papers(id)
	);

	CREATE TABLE IF NOT EXISTS questions (
		pk INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL,
		paper_id TEXT NOT NULL DEFAULT '',
		section_position INTEGER NOT NULL DEFAULT 0,
		position INTEGER NOT NULL DEFAULT 0,
		text TEXT NOT NULL,
		kind TEXT NOT NULL,
		options TEXT NOT NULL DEFAULT '[]',
		canonical_answer TEXT NOT NULL,
		marks INTEGER NOT NULL DEFAULT 1,
		section TEXT NOT NULL DEFAULT '',
		topic TEXT NOT NULL DEFAULT '',
		UNIQUE (paper_id, id)
	);

	CREATE TABLE IF NOT EXISTS imported_files (
		path TEXT PRIMARY KEY,
		sha256 TEXT NOT NULL,
		imported_at DATETIME NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

const questionColumns = `id, text, kind, options, canonical_answer, marks, section, topic`

// UpsertQuestion stores a bank question, replacing any question with the same ID.
func (s *Store) UpsertQuestion(ctx context.Context, q model.Question) error {
	return upsertQuestion(ctx, s.db, q)
}

func upsertQuestion(ctx context.Context, ex execer, q model.Question) error {
	opts, err := json.Marshal(nonNil(q.Options))
	if err != nil {
		return fmt.Errorf("encode options: %w", err)
	}
	_, err = ex.ExecContext(ctx,
		`INSERT INTO questions (id, paper_id, text, kind, options, canonical_answer, marks, section, topic)
		 VALUES (?, '', ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(paper_id, id) DO UPDATE SET
		   text = excluded.text, kind = excluded.kind, options = excluded.options,
		   canonical_answer = excluded.canonical_answer, marks = excluded.marks,
		   section = excluded.section, topic = excluded.topic`,
		q.ID, q.Text, q.Kind, string(opts), q.CanonicalAnswer, q.Marks, q.Section, q.Topic,
	)
	return err
}

// All returns the bank questions (those outside any paper) in insertion order.
func (s *Store) All(ctx context.Context) ([]model.Question, error) {
	return s.queryQuestions(ctx,
		`SELECT `+questionColumns+` FROM questions WHERE paper_id = '' ORDER BY pk`)
}

// GetQuestion returns a bank question by ID.
func (s *Store) GetQuestion(ctx context.Context, id string) (model.Question, error) {
	qs, err := s.queryQuestions(ctx,
		`SELECT `+questionColumns+` FROM questions WHERE paper_id = '' AND id = ?`, id)
	if err != nil {
		return model.Question{}, err
	}
	if len(qs) == 0 {
		return model.Question{}, sql.ErrNoRows
	}
	return qs[0], nil
}

// QuestionCount returns the number of bank questions.
func (s *Store) QuestionCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM questions WHERE paper_id = ''`).Scan(&n)
	return n, err
}

// ListDistinctTopics returns all unique non-empty topics, sorted alphabetically.
func (s *Store) ListDistinctTopics(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT topic FROM questions WHERE topic != '' ORDER BY topic`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var topics []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		topics = append(topics, t)
	}
	return topics, rows.Err()
}

// SavePaper stores a normalized paper, replacing an existing paper with the
// same ID together with its sections and questions.
func (s *Store) SavePaper(ctx context.Context, p model.Paper) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := savePaper(ctx, tx, p); err != nil {
		return err
	}
	return tx.Commit()
}

func savePaper(ctx context.Context, ex execer, p model.Paper) error {
	for _, q := range []string{
		`DELETE FROM questions WHERE paper_id = ?`,
		`DELETE FROM paper_sections WHERE paper_id = ?`,
		`DELETE FROM papers WHERE id = ?`,
	} {
		if _, err := ex.ExecContext(ctx, q, p.ID); err != nil {
			return fmt.Errorf("clear paper %s: %w", p.ID, err)
		}
	}

	if _, err := ex.ExecContext(ctx,
		`INSERT INTO papers (id, title, duration_seconds) VALUES (?, ?, ?)`,
		p.ID, p.Title, p.DurationSeconds,
	); err != nil {
		return fmt.Errorf("insert paper %s: %w", p.ID, err)
	}

	for si, sec := range p.Sections {
		if _, err := ex.ExecContext(ctx,
			`INSERT INTO paper_sections (paper_id, position, title, instructions, total_marks) VALUES (?, ?, ?, ?, ?)`,
			p.ID, si, sec.Title, sec.Instructions, sec.TotalMarks,
		); err != nil {
			return fmt.Errorf("insert section %d of %s: %w", si, p.ID, err)
		}
		for qi, q := range sec.Questions {
			opts, err := json.Marshal(nonNil(q.Options))
			if err != nil {
				return fmt.Errorf("encode options: %w", err)
			}
			if _, err := ex.ExecContext(ctx,
				`INSERT INTO questions (id, paper_id, section_position, position, text, kind, options, canonical_answer, marks, section, topic)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				q.ID, p.ID, si, qi, q.Text, q.Kind, string(opts), q.CanonicalAnswer, q.Marks, q.Section, q.Topic,
			); err != nil {
				return fmt.Errorf("insert question %s of %s: %w", q.ID, p.ID, err)
			}
		}
	}
	return nil
}

// Paper returns a paper with its sections and questions in authored order.
func (s *Store) Paper(ctx context.Context, id string) (model.Paper, error) {
	var p model.Paper
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, duration_seconds FROM papers WHERE id = ?`, id,
	).Scan(&p.ID, &p.Title, &p.DurationSeconds)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Paper{}, fmt.Errorf("%w: %q", bank.ErrPaperNotFound, id)
	}
	if err != nil {
		return model.Paper{}, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT title, instructions, total_marks FROM paper_sections WHERE paper_id = ? ORDER BY position`, id)
	if err != nil {
		return model.Paper{}, err
	}
	for rows.Next() {
		var sec model.Section
		if err := rows.Scan(&sec.Title, &sec.Instructions, &sec.TotalMarks); err != nil {
			rows.Close()
			return model.Paper{}, err
		}
		p.Sections = append(p.Sections, sec)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return model.Paper{}, err
	}

	for si := range p.Sections {
		qs, err := s.queryQuestions(ctx,
			`SELECT `+questionColumns+` FROM questions WHERE paper_id = ? AND section_position = ? ORDER BY position`,
			id, si)
		if err != nil {
			return model.Paper{}, err
		}
		p.Sections[si].Questions = qs
	}
	return p, nil
}

// Papers returns every paper with its sections, ordered by ID.
func (s *Store) Papers(ctx context.Context) ([]model.Paper, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM papers ORDER BY id`)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	papers := make([]model.Paper, 0, len(ids))
	for _, id := range ids {
		p, err := s.Paper(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load paper %s: %w", id, err)
		}
		papers = append(papers, p)
	}
	return papers, nil
}

func (s *Store) queryQuestions(ctx context.Context, query string, args ...any) ([]model.Question, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var questions []model.Question
	for rows.Next() {
		var q model.Question
		var opts string
		if err := rows.Scan(&q.ID, &q.Text, &q.Kind, &opts, &q.CanonicalAnswer, &q.Marks, &q.Section, &q.Topic); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(opts), &q.Options); err != nil {
			return nil, fmt.Errorf("decode options of %s: %w", q.ID, err)
		}
		if len(q.Options) == 0 {
			q.Options = nil
		}
		questions = append(questions, q)
	}
	return questions, rows.Err()
}

func nonNil(opts []string) []string {
	if opts == nil {
		return []string{}
	}
	return opts
}
