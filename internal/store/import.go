package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"

	"github.com/pavelanni/mocktest/internal/bank"
)

// ImportStatus tells what Import did with a file.
type ImportStatus string

const (
	ImportDone      ImportStatus = "imported"
	ImportUnchanged ImportStatus = "unchanged"
	ImportChanged   ImportStatus = "changed"
)

// ImportResult summarizes one imported questions file.
type ImportResult struct {
	Path      string       `json:"path"`
	Status    ImportStatus `json:"status"`
	Questions int          `json:"questions"`
	Papers    int          `json:"papers"`
}

// ImportFile reads a questions file from disk and imports it.
func (s *Store) ImportFile(ctx context.Context, path string) (ImportResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ImportResult{Path: path}, fmt.Errorf("read %s: %w", path, err)
	}
	return s.Import(ctx, path, data)
}

// Import stores the questions and papers of a questions file in one
// transaction. A file already imported with the same content is skipped. A
// file whose content changed since its last import is also skipped, with a
// warning, so a running bank is never half-replaced.
func (s *Store) Import(ctx context.Context, path string, data []byte) (ImportResult, error) {
	res := ImportResult{Path: path}
	hash := sha256sum(data)

	storedHash, err := s.GetImportedFileHash(ctx, path)
	if err != nil {
		return res, fmt.Errorf("check import status for %s: %w", path, err)
	}
	if storedHash == hash {
		slog.Info("questions file unchanged, skipping", "path", path)
		res.Status = ImportUnchanged
		return res, nil
	}
	if storedHash != "" {
		slog.Warn("questions file changed since last import, skipping", "path", path)
		res.Status = ImportChanged
		return res, nil
	}

	imp, err := bank.ParseImport(data)
	if err != nil {
		return res, fmt.Errorf("parse %s: %w", path, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()

	for _, q := range imp.Questions {
		if err := upsertQuestion(ctx, tx, q); err != nil {
			return res, fmt.Errorf("insert question %s from %s: %w", q.ID, path, err)
		}
	}
	for _, p := range imp.Papers {
		if err := savePaper(ctx, tx, p); err != nil {
			return res, fmt.Errorf("%s: %w", path, err)
		}
	}
	if err := setImportedFileHash(ctx, tx, path, hash); err != nil {
		return res, fmt.Errorf("record import for %s: %w", path, err)
	}
	if err := tx.Commit(); err != nil {
		return res, err
	}

	res.Status = ImportDone
	res.Questions = len(imp.Questions)
	res.Papers = len(imp.Papers)
	slog.Info("imported questions", "path", path, "questions", res.Questions, "papers", res.Papers)
	return res, nil
}

func sha256sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
