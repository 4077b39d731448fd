package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// GetImportedFileHash returns the SHA-256 recorded for a questions file, or
// an empty string if the file was never imported.
func (s *Store) GetImportedFileHash(ctx context.Context, path string) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx, `SELECT sha256 FROM imported_files WHERE path = ?`, path).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return hash, err
}

// SetImportedFileHash records the SHA-256 of an imported questions file.
func (s *Store) SetImportedFileHash(ctx context.Context, path, hash string) error {
	return setImportedFileHash(ctx, s.db, path, hash)
}

func setImportedFileHash(ctx context.Context, ex execer, path, hash string) error {
	_, err := ex.ExecContext(ctx,
		`INSERT INTO imported_files (path, sha256, imported_at) VALUES (?, ?, ?)
		 ON CONFLICT(path) DO UPDATE SET sha256 = excluded.sha256, imported_at = excluded.imported_at`,
		path, hash, time.Now().UTC(),
	)
	return err
}
