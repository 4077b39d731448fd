package store

import (
	"context"
	"fmt"

	"github.com/pavelanni/mocktest/internal/model"
)

// Export returns the whole bank in the import file format.
func (s *Store) Export(ctx context.Context) (model.QuestionImport, error) {
	questions, err := s.All(ctx)
	if err != nil {
		return model.QuestionImport{}, fmt.Errorf("list questions: %w", err)
	}
	papers, err := s.Papers(ctx)
	if err != nil {
		return model.QuestionImport{}, fmt.Errorf("list papers: %w", err)
	}
	return model.QuestionImport{Questions: questions, Papers: papers}, nil
}
