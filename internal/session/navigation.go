package session

import (
	"fmt"

	"github.com/pavelanni/mocktest/internal/model"
)

// Current returns the question at the current index for one-at-a-time
// presentation.
func (c *Controller) Current() (model.Question, int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Phase != model.PhaseRunning {
		return model.Question{}, 0, c.phaseError("current")
	}
	i := c.state.CurrentIndex
	return c.state.Questions[i], i, nil
}

// Next moves to the following question.
func (c *Controller) Next() (int, error) {
	return c.move("next", func(i int) int { return i + 1 })
}

// Previous moves to the preceding question.
func (c *Controller) Previous() (int, error) {
	return c.move("previous", func(i int) int { return i - 1 })
}

// Goto jumps to the question at index i.
func (c *Controller) Goto(i int) (int, error) {
	return c.move("goto", func(int) int { return i })
}

func (c *Controller) move(op string, to func(int) int) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0, ErrClosed
	}
	if c.state.Phase != model.PhaseRunning {
		return 0, c.phaseError(op)
	}
	i := to(c.state.CurrentIndex)
	if i < 0 || i >= len(c.state.Questions) {
		return c.state.CurrentIndex, fmt.Errorf("%s to %d of %d: %w", op, i, len(c.state.Questions), ErrOutOfRange)
	}
	c.state.CurrentIndex = i
	return i, nil
}
