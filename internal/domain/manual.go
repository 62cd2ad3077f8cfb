// Package domain contains core domain types for the stepwise service.
package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// MinManualSteps is the smallest manual the catalog accepts.
const MinManualSteps = 2

// Step is a single instruction within a manual.
type Step struct {
	Number  int    `json:"step_number" yaml:"step_number"`
	Title   string `json:"title" yaml:"title"`
	Content string `json:"content" yaml:"content"`
}

// Manual is an ordered set of steps numbered 1..N.
type Manual struct {
	ID        string    `json:"manual_id" yaml:"manual_id"`
	Title     string    `json:"title" yaml:"title"`
	Steps     []Step    `json:"steps" yaml:"steps"`
	CreatedAt time.Time `json:"created_at" yaml:"-"`
}

// TotalSteps returns the number of steps in the manual.
func (m *Manual) TotalSteps() int {
	return len(m.Steps)
}

// Step returns the step with the given number.
func (m *Manual) Step(n int) (Step, bool) {
	if n < 1 || n > len(m.Steps) {
		return Step{}, false
	}
	// Steps are kept sorted by Normalize, so index n-1 holds step n.
	s := m.Steps[n-1]
	if s.Number != n {
		for _, candidate := range m.Steps {
			if candidate.Number == n {
				return candidate, true
			}
		}
		return Step{}, false
	}
	return s, true
}

// Normalize sorts steps by number.
func (m *Manual) Normalize() {
	sort.SliceStable(m.Steps, func(i, j int) bool {
		return m.Steps[i].Number < m.Steps[j].Number
	})
}

// Validate checks the manual's shape: a non-empty id and title, at least
// MinManualSteps steps numbered sequentially from 1.
func (m *Manual) Validate() error {
	if strings.TrimSpace(m.ID) == "" {
		return fmt.Errorf("%w: manual_id is required", ErrInvalidManual)
	}
	if len(m.ID) > 100 {
		return fmt.Errorf("%w: manual_id exceeds 100 characters", ErrInvalidManual)
	}
	if strings.TrimSpace(m.Title) == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidManual)
	}
	if len(m.Steps) < MinManualSteps {
		return fmt.Errorf("%w: at least %d steps required, got %d", ErrInvalidManual, MinManualSteps, len(m.Steps))
	}

	seen := make(map[int]bool, len(m.Steps))
	for _, s := range m.Steps {
		if s.Number < 1 || s.Number > len(m.Steps) || seen[s.Number] {
			return fmt.Errorf("%w: step numbers must be sequential starting from 1", ErrInvalidManual)
		}
		seen[s.Number] = true
		if strings.TrimSpace(s.Title) == "" || strings.TrimSpace(s.Content) == "" {
			return fmt.Errorf("%w: step %d needs a title and content", ErrInvalidManual, s.Number)
		}
	}
	return nil
}
