// Package mock provides configurable strategies for tests.
package mock

import (
	"context"
	"sync/atomic"

	"github.com/kiranshivaraju/docworker/internal/strategy"
)

// MockStrategy satisfies strategy.Strategy for testing.
type MockStrategy struct {
	Name_       string
	MatchFunc   func(docType string) bool
	ProcessFunc func(ctx context.Context, content []byte, meta strategy.Metadata) (*strategy.Result, error)

	calls atomic.Int64
}

func (m *MockStrategy) Name() string { return m.Name_ }

func (m *MockStrategy) Matches(docType string) bool {
	if m.MatchFunc != nil {
		return m.MatchFunc(docType)
	}
	return false
}

func (m *MockStrategy) Process(ctx context.Context, content []byte, meta strategy.Metadata) (*strategy.Result, error) {
	m.calls.Add(1)
	if m.ProcessFunc != nil {
		return m.ProcessFunc(ctx, content, meta)
	}
	return &strategy.Result{}, nil
}

// Calls returns how many times Process ran.
func (m *MockStrategy) Calls() int { return int(m.calls.Load()) }

// NewMockStrategy returns a strategy that matches types and succeeds with a
// fixed result naming the document.
func NewMockStrategy(name string, types ...string) *MockStrategy {
	return &MockStrategy{
		Name_:     name,
		MatchFunc: strategy.MatchTypes(types...),
		ProcessFunc: func(_ context.Context, content []byte, meta strategy.Metadata) (*strategy.Result, error) {
			return &strategy.Result{
				Text:           "Mock extracted text from " + meta.Filename,
				Fields:         map[string]any{"processed_by": name, "size": len(content)},
				Classification: strategy.Classify(meta.Filename, ""),
			}, nil
		},
	}
}

// NewFailingStrategy returns a strategy that matches types and always fails with err.
func NewFailingStrategy(name string, err error, types ...string) *MockStrategy {
	return &MockStrategy{
		Name_:     name,
		MatchFunc: strategy.MatchTypes(types...),
		ProcessFunc: func(context.Context, []byte, strategy.Metadata) (*strategy.Result, error) {
			return nil, err
		},
	}
}

// NewPanickingStrategy returns a strategy that panics with v.
func NewPanickingStrategy(name string, v any, types ...string) *MockStrategy {
	return &MockStrategy{
		Name_:     name,
		MatchFunc: strategy.MatchTypes(types...),
		ProcessFunc: func(context.Context, []byte, strategy.Metadata) (*strategy.Result, error) {
			panic(v)
		},
	}
}

// NewBlockingStrategy returns a strategy that waits for release (or ctx) and
// then succeeds. started, if non-nil, receives once per call on entry.
func NewBlockingStrategy(name string, started chan<- struct{}, release <-chan struct{}, types ...string) *MockStrategy {
	return &MockStrategy{
		Name_:     name,
		MatchFunc: strategy.MatchTypes(types...),
		ProcessFunc: func(ctx context.Context, _ []byte, _ strategy.Metadata) (*strategy.Result, error) {
			if started != nil {
				started <- struct{}{}
			}
			select {
			case <-release:
				return &strategy.Result{Text: "released"}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}
}

// Compile-time check that MockStrategy implements Strategy.
var _ strategy.Strategy = (*MockStrategy)(nil)
