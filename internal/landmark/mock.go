package landmark

import (
	"context"
	"image"
	"sync"
)

// MockService returns scripted results in order and repeats the last one.
// Without a script it reports no landmarks.
type MockService struct {
	mu     sync.Mutex
	script []*Result
	errs   []error
	calls  int
}

// NewMockService creates a deterministic detector.
func NewMockService(script ...*Result) *MockService {
	return &MockService{script: script}
}

// FailWith makes the call at the same position fail. Nil entries succeed.
func (m *MockService) FailWith(errs ...error) *MockService {
	m.mu.Lock()
	m.errs = errs
	m.mu.Unlock()
	return m
}

// Calls returns how many detections ran.
func (m *MockService) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *MockService) Detect(ctx context.Context, _ image.Image, _ int) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.calls
	m.calls++
	if i < len(m.errs) && m.errs[i] != nil {
		return nil, m.errs[i]
	}
	if len(m.script) == 0 {
		return &Result{}, nil
	}
	if i >= len(m.script) {
		i = len(m.script) - 1
	}
	return m.script[i], nil
}
