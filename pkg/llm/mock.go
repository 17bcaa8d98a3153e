package llm

import (
	"context"
	"sync"
)

// MockClient is a scripted Client for tests. Complete hands out queued
// completions in order (the last one repeats once the queue drains) and
// records every system/prompt pair it was asked for.
type MockClient struct {
	mu      sync.Mutex
	Queue   []*Completion
	Err     error
	Systems []string
	Prompts []string
}

// Complete implements Client.
func (m *MockClient) Complete(_ context.Context, system, prompt string) (*Completion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Systems = append(m.Systems, system)
	m.Prompts = append(m.Prompts, prompt)

	if m.Err != nil {
		return nil, m.Err
	}
	if len(m.Queue) == 0 {
		return &Completion{Text: "{}", InputTokens: 1, OutputTokens: 1}, nil
	}
	next := m.Queue[0]
	if len(m.Queue) > 1 {
		m.Queue = m.Queue[1:]
	}
	return next, nil
}

// Calls reports how many completions were requested.
func (m *MockClient) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Prompts)
}
