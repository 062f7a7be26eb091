// Package processtest provides a mock process.Driver for Session and
// MessageQueue unit tests, standing in for a real assistant child
// process. Adapted from the teacher's internal/executor/mock package.
package processtest

import (
	"context"
	"sync"

	"github.com/zette-dev/natron/internal/process"
)

// Mock is a test double implementing process.Driver.
type Mock struct {
	mu      sync.Mutex
	alive   bool
	closed  int
	asks    int
	Handler func(ctx context.Context, prompt string) (string, error)
}

var _ process.Driver = (*Mock)(nil)

// New creates a live mock driver.
func New() *Mock {
	return &Mock{alive: true}
}

func (m *Mock) Ask(ctx context.Context, prompt string) (string, error) {
	m.mu.Lock()
	m.asks++
	alive := m.alive
	m.mu.Unlock()

	if !alive {
		return "", process.ErrDead
	}

	if m.Handler != nil {
		return m.Handler(ctx, prompt)
	}
	return "echo: " + prompt, nil
}

func (m *Mock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alive = false
	m.closed++
	return nil
}

func (m *Mock) Alive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.alive
}

func (m *Mock) Wait() (int, error) {
	return 0, nil
}

// Kill simulates an out-of-band crash (e.g. a SIGKILL from outside the
// driver), flipping Alive() to false without going through Close().
func (m *Mock) Kill() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alive = false
}

func (m *Mock) Closed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Mock) Asks() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.asks
}
