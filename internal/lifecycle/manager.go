// Package lifecycle tears down long-lived resources in reverse boot
// order. The app registers storage, the fleet and the scheduler here and
// calls Close exactly once on the way out.
package lifecycle

import (
	"errors"
	"fmt"
	"io"
	"sync"
)

type entry struct {
	name  string
	close func() error
}

// Manager collects cleanup functions during boot and runs them LIFO on
// Close, so dependents shut down before the things they depend on.
type Manager struct {
	mu      sync.Mutex
	entries []entry
	done    bool
}

// NewManager creates a new resource lifecycle manager.
func NewManager() *Manager {
	return &Manager{}
}

// Register adds a resource to be closed when the manager is closed.
func (m *Manager) Register(name string, closer io.Closer) {
	m.RegisterFunc(name, closer.Close)
}

// RegisterFunc adds a cleanup function under the given name.
func (m *Manager) RegisterFunc(name string, fn func() error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry{name: name, close: fn})
}

// Close runs every registered cleanup in reverse registration order. All
// of them run even when earlier ones fail; failures are joined into the
// returned error. A second Close is a no-op.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.done {
		return nil
	}
	m.done = true

	var errs []error
	for i := len(m.entries) - 1; i >= 0; i-- {
		if err := m.entries[i].close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", m.entries[i].name, err))
		}
	}
	return errors.Join(errs...)
}
