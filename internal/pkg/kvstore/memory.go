package kvstore

import (
	"context"
	"sync"
)

// Memory is an in-process Opener. Staged writes are visible to Get at once and
// are discarded by Crash unless committed first.
type Memory struct {
	// OnSet is called before a value is staged. A non-nil error aborts the Set.
	OnSet func(namespace, key string, value []byte) error
	// OnCommit is called before a namespace is committed. A non-nil error
	// fails the Commit and drops what was staged.
	OnCommit func(namespace string) error

	mu        sync.Mutex
	committed map[string]map[string][]byte
	staged    map[string]map[string][]byte
	commits   int
}

var _ Opener = (*Memory)(nil)

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{
		committed: map[string]map[string][]byte{},
		staged:    map[string]map[string][]byte{},
	}
}

// Open returns the named namespace, creating it if needed.
func (m *Memory) Open(_ context.Context, name string) (Namespace, error) {
	return &memNamespace{store: m, name: name}, nil
}

// Crash drops everything that was staged but not committed.
func (m *Memory) Crash() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.staged = map[string]map[string][]byte{}
}

// Commits returns how many commits have been made.
func (m *Memory) Commits() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commits
}

type memNamespace struct {
	store *Memory
	name  string
}

func (n *memNamespace) Get(_ context.Context, key string) ([]byte, error) {
	m := n.store
	m.mu.Lock()
	defer m.mu.Unlock()

	if v, ok := m.staged[n.name][key]; ok {
		return clone(v), nil
	}
	if v, ok := m.committed[n.name][key]; ok {
		return clone(v), nil
	}
	return nil, ErrNotFound
}

func (n *memNamespace) Set(_ context.Context, key string, value []byte) error {
	m := n.store
	if m.OnSet != nil {
		if err := m.OnSet(n.name, key, value); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.staged[n.name] == nil {
		m.staged[n.name] = map[string][]byte{}
	}
	m.staged[n.name][key] = clone(value)
	return nil
}

func (n *memNamespace) Commit(_ context.Context) error {
	m := n.store
	if m.OnCommit != nil {
		if err := m.OnCommit(n.name); err != nil {
			m.mu.Lock()
			delete(m.staged, n.name)
			m.mu.Unlock()
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.committed[n.name] == nil {
		m.committed[n.name] = map[string][]byte{}
	}
	for k, v := range m.staged[n.name] {
		m.committed[n.name][k] = v
	}
	delete(m.staged, n.name)
	m.commits++
	return nil
}

func (n *memNamespace) Discard(_ context.Context) error {
	m := n.store
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.staged, n.name)
	return nil
}
