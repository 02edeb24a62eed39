package kvstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

var validName = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,64}$`)

// FileStore keeps one msgpack file per namespace under a directory. Commit
// replaces the file atomically, so a crash before Commit leaves the previous
// contents in place.
type FileStore struct {
	dir string

	mu     sync.Mutex
	opened map[string]*fileNamespace
}

var _ Opener = (*FileStore)(nil)

// NewFileStore creates dir if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("kvstore: create %s: %w", dir, err)
	}
	return &FileStore{dir: dir, opened: map[string]*fileNamespace{}}, nil
}

// Open loads the named namespace. Repeated opens share state.
func (s *FileStore) Open(_ context.Context, name string) (Namespace, error) {
	if !validName.MatchString(name) {
		return nil, fmt.Errorf("kvstore: invalid namespace name %q", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if ns, ok := s.opened[name]; ok {
		return ns, nil
	}

	ns := &fileNamespace{
		path:   filepath.Join(s.dir, name+".msgpack"),
		data:   map[string][]byte{},
		staged: map[string][]byte{},
	}
	if err := ns.load(); err != nil {
		return nil, err
	}
	s.opened[name] = ns
	return ns, nil
}

type fileNamespace struct {
	path string

	mu     sync.Mutex
	data   map[string][]byte
	staged map[string][]byte
}

func (n *fileNamespace) load() error {
	raw, err := os.ReadFile(n.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("kvstore: read %s: %w", n.path, err)
	}
	if err := msgpack.Unmarshal(raw, &n.data); err != nil {
		return fmt.Errorf("kvstore: decode %s: %w", n.path, err)
	}
	if n.data == nil {
		n.data = map[string][]byte{}
	}
	return nil
}

func (n *fileNamespace) Get(_ context.Context, key string) ([]byte, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if v, ok := n.staged[key]; ok {
		return clone(v), nil
	}
	if v, ok := n.data[key]; ok {
		return clone(v), nil
	}
	return nil, ErrNotFound
}

func (n *fileNamespace) Set(_ context.Context, key string, value []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.staged[key] = clone(value)
	return nil
}

func (n *fileNamespace) Commit(_ context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if len(n.staged) == 0 {
		return nil
	}

	next := make(map[string][]byte, len(n.data)+len(n.staged))
	for k, v := range n.data {
		next[k] = v
	}
	for k, v := range n.staged {
		next[k] = v
	}

	// 失败时同样丢弃暂存值，避免读到未落盘的数据
	n.staged = map[string][]byte{}

	raw, err := msgpack.Marshal(next)
	if err != nil {
		return fmt.Errorf("kvstore: encode %s: %w", n.path, err)
	}
	if err := writeFileAtomic(n.path, raw); err != nil {
		return err
	}

	n.data = next
	return nil
}

func (n *fileNamespace) Discard(_ context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.staged = map[string][]byte{}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("kvstore: create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("kvstore: write %s: %w", tmp.Name(), err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("kvstore: sync %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("kvstore: close %s: %w", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("kvstore: rename into %s: %w", path, err)
	}

	// Persist the rename itself.
	d, err := os.Open(dir)
	if err != nil {
		return nil
	}
	defer d.Close()
	_ = d.Sync()
	return nil
}
