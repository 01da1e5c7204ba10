// Package memimpl is an in-process reference implementation of
// xenstore.Store, a flat map keyed by path guarded by a single mutex, used
// by tests and the loopback demo in place of a real configuration-store
// daemon.
package memimpl

import (
	"strings"
	"sync"

	"github.com/brodyxchen/netfront/xenstore"
)

// Store is a process-local configuration store. Transactions are
// serialized behind the same mutex as plain reads/writes, which is
// sufficient to give callers atomicity without a real MVCC layer.
type Store struct {
	mu     sync.Mutex
	values map[string]string
}

// New returns an empty Store.
func New() *Store {
	return &Store{values: make(map[string]string)}
}

func (s *Store) Read(key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok, nil
}

func (s *Store) Write(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

func (s *Store) Directory(key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := key + "/"
	seen := make(map[string]bool)
	var names []string
	for k := range s.values {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		rest := strings.TrimPrefix(k, prefix)
		if idx := strings.IndexByte(rest, '/'); idx >= 0 {
			rest = rest[:idx]
		}
		if rest == "" || seen[rest] {
			continue
		}
		seen[rest] = true
		names = append(names, rest)
	}
	return names, nil
}

// Transaction takes the store's mutex for the whole of fn, so no other
// reader or writer sees the store part-way through fn (spec.md §4.7 steps
// 5-6). Writes are applied as fn makes them; those made before fn returns
// an error are not rolled back.
func (s *Store) Transaction(fn func(tx xenstore.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&tx{s: s})
}

// tx is the Tx handed to a Transaction callback. It reuses the Store's
// already-held mutex rather than re-locking, since Go's sync.Mutex is not
// reentrant.
type tx struct {
	s *Store
}

func (t *tx) Read(key string) (string, bool, error) {
	v, ok := t.s.values[key]
	return v, ok, nil
}

func (t *tx) Write(key, value string) error {
	t.s.values[key] = value
	return nil
}

func (t *tx) Directory(key string) ([]string, error) {
	prefix := key + "/"
	seen := make(map[string]bool)
	var names []string
	for k := range t.s.values {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		rest := strings.TrimPrefix(k, prefix)
		if idx := strings.IndexByte(rest, '/'); idx >= 0 {
			rest = rest[:idx]
		}
		if rest == "" || seen[rest] {
			continue
		}
		seen[rest] = true
		names = append(names, rest)
	}
	return names, nil
}
