package profile

import (
	"context"
	"sync"

	"github.com/c360/lenslink/errors"
)

// MemoryStore is an in-memory Store for tests and single-node development.
type MemoryStore struct {
	mu        sync.RWMutex
	manifests map[string]*Manifest
	users     map[string]*User
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		manifests: make(map[string]*Manifest),
		users:     make(map[string]*User),
	}
}

// PutAppManifest stores or replaces a manifest.
func (s *MemoryStore) PutAppManifest(m *Manifest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.manifests[m.Package] = m
}

// PutUser stores or replaces a user record.
func (s *MemoryStore) PutUser(u *User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
}

// GetAppManifest implements Store.
func (s *MemoryStore) GetAppManifest(_ context.Context, pkg string) (*Manifest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.manifests[pkg]
	if !ok {
		return nil, errors.WrapInvalid(errors.ErrUnknownPackage, "MemoryStore", "GetAppManifest",
			"lookup "+pkg)
	}
	cp := *m
	return &cp, nil
}

// GetUser implements Store.
func (s *MemoryStore) GetUser(_ context.Context, identity string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[identity]
	if !ok {
		return nil, errors.WrapInvalid(errors.ErrKeyNotFound, "MemoryStore", "GetUser",
			"lookup "+identity)
	}
	cp := *u
	return &cp, nil
}

var _ Store = (*MemoryStore)(nil)
