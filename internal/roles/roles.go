// Package roles stores which accounts hold which marketplace roles.
package roles

import (
	"context"
	"sync"

	"marketplace/internal/market"

	"github.com/ethereum/go-ethereum/common"
)

// MemoryStore keeps role membership in process.
type MemoryStore struct {
	mu      sync.RWMutex
	members map[market.Role]map[common.Address]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{members: map[market.Role]map[common.Address]struct{}{}}
}

func (s *MemoryStore) HasRole(_ context.Context, role market.Role, account common.Address) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.members[role][account]
	return ok, nil
}

func (s *MemoryStore) Grant(_ context.Context, role market.Role, account common.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.members[role] == nil {
		s.members[role] = map[common.Address]struct{}{}
	}
	s.members[role][account] = struct{}{}
	return nil
}

func (s *MemoryStore) Revoke(_ context.Context, role market.Role, account common.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.members[role], account)
	return nil
}
