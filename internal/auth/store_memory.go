package auth

import (
	"context"
	"errors"
	"sync"
)

// MemoryClientStore keeps operator clients in memory. It backs deployments
// that run on the SQLite ledger and have no oauth_clients table.
type MemoryClientStore struct {
	mu      sync.RWMutex
	clients map[string]Client
}

func NewMemoryClientStore(clients ...*Client) *MemoryClientStore {
	s := &MemoryClientStore{clients: map[string]Client{}}
	for _, c := range clients {
		_ = s.PutClient(context.Background(), c)
	}
	return s
}

func (s *MemoryClientStore) PutClient(_ context.Context, c *Client) error {
	if c == nil || c.ID == "" {
		return errors.New("client id is required")
	}
	cp := *c
	cp.Scopes = append([]string(nil), c.Scopes...)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c.ID] = cp
	return nil
}

func (s *MemoryClientStore) GetClient(_ context.Context, clientID string) (*Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clients[clientID]
	if !ok {
		return nil, ErrClientNotFound
	}
	return &c, nil
}
