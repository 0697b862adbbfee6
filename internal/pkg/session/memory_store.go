// internal/pkg/session/memory_store.go
package session

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
)

const memoryKey = "session"

// MemoryStore keeps the session in process memory. Useful for development and
// tests; nothing survives a restart.
type MemoryStore struct {
	c        *cache.Cache
	mu       sync.Mutex
	deviceID string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{c: cache.New(cache.NoExpiration, 0)}
}

func (s *MemoryStore) Load(_ context.Context) (Data, error) {
	v, ok := s.c.Get(memoryKey)
	if !ok {
		return Data{}, nil
	}
	return clone(v.(Data)), nil
}

func (s *MemoryStore) Save(_ context.Context, d Data) error {
	s.c.Set(memoryKey, clone(d), cache.NoExpiration)
	return nil
}

func (s *MemoryStore) Clear(_ context.Context) error {
	s.c.Delete(memoryKey)
	return nil
}

func (s *MemoryStore) DeviceID(_ context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deviceID == "" {
		s.deviceID = uuid.NewString()
	}
	return s.deviceID, nil
}

func clone(d Data) Data {
	var out Data
	if d.Tokens != nil {
		t := *d.Tokens
		out.Tokens = &t
	}
	if d.User != nil {
		u := *d.User
		out.User = &u
	}
	if d.State != nil {
		st := *d.State
		out.State = &st
	}
	return out
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*RedisStore)(nil)
)
