// Package securestore provides the secure credential store used to cache
// verification keys and verification metadata.
package securestore

import (
	"context"
	"strings"
	"sync"

	iaperrors "github.com/rcourtman/pulse-iap/internal/errors"
)

// Store is a small string key/value store for secrets. Implementations report
// failures as STORE_ERROR storage errors.
type Store interface {
	// GetItem returns the value for key. ok is false when the key is absent.
	GetItem(ctx context.Context, key string) (value string, ok bool, err error)
	SetItem(ctx context.Context, key, value string) error
	// DeleteItem removes key. Deleting an absent key is not an error.
	DeleteItem(ctx context.Context, key string) error
}

// MemoryStore is an in-process Store. The zero value is ready to use.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]string
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]string)}
}

func (s *MemoryStore) GetItem(ctx context.Context, key string) (string, bool, error) {
	if err := checkKey(ctx, "get_item", key); err != nil {
		return "", false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.items[key]
	return value, ok, nil
}

func (s *MemoryStore) SetItem(ctx context.Context, key, value string) error {
	if err := checkKey(ctx, "set_item", key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.items == nil {
		s.items = make(map[string]string)
	}
	s.items[key] = value
	return nil
}

func (s *MemoryStore) DeleteItem(ctx context.Context, key string) error {
	if err := checkKey(ctx, "delete_item", key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
	return nil
}

// Len reports the number of stored items.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

func checkKey(ctx context.Context, op, key string) error {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return iaperrors.WrapStoreError(op, key, err)
		}
	}
	if strings.TrimSpace(key) == "" {
		return iaperrors.NewStorageError(iaperrors.StorageInvalidInput, op, key, nil)
	}
	return nil
}
