// Package verification keeps the metadata of transactions that passed receipt
// verification. Entries live in the secure store and are cached in memory
// after Restore.
package verification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	iaperrors "github.com/rcourtman/pulse-iap/internal/errors"
	"github.com/rcourtman/pulse-iap/internal/securestore"
	"github.com/rcourtman/pulse-iap/pkg/purchases"
)

const (
	// IndexKey holds the JSON list of recorded transaction ids.
	IndexKey    = "iap.verification.index"
	entryPrefix = "iap.verification."
)

// EntryKey is the secure store key for one transaction's metadata.
func EntryKey(transactionID string) string {
	return entryPrefix + transactionID
}

// State is the verification metadata cache. Build one at startup, call
// Restore, then share it.
type State struct {
	store securestore.Store

	// mu also serialises index rewrites so concurrent records cannot drop ids.
	mu      sync.RWMutex
	entries map[string]purchases.VerificationMetadata
}

// NewState returns an empty State backed by store.
func NewState(store securestore.Store) *State {
	return &State{
		store:   store,
		entries: make(map[string]purchases.VerificationMetadata),
	}
}

// Restore loads every indexed entry into memory. Unreadable or corrupt
// entries are skipped; the count of loaded entries is returned.
func (s *State) Restore(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, err := s.readIndex(ctx)
	if err != nil {
		return 0, err
	}

	loaded := make(map[string]purchases.VerificationMetadata, len(ids))
	for _, id := range ids {
		raw, ok, err := s.store.GetItem(ctx, EntryKey(id))
		if err != nil {
			if ctx.Err() != nil {
				return 0, err
			}
			log.Warn().Err(err).Str("component", "verification").Str("transaction_id", id).Msg("Skipping unreadable verification entry")
			continue
		}
		if !ok {
			log.Debug().Str("transaction_id", id).Msg("Indexed verification entry missing")
			continue
		}
		var meta purchases.VerificationMetadata
		if err := json.Unmarshal([]byte(raw), &meta); err != nil || meta.TransactionID != id {
			log.Warn().Str("component", "verification").Str("transaction_id", id).Msg("Skipping corrupt verification entry")
			continue
		}
		loaded[id] = meta
	}

	s.entries = loaded
	log.Info().Str("component", "verification").Int("entries", len(loaded)).Msg("Verification state restored")
	return len(loaded), nil
}

// Record persists meta and caches it. Recording the same transaction twice
// overwrites the earlier entry.
func (s *State) Record(ctx context.Context, meta purchases.VerificationMetadata) error {
	if strings.TrimSpace(meta.TransactionID) == "" {
		return iaperrors.NewStorageError(iaperrors.StorageInvalidInput, "record_verification", "", errors.New("transaction id is required"))
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return iaperrors.NewStorageError(iaperrors.StorageParse, "record_verification", meta.TransactionID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.SetItem(ctx, EntryKey(meta.TransactionID), string(data)); err != nil {
		return err
	}
	if _, known := s.entries[meta.TransactionID]; !known {
		ids := append(s.idsLocked(), meta.TransactionID)
		if err := s.writeIndex(ctx, ids); err != nil {
			return err
		}
	}
	s.entries[meta.TransactionID] = meta
	return nil
}

// Get returns the cached metadata for transactionID.
func (s *State) Get(transactionID string) (purchases.VerificationMetadata, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	meta, ok := s.entries[transactionID]
	return meta, ok
}

// IsVerified reports whether transactionID has recorded metadata.
func (s *State) IsVerified(transactionID string) bool {
	_, ok := s.Get(transactionID)
	return ok
}

// All returns every cached entry ordered by verification time.
func (s *State) All() []purchases.VerificationMetadata {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]purchases.VerificationMetadata, 0, len(s.entries))
	for _, meta := range s.entries {
		out = append(out, meta)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].VerifiedAt.Equal(out[j].VerifiedAt) {
			return out[i].TransactionID < out[j].TransactionID
		}
		return out[i].VerifiedAt.Before(out[j].VerifiedAt)
	})
	return out
}

// Erase removes one transaction's metadata from the store and the cache.
func (s *State) Erase(ctx context.Context, transactionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.DeleteItem(ctx, EntryKey(transactionID)); err != nil {
		return err
	}
	if _, known := s.entries[transactionID]; !known {
		return nil
	}
	delete(s.entries, transactionID)
	return s.writeIndex(ctx, s.idsLocked())
}

// EraseAll deletes every entry and the index. It keeps going past individual
// delete failures and returns them joined.
func (s *State) EraseAll(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, err := s.readIndex(ctx)
	if err != nil {
		log.Warn().Err(err).Str("component", "verification").Msg("Verification index unreadable, erasing cached entries only")
	}
	seen := make(map[string]struct{}, len(ids)+len(s.entries))
	for _, id := range ids {
		seen[id] = struct{}{}
	}
	for id := range s.entries {
		seen[id] = struct{}{}
	}

	var errs []error
	erased := 0
	for id := range seen {
		if err := s.store.DeleteItem(ctx, EntryKey(id)); err != nil {
			errs = append(errs, fmt.Errorf("erase %s: %w", id, err))
			continue
		}
		erased++
	}
	if err := s.store.DeleteItem(ctx, IndexKey); err != nil {
		errs = append(errs, fmt.Errorf("erase index: %w", err))
	}

	s.entries = make(map[string]purchases.VerificationMetadata)
	log.Info().Str("component", "verification").Int("erased", erased).Msg("Verification state erased")
	return erased, errors.Join(errs...)
}

func (s *State) idsLocked() []string {
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *State) readIndex(ctx context.Context) ([]string, error) {
	raw, ok, err := s.store.GetItem(ctx, IndexKey)
	if err != nil || !ok {
		return nil, err
	}
	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil, iaperrors.NewStorageError(iaperrors.StorageParse, "read_verification_index", IndexKey, err)
	}
	return ids, nil
}

func (s *State) writeIndex(ctx context.Context, ids []string) error {
	sort.Strings(ids)
	data, err := json.Marshal(ids)
	if err != nil {
		return iaperrors.NewStorageError(iaperrors.StorageParse, "write_verification_index", IndexKey, err)
	}
	return s.store.SetItem(ctx, IndexKey, string(data))
}
