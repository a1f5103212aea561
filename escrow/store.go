package escrow

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"automiddleman/storage"
)

const dealKeyPrefix = "deal/"

func dealKey(id string) []byte {
	return []byte(dealKeyPrefix + id)
}

// DealStore persists deal records as whole JSON documents keyed by deal
// identifier. It also provides the per-deal exclusion the orchestrator
// relies on: every state-advancing operation for a given id runs under that
// deal's lock, while deals never block one another. The store is the sole
// source of truth; nothing is cached between calls, so a restarted daemon
// resumes from exactly what was last written.
type DealStore struct {
	db storage.Database

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewDealStore wraps a key-value database with deal record semantics.
func NewDealStore(db storage.Database) *DealStore {
	return &DealStore{
		db:    db,
		locks: make(map[string]*sync.Mutex),
	}
}

func (s *DealStore) lockFor(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[id] = lock
	}
	return lock
}

// WithLock runs fn while holding the deal's exclusion lock. Gateway calls
// made inside fn intentionally extend the critical section: a poll racing a
// cancel on the same deal must serialize, per-deal.
func (s *DealStore) WithLock(id string, fn func() error) error {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()
	return fn()
}

// Put writes the full deal record. Callers that need read-modify-write
// atomicity should use Update or WithLock instead.
func (s *DealStore) Put(d *Deal) error {
	sanitized, err := SanitizeDeal(d)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(sanitized)
	if err != nil {
		return fmt.Errorf("marshal deal %s: %w", sanitized.ID, err)
	}
	return s.db.Put(dealKey(sanitized.ID), raw)
}

// Get loads a deal record by identifier.
func (s *DealStore) Get(id string) (*Deal, error) {
	raw, err := s.db.Get(dealKey(id))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrDealNotFound, id)
		}
		return nil, err
	}
	var deal Deal
	if err := json.Unmarshal(raw, &deal); err != nil {
		return nil, fmt.Errorf("decode deal %s: %w", id, err)
	}
	return &deal, nil
}

// Update atomically applies fn to the stored record under the deal's lock
// and persists the result. When fn returns an error nothing is written.
func (s *DealStore) Update(id string, fn func(*Deal) error) (*Deal, error) {
	var updated *Deal
	err := s.WithLock(id, func() error {
		deal, err := s.Get(id)
		if err != nil {
			return err
		}
		if err := fn(deal); err != nil {
			return err
		}
		if err := s.Put(deal); err != nil {
			return err
		}
		updated = deal
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}
