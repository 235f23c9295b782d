// Package storage persists elevation requests and token records in
// bbolt, with an in-memory btree index over live requests for the
// per-actor cap checks and deadline sweeps on the hot path.
package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/btree"
	"go.etcd.io/bbolt"

	"github.com/hoistsec/hoist/types"
)

// Bucket names in bbolt
var (
	bucketRequests = []byte("requests")
	bucketTokens   = []byte("tokens")
	bucketDenyList = []byte("denylist")
	bucketMeta     = []byte("meta")
)

var keyRevision = []byte("revision")

// Store is the bbolt-backed persistence layer.
type Store struct {
	mu sync.RWMutex

	// In-memory index over non-terminal requests
	index *btree.BTreeG[*RequestRef]

	db *bbolt.DB

	currentRev int64

	dir string
}

// RequestRef tracks a request in the pending index.
type RequestRef struct {
	RequestID string
	ActorKey  string
	Status    types.RequestStatus
	Deadline  time.Time
}

// NewStore opens or creates the store in the given directory.
func NewStore(dir string) (*Store, error) {
	dbPath := filepath.Join(dir, "hoist.db")

	db, err := bbolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{bucketRequests, bucketTokens, bucketDenyList, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	store := &Store{
		index: btree.NewG[*RequestRef](32, func(a, b *RequestRef) bool {
			return a.RequestID < b.RequestID
		}),
		db:  db,
		dir: dir,
	}

	if err := store.loadRevision(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.rebuildIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

// Close closes the store.
func (s *Store) Close() error {
	return s.db.Close()
}

// PutRequest persists the request's current state and updates the
// pending index. Terminal requests drop out of the index but stay on
// disk for audit correlation.
func (s *Store) PutRequest(req *types.ElevationRequest) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.currentRev++
	rev := s.currentRev

	err := s.db.Update(func(tx *bbolt.Tx) error {
		value, err := json.Marshal(req)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketRequests).Put([]byte(req.ID), value); err != nil {
			return err
		}
		return putRevision(tx, rev)
	})
	if err != nil {
		s.currentRev--
		return 0, fmt.Errorf("failed to store request %s: %w", req.ID, err)
	}

	ref := &RequestRef{
		RequestID: req.ID,
		ActorKey:  req.Actor.Key(),
		Status:    req.Status,
		Deadline:  req.ExpiresAt,
	}
	if req.Status.IsTerminal() {
		s.index.Delete(ref)
	} else {
		s.index.ReplaceOrInsert(ref)
	}

	return rev, nil
}

// GetRequest loads one request by id.
func (s *Store) GetRequest(id string) (*types.ElevationRequest, error) {
	var req types.ElevationRequest
	err := s.db.View(func(tx *bbolt.Tx) error {
		value := tx.Bucket(bucketRequests).Get([]byte(id))
		if value == nil {
			return fmt.Errorf("request %s not found", id)
		}
		return json.Unmarshal(value, &req)
	})
	if err != nil {
		return nil, err
	}
	return &req, nil
}

// PendingRequests returns all requests still waiting on verification
// or approval. Used to resume the state machine after a restart.
func (s *Store) PendingRequests() ([]*types.ElevationRequest, error) {
	s.mu.RLock()
	var ids []string
	s.index.Ascend(func(ref *RequestRef) bool {
		if ref.Status.IsPending() {
			ids = append(ids, ref.RequestID)
		}
		return true
	})
	s.mu.RUnlock()

	requests := make([]*types.ElevationRequest, 0, len(ids))
	for _, id := range ids {
		req, err := s.GetRequest(id)
		if err != nil {
			return nil, err
		}
		requests = append(requests, req)
	}
	return requests, nil
}

// CountPending returns how many non-terminal requests the actor has.
func (s *Store) CountPending(actorKey string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	s.index.Ascend(func(ref *RequestRef) bool {
		if ref.ActorKey == actorKey && !ref.Status.IsTerminal() {
			count++
		}
		return true
	})
	return count
}

// CurrentRevision returns the store's revision counter.
func (s *Store) CurrentRevision() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentRev
}

func (s *Store) loadRevision() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		value := tx.Bucket(bucketMeta).Get(keyRevision)
		if value != nil {
			s.currentRev = int64(binary.BigEndian.Uint64(value))
		}
		return nil
	})
}

func putRevision(tx *bbolt.Tx, rev int64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(rev))
	return tx.Bucket(bucketMeta).Put(keyRevision, buf[:])
}

// rebuildIndex reloads the pending index from disk.
func (s *Store) rebuildIndex() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRequests).ForEach(func(k, v []byte) error {
			var req types.ElevationRequest
			if err := json.Unmarshal(v, &req); err != nil {
				return fmt.Errorf("corrupt request record %s: %w", k, err)
			}
			if req.Status.IsTerminal() {
				return nil
			}
			s.index.ReplaceOrInsert(&RequestRef{
				RequestID: req.ID,
				ActorKey:  req.Actor.Key(),
				Status:    req.Status,
				Deadline:  req.ExpiresAt,
			})
			return nil
		})
	})
}
