package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

// TokenRecord is the validation-side record for an issued token. Only
// the fields needed for revocation checks live here; the token itself
// is self-contained.
type TokenRecord struct {
	TokenID   string    `json:"token_id"`
	RequestID string    `json:"request_id"`
	TenantID  string    `json:"tenant_id"`
	ExpiresAt time.Time `json:"expires_at"`
	Revoked   bool      `json:"revoked,omitempty"`
}

// PutToken stores a validation record for an issued token.
func (s *Store) PutToken(rec TokenRecord) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		value, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketTokens).Put([]byte(rec.TokenID), value)
	})
	if err != nil {
		return fmt.Errorf("failed to store token record %s: %w", rec.TokenID, err)
	}
	return nil
}

// GetToken loads a token validation record.
func (s *Store) GetToken(id string) (*TokenRecord, bool, error) {
	var rec TokenRecord
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		value := tx.Bucket(bucketTokens).Get([]byte(id))
		if value == nil {
			return nil
		}
		found = true
		return json.Unmarshal(value, &rec)
	})
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}
	return &rec, true, nil
}

// RevokeToken adds the token to the deny-list until the given instant
// and marks its validation record revoked.
func (s *Store) RevokeToken(id string, until time.Time) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		deadline, err := until.MarshalBinary()
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketDenyList).Put([]byte(id), deadline); err != nil {
			return err
		}

		tokens := tx.Bucket(bucketTokens)
		value := tokens.Get([]byte(id))
		if value == nil {
			return nil
		}
		var rec TokenRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return err
		}
		rec.Revoked = true
		updated, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return tokens.Put([]byte(id), updated)
	})
	if err != nil {
		return fmt.Errorf("failed to revoke token %s: %w", id, err)
	}
	return nil
}

// RevokedTokens returns the persisted deny-list. Used to warm the
// in-memory cache at startup.
func (s *Store) RevokedTokens() (map[string]time.Time, error) {
	revoked := make(map[string]time.Time)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketDenyList).ForEach(func(k, v []byte) error {
			var until time.Time
			if err := until.UnmarshalBinary(v); err != nil {
				return fmt.Errorf("corrupt deny-list entry %s: %w", k, err)
			}
			revoked[string(k)] = until
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return revoked, nil
}

// SweepDenyList removes deny-list entries whose tokens have expired
// anyway. Returns the number of entries removed.
func (s *Store) SweepDenyList(now time.Time) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketDenyList)
		var stale [][]byte
		err := bucket.ForEach(func(k, v []byte) error {
			var until time.Time
			if err := until.UnmarshalBinary(v); err != nil {
				stale = append(stale, append([]byte(nil), k...))
				return nil
			}
			if now.After(until) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		removed = len(stale)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to sweep deny-list: %w", err)
	}
	return removed, nil
}
