package storage

import (
	"time"

	"github.com/hoistsec/hoist/types"
)

// RequestWriter persists elevation request state transitions.
type RequestWriter interface {
	PutRequest(req *types.ElevationRequest) (revision int64, err error)
}

// RequestReader queries persisted requests.
type RequestReader interface {
	GetRequest(id string) (*types.ElevationRequest, error)
	PendingRequests() ([]*types.ElevationRequest, error)
	CountPending(actorKey string) int
}

// RequestStorage combines read and write for requests.
type RequestStorage interface {
	RequestWriter
	RequestReader
	CurrentRevision() int64
}

// TokenLedger persists token validation records and the revocation
// deny-list.
type TokenLedger interface {
	PutToken(rec TokenRecord) error
	GetToken(id string) (*TokenRecord, bool, error)
	RevokeToken(id string, until time.Time) error
	RevokedTokens() (map[string]time.Time, error)
	SweepDenyList(now time.Time) (int, error)
}

// Lifecycle manages storage lifecycle.
type Lifecycle interface {
	Close() error
}

// Storage is the complete persistence interface.
type Storage interface {
	RequestStorage
	TokenLedger
	Lifecycle
}
