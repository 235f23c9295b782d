package config

import (
	"sync"
	"time"
)

// Snapshot is an immutable view of one configuration version. Requests
// resolve policy against a single snapshot so a live config swap never
// changes a decision mid-flight.
type Snapshot struct {
	version  int64
	loadedAt time.Time
	cfg      *Config
}

// Version returns the monotonically increasing snapshot version.
func (s *Snapshot) Version() int64 {
	return s.version
}

// Market returns the baseline document for a market.
func (s *Snapshot) Market(code string) (MarketDoc, bool) {
	m, ok := s.cfg.Markets[code]
	return m, ok
}

// Tenant returns the tenant overlay, if any.
func (s *Snapshot) Tenant(id string) (Overlay, bool) {
	o, ok := s.cfg.Tenants[id]
	return o, ok
}

// Hook returns the hook document, if any.
func (s *Snapshot) Hook(hookType string) (HookDoc, bool) {
	h, ok := s.cfg.Hooks[hookType]
	return h, ok
}

// ActiveTemporal returns the overlays of all temporal rules covering
// the market and active at the given instant, in document order.
func (s *Snapshot) ActiveTemporal(market string, now time.Time) []Overlay {
	var overlays []Overlay
	for _, rule := range s.cfg.Temporal {
		if rule.AppliesTo(market) && rule.Window.Active(now) {
			overlays = append(overlays, rule.Overlay)
		}
	}
	return overlays
}

// ComplianceTags returns the compliance framework identifiers that
// apply to audit records in the given market.
func (s *Snapshot) ComplianceTags(market string) []string {
	if tags, ok := s.cfg.Compliance[market]; ok {
		return tags
	}
	return defaultComplianceTags[market]
}

// Built-in framework defaults; deployments override via the compliance
// section of the config.
var defaultComplianceTags = map[string][]string{
	"EU":   {"GDPR", "NIS2"},
	"UK":   {"UK-GDPR"},
	"US":   {"SOX", "SOC2"},
	"APAC": {"APPI"},
}

// SnapshotStore holds the current configuration snapshot and swaps in
// new versions copy-on-write. Reads never block behind a reload.
type SnapshotStore struct {
	mu  sync.RWMutex
	cur *Snapshot
}

// NewSnapshotStore creates a store seeded with the given configuration.
func NewSnapshotStore(cfg *Config) *SnapshotStore {
	return &SnapshotStore{
		cur: &Snapshot{version: 1, loadedAt: time.Now(), cfg: cfg},
	}
}

// Current returns the live snapshot.
func (st *SnapshotStore) Current() *Snapshot {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.cur
}

// Swap installs a new configuration and returns the new snapshot.
// In-flight requests keep the snapshot they resolved against.
func (st *SnapshotStore) Swap(cfg *Config) *Snapshot {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.cur = &Snapshot{
		version:  st.cur.version + 1,
		loadedAt: time.Now(),
		cfg:      cfg,
	}
	return st.cur
}
