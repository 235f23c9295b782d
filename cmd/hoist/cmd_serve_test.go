package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/hoistsec/hoist/config"
)

const serveTestConfig = `
version: "1"
markets:
  EU:
    step_up_level: basic
    max_duration: 2h
    default_duration: 1h
    audit_retention: 8760h
`

func TestBuildRecorderOpensOverflowWithoutQueue(t *testing.T) {
	cfg, err := config.Parse([]byte(serveTestConfig))
	if err != nil {
		t.Fatal(err)
	}
	snapshots := config.NewSnapshotStore(cfg)

	dir := t.TempDir()
	serveWALDir = dir
	serveAuditQueueURL = ""

	rec, err := buildRecorder(context.Background(), snapshots)
	if err != nil {
		t.Fatalf("buildRecorder failed: %v", err)
	}
	defer func() { _ = rec.Close() }()

	// WAL-only deployments still need the overflow spill; without it
	// a full buffer silently drops events.
	if _, err := os.Stat(filepath.Join(dir, "overflow")); err != nil {
		t.Errorf("overflow wal directory missing: %v", err)
	}
}
