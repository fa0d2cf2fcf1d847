package state

import (
	"path/filepath"
	"testing"

	"github.com/vzahanych/home-hub/internal/config"
	"github.com/vzahanych/home-hub/internal/logger"
)

// NewTestManager opens a manager on a fresh database under t.TempDir()
func NewTestManager(t testing.TB) *Manager {
	t.Helper()

	tmpDir := t.TempDir()
	cfg := config.Default()
	cfg.Hub.Server.DataDir = tmpDir
	cfg.Hub.Server.DBPath = filepath.Join(tmpDir, "db", "hub.db")

	mgr, err := NewManager(cfg, logger.NewNopLogger())
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	t.Cleanup(func() { mgr.Close() })

	return mgr
}
