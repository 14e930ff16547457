package main

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"execguard/internal/config"
	"execguard/internal/snapshot"
)

// openSnapshots opens the snapshot database and a manager rooted at the
// configured workspace.
func openSnapshots(cfg config.Config) (*sql.DB, *snapshot.Manager, error) {
	root, err := filepath.Abs(cfg.Snapshot.Workspace)
	if err != nil {
		return nil, nil, fmt.Errorf("workspace: %w", err)
	}
	db, err := snapshot.OpenDB(cfg.Snapshot.DBPath)
	if err != nil {
		return nil, nil, err
	}
	mgr := snapshot.NewManager(snapshot.Options{
		Store:      snapshot.NewSQLiteStore(db),
		FS:         snapshot.OSFS{Root: root},
		MaxCount:   cfg.Snapshot.MaxCount,
		MaxAge:     cfg.Snapshot.MaxAge,
		OnConflict: cfg.Snapshot.OnConflict,
	})
	return db, mgr, nil
}

func homeDir() (string, error) { return os.UserHomeDir() }
