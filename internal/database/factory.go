package database

import (
	"fmt"
	"path/filepath"

	"backit-go/internal/backit"
	"backit-go/internal/config"
)

// NewJournalFromConfig creates a Journal implementation based on the database config type.
func NewJournalFromConfig(cfg config.DatabaseConfig, hostID string, clock backit.Clock) (*SQLiteDatabase, error) {
	switch cfg.Type {
	case "sqlite":
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("data_dir required for sqlite database")
		}
		return NewSQLiteDatabase(filepath.Join(cfg.DataDir, hostID+".db"), clock)
	case "memory":
		return NewSQLiteDatabase(":memory:", clock)
	default:
		return nil, fmt.Errorf("unknown database type: %s", cfg.Type)
	}
}
