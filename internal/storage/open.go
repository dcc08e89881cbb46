package storage

import (
	"errors"
	"strings"
	"time"

	logx "remindbot/pkg/logx"
)

type Config struct {
	Driver string
	// Path is the sqlite database file. Ignored by the memory driver.
	Path        string
	BusyTimeout time.Duration
}

// Open initializes the configured store. The empty driver defaults to sqlite.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "memory", "mem":
		return NewMemory(), nil
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
