package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"remindbot/internal/storage"
)

// Validate rejects configs that would blow up later at wiring time.
// It is also installed as the hot-reload validator so a bad edit never
// reaches running services.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}

	if strings.TrimSpace(c.Telegram.Token) == "" {
		return errors.New("telegram.token is required")
	}

	durations := []struct{ path, raw string }{
		{"telegram.api_timeout", c.Telegram.APITimeout},
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"dispatch.interval", c.Dispatch.Interval},
		{"dispatch.send_timeout", c.Dispatch.SendTimeout},
		{"maintenance.retention", c.Maintenance.Retention},
		{"maintenance.inactive_retention", c.Maintenance.InactiveRetention},
		{"maintenance.stats_interval", c.Maintenance.StatsInterval},
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}

	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "sqlite", "sqlite3":
		if strings.TrimSpace(c.Storage.Path) == "" {
			return errors.New("storage.path is required for the sqlite driver")
		}
	case "memory", "mem":
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
	}

	if tz := strings.TrimSpace(c.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: %w", err)
		}
	}

	if c.Dispatch.BatchLimit < 0 {
		return errors.New("dispatch.batch_limit must be >= 0")
	}
	if c.Dispatch.RatePerSec < 0 {
		return errors.New("dispatch.rate_per_sec must be >= 0")
	}

	if at := strings.TrimSpace(c.Maintenance.CleanupAt); at != "" {
		if _, err := time.Parse("15:04", at); err != nil {
			return fmt.Errorf("maintenance.cleanup_at: want HH:MM, got %q", at)
		}
	}

	for name := range c.Quota.Tiers {
		if _, ok := storage.ParseTier(name); !ok {
			return fmt.Errorf("quota.tiers: unknown tier %q", name)
		}
	}

	return nil
}
