package app

import (
	"time"

	"remindbot/internal/config"
	"remindbot/internal/maintenance"
	"remindbot/internal/quota"
	"remindbot/internal/storage"
)

func mapStorageConfig(cfg *config.Config) storage.Config {
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		// Validate() ran before this; an unparseable value cannot reach here.
		busy = 5 * time.Second
	}
	return storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}
}

func mapMaintenanceConfig(cfg *config.Config) (maintenance.Config, error) {
	retention, err := config.ParseDurationOrDefault("maintenance.retention", cfg.Maintenance.Retention, 30*24*time.Hour)
	if err != nil {
		return maintenance.Config{}, err
	}
	inactive, err := config.ParseDurationField("maintenance.inactive_retention", cfg.Maintenance.InactiveRetention)
	if err != nil {
		return maintenance.Config{}, err
	}
	statsEvery, err := config.ParseDurationOrDefault("maintenance.stats_interval", cfg.Maintenance.StatsInterval, time.Hour)
	if err != nil {
		return maintenance.Config{}, err
	}
	return maintenance.Config{
		CleanupAt:         cfg.Maintenance.CleanupAt,
		Retention:         retention,
		InactiveRetention: inactive,
		StatsInterval:     statsEvery,
	}, nil
}

// mapQuotaTable overlays config tier limits onto the built-in defaults.
func mapQuotaTable(cfg *config.Config) quota.Table {
	table := quota.DefaultTable()
	for name, tc := range cfg.Quota.Tiers {
		tier, ok := storage.ParseTier(name)
		if !ok {
			continue
		}
		limits := table[tier]
		if tc.MaxTotal.IsSet() {
			limits.Total = mapBound(tc.MaxTotal)
		}
		if tc.MaxDaily.IsSet() {
			limits.Daily = mapBound(tc.MaxDaily)
		}
		table[tier] = limits
	}
	return table
}

func mapBound(v config.LimitValue) quota.Bound {
	if v.IsUnlimited() {
		return quota.Unlimited()
	}
	return quota.Finite(v.Count())
}
