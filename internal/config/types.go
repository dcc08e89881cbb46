package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

type Config struct {
	Telegram    TelegramConfig    `json:"telegram"`
	Logging     LoggingConfig     `json:"logging"`
	Storage     StorageConfig     `json:"storage"`
	Scheduler   SchedulerConfig   `json:"scheduler"`
	Dispatch    DispatchConfig    `json:"dispatch"`
	Maintenance MaintenanceConfig `json:"maintenance"`
	Quota       QuotaConfig       `json:"quota"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// APITimeout is a Go duration string (e.g. "10s").
	APITimeout string `json:"api_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type StorageConfig struct {
	Driver string `json:"driver"`
	Path   string `json:"path"`
	// BusyTimeout is a Go duration string (sqlite).
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type SchedulerConfig struct {
	// Timezone is an IANA name used for daily schedules. Empty means UTC.
	Timezone string `json:"timezone,omitempty"`
}

// DispatchConfig controls the delivery cycle.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Defaults (when fields are omitted/zero):
//   - interval: "1m"
//   - batch_limit: 500
//   - rate_per_sec: 10
//   - send_timeout: "15s"
type DispatchConfig struct {
	Interval    string  `json:"interval,omitempty"`
	BatchLimit  int     `json:"batch_limit,omitempty"`
	RatePerSec  float64 `json:"rate_per_sec,omitempty"`
	SendTimeout string  `json:"send_timeout,omitempty"`
}

// MaintenanceConfig controls the housekeeping jobs.
//
// Defaults: cleanup_at "00:00", retention "720h" (30 days),
// inactive_retention "0" (keep forever), stats_interval "1h".
type MaintenanceConfig struct {
	CleanupAt         string `json:"cleanup_at,omitempty"` // "HH:MM" in scheduler timezone
	Retention         string `json:"retention,omitempty"`
	InactiveRetention string `json:"inactive_retention,omitempty"`
	StatsInterval     string `json:"stats_interval,omitempty"`
}

type QuotaConfig struct {
	AdminIDs []int64 `json:"admin_ids,omitempty"`
	// Tiers overrides the built-in limits per tier name.
	Tiers map[string]TierLimitsConfig `json:"tiers,omitempty"`
}

type TierLimitsConfig struct {
	MaxTotal LimitValue `json:"max_total"`
	MaxDaily LimitValue `json:"max_daily"`
}

// LimitValue is a quota bound in config form: a non-negative number or the
// string "unlimited".
type LimitValue struct {
	set       bool
	unlimited bool
	n         int
}

func (v LimitValue) IsSet() bool       { return v.set }
func (v LimitValue) IsUnlimited() bool { return v.unlimited }
func (v LimitValue) Count() int        { return v.n }

func (v *LimitValue) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		*v = LimitValue{}
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var raw string
		if err := json.Unmarshal(b, &raw); err != nil {
			return err
		}
		if strings.EqualFold(strings.TrimSpace(raw), "unlimited") {
			*v = LimitValue{set: true, unlimited: true}
			return nil
		}
		return fmt.Errorf("bad limit %q: want a number or \"unlimited\"", raw)
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("bad limit %s: %w", s, err)
	}
	if n < 0 {
		return fmt.Errorf("bad limit %d: must be >= 0", n)
	}
	*v = LimitValue{set: true, n: n}
	return nil
}

func (v LimitValue) MarshalJSON() ([]byte, error) {
	if !v.set {
		return []byte("null"), nil
	}
	if v.unlimited {
		return []byte(`"unlimited"`), nil
	}
	return []byte(strconv.Itoa(v.n)), nil
}
