package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned by lookups when no row matches.
	ErrNotFound = errors.New("storage: not found")
)

// ValidationError rejects a reminder before it reaches the driver.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

type Tier string

const (
	TierFree      Tier = "free"
	TierPremium   Tier = "premium"
	TierUnlimited Tier = "unlimited"
)

func ParseTier(raw string) (Tier, bool) {
	switch Tier(strings.ToLower(strings.TrimSpace(raw))) {
	case TierFree:
		return TierFree, true
	case TierPremium:
		return TierPremium, true
	case TierUnlimited:
		return TierUnlimited, true
	}
	return "", false
}

type Category string

const (
	CategoryTask        Category = "task"
	CategoryEvent       Category = "event"
	CategoryMeeting     Category = "meeting"
	CategoryAppointment Category = "appointment"
	CategoryBirthday    Category = "birthday"
	CategoryDeadline    Category = "deadline"
)

func KnownCategory(c Category) bool {
	switch c {
	case CategoryTask, CategoryEvent, CategoryMeeting, CategoryAppointment, CategoryBirthday, CategoryDeadline:
		return true
	}
	return false
}

// Status is a tombstone marker, not a lifecycle state machine.
// A deleted reminder stays on disk (excluded from all user-facing and
// due-set queries) until a purge removes the row.
type Status string

const (
	StatusActive  Status = "active"
	StatusDeleted Status = "deleted"
)

type Reminder struct {
	ID          string
	UserID      int64
	Title       string
	Description string
	DueAt       time.Time
	Category    Category
	// Recurrence is carried for forward compatibility; dispatch treats every
	// reminder as single-shot.
	Recurrence string
	Sent       bool
	SentAt     time.Time // zero until Sent
	Status     Status
	CreatedAt  time.Time
}

const (
	maxTitleLen       = 200
	maxDescriptionLen = 1000
)

// validateNew checks the creation-gate rules. Drivers call it from
// CreateReminder after defaults are applied.
func validateNew(r *Reminder, now time.Time) error {
	if strings.TrimSpace(r.Title) == "" {
		return &ValidationError{Field: "title", Reason: "required"}
	}
	if len([]rune(r.Title)) > maxTitleLen {
		return &ValidationError{Field: "title", Reason: fmt.Sprintf("longer than %d characters", maxTitleLen)}
	}
	if len([]rune(r.Description)) > maxDescriptionLen {
		return &ValidationError{Field: "description", Reason: fmt.Sprintf("longer than %d characters", maxDescriptionLen)}
	}
	if !r.DueAt.After(now) {
		return &ValidationError{Field: "due_at", Reason: "must be in the future"}
	}
	if !KnownCategory(r.Category) {
		return &ValidationError{Field: "category", Reason: "unknown value " + string(r.Category)}
	}
	if r.UserID == 0 {
		return &ValidationError{Field: "user_id", Reason: "required"}
	}
	return nil
}

type User struct {
	ID        int64
	Username  string
	FirstName string
	Tier      Tier
	// TierExpiresAt zero means the tier never expires.
	TierExpiresAt time.Time
	Active        bool
	CreatedAt     time.Time
}

// StatsSnapshot is the single process-wide aggregate row.
type StatsSnapshot struct {
	TotalUsers      int64
	ActiveUsers     int64
	ActiveReminders int64
	SentToday       int64
	UpdatedAt       time.Time
}

// Store is the persistence contract shared by all drivers.
//
// FindDue returns deliverable reminders only: active status, unsent,
// due_at <= now, and an active owner. Ordered by due_at ascending.
type Store interface {
	CreateReminder(ctx context.Context, r *Reminder) error
	RemindersForUser(ctx context.Context, userID int64) ([]Reminder, error)
	FindDue(ctx context.Context, now time.Time, limit int) ([]Reminder, error)
	// MarkSent is idempotent: it reports true only when this call performed
	// the unsent-to-sent transition.
	MarkSent(ctx context.Context, id string) (bool, error)
	SoftDelete(ctx context.Context, id string, userID int64) (bool, error)
	PurgeSentOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	PurgeUnsentInactiveOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	CountActiveForUser(ctx context.Context, userID int64) (int, error)
	CountCreatedTodayForUser(ctx context.Context, userID int64, now time.Time) (int, error)

	GetUser(ctx context.Context, id int64) (User, error)
	UpsertUser(ctx context.Context, u User) error
	SetUserTier(ctx context.Context, id int64, tier Tier, expiresAt time.Time) error
	SetUserActive(ctx context.Context, id int64, active bool) error
	ListUsers(ctx context.Context) ([]User, error)

	CountUsers(ctx context.Context) (int64, error)
	CountActiveUsers(ctx context.Context) (int64, error)
	CountActiveReminders(ctx context.Context) (int64, error)
	CountSentToday(ctx context.Context, now time.Time) (int64, error)

	UpsertStatsSnapshot(ctx context.Context, s StatsSnapshot) error
	GetStatsSnapshot(ctx context.Context) (StatsSnapshot, bool, error)

	Close() error
}

// utcMidnight truncates t to the start of its UTC day.
func utcMidnight(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
