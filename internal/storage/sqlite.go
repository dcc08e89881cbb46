package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	logx "remindbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
	now func() time.Time
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; serialize everything through one conn.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	st := &sqliteStore{db: db, log: log, now: time.Now}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- time codec ----

func msOf(t time.Time) int64 { return t.UTC().UnixMilli() }

func msOrNil(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return msOf(t)
}

func timeOfMS(ms sql.NullInt64) time.Time {
	if !ms.Valid {
		return time.Time{}
	}
	return time.UnixMilli(ms.Int64).UTC()
}

// ---- reminders ----

const reminderCols = `id, user_id, title, description, due_at, category, recurrence, sent, sent_at, status, created_at`

func scanReminder(row interface{ Scan(...any) error }) (Reminder, error) {
	var (
		r       Reminder
		dueMS   int64
		sentAt  sql.NullInt64
		created int64
	)
	err := row.Scan(&r.ID, &r.UserID, &r.Title, &r.Description, &dueMS, &r.Category, &r.Recurrence, &r.Sent, &sentAt, &r.Status, &created)
	if err != nil {
		return Reminder{}, err
	}
	r.DueAt = time.UnixMilli(dueMS).UTC()
	r.SentAt = timeOfMS(sentAt)
	r.CreatedAt = time.UnixMilli(created).UTC()
	return r, nil
}

func (s *sqliteStore) CreateReminder(ctx context.Context, r *Reminder) error {
	now := s.now()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Category == "" {
		r.Category = CategoryTask
	}
	if r.Status == "" {
		r.Status = StatusActive
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now.UTC()
	}
	if err := validateNew(r, now); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reminders(`+reminderCols+`) VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		r.ID, r.UserID, r.Title, r.Description, msOf(r.DueAt), string(r.Category), r.Recurrence,
		r.Sent, msOrNil(r.SentAt), string(r.Status), msOf(r.CreatedAt),
	)
	return err
}

func (s *sqliteStore) RemindersForUser(ctx context.Context, userID int64) ([]Reminder, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+reminderCols+` FROM reminders
		 WHERE user_id = ? AND status = ?
		 ORDER BY due_at ASC`,
		userID, string(StatusActive),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectReminders(rows)
}

func (s *sqliteStore) FindDue(ctx context.Context, now time.Time, limit int) ([]Reminder, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT r.id, r.user_id, r.title, r.description, r.due_at, r.category, r.recurrence, r.sent, r.sent_at, r.status, r.created_at
		 FROM reminders r
		 JOIN users u ON u.id = r.user_id
		 WHERE r.status = ? AND r.sent = 0 AND r.due_at <= ? AND u.is_active = 1
		 ORDER BY r.due_at ASC
		 LIMIT ?`,
		string(StatusActive), msOf(now), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectReminders(rows)
}

func collectReminders(rows *sql.Rows) ([]Reminder, error) {
	var out []Reminder
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) MarkSent(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reminders SET sent = 1, sent_at = ? WHERE id = ? AND sent = 0`,
		msOf(s.now()), id,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqliteStore) SoftDelete(ctx context.Context, id string, userID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reminders SET status = ? WHERE id = ? AND user_id = ? AND status = ?`,
		string(StatusDeleted), id, userID, string(StatusActive),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqliteStore) PurgeSentOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM reminders WHERE sent = 1 AND due_at < ?`, msOf(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqliteStore) PurgeUnsentInactiveOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM reminders
		 WHERE sent = 0 AND due_at < ?
		   AND user_id IN (SELECT id FROM users WHERE is_active = 0)`,
		msOf(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqliteStore) CountActiveForUser(ctx context.Context, userID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM reminders WHERE user_id = ? AND status = ?`,
		userID, string(StatusActive)).Scan(&n)
	return n, err
}

func (s *sqliteStore) CountCreatedTodayForUser(ctx context.Context, userID int64, now time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM reminders WHERE user_id = ? AND status = ? AND created_at >= ?`,
		userID, string(StatusActive), msOf(utcMidnight(now))).Scan(&n)
	return n, err
}

// ---- users ----

const userCols = `id, username, first_name, tier, tier_expires_at, is_active, created_at`

func scanUser(row interface{ Scan(...any) error }) (User, error) {
	var (
		u       User
		expires sql.NullInt64
		created int64
	)
	err := row.Scan(&u.ID, &u.Username, &u.FirstName, &u.Tier, &expires, &u.Active, &created)
	if err != nil {
		return User{}, err
	}
	u.TierExpiresAt = timeOfMS(expires)
	u.CreatedAt = time.UnixMilli(created).UTC()
	return u, nil
}

func (s *sqliteStore) GetUser(ctx context.Context, id int64) (User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userCols+` FROM users WHERE id = ?`, id)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	return u, err
}

func (s *sqliteStore) UpsertUser(ctx context.Context, u User) error {
	applyUserDefaults(&u, s.now())
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users(`+userCols+`) VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   username = excluded.username,
		   first_name = excluded.first_name`,
		u.ID, u.Username, u.FirstName, string(u.Tier), msOrNil(u.TierExpiresAt), u.Active, msOf(u.CreatedAt),
	)
	return err
}

func (s *sqliteStore) SetUserTier(ctx context.Context, id int64, tier Tier, expiresAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET tier = ?, tier_expires_at = ? WHERE id = ?`,
		string(tier), msOrNil(expiresAt), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) SetUserActive(ctx context.Context, id int64, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET is_active = ? WHERE id = ?`, active, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userCols+` FROM users ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// ---- aggregates ----

func (s *sqliteStore) CountUsers(ctx context.Context) (int64, error) {
	return s.countRow(ctx, `SELECT COUNT(*) FROM users`)
}

func (s *sqliteStore) CountActiveUsers(ctx context.Context) (int64, error) {
	return s.countRow(ctx, `SELECT COUNT(*) FROM users WHERE is_active = 1`)
}

func (s *sqliteStore) CountActiveReminders(ctx context.Context) (int64, error) {
	return s.countRow(ctx, `SELECT COUNT(*) FROM reminders WHERE status = 'active' AND sent = 0`)
}

func (s *sqliteStore) CountSentToday(ctx context.Context, now time.Time) (int64, error) {
	return s.countRow(ctx, `SELECT COUNT(*) FROM reminders WHERE sent = 1 AND sent_at >= ?`, msOf(utcMidnight(now)))
}

func (s *sqliteStore) countRow(ctx context.Context, q string, args ...any) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, q, args...).Scan(&n)
	return n, err
}

func (s *sqliteStore) UpsertStatsSnapshot(ctx context.Context, snap StatsSnapshot) error {
	if snap.UpdatedAt.IsZero() {
		snap.UpdatedAt = s.now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bot_stats(id, total_users, active_users, active_reminders, sent_today, updated_at)
		 VALUES(1,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   total_users = excluded.total_users,
		   active_users = excluded.active_users,
		   active_reminders = excluded.active_reminders,
		   sent_today = excluded.sent_today,
		   updated_at = excluded.updated_at`,
		snap.TotalUsers, snap.ActiveUsers, snap.ActiveReminders, snap.SentToday, msOf(snap.UpdatedAt),
	)
	return err
}

func (s *sqliteStore) GetStatsSnapshot(ctx context.Context) (StatsSnapshot, bool, error) {
	var (
		snap StatsSnapshot
		ms   int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT total_users, active_users, active_reminders, sent_today, updated_at FROM bot_stats WHERE id = 1`).
		Scan(&snap.TotalUsers, &snap.ActiveUsers, &snap.ActiveReminders, &snap.SentToday, &ms)
	if errors.Is(err, sql.ErrNoRows) {
		return StatsSnapshot{}, false, nil
	}
	if err != nil {
		return StatsSnapshot{}, false, err
	}
	snap.UpdatedAt = time.UnixMilli(ms).UTC()
	return snap, true, nil
}

// applyUserDefaults fills provisioning defaults shared by both drivers.
// New paid tiers with no explicit expiry get a 30-day window; free never expires.
func applyUserDefaults(u *User, now time.Time) {
	if u.Tier == "" {
		u.Tier = TierFree
	}
	if u.Tier != TierFree && u.TierExpiresAt.IsZero() {
		u.TierExpiresAt = now.UTC().Add(30 * 24 * time.Hour)
	}
	if u.Tier == TierFree {
		u.TierExpiresAt = time.Time{}
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now.UTC()
	}
}
