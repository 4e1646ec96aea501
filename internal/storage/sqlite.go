package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	logx "cronrelay/pkg/logx"
)

// SQLite stores everything in one database file. Times are unix microseconds.
type SQLite struct {
	db  *sql.DB
	log logx.Logger
}

var _ Store = (*SQLite)(nil)

func OpenSQLite(ctx context.Context, cfg Config, log logx.Logger) (*SQLite, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	path := cfg.Path
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one writer; every transaction is serialized on this connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = time.Second
	}
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("storage/sqlite: %s: %w", p, err)
		}
	}

	s := &SQLite{db: db, log: log.With(logx.String("comp", "storage.sqlite"))}
	if err := runMigrations(ctx, "sqlite", s, s.log); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) ensureTable(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename   TEXT PRIMARY KEY,
		applied_at INTEGER NOT NULL
	)`)
	return err
}

func (s *SQLite) applied(ctx context.Context, name string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE filename = ?`, name).Scan(&n)
	return n > 0, err
}

func (s *SQLite) apply(ctx context.Context, name, script string) error {
	return s.tx(ctx, "migrate", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, script); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(filename, applied_at) VALUES(?, ?)`, name, time.Now().UnixMicro())
		return err
	})
}

func (s *SQLite) Ping(ctx context.Context) error {
	return s.wrap("ping", s.db.PingContext(ctx))
}

func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLite) wrap(op string, err error) error { return wrapErr(op, err, sqliteTransient) }

func sqliteTransient(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED, sqlite3.SQLITE_IOERR:
			return true
		}
		return false
	}
	return strings.Contains(err.Error(), "database is locked")
}

func (s *SQLite) tx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.wrap(op, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return s.wrap(op, err)
	}
	return s.wrap(op, tx.Commit())
}

func micros(t time.Time) int64 { return ts(t).UnixMicro() }

func microsPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return micros(*t)
}

func fromMicros(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMicro(v.Int64).UTC()
	return &t
}

// sqlLimit maps "no limit" to SQLite's -1.
func sqlLimit(n int) int {
	if n <= 0 {
		return -1
	}
	return n
}

type rowScanner interface {
	Scan(dest ...any) error
}

const sqliteJobCols = `id, name, schedule, timezone, url, method, headers, body, max_attempts,
	enabled, next_fire_at, last_fire_at, disabled_reason, created_at, updated_at`

func scanSQLiteJob(r rowScanner) (Job, error) {
	var (
		j                Job
		headers          string
		next, last       sql.NullInt64
		created, updated int64
	)
	if err := r.Scan(&j.ID, &j.Name, &j.Schedule, &j.Timezone, &j.Target.URL, &j.Target.Method,
		&headers, &j.Target.Body, &j.MaxAttempts, &j.Enabled, &next, &last, &j.DisabledReason,
		&created, &updated); err != nil {
		return Job{}, err
	}
	h, err := decodeHeaders([]byte(headers))
	if err != nil {
		return Job{}, fmt.Errorf("decode headers of job %s: %w", j.ID, err)
	}
	j.Target.Headers = h
	j.NextFireAt = fromMicros(next)
	j.LastFireAt = fromMicros(last)
	j.CreatedAt = time.UnixMicro(created).UTC()
	j.UpdatedAt = time.UnixMicro(updated).UTC()
	return j, nil
}

func (s *SQLite) queryJobs(ctx context.Context, op, query string, args ...any) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, s.wrap(op, err)
	}
	defer rows.Close()
	out := make([]Job, 0)
	for rows.Next() {
		j, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, s.wrap(op, err)
		}
		out = append(out, j)
	}
	return out, s.wrap(op, rows.Err())
}

func (s *SQLite) CreateJob(ctx context.Context, j Job) error {
	headers, err := encodeHeaders(j.Target.Headers)
	if err != nil {
		return s.wrap("create job", err)
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO jobs(`+sqliteJobCols+`)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO NOTHING`,
		j.ID, j.Name, j.Schedule, j.Timezone, j.Target.URL, j.Target.Method, string(headers), j.Target.Body,
		j.MaxAttempts, j.Enabled, microsPtr(j.NextFireAt), microsPtr(j.LastFireAt), j.DisabledReason,
		micros(j.CreatedAt), micros(j.UpdatedAt),
	)
	if err != nil {
		return s.wrap("create job", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrJobExists
	}
	return nil
}

func (s *SQLite) GetJob(ctx context.Context, id string) (Job, error) {
	j, err := scanSQLiteJob(s.db.QueryRowContext(ctx, `SELECT `+sqliteJobCols+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrJobNotFound
	}
	if err != nil {
		return Job{}, s.wrap("get job", err)
	}
	return j, nil
}

func (s *SQLite) UpdateJob(ctx context.Context, u JobUpdate) error {
	j := u.Job
	headers, err := encodeHeaders(j.Target.Headers)
	if err != nil {
		return s.wrap("update job", err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET
		name = ?, schedule = ?, timezone = ?, url = ?, method = ?, headers = ?, body = ?,
		max_attempts = ?, enabled = ?, disabled_reason = ?, updated_at = ?,
		next_fire_at = CASE WHEN ? THEN NULL ELSE next_fire_at END
		WHERE id = ? AND enabled = ? AND next_fire_at IS ?`,
		j.Name, j.Schedule, j.Timezone, j.Target.URL, j.Target.Method, string(headers), j.Target.Body,
		j.MaxAttempts, j.Enabled, j.DisabledReason, micros(j.UpdatedAt),
		u.Reschedule,
		j.ID, u.ExpectEnabled, microsPtr(u.ExpectNext),
	)
	if err != nil {
		return s.wrap("update job", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var one int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM jobs WHERE id = ?`, j.ID).Scan(&one)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return ErrJobNotFound
	case err != nil:
		return s.wrap("update job", err)
	}
	return ErrStaleSchedule
}

func (s *SQLite) DeleteJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return s.wrap("delete job", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (s *SQLite) ListJobs(ctx context.Context, f JobFilter) ([]Job, error) {
	q := `SELECT ` + sqliteJobCols + ` FROM jobs`
	args := []any{}
	if f.Enabled != nil {
		q += ` WHERE enabled = ?`
		args = append(args, *f.Enabled)
	}
	q += ` ORDER BY id LIMIT ?`
	args = append(args, sqlLimit(f.Limit))
	return s.queryJobs(ctx, "list jobs", q, args...)
}

func (s *SQLite) UnscheduledJobs(ctx context.Context, limit int) ([]Job, error) {
	return s.queryJobs(ctx, "unscheduled jobs",
		`SELECT `+sqliteJobCols+` FROM jobs WHERE enabled = 1 AND next_fire_at IS NULL ORDER BY id LIMIT ?`,
		sqlLimit(limit))
}

func (s *SQLite) InitSchedule(ctx context.Context, id string, next time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET next_fire_at = ? WHERE id = ? AND next_fire_at IS NULL`, micros(next), id)
	if err != nil {
		return false, s.wrap("init schedule", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLite) DueJobs(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	return s.queryJobs(ctx, "due jobs",
		`SELECT `+sqliteJobCols+` FROM jobs WHERE enabled = 1 AND next_fire_at <= ? ORDER BY id LIMIT ?`,
		micros(now), sqlLimit(limit))
}

func (s *SQLite) FireJob(ctx context.Context, f Fire) (FireResult, error) {
	var res FireResult
	err := s.tx(ctx, "fire job", func(tx *sql.Tx) error {
		enabled, reason := true, ""
		if f.NextFireAt == nil {
			enabled, reason = false, f.DisableReason
		}
		r, err := tx.ExecContext(ctx, `UPDATE jobs SET
			last_fire_at = ?, next_fire_at = ?, enabled = ?, disabled_reason = ?, updated_at = ?
			WHERE id = ? AND enabled = 1 AND next_fire_at = ?`,
			micros(f.LastFireAt), microsPtr(f.NextFireAt), enabled, reason, micros(f.Now),
			f.JobID, micros(f.ExpectedNext),
		)
		if err != nil {
			return err
		}
		if n, _ := r.RowsAffected(); n == 0 {
			var one int
			if err := tx.QueryRowContext(ctx, `SELECT 1 FROM jobs WHERE id = ?`, f.JobID).Scan(&one); errors.Is(err, sql.ErrNoRows) {
				return ErrJobNotFound
			}
			return ErrStaleSchedule
		}
		res.Disabled = !enabled

		now := micros(f.Now)
		for _, ni := range f.Intents {
			headers, err := encodeHeaders(ni.Request.Headers)
			if err != nil {
				return err
			}
			r, err := tx.ExecContext(ctx, `INSERT INTO intents(
				id, job_id, fire_at, method, url, headers, body, state, max_attempts, attempts,
				next_attempt_at, next_delay_ns, created_at, updated_at)
				VALUES(?,?,?,?,?,?,?,?,?,0,?,0,?,?)
				ON CONFLICT DO NOTHING`,
				ni.ID, f.JobID, micros(ni.FireAt), ni.Request.Method, ni.Request.URL, string(headers),
				ni.Request.Body, string(IntentPending), effectiveMaxAttempts(ni.MaxAttempts), now, now, now,
			)
			if err != nil {
				return err
			}
			if n, _ := r.RowsAffected(); n > 0 {
				res.Created++
			} else {
				res.Duplicates++
			}
		}
		return nil
	})
	if err != nil {
		return FireResult{}, err
	}
	return res, nil
}

func (s *SQLite) DisableJob(ctx context.Context, id, reason string, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET enabled = 0, disabled_reason = ?, updated_at = ? WHERE id = ?`, reason, micros(now), id)
	if err != nil {
		return s.wrap("disable job", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrJobNotFound
	}
	return nil
}

const sqliteIntentCols = `id, job_id, fire_at, method, url, headers, body, state, max_attempts, attempts,
	next_attempt_at, next_delay_ns, last_attempt_at, last_error, lease_owner, lease_token, lease_until,
	created_at, updated_at, completed_at`

func scanSQLiteIntent(r rowScanner) (Intent, error) {
	var (
		in                                  Intent
		headers, state                      string
		fireAt, nextAt, delay, created, upd int64
		lastAt, leaseUntil, completed       sql.NullInt64
	)
	if err := r.Scan(&in.ID, &in.JobID, &fireAt, &in.Request.Method, &in.Request.URL, &headers,
		&in.Request.Body, &state, &in.MaxAttempts, &in.Attempts, &nextAt, &delay, &lastAt,
		&in.LastError, &in.LeaseOwner, &in.LeaseToken, &leaseUntil, &created, &upd, &completed); err != nil {
		return Intent{}, err
	}
	h, err := decodeHeaders([]byte(headers))
	if err != nil {
		return Intent{}, fmt.Errorf("decode headers of intent %s: %w", in.ID, err)
	}
	in.Request.Headers = h
	in.State = IntentState(state)
	in.FireAt = time.UnixMicro(fireAt).UTC()
	in.NextAttemptAt = time.UnixMicro(nextAt).UTC()
	in.NextDelay = time.Duration(delay)
	in.LastAttemptAt = fromMicros(lastAt)
	in.LeaseUntil = fromMicros(leaseUntil)
	in.CreatedAt = time.UnixMicro(created).UTC()
	in.UpdatedAt = time.UnixMicro(upd).UTC()
	in.CompletedAt = fromMicros(completed)
	return in, nil
}

func (s *SQLite) ClaimIntents(ctx context.Context, c Claim) ([]Claimed, error) {
	if c.Limit <= 0 {
		return nil, nil
	}
	var out []Claimed
	err := s.tx(ctx, "claim intents", func(tx *sql.Tx) error {
		type due struct {
			id    string
			last  sql.NullInt64
			delay int64
		}
		rows, err := tx.QueryContext(ctx, `SELECT id, last_attempt_at, next_delay_ns FROM intents
			WHERE state IN ('pending', 'retry_scheduled') AND next_attempt_at <= ?
			ORDER BY next_attempt_at, id LIMIT ?`, micros(c.Now), c.Limit)
		if err != nil {
			return err
		}
		var picked []due
		for rows.Next() {
			var d due
			if err := rows.Scan(&d.id, &d.last, &d.delay); err != nil {
				_ = rows.Close()
				return err
			}
			picked = append(picked, d)
		}
		if err := rows.Close(); err != nil {
			return err
		}
		if err := rows.Err(); err != nil {
			return err
		}

		now := ts(c.Now)
		until := now.Add(c.LeaseTTL)
		for _, d := range picked {
			started := attemptStart(now, fromMicros(d.last))
			in, err := scanSQLiteIntent(tx.QueryRowContext(ctx, `UPDATE intents SET
				state = 'attempting', attempts = attempts + 1, lease_owner = ?, lease_token = ?,
				lease_until = ?, last_attempt_at = ?, updated_at = ?
				WHERE id = ? RETURNING `+sqliteIntentCols,
				c.Owner, uuid.NewString(), micros(until), micros(started), micros(now), d.id,
			))
			if err != nil {
				return err
			}
			a := Attempt{
				IntentID:  in.ID,
				Seq:       in.Attempts,
				StartedAt: started,
				Delay:     time.Duration(d.delay),
				Outcome:   OutcomePending,
				Worker:    c.Owner,
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO attempts(intent_id, seq, started_at, delay_ns, outcome, worker)
				VALUES(?,?,?,?,?,?)`, a.IntentID, a.Seq, micros(a.StartedAt), int64(a.Delay), string(a.Outcome), a.Worker); err != nil {
				return err
			}
			out = append(out, Claimed{Intent: in, Attempt: a})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// leaseMiss tells a vanished intent apart from a lost lease.
func (s *SQLite) leaseMiss(ctx context.Context, q interface {
	QueryRowContext(context.Context, string, ...any) *sql.Row
}, id string) error {
	var one int
	if err := q.QueryRowContext(ctx, `SELECT 1 FROM intents WHERE id = ?`, id).Scan(&one); errors.Is(err, sql.ErrNoRows) {
		return ErrIntentNotFound
	}
	return ErrLeaseLost
}

func (s *SQLite) ExtendLease(ctx context.Context, id, token string, until time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE intents SET lease_until = ?
		WHERE id = ? AND state = 'attempting' AND lease_token = ?`, micros(until), id, token)
	if err != nil {
		return s.wrap("extend lease", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.leaseMiss(ctx, s.db, id)
	}
	return nil
}

// finishArgs returns next_attempt_at, next_delay_ns and completed_at for a
// transition into state.
func finishArgs(state IntentState, next time.Time, delay time.Duration, now time.Time) (any, any, any) {
	if state == IntentRetryScheduled {
		return micros(next), int64(delay), nil
	}
	return nil, nil, micros(now)
}

func (s *SQLite) FinishAttempt(ctx context.Context, r AttemptResult) error {
	return s.tx(ctx, "finish attempt", func(tx *sql.Tx) error {
		nextAt, delay, completed := finishArgs(r.State, r.NextAttemptAt, r.NextDelay, r.FinishedAt)
		res, err := tx.ExecContext(ctx, `UPDATE intents SET
			state = ?, next_attempt_at = COALESCE(?, next_attempt_at), next_delay_ns = COALESCE(?, next_delay_ns),
			completed_at = ?, last_error = ?, lease_owner = '', lease_token = '', lease_until = NULL, updated_at = ?
			WHERE id = ? AND state = 'attempting' AND lease_token = ?`,
			string(r.State), nextAt, delay, completed, r.Error, micros(r.FinishedAt), r.IntentID, r.LeaseToken,
		)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return s.leaseMiss(ctx, tx, r.IntentID)
		}
		_, err = tx.ExecContext(ctx, `UPDATE attempts SET finished_at = ?, outcome = ?, status_code = ?, error = ?
			WHERE intent_id = ? AND seq = ? AND outcome = 'pending'`,
			micros(r.FinishedAt), string(r.Outcome), r.StatusCode, r.Error, r.IntentID, r.Seq,
		)
		return err
	})
}

func (s *SQLite) ReclaimExpired(ctx context.Context, now time.Time) (Reclaimed, error) {
	var res Reclaimed
	err := s.tx(ctx, "reclaim expired", func(tx *sql.Tx) error {
		type expired struct {
			id            string
			attempts, max int
		}
		rows, err := tx.QueryContext(ctx, `SELECT id, attempts, max_attempts FROM intents
			WHERE state = 'attempting' AND lease_until < ? ORDER BY id`, micros(now))
		if err != nil {
			return err
		}
		var list []expired
		for rows.Next() {
			var e expired
			if err := rows.Scan(&e.id, &e.attempts, &e.max); err != nil {
				_ = rows.Close()
				return err
			}
			list = append(list, e)
		}
		if err := rows.Close(); err != nil {
			return err
		}
		if err := rows.Err(); err != nil {
			return err
		}

		for _, e := range list {
			if _, err := tx.ExecContext(ctx, `UPDATE attempts SET outcome = 'abandoned', error = ?, finished_at = ?
				WHERE intent_id = ? AND outcome = 'pending'`, reclaimError, micros(now), e.id); err != nil {
				return err
			}
			state := IntentRetryScheduled
			if e.attempts >= e.max {
				state = IntentExhausted
			}
			nextAt, delay, completed := finishArgs(state, now, 0, now)
			if _, err := tx.ExecContext(ctx, `UPDATE intents SET
				state = ?, next_attempt_at = COALESCE(?, next_attempt_at), next_delay_ns = COALESCE(?, next_delay_ns),
				completed_at = ?, last_error = ?, lease_owner = '', lease_token = '', lease_until = NULL, updated_at = ?
				WHERE id = ?`,
				string(state), nextAt, delay, completed, reclaimError, micros(now), e.id); err != nil {
				return err
			}
			if state == IntentExhausted {
				res.Exhausted = append(res.Exhausted, e.id)
			} else {
				res.Retried = append(res.Retried, e.id)
			}
		}
		return nil
	})
	if err != nil {
		return Reclaimed{}, err
	}
	return res, nil
}

func (s *SQLite) ReleaseClaim(ctx context.Context, id, token string, now time.Time) error {
	return s.tx(ctx, "release claim", func(tx *sql.Tx) error {
		var attempts int
		err := tx.QueryRowContext(ctx, `SELECT attempts FROM intents
			WHERE id = ? AND state = 'attempting' AND lease_token = ?`, id, token).Scan(&attempts)
		if errors.Is(err, sql.ErrNoRows) {
			return s.leaseMiss(ctx, tx, id)
		}
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM attempts
			WHERE intent_id = ? AND seq = ? AND outcome = 'pending'`, id, attempts); err != nil {
			return err
		}
		state := IntentPending
		if attempts > 1 {
			state = IntentRetryScheduled
		}
		_, err = tx.ExecContext(ctx, `UPDATE intents SET
			state = ?, attempts = attempts - 1,
			last_attempt_at = (SELECT MAX(started_at) FROM attempts WHERE intent_id = ?),
			lease_owner = '', lease_token = '', lease_until = NULL, updated_at = ?
			WHERE id = ?`, string(state), id, micros(now), id)
		return err
	})
}

func (s *SQLite) GetIntent(ctx context.Context, id string) (Intent, error) {
	in, err := scanSQLiteIntent(s.db.QueryRowContext(ctx, `SELECT `+sqliteIntentCols+` FROM intents WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Intent{}, ErrIntentNotFound
	}
	if err != nil {
		return Intent{}, s.wrap("get intent", err)
	}
	return in, nil
}

func (s *SQLite) ListIntents(ctx context.Context, f IntentFilter) ([]Intent, error) {
	q := `SELECT ` + sqliteIntentCols + ` FROM intents`
	var (
		where []string
		args  []any
	)
	if f.JobID != "" {
		where = append(where, "job_id = ?")
		args = append(args, f.JobID)
	}
	if f.State != "" {
		where = append(where, "state = ?")
		args = append(args, string(f.State))
	}
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY fire_at DESC, id LIMIT ?"
	args = append(args, sqlLimit(f.Limit))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, s.wrap("list intents", err)
	}
	defer rows.Close()
	out := make([]Intent, 0)
	for rows.Next() {
		in, err := scanSQLiteIntent(rows)
		if err != nil {
			return nil, s.wrap("list intents", err)
		}
		out = append(out, in)
	}
	return out, s.wrap("list intents", rows.Err())
}

func (s *SQLite) ListAttempts(ctx context.Context, intentID string) ([]Attempt, error) {
	if _, err := s.GetIntent(ctx, intentID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT intent_id, seq, started_at, finished_at, delay_ns, outcome, status_code, error, worker
		FROM attempts WHERE intent_id = ? ORDER BY seq`, intentID)
	if err != nil {
		return nil, s.wrap("list attempts", err)
	}
	defer rows.Close()
	out := make([]Attempt, 0)
	for rows.Next() {
		var (
			a              Attempt
			started, delay int64
			finished       sql.NullInt64
			outcome        string
		)
		if err := rows.Scan(&a.IntentID, &a.Seq, &started, &finished, &delay, &outcome, &a.StatusCode, &a.Error, &a.Worker); err != nil {
			return nil, s.wrap("list attempts", err)
		}
		a.StartedAt = time.UnixMicro(started).UTC()
		a.FinishedAt = fromMicros(finished)
		a.Delay = time.Duration(delay)
		a.Outcome = Outcome(outcome)
		out = append(out, a)
	}
	return out, s.wrap("list attempts", rows.Err())
}

func (s *SQLite) Backlog(ctx context.Context, now time.Time) (Backlog, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*),
		SUM(CASE WHEN state != 'attempting' AND next_attempt_at <= ? THEN 1 ELSE 0 END)
		FROM intents WHERE state IN ('pending', 'attempting', 'retry_scheduled') GROUP BY state`, micros(now))
	if err != nil {
		return Backlog{}, s.wrap("backlog", err)
	}
	defer rows.Close()
	var b Backlog
	for rows.Next() {
		var (
			state  string
			n, due int
		)
		if err := rows.Scan(&state, &n, &due); err != nil {
			return Backlog{}, s.wrap("backlog", err)
		}
		b.add(IntentState(state), n, due)
	}
	return b, s.wrap("backlog", rows.Err())
}

func (b *Backlog) add(state IntentState, n, due int) {
	switch state {
	case IntentPending:
		b.Pending = n
	case IntentAttempting:
		b.Attempting = n
	case IntentRetryScheduled:
		b.RetryScheduled = n
	}
	b.Due += due
}
