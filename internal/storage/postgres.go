package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	logx "cronrelay/pkg/logx"
)

// Postgres is the multi-process backend. Claims use FOR UPDATE SKIP LOCKED
// so several dispatchers can share one database.
type Postgres struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

var _ Store = (*Postgres)(nil)

const (
	pgDefaultMaxConns   = 10
	pgConnectTimeout    = 30 * time.Second
	pgMaxConnIdleTime   = 5 * time.Minute
	pgDefaultSlowQuery  = time.Second
	pgReadCommittedStmt = "SET SESSION CHARACTERISTICS AS TRANSACTION ISOLATION LEVEL READ COMMITTED"
)

func OpenPostgres(ctx context.Context, cfg Config, log logx.Logger) (*Postgres, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("postgres dsn is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage.postgres"))

	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("storage/postgres: parse config: %w", err)
	}
	maxConns := cfg.MaxConnections
	if maxConns <= 0 {
		maxConns = pgDefaultMaxConns
	}
	pcfg.MaxConns = int32(maxConns)
	pcfg.MinConns = 1
	if maxConns >= pgDefaultMaxConns {
		pcfg.MinConns = pgDefaultMaxConns
	}
	pcfg.MaxConnIdleTime = pgMaxConnIdleTime
	pcfg.ConnConfig.ConnectTimeout = pgConnectTimeout

	slow := cfg.SlowQuery
	if slow <= 0 {
		slow = pgDefaultSlowQuery
	}
	pcfg.ConnConfig.Tracer = &slowQueryTracer{threshold: slow, log: log}
	pcfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		_, err := conn.Exec(ctx, pgReadCommittedStmt)
		return err
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("storage/postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage/postgres: ping: %w", err)
	}

	s := &Postgres{pool: pool, log: log}
	if err := runMigrations(ctx, "postgres", s, log); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// slowQueryTracer logs statements that take at least threshold.
type slowQueryTracer struct {
	threshold time.Duration
	log       logx.Logger
}

type traceStartKey struct{}

type traceStart struct {
	at  time.Time
	sql string
}

func (t *slowQueryTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	return context.WithValue(ctx, traceStartKey{}, traceStart{at: time.Now(), sql: data.SQL})
}

func (t *slowQueryTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	st, ok := ctx.Value(traceStartKey{}).(traceStart)
	if !ok {
		return
	}
	if took := time.Since(st.at); took >= t.threshold {
		t.log.Warn("slow statement",
			logx.Duration("took", took),
			logx.String("sql", compactSQL(st.sql)),
			logx.Err(data.Err),
		)
	}
}

func compactSQL(q string) string {
	q = strings.Join(strings.Fields(q), " ")
	if len(q) > 200 {
		q = q[:200] + "..."
	}
	return q
}

func (s *Postgres) ensureTable(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS cronrelay_migrations (
		filename   TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`)
	return err
}

func (s *Postgres) applied(ctx context.Context, name string) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM cronrelay_migrations WHERE filename = $1)`, name).Scan(&ok)
	return ok, err
}

func (s *Postgres) apply(ctx context.Context, name, script string) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, script); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `INSERT INTO cronrelay_migrations (filename) VALUES ($1)`, name)
		return err
	})
}

func (s *Postgres) Ping(ctx context.Context) error { return s.wrap("ping", s.pool.Ping(ctx)) }

func (s *Postgres) Close() error {
	s.pool.Close()
	return nil
}

func (s *Postgres) wrap(op string, err error) error { return wrapErr(op, err, pgTransient) }

func (s *Postgres) tx(ctx context.Context, op string, fn func(tx pgx.Tx) error) error {
	return s.wrap(op, pgx.BeginFunc(ctx, s.pool, fn))
}

func pgTransient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"): // connection exception
			return true
		case pgErr.Code == "40001", pgErr.Code == "40P01": // serialization, deadlock
			return true
		case pgErr.Code == "53300", pgErr.Code == "57P01", pgErr.Code == "57P02", pgErr.Code == "57P03":
			return true
		}
		return false
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return pgconn.SafeToRetry(err) || pgconn.Timeout(err) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

func isDuplicateKey(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func pgLimit(n int) any {
	if n <= 0 {
		return nil
	}
	return n
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

const pgJobCols = `id, name, schedule, timezone, url, method, headers, body, max_attempts,
	enabled, next_fire_at, last_fire_at, disabled_reason, created_at, updated_at`

func scanPgJob(r pgx.Row) (Job, error) {
	var (
		j       Job
		headers []byte
	)
	if err := r.Scan(&j.ID, &j.Name, &j.Schedule, &j.Timezone, &j.Target.URL, &j.Target.Method,
		&headers, &j.Target.Body, &j.MaxAttempts, &j.Enabled, &j.NextFireAt, &j.LastFireAt,
		&j.DisabledReason, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return Job{}, err
	}
	h, err := decodeHeaders(headers)
	if err != nil {
		return Job{}, fmt.Errorf("decode headers of job %s: %w", j.ID, err)
	}
	j.Target.Headers = h
	j.NextFireAt = utcPtr(j.NextFireAt)
	j.LastFireAt = utcPtr(j.LastFireAt)
	j.CreatedAt = j.CreatedAt.UTC()
	j.UpdatedAt = j.UpdatedAt.UTC()
	return j, nil
}

func (s *Postgres) queryJobs(ctx context.Context, op, query string, args ...any) ([]Job, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, s.wrap(op, err)
	}
	defer rows.Close()
	out := make([]Job, 0)
	for rows.Next() {
		j, err := scanPgJob(rows)
		if err != nil {
			return nil, s.wrap(op, err)
		}
		out = append(out, j)
	}
	return out, s.wrap(op, rows.Err())
}

func (s *Postgres) CreateJob(ctx context.Context, j Job) error {
	headers, err := encodeHeaders(j.Target.Headers)
	if err != nil {
		return s.wrap("create job", err)
	}
	tag, err := s.pool.Exec(ctx, `INSERT INTO cronrelay_jobs (`+pgJobCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO NOTHING`,
		j.ID, j.Name, j.Schedule, j.Timezone, j.Target.URL, j.Target.Method, headers, j.Target.Body,
		j.MaxAttempts, j.Enabled, tsPtr(j.NextFireAt), tsPtr(j.LastFireAt), j.DisabledReason,
		ts(j.CreatedAt), ts(j.UpdatedAt),
	)
	if err != nil {
		if isDuplicateKey(err) {
			return ErrJobExists
		}
		return s.wrap("create job", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrJobExists
	}
	return nil
}

func (s *Postgres) GetJob(ctx context.Context, id string) (Job, error) {
	j, err := scanPgJob(s.pool.QueryRow(ctx, `SELECT `+pgJobCols+` FROM cronrelay_jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Job{}, ErrJobNotFound
	}
	if err != nil {
		return Job{}, s.wrap("get job", err)
	}
	return j, nil
}

func (s *Postgres) UpdateJob(ctx context.Context, u JobUpdate) error {
	j := u.Job
	headers, err := encodeHeaders(j.Target.Headers)
	if err != nil {
		return s.wrap("update job", err)
	}
	tag, err := s.pool.Exec(ctx, `UPDATE cronrelay_jobs SET
		name = $2, schedule = $3, timezone = $4, url = $5, method = $6, headers = $7, body = $8,
		max_attempts = $9, enabled = $10, disabled_reason = $11, updated_at = $12,
		next_fire_at = CASE WHEN $13::boolean THEN NULL ELSE next_fire_at END
		WHERE id = $1 AND enabled = $14 AND next_fire_at IS NOT DISTINCT FROM $15::timestamptz`,
		j.ID, j.Name, j.Schedule, j.Timezone, j.Target.URL, j.Target.Method, headers, j.Target.Body,
		j.MaxAttempts, j.Enabled, j.DisabledReason, ts(j.UpdatedAt),
		u.Reschedule, u.ExpectEnabled, tsPtr(u.ExpectNext),
	)
	if err != nil {
		return s.wrap("update job", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var one int
	err = s.pool.QueryRow(ctx, `SELECT 1 FROM cronrelay_jobs WHERE id = $1`, j.ID).Scan(&one)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return ErrJobNotFound
	case err != nil:
		return s.wrap("update job", err)
	}
	return ErrStaleSchedule
}

func (s *Postgres) DeleteJob(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM cronrelay_jobs WHERE id = $1`, id)
	if err != nil {
		return s.wrap("delete job", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (s *Postgres) ListJobs(ctx context.Context, f JobFilter) ([]Job, error) {
	if f.Enabled != nil {
		return s.queryJobs(ctx, "list jobs",
			`SELECT `+pgJobCols+` FROM cronrelay_jobs WHERE enabled = $1 ORDER BY id LIMIT $2`,
			*f.Enabled, pgLimit(f.Limit))
	}
	return s.queryJobs(ctx, "list jobs",
		`SELECT `+pgJobCols+` FROM cronrelay_jobs ORDER BY id LIMIT $1`, pgLimit(f.Limit))
}

func (s *Postgres) UnscheduledJobs(ctx context.Context, limit int) ([]Job, error) {
	return s.queryJobs(ctx, "unscheduled jobs",
		`SELECT `+pgJobCols+` FROM cronrelay_jobs WHERE enabled AND next_fire_at IS NULL ORDER BY id LIMIT $1`,
		pgLimit(limit))
}

func (s *Postgres) InitSchedule(ctx context.Context, id string, next time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE cronrelay_jobs SET next_fire_at = $2 WHERE id = $1 AND next_fire_at IS NULL`, id, ts(next))
	if err != nil {
		return false, s.wrap("init schedule", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Postgres) DueJobs(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	return s.queryJobs(ctx, "due jobs",
		`SELECT `+pgJobCols+` FROM cronrelay_jobs WHERE enabled AND next_fire_at <= $1 ORDER BY id LIMIT $2`,
		ts(now), pgLimit(limit))
}

func (s *Postgres) FireJob(ctx context.Context, f Fire) (FireResult, error) {
	var res FireResult
	err := s.tx(ctx, "fire job", func(tx pgx.Tx) error {
		enabled, reason := true, ""
		if f.NextFireAt == nil {
			enabled, reason = false, f.DisableReason
		}
		tag, err := tx.Exec(ctx, `UPDATE cronrelay_jobs SET
			last_fire_at = $2, next_fire_at = $3, enabled = $4, disabled_reason = $5, updated_at = $6
			WHERE id = $1 AND enabled AND next_fire_at = $7`,
			f.JobID, ts(f.LastFireAt), tsPtr(f.NextFireAt), enabled, reason, ts(f.Now), ts(f.ExpectedNext),
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM cronrelay_jobs WHERE id = $1)`, f.JobID).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return ErrJobNotFound
			}
			return ErrStaleSchedule
		}
		res.Disabled = !enabled

		now := ts(f.Now)
		for _, ni := range f.Intents {
			headers, err := encodeHeaders(ni.Request.Headers)
			if err != nil {
				return err
			}
			tag, err := tx.Exec(ctx, `INSERT INTO cronrelay_intents (
				id, job_id, fire_at, method, url, headers, body, state, max_attempts, attempts,
				next_attempt_at, next_delay_ns, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 0, $10, 0, $10, $10)
				ON CONFLICT DO NOTHING`,
				ni.ID, f.JobID, ts(ni.FireAt), ni.Request.Method, ni.Request.URL, headers, ni.Request.Body,
				string(IntentPending), effectiveMaxAttempts(ni.MaxAttempts), now,
			)
			if err != nil {
				return err
			}
			if tag.RowsAffected() > 0 {
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

func (s *Postgres) DisableJob(ctx context.Context, id, reason string, now time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE cronrelay_jobs SET enabled = FALSE, disabled_reason = $2, updated_at = $3 WHERE id = $1`,
		id, reason, ts(now))
	if err != nil {
		return s.wrap("disable job", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

const pgIntentCols = `id, job_id, fire_at, method, url, headers, body, state, max_attempts, attempts,
	next_attempt_at, next_delay_ns, last_attempt_at, last_error, lease_owner, lease_token, lease_until,
	created_at, updated_at, completed_at`

func scanPgIntent(r pgx.Row) (Intent, error) {
	var (
		in      Intent
		headers []byte
		state   string
		delay   int64
	)
	if err := r.Scan(&in.ID, &in.JobID, &in.FireAt, &in.Request.Method, &in.Request.URL, &headers,
		&in.Request.Body, &state, &in.MaxAttempts, &in.Attempts, &in.NextAttemptAt, &delay,
		&in.LastAttemptAt, &in.LastError, &in.LeaseOwner, &in.LeaseToken, &in.LeaseUntil,
		&in.CreatedAt, &in.UpdatedAt, &in.CompletedAt); err != nil {
		return Intent{}, err
	}
	h, err := decodeHeaders(headers)
	if err != nil {
		return Intent{}, fmt.Errorf("decode headers of intent %s: %w", in.ID, err)
	}
	in.Request.Headers = h
	in.State = IntentState(state)
	in.NextDelay = time.Duration(delay)
	in.FireAt = in.FireAt.UTC()
	in.NextAttemptAt = in.NextAttemptAt.UTC()
	in.CreatedAt = in.CreatedAt.UTC()
	in.UpdatedAt = in.UpdatedAt.UTC()
	in.LastAttemptAt = utcPtr(in.LastAttemptAt)
	in.LeaseUntil = utcPtr(in.LeaseUntil)
	in.CompletedAt = utcPtr(in.CompletedAt)
	return in, nil
}

func (s *Postgres) ClaimIntents(ctx context.Context, c Claim) ([]Claimed, error) {
	if c.Limit <= 0 {
		return nil, nil
	}
	var out []Claimed
	err := s.tx(ctx, "claim intents", func(tx pgx.Tx) error {
		type due struct {
			id    string
			last  *time.Time
			delay int64
		}
		rows, err := tx.Query(ctx, `SELECT id, last_attempt_at, next_delay_ns FROM cronrelay_intents
			WHERE state IN ('pending', 'retry_scheduled') AND next_attempt_at <= $1
			ORDER BY next_attempt_at, id
			LIMIT $2
			FOR UPDATE SKIP LOCKED`, ts(c.Now), c.Limit)
		if err != nil {
			return err
		}
		var picked []due
		for rows.Next() {
			var d due
			if err := rows.Scan(&d.id, &d.last, &d.delay); err != nil {
				rows.Close()
				return err
			}
			picked = append(picked, d)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		now := ts(c.Now)
		until := now.Add(c.LeaseTTL)
		for _, d := range picked {
			started := attemptStart(now, tsPtr(d.last))
			in, err := scanPgIntent(tx.QueryRow(ctx, `UPDATE cronrelay_intents SET
				state = 'attempting', attempts = attempts + 1, lease_owner = $2, lease_token = $3,
				lease_until = $4, last_attempt_at = $5, updated_at = $6
				WHERE id = $1 RETURNING `+pgIntentCols,
				d.id, c.Owner, uuid.NewString(), until, started, now,
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
			if _, err := tx.Exec(ctx, `INSERT INTO cronrelay_attempts (intent_id, seq, started_at, delay_ns, outcome, worker)
				VALUES ($1, $2, $3, $4, $5, $6)`,
				a.IntentID, a.Seq, a.StartedAt, int64(a.Delay), string(a.Outcome), a.Worker); err != nil {
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

func (s *Postgres) leaseMiss(ctx context.Context, q interface {
	QueryRow(context.Context, string, ...any) pgx.Row
}, id string) error {
	var exists bool
	if err := q.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM cronrelay_intents WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrIntentNotFound
	}
	return ErrLeaseLost
}

func (s *Postgres) ExtendLease(ctx context.Context, id, token string, until time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE cronrelay_intents SET lease_until = $3
		WHERE id = $1 AND state = 'attempting' AND lease_token = $2`, id, token, ts(until))
	if err != nil {
		return s.wrap("extend lease", err)
	}
	if tag.RowsAffected() == 0 {
		return s.wrap("extend lease", s.leaseMiss(ctx, s.pool, id))
	}
	return nil
}

// pgFinishArgs mirrors finishArgs with native timestamps.
func pgFinishArgs(state IntentState, next time.Time, delay time.Duration, now time.Time) (*time.Time, *int64, *time.Time) {
	if state == IntentRetryScheduled {
		n, d := ts(next), int64(delay)
		return &n, &d, nil
	}
	c := ts(now)
	return nil, nil, &c
}

const pgFinishIntent = `UPDATE cronrelay_intents SET
	state = $2, next_attempt_at = COALESCE($3, next_attempt_at), next_delay_ns = COALESCE($4, next_delay_ns),
	completed_at = $5, last_error = $6, lease_owner = '', lease_token = '', lease_until = NULL, updated_at = $7
	WHERE id = $1 AND state = 'attempting'`

func (s *Postgres) FinishAttempt(ctx context.Context, r AttemptResult) error {
	return s.tx(ctx, "finish attempt", func(tx pgx.Tx) error {
		nextAt, delay, completed := pgFinishArgs(r.State, r.NextAttemptAt, r.NextDelay, r.FinishedAt)
		tag, err := tx.Exec(ctx, pgFinishIntent+` AND lease_token = $8`,
			r.IntentID, string(r.State), nextAt, delay, completed, r.Error, ts(r.FinishedAt), r.LeaseToken)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return s.leaseMiss(ctx, tx, r.IntentID)
		}
		_, err = tx.Exec(ctx, `UPDATE cronrelay_attempts SET finished_at = $3, outcome = $4, status_code = $5, error = $6
			WHERE intent_id = $1 AND seq = $2 AND outcome = 'pending'`,
			r.IntentID, r.Seq, ts(r.FinishedAt), string(r.Outcome), r.StatusCode, r.Error)
		return err
	})
}

func (s *Postgres) ReleaseClaim(ctx context.Context, id, token string, now time.Time) error {
	return s.tx(ctx, "release claim", func(tx pgx.Tx) error {
		var attempts int
		err := tx.QueryRow(ctx, `SELECT attempts FROM cronrelay_intents
			WHERE id = $1 AND state = 'attempting' AND lease_token = $2
			FOR UPDATE`, id, token).Scan(&attempts)
		if errors.Is(err, pgx.ErrNoRows) {
			return s.leaseMiss(ctx, tx, id)
		}
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM cronrelay_attempts
			WHERE intent_id = $1 AND seq = $2 AND outcome = 'pending'`, id, attempts); err != nil {
			return err
		}
		state := IntentPending
		if attempts > 1 {
			state = IntentRetryScheduled
		}
		_, err = tx.Exec(ctx, `UPDATE cronrelay_intents SET
			state = $2, attempts = attempts - 1,
			last_attempt_at = (SELECT MAX(started_at) FROM cronrelay_attempts WHERE intent_id = $1),
			lease_owner = '', lease_token = '', lease_until = NULL, updated_at = $3
			WHERE id = $1`, id, string(state), ts(now))
		return err
	})
}

func (s *Postgres) ReclaimExpired(ctx context.Context, now time.Time) (Reclaimed, error) {
	var res Reclaimed
	err := s.tx(ctx, "reclaim expired", func(tx pgx.Tx) error {
		type expired struct {
			id            string
			attempts, max int
		}
		rows, err := tx.Query(ctx, `SELECT id, attempts, max_attempts FROM cronrelay_intents
			WHERE state = 'attempting' AND lease_until < $1
			ORDER BY id
			FOR UPDATE SKIP LOCKED`, ts(now))
		if err != nil {
			return err
		}
		var list []expired
		for rows.Next() {
			var e expired
			if err := rows.Scan(&e.id, &e.attempts, &e.max); err != nil {
				rows.Close()
				return err
			}
			list = append(list, e)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, e := range list {
			if _, err := tx.Exec(ctx, `UPDATE cronrelay_attempts SET outcome = 'abandoned', error = $2, finished_at = $3
				WHERE intent_id = $1 AND outcome = 'pending'`, e.id, reclaimError, ts(now)); err != nil {
				return err
			}
			state := IntentRetryScheduled
			if e.attempts >= e.max {
				state = IntentExhausted
			}
			nextAt, delay, completed := pgFinishArgs(state, now, 0, now)
			if _, err := tx.Exec(ctx, pgFinishIntent,
				e.id, string(state), nextAt, delay, completed, reclaimError, ts(now)); err != nil {
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

func (s *Postgres) GetIntent(ctx context.Context, id string) (Intent, error) {
	in, err := scanPgIntent(s.pool.QueryRow(ctx, `SELECT `+pgIntentCols+` FROM cronrelay_intents WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Intent{}, ErrIntentNotFound
	}
	if err != nil {
		return Intent{}, s.wrap("get intent", err)
	}
	return in, nil
}

func (s *Postgres) ListIntents(ctx context.Context, f IntentFilter) ([]Intent, error) {
	q := `SELECT ` + pgIntentCols + ` FROM cronrelay_intents`
	var (
		where []string
		args  []any
	)
	if f.JobID != "" {
		args = append(args, f.JobID)
		where = append(where, fmt.Sprintf("job_id = $%d", len(args)))
	}
	if f.State != "" {
		args = append(args, string(f.State))
		where = append(where, fmt.Sprintf("state = $%d", len(args)))
	}
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, pgLimit(f.Limit))
	q += fmt.Sprintf(" ORDER BY fire_at DESC, id LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, s.wrap("list intents", err)
	}
	defer rows.Close()
	out := make([]Intent, 0)
	for rows.Next() {
		in, err := scanPgIntent(rows)
		if err != nil {
			return nil, s.wrap("list intents", err)
		}
		out = append(out, in)
	}
	return out, s.wrap("list intents", rows.Err())
}

func (s *Postgres) ListAttempts(ctx context.Context, intentID string) ([]Attempt, error) {
	if _, err := s.GetIntent(ctx, intentID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `SELECT intent_id, seq, started_at, finished_at, delay_ns, outcome, status_code, error, worker
		FROM cronrelay_attempts WHERE intent_id = $1 ORDER BY seq`, intentID)
	if err != nil {
		return nil, s.wrap("list attempts", err)
	}
	defer rows.Close()
	out := make([]Attempt, 0)
	for rows.Next() {
		var (
			a       Attempt
			delay   int64
			outcome string
		)
		if err := rows.Scan(&a.IntentID, &a.Seq, &a.StartedAt, &a.FinishedAt, &delay, &outcome, &a.StatusCode, &a.Error, &a.Worker); err != nil {
			return nil, s.wrap("list attempts", err)
		}
		a.StartedAt = a.StartedAt.UTC()
		a.FinishedAt = utcPtr(a.FinishedAt)
		a.Delay = time.Duration(delay)
		a.Outcome = Outcome(outcome)
		out = append(out, a)
	}
	return out, s.wrap("list attempts", rows.Err())
}

func (s *Postgres) Backlog(ctx context.Context, now time.Time) (Backlog, error) {
	rows, err := s.pool.Query(ctx, `SELECT state, COUNT(*),
		COUNT(*) FILTER (WHERE state <> 'attempting' AND next_attempt_at <= $1)
		FROM cronrelay_intents WHERE state IN ('pending', 'attempting', 'retry_scheduled') GROUP BY state`, ts(now))
	if err != nil {
		return Backlog{}, s.wrap("backlog", err)
	}
	defer rows.Close()
	var b Backlog
	for rows.Next() {
		var (
			state  string
			n, due int64
		)
		if err := rows.Scan(&state, &n, &due); err != nil {
			return Backlog{}, s.wrap("backlog", err)
		}
		b.add(IntentState(state), int(n), int(due))
	}
	return b, s.wrap("backlog", rows.Err())
}
