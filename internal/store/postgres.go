package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mojtabashariatzade/adder-repo/internal/models"
)

// ErrNotFound is returned when a run or account does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps pgxpool for Postgres persistence of accounts, runs, and
// audit history.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// SaveAccount upserts one account row.
func (s *Store) SaveAccount(ctx context.Context, a models.Account) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO accounts (id, phone, status, daily_count, consecutive_failures, cooldown_until, last_used_at, last_error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			phone = EXCLUDED.phone,
			status = EXCLUDED.status,
			daily_count = EXCLUDED.daily_count,
			consecutive_failures = EXCLUDED.consecutive_failures,
			cooldown_until = EXCLUDED.cooldown_until,
			last_used_at = EXCLUDED.last_used_at,
			last_error = EXCLUDED.last_error,
			updated_at = EXCLUDED.updated_at
	`, a.ID, a.Phone, a.Status, a.DailyCount, a.ConsecutiveFailures, a.CooldownUntil, a.LastUsedAt, a.LastError, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert account %s: %w", a.ID, err)
	}
	return nil
}

// ListAccounts returns every account ordered by id.
func (s *Store) ListAccounts(ctx context.Context) ([]models.Account, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, phone, status, daily_count, consecutive_failures, cooldown_until, last_used_at, last_error, created_at, updated_at
		FROM accounts ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("query accounts: %w", err)
	}
	defer rows.Close()

	var out []models.Account
	for rows.Next() {
		var a models.Account
		var cooldown, lastUsed pgtype.Timestamptz
		var lastErr pgtype.Text
		if err := rows.Scan(&a.ID, &a.Phone, &a.Status, &a.DailyCount, &a.ConsecutiveFailures, &cooldown, &lastUsed, &lastErr, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		a.CooldownUntil = timePtr(cooldown)
		a.LastUsedAt = timePtr(lastUsed)
		a.LastError = textPtr(lastErr)
		out = append(out, a)
	}
	return out, rows.Err()
}

// SaveRun upserts the run row and all of its tasks in one transaction. It is
// the checkpoint sink for the controller, so partial run state is valid.
func (s *Store) SaveRun(ctx context.Context, run *models.Run) error {
	statsJSON, err := json.Marshal(run.Stats)
	if err != nil {
		return fmt.Errorf("marshal run stats: %w", err)
	}
	acctJSON, err := json.Marshal(run.AccountStats)
	if err != nil {
		return fmt.Errorf("marshal account stats: %w", err)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	_, err = tx.Exec(ctx, `
		INSERT INTO runs (id, group_name, strategy, status, stats, account_stats, created_at, started_at, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			strategy = EXCLUDED.strategy,
			status = EXCLUDED.status,
			stats = EXCLUDED.stats,
			account_stats = EXCLUDED.account_stats,
			started_at = EXCLUDED.started_at,
			ended_at = EXCLUDED.ended_at
	`, run.ID, run.Group, run.Strategy, run.Status, statsJSON, acctJSON, run.CreatedAt, run.StartedAt, run.EndedAt)
	if err != nil {
		return fmt.Errorf("upsert run %s: %w", run.ID, err)
	}

	for _, t := range run.Tasks {
		_, err = tx.Exec(ctx, `
			INSERT INTO tasks (id, run_id, member, group_name, status, attempts, assigned_account, last_error)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (id) DO UPDATE SET
				status = EXCLUDED.status,
				attempts = EXCLUDED.attempts,
				assigned_account = EXCLUDED.assigned_account,
				last_error = EXCLUDED.last_error
		`, t.ID, run.ID, t.Member, t.Group, t.Status, t.Attempts, t.AssignedAccount, t.LastError)
		if err != nil {
			return fmt.Errorf("upsert task %s: %w", t.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// GetRun fetches a run with its tasks.
func (s *Store) GetRun(ctx context.Context, id string) (*models.Run, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, group_name, strategy, status, stats, account_stats, created_at, started_at, ended_at
		FROM runs WHERE id = $1
	`, id)

	run := &models.Run{}
	var statsJSON, acctJSON []byte
	var started, ended pgtype.Timestamptz
	err := row.Scan(&run.ID, &run.Group, &run.Strategy, &run.Status, &statsJSON, &acctJSON, &run.CreatedAt, &started, &ended)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}
	run.StartedAt = timePtr(started)
	run.EndedAt = timePtr(ended)
	if err := json.Unmarshal(statsJSON, &run.Stats); err != nil {
		return nil, fmt.Errorf("unmarshal run stats: %w", err)
	}
	if err := json.Unmarshal(acctJSON, &run.AccountStats); err != nil {
		return nil, fmt.Errorf("unmarshal account stats: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, member, group_name, status, attempts, assigned_account, last_error
		FROM tasks WHERE run_id = $1 ORDER BY id
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		t := &models.Task{}
		var acct, lastErr pgtype.Text
		if err := rows.Scan(&t.ID, &t.Member, &t.Group, &t.Status, &t.Attempts, &acct, &lastErr); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		t.AssignedAccount = textPtr(acct)
		t.LastError = textPtr(lastErr)
		run.Tasks = append(run.Tasks, t)
	}
	return run, rows.Err()
}

// ListRuns returns recent runs without their tasks, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]*models.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, group_name, strategy, status, stats, account_stats, created_at, started_at, ended_at
		FROM runs ORDER BY created_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []*models.Run
	for rows.Next() {
		run := &models.Run{}
		var statsJSON, acctJSON []byte
		var started, ended pgtype.Timestamptz
		if err := rows.Scan(&run.ID, &run.Group, &run.Strategy, &run.Status, &statsJSON, &acctJSON, &run.CreatedAt, &started, &ended); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		run.StartedAt = timePtr(started)
		run.EndedAt = timePtr(ended)
		if err := json.Unmarshal(statsJSON, &run.Stats); err != nil {
			return nil, fmt.Errorf("unmarshal run stats: %w", err)
		}
		if err := json.Unmarshal(acctJSON, &run.AccountStats); err != nil {
			return nil, fmt.Errorf("unmarshal account stats: %w", err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// AppendAudit adds an audit row for an account event.
func (s *Store) AppendAudit(ctx context.Context, accountID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (account_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, accountID, event, detail)
	return err
}

// RecentAudit returns the latest audit rows for an account.
func (s *Store) RecentAudit(ctx context.Context, accountID string, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT account_id, event, detail, ts
		FROM audit_logs WHERE account_id = $1 ORDER BY ts DESC LIMIT $2
	`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.AccountID, &e.Event, &e.Detail, &e.At); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// AuditEntry is one account event row.
type AuditEntry struct {
	AccountID string    `json:"account_id"`
	Event     string    `json:"event"`
	Detail    string    `json:"detail"`
	At        time.Time `json:"at"`
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}
