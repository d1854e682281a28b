package account

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrAccountNotFound is returned by FindByID for unknown ids.
var ErrAccountNotFound = errors.New("account not found")

// Repository is the persistence surface the selector works against.
type Repository interface {
	FindEligible(ctx context.Context, platform string, models []string) ([]*Account, error)
	FindByID(ctx context.Context, id string) (*Account, error)
	Update(ctx context.Context, a *Account) error
	UpsertQuota(ctx context.Context, accountID, model string, percentage float64, resetAt time.Time) error
	IncrementUsage(ctx context.Context, accountID string, requests, tokens int64) error
}

// SQLRepository is the sqlite-backed Repository.
type SQLRepository struct {
	db *sql.DB
}

// NewSQLRepository creates the account tables if needed.
func NewSQLRepository(db *sql.DB) (*SQLRepository, error) {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS accounts (
			id               TEXT PRIMARY KEY,
			platform         TEXT NOT NULL,
			platform_id      TEXT NOT NULL DEFAULT '',
			status           TEXT NOT NULL DEFAULT 'created',
			schedulable      INTEGER NOT NULL DEFAULT 1,
			priority         INTEGER NOT NULL DEFAULT 0,
			error_msg        TEXT NOT NULL DEFAULT '',
			refresh_token    TEXT NOT NULL DEFAULT '',
			access_token     TEXT NOT NULL DEFAULT '',
			token_expires_at INTEGER NOT NULL DEFAULT 0,
			project_id       TEXT NOT NULL DEFAULT '',
			region           TEXT NOT NULL DEFAULT '',
			profile_arn      TEXT NOT NULL DEFAULT '',
			client_id        TEXT NOT NULL DEFAULT '',
			client_secret    TEXT NOT NULL DEFAULT '',
			auth_method      TEXT NOT NULL DEFAULT '',
			total_requests   INTEGER NOT NULL DEFAULT 0,
			total_tokens     INTEGER NOT NULL DEFAULT 0,
			created_at       INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS quotas (
			account_id TEXT NOT NULL,
			model      TEXT NOT NULL,
			percentage REAL NOT NULL,
			reset_at   INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (account_id, model)
		);
		CREATE INDEX IF NOT EXISTS idx_accounts_platform ON accounts(platform, status, schedulable);
	`)
	if err != nil {
		return nil, fmt.Errorf("migrate accounts: %w", err)
	}
	return &SQLRepository{db: db}, nil
}

const accountColumns = `id, platform, platform_id, status, schedulable, priority, error_msg,
	refresh_token, access_token, token_expires_at, project_id, region, profile_arn,
	client_id, client_secret, auth_method, total_requests, total_tokens, created_at`

func scanAccount(row interface{ Scan(...any) error }) (*Account, error) {
	var a Account
	var schedulable int
	var expiresAt, createdAt int64
	err := row.Scan(
		&a.ID, &a.Platform, &a.PlatformID, &a.Status, &schedulable, &a.Priority, &a.ErrorMsg,
		&a.RefreshToken, &a.AccessToken, &expiresAt, &a.ProjectID, &a.Region, &a.ProfileARN,
		&a.ClientID, &a.ClientSecret, &a.AuthMethod, &a.TotalRequests, &a.TotalTokens, &createdAt,
	)
	if err != nil {
		return nil, err
	}
	a.Schedulable = schedulable != 0
	if expiresAt > 0 {
		a.TokenExpiresAt = time.Unix(expiresAt, 0)
	}
	a.CreatedAt = time.Unix(createdAt, 0)
	return &a, nil
}

// FindEligible returns active, schedulable accounts for the platform that
// hold quota > 0 for any of the given model names, ordered by creation so
// round-robin indices are reproducible across calls.
func (r *SQLRepository) FindEligible(ctx context.Context, platform string, models []string) ([]*Account, error) {
	if len(models) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(models)), ",")
	args := []any{platform}
	for _, m := range models {
		args = append(args, m)
	}

	// #nosec G202 -- placeholders only, no user text interpolated
	query := `SELECT DISTINCT ` + qualify(accountColumns, "a") + `
		FROM accounts a
		JOIN quotas q ON q.account_id = a.id
		WHERE a.platform = ? AND a.status = 'active' AND a.schedulable = 1
		  AND q.model IN (` + placeholders + `) AND q.percentage > 0
		ORDER BY a.created_at, a.id`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find eligible: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var accounts []*Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("find eligible: %w", err)
		}
		accounts = append(accounts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("find eligible: %w", err)
	}
	for _, a := range accounts {
		if err := r.loadQuotas(ctx, a); err != nil {
			return nil, err
		}
	}
	return accounts, nil
}

func qualify(columns, alias string) string {
	parts := strings.Split(columns, ",")
	for i, c := range parts {
		parts[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(parts, ", ")
}

func (r *SQLRepository) loadQuotas(ctx context.Context, a *Account) error {
	rows, err := r.db.QueryContext(ctx,
		`SELECT model, percentage, reset_at FROM quotas WHERE account_id = ? ORDER BY model`, a.ID)
	if err != nil {
		return fmt.Errorf("load quotas: %w", err)
	}
	defer func() { _ = rows.Close() }()

	a.Quotas = a.Quotas[:0]
	for rows.Next() {
		var q Quota
		var resetAt int64
		if err := rows.Scan(&q.Model, &q.Percentage, &resetAt); err != nil {
			return fmt.Errorf("load quotas: %w", err)
		}
		if resetAt > 0 {
			q.ResetAt = time.Unix(resetAt, 0)
		}
		a.Quotas = append(a.Quotas, q)
	}
	return rows.Err()
}

// FindByID returns one account with its quotas.
func (r *SQLRepository) FindByID(ctx context.Context, id string) (*Account, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find account: %w", err)
	}
	if err := r.loadQuotas(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// Update persists the mutable account fields.
func (r *SQLRepository) Update(ctx context.Context, a *Account) error {
	schedulable := 0
	if a.Schedulable {
		schedulable = 1
	}
	var expiresAt int64
	if !a.TokenExpiresAt.IsZero() {
		expiresAt = a.TokenExpiresAt.Unix()
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE accounts SET
			platform_id = ?, status = ?, schedulable = ?, priority = ?, error_msg = ?,
			refresh_token = ?, access_token = ?, token_expires_at = ?,
			project_id = ?, region = ?, profile_arn = ?, client_id = ?, client_secret = ?, auth_method = ?
		WHERE id = ?`,
		a.PlatformID, a.Status, schedulable, a.Priority, a.ErrorMsg,
		a.RefreshToken, a.AccessToken, expiresAt,
		a.ProjectID, a.Region, a.ProfileARN, a.ClientID, a.ClientSecret, a.AuthMethod,
		a.ID,
	)
	if err != nil {
		return fmt.Errorf("update account %s: %w", a.ID, err)
	}
	return nil
}

// Insert creates a new account row with its quotas.
func (r *SQLRepository) Insert(ctx context.Context, a *Account) error {
	schedulable := 0
	if a.Schedulable {
		schedulable = 1
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	var expiresAt int64
	if !a.TokenExpiresAt.IsZero() {
		expiresAt = a.TokenExpiresAt.Unix()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO accounts (`+accountColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Platform, a.PlatformID, a.Status, schedulable, a.Priority, a.ErrorMsg,
		a.RefreshToken, a.AccessToken, expiresAt, a.ProjectID, a.Region, a.ProfileARN,
		a.ClientID, a.ClientSecret, a.AuthMethod, a.TotalRequests, a.TotalTokens, a.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert account %s: %w", a.ID, err)
	}
	for _, q := range a.Quotas {
		if err := r.UpsertQuota(ctx, a.ID, q.Model, q.Percentage, q.ResetAt); err != nil {
			return err
		}
	}
	return nil
}

// UpsertQuota writes one (account, model) quota row, clamping the percentage.
func (r *SQLRepository) UpsertQuota(ctx context.Context, accountID, model string, percentage float64, resetAt time.Time) error {
	var reset int64
	if !resetAt.IsZero() {
		reset = resetAt.Unix()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO quotas (account_id, model, percentage, reset_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(account_id, model) DO UPDATE SET
			percentage = excluded.percentage, reset_at = excluded.reset_at`,
		accountID, model, ClampPercentage(percentage), reset,
	)
	if err != nil {
		return fmt.Errorf("upsert quota %s/%s: %w", accountID, model, err)
	}
	return nil
}

// IncrementUsage bumps lifetime counters. One statement, safe to call
// fire-and-forget from the response path.
func (r *SQLRepository) IncrementUsage(ctx context.Context, accountID string, requests, tokens int64) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE accounts SET total_requests = total_requests + ?, total_tokens = total_tokens + ? WHERE id = ?`,
		requests, tokens, accountID,
	)
	if err != nil {
		return fmt.Errorf("increment usage %s: %w", accountID, err)
	}
	return nil
}
