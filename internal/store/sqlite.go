// Package store provides the concrete SQLite-backed adapter for the
// accountpool.Repository port. The port itself is an external collaborator
// per spec §1 — this adapter exists so the module runs end-to-end, built
// in the teacher's schema-embed + pure-Go-driver + WAL-pragma idiom.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hhsw2015/codex-lb/internal/accountpool"
)

//go:embed schema.sql
var schemaSQL string

// SQLiteStore persists accounts and usage-history rows for the account
// pool. It implements accountpool.Repository.
type SQLiteStore struct {
	db *sql.DB
}

// New opens dbPath, applies WAL/busy-timeout pragmas, and creates the
// schema if it does not already exist.
func New(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if _, err := db.ExecContext(context.Background(), schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }
func (s *SQLiteStore) Close() error                   { return s.db.Close() }

// UpdateStatus implements accountpool.Repository.
func (s *SQLiteStore) UpdateStatus(accountID string, status accountpool.Status, deactivationReason string) (bool, error) {
	res, err := s.db.Exec(`UPDATE accounts SET status = ?, deactivation_reason = ? WHERE id = ?`,
		string(status), deactivationReason, accountID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// UpdateTokens implements accountpool.Repository.
func (s *SQLiteStore) UpdateTokens(accountID, accessTokenEnc, refreshTokenEnc, idTokenEnc string, lastRefresh time.Time, planType, email string) (bool, error) {
	res, err := s.db.Exec(`UPDATE accounts SET
			access_token_enc = ?, refresh_token_enc = ?, id_token_enc = ?,
			last_refresh = ?, plan_type = COALESCE(NULLIF(?, ''), plan_type),
			email = COALESCE(NULLIF(?, ''), email)
		WHERE id = ?`,
		accessTokenEnc, refreshTokenEnc, idTokenEnc, lastRefresh.Unix(), planType, email, accountID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// InsertUsage implements accountpool.Repository.
func (s *SQLiteStore) InsertUsage(row accountpool.UsageHistory) error {
	recordedAt := row.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now()
	}
	_, err := s.db.Exec(`INSERT INTO usage_history
			(account_id, window_label, used_percent, reset_at, window_minutes,
			 input_tokens, output_tokens, credits_has, credits_unlimited, credits_balance, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.AccountID, string(windowOrPrimary(row.Window)),
		row.UsedPercent, row.ResetAt, row.WindowMinutes,
		row.InputTokens, row.OutputTokens,
		nullableBool(row.CreditsHas), nullableBool(row.CreditsUnlimited), row.CreditsBalance,
		recordedAt.Unix())
	return err
}

// AggregateUsageSince implements accountpool.Repository.
func (s *SQLiteStore) AggregateUsageSince(accountID string, since time.Time) ([]accountpool.UsageHistory, error) {
	rows, err := s.db.Query(`SELECT account_id, window_label, used_percent, reset_at, window_minutes,
			input_tokens, output_tokens, credits_has, credits_unlimited, credits_balance, recorded_at
		FROM usage_history WHERE account_id = ? AND recorded_at >= ? ORDER BY recorded_at ASC`,
		accountID, since.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []accountpool.UsageHistory
	for rows.Next() {
		row, err := scanUsageRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// LatestUsageByAccount implements accountpool.Repository: returns the most
// recent primary and secondary window rows for an account (either may be
// nil).
func (s *SQLiteStore) LatestUsageByAccount(accountID string) (*accountpool.UsageHistory, *accountpool.UsageHistory, error) {
	primary, err := s.latestUsageWindow(accountID, accountpool.WindowPrimary)
	if err != nil {
		return nil, nil, err
	}
	secondary, err := s.latestUsageWindow(accountID, accountpool.WindowSecondary)
	if err != nil {
		return nil, nil, err
	}
	return primary, secondary, nil
}

func (s *SQLiteStore) latestUsageWindow(accountID string, window accountpool.WindowLabel) (*accountpool.UsageHistory, error) {
	row := s.db.QueryRow(`SELECT account_id, window_label, used_percent, reset_at, window_minutes,
			input_tokens, output_tokens, credits_has, credits_unlimited, credits_balance, recorded_at
		FROM usage_history WHERE account_id = ? AND window_label = ?
		ORDER BY recorded_at DESC LIMIT 1`, accountID, string(window))
	r, err := scanUsageRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// LatestUsageWindowMinutes implements accountpool.Repository.
func (s *SQLiteStore) LatestUsageWindowMinutes(accountID string, window accountpool.WindowLabel) (int, bool, error) {
	var minutes sql.NullInt64
	err := s.db.QueryRow(`SELECT window_minutes FROM usage_history
		WHERE account_id = ? AND window_label = ? ORDER BY recorded_at DESC LIMIT 1`,
		accountID, string(window)).Scan(&minutes)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	if !minutes.Valid {
		return 0, false, nil
	}
	return int(minutes.Int64), true, nil
}

// GetAccount implements accountpool.Repository.
func (s *SQLiteStore) GetAccount(accountID string) (*accountpool.Account, error) {
	row := s.db.QueryRow(`SELECT id, email, plan_type, access_token_enc, refresh_token_enc, id_token_enc,
			last_refresh, status, deactivation_reason FROM accounts WHERE id = ?`, accountID)
	acct, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return acct, err
}

// ListAccounts implements accountpool.Repository.
func (s *SQLiteStore) ListAccounts() ([]*accountpool.Account, error) {
	rows, err := s.db.Query(`SELECT id, email, plan_type, access_token_enc, refresh_token_enc, id_token_enc,
			last_refresh, status, deactivation_reason FROM accounts ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*accountpool.Account
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, acct)
	}
	return out, rows.Err()
}

// CreateAccount inserts a freshly enrolled account (spec §4.B output).
// Plan type is canonicalized per spec §3's invariant before storage.
func (s *SQLiteStore) CreateAccount(acct *accountpool.Account) error {
	planType, ok := accountpool.CanonicalizeAccountPlanType(acct.PlanType)
	if !ok {
		planType = authmgrDefaultPlan
	}
	_, err := s.db.Exec(`INSERT INTO accounts
			(id, email, plan_type, access_token_enc, refresh_token_enc, id_token_enc,
			 last_refresh, status, deactivation_reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		acct.ID, acct.Email, planType, acct.AccessTokenEnc, acct.RefreshTokenEnc, acct.IDTokenEnc,
		acct.LastRefresh.Unix(), string(acct.Status), acct.DeactivationReason, time.Now().Unix())
	return err
}

// DeleteAccount removes an account (operator deletion, spec §3 lifecycle).
func (s *SQLiteStore) DeleteAccount(accountID string) error {
	_, err := s.db.Exec(`DELETE FROM accounts WHERE id = ?`, accountID)
	return err
}

// SetPaused implements the operator PAUSED/ACTIVE toggle (spec §3
// lifecycle: "mutated ... by an operator (PAUSED/ACTIVE toggle)").
func (s *SQLiteStore) SetPaused(accountID string, paused bool) (bool, error) {
	status := accountpool.StatusActive
	if paused {
		status = accountpool.StatusPaused
	}
	return s.UpdateStatus(accountID, status, "")
}

// authmgrDefaultPlan mirrors authmgr.DefaultPlanType; store keeps its own
// copy of the value rather than importing authmgr.
const authmgrDefaultPlan = "free"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(scanner rowScanner) (*accountpool.Account, error) {
	var (
		id, email, planType                              string
		accessEnc, refreshEnc, idEnc, status, deactReason string
		lastRefresh                                       int64
	)
	if err := scanner.Scan(&id, &email, &planType, &accessEnc, &refreshEnc, &idEnc,
		&lastRefresh, &status, &deactReason); err != nil {
		return nil, err
	}
	acct := &accountpool.Account{
		ID:                 id,
		Email:              email,
		PlanType:           planType,
		AccessTokenEnc:     accessEnc,
		RefreshTokenEnc:    refreshEnc,
		IDTokenEnc:         idEnc,
		Status:             accountpool.Status(status),
		DeactivationReason: deactReason,
	}
	if lastRefresh > 0 {
		acct.LastRefresh = time.Unix(lastRefresh, 0).UTC()
	}
	return acct, nil
}

func scanUsageRow(scanner rowScanner) (accountpool.UsageHistory, error) {
	var (
		accountID, windowLabel                     string
		usedPercent                                 sql.NullFloat64
		resetAt, windowMinutes                      sql.NullInt64
		inputTokens, outputTokens                   sql.NullInt64
		creditsHas, creditsUnlimited                sql.NullInt64
		creditsBalance                              sql.NullFloat64
		recordedAt                                  int64
	)
	if err := scanner.Scan(&accountID, &windowLabel, &usedPercent, &resetAt, &windowMinutes,
		&inputTokens, &outputTokens, &creditsHas, &creditsUnlimited, &creditsBalance, &recordedAt); err != nil {
		return accountpool.UsageHistory{}, err
	}

	row := accountpool.UsageHistory{
		AccountID:  accountID,
		Window:     windowOrPrimary(accountpool.WindowLabel(windowLabel)),
		RecordedAt: time.Unix(recordedAt, 0).UTC(),
	}
	if usedPercent.Valid {
		row.UsedPercent = &usedPercent.Float64
	}
	if resetAt.Valid {
		row.ResetAt = &resetAt.Int64
	}
	if windowMinutes.Valid {
		n := int(windowMinutes.Int64)
		row.WindowMinutes = &n
	}
	if inputTokens.Valid {
		row.InputTokens = &inputTokens.Int64
	}
	if outputTokens.Valid {
		row.OutputTokens = &outputTokens.Int64
	}
	if creditsHas.Valid {
		b := creditsHas.Int64 != 0
		row.CreditsHas = &b
	}
	if creditsUnlimited.Valid {
		b := creditsUnlimited.Int64 != 0
		row.CreditsUnlimited = &b
	}
	if creditsBalance.Valid {
		row.CreditsBalance = &creditsBalance.Float64
	}
	return row, nil
}

// windowOrPrimary treats a persisted empty/null label as "primary" for
// back-compat (spec §3 UsageHistory invariant).
func windowOrPrimary(w accountpool.WindowLabel) accountpool.WindowLabel {
	if w == "" {
		return accountpool.WindowPrimary
	}
	return w
}

func nullableBool(b *bool) interface{} {
	if b == nil {
		return nil
	}
	if *b {
		return 1
	}
	return 0
}
