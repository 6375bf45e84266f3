// sqlite.go implements Store on SQLite. One wagateway.db file holds
// accounts, agents, and the dedup ledger snapshot; WAL mode keeps readers
// off the writers' backs.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver.
)

// schema is the DDL executed on every startup (idempotent via IF NOT EXISTS).
const schema = `
CREATE TABLE IF NOT EXISTS accounts (
    id                     INTEGER PRIMARY KEY AUTOINCREMENT,
    status                 TEXT NOT NULL DEFAULT 'uninitialized',
    owner_name             TEXT DEFAULT '',
    owner_phone            TEXT DEFAULT '',
    description            TEXT DEFAULT '',
    auto_response_enabled  INTEGER DEFAULT 0,
    assigned_agent_id      INTEGER,
    response_delay_seconds INTEGER DEFAULT 0,
    custom_prompt_override TEXT DEFAULT '',
    session_path           TEXT DEFAULT '',
    last_activity_at       TEXT,
    connection_attempts    INTEGER DEFAULT 0,
    created_at             TEXT NOT NULL,
    updated_at             TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS agents (
    id                  INTEGER PRIMARY KEY AUTOINCREMENT,
    name                TEXT NOT NULL,
    provider            TEXT DEFAULT '',
    base_url            TEXT DEFAULT '',
    model               TEXT DEFAULT '',
    active              INTEGER DEFAULT 1,
    trigger_keywords    TEXT DEFAULT '',
    response_delay_hint INTEGER DEFAULT 0
);

-- Dedup ledger snapshot, one row per (account, chat).
CREATE TABLE IF NOT EXISTS processed_messages (
    account_id        INTEGER NOT NULL,
    chat_id           TEXT NOT NULL,
    last_message_id   TEXT NOT NULL,
    last_processed_at TEXT NOT NULL,
    PRIMARY KEY (account_id, chat_id)
);
CREATE INDEX IF NOT EXISTS idx_processed_at ON processed_messages(last_processed_at);
`

// SQLite is the Store implementation backed by mattn/go-sqlite3.
type SQLite struct {
	db *sql.DB
}

// Open opens (or creates) the gateway database at path, enables WAL mode,
// and applies the schema.
func Open(path string) (*SQLite, error) {
	if path == "" {
		path = "./data/wagateway.db"
	}

	if dir := filepath.Dir(path); dir != "." && !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory %q: %w", dir, err)
		}
	}

	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=ON"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %q: %w", path, err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

// ---------- Accounts ----------

const accountColumns = `id, status, owner_name, owner_phone, description,
	auto_response_enabled, assigned_agent_id, response_delay_seconds,
	custom_prompt_override, session_path, last_activity_at,
	connection_attempts, created_at, updated_at`

func (s *SQLite) GetAccount(ctx context.Context, id int64) (*Account, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account %d: %w", id, err)
	}
	return a, nil
}

func (s *SQLite) ListAccounts(ctx context.Context) ([]*Account, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM accounts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func (s *SQLite) CreateAccount(ctx context.Context, a *Account) error {
	now := time.Now().UTC()
	if a.Status == "" {
		a.Status = StatusUninitialized
	}
	a.CreatedAt = now
	a.UpdatedAt = now

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts
			(status, owner_name, owner_phone, description,
			 auto_response_enabled, assigned_agent_id, response_delay_seconds,
			 custom_prompt_override, session_path, last_activity_at,
			 connection_attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(a.Status), a.OwnerName, a.OwnerPhone, a.Description,
		boolToInt(a.AutoResponseEnabled), nullableID(a.AssignedAgentID),
		a.ResponseDelaySeconds, a.CustomPromptOverride, a.SessionPath,
		timeOrNull(a.LastActivityAt), a.ConnectionAttempts,
		now.Format(time.RFC3339), now.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("create account: %w", err)
	}
	a.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("create account: %w", err)
	}
	return nil
}

func (s *SQLite) UpdateAccount(ctx context.Context, a *Account) error {
	a.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET
			status = ?, owner_name = ?, owner_phone = ?, description = ?,
			auto_response_enabled = ?, assigned_agent_id = ?,
			response_delay_seconds = ?, custom_prompt_override = ?,
			session_path = ?, last_activity_at = ?, connection_attempts = ?,
			updated_at = ?
		WHERE id = ?`,
		string(a.Status), a.OwnerName, a.OwnerPhone, a.Description,
		boolToInt(a.AutoResponseEnabled), nullableID(a.AssignedAgentID),
		a.ResponseDelaySeconds, a.CustomPromptOverride, a.SessionPath,
		timeOrNull(a.LastActivityAt), a.ConnectionAttempts,
		a.UpdatedAt.Format(time.RFC3339), a.ID)
	if err != nil {
		return fmt.Errorf("update account %d: %w", a.ID, err)
	}
	return requireRow(res, a.ID)
}

func (s *SQLite) UpdateStatus(ctx context.Context, id int64, status Status, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), at.UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("update status for account %d: %w", id, err)
	}
	return requireRow(res, id)
}

func (s *SQLite) UpdateActivity(ctx context.Context, id int64, lastActivity time.Time, attempts int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET last_activity_at = ?, connection_attempts = ?, updated_at = ? WHERE id = ?`,
		lastActivity.UTC().Format(time.RFC3339), attempts,
		time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("update activity for account %d: %w", id, err)
	}
	return requireRow(res, id)
}

func (s *SQLite) DeleteAccount(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete account %d: %w", id, err)
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM processed_messages WHERE account_id = ?`, id); err != nil {
		return fmt.Errorf("delete ledger for account %d: %w", id, err)
	}
	return requireRow(res, id)
}

func (s *SQLite) DeleteAllAccounts(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM processed_messages`); err != nil {
		return fmt.Errorf("purge ledger: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM accounts`); err != nil {
		return fmt.Errorf("purge accounts: %w", err)
	}
	return nil
}

// ---------- Agents ----------

func (s *SQLite) GetAgent(ctx context.Context, id int64) (*Agent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, provider, base_url, model, active,
		       trigger_keywords, response_delay_hint
		FROM agents WHERE id = ?`, id)

	var (
		a        Agent
		active   int
		keywords string
	)
	err := row.Scan(&a.ID, &a.Name, &a.Provider, &a.BaseURL, &a.Model,
		&active, &keywords, &a.ResponseDelayHint)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get agent %d: %w", id, err)
	}
	a.Active = active != 0
	a.TriggerKeywords = splitKeywords(keywords)
	return &a, nil
}

func (s *SQLite) ListAgents(ctx context.Context) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, provider, base_url, model, active,
		       trigger_keywords, response_delay_hint
		FROM agents ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		var (
			a        Agent
			active   int
			keywords string
		)
		if err := rows.Scan(&a.ID, &a.Name, &a.Provider, &a.BaseURL, &a.Model,
			&active, &keywords, &a.ResponseDelayHint); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		a.Active = active != 0
		a.TriggerKeywords = splitKeywords(keywords)
		agents = append(agents, &a)
	}
	return agents, rows.Err()
}

func (s *SQLite) SaveAgent(ctx context.Context, a *Agent) error {
	keywords := strings.Join(a.TriggerKeywords, ",")
	if a.ID == 0 {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO agents (name, provider, base_url, model, active,
			                    trigger_keywords, response_delay_hint)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			a.Name, a.Provider, a.BaseURL, a.Model, boolToInt(a.Active),
			keywords, a.ResponseDelayHint)
		if err != nil {
			return fmt.Errorf("insert agent %q: %w", a.Name, err)
		}
		a.ID, err = res.LastInsertId()
		return err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO agents
			(id, name, provider, base_url, model, active,
			 trigger_keywords, response_delay_hint)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Name, a.Provider, a.BaseURL, a.Model, boolToInt(a.Active),
		keywords, a.ResponseDelayHint)
	if err != nil {
		return fmt.Errorf("save agent %d: %w", a.ID, err)
	}
	return nil
}

// ---------- Ledger ----------

func (s *SQLite) SaveLedger(ctx context.Context, entries []LedgerEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin ledger tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO processed_messages
			(account_id, chat_id, last_message_id, last_processed_at)
		VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare ledger insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, e.AccountID, e.ChatID,
			e.LastMessageID, e.LastProcessedAt.UTC().Format(time.RFC3339)); err != nil {
			return fmt.Errorf("save ledger entry: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLite) LoadLedger(ctx context.Context, accountID int64) ([]LedgerEntry, error) {
	query := `
		SELECT account_id, chat_id, last_message_id, last_processed_at
		FROM processed_messages`
	args := []any{}
	if accountID > 0 {
		query += ` WHERE account_id = ?`
		args = append(args, accountID)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("load ledger: %w", err)
	}
	defer rows.Close()

	var entries []LedgerEntry
	for rows.Next() {
		var (
			e  LedgerEntry
			at string
		)
		if err := rows.Scan(&e.AccountID, &e.ChatID, &e.LastMessageID, &at); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		e.LastProcessedAt, _ = time.Parse(time.RFC3339, at)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *SQLite) PruneLedger(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM processed_messages WHERE last_processed_at < ?`,
		olderThan.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("prune ledger: %w", err)
	}
	return res.RowsAffected()
}

// ---------- Helpers ----------

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*Account, error) {
	var (
		a            Account
		status       string
		autoResp     int
		agentID      sql.NullInt64
		lastActivity sql.NullString
		createdAt    string
		updatedAt    string
	)
	err := row.Scan(&a.ID, &status, &a.OwnerName, &a.OwnerPhone, &a.Description,
		&autoResp, &agentID, &a.ResponseDelaySeconds, &a.CustomPromptOverride,
		&a.SessionPath, &lastActivity, &a.ConnectionAttempts,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	a.Status = Status(status)
	a.AutoResponseEnabled = autoResp != 0
	if agentID.Valid {
		id := agentID.Int64
		a.AssignedAgentID = &id
	}
	if lastActivity.Valid {
		a.LastActivityAt, _ = time.Parse(time.RFC3339, lastActivity.String)
	}
	a.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	a.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &a, nil
}

func requireRow(res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("account %d: %w", id, ErrNotFound)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableID(id *int64) any {
	if id == nil {
		return nil
	}
	return *id
}

func timeOrNull(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func splitKeywords(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
