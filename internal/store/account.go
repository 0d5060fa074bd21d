package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("not found")

// NormalizePhone reduces a phone number to bare digits, the canonical
// account and contact key.
func NormalizePhone(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

const accountCols = `phone, name, api_id, api_hash, session_path, proxy,
	status, connected, last_error, last_dialog_sync, last_full_sync,
	created_at, last_used`

func scanAccount(row interface{ Scan(...any) error }) (*Account, error) {
	var a Account
	err := row.Scan(&a.Phone, &a.Name, &a.APIID, &a.APIHash, &a.SessionPath,
		&a.Proxy, &a.Status, &a.Connected, &a.LastError, &a.LastDialogSync,
		&a.LastFullSync, &a.CreatedAt, &a.LastUsed)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// UpsertAccount inserts the account or refreshes its credentials.
func (db *DB) UpsertAccount(a *Account) error {
	if a.CreatedAt == 0 {
		a.CreatedAt = time.Now().UnixMilli()
	}
	_, err := db.Exec(`
		INSERT INTO accounts (phone, name, api_id, api_hash, session_path,
			proxy, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(phone) DO UPDATE SET
			name = excluded.name,
			api_id = excluded.api_id,
			api_hash = excluded.api_hash,
			session_path = excluded.session_path,
			proxy = excluded.proxy`,
		a.Phone, a.Name, a.APIID, a.APIHash, a.SessionPath, a.Proxy,
		a.Status, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert account: %w", err)
	}
	return nil
}

// GetAccount returns the account for phone, or ErrNotFound.
func (db *DB) GetAccount(phone string) (*Account, error) {
	row := db.QueryRow(`SELECT `+accountCols+` FROM accounts WHERE phone = ?`, phone)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return a, nil
}

// ListAccounts returns all accounts ordered by phone.
func (db *DB) ListAccounts() ([]*Account, error) {
	rows, err := db.Query(`SELECT ` + accountCols + ` FROM accounts ORDER BY phone`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var out []*Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ActiveAccounts returns accounts eligible for connection attempts.
func (db *DB) ActiveAccounts() ([]*Account, error) {
	rows, err := db.Query(`SELECT ` + accountCols + ` FROM accounts
		WHERE status != 'disabled' AND status != 'banned' ORDER BY phone`)
	if err != nil {
		return nil, fmt.Errorf("active accounts: %w", err)
	}
	defer rows.Close()

	var out []*Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// SetAccountConnState records the outcome of a connection attempt.
func (db *DB) SetAccountConnState(phone string, connected bool, status, lastErr string) error {
	_, err := db.Exec(`UPDATE accounts SET connected = ?, status = ?,
		last_error = ?, last_used = ? WHERE phone = ?`,
		connected, status, lastErr, time.Now().UnixMilli(), phone)
	if err != nil {
		return fmt.Errorf("set conn state: %w", err)
	}
	return nil
}

// TouchAccount bumps last_used for phone.
func (db *DB) TouchAccount(phone string) error {
	_, err := db.Exec(`UPDATE accounts SET last_used = ? WHERE phone = ?`,
		time.Now().UnixMilli(), phone)
	return err
}

// SetDialogSyncTime records when a dialog sync last completed.
func (db *DB) SetDialogSyncTime(phone string, at int64) error {
	_, err := db.Exec(`UPDATE accounts SET last_dialog_sync = ? WHERE phone = ?`, at, phone)
	return err
}

// SetFullSyncTime records when a full history sync last completed.
func (db *DB) SetFullSyncTime(phone string, at int64) error {
	_, err := db.Exec(`UPDATE accounts SET last_full_sync = ? WHERE phone = ?`, at, phone)
	return err
}
