package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CreateOperation inserts the operation and one pending row per account.
func (db *DB) CreateOperation(op *Operation, phones []string) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("create operation: %w", err)
	}
	defer tx.Rollback()

	if op.CreatedAt == 0 {
		op.CreatedAt = time.Now().UnixMilli()
	}
	if op.Status == "" {
		op.Status = OpPending
	}
	if op.Params == "" {
		op.Params = "{}"
	}
	_, err = tx.Exec(`INSERT INTO operations (id, type, params, status, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		op.ID, op.Type, op.Params, op.Status, op.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert operation: %w", err)
	}
	for _, phone := range phones {
		_, err = tx.Exec(`INSERT INTO operation_accounts
			(operation_id, account_phone, status, updated_at)
			VALUES (?, ?, ?, ?)`,
			op.ID, phone, OpPending, op.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert operation account: %w", err)
		}
	}
	return tx.Commit()
}

// StartOperation marks the operation running.
func (db *DB) StartOperation(id string) error {
	_, err := db.Exec(`UPDATE operations SET status = ?, started_at = ?
		WHERE id = ?`, OpRunning, time.Now().UnixMilli(), id)
	return err
}

// UpdateAccountProgress overwrites the per-account progress row.
func (db *DB) UpdateAccountProgress(oa *OperationAccount) error {
	if oa.Stats == "" {
		oa.Stats = "{}"
	}
	_, err := db.Exec(`UPDATE operation_accounts SET status = ?,
		progress = ?, total = ?, message = ?, error = ?, stats = ?,
		updated_at = ?
		WHERE operation_id = ? AND account_phone = ?`,
		oa.Status, oa.Progress, oa.Total, oa.Message, oa.Error, oa.Stats,
		time.Now().UnixMilli(), oa.OperationID, oa.AccountPhone)
	if err != nil {
		return fmt.Errorf("update account progress: %w", err)
	}
	return nil
}

// AddOperationLog appends one log line for the operation.
func (db *DB) AddOperationLog(l *OperationLog) error {
	if l.CreatedAt == 0 {
		l.CreatedAt = time.Now().UnixMilli()
	}
	_, err := db.Exec(`INSERT INTO operation_logs
		(operation_id, account_phone, level, message, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		l.OperationID, l.AccountPhone, l.Level, l.Message, l.CreatedAt)
	if err != nil {
		return fmt.Errorf("add operation log: %w", err)
	}
	return nil
}

// CompleteOperation stamps the terminal status. When status is empty
// it is derived from the per-account rows: all completed means
// completed, all failed means failed, a mix means completed_with_errors.
func (db *DB) CompleteOperation(id, status, errMsg string) error {
	now := time.Now().UnixMilli()
	if status != "" {
		_, err := db.Exec(`UPDATE operations SET status = ?, error = ?,
			completed_at = ? WHERE id = ?`, status, errMsg, now, id)
		return err
	}
	_, err := db.Exec(`UPDATE operations SET
		status = (SELECT CASE
			WHEN COUNT(*) = SUM(status = 'completed') THEN 'completed'
			WHEN SUM(status = 'completed') = 0 THEN 'failed'
			ELSE 'completed_with_errors' END
			FROM operation_accounts WHERE operation_id = ?),
		error = ?, completed_at = ?
		WHERE id = ?`, id, errMsg, now, id)
	if err != nil {
		return fmt.Errorf("complete operation: %w", err)
	}
	return nil
}

// GetOperation returns the operation with its per-account rows.
func (db *DB) GetOperation(id string) (*Operation, []*OperationAccount, error) {
	var op Operation
	err := db.QueryRow(`SELECT id, type, params, status, error,
		created_at, started_at, completed_at FROM operations WHERE id = ?`, id).
		Scan(&op.ID, &op.Type, &op.Params, &op.Status, &op.Error,
			&op.CreatedAt, &op.StartedAt, &op.CompletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("get operation: %w", err)
	}

	rows, err := db.Query(`SELECT operation_id, account_phone, status,
		progress, total, message, error, stats, updated_at
		FROM operation_accounts WHERE operation_id = ?
		ORDER BY account_phone`, id)
	if err != nil {
		return nil, nil, fmt.Errorf("get operation accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*OperationAccount
	for rows.Next() {
		var oa OperationAccount
		err := rows.Scan(&oa.OperationID, &oa.AccountPhone, &oa.Status,
			&oa.Progress, &oa.Total, &oa.Message, &oa.Error, &oa.Stats,
			&oa.UpdatedAt)
		if err != nil {
			return nil, nil, err
		}
		accounts = append(accounts, &oa)
	}
	return &op, accounts, rows.Err()
}

// OperationLogs returns log lines for the operation after the given id.
func (db *DB) OperationLogs(id string, afterID int64, limit int) ([]*OperationLog, error) {
	rows, err := db.Query(`SELECT id, operation_id, account_phone, level,
		message, created_at FROM operation_logs
		WHERE operation_id = ? AND id > ? ORDER BY id LIMIT ?`,
		id, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("operation logs: %w", err)
	}
	defer rows.Close()

	var out []*OperationLog
	for rows.Next() {
		var l OperationLog
		err := rows.Scan(&l.ID, &l.OperationID, &l.AccountPhone, &l.Level,
			&l.Message, &l.CreatedAt)
		if err != nil {
			return nil, err
		}
		out = append(out, &l)
	}
	return out, rows.Err()
}
