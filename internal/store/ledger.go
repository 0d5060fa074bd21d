package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// RecordSend appends one ledger row. Duplicate (account, peer,
// campaign) triples are ignored so replays never double-count.
func (db *DB) RecordSend(e *LedgerEntry) error {
	_, err := db.Exec(`
		INSERT OR IGNORE INTO send_ledger (account_phone, peer_id,
			campaign_id, msg_id, sent_at)
		VALUES (?, ?, ?, ?, ?)`,
		e.AccountPhone, e.PeerID, e.CampaignID, e.MsgID, e.SentAt)
	if err != nil {
		return fmt.Errorf("record send: %w", err)
	}
	return nil
}

// HasSend reports whether the account already messaged the peer within
// the campaign.
func (db *DB) HasSend(phone string, peerID int64, campaignID string) (bool, error) {
	var one int
	err := db.QueryRow(`SELECT 1 FROM send_ledger
		WHERE account_phone = ? AND peer_id = ? AND campaign_id = ?`,
		phone, peerID, campaignID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("has send: %w", err)
	}
	return true, nil
}

// CountSentSince returns how many ledger rows the account has at or
// after the given time.
func (db *DB) CountSentSince(phone string, since int64) (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM send_ledger
		WHERE account_phone = ? AND sent_at >= ?`, phone, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count sent: %w", err)
	}
	return n, nil
}

// OldestSentSince returns the earliest send at or after the given
// time, zero when none exists. Used to compute when rolling-window
// headroom reopens.
func (db *DB) OldestSentSince(phone string, since int64) (int64, error) {
	var at int64
	err := db.QueryRow(`SELECT COALESCE(MIN(sent_at), 0) FROM send_ledger
		WHERE account_phone = ? AND sent_at >= ?`, phone, since).Scan(&at)
	if err != nil {
		return 0, fmt.Errorf("oldest sent: %w", err)
	}
	return at, nil
}

// LastSentAt returns the time of the account's most recent send, zero
// when the ledger is empty.
func (db *DB) LastSentAt(phone string) (int64, error) {
	var at int64
	err := db.QueryRow(`SELECT COALESCE(MAX(sent_at), 0) FROM send_ledger
		WHERE account_phone = ?`, phone).Scan(&at)
	if err != nil {
		return 0, fmt.Errorf("last sent: %w", err)
	}
	return at, nil
}
