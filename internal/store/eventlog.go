package store

import (
	"fmt"
	"time"
)

// LogEvent appends one audit row to the event log.
func (db *DB) LogEvent(phone string, peerID int64, kind string, msgID int64, campaignID, payload string) error {
	_, err := db.Exec(`INSERT INTO event_log
		(account_phone, peer_id, kind, msg_id, campaign_id, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		phone, peerID, kind, msgID, campaignID, payload, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("log event: %w", err)
	}
	return nil
}

// LogBackup records a finished export.
func (db *DB) LogBackup(b *Backup) error {
	if b.CreatedAt == 0 {
		b.CreatedAt = time.Now().UnixMilli()
	}
	_, err := db.Exec(`INSERT INTO backups
		(account_phone, filename, path, conversations, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		b.AccountPhone, b.Filename, b.Path, b.Conversations, b.CreatedAt)
	if err != nil {
		return fmt.Errorf("log backup: %w", err)
	}
	return nil
}
