package store

import (
	"database/sql"
	"errors"
	"fmt"
)

const msgCols = `id, account_phone, peer_id, msg_id, from_id, is_outgoing,
	text, date, reply_to_msg_id, media_type, edited_at, deleted,
	COALESCE(read_at, 0), synced_via`

func scanMessage(row interface{ Scan(...any) error }) (*Message, error) {
	var m Message
	err := row.Scan(&m.ID, &m.AccountPhone, &m.PeerID, &m.MsgID, &m.FromID,
		&m.Outgoing, &m.Text, &m.Date, &m.ReplyToMsgID, &m.MediaType,
		&m.EditedAt, &m.Deleted, &m.ReadAt, &m.SyncedVia)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// InsertMessage mirrors one message. Inserts are idempotent on
// (account, peer, msg_id); the bool reports whether a new row landed.
func (db *DB) InsertMessage(m *Message) (bool, error) {
	res, err := db.Exec(`
		INSERT OR IGNORE INTO messages (account_phone, peer_id, msg_id,
			from_id, is_outgoing, text, date, reply_to_msg_id,
			media_type, synced_via)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.AccountPhone, m.PeerID, m.MsgID, m.FromID, m.Outgoing, m.Text,
		m.Date, m.ReplyToMsgID, m.MediaType, m.SyncedVia)
	if err != nil {
		return false, fmt.Errorf("insert message: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ListMessages returns up to limit messages for the dialog with
// msg_id below beforeID, newest first. Pass beforeID <= 0 for the tail.
func (db *DB) ListMessages(phone string, peerID, beforeID int64, limit int) ([]*Message, error) {
	if beforeID <= 0 {
		beforeID = 1<<62 - 1
	}
	rows, err := db.Query(`SELECT `+msgCols+` FROM messages
		WHERE account_phone = ? AND peer_id = ? AND msg_id < ? AND deleted = 0
		ORDER BY msg_id DESC LIMIT ?`, phone, peerID, beforeID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// CountMessages returns the number of non-deleted mirrored messages
// in the dialog.
func (db *DB) CountMessages(phone string, peerID int64) (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM messages
		WHERE account_phone = ? AND peer_id = ? AND deleted = 0`,
		phone, peerID).Scan(&n)
	return n, err
}

// MarkMessagesRead stamps read_at on outgoing messages up to maxID
// that are still unread. Returns the number of rows updated.
func (db *DB) MarkMessagesRead(phone string, peerID, maxID, at int64) (int, error) {
	res, err := db.Exec(`UPDATE messages SET read_at = ?
		WHERE account_phone = ? AND peer_id = ? AND is_outgoing = 1
		AND msg_id <= ? AND read_at IS NULL`, at, phone, peerID, maxID)
	if err != nil {
		return 0, fmt.Errorf("mark read: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// MarkEdited replaces the text of an edited message and stamps edited_at.
func (db *DB) MarkEdited(phone string, peerID, msgID int64, text string, at int64) error {
	_, err := db.Exec(`UPDATE messages SET text = ?, edited_at = ?
		WHERE account_phone = ? AND peer_id = ? AND msg_id = ?`,
		text, at, phone, peerID, msgID)
	return err
}

// FindMessagePeer returns the dialog a message id belongs to. Message
// ids are account-global on the wire, so at most one row matches.
func (db *DB) FindMessagePeer(phone string, msgID int64) (int64, bool, error) {
	var peerID int64
	err := db.QueryRow(`SELECT peer_id FROM messages
		WHERE account_phone = ? AND msg_id = ? LIMIT 1`, phone, msgID).Scan(&peerID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("find message peer: %w", err)
	}
	return peerID, true, nil
}

// SoftDeleteMessage tombstones a message, keeping the row for audit.
func (db *DB) SoftDeleteMessage(phone string, peerID, msgID int64) error {
	_, err := db.Exec(`UPDATE messages SET deleted = 1
		WHERE account_phone = ? AND peer_id = ? AND msg_id = ?`,
		phone, peerID, msgID)
	return err
}
