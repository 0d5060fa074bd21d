package store

import (
	"database/sql"
	"errors"
	"fmt"
	"unicode/utf8"
)

const convCols = `id, account_phone, peer_id, access_hash, username,
	first_name, last_name, unread_count, last_msg_id, last_msg_date,
	last_msg_text, last_msg_from_id, last_msg_outgoing, peer_read_max_id,
	needs_backfill, backfill_from_msg_id, history_fetched, tag, campaign_id`

func scanConversation(row interface{ Scan(...any) error }) (*Conversation, error) {
	var c Conversation
	err := row.Scan(&c.ID, &c.AccountPhone, &c.PeerID, &c.AccessHash,
		&c.Username, &c.FirstName, &c.LastName, &c.UnreadCount,
		&c.LastMsgID, &c.LastMsgDate, &c.LastMsgText, &c.LastMsgFromID,
		&c.LastMsgOutgoing, &c.PeerReadMaxID, &c.NeedsBackfill,
		&c.BackfillFromMsgID, &c.HistoryFetched, &c.Tag, &c.CampaignID)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Profile carries the peer identity fields refreshed on upsert. Zero
// or empty fields leave the stored value untouched.
type Profile struct {
	AccessHash int64
	Username   string
	FirstName  string
	LastName   string
}

// GetOrCreateConversation upserts the dialog row for (phone, peer) and
// returns its current state. Known profile fields are refreshed.
func (db *DB) GetOrCreateConversation(phone string, peerID int64, p Profile) (*Conversation, error) {
	_, err := db.Exec(`
		INSERT INTO conversations (account_phone, peer_id, access_hash,
			username, first_name, last_name)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_phone, peer_id) DO UPDATE SET
			access_hash = CASE WHEN excluded.access_hash != 0
				THEN excluded.access_hash ELSE access_hash END,
			username = CASE WHEN excluded.username != ''
				THEN excluded.username ELSE username END,
			first_name = CASE WHEN excluded.first_name != ''
				THEN excluded.first_name ELSE first_name END,
			last_name = CASE WHEN excluded.last_name != ''
				THEN excluded.last_name ELSE last_name END`,
		phone, peerID, p.AccessHash, p.Username, p.FirstName, p.LastName)
	if err != nil {
		return nil, fmt.Errorf("upsert conversation: %w", err)
	}
	return db.GetConversation(phone, peerID)
}

// GetConversation returns the dialog row for (phone, peer), or ErrNotFound.
func (db *DB) GetConversation(phone string, peerID int64) (*Conversation, error) {
	row := db.QueryRow(`SELECT `+convCols+` FROM conversations
		WHERE account_phone = ? AND peer_id = ?`, phone, peerID)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return c, nil
}

// ListConversations returns dialogs for phone ordered by most recent
// message first.
func (db *DB) ListConversations(phone string, limit, offset int) ([]*Conversation, error) {
	rows, err := db.Query(`SELECT `+convCols+` FROM conversations
		WHERE account_phone = ?
		ORDER BY last_msg_date DESC LIMIT ? OFFSET ?`, phone, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []*Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

const lastTextMax = 100

// truncatePreview caps the preview at lastTextMax runes. Cutting on a
// byte offset could split a multibyte character and store mojibake.
func truncatePreview(text string) string {
	if utf8.RuneCountInString(text) <= lastTextMax {
		return text
	}
	runes := []rune(text)
	return string(runes[:lastTextMax])
}

// UpdateLastMessage advances the dialog cursor to the given message.
// The preview text is truncated.
func (db *DB) UpdateLastMessage(phone string, peerID, msgID, date int64, text string, fromID int64, outgoing bool) error {
	text = truncatePreview(text)
	_, err := db.Exec(`UPDATE conversations SET last_msg_id = ?,
		last_msg_date = ?, last_msg_text = ?, last_msg_from_id = ?,
		last_msg_outgoing = ?
		WHERE account_phone = ? AND peer_id = ?`,
		msgID, date, text, fromID, outgoing, phone, peerID)
	if err != nil {
		return fmt.Errorf("update last message: %w", err)
	}
	return nil
}

// RefreshLastText rewrites the preview text when an edit lands on the
// dialog's latest message.
func (db *DB) RefreshLastText(phone string, peerID, msgID int64, text string) error {
	text = truncatePreview(text)
	_, err := db.Exec(`UPDATE conversations SET last_msg_text = ?
		WHERE account_phone = ? AND peer_id = ? AND last_msg_id = ?`,
		text, phone, peerID, msgID)
	return err
}

// IncrementUnread bumps the unread counter for (phone, peer).
func (db *DB) IncrementUnread(phone string, peerID int64) error {
	_, err := db.Exec(`UPDATE conversations SET unread_count = unread_count + 1
		WHERE account_phone = ? AND peer_id = ?`, phone, peerID)
	return err
}

// SetUnread overwrites the unread counter with the server value.
func (db *DB) SetUnread(phone string, peerID int64, n int) error {
	_, err := db.Exec(`UPDATE conversations SET unread_count = ?
		WHERE account_phone = ? AND peer_id = ?`, n, phone, peerID)
	return err
}

// SetTagIf flips the tag from expect to next. Returns false when the
// current tag was not expect, making first-reply promotion idempotent
// under concurrent events.
func (db *DB) SetTagIf(phone string, peerID int64, expect, next string) (bool, error) {
	res, err := db.Exec(`UPDATE conversations SET tag = ?
		WHERE account_phone = ? AND peer_id = ? AND tag = ?`,
		next, phone, peerID, expect)
	if err != nil {
		return false, fmt.Errorf("set tag: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// SetTag overwrites the tag unconditionally.
func (db *DB) SetTag(phone string, peerID int64, tag string) error {
	_, err := db.Exec(`UPDATE conversations SET tag = ?
		WHERE account_phone = ? AND peer_id = ?`, tag, phone, peerID)
	return err
}

// SetCampaign attaches the dialog to a campaign.
func (db *DB) SetCampaign(phone string, peerID int64, campaignID string) error {
	_, err := db.Exec(`UPDATE conversations SET campaign_id = ?
		WHERE account_phone = ? AND peer_id = ?`, campaignID, phone, peerID)
	return err
}

// SetNeedsBackfill flags the dialog for history backfill starting
// after fromMsgID.
func (db *DB) SetNeedsBackfill(phone string, peerID, fromMsgID int64) error {
	_, err := db.Exec(`UPDATE conversations SET needs_backfill = 1,
		backfill_from_msg_id = ?
		WHERE account_phone = ? AND peer_id = ?`, fromMsgID, phone, peerID)
	return err
}

// ClearBackfill drops the backfill flag and advances the cursor to at
// least newLastID.
func (db *DB) ClearBackfill(phone string, peerID, newLastID int64) error {
	_, err := db.Exec(`UPDATE conversations SET needs_backfill = 0,
		backfill_from_msg_id = 0, last_msg_id = MAX(last_msg_id, ?)
		WHERE account_phone = ? AND peer_id = ?`, newLastID, phone, peerID)
	return err
}

// NeedingBackfill returns dialogs flagged for backfill on phone.
func (db *DB) NeedingBackfill(phone string) ([]*Conversation, error) {
	rows, err := db.Query(`SELECT `+convCols+` FROM conversations
		WHERE account_phone = ? AND needs_backfill = 1`, phone)
	if err != nil {
		return nil, fmt.Errorf("needing backfill: %w", err)
	}
	defer rows.Close()

	var out []*Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SetPeerReadMax advances the peer read watermark, never moving it back.
func (db *DB) SetPeerReadMax(phone string, peerID, maxID int64) error {
	_, err := db.Exec(`UPDATE conversations SET peer_read_max_id = MAX(peer_read_max_id, ?)
		WHERE account_phone = ? AND peer_id = ?`, maxID, phone, peerID)
	return err
}

// MarkHistoryFetched records that a full history pass finished for the dialog.
func (db *DB) MarkHistoryFetched(phone string, peerID int64) error {
	_, err := db.Exec(`UPDATE conversations SET history_fetched = 1
		WHERE account_phone = ? AND peer_id = ?`, phone, peerID)
	return err
}

// TagCounts returns the number of dialogs per tag for phone.
func (db *DB) TagCounts(phone string) (map[string]int, error) {
	rows, err := db.Query(`SELECT tag, COUNT(*) FROM conversations
		WHERE account_phone = ? GROUP BY tag`, phone)
	if err != nil {
		return nil, fmt.Errorf("tag counts: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var tag string
		var n int
		if err := rows.Scan(&tag, &n); err != nil {
			return nil, err
		}
		out[tag] = n
	}
	return out, rows.Err()
}
