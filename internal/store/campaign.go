package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// EnsureCampaign creates the campaign row if it does not exist.
func (db *DB) EnsureCampaign(id, name string) error {
	_, err := db.Exec(`INSERT OR IGNORE INTO campaigns (id, name, updated_at)
		VALUES (?, ?, ?)`, id, name, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("ensure campaign: %w", err)
	}
	return nil
}

// GetCampaign returns the campaign, or ErrNotFound.
func (db *DB) GetCampaign(id string) (*Campaign, error) {
	var c Campaign
	err := db.QueryRow(`SELECT id, name, contacted, replied, updated_at
		FROM campaigns WHERE id = ?`, id).
		Scan(&c.ID, &c.Name, &c.Contacted, &c.Replied, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get campaign: %w", err)
	}
	return &c, nil
}

// RecountCampaign recomputes the contacted and replied counters from
// the conversations table. A full recount keeps the counters correct
// even when tag flips race.
func (db *DB) RecountCampaign(id string) error {
	_, err := db.Exec(`UPDATE campaigns SET
		contacted = (SELECT COUNT(*) FROM conversations WHERE campaign_id = ?),
		replied = (SELECT COUNT(*) FROM conversations
			WHERE campaign_id = ? AND tag = ?),
		updated_at = ?
		WHERE id = ?`,
		id, id, TagYellow, time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("recount campaign: %w", err)
	}
	return nil
}
