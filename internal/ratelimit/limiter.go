// Package ratelimit guards outbound sends with layered checks: an
// in-process dedup set, the durable send ledger, a rolling daily cap
// and a minimum spacing between sends.
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"github.com/valmat-dev/inboxd/internal/config"
	"github.com/valmat-dev/inboxd/internal/store"
)

// Denial reasons.
const (
	ReasonDuplicate  = "duplicate"
	ReasonDailyCap   = "daily_cap"
	ReasonMinSpacing = "min_spacing"
)

// Decision is the outcome of a limiter check.
type Decision struct {
	Allowed    bool
	Reason     string
	RetryAfter time.Duration
}

// DeniedError wraps a negative decision for callers that want an error.
type DeniedError struct {
	Decision Decision
}

func (e *DeniedError) Error() string {
	if e.Decision.RetryAfter > 0 {
		return fmt.Sprintf("send denied: %s, retry in %s", e.Decision.Reason, e.Decision.RetryAfter)
	}
	return "send denied: " + e.Decision.Reason
}

// Limiter applies the send guards for all accounts. Checks hit the
// in-memory set first so repeated denials stay cheap.
type Limiter struct {
	db  *store.DB
	cfg config.RateLimit
	now func() time.Time

	mu   sync.Mutex
	seen map[string]struct{}
}

// New returns a limiter backed by the ledger in db.
func New(db *store.DB, cfg config.RateLimit) *Limiter {
	return &Limiter{
		db:   db,
		cfg:  cfg,
		now:  time.Now,
		seen: make(map[string]struct{}),
	}
}

func seenKey(phone string, peerID int64, campaignID string) string {
	return fmt.Sprintf("%s|%s|%d", phone, campaignID, peerID)
}

// Check runs the guard layers in order and returns the first denial.
// Layer order matters: dedup denials must not consume cap headroom.
func (l *Limiter) Check(phone string, peerID int64, campaignID string) (Decision, error) {
	key := seenKey(phone, peerID, campaignID)

	l.mu.Lock()
	_, dup := l.seen[key]
	l.mu.Unlock()
	if dup {
		return Decision{Reason: ReasonDuplicate}, nil
	}

	sent, err := l.db.HasSend(phone, peerID, campaignID)
	if err != nil {
		return Decision{}, err
	}
	if sent {
		// Warm the set so the next check short-circuits.
		l.mu.Lock()
		l.seen[key] = struct{}{}
		l.mu.Unlock()
		return Decision{Reason: ReasonDuplicate}, nil
	}

	now := l.now()
	windowStart := now.Add(-24 * time.Hour).UnixMilli()
	count, err := l.db.CountSentSince(phone, windowStart)
	if err != nil {
		return Decision{}, err
	}
	if count >= l.cfg.DailyCap {
		// Headroom reopens when the oldest send in the window falls
		// out of it, not a full day from now.
		oldest, err := l.db.OldestSentSince(phone, windowStart)
		if err != nil {
			return Decision{}, err
		}
		wait := time.UnixMilli(oldest).Add(24 * time.Hour).Sub(now)
		if wait < 0 {
			wait = 0
		}
		return Decision{Reason: ReasonDailyCap, RetryAfter: wait}, nil
	}

	last, err := l.db.LastSentAt(phone)
	if err != nil {
		return Decision{}, err
	}
	if last > 0 {
		elapsed := now.Sub(time.UnixMilli(last))
		if elapsed < l.cfg.MinSpacing() {
			return Decision{Reason: ReasonMinSpacing, RetryAfter: l.cfg.MinSpacing() - elapsed}, nil
		}
	}

	return Decision{Allowed: true}, nil
}

// Record persists a completed send in the ledger and the dedup set.
func (l *Limiter) Record(phone string, peerID int64, campaignID string, msgID int64) error {
	err := l.db.RecordSend(&store.LedgerEntry{
		AccountPhone: phone,
		PeerID:       peerID,
		CampaignID:   campaignID,
		MsgID:        msgID,
		SentAt:       l.now().UnixMilli(),
	})
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.seen[seenKey(phone, peerID, campaignID)] = struct{}{}
	l.mu.Unlock()
	return nil
}
