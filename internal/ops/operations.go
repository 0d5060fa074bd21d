package ops

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/valmat-dev/inboxd/internal/ratelimit"
	"github.com/valmat-dev/inboxd/internal/send"
	"github.com/valmat-dev/inboxd/internal/store"
	isync "github.com/valmat-dev/inboxd/internal/sync"
	"github.com/valmat-dev/inboxd/internal/transport"
	"go.uber.org/zap"
)

// Builtins bundles the dependencies of the built-in operation handlers.
type Builtins struct {
	DB         *store.DB
	Sender     *send.Sender
	Engine     *isync.Engine
	Pacer      *ratelimit.Pacer
	BackupsDir string
	Log        *zap.Logger
}

// RegisterAll installs the built-in operations on the orchestrator.
func (b *Builtins) RegisterAll(o *Orchestrator) {
	o.Register("import", b.Import)
	o.Register("scan", b.Scan)
	o.Register("backup", b.Backup)
	o.Register("campaign", b.Campaign)
}

func paramString(params map[string]any, key string) string {
	s, _ := params[key].(string)
	return s
}

// contactsParam decodes the contacts list out of JSON-shaped params.
func contactsParam(params map[string]any) []send.Contact {
	raw, _ := params["contacts"].([]any)
	var out []send.Contact
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		c := send.Contact{
			Phone:     fmt.Sprint(m["phone"]),
			FirstName: fmt.Sprint(m["first_name"]),
		}
		if last, ok := m["last_name"].(string); ok {
			c.LastName = last
		}
		if c.Phone == "" || c.Phone == "<nil>" {
			continue
		}
		out = append(out, c)
	}
	return out
}

// Import adds contacts and sends the opening message, paced in
// randomized batches. The contact list is shared by the whole
// operation; each account takes its round-robin slice.
func (b *Builtins) Import(ctx context.Context, task *Task) error {
	campaignID := paramString(task.Params, "campaign_id")
	message := paramString(task.Params, "message")
	if campaignID == "" || message == "" {
		return errors.New("import requires campaign_id and message")
	}
	if err := b.DB.EnsureCampaign(campaignID, paramString(task.Params, "campaign_name")); err != nil {
		return err
	}

	all := contactsParam(task.Params)
	var contacts []send.Contact
	for i, c := range all {
		if i%task.AccountCount == task.AccountIndex {
			contacts = append(contacts, c)
		}
	}
	total := len(contacts)
	if total == 0 {
		task.Logf("info", "no contacts assigned")
		return nil
	}

	sent, skipped, failed := 0, 0, 0
	processed := 0
	batchSize := b.Pacer.BatchSize()
	inBatch := 0

	for _, contact := range contacts {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		_, err := b.Sender.OutreachWith(ctx, task.Client, task.Phone, contact, campaignID, message)
		switch {
		case err == nil:
			sent++
			task.Logf("info", "contacted %s", contact.Phone)
		default:
			var denied *ratelimit.DeniedError
			if errors.As(err, &denied) {
				if denied.Decision.Reason == ratelimit.ReasonDailyCap {
					task.Logf("warn", "daily cap reached after %d sends", sent)
					task.SetStat("sent", sent)
					task.SetStat("skipped", skipped)
					task.SetStat("failed", failed)
					task.Progress(processed, total, "daily cap reached")
					return nil
				}
				skipped++
				task.Logf("info", "skipped %s: %s", contact.Phone, denied.Decision.Reason)
				break
			}
			if pause := floodPause(b.Pacer, err); pause > 0 {
				task.Logf("warn", "flood pressure, pausing %s", pause)
				if !sleepCtx(ctx, pause) {
					return ctx.Err()
				}
				failed++
				break
			}
			failed++
			task.Logf("error", "contact %s: %v", contact.Phone, err)
		}

		processed++
		inBatch++
		task.SetStat("sent", sent)
		task.SetStat("skipped", skipped)
		task.SetStat("failed", failed)
		task.Progress(processed, total, contact.Phone)

		if processed == total {
			break
		}
		if inBatch >= batchSize {
			rate := successRate(sent, sent+failed)
			delay, mode := b.Pacer.BatchDelay(rate, sent+failed)
			task.Logf("info", "batch done, %s pause %s", mode, delay)
			if !sleepCtx(ctx, delay) {
				return ctx.Err()
			}
			batchSize = b.Pacer.BatchSize()
			inBatch = 0
		} else if !sleepCtx(ctx, b.Pacer.ItemDelay()) {
			return ctx.Err()
		}
	}

	task.Progress(total, total, "done")
	return nil
}

// Scan refreshes the account's full mirror and reports tag counts.
func (b *Builtins) Scan(ctx context.Context, task *Task) error {
	res, err := b.Engine.FullSync(ctx, task.Phone, task.Client)
	if err != nil {
		return err
	}

	counts, err := b.DB.TagCounts(task.Phone)
	if err != nil {
		return err
	}
	task.SetStat("dialogs", res.Dialogs)
	task.SetStat("new_messages", res.New)
	task.SetStat("contacted", counts[store.TagBlue])
	task.SetStat("replied", counts[store.TagYellow])
	task.Progress(res.Dialogs, res.Dialogs, "scan complete")
	return nil
}

type backupConversation struct {
	PeerID    int64            `json:"peer_id"`
	Username  string           `json:"username,omitempty"`
	FirstName string           `json:"first_name,omitempty"`
	LastName  string           `json:"last_name,omitempty"`
	Tag       string           `json:"tag"`
	Campaign  string           `json:"campaign,omitempty"`
	Messages  []*store.Message `json:"messages"`
}

type backupFile struct {
	Account       string               `json:"account"`
	CreatedAt     int64                `json:"created_at"`
	Conversations []backupConversation `json:"conversations"`
}

const backupPageSize = 500

// Backup exports the account's mirror to a JSON file and records it.
func (b *Builtins) Backup(ctx context.Context, task *Task) error {
	convs, err := b.DB.ListConversations(task.Phone, backupPageSize, 0)
	if err != nil {
		return err
	}

	out := backupFile{
		Account:   task.Phone,
		CreatedAt: time.Now().UnixMilli(),
	}
	for i, conv := range convs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		msgs, err := b.DB.ListMessages(task.Phone, conv.PeerID, 0, backupPageSize)
		if err != nil {
			return err
		}
		out.Conversations = append(out.Conversations, backupConversation{
			PeerID:    conv.PeerID,
			Username:  conv.Username,
			FirstName: conv.FirstName,
			LastName:  conv.LastName,
			Tag:       conv.Tag,
			Campaign:  conv.CampaignID,
			Messages:  msgs,
		})
		task.Progress(i+1, len(convs), "exporting")
	}

	if err := os.MkdirAll(b.BackupsDir, 0700); err != nil {
		return err
	}
	filename := fmt.Sprintf("backup_%s_%s.json", task.Phone, time.Now().Format("20060102_150405"))
	path := filepath.Join(b.BackupsDir, filename)
	raw, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, raw, 0600); err != nil {
		return fmt.Errorf("write backup: %w", err)
	}

	if err := b.DB.LogBackup(&store.Backup{
		AccountPhone:  task.Phone,
		Filename:      filename,
		Path:          path,
		Conversations: len(out.Conversations),
	}); err != nil {
		return err
	}
	task.SetStat("conversations", len(out.Conversations))
	task.Logf("info", "backup written to %s", filename)
	return nil
}

// Campaign sends the message to already-mirrored peers, honoring the
// limiter. Spacing denials wait out the gap and retry once.
func (b *Builtins) Campaign(ctx context.Context, task *Task) error {
	campaignID := paramString(task.Params, "campaign_id")
	message := paramString(task.Params, "message")
	if campaignID == "" || message == "" {
		return errors.New("campaign requires campaign_id and message")
	}
	if err := b.DB.EnsureCampaign(campaignID, paramString(task.Params, "campaign_name")); err != nil {
		return err
	}

	rawPeers, _ := task.Params["peer_ids"].([]any)
	var peers []int64
	for _, p := range rawPeers {
		if f, ok := p.(float64); ok {
			peers = append(peers, int64(f))
		}
	}
	total := len(peers)

	sent, skipped, failed := 0, 0, 0
	for i, peerID := range peers {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		_, err := b.Sender.SendWith(ctx, task.Client, task.Phone, peerID, campaignID, message)
		var denied *ratelimit.DeniedError
		if errors.As(err, &denied) && denied.Decision.Reason == ratelimit.ReasonMinSpacing {
			if !sleepCtx(ctx, denied.Decision.RetryAfter) {
				return ctx.Err()
			}
			_, err = b.Sender.SendWith(ctx, task.Client, task.Phone, peerID, campaignID, message)
		}

		switch {
		case err == nil:
			sent++
		case errors.As(err, &denied):
			if denied.Decision.Reason == ratelimit.ReasonDailyCap {
				task.Logf("warn", "daily cap reached after %d sends", sent)
				task.SetStat("sent", sent)
				task.SetStat("skipped", skipped)
				task.SetStat("failed", failed)
				task.Progress(i, total, "daily cap reached")
				return nil
			}
			skipped++
		default:
			if pause := floodPause(b.Pacer, err); pause > 0 {
				task.Logf("warn", "flood pressure, pausing %s", pause)
				if !sleepCtx(ctx, pause) {
					return ctx.Err()
				}
			}
			failed++
			task.Logf("error", "peer %d: %v", peerID, err)
		}

		task.SetStat("sent", sent)
		task.SetStat("skipped", skipped)
		task.SetStat("failed", failed)
		task.Progress(i+1, total, "")

		if i+1 < total {
			if !sleepCtx(ctx, b.Pacer.ItemDelay()) {
				return ctx.Err()
			}
		}
	}
	return nil
}

// floodPause returns the backoff for flood errors, zero for everything
// else.
func floodPause(p *ratelimit.Pacer, err error) time.Duration {
	if _, ok := transport.AsFloodWait(err); ok {
		return p.FloodPause(err)
	}
	return 0
}

func successRate(ok, attempted int) float64 {
	if attempted == 0 {
		return 1
	}
	return float64(ok) / float64(attempted)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
