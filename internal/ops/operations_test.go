package ops

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/valmat-dev/inboxd/internal/config"
	"github.com/valmat-dev/inboxd/internal/ratelimit"
	"github.com/valmat-dev/inboxd/internal/store"
	"go.uber.org/zap"
)

func TestContactsParam(t *testing.T) {
	// Params arrive JSON-decoded, so everything is any-typed.
	raw := `{"contacts": [
		{"phone": "155500011", "first_name": "Ana", "last_name": "M"},
		{"phone": "155500022", "first_name": "Bea"},
		{"first_name": "no phone"},
		"garbage"
	]}`
	var params map[string]any
	if err := json.Unmarshal([]byte(raw), &params); err != nil {
		t.Fatal(err)
	}

	contacts := contactsParam(params)
	if len(contacts) != 2 {
		t.Fatalf("contacts = %+v, want 2", contacts)
	}
	if contacts[0].Phone != "155500011" || contacts[0].LastName != "M" {
		t.Errorf("first contact %+v", contacts[0])
	}
}

func TestSuccessRate(t *testing.T) {
	if r := successRate(0, 0); r != 1 {
		t.Errorf("empty rate = %v, want 1", r)
	}
	if r := successRate(1, 4); r != 0.25 {
		t.Errorf("rate = %v, want 0.25", r)
	}
}

func TestBackupOperationWritesFileAndRecord(t *testing.T) {
	o, db, b := testOrchestrator(t, config.Default().Jobs)
	ch, cancel := b.Subscribe("job.", 64)
	defer cancel()

	if _, err := db.GetOrCreateConversation("a", 100, store.Profile{FirstName: "Ana"}); err != nil {
		t.Fatal(err)
	}
	if _, err := db.InsertMessage(&store.Message{
		AccountPhone: "a", PeerID: 100, MsgID: 5, Text: "hi", Date: 1,
	}); err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	builtins := &Builtins{
		DB:         db,
		Pacer:      ratelimit.NewPacer(config.Default().Pacing),
		BackupsDir: dir,
		Log:        zap.NewNop(),
	}
	builtins.RegisterAll(o)

	id, err := o.Submit("backup", []string{"a"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	payload := waitComplete(t, ch, id)
	if payload.Status != store.OpCompleted {
		t.Fatalf("status = %q", payload.Status)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("backup files = %d, want 1", len(entries))
	}

	raw, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	if err != nil {
		t.Fatal(err)
	}
	var file backupFile
	if err := json.Unmarshal(raw, &file); err != nil {
		t.Fatal(err)
	}
	if file.Account != "a" || len(file.Conversations) != 1 {
		t.Errorf("backup %+v", file)
	}
	if len(file.Conversations[0].Messages) != 1 {
		t.Errorf("messages = %d, want 1", len(file.Conversations[0].Messages))
	}

	var count int
	err = db.QueryRow(`SELECT COUNT(*) FROM backups WHERE account_phone = 'a'`).Scan(&count)
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("backup rows = %d, want 1", count)
	}
}
