package web

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/kefu-chat/chatsync/internal/statedb"
)

func TestEnsurePushVAPIDKeysPersists(t *testing.T) {
	db, err := statedb.OpenAndMigrate(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	pub1, priv1, generated, err := EnsurePushVAPIDKeys(db, "mailto:a@example.com")
	if err != nil {
		t.Fatalf("first ensure: %v", err)
	}
	if !generated || pub1 == "" || priv1 == "" {
		t.Fatalf("expected generated keypair, got generated=%t", generated)
	}

	pub2, priv2, generated, err := EnsurePushVAPIDKeys(db, "mailto:b@example.com")
	if err != nil {
		t.Fatalf("second ensure: %v", err)
	}
	if generated || pub1 != pub2 || priv1 != priv2 {
		t.Fatal("expected stored keypair to be reused")
	}
	keys, err := loadPushVAPIDKeys(db)
	if err != nil || keys.Subject != "mailto:b@example.com" {
		t.Fatalf("subject not updated: %+v %v", keys, err)
	}
}

type brokenMeta struct{ value string }

func (b *brokenMeta) GetMeta(string) (string, error) { return b.value, nil }
func (b *brokenMeta) SetMeta(string, string) error  { return errors.New("read-only") }

func TestEnsurePushVAPIDKeysErrors(t *testing.T) {
	if _, _, _, err := EnsurePushVAPIDKeys(&brokenMeta{}, ""); err == nil {
		t.Fatal("expected store failure")
	}
	if _, _, _, err := EnsurePushVAPIDKeys(&brokenMeta{value: "{"}, ""); err == nil {
		t.Fatal("expected parse failure")
	}
	if _, _, _, err := EnsurePushVAPIDKeys(&brokenMeta{value: `{"publicKey":"p"}`}, ""); err == nil {
		t.Fatal("expected missing key failure")
	}
}
