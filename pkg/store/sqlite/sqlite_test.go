package sqlite

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pario-ai/keypool/pkg/models"
	"github.com/pario-ai/keypool/pkg/secrets"
	"github.com/pario-ai/keypool/pkg/store"
	"github.com/pario-ai/keypool/pkg/store/storetest"
)

func testBox(t *testing.T) *secrets.Box {
	t.Helper()
	key, err := secrets.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	box, err := secrets.NewBox(key)
	if err != nil {
		t.Fatal(err)
	}
	return box
}

func TestContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		s, err := New(filepath.Join(t.TempDir(), "keypool.db"), WithSecrets(testBox(t)))
		if err != nil {
			t.Fatal(err)
		}
		return s
	})
}

func TestContractPlaintext(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		s, err := New(filepath.Join(t.TempDir(), "keypool.db"))
		if err != nil {
			t.Fatal(err)
		}
		return s
	})
}

func TestSecretsEncryptedAtRest(t *testing.T) {
	ctx := context.Background()
	s, err := New(filepath.Join(t.TempDir(), "keypool.db"), WithSecrets(testBox(t)))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if err := s.CreateCredential(ctx, models.Credential{ID: "k1", Secret: "fk-live-0123456789"}); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateBackup(ctx, models.BackupCredential{ID: "b1", Secret: "fk-spare-0123456789"}); err != nil {
		t.Fatal(err)
	}

	var raw string
	if err := s.db.QueryRow(`SELECT secret FROM credentials WHERE id = 'k1'`).Scan(&raw); err != nil {
		t.Fatal(err)
	}
	if strings.Contains(raw, "fk-live") {
		t.Errorf("credential secret stored in plaintext: %q", raw)
	}
	if err := s.db.QueryRow(`SELECT secret FROM backup_credentials WHERE id = 'b1'`).Scan(&raw); err != nil {
		t.Fatal(err)
	}
	if strings.Contains(raw, "fk-spare") {
		t.Errorf("backup secret stored in plaintext: %q", raw)
	}

	// Promotion copies the sealed secret; it must still open.
	p, err := s.PromoteBackup(ctx, "k1", time.Now().UTC())
	if err != nil {
		t.Fatal(err)
	}
	if p.Credential.Secret != "fk-spare-0123456789" {
		t.Errorf("promoted secret = %q", p.Credential.Secret)
	}
	c, err := s.GetCredential(ctx, "b1")
	if err != nil {
		t.Fatal(err)
	}
	if c.Secret != "fk-spare-0123456789" {
		t.Errorf("stored promoted secret = %q", c.Secret)
	}
}

func TestReopenKeepsState(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "keypool.db")
	box := testBox(t)

	s, err := New(path, WithSecrets(box))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.CreateCredential(ctx, models.Credential{ID: "k1", Secret: "fk-live-0123456789"}); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkExhausted(ctx, "k1", "revoked"); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = New(path, WithSecrets(box))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	c, err := s.GetCredential(ctx, "k1")
	if err != nil {
		t.Fatal(err)
	}
	if c.Status != models.StatusExhausted || c.LastError != "revoked" || c.Secret != "fk-live-0123456789" {
		t.Errorf("reopened credential = %+v", c)
	}
}

func TestWrongKeyFailsToDecrypt(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "keypool.db")

	s, err := New(path, WithSecrets(testBox(t)))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.CreateCredential(ctx, models.Credential{ID: "k1", Secret: "fk-live-0123456789"}); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = New(path, WithSecrets(testBox(t)))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if _, err := s.GetCredential(ctx, "k1"); err == nil {
		t.Error("expected decrypt error with a different key")
	}
}

func TestDSN(t *testing.T) {
	if got := dsn("/tmp/a.db"); !strings.HasPrefix(got, "/tmp/a.db?_pragma=busy_timeout") {
		t.Errorf("dsn = %q", got)
	}
	if got := dsn("file:a.db?mode=rwc"); !strings.Contains(got, "mode=rwc&_pragma=") {
		t.Errorf("dsn = %q", got)
	}
}

func TestRestoreMissingPromoted(t *testing.T) {
	ctx := context.Background()
	s, err := New(filepath.Join(t.TempDir(), "keypool.db"), WithSecrets(testBox(t)))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	ts := time.Now().UTC()

	if err := s.CreateCredential(ctx, models.Credential{ID: "old", Secret: "fk-live-0123456789"}); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateBackup(ctx, models.BackupCredential{ID: "b1", Secret: "fk-spare-0123456789"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.PromoteBackup(ctx, "old", ts); err != nil {
		t.Fatal(err)
	}
	if _, err := s.db.Exec(`DELETE FROM credentials WHERE id = 'b1'`); err != nil {
		t.Fatal(err)
	}

	created, err := s.RestorePromoted(ctx, "b1", ts)
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Fatal("missing live credential should be recreated")
	}
	c, err := s.GetCredential(ctx, "b1")
	if err != nil {
		t.Fatal(err)
	}
	if c.Secret != "fk-spare-0123456789" || c.Status != models.StatusHealthy {
		t.Errorf("restored = %+v", c)
	}
}
