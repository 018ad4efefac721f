package feed

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeSecrets(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "secrets.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write secrets: %v", err)
	}
	return path
}

func TestLoadCredentials(t *testing.T) {
	path := writeSecrets(t, t.TempDir(), `{
  "oanda": {"api_key": "token-1", "account_id": "001-001-1234567-001", "environment": "practice"},
  "alpaca": {"api_key": "k", "account_id": "a"}
}`)

	creds, err := LoadCredentials(path, "oanda")
	if err != nil {
		t.Fatalf("LoadCredentials: %v", err)
	}
	if creds.APIKey != "token-1" || creds.AccountID != "001-001-1234567-001" || creds.Environment != "practice" {
		t.Fatalf("creds = %+v", creds)
	}
}

func TestLoadCredentialsParsesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "secrets.yaml")
	content := "oanda:\n  api_key: token-2\n  account_id: acct-2\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write secrets: %v", err)
	}
	creds, err := LoadCredentials(path, "oanda")
	if err != nil {
		t.Fatalf("LoadCredentials: %v", err)
	}
	if creds.APIKey != "token-2" || creds.AccountID != "acct-2" {
		t.Fatalf("creds = %+v", creds)
	}
}

func TestLoadCredentialsFailures(t *testing.T) {
	dir := t.TempDir()

	if _, err := LoadCredentials(filepath.Join(dir, "absent.json"), "oanda"); err == nil {
		t.Fatalf("missing file accepted")
	}

	path := writeSecrets(t, dir, `{not json`)
	if _, err := LoadCredentials(path, "oanda"); err == nil {
		t.Fatalf("malformed file accepted")
	}

	path = writeSecrets(t, dir, `{"ib": {"api_key": "k", "account_id": "a"}}`)
	if _, err := LoadCredentials(path, "oanda"); err == nil || !strings.Contains(err.Error(), `broker "oanda"`) {
		t.Fatalf("missing broker entry: err = %v", err)
	}

	path = writeSecrets(t, dir, `{"oanda": {"account_id": "a"}}`)
	if _, err := LoadCredentials(path, "oanda"); err == nil || !strings.Contains(err.Error(), "api_key") {
		t.Fatalf("missing api_key: err = %v", err)
	}
}

func TestStaticCredentials(t *testing.T) {
	src := StaticCredentials{APIKey: "k", AccountID: "a"}
	if got := src.Current(); got.APIKey != "k" || got.AccountID != "a" {
		t.Fatalf("Current = %+v", got)
	}
}

func TestWatchCredentialsReloads(t *testing.T) {
	dir := t.TempDir()
	path := writeSecrets(t, dir, `{"oanda": {"api_key": "before", "account_id": "acct"}}`)

	w, err := WatchCredentials(path, "oanda", nil)
	if err != nil {
		t.Fatalf("WatchCredentials: %v", err)
	}
	defer w.Close()

	if got := w.Current(); got.APIKey != "before" {
		t.Fatalf("initial snapshot = %+v", got)
	}

	writeSecrets(t, dir, `{"oanda": {"api_key": "after", "account_id": "acct"}}`)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if w.Current().APIKey == "after" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("rotated credentials never observed, still %+v", w.Current())
}

func TestWatchCredentialsKeepsSnapshotOnBadReload(t *testing.T) {
	dir := t.TempDir()
	path := writeSecrets(t, dir, `{"oanda": {"api_key": "good", "account_id": "acct"}}`)

	w, err := WatchCredentials(path, "oanda", nil)
	if err != nil {
		t.Fatalf("WatchCredentials: %v", err)
	}
	defer w.Close()

	writeSecrets(t, dir, `{broken`)

	// Give the watcher a moment to see the change, then confirm the last
	// good snapshot survived.
	time.Sleep(200 * time.Millisecond)
	if got := w.Current(); got.APIKey != "good" {
		t.Fatalf("snapshot lost after bad reload: %+v", got)
	}
}

func TestWatchCredentialsRejectsBadStartup(t *testing.T) {
	dir := t.TempDir()
	if _, err := WatchCredentials(filepath.Join(dir, "absent.json"), "oanda", nil); err == nil {
		t.Fatalf("missing file accepted at startup")
	}
}
