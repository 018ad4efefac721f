package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	transactions "github.com/surgelove/aia-transactions"
)

func TestConfigGenStdoutPrintsDefaults(t *testing.T) {
	stdout, stderr, err := executeRootCommand(t, "config", "gen", "--stdout")
	if err != nil {
		t.Fatalf("config gen --stdout failed: %v", err)
	}
	if stderr != "" {
		t.Fatalf("expected empty stderr, got %q", stderr)
	}

	var got configDefaults
	if err := yaml.Unmarshal([]byte(stdout), &got); err != nil {
		t.Fatalf("generated config is not valid YAML: %v", err)
	}
	if got.Broker != transactions.DefaultBroker {
		t.Fatalf("broker=%q want %q", got.Broker, transactions.DefaultBroker)
	}
	if got.Store != transactions.DefaultStore {
		t.Fatalf("store=%q want %q", got.Store, transactions.DefaultStore)
	}
	if got.RecordTTL != transactions.DefaultRecordTTL.String() {
		t.Fatalf("record-ttl=%q want %q", got.RecordTTL, transactions.DefaultRecordTTL)
	}
	if got.IndexTTL != transactions.DefaultIndexTTL.String() {
		t.Fatalf("index-ttl=%q want %q", got.IndexTTL, transactions.DefaultIndexTTL)
	}
	if got.RetryBudget != transactions.DefaultRetryBudget {
		t.Fatalf("retry-budget=%d want %d", got.RetryBudget, transactions.DefaultRetryBudget)
	}

	size, err := humanize.ParseBytes(got.PayloadMax)
	if err != nil {
		t.Fatalf("payload-max %q does not round-trip: %v", got.PayloadMax, err)
	}
	if int64(size) != transactions.DefaultPayloadMax {
		t.Fatalf("payload-max=%q parses to %d want %d", got.PayloadMax, size, transactions.DefaultPayloadMax)
	}
}

func TestConfigGenWritesFileAndRefusesOverwrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	stdout, _, err := executeRootCommand(t, "config", "gen", "--out", path)
	if err != nil {
		t.Fatalf("config gen --out failed: %v", err)
	}
	if !strings.Contains(stdout, "wrote default config to "+path) {
		t.Fatalf("unexpected stdout: %q", stdout)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read generated config: %v", err)
	}
	var got configDefaults
	if err := yaml.Unmarshal(data, &got); err != nil {
		t.Fatalf("written config is not valid YAML: %v", err)
	}

	_, _, err = executeRootCommand(t, "config", "gen", "--out", path)
	if err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("expected overwrite refusal, got %v", err)
	}

	if _, _, err := executeRootCommand(t, "config", "gen", "--out", path, "--force"); err != nil {
		t.Fatalf("config gen --force failed: %v", err)
	}
}

func TestConfigGenStdoutAndOutAreExclusive(t *testing.T) {
	_, _, err := executeRootCommand(t, "config", "gen", "--stdout", "--out", "/tmp/never-written.yaml")
	if err == nil || !strings.Contains(err.Error(), "mutually exclusive") {
		t.Fatalf("expected mutual exclusion error, got %v", err)
	}
}

func TestDefaultConfigYAMLOverrides(t *testing.T) {
	data, err := defaultConfigYAML(func(d *configDefaults) {
		d.Broker = transactions.BrokerIB
	})
	if err != nil {
		t.Fatalf("defaultConfigYAML: %v", err)
	}
	if !strings.Contains(string(data), "broker: ib") {
		t.Fatalf("override not applied:\n%s", data)
	}
}
