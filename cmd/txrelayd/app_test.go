package main

import (
	"context"
	"io"
	"os"
	"strings"
	"testing"

	"pkt.systems/pslog"

	transactions "github.com/surgelove/aia-transactions"
)

func TestInvocationTargetsRootCommand(t *testing.T) {
	root := newRootCommand(pslog.NewStructured(io.Discard))
	cases := []struct {
		name string
		args []string
		want bool
	}{
		{name: "no args", args: nil, want: true},
		{name: "root flag only", args: []string{"--store", "mem://"}, want: true},
		{name: "broker shorthand with value", args: []string{"-b", "ib"}, want: true},
		{name: "ttl shorthand with value", args: []string{"-t", "120"}, want: true},
		{name: "config shorthand with value", args: []string{"-c", "/tmp/cfg.yaml"}, want: true},
		{name: "bool flag only", args: []string{"--watch-credentials"}, want: true},
		{name: "subcommand", args: []string{"version"}, want: false},
		{name: "nested subcommand", args: []string{"config", "gen"}, want: false},
		{name: "subcommand after root flag", args: []string{"--config", "/tmp/cfg.yaml", "version"}, want: false},
		{name: "subcommand after bool flag", args: []string{"--watch-credentials", "version"}, want: false},
		{name: "unknown shorthand no subcommand", args: []string{"-z"}, want: true},
		{name: "unknown shorthand before subcommand", args: []string{"-z", "version"}, want: false},
		{name: "unknown long before subcommand", args: []string{"--bogus", "config", "gen"}, want: false},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			got := invocationTargetsRootCommand(root, tc.args)
			if got != tc.want {
				t.Fatalf("invocationTargetsRootCommand(%v)=%v want %v", tc.args, got, tc.want)
			}
		})
	}
}

func TestSubmainInvalidFlagLikeTokenBeforeSubcommand(t *testing.T) {
	origArgs := os.Args
	defer func() { os.Args = origArgs }()
	os.Args = []string{"txrelayd", "-z", "config", "gen"}

	stderr := captureStderr(t, func() {
		exitCode := submain(context.Background())
		if exitCode != 1 {
			t.Fatalf("submain() exitCode=%d want 1", exitCode)
		}
	})
	if !strings.Contains(stderr, `unknown command "gen"`) {
		t.Fatalf("expected parser failure routed to stderr, got %q", stderr)
	}
}

func TestRootHasBrokerAndTTLShorthands(t *testing.T) {
	root := newRootCommand(pslog.NewStructured(io.Discard))
	if flag := root.Flags().ShorthandLookup("b"); flag == nil || flag.Name != "broker" {
		t.Fatalf("expected -b shorthand for --broker, got %#v", flag)
	}
	if flag := root.Flags().ShorthandLookup("t"); flag == nil || flag.Name != "ttl" {
		t.Fatalf("expected -t shorthand for --ttl, got %#v", flag)
	}
	if flag := root.PersistentFlags().ShorthandLookup("c"); flag == nil || flag.Name != "config" {
		t.Fatalf("expected global -c shorthand for --config, got %#v", flag)
	}
}

func TestRootFlagDefaults(t *testing.T) {
	root := newRootCommand(pslog.NewStructured(io.Discard))
	cases := []struct {
		flag string
		want string
	}{
		{flag: "broker", want: transactions.DefaultBroker},
		{flag: "store", want: transactions.DefaultStore},
		{flag: "credentials", want: transactions.DefaultCredentialsFile},
		{flag: "record-ttl", want: transactions.DefaultRecordTTL.String()},
		{flag: "index-ttl", want: transactions.DefaultIndexTTL.String()},
		{flag: "ttl", want: ""},
	}
	for _, tc := range cases {
		f := root.Flags().Lookup(tc.flag)
		if f == nil {
			t.Fatalf("flag %q not found", tc.flag)
		}
		if f.DefValue != tc.want {
			t.Fatalf("flag %q default=%q want %q", tc.flag, f.DefValue, tc.want)
		}
	}
}

func TestBindConfigDefaults(t *testing.T) {
	_ = newRootCommand(pslog.NewStructured(io.Discard))

	var cfg transactions.Config
	if err := bindConfig(&cfg); err != nil {
		t.Fatalf("bindConfig: %v", err)
	}
	if cfg.Broker != transactions.DefaultBroker {
		t.Fatalf("Broker=%q want %q", cfg.Broker, transactions.DefaultBroker)
	}
	if cfg.Store != transactions.DefaultStore {
		t.Fatalf("Store=%q want %q", cfg.Store, transactions.DefaultStore)
	}
	if cfg.RecordTTL != transactions.DefaultRecordTTL {
		t.Fatalf("RecordTTL=%s want %s", cfg.RecordTTL, transactions.DefaultRecordTTL)
	}
	if cfg.IndexTTL != transactions.DefaultIndexTTL {
		t.Fatalf("IndexTTL=%s want %s", cfg.IndexTTL, transactions.DefaultIndexTTL)
	}
	if cfg.PayloadMax != transactions.DefaultPayloadMax {
		t.Fatalf("PayloadMax=%d want %d", cfg.PayloadMax, transactions.DefaultPayloadMax)
	}
}

func TestBindConfigFromEnvironment(t *testing.T) {
	t.Setenv("TXRELAY_BROKER", "alpaca")
	t.Setenv("TXRELAY_PAYLOAD_MAX", "2MiB")
	_ = newRootCommand(pslog.NewStructured(io.Discard))

	var cfg transactions.Config
	if err := bindConfig(&cfg); err != nil {
		t.Fatalf("bindConfig: %v", err)
	}
	if cfg.Broker != "alpaca" {
		t.Fatalf("Broker=%q want alpaca", cfg.Broker)
	}
	if cfg.PayloadMax != 2<<20 {
		t.Fatalf("PayloadMax=%d want %d", cfg.PayloadMax, 2<<20)
	}
}

func TestBindConfigRejectsBadPayloadMax(t *testing.T) {
	t.Setenv("TXRELAY_PAYLOAD_MAX", "huge")
	_ = newRootCommand(pslog.NewStructured(io.Discard))

	var cfg transactions.Config
	err := bindConfig(&cfg)
	if err == nil || !strings.Contains(err.Error(), "parse payload-max") {
		t.Fatalf("expected payload-max parse error, got %v", err)
	}
}

func captureStderr(t *testing.T, fn func()) string {
	t.Helper()
	orig := os.Stderr
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	defer r.Close()
	os.Stderr = w
	defer func() {
		os.Stderr = orig
	}()

	done := make(chan string, 1)
	go func() {
		data, _ := io.ReadAll(r)
		done <- string(data)
	}()

	fn()
	_ = w.Close()
	return <-done
}
