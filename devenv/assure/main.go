// Command assure smoke-tests a development store before the relay is pointed
// at it: connect, write a probe record with a TTL, verify the TTL is
// counting down, exercise the advisory index set, and attempt the
// best-effort persistence disable. Non-zero exit means the environment is
// not ready for the relay.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"pkt.systems/pslog"

	transactions "github.com/surgelove/aia-transactions"
)

type config struct {
	store string
	ttl   time.Duration
}

func loadConfig() config {
	var cfg config
	flag.StringVar(&cfg.store, "store", transactions.DefaultStore, "store URL to probe (redis:// or rediss://)")
	flag.DurationVar(&cfg.ttl, "ttl", 5*time.Second, "probe record TTL")
	flag.Parse()
	return cfg
}

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	if err := run(ctx, loadConfig()); err != nil {
		fmt.Fprintf(os.Stderr, "devenv assurance failed: %v\n", err)
		os.Exit(1)
	}
}

const (
	probeKey   = "txrelay_devenv:probe"
	probeIndex = "txrelay_devenv:index"
)

func run(ctx context.Context, cfg config) error {
	l := pslog.LoggerFromEnv(context.Background(), pslog.WithEnvOptions(pslog.Options{
		Mode:       pslog.ModeConsole,
		TimeFormat: time.RFC3339,
		MinLevel:   pslog.InfoLevel,
	}))

	appCfg := transactions.Config{Store: cfg.store}
	if err := appCfg.Validate(); err != nil {
		return err
	}
	rcfg, err := transactions.BuildRedisConfig(appCfg)
	if err != nil {
		return err
	}

	client := redis.NewClient(&redis.Options{
		Addr:        rcfg.Addr,
		DB:          rcfg.DB,
		Password:    rcfg.Password,
		DialTimeout: rcfg.DialTimeout,
		TLSConfig:   rcfg.TLSConfig,
	})
	defer client.Close()
	defer client.Del(context.Background(), probeKey, probeIndex)

	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping %s: %w", rcfg.Addr, err)
	}
	l.Info("store reachable", "addr", rcfg.Addr, "db", rcfg.DB)

	if err := client.Set(ctx, probeKey, `{"probe":true}`, cfg.ttl).Err(); err != nil {
		return fmt.Errorf("write probe record: %w", err)
	}
	ttl, err := client.TTL(ctx, probeKey).Result()
	if err != nil {
		return fmt.Errorf("read probe ttl: %w", err)
	}
	if ttl <= 0 || ttl > cfg.ttl {
		return fmt.Errorf("probe ttl %s outside (0, %s]", ttl, cfg.ttl)
	}
	l.Info("record expiry works", "ttl", ttl)

	if err := client.SAdd(ctx, probeIndex, probeKey).Err(); err != nil {
		return fmt.Errorf("index add: %w", err)
	}
	card, err := client.SCard(ctx, probeIndex).Result()
	if err != nil {
		return fmt.Errorf("index count: %w", err)
	}
	if card != 1 {
		return fmt.Errorf("index count %d want 1", card)
	}
	if err := client.Expire(ctx, probeIndex, cfg.ttl).Err(); err != nil {
		return fmt.Errorf("index expire: %w", err)
	}
	l.Info("advisory index works", "members", card)

	// Managed Redis offerings commonly refuse CONFIG; the relay treats that
	// the same way.
	if err := client.ConfigSet(ctx, "appendonly", "no").Err(); err != nil {
		l.Warn("persistence disable refused", "error", err)
	} else {
		l.Info("persistence disable accepted")
	}

	l.Info("devenv ready", "store", cfg.store)
	return nil
}
