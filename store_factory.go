package transactions

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/surgelove/aia-transactions/internal/store"
	"github.com/surgelove/aia-transactions/internal/store/memory"
	"github.com/surgelove/aia-transactions/internal/store/redisstore"
)

func openStore(cfg Config) (store.Opener, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("parse store URL: %w", err)
	}
	switch u.Scheme {
	case "memory", "mem", "":
		backing := memory.New()
		return func(ctx context.Context) (store.Store, error) {
			return backing.Handle(), nil
		}, nil
	case "redis", "rediss":
		rcfg, err := BuildRedisConfig(cfg)
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context) (store.Store, error) {
			return redisstore.New(rcfg), nil
		}, nil
	default:
		return nil, fmt.Errorf("store scheme %q not supported yet", u.Scheme)
	}
}

// BuildRedisConfig parses redis:// and rediss:// store URLs
// (redis://[:password@]host[:port][/db][?dial-timeout=5s&scan-count=256]).
func BuildRedisConfig(cfg Config) (redisstore.Config, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return redisstore.Config{}, fmt.Errorf("parse store URL: %w", err)
	}
	switch u.Scheme {
	case "redis", "rediss":
	default:
		return redisstore.Config{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	addr := strings.TrimSpace(u.Host)
	if addr == "" {
		addr = "localhost"
	}
	if !strings.Contains(addr, ":") {
		addr = net.JoinHostPort(addr, "6379")
	}
	db := 0
	if path := strings.Trim(strings.TrimPrefix(u.Path, "/"), "/"); path != "" {
		db, err = strconv.Atoi(path)
		if err != nil || db < 0 {
			return redisstore.Config{}, fmt.Errorf("redis store db %q must be a non-negative integer", path)
		}
	}
	query := u.Query()
	if v := strings.TrimSpace(query.Get("db")); v != "" {
		db, err = strconv.Atoi(v)
		if err != nil || db < 0 {
			return redisstore.Config{}, fmt.Errorf("redis store db %q must be a non-negative integer", v)
		}
	}
	password := cfg.StorePassword
	if pw, ok := u.User.Password(); ok {
		password = pw
	}
	if password == "" {
		password = firstEnv("TXRELAY_STORE_PASSWORD", "REDIS_PASSWORD")
	}
	var dialTimeout time.Duration
	if v := strings.TrimSpace(query.Get("dial-timeout")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return redisstore.Config{}, fmt.Errorf("redis store dial-timeout %q must be a positive duration", v)
		}
		dialTimeout = d
	}
	var scanCount int64
	if v := strings.TrimSpace(query.Get("scan-count")); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			return redisstore.Config{}, fmt.Errorf("redis store scan-count %q must be a positive integer", v)
		}
		scanCount = n
	}
	var tlsConfig *tls.Config
	if u.Scheme == "rediss" {
		serverName := addr
		if host, _, err := net.SplitHostPort(addr); err == nil {
			serverName = host
		}
		tlsConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
			ServerName: serverName,
		}
		if v := query.Get("insecure-skip-verify"); v != "" {
			if ok, err := strconv.ParseBool(v); err == nil && ok {
				tlsConfig.InsecureSkipVerify = true
			}
		}
	}
	return redisstore.Config{
		Addr:        addr,
		DB:          db,
		Password:    password,
		DialTimeout: dialTimeout,
		TLSConfig:   tlsConfig,
		ScanCount:   scanCount,
	}, nil
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if name == "" {
			continue
		}
		if val := strings.TrimSpace(os.Getenv(name)); val != "" {
			return val
		}
	}
	return ""
}
