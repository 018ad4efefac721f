package transactions

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Broker identifiers accepted by the broker selection flag.
const (
	// BrokerOanda streams transactions from the OANDA v20 REST/stream API.
	BrokerOanda = "oanda"
	// BrokerIB is reserved for Interactive Brokers support.
	BrokerIB = "ib"
	// BrokerAlpaca is reserved for Alpaca support.
	BrokerAlpaca = "alpaca"
)

const (
	// DefaultBroker is the broker used when none is selected.
	DefaultBroker = BrokerOanda
	// DefaultStore points the relay at a local Redis instance.
	DefaultStore = "redis://localhost:6379/0"
	// DefaultCredentialsFile is where broker API credentials are read from.
	DefaultCredentialsFile = "config/secrets.json"
	// DefaultRecordTTL bounds the lifetime of a published transaction record.
	DefaultRecordTTL = 300 * time.Second
	// DefaultIndexTTL bounds the lifetime of the advisory key index. It must
	// exceed the record TTL so the index never expires under live records.
	DefaultIndexTTL = 600 * time.Second
	// DefaultConnectAttempts caps store connection attempts before giving up.
	DefaultConnectAttempts = 5
	// DefaultConnectDelay is the fixed pause between store connection attempts.
	DefaultConnectDelay = 2 * time.Second
	// DefaultRetryBudget caps consecutive stream failures before the
	// supervisor gives up permanently.
	DefaultRetryBudget = 10
	// DefaultBackoffFloor is the first delay after a stream failure.
	DefaultBackoffFloor = 5 * time.Second
	// DefaultBackoffCap bounds the growing delay between stream retries.
	DefaultBackoffCap = 60 * time.Second
	// DefaultBackoffMultiplier grows the delay after each consecutive failure.
	DefaultBackoffMultiplier = 1.5
	// DefaultLivenessInterval is the cadence of the foreground liveness report.
	DefaultLivenessInterval = 30 * time.Second
	// DefaultPayloadMax bounds a single record payload after compaction.
	DefaultPayloadMax = int64(1 << 20)
	// DefaultConfigFileName is the config file searched for when --config is omitted.
	DefaultConfigFileName = "config.yaml"
)

// ValidBrokers returns the accepted broker identifiers.
func ValidBrokers() []string {
	return []string{BrokerOanda, BrokerIB, BrokerAlpaca}
}

// Config captures the tunables for a transactions.Service instance.
type Config struct {
	// Broker selects the upstream feed (oanda, ib, alpaca).
	Broker string
	// CredentialsFile holds broker API credentials keyed by broker name.
	CredentialsFile string
	// WatchCredentials reloads the credentials file on change so token
	// rotation does not require a restart.
	WatchCredentials bool
	// Store is the backend DSN (for example redis://host:6379/0, rediss://...,
	// mem://).
	Store string
	// StorePassword authenticates against the store when the DSN carries no
	// userinfo.
	StorePassword string
	// RecordTTL bounds the lifetime of each published record.
	RecordTTL time.Duration
	// IndexTTL bounds the lifetime of the advisory index; must exceed RecordTTL.
	IndexTTL time.Duration
	// ConnectAttempts caps store connection attempts per connect call.
	ConnectAttempts int
	// ConnectDelay is the fixed pause between store connection attempts.
	ConnectDelay time.Duration
	// RetryBudget caps consecutive stream failures before permanent give-up.
	RetryBudget int
	// BackoffFloor is the initial delay between stream retries.
	BackoffFloor time.Duration
	// BackoffCap bounds the delay between stream retries.
	BackoffCap time.Duration
	// BackoffMultiplier grows the retry delay after each consecutive failure.
	BackoffMultiplier float64
	// LivenessInterval is the cadence of the foreground liveness report.
	LivenessInterval time.Duration
	// PayloadMax bounds a single record payload in bytes.
	PayloadMax int64
	// Telemetry selects the observability surfaces to expose.
	Telemetry TelemetryConfig
}

// Validate applies defaults and sanity-checks the configuration.
func (c *Config) Validate() error {
	c.Broker = strings.ToLower(strings.TrimSpace(c.Broker))
	if c.Broker == "" {
		c.Broker = DefaultBroker
	}
	if !isValidBroker(c.Broker) {
		return fmt.Errorf("config: unknown broker %q (options: %s)", c.Broker, strings.Join(ValidBrokers(), ", "))
	}
	if strings.TrimSpace(c.CredentialsFile) == "" {
		c.CredentialsFile = DefaultCredentialsFile
	}
	if strings.TrimSpace(c.Store) == "" {
		c.Store = DefaultStore
	}
	if c.RecordTTL < 0 {
		return fmt.Errorf("config: record ttl must be > 0")
	}
	if c.RecordTTL == 0 {
		c.RecordTTL = DefaultRecordTTL
	}
	if c.IndexTTL < 0 {
		return fmt.Errorf("config: index ttl must be > 0")
	}
	if c.IndexTTL == 0 {
		c.IndexTTL = DefaultIndexTTL
	}
	if c.IndexTTL <= c.RecordTTL {
		return fmt.Errorf("config: index ttl must exceed record ttl (%s <= %s)", c.IndexTTL, c.RecordTTL)
	}
	if c.ConnectAttempts <= 0 {
		c.ConnectAttempts = DefaultConnectAttempts
	}
	if c.ConnectDelay <= 0 {
		c.ConnectDelay = DefaultConnectDelay
	}
	if c.RetryBudget <= 0 {
		c.RetryBudget = DefaultRetryBudget
	}
	if c.BackoffFloor <= 0 {
		c.BackoffFloor = DefaultBackoffFloor
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = DefaultBackoffCap
	}
	if c.BackoffCap < c.BackoffFloor {
		return fmt.Errorf("config: backoff cap must be >= backoff floor")
	}
	if c.BackoffMultiplier <= 0 {
		c.BackoffMultiplier = DefaultBackoffMultiplier
	} else if c.BackoffMultiplier <= 1 {
		return fmt.Errorf("config: backoff multiplier must exceed 1")
	}
	if c.LivenessInterval <= 0 {
		c.LivenessInterval = DefaultLivenessInterval
	}
	if c.PayloadMax <= 0 {
		c.PayloadMax = DefaultPayloadMax
	}
	if c.Telemetry.RuntimeMetrics && strings.TrimSpace(c.Telemetry.MetricsListen) == "" {
		return fmt.Errorf("config: runtime metrics require metrics-listen")
	}
	return nil
}

// ApplyTTLOverride replaces the record TTL with a command line override. The
// override must be a strictly positive integer number of seconds; anything
// else leaves the configured value in place and returns an error the caller
// is expected to log rather than escalate.
func (c *Config) ApplyTTLOverride(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	secs, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("config: ttl override %q is not an integer", raw)
	}
	if secs <= 0 {
		return fmt.Errorf("config: ttl override must be positive, got %d", secs)
	}
	c.RecordTTL = time.Duration(secs) * time.Second
	return nil
}

func isValidBroker(name string) bool {
	for _, b := range ValidBrokers() {
		if name == b {
			return true
		}
	}
	return false
}

// DefaultConfigDir resolves the directory searched for the default config
// file. TXRELAY_CONFIG_DIR overrides the per-user location.
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("TXRELAY_CONFIG_DIR")); override != "" {
		if filepath.IsAbs(override) {
			return override, nil
		}
		abs, err := filepath.Abs(override)
		if err != nil {
			return "", err
		}
		return abs, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".txrelayd"), nil
}
