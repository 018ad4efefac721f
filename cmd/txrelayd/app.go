package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	transactions "github.com/surgelove/aia-transactions"
	"github.com/surgelove/aia-transactions/internal/svcfields"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("TXRELAY_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "txrelayd")
	cmd := newRootCommand(baseLogger)
	rootInvocation := invocationTargetsRootCommand(cmd, os.Args[1:])
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if err != context.Canceled {
			if rootInvocation {
				svcfields.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
			} else {
				fmt.Fprintf(os.Stderr, "%s\n", err)
			}
		}
		return 1
	}
	return 0
}

func invocationTargetsRootCommand(root *cobra.Command, args []string) bool {
	if len(args) == 0 {
		return true
	}
	lookupLong := func(name string) *pflag.Flag {
		flag := root.Flags().Lookup(name)
		if flag == nil {
			flag = root.PersistentFlags().Lookup(name)
		}
		return flag
	}
	lookupShort := func(shorthand string) *pflag.Flag {
		flag := root.Flags().ShorthandLookup(shorthand)
		if flag == nil {
			flag = root.PersistentFlags().ShorthandLookup(shorthand)
		}
		return flag
	}
	remainingHasSubcommand := func(rest []string) bool {
		for _, tok := range rest {
			if !isSubcommandToken(root, tok) {
				continue
			}
			return true
		}
		return false
	}
	for i := 0; i < len(args); {
		arg := args[i]
		if arg == "--" {
			return true
		}
		if strings.HasPrefix(arg, "--") && arg != "--" {
			if eq := strings.IndexByte(arg, '='); eq >= 0 {
				i++
				continue
			}
			name := strings.TrimPrefix(arg, "--")
			flag := lookupLong(name)
			if flag == nil {
				return !remainingHasSubcommand(args[i+1:])
			}
			i++
			if flag.NoOptDefVal == "" && i < len(args) {
				i++
			}
			continue
		}
		if strings.HasPrefix(arg, "-") && arg != "-" {
			sh := strings.TrimPrefix(arg, "-")
			consumeNext := false
			for idx, ch := range sh {
				flag := lookupShort(string(ch))
				if flag == nil {
					return !remainingHasSubcommand(args[i+1:])
				}
				if flag.NoOptDefVal == "" {
					if idx == len(sh)-1 {
						consumeNext = true
					}
					break
				}
			}
			i++
			if consumeNext && i < len(args) {
				i++
			}
			continue
		}
		return !isSubcommandToken(root, arg)
	}
	return true
}

func isSubcommandToken(root *cobra.Command, token string) bool {
	for _, sub := range root.Commands() {
		if token == sub.Name() {
			return true
		}
		for _, alias := range sub.Aliases {
			if token == alias {
				return true
			}
		}
	}
	return false
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.IBytes(uint64(n)), " ", "")
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""

	if cfgPath == "" {
		if dir, err := transactions.DefaultConfigDir(); err == nil {
			candidate := filepath.Join(dir, transactions.DefaultConfigFileName)
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}

	if cfgPath == "" {
		return "", nil
	}

	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}

	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	return abs, nil
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	var cfg transactions.Config

	cmd := &cobra.Command{
		Use:           "txrelayd",
		Short:         "txrelayd streams brokerage account transactions into a shared self-expiring store",
		SilenceErrors: true,
		Example: `
  # Relay OANDA transactions into a local Redis
  txrelayd

  # Pick the store explicitly and shorten the record TTL to 120 seconds
  txrelayd --store redis://cache.internal:6379/2 -t 120

  # TLS Redis with the password taken from the environment
  TXRELAY_STORE_PASSWORD=secret txrelayd --store rediss://cache.internal:6380/0

  # In-memory store (tests/dev only)
  txrelayd --store mem://
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			cliLogger := svcfields.WithSubsystem(logger, "cli.root")
			ctx := cmd.Context()
			cmd.SilenceUsage = true
			svcfields.WithSubsystem(logger, "relay.lifecycle.init").WithLogLevel().Info(
				"welcome to txrelayd",
				"app", "txrelayd",
				"pid", os.Getpid(),
				"uid", os.Getuid(),
				"gid", os.Getgid(),
			)

			configFile, err := loadConfigFile()
			if err != nil {
				return err
			}
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
			}

			if err := bindConfig(&cfg); err != nil {
				return err
			}
			if err := cfg.ApplyTTLOverride(viper.GetString("ttl")); err != nil {
				cliLogger.Warn("ttl override ignored", "error", err, "record_ttl", cfg.RecordTTL)
			}

			logLevel := strings.TrimSpace(viper.GetString("log-level"))
			if logLevel == "" {
				logLevel = "info"
			}
			level, ok := pslog.ParseLevel(logLevel)
			if ok {
				logger = logger.LogLevel(level)
				cliLogger = svcfields.WithSubsystem(logger, "cli.root")
			}

			svc, err := transactions.NewService(cfg, transactions.WithLogger(logger))
			if err != nil {
				return err
			}
			defer svc.Close()

			return svc.Run(ctx)
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.txrelayd/"+transactions.DefaultConfigFileName+")")

	flags := cmd.Flags()
	flags.StringP("broker", "b", transactions.DefaultBroker, fmt.Sprintf("broker feed to relay (%s)", strings.Join(transactions.ValidBrokers(), ", ")))
	flags.StringP("ttl", "t", "", "record TTL override in whole seconds (invalid values are logged and ignored)")
	flags.String("credentials", transactions.DefaultCredentialsFile, "path to the broker credentials file")
	flags.Bool("watch-credentials", false, "reload the credentials file when it changes")
	flags.String("store", transactions.DefaultStore, "store URL (redis://host:port/db, rediss://..., mem://)")
	flags.String("store-password", "", "store password when the URL carries none (or use TXRELAY_STORE_PASSWORD)")
	flags.Duration("record-ttl", transactions.DefaultRecordTTL, "lifetime of each published transaction record")
	flags.Duration("index-ttl", transactions.DefaultIndexTTL, "lifetime of the advisory key index (must exceed record-ttl)")
	flags.Int("connect-attempts", transactions.DefaultConnectAttempts, "store connection attempts before giving up")
	flags.Duration("connect-delay", transactions.DefaultConnectDelay, "fixed pause between store connection attempts")
	flags.Int("retry-budget", transactions.DefaultRetryBudget, "consecutive stream failures tolerated before permanent give-up")
	flags.Duration("backoff-floor", transactions.DefaultBackoffFloor, "initial delay between stream retries")
	flags.Duration("backoff-cap", transactions.DefaultBackoffCap, "maximum delay between stream retries")
	flags.Float64("backoff-multiplier", transactions.DefaultBackoffMultiplier, "growth factor applied to the retry delay")
	flags.Duration("liveness-interval", transactions.DefaultLivenessInterval, "cadence of the foreground liveness report")
	flags.String("payload-max", humanizeBytes(transactions.DefaultPayloadMax), "maximum size of a single record payload")
	flags.String("metrics-listen", "", "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.String("pprof-listen", "", "pprof listen address (debug/pprof endpoints; empty disables)")
	flags.Bool("enable-runtime-metrics", false, "enable Go runtime metrics on the Prometheus endpoint")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	flags.String("log-level", "", "log level (trace, debug, info, warn, error)")

	bindFlag := func(name string) {
		flag := flags.Lookup(name)
		if flag == nil {
			flag = persistentFlags.Lookup(name)
		}
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("TXRELAY")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	names := []string{
		"config",
		"broker", "ttl", "credentials", "watch-credentials", "store", "store-password",
		"record-ttl", "index-ttl",
		"connect-attempts", "connect-delay",
		"retry-budget", "backoff-floor", "backoff-cap", "backoff-multiplier",
		"liveness-interval", "payload-max",
		"metrics-listen", "pprof-listen", "enable-runtime-metrics", "otlp-endpoint",
		"log-level",
	}
	for _, name := range names {
		bindFlag(name)
	}

	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())

	return cmd
}

func bindConfig(cfg *transactions.Config) error {
	cfg.Broker = viper.GetString("broker")
	cfg.CredentialsFile = viper.GetString("credentials")
	cfg.WatchCredentials = viper.GetBool("watch-credentials")
	cfg.Store = viper.GetString("store")
	cfg.StorePassword = viper.GetString("store-password")
	cfg.RecordTTL = viper.GetDuration("record-ttl")
	cfg.IndexTTL = viper.GetDuration("index-ttl")
	cfg.ConnectAttempts = viper.GetInt("connect-attempts")
	cfg.ConnectDelay = viper.GetDuration("connect-delay")
	cfg.RetryBudget = viper.GetInt("retry-budget")
	cfg.BackoffFloor = viper.GetDuration("backoff-floor")
	cfg.BackoffCap = viper.GetDuration("backoff-cap")
	cfg.BackoffMultiplier = viper.GetFloat64("backoff-multiplier")
	cfg.LivenessInterval = viper.GetDuration("liveness-interval")
	if payloadMax := viper.GetString("payload-max"); payloadMax != "" {
		size, err := humanize.ParseBytes(payloadMax)
		if err != nil {
			return fmt.Errorf("parse payload-max: %w", err)
		}
		cfg.PayloadMax = int64(size)
	}
	cfg.Telemetry.OTLPEndpoint = viper.GetString("otlp-endpoint")
	cfg.Telemetry.MetricsListen = viper.GetString("metrics-listen")
	cfg.Telemetry.PprofListen = viper.GetString("pprof-listen")
	cfg.Telemetry.RuntimeMetrics = viper.GetBool("enable-runtime-metrics")
	return nil
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
