package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	transactions "github.com/surgelove/aia-transactions"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage txrelayd configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.txrelayd/config.yaml"
	if dir, err := transactions.DefaultConfigDir(); err == nil {
		defaultOutput = filepath.Join(dir, transactions.DefaultConfigFileName)
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default txrelayd configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			if outPath == "" {
				dir, err := transactions.DefaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = filepath.Join(dir, transactions.DefaultConfigFileName)
			}

			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}

			if stdout {
				fmt.Fprint(cmd.OutOrStdout(), string(data))
				return nil
			}

			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

// The store password stays out of the generated file on purpose; set it via
// TXRELAY_STORE_PASSWORD or the store URL instead.
type configDefaults struct {
	Broker               string  `yaml:"broker"`
	Credentials          string  `yaml:"credentials"`
	WatchCredentials     bool    `yaml:"watch-credentials"`
	Store                string  `yaml:"store"`
	RecordTTL            string  `yaml:"record-ttl"`
	IndexTTL             string  `yaml:"index-ttl"`
	ConnectAttempts      int     `yaml:"connect-attempts"`
	ConnectDelay         string  `yaml:"connect-delay"`
	RetryBudget          int     `yaml:"retry-budget"`
	BackoffFloor         string  `yaml:"backoff-floor"`
	BackoffCap           string  `yaml:"backoff-cap"`
	BackoffMultiplier    float64 `yaml:"backoff-multiplier"`
	LivenessInterval     string  `yaml:"liveness-interval"`
	PayloadMax           string  `yaml:"payload-max"`
	MetricsListen        string  `yaml:"metrics-listen"`
	PprofListen          string  `yaml:"pprof-listen"`
	EnableRuntimeMetrics bool    `yaml:"enable-runtime-metrics"`
	OTLPEndpoint         string  `yaml:"otlp-endpoint"`
	LogLevel             string  `yaml:"log-level"`
}

func defaultConfigYAML(overrides ...func(*configDefaults)) ([]byte, error) {
	defaults := configDefaults{
		Broker:               transactions.DefaultBroker,
		Credentials:          transactions.DefaultCredentialsFile,
		WatchCredentials:     false,
		Store:                transactions.DefaultStore,
		RecordTTL:            transactions.DefaultRecordTTL.String(),
		IndexTTL:             transactions.DefaultIndexTTL.String(),
		ConnectAttempts:      transactions.DefaultConnectAttempts,
		ConnectDelay:         transactions.DefaultConnectDelay.String(),
		RetryBudget:          transactions.DefaultRetryBudget,
		BackoffFloor:         transactions.DefaultBackoffFloor.String(),
		BackoffCap:           transactions.DefaultBackoffCap.String(),
		BackoffMultiplier:    transactions.DefaultBackoffMultiplier,
		LivenessInterval:     transactions.DefaultLivenessInterval.String(),
		PayloadMax:           humanizeBytes(transactions.DefaultPayloadMax),
		MetricsListen:        "",
		PprofListen:          "",
		EnableRuntimeMetrics: false,
		OTLPEndpoint:         "",
		LogLevel:             "info",
	}
	for _, fn := range overrides {
		if fn != nil {
			fn(&defaults)
		}
	}

	out, err := yaml.Marshal(&defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}
