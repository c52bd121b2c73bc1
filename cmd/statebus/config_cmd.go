package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/statebus"
)

const defaultConfigFile = "statebus.yaml"

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage statebus configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default statebus configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if outPath == "" {
				outPath = defaultConfigFile
			}
			if dir := filepath.Dir(outPath); dir != "." {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return fmt.Errorf("create config dir: %w", err)
				}
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
	cmd.Flags().StringVar(&outPath, "out", "", "output path for generated config (defaults to ./"+defaultConfigFile+")")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

// configDefaults mirrors the root command flags; keys match flag names so
// the file can be fed back through --config.
type configDefaults struct {
	DataDir                   string   `yaml:"data-dir"`
	Listen                    string   `yaml:"listen"`
	ListenProto               string   `yaml:"listen-proto"`
	Secure                    bool     `yaml:"secure"`
	Cert                      string   `yaml:"cert"`
	Key                       string   `yaml:"key"`
	Auth                      bool     `yaml:"auth"`
	Users                     []string `yaml:"user"`
	StateSaveDelay            string   `yaml:"state-save-delay"`
	ConfigSaveDelay           string   `yaml:"config-save-delay"`
	ExpiryInterval            string   `yaml:"expiry-interval"`
	OutboxSize                int      `yaml:"outbox-size"`
	MaxCallBytes              string   `yaml:"max-call-bytes"`
	MetricsListen             string   `yaml:"metrics-listen"`
	PprofListen               string   `yaml:"pprof-listen"`
	EnableProfilingMetrics    bool     `yaml:"enable-profiling-metrics"`
	OTLPEndpoint              string   `yaml:"otlp-endpoint"`
	Mirror                    string   `yaml:"mirror"`
	WatchDataDir              bool     `yaml:"watch-data-dir"`
	HTTP2MaxConcurrentStreams int      `yaml:"http2-max-concurrent-streams"`
	ShutdownTimeout           string   `yaml:"shutdown-timeout"`
	LogLevel                  string   `yaml:"log-level"`
}

func defaultConfigYAML(overrides ...func(*configDefaults)) ([]byte, error) {
	defaults := configDefaults{
		DataDir:                   statebus.DefaultDataDir,
		Listen:                    statebus.DefaultListen,
		ListenProto:               statebus.DefaultListenProto,
		Users:                     []string{},
		StateSaveDelay:            statebus.DefaultStateSaveDelay.String(),
		ConfigSaveDelay:           statebus.DefaultConfigSaveDelay.String(),
		ExpiryInterval:            statebus.DefaultExpiryInterval.String(),
		OutboxSize:                statebus.DefaultOutboxSize,
		MaxCallBytes:              humanizeBytes(statebus.DefaultMaxCallBytes),
		MetricsListen:             statebus.DefaultMetricsListen,
		PprofListen:               statebus.DefaultPprofListen,
		HTTP2MaxConcurrentStreams: statebus.DefaultHTTP2MaxConcurrentStreams,
		ShutdownTimeout:           statebus.DefaultShutdownTimeout.String(),
		LogLevel:                  "info",
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
