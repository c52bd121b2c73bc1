package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
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
	"pkt.systems/statebus"
	"pkt.systems/statebus/internal/loggingutil"
	"pkt.systems/statebus/internal/version"
)

const envPrefix = "STATEBUS"

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix(envPrefix+"_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "statebus")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if err := cmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
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

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.IBytes(uint64(n)), " ", "")
}

func loadConfigFile(v *viper.Viper) (string, error) {
	cfgPath := strings.TrimSpace(v.GetString("config"))
	if cfgPath == "" {
		return "", nil
	}
	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}
	v.SetConfigFile(expanded)
	if err := v.ReadInConfig(); err != nil {
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
	return filepath.Abs(p)
}

// newViper returns a viper instance reading STATEBUS_* environment variables,
// with dashes in keys mapped to underscores.
func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	v := newViper()
	cmd := &cobra.Command{
		Use:           "statebus",
		Short:         "statebus is an in-memory state and object bus with subscriptions, TTLs and JSON snapshots",
		SilenceErrors: true,
		Example: `
  # Persist into /var/lib/statebus and listen on :9000
  statebus --data-dir /var/lib/statebus

  # TLS plus basic auth
  statebus --secure --cert server.crt --key server.key --auth --user admin:secret

  # Mirror every snapshot to MinIO (credentials from AWS_* or MINIO_* env)
  STATEBUS_MIRROR='s3://localhost:9000/statebus/node-a?insecure=true' statebus

  # No persistence at all
  statebus --data-dir -
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			ctx := cmd.Context()
			configFile, err := loadConfigFile(v)
			if err != nil {
				return err
			}
			logger := baseLogger
			if level, ok := pslog.ParseLevel(strings.TrimSpace(v.GetString("log-level"))); ok {
				logger = logger.LogLevel(level)
			}
			cliLogger := loggingutil.WithSubsystem(logger, "cli.root")
			loggingutil.WithSubsystem(logger, "server.lifecycle.init").Info(
				"welcome to statebus",
				"version", version.Current(),
				"pid", os.Getpid(),
				"uid", os.Getuid(),
				"gid", os.Getgid(),
			)
			if configFile != "" {
				cliLogger.Info("cli.config.loaded", "path", configFile)
			}

			cfg, err := bindConfig(v)
			if err != nil {
				return err
			}
			server, err := statebus.NewServer(cfg, statebus.WithLogger(logger))
			if err != nil {
				return err
			}
			defer server.Close()

			go func() {
				<-ctx.Done()
				if err := server.Close(); err != nil {
					cliLogger.Error("cli.shutdown.failed", "error", err)
				}
			}()

			if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}

	persistent := cmd.PersistentFlags()
	persistent.StringP("config", "c", "", "path to YAML config file")
	persistent.String("log-level", "info", "log level (trace, debug, info, warn, error)")

	flags := cmd.Flags()
	flags.StringP("data-dir", "d", statebus.DefaultDataDir, `snapshot directory ("-" disables persistence)`)
	flags.String("listen", statebus.DefaultListen, "listen address")
	flags.String("listen-proto", statebus.DefaultListenProto, "listen network (tcp, tcp4, tcp6, unix)")
	flags.Bool("secure", false, "serve TLS using --cert and --key")
	flags.String("cert", "", "TLS certificate file (PEM)")
	flags.String("key", "", "TLS private key file (PEM)")
	flags.Bool("auth", false, "require HTTP basic authentication")
	flags.StringSlice("user", nil, "user:password pair accepted when --auth is set (repeatable)")
	flags.Duration("state-save-delay", statebus.DefaultStateSaveDelay, "debounce window before states.json is written")
	flags.Duration("config-save-delay", statebus.DefaultConfigSaveDelay, "debounce window before objects.json is written")
	flags.Duration("expiry-interval", statebus.DefaultExpiryInterval, "TTL tick period")
	flags.Int("outbox-size", statebus.DefaultOutboxSize, "queued notifications per event stream before it is dropped")
	flags.String("max-call-bytes", humanizeBytes(statebus.DefaultMaxCallBytes), "maximum size of one call's argument array")
	flags.String("metrics-listen", statebus.DefaultMetricsListen, "Prometheus scrape endpoint (empty disables)")
	flags.String("pprof-listen", statebus.DefaultPprofListen, "pprof listen address (empty disables)")
	flags.Bool("enable-profiling-metrics", false, "export Go runtime metrics on the Prometheus endpoint")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	flags.String("mirror", "", "mirror snapshots to s3://host[:port]/bucket[/prefix]")
	flags.Bool("watch-data-dir", false, "rewrite snapshots that are removed from the data dir")
	flags.Int("http2-max-concurrent-streams", statebus.DefaultHTTP2MaxConcurrentStreams, "maximum concurrent HTTP/2 streams per connection")
	flags.Duration("shutdown-timeout", statebus.DefaultShutdownTimeout, "overall shutdown timeout")

	bindFlags(v, persistent)
	bindFlags(v, flags)

	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newRestoreCommand(baseLogger))
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) {
	flags.VisitAll(func(flag *pflag.Flag) {
		if err := v.BindPFlag(flag.Name, flag); err != nil {
			panic(err)
		}
	})
}

func bindConfig(v *viper.Viper) (statebus.Config, error) {
	cfg := statebus.Config{
		DataDir:                   v.GetString("data-dir"),
		Listen:                    v.GetString("listen"),
		ListenProto:               v.GetString("listen-proto"),
		Secure:                    v.GetBool("secure"),
		CertFile:                  v.GetString("cert"),
		KeyFile:                   v.GetString("key"),
		Auth:                      v.GetBool("auth"),
		StateSaveDelay:            v.GetDuration("state-save-delay"),
		ConfigSaveDelay:           v.GetDuration("config-save-delay"),
		ExpiryInterval:            v.GetDuration("expiry-interval"),
		OutboxSize:                v.GetInt("outbox-size"),
		MetricsListen:             v.GetString("metrics-listen"),
		PprofListen:               v.GetString("pprof-listen"),
		EnableProfilingMetrics:    v.GetBool("enable-profiling-metrics"),
		OTLPEndpoint:              v.GetString("otlp-endpoint"),
		MirrorURL:                 v.GetString("mirror"),
		WatchDataDir:              v.GetBool("watch-data-dir"),
		HTTP2MaxConcurrentStreams: v.GetInt("http2-max-concurrent-streams"),
		ShutdownTimeout:           v.GetDuration("shutdown-timeout"),
	}
	if raw := strings.TrimSpace(v.GetString("max-call-bytes")); raw != "" {
		n, err := humanize.ParseBytes(raw)
		if err != nil {
			return cfg, fmt.Errorf("max-call-bytes: %w", err)
		}
		cfg.MaxCallBytes = int64(n)
	}
	users, err := parseUsers(v.GetStringSlice("user"))
	if err != nil {
		return cfg, err
	}
	cfg.AuthUsers = users
	return cfg, nil
}

func parseUsers(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	users := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		user, pass, ok := strings.Cut(pair, ":")
		if !ok || user == "" {
			return nil, fmt.Errorf("user %q: expected user:password", pair)
		}
		users[user] = pass
	}
	return users, nil
}
