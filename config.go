package statebus

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/statebus/internal/engine"
	"pkt.systems/statebus/internal/persist"
)

const (
	// DefaultListen is the default TCP endpoint the server binds to.
	DefaultListen = ":9000"
	// DefaultListenProto controls the network used when none is configured.
	DefaultListenProto = "tcp"
	// DefaultDataDir holds snapshots, blob files and the lock file.
	DefaultDataDir = "./data"
	// DefaultMetricsListen is the default Prometheus scrape endpoint (empty disables).
	DefaultMetricsListen = ""
	// DefaultPprofListen is the default pprof debug listener (empty disables).
	DefaultPprofListen = ""
	// DefaultStateSaveDelay is the debounce window for states.json.
	DefaultStateSaveDelay = engine.DefaultStateSaveDelay
	// DefaultConfigSaveDelay is the debounce window for objects.json.
	DefaultConfigSaveDelay = engine.DefaultConfigSaveDelay
	// DefaultExpiryInterval is the TTL tick period.
	DefaultExpiryInterval = engine.DefaultExpiryInterval
	// DefaultOutboxSize bounds queued notifications per event stream.
	DefaultOutboxSize = 1024
	// DefaultMaxCallBytes bounds the JSON argument array of one call.
	DefaultMaxCallBytes = int64(64 << 20)
	// DefaultHTTP2MaxConcurrentStreams caps concurrent HTTP/2 streams per connection.
	DefaultHTTP2MaxConcurrentStreams = 250
	// DefaultShutdownTimeout bounds graceful shutdown.
	DefaultShutdownTimeout = 10 * time.Second
)

// LocalSubscription gates the process-local change callback.
type LocalSubscription = engine.LocalSubscription

// Notification is delivered to Config.OnChange.
type Notification = engine.Notification

// Config captures the tunables for a statebus server.
type Config struct {
	// DataDir is the snapshot directory. Set it to "-" to run without
	// persistence.
	DataDir     string
	Listen      string
	ListenProto string

	// Secure serves TLS using CertFile and KeyFile.
	Secure   bool
	CertFile string
	KeyFile  string

	// Auth requires HTTP Basic credentials from AuthUsers (user → password).
	Auth      bool
	AuthUsers map[string]string

	StateSaveDelay  time.Duration
	ConfigSaveDelay time.Duration
	ExpiryInterval  time.Duration
	OutboxSize      int
	MaxCallBytes    int64

	MetricsListen          string
	PprofListen            string
	EnableProfilingMetrics bool
	OTLPEndpoint           string

	// MirrorURL uploads every saved snapshot to an S3 compatible bucket,
	// e.g. s3://minio:9000/statebus/node-a?insecure=true.
	MirrorURL string
	// WatchDataDir re-arms a save when a snapshot is removed behind our back.
	WatchDataDir bool

	HTTP2MaxConcurrentStreams int
	ShutdownTimeout           time.Duration

	// OnChange receives process-local change notifications gated by
	// LocalSubscriptions.
	OnChange           func(Notification)
	LocalSubscriptions []LocalSubscription
}

// Validate applies defaults and checks the configuration.
func (c *Config) Validate() error {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.ListenProto == "" {
		c.ListenProto = DefaultListenProto
	}
	switch c.ListenProto {
	case "tcp", "tcp4", "tcp6", "unix":
	default:
		return fmt.Errorf("config: unsupported listen proto %q", c.ListenProto)
	}
	switch strings.TrimSpace(c.DataDir) {
	case "":
		c.DataDir = DefaultDataDir
	case "-":
		c.DataDir = "-"
	default:
		c.DataDir = filepath.Clean(c.DataDir)
	}
	if c.Secure {
		if c.CertFile == "" || c.KeyFile == "" {
			return fmt.Errorf("config: secure mode requires cert and key files")
		}
	}
	if c.Auth && len(c.AuthUsers) == 0 {
		return fmt.Errorf("config: auth enabled without users")
	}
	if c.StateSaveDelay <= 0 {
		c.StateSaveDelay = DefaultStateSaveDelay
	}
	if c.ConfigSaveDelay <= 0 {
		c.ConfigSaveDelay = DefaultConfigSaveDelay
	}
	if c.ExpiryInterval <= 0 {
		c.ExpiryInterval = DefaultExpiryInterval
	}
	if c.OutboxSize <= 0 {
		c.OutboxSize = DefaultOutboxSize
	}
	if c.MaxCallBytes <= 0 {
		c.MaxCallBytes = DefaultMaxCallBytes
	}
	if c.HTTP2MaxConcurrentStreams <= 0 {
		c.HTTP2MaxConcurrentStreams = DefaultHTTP2MaxConcurrentStreams
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	if c.MirrorURL != "" {
		if c.persistent() == "" {
			return fmt.Errorf("config: mirror requires a data dir")
		}
		if _, err := persist.ParseMirrorURL(c.MirrorURL); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}
	for i, sub := range c.LocalSubscriptions {
		if !sub.Kind.Valid() {
			return fmt.Errorf("config: local subscription %d: unknown kind %q", i, sub.Kind)
		}
	}
	return nil
}

// persistent returns the data dir handed to the engine; empty disables
// persistence.
func (c *Config) persistent() string {
	if c.DataDir == "-" {
		return ""
	}
	return c.DataDir
}
