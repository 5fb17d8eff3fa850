// Package config loads node configuration. Values come from defaults, then an
// optional YAML file, then KV_* environment variables, then command-line
// flags, each layer overriding the previous one.
package config

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/myuser/chronokv/internal/logging"
)

// Backend types.
const (
	BackendMemory    = "memory"
	BackendSQLite    = "sqlite"
	BackendJetStream = "jetstream"
	BackendRaft      = "raft"
)

// Duration is a time.Duration written as a string ("5s", "250ms") in YAML.
type Duration time.Duration

// UnmarshalYAML parses the duration string.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML writes the duration back as a string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

type HTTPConfig struct {
	Addr              string   `yaml:"addr"`
	ReadHeaderTimeout Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   Duration `yaml:"shutdown_timeout"`
}

type SQLiteConfig struct {
	Path string `yaml:"path"`
}

type JetStreamConfig struct {
	URL            string   `yaml:"url"`
	Bucket         string   `yaml:"bucket"`
	Replicas       int      `yaml:"replicas"`
	ConnectTimeout Duration `yaml:"connect_timeout"`
}

type RaftConfig struct {
	ID            uint64            `yaml:"id"`
	Peers         map[uint64]string `yaml:"peers"`
	WALDir        string            `yaml:"wal_dir"`
	Tick          Duration          `yaml:"tick"`
	SnapshotEvery uint64            `yaml:"snapshot_every"`
}

// WALPath is the log file of this node inside WALDir.
func (r RaftConfig) WALPath() string {
	return filepath.Join(r.WALDir, fmt.Sprintf("node-%d.wal", r.ID))
}

type EngineConfig struct {
	OpTimeout Duration `yaml:"op_timeout"`
}

// RateLimitConfig configures the token bucket in front of the API. An RPS of
// zero disables limiting.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the complete node configuration.
type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	Backend   string          `yaml:"backend"`
	SQLite    SQLiteConfig    `yaml:"sqlite"`
	JetStream JetStreamConfig `yaml:"jetstream"`
	Raft      RaftConfig      `yaml:"raft"`
	Engine    EngineConfig    `yaml:"engine"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Log       LogConfig       `yaml:"log"`
}

// Default returns a configuration for a single in-memory node on :8080.
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Addr:              ":8080",
			ReadHeaderTimeout: Duration(5 * time.Second),
			ShutdownTimeout:   Duration(10 * time.Second),
		},
		Backend: BackendMemory,
		SQLite:  SQLiteConfig{Path: "data/kv_store.db"},
		JetStream: JetStreamConfig{
			URL:            "nats://127.0.0.1:4222",
			Bucket:         "kv_store",
			Replicas:       1,
			ConnectTimeout: Duration(5 * time.Second),
		},
		Raft: RaftConfig{
			ID:            1,
			WALDir:        "data/raft",
			Tick:          Duration(100 * time.Millisecond),
			SnapshotEvery: 1000,
		},
		Engine:    EngineConfig{OpTimeout: Duration(5 * time.Second)},
		RateLimit: RateLimitConfig{},
		Log:       LogConfig{Level: "info", Format: "json"},
	}
}

// LoadFile overlays the YAML file at path onto cfg. Unknown fields are errors.
func LoadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays KV_* variables found through lookup.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if v, ok := lookup("KV_HTTP_ADDR"); ok && v != "" {
		cfg.HTTP.Addr = v
	}
	if v, ok := lookup("KV_BACKEND"); ok && v != "" {
		cfg.Backend = strings.ToLower(v)
	}
	if v, ok := lookup("KV_SQLITE_PATH"); ok && v != "" {
		cfg.SQLite.Path = v
	}
	if v, ok := lookup("KV_NATS_URL"); ok && v != "" {
		cfg.JetStream.URL = v
	}
}

// ParsePeers reads a cluster list of the form "1=http://a:9001,2=http://b:9001".
func ParsePeers(s string) (map[uint64]string, error) {
	peers := make(map[uint64]string)
	if strings.TrimSpace(s) == "" {
		return peers, nil
	}
	for _, part := range strings.Split(s, ",") {
		id, url, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || url == "" {
			return nil, fmt.Errorf("peer %q: want id=url", part)
		}
		pid, err := strconv.ParseUint(id, 10, 64)
		if err != nil || pid == 0 {
			return nil, fmt.Errorf("peer %q: invalid id", part)
		}
		peers[pid] = url
	}
	return peers, nil
}

// FormatPeers is the inverse of ParsePeers, ordered by id.
func FormatPeers(peers map[uint64]string) string {
	ids := make([]uint64, 0, len(peers))
	for id := range peers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("%d=%s", id, peers[id])
	}
	return strings.Join(parts, ",")
}

// Load builds a Config from args (without the program name) and the
// environment lookup.
func Load(args []string, lookup func(string) (string, bool)) (*Config, error) {
	fs := flag.NewFlagSet("kv-node", flag.ContinueOnError)
	var (
		path       = fs.String("config", "", "YAML config file")
		addr       = fs.String("addr", "", "HTTP listen address")
		backend    = fs.String("backend", "", "storage backend: memory|sqlite|jetstream|raft")
		sqlitePath = fs.String("sqlite-path", "", "SQLite database file")
		natsURL    = fs.String("nats-url", "", "NATS server URL")
		raftID     = fs.Uint64("id", 0, "raft node ID")
		cluster    = fs.String("cluster", "", "raft peers, id=url comma separated")
		walDir     = fs.String("wal-dir", "", "raft WAL directory")
		logLevel   = fs.String("log-level", "", "debug|info|warn|error")
		logFormat  = fs.String("log-format", "", "json|text")
	)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := Default()
	if *path != "" {
		if err := LoadFile(cfg, *path); err != nil {
			return nil, err
		}
	}
	ApplyEnv(cfg, lookup)

	var flagErr error
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "addr":
			cfg.HTTP.Addr = *addr
		case "backend":
			cfg.Backend = strings.ToLower(*backend)
		case "sqlite-path":
			cfg.SQLite.Path = *sqlitePath
		case "nats-url":
			cfg.JetStream.URL = *natsURL
		case "id":
			cfg.Raft.ID = *raftID
		case "cluster":
			peers, err := ParsePeers(*cluster)
			if err != nil {
				flagErr = err
				return
			}
			cfg.Raft.Peers = peers
		case "wal-dir":
			cfg.Raft.WALDir = *walDir
		case "log-level":
			cfg.Log.Level = *logLevel
		case "log-format":
			cfg.Log.Format = *logFormat
		}
	})
	if flagErr != nil {
		return nil, flagErr
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first setting that cannot start a node.
func (c *Config) Validate() error {
	if c.HTTP.Addr == "" {
		return errors.New("http.addr is required")
	}
	if c.Engine.OpTimeout < 0 {
		return errors.New("engine.op_timeout must not be negative")
	}

	switch c.Backend {
	case BackendMemory:
	case BackendSQLite:
		if c.SQLite.Path == "" {
			return errors.New("sqlite.path is required for the sqlite backend")
		}
	case BackendJetStream:
		if c.JetStream.URL == "" {
			return errors.New("jetstream.url is required for the jetstream backend")
		}
		if c.JetStream.Replicas < 0 {
			return errors.New("jetstream.replicas must not be negative")
		}
	case BackendRaft:
		if c.Raft.ID == 0 {
			return errors.New("raft.id must be positive")
		}
		if c.Raft.WALDir == "" {
			return errors.New("raft.wal_dir is required for the raft backend")
		}
		if len(c.Raft.Peers) > 0 {
			if _, ok := c.Raft.Peers[c.Raft.ID]; !ok {
				return fmt.Errorf("raft.peers does not contain node %d", c.Raft.ID)
			}
		}
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}

	if c.RateLimit.RPS < 0 || c.RateLimit.Burst < 0 {
		return errors.New("ratelimit values must not be negative")
	}
	if c.RateLimit.RPS > 0 && c.RateLimit.Burst == 0 {
		return errors.New("ratelimit.burst must be set when ratelimit.rps is")
	}

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	switch strings.ToLower(c.Log.Format) {
	case logging.FormatJSON, logging.FormatText:
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	return nil
}
