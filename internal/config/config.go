package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Service   ServiceConfig   `koanf:"service"`
	Websocket WebsocketConfig `koanf:"websocket"`
	Postgres  PostgresConfig  `koanf:"postgres"`
	Backfill  BackfillConfig  `koanf:"backfill"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

type ServiceConfig struct {
	InstanceID             string `koanf:"instance_id"`
	HTTPListen             string `koanf:"http_listen"`
	LogLevel               string `koanf:"log_level"`
	ShutdownTimeoutSeconds int    `koanf:"shutdown_timeout_seconds"`
}

type WebsocketConfig struct {
	Hosts        []string `koanf:"hosts"`
	RootCertPath string   `koanf:"root_cert_path"`
	WorkerCount  int      `koanf:"worker_count"`
	QueueSize    int      `koanf:"queue_size"`
}

type PostgresConfig struct {
	DSN      string `koanf:"dsn"`
	MaxConns int32  `koanf:"max_conns"`
	MinConns int32  `koanf:"min_conns"`
}

type BackfillConfig struct {
	QueueSize                      int           `koanf:"queue_size"`
	StageConcurrency               int           `koanf:"stage_concurrency"`
	DownloadConcurrencyMultiplier  int           `koanf:"download_concurrency_multiplier"`
	StageTimeout                   time.Duration `koanf:"stage_timeout"`
	DiscoveryBatchSize             int           `koanf:"discovery_batch_size"`
	DiscoveryCaughtUpBackoff       time.Duration `koanf:"discovery_caught_up_backoff"`
}

type TelemetryConfig struct {
	Enabled bool `koanf:"enabled"`
}

func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	// Overlay environment variables: ATP_INDEXER_WEBSOCKET__HOSTS → websocket.hosts
	if err := k.Load(env.Provider("ATP_INDEXER_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "ATP_INDEXER_")
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "__", ".")
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env config: %w", err)
	}

	cfg := &Config{
		Service: ServiceConfig{
			InstanceID:             "firehose-indexer-1",
			HTTPListen:             ":8080",
			LogLevel:               "info",
			ShutdownTimeoutSeconds: 30,
		},
		Websocket: WebsocketConfig{
			QueueSize: 1024,
		},
		Postgres: PostgresConfig{
			MaxConns: 20,
			MinConns: 2,
		},
		Backfill: BackfillConfig{
			QueueSize:                     10,
			DownloadConcurrencyMultiplier: 4,
			StageTimeout:                  30 * time.Second,
			DiscoveryBatchSize:            10000,
			DiscoveryCaughtUpBackoff:      5 * time.Second,
		},
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Split comma-separated env strings for slice fields.
	if len(cfg.Websocket.Hosts) == 1 && strings.Contains(cfg.Websocket.Hosts[0], ",") {
		cfg.Websocket.Hosts = strings.Split(cfg.Websocket.Hosts[0], ",")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if len(c.Websocket.Hosts) == 0 {
		return fmt.Errorf("config: websocket.hosts is required")
	}
	if c.Websocket.RootCertPath == "" {
		return fmt.Errorf("config: websocket.root_cert_path is required")
	}
	if c.Websocket.WorkerCount < 0 {
		return fmt.Errorf("config: websocket.worker_count must be >= 0 (got %d)", c.Websocket.WorkerCount)
	}
	if c.Websocket.QueueSize <= 0 {
		return fmt.Errorf("config: websocket.queue_size must be > 0 (got %d)", c.Websocket.QueueSize)
	}
	if c.Postgres.DSN == "" {
		return fmt.Errorf("config: postgres.dsn is required")
	}
	if c.Postgres.MaxConns <= 0 {
		return fmt.Errorf("config: postgres.max_conns must be > 0 (got %d)", c.Postgres.MaxConns)
	}
	if c.Postgres.MinConns < 0 {
		return fmt.Errorf("config: postgres.min_conns must be >= 0 (got %d)", c.Postgres.MinConns)
	}
	if c.Backfill.QueueSize <= 0 {
		return fmt.Errorf("config: backfill.queue_size must be > 0 (got %d)", c.Backfill.QueueSize)
	}
	if c.Backfill.StageConcurrency < 0 {
		return fmt.Errorf("config: backfill.stage_concurrency must be >= 0 (got %d)", c.Backfill.StageConcurrency)
	}
	if c.Backfill.DownloadConcurrencyMultiplier <= 0 {
		return fmt.Errorf("config: backfill.download_concurrency_multiplier must be > 0 (got %d)", c.Backfill.DownloadConcurrencyMultiplier)
	}
	if c.Backfill.StageTimeout <= 0 {
		return fmt.Errorf("config: backfill.stage_timeout must be > 0 (got %s)", c.Backfill.StageTimeout)
	}
	if c.Backfill.DiscoveryBatchSize <= 0 {
		return fmt.Errorf("config: backfill.discovery_batch_size must be > 0 (got %d)", c.Backfill.DiscoveryBatchSize)
	}
	if c.Service.ShutdownTimeoutSeconds <= 0 {
		return fmt.Errorf("config: service.shutdown_timeout_seconds must be > 0 (got %d)", c.Service.ShutdownTimeoutSeconds)
	}
	return nil
}

// BuildTLSConfig builds a *tls.Config whose root store contains exactly the
// certificate at RootCertPath, per the consumer's pinned-root contract.
func (w *WebsocketConfig) BuildTLSConfig() (*tls.Config, error) {
	caPEM, err := os.ReadFile(w.RootCertPath)
	if err != nil {
		return nil, fmt.Errorf("reading root certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("failed to parse root certificate")
	}
	return &tls.Config{RootCAs: pool}, nil
}
