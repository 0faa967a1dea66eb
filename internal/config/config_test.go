package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			InstanceID:             "test",
			HTTPListen:             ":8080",
			LogLevel:               "info",
			ShutdownTimeoutSeconds: 30,
		},
		Websocket: WebsocketConfig{
			Hosts:        []string{"jetstream.example.com"},
			RootCertPath: "/etc/ssl/certs/ca-certificates.crt",
			QueueSize:    1024,
		},
		Postgres: PostgresConfig{
			DSN:      "postgres://localhost/test",
			MaxConns: 10,
			MinConns: 2,
		},
		Backfill: BackfillConfig{
			QueueSize:                     10,
			DownloadConcurrencyMultiplier: 4,
			StageTimeout:                  30 * time.Second,
			DiscoveryBatchSize:            10000,
		},
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got error: %v", err)
	}
}

func TestValidate_NoHosts(t *testing.T) {
	cfg := validConfig()
	cfg.Websocket.Hosts = nil
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty hosts")
	}
}

func TestValidate_NoRootCertPath(t *testing.T) {
	cfg := validConfig()
	cfg.Websocket.RootCertPath = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty root_cert_path")
	}
}

func TestValidate_NegativeWorkerCount(t *testing.T) {
	cfg := validConfig()
	cfg.Websocket.WorkerCount = -1
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for negative worker_count")
	}
}

func TestValidate_NoDSN(t *testing.T) {
	cfg := validConfig()
	cfg.Postgres.DSN = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty DSN")
	}
}

func TestValidate_MaxConnsZero(t *testing.T) {
	cfg := validConfig()
	cfg.Postgres.MaxConns = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for max_conns = 0")
	}
}

func TestValidate_BackfillQueueSizeZero(t *testing.T) {
	cfg := validConfig()
	cfg.Backfill.QueueSize = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for backfill.queue_size = 0")
	}
}

func TestValidate_BackfillStageTimeoutZero(t *testing.T) {
	cfg := validConfig()
	cfg.Backfill.StageTimeout = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for backfill.stage_timeout = 0")
	}
}

func TestValidate_DiscoveryBatchSizeZero(t *testing.T) {
	cfg := validConfig()
	cfg.Backfill.DiscoveryBatchSize = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for backfill.discovery_batch_size = 0")
	}
}

func TestValidate_ShutdownTimeoutZero(t *testing.T) {
	cfg := validConfig()
	cfg.Service.ShutdownTimeoutSeconds = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for shutdown_timeout_seconds = 0")
	}
}

func writeMinimalYAML(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "config.yaml")
	data := `
websocket:
  hosts:
    - "jetstream.example.com"
  root_cert_path: "/etc/ssl/certs/ca-certificates.crt"
postgres:
  dsn: "postgres://localhost/test"
`
	if err := os.WriteFile(p, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoad_EnvOverrideDSN(t *testing.T) {
	p := writeMinimalYAML(t)
	t.Setenv("ATP_INDEXER_POSTGRES__DSN", "postgres://envhost/envdb")

	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Postgres.DSN != "postgres://envhost/envdb" {
		t.Errorf("expected DSN from env, got %q", cfg.Postgres.DSN)
	}
}

func TestLoad_EnvOverrideLogLevel(t *testing.T) {
	p := writeMinimalYAML(t)
	t.Setenv("ATP_INDEXER_SERVICE__LOG_LEVEL", "debug")

	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Service.LogLevel != "debug" {
		t.Errorf("expected log_level 'debug' from env, got %q", cfg.Service.LogLevel)
	}
}

func TestLoad_EnvEmptyRootCertPathFailsValidation(t *testing.T) {
	p := writeMinimalYAML(t)
	t.Setenv("ATP_INDEXER_WEBSOCKET__ROOT_CERT_PATH", "")

	_, err := Load(p)
	if err == nil {
		t.Fatal("expected validation error for empty root_cert_path via env")
	}
}

func TestLoad_EnvCSVHosts(t *testing.T) {
	p := writeMinimalYAML(t)
	t.Setenv("ATP_INDEXER_WEBSOCKET__HOSTS", "host1.example.com,host2.example.com")

	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Websocket.Hosts) != 2 {
		t.Fatalf("expected 2 hosts from CSV env override, got %v", cfg.Websocket.Hosts)
	}
}
