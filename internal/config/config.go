package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Port         int    `env:"PORT" envDefault:"8080"`
	ObserverPort int    `env:"OBSERVER_PORT" envDefault:"8081"`
	SetupPort    int    `env:"SETUP_PORT" envDefault:"8082"`
	LogLevel     string `env:"LOG_LEVEL" envDefault:"info"`

	APIHosts []string `env:"API_HOSTS" envDefault:"api.anthropic.com,api.claude.ai" envSeparator:","`
	APIPath  string   `env:"API_PATH" envDefault:"/v1/messages"`

	CADir        string `env:"CA_DIR"`
	NATSStoreDir string `env:"NATS_STORE_DIR"`

	HistoryMaxAge  time.Duration `env:"HISTORY_MAX_AGE" envDefault:"24h"`
	HistoryMaxMsgs int64         `env:"HISTORY_MAX_MSGS" envDefault:"100000"`
	ArchiveLimit   int           `env:"ARCHIVE_LIMIT" envDefault:"500"`
	StaleAfter     time.Duration `env:"STALE_AFTER" envDefault:"10m"`
	SweepSchedule  string        `env:"SWEEP_SCHEDULE" envDefault:"@every 1m"`

	BroadcastBufferSize int `env:"BROADCAST_BUFFER_SIZE" envDefault:"10000"`
	BroadcastBatchSize  int `env:"BROADCAST_BATCH_SIZE" envDefault:"100"`
	BroadcastFlushMs    int `env:"BROADCAST_FLUSH_MS" envDefault:"50"`
	ObserverBuffer      int `env:"OBSERVER_BUFFER" envDefault:"4096"`

	RedactHeaders bool `env:"REDACT_HEADERS" envDefault:"true"`
}

func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	if cfg.CADir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve CA_DIR: %w", err)
		}
		cfg.CADir = filepath.Join(home, ".claude-wiretap")
	}
	if cfg.NATSStoreDir == "" {
		cfg.NATSStoreDir = filepath.Join(os.TempDir(), "wiretap-nats")
	}
	return cfg, nil
}

func (c *Config) FlushInterval() time.Duration {
	return time.Duration(c.BroadcastFlushMs) * time.Millisecond
}
