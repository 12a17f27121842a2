package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Config carries the partition server settings.
type Config struct {
	NodeName   string `toml:"node-name"`
	ListenAddr string `toml:"listen-addr"` // Address the metrics endpoint binds to.
	LogLevel   string `toml:"log-level"`

	DBPath string `toml:"db-path"` // Directory to store the data in. Should exist and be writable.

	TableID     uint32 `toml:"table-id"`
	PartitionID uint32 `toml:"partition-id"`

	// Interval between safe-time sync commands on an idle partition.
	SafeTimeSyncInterval time.Duration `toml:"safe-time-sync-interval"`
	// Duration of a primary lease handed out by the placement driver.
	LeaseDuration time.Duration `toml:"lease-duration"`
	// Default number of rows per scan batch.
	ScanBatchSize int `toml:"scan-batch-size"`
}

func (c *Config) Validate() error {
	if c.NodeName == "" {
		return fmt.Errorf("node name must not be empty")
	}
	if c.SafeTimeSyncInterval <= 0 {
		return fmt.Errorf("safe time sync interval must be positive")
	}
	if c.LeaseDuration <= c.SafeTimeSyncInterval {
		return fmt.Errorf("lease duration must exceed the safe time sync interval")
	}
	if c.ScanBatchSize <= 0 {
		return fmt.Errorf("scan batch size must be positive")
	}
	return nil
}

func getLogLevel() (logLevel string) {
	logLevel = "info"
	if l := os.Getenv("LOG_LEVEL"); len(l) != 0 {
		logLevel = l
	}
	return
}

func NewDefaultConfig() *Config {
	return &Config{
		NodeName:             "node-1",
		ListenAddr:           "127.0.0.1:20800",
		LogLevel:             getLogLevel(),
		DBPath:               "/tmp/partition",
		TableID:              1,
		PartitionID:          0,
		SafeTimeSyncInterval: 500 * time.Millisecond,
		LeaseDuration:        10 * time.Second,
		ScanBatchSize:        100,
	}
}

func NewTestConfig() *Config {
	return &Config{
		NodeName:             "node-1",
		LogLevel:             getLogLevel(),
		DBPath:               "/tmp/partition-test",
		TableID:              1,
		PartitionID:          0,
		SafeTimeSyncInterval: 50 * time.Millisecond,
		LeaseDuration:        time.Second,
		ScanBatchSize:        10,
	}
}

// FromFile overlays a TOML file onto the defaults.
func FromFile(path string) (*Config, error) {
	c := NewDefaultConfig()
	if _, err := toml.DecodeFile(path, c); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}
