package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/pv/cgmrig/internal/calibration"
	"github.com/pv/cgmrig/internal/reconcile"
	"github.com/pv/cgmrig/internal/scheduler"
	"github.com/pv/cgmrig/internal/worker"
)

type StorageType string

const (
	StorageMemory StorageType = "memory"
	StorageSQLite StorageType = "sqlite"
)

// Config is the daemon configuration.
type Config struct {
	Transmitter TransmitterConfig   `yaml:"transmitter"`
	Storage     StorageConfig       `yaml:"storage"`
	Nightscout  NightscoutConfig    `yaml:"nightscout"`
	Sync        SyncConfig          `yaml:"sync"`
	Calibration calibration.Options `yaml:"calibration"`
	HTTP        HTTPConfig          `yaml:"http"`
	MQTT        MQTTConfig          `yaml:"mqtt"`
	Logging     LoggingConfig       `yaml:"logging"`
}

// TransmitterConfig describes the session process. "{id}" in arguments is
// replaced with the transmitter id.
type TransmitterConfig struct {
	ID            string        `yaml:"id"`
	Command       string        `yaml:"command"`
	Args          []string      `yaml:"args"`
	Watchdog      time.Duration `yaml:"watchdog"`
	Backoff       time.Duration `yaml:"backoff"`
	UnpairCommand string        `yaml:"unpair_command"`
	UnpairArgs    []string      `yaml:"unpair_args"`
}

type StorageConfig struct {
	Type       StorageType `yaml:"type"`
	SQLitePath string      `yaml:"sqlite_path"`
}

// NightscoutConfig points at the remote diary. An empty URL disables
// uploads and reconciliation.
type NightscoutConfig struct {
	URL       string        `yaml:"url"`
	APISecret string        `yaml:"api_secret"`
	Timeout   time.Duration `yaml:"timeout"`
}

type SyncConfig struct {
	Interval      time.Duration `yaml:"interval"`
	TaskTimeout   time.Duration `yaml:"task_timeout"`
	ReadingLimit  int           `yaml:"reading_limit"`
	BGCheckWindow time.Duration `yaml:"bg_check_window"`
}

type HTTPConfig struct {
	Port          int      `yaml:"port"`
	ControlTokens []string `yaml:"control_tokens"`
}

type MQTTConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Broker       string `yaml:"broker"`
	Topic        string `yaml:"topic"`
	ClientPrefix string `yaml:"client_prefix"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	QoS          byte   `yaml:"qos"`
	Retain       bool   `yaml:"retain"`
}

type LoggingConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

// Default returns a configuration with every optional value filled in.
func Default() *Config {
	rec := reconcile.DefaultOptions()
	return &Config{
		Transmitter: TransmitterConfig{
			Watchdog: worker.DefaultWatchdog,
			Backoff:  worker.DefaultBackoff,
		},
		Storage: StorageConfig{
			Type:       StorageMemory,
			SQLitePath: "./cgmrig.db",
		},
		Nightscout: NightscoutConfig{
			Timeout: 30 * time.Second,
		},
		Sync: SyncConfig{
			Interval:      scheduler.DefaultInterval,
			TaskTimeout:   scheduler.DefaultTaskTimeout,
			ReadingLimit:  rec.ReadingLimit,
			BGCheckWindow: rec.BGCheckWindow,
		},
		Calibration: calibration.DefaultOptions(),
		HTTP:        HTTPConfig{Port: 8000},
		MQTT: MQTTConfig{
			Topic:        "cgmrig",
			ClientPrefix: "cgmrig",
		},
		Logging: LoggingConfig{
			Format: "text",
			Level:  "info",
		},
	}
}

// Validate checks the configuration for values the daemon cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.Transmitter.Command == "" {
		errs = append(errs, errors.New("transmitter.command is required"))
	}
	if c.Transmitter.Watchdog <= 0 {
		errs = append(errs, errors.New("transmitter.watchdog must be positive"))
	}
	if c.Transmitter.Backoff <= 0 {
		errs = append(errs, errors.New("transmitter.backoff must be positive"))
	}

	switch c.Storage.Type {
	case StorageMemory:
	case StorageSQLite:
		if c.Storage.SQLitePath == "" {
			errs = append(errs, errors.New("storage.sqlite_path is required for sqlite storage"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.type %q: must be memory or sqlite", c.Storage.Type))
	}

	if c.Nightscout.URL != "" {
		u, err := url.Parse(c.Nightscout.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("nightscout.url %q is not an absolute URL", c.Nightscout.URL))
		}
	}

	if c.Sync.Interval <= 0 {
		errs = append(errs, errors.New("sync.interval must be positive"))
	}
	if c.Sync.TaskTimeout <= 0 || c.Sync.TaskTimeout > c.Sync.Interval {
		errs = append(errs, errors.New("sync.task_timeout must be positive and no longer than sync.interval"))
	}

	if c.Calibration.MinLSRPairs < 2 {
		errs = append(errs, errors.New("calibration.min_lsr_pairs must be at least 2"))
	}
	if c.Calibration.MaxLSRPairs < c.Calibration.MinLSRPairs {
		errs = append(errs, errors.New("calibration.max_lsr_pairs must not be below min_lsr_pairs"))
	}
	if c.Calibration.MaxLSRPairsAge < 0 {
		errs = append(errs, errors.New("calibration.max_lsr_pairs_age must not be negative"))
	}

	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("http.port %d out of range", c.HTTP.Port))
	}

	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			errs = append(errs, errors.New("mqtt.broker is required when mqtt is enabled"))
		}
		if c.MQTT.QoS > 2 {
			errs = append(errs, fmt.Errorf("mqtt.qos %d: must be 0, 1 or 2", c.MQTT.QoS))
		}
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q: must be text or json", c.Logging.Format))
	}

	return errors.Join(errs...)
}
