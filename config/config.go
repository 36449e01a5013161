package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all daemon configuration.
type Config struct {
	Pump   PumpConfig   `yaml:"pump"`
	Timing TimingConfig `yaml:"timing"`
	HTTP   HTTPConfig   `yaml:"http"`
	Store  StoreConfig  `yaml:"store"`
	NATS   NATSConfig   `yaml:"nats"`
	Log    LogConfig    `yaml:"log"`
}

type PumpConfig struct {
	Name string `yaml:"name"`
	// -1 until the user confirmed the pump password
	Password   int    `yaml:"password"`
	Transport  string `yaml:"transport"` // "serial", "ble" or "sim"
	SerialPort string `yaml:"serial_port"`
	BaudRate   int    `yaml:"baud_rate"`
	// 0: 12 s/U, 1: 30 s/U, 2: 60 s/U
	BolusSpeed        int     `yaml:"bolus_speed"`
	DailyLimitWarning float64 `yaml:"daily_limit_warning"`
	Encrypted         bool    `yaml:"encrypted"`
}

type TimingConfig struct {
	ReplyTimeout    time.Duration `yaml:"reply_timeout"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	SettleDelay     time.Duration `yaml:"settle_delay"`
	BolusWatchdog   time.Duration `yaml:"bolus_watchdog"`
	SettingsMaxAge  time.Duration `yaml:"settings_max_age"`
	MaxTimeSkew     time.Duration `yaml:"max_time_skew"`
	MaxDecodeErrors int           `yaml:"max_decode_errors"`
	ScanTimeout     time.Duration `yaml:"scan_timeout"`
	ChunkInterval   time.Duration `yaml:"chunk_interval"`
}

type HTTPConfig struct {
	Listen    string `yaml:"listen"`
	StaticDir string `yaml:"static_dir"`
}

type StoreConfig struct {
	// SQLite file; empty keeps the pump state in memory only
	Path string `yaml:"path"`
}

type NATSConfig struct {
	// Empty disables publishing
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns a Config with the firmware timing defaults.
func Default() *Config {
	return &Config{
		Pump: PumpConfig{
			Password:          -1,
			Transport:         "serial",
			SerialPort:        "/dev/rfcomm0",
			BaudRate:          115200,
			DailyLimitWarning: 0.95,
		},
		Timing: TimingConfig{
			ReplyTimeout:    5 * time.Second,
			PollInterval:    100 * time.Millisecond,
			SettleDelay:     500 * time.Millisecond,
			BolusWatchdog:   15 * time.Second,
			SettingsMaxAge:  time.Hour,
			MaxTimeSkew:     10 * time.Second,
			MaxDecodeErrors: 10,
			ScanTimeout:     20 * time.Second,
			ChunkInterval:   10 * time.Millisecond,
		},
		HTTP: HTTPConfig{
			Listen: ":5000",
		},
		NATS: NATSConfig{
			Subject: "dana.pump.events",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads and parses a YAML config file over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.Pump.Name == "" {
		return fmt.Errorf("pump.name must not be empty")
	}

	switch c.Pump.Transport {
	case "serial":
		if c.Pump.SerialPort == "" {
			return fmt.Errorf("pump.serial_port must not be empty for the serial transport")
		}
		if c.Pump.BaudRate <= 0 {
			return fmt.Errorf("pump.baud_rate must be > 0")
		}
	case "ble", "sim":
	default:
		return fmt.Errorf("pump.transport must be \"serial\", \"ble\" or \"sim\", got %q", c.Pump.Transport)
	}

	if c.Pump.BolusSpeed < 0 || c.Pump.BolusSpeed > 2 {
		return fmt.Errorf("pump.bolus_speed must be 0, 1 or 2, got %d", c.Pump.BolusSpeed)
	}

	if c.Pump.DailyLimitWarning <= 0 || c.Pump.DailyLimitWarning > 1 {
		return fmt.Errorf("pump.daily_limit_warning must be in (0, 1], got %v", c.Pump.DailyLimitWarning)
	}

	if c.Timing.ReplyTimeout <= 0 {
		return fmt.Errorf("timing.reply_timeout must be > 0")
	}
	if c.Timing.PollInterval <= 0 {
		return fmt.Errorf("timing.poll_interval must be > 0")
	}
	if c.Timing.BolusWatchdog <= 0 {
		return fmt.Errorf("timing.bolus_watchdog must be > 0")
	}
	if c.Timing.MaxDecodeErrors < 0 {
		return fmt.Errorf("timing.max_decode_errors must be >= 0")
	}

	if c.HTTP.Listen == "" {
		return fmt.Errorf("http.listen must not be empty")
	}

	if c.NATS.URL != "" && c.NATS.Subject == "" {
		return fmt.Errorf("nats.subject must not be empty when nats.url is set")
	}

	switch c.Log.Level {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be trace, debug, info, warn, or error, got %q", c.Log.Level)
	}

	return nil
}
