package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Pump.Password != -1 {
		t.Errorf("Pump.Password = %d, want -1", cfg.Pump.Password)
	}
	if cfg.Pump.Transport != "serial" {
		t.Errorf("Pump.Transport = %q, want %q", cfg.Pump.Transport, "serial")
	}
	if cfg.Pump.DailyLimitWarning != 0.95 {
		t.Errorf("Pump.DailyLimitWarning = %v, want 0.95", cfg.Pump.DailyLimitWarning)
	}
	if cfg.Timing.ReplyTimeout != 5*time.Second {
		t.Errorf("Timing.ReplyTimeout = %v, want 5s", cfg.Timing.ReplyTimeout)
	}
	if cfg.Timing.BolusWatchdog != 15*time.Second {
		t.Errorf("Timing.BolusWatchdog = %v, want 15s", cfg.Timing.BolusWatchdog)
	}
	if cfg.Timing.SettleDelay != 500*time.Millisecond {
		t.Errorf("Timing.SettleDelay = %v, want 500ms", cfg.Timing.SettleDelay)
	}
	if cfg.HTTP.Listen != ":5000" {
		t.Errorf("HTTP.Listen = %q, want %q", cfg.HTTP.Listen, ":5000")
	}
	if cfg.NATS.Subject != "dana.pump.events" {
		t.Errorf("NATS.Subject = %q, want %q", cfg.NATS.Subject, "dana.pump.events")
	}
}

func TestLoad(t *testing.T) {
	yamlContent := `
pump:
  name: PBB00012AB
  password: 1234
  transport: ble
  bolus_speed: 2
timing:
  reply_timeout: 3s
  settle_delay: 250ms
store:
  path: /var/lib/dana/pump.db
log:
  level: debug
`
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Pump.Name != "PBB00012AB" {
		t.Errorf("Pump.Name = %q, want %q", cfg.Pump.Name, "PBB00012AB")
	}
	if cfg.Pump.Password != 1234 {
		t.Errorf("Pump.Password = %d, want 1234", cfg.Pump.Password)
	}
	if cfg.Pump.Transport != "ble" {
		t.Errorf("Pump.Transport = %q, want %q", cfg.Pump.Transport, "ble")
	}
	if cfg.Pump.BolusSpeed != 2 {
		t.Errorf("Pump.BolusSpeed = %d, want 2", cfg.Pump.BolusSpeed)
	}
	if cfg.Timing.ReplyTimeout != 3*time.Second {
		t.Errorf("Timing.ReplyTimeout = %v, want 3s", cfg.Timing.ReplyTimeout)
	}
	if cfg.Timing.SettleDelay != 250*time.Millisecond {
		t.Errorf("Timing.SettleDelay = %v, want 250ms", cfg.Timing.SettleDelay)
	}
	if cfg.Store.Path != "/var/lib/dana/pump.db" {
		t.Errorf("Store.Path = %q, want %q", cfg.Store.Path, "/var/lib/dana/pump.db")
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "debug")
	}

	// Fields absent from the file keep their defaults
	if cfg.Timing.BolusWatchdog != 15*time.Second {
		t.Errorf("Timing.BolusWatchdog = %v, want default 15s", cfg.Timing.BolusWatchdog)
	}
	if cfg.HTTP.Listen != ":5000" {
		t.Errorf("HTTP.Listen = %q, want default %q", cfg.HTTP.Listen, ":5000")
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("Load() expected error for missing file")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("pump: [unterminated"), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	_, err := Load(cfgPath)
	if err == nil {
		t.Fatal("Load() expected error for invalid YAML")
	}
	if !strings.Contains(err.Error(), "parsing config file") {
		t.Errorf("Load() error = %v, want parsing error", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{
			name:   "valid",
			modify: func(c *Config) {},
		},
		{
			name:    "missing name",
			modify:  func(c *Config) { c.Pump.Name = "" },
			wantErr: "pump.name",
		},
		{
			name:    "unknown transport",
			modify:  func(c *Config) { c.Pump.Transport = "usb" },
			wantErr: "pump.transport",
		},
		{
			name:    "serial without port",
			modify:  func(c *Config) { c.Pump.SerialPort = "" },
			wantErr: "pump.serial_port",
		},
		{
			name:   "ble without port",
			modify: func(c *Config) { c.Pump.Transport = "ble"; c.Pump.SerialPort = "" },
		},
		{
			name:    "bolus speed out of range",
			modify:  func(c *Config) { c.Pump.BolusSpeed = 3 },
			wantErr: "pump.bolus_speed",
		},
		{
			name:    "daily limit above one",
			modify:  func(c *Config) { c.Pump.DailyLimitWarning = 1.5 },
			wantErr: "pump.daily_limit_warning",
		},
		{
			name:    "zero reply timeout",
			modify:  func(c *Config) { c.Timing.ReplyTimeout = 0 },
			wantErr: "timing.reply_timeout",
		},
		{
			name:    "nats without subject",
			modify:  func(c *Config) { c.NATS.URL = "nats://localhost:4222"; c.NATS.Subject = "" },
			wantErr: "nats.subject",
		},
		{
			name:    "bad log level",
			modify:  func(c *Config) { c.Log.Level = "verbose" },
			wantErr: "log.level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Pump.Name = "PBB00012AB"
			tt.modify(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() error = nil, want error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}
