package config_test

import (
	"testing"
	"time"

	"github.com/opprud/TestRigInstrumentation/internal/adapter/config"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.HTTP.Port != 8080 {
		t.Errorf("http port = %d, want 8080", cfg.HTTP.Port)
	}
	if cfg.Modbus.BaudRate != 9600 {
		t.Errorf("modbus baud = %d, want 9600", cfg.Modbus.BaudRate)
	}
	if cfg.Modbus.Parity != "N" {
		t.Errorf("modbus parity = %q, want N", cfg.Modbus.Parity)
	}
	if cfg.Temperature.UnitID != 2 {
		t.Errorf("temperature unit = %d, want 2", cfg.Temperature.UnitID)
	}
	if cfg.VFD.SlaveID != 3 {
		t.Errorf("vfd slave = %d, want 3", cfg.VFD.SlaveID)
	}
	if cfg.RP2040.BaudRate != 115200 {
		t.Errorf("rp2040 baud = %d, want 115200", cfg.RP2040.BaudRate)
	}
	if cfg.Scope.Port != 5025 {
		t.Errorf("scope port = %d, want 5025", cfg.Scope.Port)
	}
	if cfg.Telemetry.Interval != time.Second {
		t.Errorf("telemetry interval = %v, want 1s", cfg.Telemetry.Interval)
	}
	if !cfg.Storage.WALMode {
		t.Error("storage WAL mode should default on")
	}
	if cfg.MQTT.Enabled {
		t.Error("mqtt should default off")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("TESTRIG_MODBUS_PORT", "/dev/ttyUSB7")
	t.Setenv("TESTRIG_SCOPE_HOST", "10.0.0.42")
	t.Setenv("TESTRIG_LOG_LEVEL", "debug")
	t.Setenv("TESTRIG_HTTP_PORT", "9090")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Modbus.Port != "/dev/ttyUSB7" {
		t.Errorf("modbus port = %q, want /dev/ttyUSB7", cfg.Modbus.Port)
	}
	if cfg.Scope.Host != "10.0.0.42" {
		t.Errorf("scope host = %q, want 10.0.0.42", cfg.Scope.Host)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("log level = %q, want debug", cfg.Logging.Level)
	}
	if cfg.HTTP.Port != 9090 {
		t.Errorf("http port = %d, want 9090", cfg.HTTP.Port)
	}
}

func TestLoadBogusSerialPortIsNotAnError(t *testing.T) {
	// A nonexistent device path is a runtime concern: the line supervisor
	// reports it as a connection failure on first use.
	t.Setenv("TESTRIG_MODBUS_PORT", "/dev/does-not-exist")

	if _, err := config.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *config.Config {
		cfg, err := config.Load()
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr bool
	}{
		{"defaults", func(*config.Config) {}, false},
		{"bad http port", func(c *config.Config) { c.HTTP.Port = 0 }, true},
		{"bad baud", func(c *config.Config) { c.Modbus.BaudRate = -1 }, true},
		{"bad parity", func(c *config.Config) { c.Modbus.Parity = "X" }, true},
		{"lowercase parity ok", func(c *config.Config) { c.Modbus.Parity = "e" }, false},
		{"zero temperature unit", func(c *config.Config) { c.Temperature.UnitID = 0 }, true},
		{"zero vfd slave", func(c *config.Config) { c.VFD.SlaveID = 0 }, true},
		{"auth without key", func(c *config.Config) { c.API.AuthEnabled = true }, true},
		{"mqtt without broker", func(c *config.Config) {
			c.MQTT.Enabled = true
			c.MQTT.BrokerURL = ""
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
