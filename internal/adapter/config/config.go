// Package config loads the rig configuration from YAML files, environment
// variables and defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the test rig service.
type Config struct {
	// Environment is the deployment environment (development, production)
	Environment string `mapstructure:"environment"`

	// HTTP server configuration
	HTTP HTTPConfig `mapstructure:"http"`

	// API configuration (authentication, request limits, CORS)
	API APIConfig `mapstructure:"api"`

	// Modbus shared-line configuration
	Modbus ModbusConfig `mapstructure:"modbus"`

	// Temperature controller (Omron E5CC)
	Temperature TemperatureConfig `mapstructure:"temperature"`

	// VFD (Teco RS510)
	VFD VFDConfig `mapstructure:"vfd"`

	// RP2040 load-cell / tachometer bridge
	RP2040 RP2040Config `mapstructure:"rp2040"`

	// Oscilloscope (SCPI over TCP)
	Scope ScopeConfig `mapstructure:"scope"`

	// Acquisition defaults
	Acquisition AcquisitionConfig `mapstructure:"acquisition"`

	// Telemetry collector
	Telemetry TelemetryConfig `mapstructure:"telemetry"`

	// Sweep/telemetry store
	Storage StorageConfig `mapstructure:"storage"`

	// MQTT publisher
	MQTT MQTTConfig `mapstructure:"mqtt"`

	// Logging configuration
	Logging LoggingConfig `mapstructure:"logging"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// APIConfig holds API security configuration.
type APIConfig struct {
	// AuthEnabled enables API key authentication for mutating endpoints
	AuthEnabled bool `mapstructure:"auth_enabled"`

	// APIKey is the secret required when auth is enabled
	APIKey string `mapstructure:"api_key"`

	// MaxRequestBodySize caps request bodies in bytes
	MaxRequestBodySize int64 `mapstructure:"max_request_body_size"`

	// AllowedOrigins for CORS
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// ModbusConfig holds the shared RS-485 line configuration. The port path
// is not validated here: a bad path surfaces as a connection failure the
// first time a device adapter touches the line.
type ModbusConfig struct {
	Port           string        `mapstructure:"port"`
	BaudRate       int           `mapstructure:"baud_rate"`
	Parity         string        `mapstructure:"parity"`
	DataBits       int           `mapstructure:"data_bits"`
	StopBits       int           `mapstructure:"stop_bits"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelay     time.Duration `mapstructure:"retry_delay"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	HealthInterval time.Duration `mapstructure:"health_interval"`
	Debug          bool          `mapstructure:"debug"`
}

// TemperatureConfig holds the E5CC's addressing.
type TemperatureConfig struct {
	UnitID    byte    `mapstructure:"unit_id"`
	PVAddress uint16  `mapstructure:"pv_address"`
	SVAddress uint16  `mapstructure:"sv_address"`
	Scale     float64 `mapstructure:"scale"`
}

// VFDConfig holds the RS510's addressing.
type VFDConfig struct {
	SlaveID byte `mapstructure:"slave_id"`
}

// RP2040Config holds the bridge board's serial parameters. An empty port
// means "discover at startup".
type RP2040Config struct {
	Port     string        `mapstructure:"port"`
	BaudRate int           `mapstructure:"baud_rate"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// ScopeConfig holds the oscilloscope connection parameters.
type ScopeConfig struct {
	Host        string        `mapstructure:"host"`
	Port        int           `mapstructure:"port"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// AcquisitionChannel names one scope channel to capture.
type AcquisitionChannel struct {
	Source string `mapstructure:"source"`
	Alias  string `mapstructure:"alias"`
}

// AcquisitionConfig holds sweep run defaults.
type AcquisitionConfig struct {
	Channels      []AcquisitionChannel `mapstructure:"channels"`
	Format        string               `mapstructure:"format"`
	Points        int                  `mapstructure:"points"`
	SweepCount    int                  `mapstructure:"sweep_count"`
	SweepInterval time.Duration        `mapstructure:"sweep_interval"`
	TriggerSweep  string               `mapstructure:"trigger_sweep"`
}

// TelemetryConfig holds collector settings.
type TelemetryConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// StorageConfig holds the SQLite store settings.
type StorageConfig struct {
	Path        string `mapstructure:"path"`
	WALMode     bool   `mapstructure:"wal_mode"`
	BusyTimeout int    `mapstructure:"busy_timeout"`
}

// MQTTConfig holds MQTT publisher configuration.
type MQTTConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	BrokerURL      string        `mapstructure:"broker_url"`
	ClientID       string        `mapstructure:"client_id"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	QoS            byte          `mapstructure:"qos"`
	KeepAlive      time.Duration `mapstructure:"keep_alive"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
	BufferSize     int           `mapstructure:"buffer_size"`
	TopicPrefix    string        `mapstructure:"topic_prefix"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
	Output string `mapstructure:"output"` // stdout, stderr, or file path
}

// Load loads configuration from files and environment variables.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/testrig")

	// Config file is optional; defaults and env vars carry a bare setup.
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("TESTRIG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	cfg.Modbus.Parity = strings.ToUpper(cfg.Modbus.Parity)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")

	// HTTP
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", 10*time.Second)
	v.SetDefault("http.write_timeout", 30*time.Second)
	v.SetDefault("http.idle_timeout", 60*time.Second)

	// API security
	v.SetDefault("api.auth_enabled", false)
	v.SetDefault("api.api_key", "")
	v.SetDefault("api.max_request_body_size", 1048576)
	v.SetDefault("api.allowed_origins", []string{})

	// Modbus line
	v.SetDefault("modbus.port", "/dev/ttyUSB0")
	v.SetDefault("modbus.baud_rate", 9600)
	v.SetDefault("modbus.parity", "N")
	v.SetDefault("modbus.data_bits", 8)
	v.SetDefault("modbus.stop_bits", 1)
	v.SetDefault("modbus.timeout", 2*time.Second)
	v.SetDefault("modbus.max_retries", 3)
	v.SetDefault("modbus.retry_delay", 500*time.Millisecond)
	v.SetDefault("modbus.connect_timeout", 5*time.Second)
	v.SetDefault("modbus.health_interval", 10*time.Second)

	// Devices
	v.SetDefault("temperature.unit_id", 2)
	v.SetDefault("temperature.pv_address", 0x2000)
	v.SetDefault("temperature.sv_address", 0x2103)
	v.SetDefault("temperature.scale", 1.0)
	v.SetDefault("vfd.slave_id", 3)

	// RP2040
	v.SetDefault("rp2040.port", "")
	v.SetDefault("rp2040.baud_rate", 115200)
	v.SetDefault("rp2040.timeout", time.Second)

	// Scope
	v.SetDefault("scope.host", "")
	v.SetDefault("scope.port", 5025)
	v.SetDefault("scope.dial_timeout", 5*time.Second)
	v.SetDefault("scope.timeout", 20*time.Second)

	// Acquisition
	v.SetDefault("acquisition.format", "WORD")
	v.SetDefault("acquisition.points", 62500)
	v.SetDefault("acquisition.sweep_count", 1)
	v.SetDefault("acquisition.sweep_interval", time.Second)
	v.SetDefault("acquisition.trigger_sweep", "AUTO")

	// Telemetry
	v.SetDefault("telemetry.interval", time.Second)

	// Storage
	v.SetDefault("storage.path", "./data/testrig.db")
	v.SetDefault("storage.wal_mode", true)
	v.SetDefault("storage.busy_timeout", 5)

	// MQTT
	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker_url", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "testrig")
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.keep_alive", 30*time.Second)
	v.SetDefault("mqtt.connect_timeout", 10*time.Second)
	v.SetDefault("mqtt.reconnect_delay", 5*time.Second)
	v.SetDefault("mqtt.buffer_size", 1000)
	v.SetDefault("mqtt.topic_prefix", "testrig")

	// Logging
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.output", "stdout")
}

// bindEnvVars binds environment variables to config keys.
func bindEnvVars(v *viper.Viper) {
	_ = v.BindEnv("environment", "ENVIRONMENT")

	// HTTP
	_ = v.BindEnv("http.port", "HTTP_PORT")

	// API security
	_ = v.BindEnv("api.auth_enabled", "API_AUTH_ENABLED")
	_ = v.BindEnv("api.api_key", "API_KEY")

	// Hardware
	_ = v.BindEnv("modbus.port", "MODBUS_PORT")
	_ = v.BindEnv("rp2040.port", "RP2040_PORT")
	_ = v.BindEnv("scope.host", "SCOPE_HOST")

	// MQTT
	_ = v.BindEnv("mqtt.broker_url", "MQTT_BROKER_URL")
	_ = v.BindEnv("mqtt.username", "MQTT_USERNAME")
	_ = v.BindEnv("mqtt.password", "MQTT_PASSWORD")

	// Logging
	_ = v.BindEnv("logging.level", "LOG_LEVEL")
	_ = v.BindEnv("logging.format", "LOG_FORMAT")
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTP.Port)
	}
	if c.Modbus.BaudRate <= 0 {
		return fmt.Errorf("invalid modbus baud rate: %d", c.Modbus.BaudRate)
	}
	switch strings.ToUpper(c.Modbus.Parity) {
	case "N", "E", "O":
	default:
		return fmt.Errorf("invalid modbus parity: %q", c.Modbus.Parity)
	}
	if c.Temperature.UnitID == 0 || c.Temperature.UnitID > 247 {
		return fmt.Errorf("invalid temperature unit ID: %d", c.Temperature.UnitID)
	}
	if c.VFD.SlaveID == 0 || c.VFD.SlaveID > 247 {
		return fmt.Errorf("invalid VFD slave ID: %d", c.VFD.SlaveID)
	}
	if c.API.AuthEnabled && c.API.APIKey == "" {
		return fmt.Errorf("api auth enabled but no api key configured")
	}
	if c.MQTT.Enabled && c.MQTT.BrokerURL == "" {
		return fmt.Errorf("mqtt enabled but no broker URL configured")
	}
	return nil
}
