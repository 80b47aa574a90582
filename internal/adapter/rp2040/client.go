// Package rp2040 drives the load-cell / tachometer bridge board over its
// ASCII line protocol. One command per line, CRLF terminated; the firmware
// answers "OK <TYPE> k=v k=v ..." or "ERR <reason>".
package rp2040

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goburrow/serial"
	"github.com/rs/zerolog"

	"github.com/opprud/TestRigInstrumentation/internal/domain"
)

// Config holds the bridge board's serial parameters.
type Config struct {
	// Port is the serial device path.
	Port string

	// BaudRate defaults to 115200.
	BaudRate int

	// Timeout bounds each command/reply exchange. Defaults to 1s.
	Timeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.BaudRate == 0 {
		c.BaudRate = 115200
	}
	if c.Timeout == 0 {
		c.Timeout = time.Second
	}
	return c
}

// OpenFunc opens the board's serial port. Injectable for tests.
type OpenFunc func(cfg Config) (io.ReadWriteCloser, error)

func openSerial(cfg Config) (io.ReadWriteCloser, error) {
	port, err := serial.Open(&serial.Config{
		Address:  cfg.Port,
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		StopBits: 1,
		Parity:   "N",
		Timeout:  cfg.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrConnectionFailed, err)
	}
	return port, nil
}

// LoadReading is one load-cell sample.
type LoadReading struct {
	MassGrams float64   `json:"mass_g"`
	Raw       int64     `json:"raw"`
	Timestamp time.Time `json:"timestamp"`
}

// SpeedReading is one tachometer sample.
type SpeedReading struct {
	RPM       float64   `json:"rpm"`
	PeriodMS  float64   `json:"period_ms"`
	Pulses    uint32    `json:"pulses"`
	Timestamp time.Time `json:"timestamp"`
}

// Calibration is the load cell's slope/tare pair.
type Calibration struct {
	Slope float64 `json:"slope"`
	Tare  int64   `json:"tare"`
}

// DeviceInfo identifies the board and its firmware.
type DeviceInfo struct {
	Vendor   string `json:"vendor"`
	Device   string `json:"device"`
	Firmware string `json:"firmware"`
}

// Client is a session with one bridge board. Methods serialize on an
// internal mutex; the firmware handles one command at a time.
type Client struct {
	cfg    Config
	open   OpenFunc
	logger zerolog.Logger

	mu   sync.Mutex
	port io.ReadWriteCloser
}

// NewClient builds a board client. The port is opened lazily on first
// use. open may be nil.
func NewClient(cfg Config, open OpenFunc, logger zerolog.Logger) *Client {
	cfg = cfg.withDefaults()
	if open == nil {
		open = openSerial
	}
	return &Client{
		cfg:    cfg,
		open:   open,
		logger: logger.With().Str("component", "rp2040").Str("port", cfg.Port).Logger(),
	}
}

// Close releases the serial port. Safe when never opened.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.port == nil {
		return nil
	}
	err := c.port.Close()
	c.port = nil
	return err
}

// Ping checks firmware liveness.
func (c *Client) Ping() error {
	_, _, err := c.command("PING", "PONG")
	return err
}

// Info returns the board's identity fields.
func (c *Client) Info() (DeviceInfo, error) {
	_, kv, err := c.command("INFO", "INFO")
	if err != nil {
		return DeviceInfo{}, err
	}
	return DeviceInfo{
		Vendor:   kv["vendor"],
		Device:   kv["device"],
		Firmware: kv["fw"],
	}, nil
}

// ReadLoad returns the current load-cell sample.
func (c *Client) ReadLoad() (LoadReading, error) {
	_, kv, err := c.command("LOAD?", "LOAD")
	if err != nil {
		return LoadReading{}, err
	}
	r := LoadReading{
		MassGrams: kvFloat(kv, "mass_g"),
		Raw:       kvInt(kv, "raw"),
		Timestamp: kvUnixMS(kv, "ts"),
	}
	return r, nil
}

// Tare zeroes the load cell at its current reading.
func (c *Client) Tare() error {
	_, _, err := c.command("TARE", "TARE")
	return err
}

// ReadSpeed returns the current tachometer sample.
func (c *Client) ReadSpeed() (SpeedReading, error) {
	_, kv, err := c.command("SPEED?", "SPEED")
	if err != nil {
		return SpeedReading{}, err
	}
	r := SpeedReading{
		RPM:       kvFloat(kv, "rpm"),
		PeriodMS:  kvFloat(kv, "period_ms"),
		Pulses:    uint32(kvInt(kv, "pulses")),
		Timestamp: kvUnixMS(kv, "ts"),
	}
	return r, nil
}

// Calibration returns the stored slope/tare pair.
func (c *Client) Calibration() (Calibration, error) {
	_, kv, err := c.command("CAL?", "CAL")
	if err != nil {
		return Calibration{}, err
	}
	return Calibration{
		Slope: kvFloat(kv, "slope"),
		Tare:  kvInt(kv, "tare"),
	}, nil
}

// SetCalibration writes a slope/tare pair to the firmware.
func (c *Client) SetCalibration(cal Calibration) error {
	cmd := fmt.Sprintf("SETCAL %.9g %d", cal.Slope, cal.Tare)
	_, _, err := c.command(cmd, "SETCAL")
	return err
}

// SetTime pushes the host clock to the board as unix milliseconds, so its
// sample timestamps line up with everything else in a sweep.
func (c *Client) SetTime(t time.Time) error {
	cmd := fmt.Sprintf("SETTIME %d", t.UnixMilli())
	_, _, err := c.command(cmd, "SETTIME")
	return err
}

// SetPPR sets the tachometer pulses-per-revolution.
func (c *Client) SetPPR(ppr int) error {
	cmd := fmt.Sprintf("SETPPR %d", ppr)
	_, _, err := c.command(cmd, "SETPPR")
	return err
}

// PPR returns the configured pulses-per-revolution.
func (c *Client) PPR() (int, error) {
	_, kv, err := c.command("PPR?", "PPR")
	if err != nil {
		return 0, err
	}
	return int(kvInt(kv, "ppr")), nil
}

// command sends one line and reads replies until an OK/ERR line arrives.
// It returns the reply type and the parsed k=v payload. A broken exchange
// closes the port so the next call reopens it.
func (c *Client) command(cmd, wantType string) (string, map[string]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.port == nil {
		port, err := c.open(c.cfg)
		if err != nil {
			return "", nil, err
		}
		c.port = port
	}

	if _, err := c.port.Write([]byte(cmd + "\r\n")); err != nil {
		c.dropPortLocked()
		return "", nil, fmt.Errorf("write %q: %w", cmd, err)
	}

	line, err := c.readReplyLocked()
	if err != nil {
		c.dropPortLocked()
		return "", nil, fmt.Errorf("%w: %s: %v", domain.ErrResponseTimeout, cmd, err)
	}

	parts := strings.SplitN(line, " ", 3)
	status := parts[0]
	replyType := ""
	payload := ""
	if len(parts) > 1 {
		replyType = parts[1]
	}
	if len(parts) > 2 {
		payload = parts[2]
	}

	if status == "ERR" {
		return replyType, nil, fmt.Errorf("%w: %s: %s", domain.ErrFirmwareError, cmd, strings.TrimPrefix(line, "ERR "))
	}
	if status != "OK" || replyType != wantType {
		return replyType, nil, fmt.Errorf("%w: %s replied %q", domain.ErrUnexpectedReply, cmd, line)
	}
	return replyType, parseKV(payload), nil
}

// readReplyLocked reads byte-wise until a line starting with OK or ERR.
// Boot chatter and blank lines are skipped; the serial driver's timeout
// bounds the wait.
func (c *Client) readReplyLocked() (string, error) {
	var sb strings.Builder
	buf := make([]byte, 1)
	for {
		n, err := c.port.Read(buf)
		if err != nil {
			return "", err
		}
		if n == 0 {
			continue
		}
		if buf[0] != '\n' {
			sb.WriteByte(buf[0])
			continue
		}
		line := strings.TrimRight(sb.String(), "\r")
		sb.Reset()
		if strings.HasPrefix(line, "OK") || strings.HasPrefix(line, "ERR") {
			return line, nil
		}
	}
}

func (c *Client) dropPortLocked() {
	if c.port == nil {
		return
	}
	_ = c.port.Close()
	c.port = nil
}

// parseKV splits "k=v k2=v2" into a map. Malformed tokens are skipped.
func parseKV(payload string) map[string]string {
	out := make(map[string]string)
	for _, token := range strings.Fields(payload) {
		if k, v, ok := strings.Cut(token, "="); ok {
			out[k] = v
		}
	}
	return out
}

func kvFloat(kv map[string]string, key string) float64 {
	v, err := strconv.ParseFloat(kv[key], 64)
	if err != nil {
		return 0
	}
	return v
}

func kvInt(kv map[string]string, key string) int64 {
	v, err := strconv.ParseInt(kv[key], 10, 64)
	if err != nil {
		return 0
	}
	return v
}

func kvUnixMS(kv map[string]string, key string) time.Time {
	ms := kvInt(kv, key)
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
