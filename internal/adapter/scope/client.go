// Package scope talks SCPI to a bench oscilloscope over raw TCP
// (instrument port 5025). Waveform payloads arrive as IEEE 488.2
// definite-length binary blocks. All instrument I/O runs through a
// circuit breaker so a powered-off scope fails fast instead of stalling
// every sweep on a dial timeout.
package scope

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/opprud/TestRigInstrumentation/internal/domain"
	"github.com/opprud/TestRigInstrumentation/internal/metrics"
)

// Config holds the scope connection parameters.
type Config struct {
	// Host is the scope's IP or hostname.
	Host string

	// Port is the SCPI socket port. Defaults to 5025.
	Port int

	// DialTimeout bounds opening the TCP connection. Defaults to 5s.
	DialTimeout time.Duration

	// Timeout bounds each command/response exchange. Waveform downloads
	// of a deep record can take a while. Defaults to 20s.
	Timeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Port == 0 {
		c.Port = 5025
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.Timeout == 0 {
		c.Timeout = 20 * time.Second
	}
	return c
}

func (c Config) addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// DialFunc opens the instrument socket. Injectable for tests.
type DialFunc func(ctx context.Context, addr string) (net.Conn, error)

// Client is a SCPI session with one oscilloscope. Methods serialize on an
// internal mutex; the instrument handles one exchange at a time.
type Client struct {
	cfg     Config
	dial    DialFunc
	logger  zerolog.Logger
	metrics *metrics.Registry
	breaker *gobreaker.CircuitBreaker

	mu   sync.Mutex
	conn net.Conn
	rd   *bufio.Reader
}

// NewClient builds a scope client. The connection is opened lazily on
// first use. dial and metricsReg may be nil.
func NewClient(cfg Config, dial DialFunc, logger zerolog.Logger, metricsReg *metrics.Registry) *Client {
	cfg = cfg.withDefaults()
	if dial == nil {
		dial = func(ctx context.Context, addr string) (net.Conn, error) {
			d := net.Dialer{Timeout: cfg.DialTimeout}
			return d.DialContext(ctx, "tcp", addr)
		}
	}

	c := &Client{
		cfg:     cfg,
		dial:    dial,
		logger:  logger.With().Str("component", "scope").Str("addr", cfg.addr()).Logger(),
		metrics: metricsReg,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        fmt.Sprintf("scope-%s", cfg.addr()),
		MaxRequests: 3,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			c.logger.Info().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Scope circuit breaker state changed")
			if c.metrics != nil {
				c.metrics.SetScopeBreakerOpen(to == gobreaker.StateOpen)
			}
		},
	})
	return c
}

// Connect opens the instrument socket, clears its status registers and
// logs the identity string.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.connectLocked(ctx); err != nil {
		return err
	}
	if err := c.writeLocked(ctx, "*CLS"); err != nil {
		_ = c.closeLocked()
		return err
	}
	idn, err := c.queryLocked(ctx, "*IDN?")
	if err != nil {
		_ = c.closeLocked()
		return err
	}
	c.logger.Info().Str("idn", idn).Msg("Scope connected")
	return nil
}

// Close tears the session down. Safe when never connected.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

// Identify returns the *IDN? response.
func (c *Client) Identify(ctx context.Context) (string, error) {
	return c.Query(ctx, "*IDN?")
}

// Command sends a SCPI command that produces no response.
func (c *Client) Command(ctx context.Context, cmd string) error {
	_, err := c.execute(ctx, cmd, func() (interface{}, error) {
		return nil, c.writeLocked(ctx, cmd)
	})
	return err
}

// Query sends a SCPI query and returns the trimmed one-line response.
func (c *Client) Query(ctx context.Context, q string) (string, error) {
	res, err := c.execute(ctx, q, func() (interface{}, error) {
		return c.queryLocked(ctx, q)
	})
	if err != nil {
		return "", err
	}
	return res.(string), nil
}

// QueryBlock sends a SCPI query whose response is an IEEE 488.2
// definite-length binary block and returns the raw payload.
func (c *Client) QueryBlock(ctx context.Context, q string) ([]byte, error) {
	res, err := c.execute(ctx, q, func() (interface{}, error) {
		return c.queryBlockLocked(ctx, q)
	})
	if err != nil {
		return nil, err
	}
	return res.([]byte), nil
}

// Digitize arms a fresh single acquisition and blocks until the scope
// reports completion: STOP, trigger sweep, DIGITIZE, *OPC?.
func (c *Client) Digitize(ctx context.Context, triggerSweep string) error {
	mode := "AUTO"
	if strings.EqualFold(triggerSweep, "NORM") {
		mode = "NORM"
	}
	_, err := c.execute(ctx, ":DIGITIZE", func() (interface{}, error) {
		if err := c.writeLocked(ctx, ":STOP"); err != nil {
			return nil, err
		}
		if err := c.writeLocked(ctx, fmt.Sprintf(":TRIG:SWE %s", mode)); err != nil {
			return nil, err
		}
		if err := c.writeLocked(ctx, ":DIGITIZE"); err != nil {
			return nil, err
		}
		_, err := c.queryLocked(ctx, "*OPC?")
		return nil, err
	})
	return err
}

// FetchWaveform downloads one channel's record: transfer setup, preamble,
// then the data block. Scaling factors from the preamble are carried in
// the returned waveform untouched.
func (c *Client) FetchWaveform(ctx context.Context, source, format string, points int) (*domain.Waveform, error) {
	format = strings.ToUpper(format)
	if format != "BYTE" && format != "WORD" {
		format = "WORD"
	}

	res, err := c.execute(ctx, ":WAV:DATA?", func() (interface{}, error) {
		if err := c.writeLocked(ctx, fmt.Sprintf(":WAV:SOUR %s", source)); err != nil {
			return nil, err
		}
		if err := c.writeLocked(ctx, fmt.Sprintf(":WAV:FORM %s", format)); err != nil {
			return nil, err
		}
		if points > 0 {
			if err := c.writeLocked(ctx, fmt.Sprintf(":WAV:POIN %d", points)); err != nil {
				return nil, err
			}
		}
		if format == "WORD" {
			if err := c.writeLocked(ctx, ":WAV:UNS 0"); err != nil {
				return nil, err
			}
			if err := c.writeLocked(ctx, ":WAV:BYT MSBFirst"); err != nil {
				return nil, err
			}
		} else {
			if err := c.writeLocked(ctx, ":WAV:UNS 1"); err != nil {
				return nil, err
			}
		}

		pre, err := c.queryLocked(ctx, ":WAV:PRE?")
		if err != nil {
			return nil, err
		}
		wf, err := parsePreamble(pre)
		if err != nil {
			return nil, err
		}
		wf.Source = source
		wf.Format = format

		payload, err := c.queryBlockLocked(ctx, ":WAV:DATA?")
		if err != nil {
			return nil, err
		}
		wf.Raw = payload
		return wf, nil
	})
	if err != nil {
		return nil, err
	}

	return res.(*domain.Waveform), nil
}

// execute routes an exchange through the circuit breaker. Any failure
// tears the session down so the next call redials with clean framing.
func (c *Client) execute(ctx context.Context, label string, fn func() (interface{}, error)) (interface{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	res, err := c.breaker.Execute(func() (interface{}, error) {
		if err := c.connectLocked(ctx); err != nil {
			return nil, err
		}
		res, err := fn()
		if err != nil {
			_ = c.closeLocked()
			return nil, err
		}
		return res, nil
	})
	if err != nil {
		if c.metrics != nil {
			c.metrics.RecordScopeQuery(false)
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %s", domain.ErrCircuitBreakerOpen, label)
		}
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrScopeQueryFailed, label, err)
	}
	if c.metrics != nil {
		c.metrics.RecordScopeQuery(true)
	}
	return res, nil
}

func (c *Client) connectLocked(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}
	conn, err := c.dial(ctx, c.cfg.addr())
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrScopeUnreachable, err)
	}
	c.conn = conn
	c.rd = bufio.NewReaderSize(conn, 64*1024)
	return nil
}

func (c *Client) closeLocked() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.rd = nil
	return err
}

func (c *Client) writeLocked(ctx context.Context, cmd string) error {
	if err := c.setDeadline(ctx); err != nil {
		return err
	}
	if _, err := c.conn.Write([]byte(cmd + "\n")); err != nil {
		return fmt.Errorf("write %q: %w", cmd, err)
	}
	return nil
}

func (c *Client) queryLocked(ctx context.Context, q string) (string, error) {
	if err := c.writeLocked(ctx, q); err != nil {
		return "", err
	}
	line, err := c.rd.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read reply to %q: %w", q, err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// queryBlockLocked reads a definite-length block: '#', one digit giving
// the length-field width, the decimal payload length, the payload, and a
// trailing LF.
func (c *Client) queryBlockLocked(ctx context.Context, q string) ([]byte, error) {
	if err := c.writeLocked(ctx, q); err != nil {
		return nil, err
	}

	head := make([]byte, 2)
	if _, err := io.ReadFull(c.rd, head); err != nil {
		return nil, fmt.Errorf("read block header: %w", err)
	}
	if head[0] != '#' {
		return nil, fmt.Errorf("%w: leading byte %q", domain.ErrScopeBadBlock, head[0])
	}
	nDigits := int(head[1] - '0')
	if nDigits < 1 || nDigits > 9 {
		return nil, fmt.Errorf("%w: length-field width %q", domain.ErrScopeBadBlock, head[1])
	}

	lenField := make([]byte, nDigits)
	if _, err := io.ReadFull(c.rd, lenField); err != nil {
		return nil, fmt.Errorf("read block length: %w", err)
	}
	length, err := strconv.Atoi(string(lenField))
	if err != nil || length < 0 {
		return nil, fmt.Errorf("%w: length field %q", domain.ErrScopeBadBlock, lenField)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(c.rd, payload); err != nil {
		return nil, fmt.Errorf("read block payload: %w", err)
	}

	// Trailing LF, if the instrument already sent one. Never block for it.
	if c.rd.Buffered() > 0 {
		if b, err := c.rd.Peek(1); err == nil && (b[0] == '\n' || b[0] == '\r') {
			_, _ = c.rd.Discard(1)
		}
	}
	return payload, nil
}

func (c *Client) setDeadline(ctx context.Context) error {
	deadline := time.Now().Add(c.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	return c.conn.SetDeadline(deadline)
}

// parsePreamble splits the ten comma-separated preamble fields:
// format, type, points, count, xinc, xorig, xref, yinc, yorig, yref.
func parsePreamble(pre string) (*domain.Waveform, error) {
	fields := strings.Split(pre, ",")
	if len(fields) < 10 {
		return nil, fmt.Errorf("%w: preamble %q", domain.ErrScopeBadBlock, pre)
	}

	f := make([]float64, 10)
	for i := 0; i < 10; i++ {
		v, err := strconv.ParseFloat(strings.TrimSpace(fields[i]), 64)
		if err != nil {
			return nil, fmt.Errorf("%w: preamble field %d %q", domain.ErrScopeBadBlock, i, fields[i])
		}
		f[i] = v
	}

	wf := &domain.Waveform{
		Points:     int(f[2]),
		XIncrement: f[4],
		XOrigin:    f[5],
		XReference: f[6],
		YIncrement: f[7],
		YOrigin:    f[8],
		YReference: f[9],
	}
	if f[4] > 0 {
		wf.SampleRate = 1.0 / f[4]
	}
	return wf, nil
}
