// Package telemetry samples the rig's slow sensors on a fixed period and
// fans the merged samples out to sinks (the sweep store, MQTT). Every
// sensor is optional: a failing or absent sensor leaves its fields nil in
// the sample and the cycle carries on.
package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/opprud/TestRigInstrumentation/internal/adapter/rp2040"
	"github.com/opprud/TestRigInstrumentation/internal/domain"
	"github.com/opprud/TestRigInstrumentation/internal/metrics"
)

// LoadSpeedSource is the RP2040 bridge board's sampling surface.
type LoadSpeedSource interface {
	ReadLoad() (rp2040.LoadReading, error)
	ReadSpeed() (rp2040.SpeedReading, error)
}

// TemperatureSource is the E5CC's sampling surface.
type TemperatureSource interface {
	ReadPV() (float64, error)
}

// VFDSource is the RS510's sampling surface.
type VFDSource interface {
	FrequencyCmd() (float64, error)
	FaultCode() (uint16, error)
}

// Sink receives each collected sample. Sinks must not block for long;
// slow consumers should buffer internally.
type Sink interface {
	Publish(sample domain.TelemetrySample)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(sample domain.TelemetrySample)

func (f SinkFunc) Publish(sample domain.TelemetrySample) { f(sample) }

// Config holds collector settings.
type Config struct {
	// Interval between samples. Defaults to 1s.
	Interval time.Duration
}

// Collector merges the rig sensors into timestamped samples.
type Collector struct {
	cfg     Config
	load    LoadSpeedSource
	temp    TemperatureSource
	vfd     VFDSource
	sinks   []Sink
	logger  zerolog.Logger
	metrics *metrics.Registry

	mu     sync.RWMutex
	latest domain.TelemetrySample
	seen   bool

	stop    chan struct{}
	done    chan struct{}
	startMu sync.Mutex
	started bool
}

// NewCollector builds a collector. Any source may be nil; its fields stay
// nil in every sample. metricsReg may be nil.
func NewCollector(cfg Config, load LoadSpeedSource, temp TemperatureSource, vfd VFDSource,
	logger zerolog.Logger, metricsReg *metrics.Registry) *Collector {
	if cfg.Interval == 0 {
		cfg.Interval = time.Second
	}
	return &Collector{
		cfg:     cfg,
		load:    load,
		temp:    temp,
		vfd:     vfd,
		logger:  logger.With().Str("component", "telemetry").Logger(),
		metrics: metricsReg,
	}
}

// AddSink registers a sample consumer. Call before Start.
func (c *Collector) AddSink(sink Sink) {
	c.sinks = append(c.sinks, sink)
}

// Start launches the sampling loop.
func (c *Collector) Start() {
	c.startMu.Lock()
	defer c.startMu.Unlock()
	if c.started {
		return
	}
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	c.started = true
	go c.run()
}

// Stop halts the loop and waits for it to drain.
func (c *Collector) Stop() {
	c.startMu.Lock()
	defer c.startMu.Unlock()
	if !c.started {
		return
	}
	close(c.stop)
	<-c.done
	c.started = false
}

// Latest returns the most recent sample. ok is false before the first
// cycle completes.
func (c *Collector) Latest() (sample domain.TelemetrySample, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.latest, c.seen
}

// Sample runs one collection cycle immediately and returns the result.
func (c *Collector) Sample(ctx context.Context) domain.TelemetrySample {
	sample := domain.TelemetrySample{Timestamp: time.Now().UTC()}

	if c.load != nil {
		if r, err := c.load.ReadLoad(); err == nil {
			sample.LoadGrams = &r.MassGrams
		} else {
			c.sensorError("load", err)
		}
		if r, err := c.load.ReadSpeed(); err == nil {
			sample.RPM = &r.RPM
		} else {
			c.sensorError("speed", err)
		}
	}
	if c.temp != nil {
		if pv, err := c.temp.ReadPV(); err == nil {
			sample.TemperatureC = &pv
		} else {
			c.sensorError("temperature", err)
		}
	}
	if c.vfd != nil {
		if hz, err := c.vfd.FrequencyCmd(); err == nil {
			sample.VFDFrequencyHz = &hz
		} else {
			c.sensorError("vfd", err)
		}
		if code, err := c.vfd.FaultCode(); err == nil {
			sample.VFDFaultCode = &code
		} else {
			c.sensorError("vfd", err)
		}
	}

	c.mu.Lock()
	c.latest = sample
	c.seen = true
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.RecordSample()
	}
	for _, sink := range c.sinks {
		sink.Publish(sample)
	}
	return sample
}

func (c *Collector) run() {
	defer close(c.done)

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.Sample(context.Background())
		}
	}
}

func (c *Collector) sensorError(sensor string, err error) {
	if c.metrics != nil {
		c.metrics.RecordSampleError(sensor)
	}
	c.logger.Debug().Str("sensor", sensor).Err(err).Msg("Sensor read failed")
}
