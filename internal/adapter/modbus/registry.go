package modbus

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/opprud/TestRigInstrumentation/internal/metrics"
)

// Registry maps line identity to exactly one LineClient, so independently
// constructed device adapters pointed at the same physical port converge
// on one serial handle instead of racing two. It is built once at the
// composition root and passed to adapters explicitly; there is no package
// global.
//
// The registry lock is coarse and distinct from each line's operation
// lock: resolution is mutually exclusive, but register traffic on
// unrelated lines proceeds fully in parallel.
type Registry struct {
	mu      sync.Mutex
	lines   map[LineKey]*LineClient
	factory TransportFactory
	logger  zerolog.Logger
	metrics *metrics.Registry
}

// NewRegistry creates an empty registry. factory may be nil, selecting the
// production RTU driver; metricsReg may be nil.
func NewRegistry(factory TransportFactory, logger zerolog.Logger, metricsReg *metrics.Registry) *Registry {
	return &Registry{
		lines:   make(map[LineKey]*LineClient),
		factory: factory,
		logger:  logger,
		metrics: metricsReg,
	}
}

// Resolve returns the client for cfg's physical line, constructing it on
// first use. Resolving an existing (port, baud) with changed secondary
// parameters (parity, timeouts, retry policy) is treated as
// reconfiguration of that line: the old supervisor is disconnected and
// replaced. Different (port, baud) keys are independent entries.
func (r *Registry) Resolve(cfg LineConfig) *LineClient {
	cfg = cfg.withDefaults()
	key := cfg.Key()

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.lines[key]; ok {
		if existing.Supervisor().Config() == cfg {
			return existing
		}
		// Same line, new parameters: tear down before rebuilding so two
		// handles never coexist on one port.
		r.logger.Info().Str("port", cfg.Port).Msg("Line reconfigured, replacing supervisor")
		existing.Supervisor().Disconnect()
	}

	sup := NewLineSupervisor(cfg, r.factory, r.logger)
	client := NewLineClient(sup, r.logger, r.metrics)
	r.lines[key] = client
	return client
}

// Reset disconnects and drops every line. A reset with no lines is a
// no-op, and repeated resets are safe; used for test isolation and forced
// full recovery.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, client := range r.lines {
		client.Supervisor().Disconnect()
		delete(r.lines, key)
	}
}

// HealthStatuses snapshots every managed line, keyed by port.
func (r *Registry) HealthStatuses() map[string]HealthStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]HealthStatus, len(r.lines))
	for _, client := range r.lines {
		st := client.Supervisor().HealthStatus()
		out[st.Port] = st
	}
	return out
}
