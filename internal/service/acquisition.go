// Package service orchestrates acquisition runs: arming the scope,
// downloading each enabled channel, sampling telemetry alongside every
// sweep and persisting the lot as a session.
package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/opprud/TestRigInstrumentation/internal/domain"
	"github.com/opprud/TestRigInstrumentation/internal/metrics"
)

// ScopeDriver is the slice of the scope client the service needs.
type ScopeDriver interface {
	Identify(ctx context.Context) (string, error)
	Digitize(ctx context.Context, triggerSweep string) error
	FetchWaveform(ctx context.Context, source, format string, points int) (*domain.Waveform, error)
}

// SweepStore persists sessions and sweeps.
type SweepStore interface {
	CreateSession(ctx context.Context, session domain.Session) error
	SaveSweep(ctx context.Context, sweep domain.Sweep) error
	FinishSession(ctx context.Context, id uuid.UUID, finishedAt time.Time, sweepCount int) error
}

// TelemetrySampler takes one synchronized sensor snapshot.
type TelemetrySampler interface {
	Sample(ctx context.Context) domain.TelemetrySample
}

// SweepPublisher announces completed sweeps. Optional.
type SweepPublisher interface {
	PublishSweepEvent(ctx context.Context, sweep domain.Sweep) error
}

// ChannelConfig names one scope channel to capture.
type ChannelConfig struct {
	// Source is the scope channel, e.g. CHAN1.
	Source string

	// Alias is the rig-level signal name, e.g. "vibration".
	Alias string
}

// RunParams describes one acquisition run.
type RunParams struct {
	// Name labels the session.
	Name string

	// Channels to capture each sweep. Must be non-empty.
	Channels []ChannelConfig

	// Format is the waveform transfer format, WORD or BYTE.
	Format string

	// Points requested per waveform. Zero leaves the scope's setting.
	Points int

	// SweepCount is the number of sweeps to run. Zero means one.
	SweepCount int

	// SweepInterval is the pause between sweeps.
	SweepInterval time.Duration

	// TriggerSweep is AUTO or NORM.
	TriggerSweep string
}

// Status is a point-in-time view of the service.
type Status struct {
	Running         bool      `json:"running"`
	SessionID       uuid.UUID `json:"session_id,omitempty"`
	SessionName     string    `json:"session_name,omitempty"`
	CompletedSweeps int       `json:"completed_sweeps"`
	TotalSweeps     int       `json:"total_sweeps"`
	LastError       string    `json:"last_error,omitempty"`
}

// Acquisition runs sweep sessions, one at a time.
type Acquisition struct {
	scope     ScopeDriver
	store     SweepStore
	sampler   TelemetrySampler
	publisher SweepPublisher
	logger    zerolog.Logger
	metrics   *metrics.Registry

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	status  Status
}

// NewAcquisition builds the service. sampler, publisher and metricsReg may
// be nil.
func NewAcquisition(scope ScopeDriver, store SweepStore, sampler TelemetrySampler,
	publisher SweepPublisher, logger zerolog.Logger, metricsReg *metrics.Registry) *Acquisition {
	return &Acquisition{
		scope:     scope,
		store:     store,
		sampler:   sampler,
		publisher: publisher,
		logger:    logger.With().Str("component", "acquisition").Logger(),
		metrics:   metricsReg,
	}
}

// Start launches a run in the background and returns its session ID.
// A second Start while a run is active fails with ErrAcquisitionBusy.
func (a *Acquisition) Start(params RunParams) (uuid.UUID, error) {
	if len(params.Channels) == 0 {
		return uuid.Nil, domain.ErrScopeChannelsEmpty
	}
	if params.SweepCount <= 0 {
		params.SweepCount = 1
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return uuid.Nil, domain.ErrAcquisitionBusy
	}

	sessionID := uuid.New()
	ctx, cancel := context.WithCancel(context.Background())
	a.running = true
	a.cancel = cancel
	a.done = make(chan struct{})
	a.status = Status{
		Running:     true,
		SessionID:   sessionID,
		SessionName: params.Name,
		TotalSweeps: params.SweepCount,
	}

	go a.run(ctx, sessionID, params)
	return sessionID, nil
}

// Stop cancels the active run and waits for it to wind down. A no-op when
// idle.
func (a *Acquisition) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	cancel := a.cancel
	done := a.done
	a.mu.Unlock()

	cancel()
	<-done
}

// Status returns the current run state.
func (a *Acquisition) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

func (a *Acquisition) run(ctx context.Context, sessionID uuid.UUID, params RunParams) {
	defer func() {
		a.mu.Lock()
		a.running = false
		a.status.Running = false
		close(a.done)
		a.mu.Unlock()
	}()

	idn, err := a.scope.Identify(ctx)
	if err != nil {
		a.failRun(fmt.Errorf("identifying scope: %w", err))
		return
	}

	session := domain.Session{
		ID:        sessionID,
		Name:      params.Name,
		ScopeIDN:  idn,
		StartedAt: time.Now().UTC(),
	}
	if err := a.store.CreateSession(ctx, session); err != nil {
		a.failRun(fmt.Errorf("creating session: %w", err))
		return
	}

	a.logger.Info().
		Str("session", sessionID.String()).
		Str("name", params.Name).
		Int("sweeps", params.SweepCount).
		Msg("Acquisition run started")

	completed := 0
	for i := 0; i < params.SweepCount; i++ {
		if ctx.Err() != nil {
			break
		}
		if i > 0 && params.SweepInterval > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(params.SweepInterval):
			}
			if ctx.Err() != nil {
				break
			}
		}

		if err := a.runSweep(ctx, sessionID, i, params); err != nil {
			a.failRun(fmt.Errorf("sweep %d: %w", i, err))
			break
		}
		completed++
		a.mu.Lock()
		a.status.CompletedSweeps = completed
		a.mu.Unlock()
	}

	if err := a.store.FinishSession(context.Background(), sessionID, time.Now().UTC(), completed); err != nil {
		a.logger.Error().Err(err).Str("session", sessionID.String()).Msg("Failed to finish session")
	}
	a.logger.Info().
		Str("session", sessionID.String()).
		Int("completed", completed).
		Msg("Acquisition run finished")
}

func (a *Acquisition) runSweep(ctx context.Context, sessionID uuid.UUID, index int, params RunParams) error {
	start := time.Now()

	if err := a.scope.Digitize(ctx, params.TriggerSweep); err != nil {
		return fmt.Errorf("digitize: %w", err)
	}

	sweep := domain.Sweep{
		ID:        uuid.New(),
		SessionID: sessionID,
		Index:     index,
		StartedAt: start.UTC(),
	}

	rawBytes := 0
	for _, ch := range params.Channels {
		wf, err := a.scope.FetchWaveform(ctx, ch.Source, params.Format, params.Points)
		if err != nil {
			return fmt.Errorf("fetch %s: %w", ch.Source, err)
		}
		wf.Alias = ch.Alias
		rawBytes += len(wf.Raw)
		sweep.Waveforms = append(sweep.Waveforms, *wf)
	}

	// One telemetry snapshot per sweep, taken right after the capture so
	// the slow sensors line up with the waveforms.
	if a.sampler != nil {
		sweep.Telemetry = a.sampler.Sample(ctx)
	}

	if err := a.store.SaveSweep(ctx, sweep); err != nil {
		return fmt.Errorf("persist: %w", err)
	}

	if a.metrics != nil {
		a.metrics.RecordSweep(time.Since(start).Seconds(), rawBytes)
	}
	if a.publisher != nil {
		if err := a.publisher.PublishSweepEvent(ctx, sweep); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to publish sweep event")
		}
	}
	return nil
}

func (a *Acquisition) failRun(err error) {
	a.logger.Error().Err(err).Msg("Acquisition run failed")
	a.mu.Lock()
	a.status.LastError = err.Error()
	a.mu.Unlock()
}
