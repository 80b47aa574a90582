package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/opprud/TestRigInstrumentation/internal/domain"
	"github.com/opprud/TestRigInstrumentation/internal/service"
)

type fakeScope struct {
	mu         sync.Mutex
	digitizes  int
	fetchErr   error
	digitizeCh chan struct{} // when set, Digitize blocks until closed
}

func (s *fakeScope) Identify(ctx context.Context) (string, error) {
	return "FAKE,MSO-X 2024A,1", nil
}

func (s *fakeScope) Digitize(ctx context.Context, triggerSweep string) error {
	s.mu.Lock()
	s.digitizes++
	ch := s.digitizeCh
	s.mu.Unlock()
	if ch != nil {
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (s *fakeScope) FetchWaveform(ctx context.Context, source, format string, points int) (*domain.Waveform, error) {
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	return &domain.Waveform{
		Source: source,
		Format: format,
		Points: points,
		Raw:    []byte{0x01, 0x02},
	}, nil
}

type fakeStore struct {
	mu       sync.Mutex
	sessions []domain.Session
	sweeps   []domain.Sweep
	finished map[uuid.UUID]int
}

func newFakeStore() *fakeStore {
	return &fakeStore{finished: make(map[uuid.UUID]int)}
}

func (s *fakeStore) CreateSession(ctx context.Context, session domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = append(s.sessions, session)
	return nil
}

func (s *fakeStore) SaveSweep(ctx context.Context, sweep domain.Sweep) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweeps = append(s.sweeps, sweep)
	return nil
}

func (s *fakeStore) FinishSession(ctx context.Context, id uuid.UUID, finishedAt time.Time, sweepCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished[id] = sweepCount
	return nil
}

type fakeSampler struct{}

func (fakeSampler) Sample(ctx context.Context) domain.TelemetrySample {
	load := 100.0
	return domain.TelemetrySample{Timestamp: time.Now().UTC(), LoadGrams: &load}
}

type fakePublisher struct {
	mu     sync.Mutex
	events []domain.Sweep
}

func (p *fakePublisher) PublishSweepEvent(ctx context.Context, sweep domain.Sweep) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, sweep)
	return nil
}

func waitIdle(t *testing.T, a *service.Acquisition) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for a.Status().Running {
		select {
		case <-deadline:
			t.Fatal("run did not finish in time")
		case <-time.After(time.Millisecond):
		}
	}
}

func twoChannels() []service.ChannelConfig {
	return []service.ChannelConfig{
		{Source: "CHAN1", Alias: "vibration"},
		{Source: "CHAN2", Alias: "current"},
	}
}

func TestRunPersistsSweepsWithTelemetry(t *testing.T) {
	store := newFakeStore()
	pub := &fakePublisher{}
	a := service.NewAcquisition(&fakeScope{}, store, fakeSampler{}, pub, zerolog.Nop(), nil)

	sessionID, err := a.Start(service.RunParams{
		Name:       "bearing-run",
		Channels:   twoChannels(),
		Format:     "WORD",
		Points:     1000,
		SweepCount: 3,
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitIdle(t, a)

	if len(store.sessions) != 1 || store.sessions[0].ID != sessionID {
		t.Fatalf("sessions = %+v", store.sessions)
	}
	if store.sessions[0].ScopeIDN == "" {
		t.Error("session has no scope identity")
	}
	if len(store.sweeps) != 3 {
		t.Fatalf("sweeps = %d, want 3", len(store.sweeps))
	}
	for i, sweep := range store.sweeps {
		if sweep.Index != i {
			t.Errorf("sweep %d has index %d", i, sweep.Index)
		}
		if len(sweep.Waveforms) != 2 {
			t.Fatalf("sweep %d has %d waveforms", i, len(sweep.Waveforms))
		}
		if sweep.Waveforms[0].Alias != "vibration" || sweep.Waveforms[1].Alias != "current" {
			t.Errorf("aliases = %q, %q", sweep.Waveforms[0].Alias, sweep.Waveforms[1].Alias)
		}
		if sweep.Telemetry.LoadGrams == nil {
			t.Errorf("sweep %d has no telemetry", i)
		}
	}
	if store.finished[sessionID] != 3 {
		t.Errorf("finished count = %d, want 3", store.finished[sessionID])
	}
	if len(pub.events) != 3 {
		t.Errorf("published events = %d, want 3", len(pub.events))
	}

	st := a.Status()
	if st.CompletedSweeps != 3 || st.LastError != "" {
		t.Errorf("status = %+v", st)
	}
}

func TestStartRejectsEmptyChannels(t *testing.T) {
	a := service.NewAcquisition(&fakeScope{}, newFakeStore(), nil, nil, zerolog.Nop(), nil)

	_, err := a.Start(service.RunParams{Name: "x"})
	if !errors.Is(err, domain.ErrScopeChannelsEmpty) {
		t.Fatalf("expected empty-channels error, got %v", err)
	}
}

func TestStartWhileRunningIsBusy(t *testing.T) {
	scope := &fakeScope{digitizeCh: make(chan struct{})}
	a := service.NewAcquisition(scope, newFakeStore(), nil, nil, zerolog.Nop(), nil)

	if _, err := a.Start(service.RunParams{Channels: twoChannels()}); err != nil {
		t.Fatalf("first Start failed: %v", err)
	}

	_, err := a.Start(service.RunParams{Channels: twoChannels()})
	if !errors.Is(err, domain.ErrAcquisitionBusy) {
		t.Fatalf("expected busy error, got %v", err)
	}

	close(scope.digitizeCh)
	waitIdle(t, a)

	// Idle again: a new run may start.
	if _, err := a.Start(service.RunParams{Channels: twoChannels()}); err != nil {
		t.Fatalf("Start after finish failed: %v", err)
	}
	waitIdle(t, a)
}

func TestScopeFailureEndsRun(t *testing.T) {
	store := newFakeStore()
	scope := &fakeScope{fetchErr: errors.New("scope went away")}
	a := service.NewAcquisition(scope, store, nil, nil, zerolog.Nop(), nil)

	sessionID, err := a.Start(service.RunParams{Channels: twoChannels(), SweepCount: 5})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitIdle(t, a)

	if len(store.sweeps) != 0 {
		t.Errorf("sweeps = %d, want 0", len(store.sweeps))
	}
	if store.finished[sessionID] != 0 {
		t.Errorf("finished count = %d, want 0", store.finished[sessionID])
	}
	if a.Status().LastError == "" {
		t.Error("expected a recorded error")
	}
}

func TestStopCancelsRun(t *testing.T) {
	store := newFakeStore()
	a := service.NewAcquisition(&fakeScope{}, store, nil, nil, zerolog.Nop(), nil)

	_, err := a.Start(service.RunParams{
		Channels:      twoChannels(),
		SweepCount:    1000,
		SweepInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Give the first sweep a moment to complete, then cancel the rest.
	deadline := time.After(2 * time.Second)
	for {
		store.mu.Lock()
		n := len(store.sweeps)
		store.mu.Unlock()
		if n >= 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("first sweep never completed")
		case <-time.After(time.Millisecond):
		}
	}

	a.Stop()
	if a.Status().Running {
		t.Error("still running after Stop")
	}
}
