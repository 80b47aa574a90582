package storage_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/opprud/TestRigInstrumentation/internal/domain"
	"github.com/opprud/TestRigInstrumentation/internal/storage"
)

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	cfg := storage.Config{
		Path:        filepath.Join(t.TempDir(), "rig.db"),
		WALMode:     true,
		BusyTimeout: 5,
	}
	s, err := storage.Open(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func grams(v float64) *float64 { return &v }

func TestSessionRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	session := domain.Session{
		ID:        uuid.New(),
		Name:      "bearing-run-4",
		ScopeIDN:  "KEYSIGHT,MSO-X 2024A",
		StartedAt: time.Now().UTC().Truncate(time.Second),
	}
	if err := s.CreateSession(ctx, session); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	got, err := s.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got.Name != session.Name || got.ScopeIDN != session.ScopeIDN {
		t.Errorf("got %+v", got)
	}
	if !got.FinishedAt.IsZero() {
		t.Errorf("unfinished session has finished_at %v", got.FinishedAt)
	}

	finish := session.StartedAt.Add(time.Minute)
	if err := s.FinishSession(ctx, session.ID, finish, 12); err != nil {
		t.Fatalf("FinishSession failed: %v", err)
	}
	got, err = s.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("GetSession after finish failed: %v", err)
	}
	if got.SweepCount != 12 || got.FinishedAt.IsZero() {
		t.Errorf("got %+v", got)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.GetSession(context.Background(), uuid.New())
	if !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected session-not-found, got %v", err)
	}
}

func TestFinishSessionNotFound(t *testing.T) {
	s := openTestStore(t)

	err := s.FinishSession(context.Background(), uuid.New(), time.Now(), 0)
	if !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected session-not-found, got %v", err)
	}
}

func TestSweepRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	session := domain.Session{ID: uuid.New(), Name: "run", StartedAt: time.Now().UTC()}
	if err := s.CreateSession(ctx, session); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	sweep := domain.Sweep{
		ID:        uuid.New(),
		SessionID: session.ID,
		Index:     0,
		StartedAt: time.Now().UTC().Truncate(time.Second),
		Waveforms: []domain.Waveform{
			{
				Source:     "CHAN1",
				Alias:      "vibration",
				Format:     "WORD",
				Points:     4,
				XIncrement: 2e-9,
				YIncrement: 4e-3,
				YReference: 128,
				SampleRate: 5e8,
				Raw:        []byte{0x01, 0x02, 0x03, 0x04},
			},
			{Source: "CHAN2", Format: "BYTE", Points: 2, Raw: []byte{0xAA, 0xBB}},
		},
		Telemetry: domain.TelemetrySample{
			Timestamp: time.Now().UTC().Truncate(time.Second),
			LoadGrams: grams(152.7),
		},
	}
	if err := s.SaveSweep(ctx, sweep); err != nil {
		t.Fatalf("SaveSweep failed: %v", err)
	}

	sweeps, err := s.ListSweeps(ctx, session.ID)
	if err != nil {
		t.Fatalf("ListSweeps failed: %v", err)
	}
	if len(sweeps) != 1 {
		t.Fatalf("sweeps = %d, want 1", len(sweeps))
	}

	got := sweeps[0]
	if got.ID != sweep.ID || got.Index != 0 {
		t.Errorf("got sweep %+v", got)
	}
	if len(got.Waveforms) != 2 {
		t.Fatalf("waveforms = %d, want 2", len(got.Waveforms))
	}
	wf := got.Waveforms[0]
	if wf.Source != "CHAN1" || wf.Alias != "vibration" || wf.Points != 4 {
		t.Errorf("waveform = %+v", wf)
	}
	if string(wf.Raw) != "\x01\x02\x03\x04" {
		t.Errorf("raw = % X", wf.Raw)
	}
	if got.Telemetry.LoadGrams == nil || *got.Telemetry.LoadGrams != 152.7 {
		t.Errorf("telemetry = %+v", got.Telemetry)
	}
}

func TestListSessionsNewestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	for i := 0; i < 3; i++ {
		session := domain.Session{
			ID:        uuid.New(),
			Name:      "run",
			StartedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := s.CreateSession(ctx, session); err != nil {
			t.Fatalf("CreateSession failed: %v", err)
		}
	}

	sessions, err := s.ListSessions(ctx)
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(sessions) != 3 {
		t.Fatalf("sessions = %d, want 3", len(sessions))
	}
	if !sessions[0].StartedAt.After(sessions[2].StartedAt) {
		t.Errorf("expected newest first, got %v then %v", sessions[0].StartedAt, sessions[2].StartedAt)
	}
}

func TestHealthCheck(t *testing.T) {
	s := openTestStore(t)
	if err := s.HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck failed: %v", err)
	}
}
