package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/opprud/TestRigInstrumentation/internal/adapter/config"
	"github.com/opprud/TestRigInstrumentation/internal/adapter/rp2040"
	"github.com/opprud/TestRigInstrumentation/internal/api"
	"github.com/opprud/TestRigInstrumentation/internal/domain"
	"github.com/opprud/TestRigInstrumentation/internal/service"
)

type fakeTemp struct {
	pv, sv  float64
	written []float64
	err     error
}

func (f *fakeTemp) ReadPV() (float64, error) { return f.pv, f.err }
func (f *fakeTemp) ReadSV() (float64, error) { return f.sv, f.err }
func (f *fakeTemp) WriteSV(c float64) error {
	f.written = append(f.written, c)
	return f.err
}

type fakeDrive struct {
	commands []string
	freq     float64
	err      error
}

func (f *fakeDrive) StartForward(hz float64) error {
	f.commands = append(f.commands, "start")
	f.freq = hz
	return f.err
}

func (f *fakeDrive) Stop() error {
	f.commands = append(f.commands, "stop")
	return f.err
}

func (f *fakeDrive) EmergencyStop() error {
	f.commands = append(f.commands, "estop")
	return f.err
}

func (f *fakeDrive) SetFrequency(hz float64) error {
	f.commands = append(f.commands, "freq")
	f.freq = hz
	return f.err
}

func (f *fakeDrive) Status() domain.VFDStatus {
	return domain.VFDStatus{FrequencyCmdHz: f.freq, Timestamp: time.Now()}
}

type fakeBridge struct {
	load  rp2040.LoadReading
	speed rp2040.SpeedReading
	cal   rp2040.Calibration
	tared bool
}

func (f *fakeBridge) ReadLoad() (rp2040.LoadReading, error)   { return f.load, nil }
func (f *fakeBridge) ReadSpeed() (rp2040.SpeedReading, error) { return f.speed, nil }
func (f *fakeBridge) Tare() error                             { f.tared = true; return nil }
func (f *fakeBridge) Calibration() (rp2040.Calibration, error) {
	return f.cal, nil
}
func (f *fakeBridge) SetCalibration(cal rp2040.Calibration) error {
	f.cal = cal
	return nil
}

type fakeAcquisition struct {
	startErr error
	started  []service.RunParams
	stopped  bool
	status   service.Status
}

func (f *fakeAcquisition) Start(params service.RunParams) (uuid.UUID, error) {
	if f.startErr != nil {
		return uuid.Nil, f.startErr
	}
	f.started = append(f.started, params)
	return uuid.New(), nil
}

func (f *fakeAcquisition) Stop()                  { f.stopped = true }
func (f *fakeAcquisition) Status() service.Status { return f.status }

type fakeSessions struct {
	sessions map[uuid.UUID]domain.Session
}

func (f *fakeSessions) ListSessions(context.Context) ([]domain.Session, error) {
	out := make([]domain.Session, 0, len(f.sessions))
	for _, s := range f.sessions {
		out = append(out, s)
	}
	return out, nil
}

func (f *fakeSessions) GetSession(_ context.Context, id uuid.UUID) (domain.Session, error) {
	s, ok := f.sessions[id]
	if !ok {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	return s, nil
}

func (f *fakeSessions) ListSweeps(context.Context, uuid.UUID) ([]domain.Sweep, error) {
	return nil, nil
}

type fakeTelemetry struct {
	sample domain.TelemetrySample
	ok     bool
}

func (f *fakeTelemetry) Latest() (domain.TelemetrySample, bool) { return f.sample, f.ok }

func newTestServer(t *testing.T, deps api.Deps) *httptest.Server {
	t.Helper()
	deps.Logger = zerolog.Nop()
	srv := httptest.NewServer(api.New(deps).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func TestHealthWithoutAggregator(t *testing.T) {
	srv := newTestServer(t, api.Deps{})

	resp, err := http.Get(srv.URL + "/api/v1/health")
	if err != nil {
		t.Fatalf("GET health: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestTemperatureRead(t *testing.T) {
	temp := &fakeTemp{pv: 87.5, sv: 90.0}
	srv := newTestServer(t, api.Deps{Temperature: temp})

	resp, err := http.Get(srv.URL + "/api/v1/temperature")
	if err != nil {
		t.Fatalf("GET temperature: %v", err)
	}
	defer resp.Body.Close()

	var body map[string]float64
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["pv_c"] != 87.5 || body["sv_c"] != 90.0 {
		t.Errorf("body = %v, want pv 87.5 sv 90", body)
	}
}

func TestMissingHardwareAnswers503(t *testing.T) {
	srv := newTestServer(t, api.Deps{})

	for _, path := range []string{
		"/api/v1/temperature",
		"/api/v1/vfd/status",
		"/api/v1/bridge/load",
		"/api/v1/telemetry/latest",
	} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Errorf("%s status = %d, want 503", path, resp.StatusCode)
		}
	}
}

func TestVFDStartRequiresAPIKey(t *testing.T) {
	drive := &fakeDrive{}
	srv := newTestServer(t, api.Deps{
		Config: config.APIConfig{AuthEnabled: true, APIKey: "secret"},
		Drive:  drive,
	})

	body := strings.NewReader(`{"frequency_hz": 25}`)
	resp, err := http.Post(srv.URL+"/api/v1/vfd/start", "application/json", body)
	if err != nil {
		t.Fatalf("POST start: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want 401", resp.StatusCode)
	}
	if len(drive.commands) != 0 {
		t.Fatal("drive should not have been commanded")
	}

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/v1/vfd/start",
		strings.NewReader(`{"frequency_hz": 25}`))
	req.Header.Set("X-API-Key", "secret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST start with key: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("authenticated status = %d, want 200", resp.StatusCode)
	}
	if drive.freq != 25 {
		t.Errorf("frequency = %v, want 25", drive.freq)
	}
}

func TestVFDStartRejectsNegativeFrequency(t *testing.T) {
	drive := &fakeDrive{}
	srv := newTestServer(t, api.Deps{Drive: drive})

	body := strings.NewReader(`{"frequency_hz": -5}`)
	resp, err := http.Post(srv.URL+"/api/v1/vfd/start", "application/json", body)
	if err != nil {
		t.Fatalf("POST start: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	if len(drive.commands) != 0 {
		t.Error("drive should not have been commanded")
	}
}

func TestAcquisitionStartBusyAnswers409(t *testing.T) {
	acq := &fakeAcquisition{startErr: domain.ErrAcquisitionBusy}
	srv := newTestServer(t, api.Deps{Acquisition: acq})

	body := strings.NewReader(`{"name": "run", "channels": [{"source": "CHAN1"}]}`)
	resp, err := http.Post(srv.URL+"/api/v1/acquisition/start", "application/json", body)
	if err != nil {
		t.Fatalf("POST start: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", resp.StatusCode)
	}
}

func TestAcquisitionStartPassesParams(t *testing.T) {
	acq := &fakeAcquisition{}
	srv := newTestServer(t, api.Deps{Acquisition: acq})

	body := strings.NewReader(`{
		"name": "bearing-test",
		"channels": [{"source": "CHAN1", "alias": "vibration"}],
		"format": "WORD",
		"points": 62500,
		"sweep_count": 10,
		"sweep_interval_s": 0.5
	}`)
	resp, err := http.Post(srv.URL+"/api/v1/acquisition/start", "application/json", body)
	if err != nil {
		t.Fatalf("POST start: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}

	if len(acq.started) != 1 {
		t.Fatalf("started %d runs, want 1", len(acq.started))
	}
	params := acq.started[0]
	if params.Name != "bearing-test" || params.SweepCount != 10 {
		t.Errorf("params = %+v", params)
	}
	if params.SweepInterval != 500*time.Millisecond {
		t.Errorf("interval = %v, want 500ms", params.SweepInterval)
	}
	if len(params.Channels) != 1 || params.Channels[0].Alias != "vibration" {
		t.Errorf("channels = %+v", params.Channels)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	srv := newTestServer(t, api.Deps{
		Sessions: &fakeSessions{sessions: map[uuid.UUID]domain.Session{}},
	})

	resp, err := http.Get(srv.URL + "/api/v1/sessions/" + uuid.NewString())
	if err != nil {
		t.Fatalf("GET session: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestTelemetryLatestBeforeFirstSample(t *testing.T) {
	srv := newTestServer(t, api.Deps{Telemetry: &fakeTelemetry{ok: false}})

	resp, err := http.Get(srv.URL + "/api/v1/telemetry/latest")
	if err != nil {
		t.Fatalf("GET telemetry: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestBridgeTare(t *testing.T) {
	bridge := &fakeBridge{}
	srv := newTestServer(t, api.Deps{Bridge: bridge})

	resp, err := http.Post(srv.URL+"/api/v1/bridge/tare", "application/json", nil)
	if err != nil {
		t.Fatalf("POST tare: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if !bridge.tared {
		t.Error("bridge was not tared")
	}
}
