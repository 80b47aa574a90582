package domain

import (
	"time"

	"github.com/google/uuid"
)

// TelemetrySample is one synchronized snapshot of rig sensors. Fields are
// pointers because any sensor may be absent or failing on a given cycle;
// a nil field means "no reading", which is an expected outcome on a noisy
// line, not an error.
type TelemetrySample struct {
	Timestamp time.Time `json:"timestamp_utc"`

	// RP2040 load cell / tachometer.
	LoadGrams *float64 `json:"load_g,omitempty"`
	RPM       *float64 `json:"rpm,omitempty"`

	// E5CC temperature controller.
	TemperatureC *float64 `json:"temperature_c,omitempty"`

	// RS510 VFD.
	VFDFrequencyHz *float64 `json:"vfd_frequency_hz,omitempty"`
	VFDFaultCode   *uint16  `json:"vfd_fault_code,omitempty"`
}

// VFDStatus is a point-in-time snapshot of the drive's command registers.
type VFDStatus struct {
	FrequencyCmdHz float64    `json:"frequency_cmd_hz"`
	BaseFreqHz     float64    `json:"base_freq_hz"`
	MaxFreqHz      float64    `json:"max_freq_hz"`
	AccelTimeS     float64    `json:"accel_time_s"`
	DecelTimeS     float64    `json:"decel_time_s"`
	RunCommand     VFDCommand `json:"run_command"`
	FaultCode      uint16     `json:"fault_code"`
	Timestamp      time.Time  `json:"timestamp"`
}

// Waveform is one channel's capture within a sweep. Raw holds the scope's
// untouched WORD or BYTE samples; the preamble fields carry the scaling
// needed to reconstruct volts and seconds downstream.
type Waveform struct {
	Source     string  `json:"source"` // e.g. "CHAN1"
	Alias      string  `json:"alias"`  // user label, e.g. "vibration"
	Format     string  `json:"format"` // WORD or BYTE
	Points     int     `json:"points"`
	XIncrement float64 `json:"x_increment"`
	XOrigin    float64 `json:"x_origin"`
	XReference float64 `json:"x_reference"`
	YIncrement float64 `json:"y_increment"`
	YOrigin    float64 `json:"y_origin"`
	YReference float64 `json:"y_reference"`
	SampleRate float64 `json:"sample_rate"`
	Raw        []byte  `json:"-"`
}

// Sweep groups the waveforms captured in one scope digitize together with
// the telemetry sample taken alongside it.
type Sweep struct {
	ID        uuid.UUID       `json:"id"`
	SessionID uuid.UUID       `json:"session_id"`
	Index     int             `json:"index"`
	StartedAt time.Time       `json:"started_at"`
	Waveforms []Waveform      `json:"waveforms"`
	Telemetry TelemetrySample `json:"telemetry"`
}

// Session is one acquisition run: a named series of sweeps.
type Session struct {
	ID         uuid.UUID `json:"id"`
	Name       string    `json:"name"`
	ScopeIDN   string    `json:"scope_idn"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	SweepCount int       `json:"sweep_count"`
}
