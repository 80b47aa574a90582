package discovery_test

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/opprud/TestRigInstrumentation/internal/discovery"
	"github.com/opprud/TestRigInstrumentation/internal/domain"
)

func fixedList(ports []discovery.PortInfo) discovery.ListFunc {
	return func() ([]discovery.PortInfo, error) {
		return ports, nil
	}
}

func TestScanClassifiesByUSBIdentity(t *testing.T) {
	ports := []discovery.PortInfo{
		{Device: "/dev/ttyACM0", VID: 0x2E8A, PID: 0x0005},
		{Device: "/dev/ttyACM1", VID: 0x2886, PID: 0x8027},
		{Device: "/dev/ttyUSB0", VID: 0x0403, PID: 0x6001},
		{Device: "/dev/ttyUSB1", VID: 0x0403, PID: 0x6015},
		{Device: "/dev/ttyUSB2", VID: 0x1A86, PID: 0x7523},
	}
	s := discovery.NewScanner(fixedList(ports), zerolog.Nop())

	report, err := s.Scan()
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}

	if len(report.RP2040) != 2 {
		t.Errorf("rp2040 ports = %d, want 2", len(report.RP2040))
	}
	if len(report.FTDI) != 2 {
		t.Errorf("ftdi ports = %d, want 2", len(report.FTDI))
	}
	if len(report.Unknown) != 1 {
		t.Errorf("unknown ports = %d, want 1", len(report.Unknown))
	}
	if report.RP2040[0].Class != discovery.ClassRP2040 {
		t.Errorf("class = %q", report.RP2040[0].Class)
	}
	if report.RP2040[0].Description != "Raspberry Pi RP2040" {
		t.Errorf("description = %q", report.RP2040[0].Description)
	}
}

func TestScanKeepsSysfsDescription(t *testing.T) {
	ports := []discovery.PortInfo{
		{Device: "/dev/ttyUSB0", Description: "USB-RS485 Cable", VID: 0x0403, PID: 0x6001},
	}
	s := discovery.NewScanner(fixedList(ports), zerolog.Nop())

	report, err := s.Scan()
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if report.FTDI[0].Description != "USB-RS485 Cable" {
		t.Errorf("description = %q", report.FTDI[0].Description)
	}
}

func TestFirstRP2040(t *testing.T) {
	ports := []discovery.PortInfo{
		{Device: "/dev/ttyUSB0", VID: 0x0403, PID: 0x6001},
		{Device: "/dev/ttyACM0", VID: 0x2E8A, PID: 0x0005},
	}
	s := discovery.NewScanner(fixedList(ports), zerolog.Nop())

	dev, err := s.FirstRP2040()
	if err != nil {
		t.Fatalf("FirstRP2040 failed: %v", err)
	}
	if dev != "/dev/ttyACM0" {
		t.Errorf("device = %q", dev)
	}
}

func TestFirstRP2040NotFound(t *testing.T) {
	s := discovery.NewScanner(fixedList(nil), zerolog.Nop())

	_, err := s.FirstRP2040()
	if !errors.Is(err, domain.ErrPortNotDiscovered) {
		t.Fatalf("expected not-discovered error, got %v", err)
	}
}

func TestScanPropagatesListFailure(t *testing.T) {
	boom := errors.New("sysfs unavailable")
	s := discovery.NewScanner(func() ([]discovery.PortInfo, error) {
		return nil, boom
	}, zerolog.Nop())

	_, err := s.Scan()
	if !errors.Is(err, boom) {
		t.Fatalf("expected list error, got %v", err)
	}
}
