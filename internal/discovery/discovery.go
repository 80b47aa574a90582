// Package discovery enumerates the rig's USB serial hardware. Devices are
// classified by USB vendor/product ID: the RP2040 bridge board enumerates
// as a CDC-ACM port, the RS-485 lines sit behind FTDI adapters.
package discovery

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/opprud/TestRigInstrumentation/internal/domain"
)

// DeviceClass is the rig-level role inferred from a port's USB identity.
type DeviceClass string

const (
	ClassRP2040  DeviceClass = "rp2040"
	ClassFTDI    DeviceClass = "ftdi"
	ClassUnknown DeviceClass = "unknown"
)

// USBID is a vendor/product pair.
type USBID struct {
	VID uint16
	PID uint16
}

// knownDevices maps USB identities onto rig roles.
var knownDevices = map[USBID]struct {
	class DeviceClass
	desc  string
}{
	{0x2E8A, 0x0005}: {ClassRP2040, "Raspberry Pi RP2040"},
	{0x2886, 0x8027}: {ClassRP2040, "Seeed Studio XIAO RP2040"},
	{0x0403, 0x6001}: {ClassFTDI, "FTDI FT232R"},
	{0x0403, 0x6014}: {ClassFTDI, "FTDI FT232H"},
	{0x0403, 0x6015}: {ClassFTDI, "FTDI FT-X"},
}

// PortInfo describes one enumerated serial port.
type PortInfo struct {
	Device       string      `json:"device"`
	Description  string      `json:"description,omitempty"`
	VID          uint16      `json:"vid"`
	PID          uint16      `json:"pid"`
	SerialNumber string      `json:"serial_number,omitempty"`
	Class        DeviceClass `json:"class"`
}

// Report groups enumerated ports by rig role.
type Report struct {
	RP2040    []PortInfo `json:"rp2040"`
	FTDI      []PortInfo `json:"ftdi"`
	Unknown   []PortInfo `json:"unknown"`
	ScannedAt time.Time  `json:"scanned_at"`
}

// ListFunc enumerates raw serial ports. Injectable for tests; the default
// walks sysfs.
type ListFunc func() ([]PortInfo, error)

// Scanner classifies serial ports and probes board liveness.
type Scanner struct {
	list   ListFunc
	logger zerolog.Logger
}

// NewScanner builds a scanner. list may be nil.
func NewScanner(list ListFunc, logger zerolog.Logger) *Scanner {
	if list == nil {
		list = listSysfs
	}
	return &Scanner{
		list:   list,
		logger: logger.With().Str("component", "discovery").Logger(),
	}
}

// Scan enumerates and classifies every serial port.
func (s *Scanner) Scan() (Report, error) {
	ports, err := s.list()
	if err != nil {
		return Report{}, fmt.Errorf("enumerate serial ports: %w", err)
	}

	report := Report{ScannedAt: time.Now().UTC()}
	for _, p := range ports {
		p.Class = ClassUnknown
		if known, ok := knownDevices[USBID{p.VID, p.PID}]; ok {
			p.Class = known.class
			if p.Description == "" {
				p.Description = known.desc
			}
		}

		switch p.Class {
		case ClassRP2040:
			report.RP2040 = append(report.RP2040, p)
		case ClassFTDI:
			report.FTDI = append(report.FTDI, p)
		default:
			report.Unknown = append(report.Unknown, p)
		}
	}

	s.logger.Debug().
		Int("rp2040", len(report.RP2040)).
		Int("ftdi", len(report.FTDI)).
		Int("unknown", len(report.Unknown)).
		Msg("Serial port scan complete")
	return report, nil
}

// FirstRP2040 returns the device path of the first bridge board found.
func (s *Scanner) FirstRP2040() (string, error) {
	report, err := s.Scan()
	if err != nil {
		return "", err
	}
	if len(report.RP2040) == 0 {
		return "", fmt.Errorf("%w: no RP2040 serial port", domain.ErrPortNotDiscovered)
	}
	return report.RP2040[0].Device, nil
}

// FirstFTDI returns the device path of the first RS-485 adapter found.
func (s *Scanner) FirstFTDI() (string, error) {
	report, err := s.Scan()
	if err != nil {
		return "", err
	}
	if len(report.FTDI) == 0 {
		return "", fmt.Errorf("%w: no FTDI serial port", domain.ErrPortNotDiscovered)
	}
	return report.FTDI[0].Device, nil
}

// listSysfs walks /sys/class/tty and reads USB identity attributes from
// the owning device. Ports without a USB parent (onboard UARTs) are
// skipped.
func listSysfs() ([]PortInfo, error) {
	entries, err := os.ReadDir("/sys/class/tty")
	if err != nil {
		return nil, err
	}

	var ports []PortInfo
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "ttyUSB") && !strings.HasPrefix(name, "ttyACM") {
			continue
		}

		usbDir, ok := findUSBDevice(filepath.Join("/sys/class/tty", name, "device"))
		if !ok {
			continue
		}

		vid, err1 := readHexAttr(filepath.Join(usbDir, "idVendor"))
		pid, err2 := readHexAttr(filepath.Join(usbDir, "idProduct"))
		if err1 != nil || err2 != nil {
			continue
		}

		ports = append(ports, PortInfo{
			Device:       "/dev/" + name,
			Description:  readStrAttr(filepath.Join(usbDir, "product")),
			VID:          vid,
			PID:          pid,
			SerialNumber: readStrAttr(filepath.Join(usbDir, "serial")),
		})
	}
	return ports, nil
}

// findUSBDevice climbs from a tty's device link to the USB device node
// that carries idVendor/idProduct.
func findUSBDevice(start string) (string, bool) {
	dir, err := filepath.EvalSymlinks(start)
	if err != nil {
		return "", false
	}
	for i := 0; i < 6; i++ {
		if _, err := os.Stat(filepath.Join(dir, "idVendor")); err == nil {
			return dir, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", false
}

func readHexAttr(path string) (uint16, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(b)), 16, 16)
	if err != nil {
		return 0, err
	}
	return uint16(v), nil
}

func readStrAttr(path string) string {
	b, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}
