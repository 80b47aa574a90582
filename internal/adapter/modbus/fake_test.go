package modbus_test

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/opprud/TestRigInstrumentation/internal/adapter/modbus"
)

// fakeLine scripts transport behavior across reconnects. One fakeLine is
// shared by every transport instance the supervisor creates for a line, so
// scripts like "fail connect twice then succeed" span reconnections.
type fakeLine struct {
	mu sync.Mutex

	// connectErrs are consumed one per Connect; nil entries succeed.
	// Once exhausted, Connect succeeds.
	connectErrs []error

	readFn  func(slaveID byte, address uint16) (uint16, error)
	writeFn func(slaveID byte, address uint16, value uint16) error

	connects   atomic.Int32
	closes     atomic.Int32
	transports atomic.Int32

	// inFlight asserts the single-caller-at-a-time invariant on the
	// shared line; overlapping register operations bump violations.
	inFlight   atomic.Int32
	violations atomic.Int32
}

func (f *fakeLine) factory(cfg modbus.LineConfig) modbus.Transport {
	f.transports.Add(1)
	return &fakeTransport{line: f}
}

func (f *fakeLine) nextConnectErr() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.connectErrs) == 0 {
		return nil
	}
	err := f.connectErrs[0]
	f.connectErrs = f.connectErrs[1:]
	return err
}

func (f *fakeLine) enter() {
	if !f.inFlight.CompareAndSwap(0, 1) {
		f.violations.Add(1)
	}
}

func (f *fakeLine) exit() {
	f.inFlight.Store(0)
}

type fakeTransport struct {
	line      *fakeLine
	connected bool
}

func (t *fakeTransport) Connect() error {
	if err := t.line.nextConnectErr(); err != nil {
		return err
	}
	t.line.connects.Add(1)
	t.connected = true
	return nil
}

func (t *fakeTransport) Close() error {
	if t.connected {
		t.line.closes.Add(1)
		t.connected = false
	}
	return nil
}

func (t *fakeTransport) Addressing() modbus.AddressingMode {
	return modbus.AddressingUnitID
}

func (t *fakeTransport) ReadHoldingRegister(slaveID byte, address uint16) (uint16, error) {
	t.line.enter()
	defer t.line.exit()
	time.Sleep(100 * time.Microsecond)

	if t.line.readFn != nil {
		return t.line.readFn(slaveID, address)
	}
	return 0, nil
}

func (t *fakeTransport) WriteHoldingRegister(slaveID byte, address uint16, value uint16) error {
	t.line.enter()
	defer t.line.exit()
	time.Sleep(100 * time.Microsecond)

	if t.line.writeFn != nil {
		return t.line.writeFn(slaveID, address, value)
	}
	return nil
}
