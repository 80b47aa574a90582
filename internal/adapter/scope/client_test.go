package scope_test

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/opprud/TestRigInstrumentation/internal/adapter/scope"
	"github.com/opprud/TestRigInstrumentation/internal/domain"
)

// fakeInstrument answers SCPI over one side of a net.Pipe. Replies are
// keyed by query; commands without '?' are absorbed silently.
type fakeInstrument struct {
	replies map[string]string
}

func (f *fakeInstrument) dial() scope.DialFunc {
	return func(ctx context.Context, addr string) (net.Conn, error) {
		client, server := net.Pipe()
		go f.serve(server)
		return client, nil
	}
}

func (f *fakeInstrument) serve(conn net.Conn) {
	defer conn.Close()
	rd := bufio.NewReader(conn)
	for {
		line, err := rd.ReadString('\n')
		if err != nil {
			return
		}
		cmd := strings.TrimRight(line, "\r\n")
		if !strings.Contains(cmd, "?") {
			continue
		}
		reply, ok := f.replies[cmd]
		if !ok {
			reply = "0\n"
		}
		if _, err := conn.Write([]byte(reply)); err != nil {
			return
		}
	}
}

func defaultReplies() map[string]string {
	return map[string]string{
		"*IDN?":      "FAKE TECHNOLOGIES,MSO-X 3024T,MY00000000,07.50\n",
		"*OPC?":      "1\n",
		":WAV:PRE?":  "+1,+0,+4,+1,+2.0E-09,-1.0E-06,0,+4.0E-03,+1.2E-01,+128\n",
		":WAV:DATA?": "#14\x10\x20\x30\x40\n",
	}
}

func newTestClient(t *testing.T, inst *fakeInstrument) *scope.Client {
	t.Helper()
	cfg := scope.Config{Host: "scope.local", Timeout: time.Second, DialTimeout: time.Second}
	return scope.NewClient(cfg, inst.dial(), zerolog.Nop(), nil)
}

func TestIdentify(t *testing.T) {
	c := newTestClient(t, &fakeInstrument{replies: defaultReplies()})
	defer c.Close()

	idn, err := c.Identify(context.Background())
	if err != nil {
		t.Fatalf("Identify failed: %v", err)
	}
	if !strings.Contains(idn, "MSO-X 3024T") {
		t.Errorf("unexpected identity %q", idn)
	}
}

func TestDigitizeWaitsForCompletion(t *testing.T) {
	c := newTestClient(t, &fakeInstrument{replies: defaultReplies()})
	defer c.Close()

	if err := c.Digitize(context.Background(), "AUTO"); err != nil {
		t.Fatalf("Digitize failed: %v", err)
	}
}

func TestFetchWaveform(t *testing.T) {
	c := newTestClient(t, &fakeInstrument{replies: defaultReplies()})
	defer c.Close()

	wf, err := c.FetchWaveform(context.Background(), "CHAN1", "BYTE", 4)
	if err != nil {
		t.Fatalf("FetchWaveform failed: %v", err)
	}

	if wf.Source != "CHAN1" || wf.Format != "BYTE" {
		t.Errorf("source/format = %q/%q", wf.Source, wf.Format)
	}
	if wf.Points != 4 {
		t.Errorf("points = %d, want 4", wf.Points)
	}
	if string(wf.Raw) != "\x10\x20\x30\x40" {
		t.Errorf("raw payload = % X", wf.Raw)
	}
	if wf.XIncrement != 2.0e-9 {
		t.Errorf("x increment = %g", wf.XIncrement)
	}
	if wf.YReference != 128 {
		t.Errorf("y reference = %g", wf.YReference)
	}
	wantRate := 1.0 / 2.0e-9
	if wf.SampleRate != wantRate {
		t.Errorf("sample rate = %g, want %g", wf.SampleRate, wantRate)
	}
}

func TestQueryBlockRejectsBadHeader(t *testing.T) {
	replies := defaultReplies()
	replies[":WAV:DATA?"] = "not a block\n"
	c := newTestClient(t, &fakeInstrument{replies: replies})
	defer c.Close()

	_, err := c.QueryBlock(context.Background(), ":WAV:DATA?")
	if !errors.Is(err, domain.ErrScopeQueryFailed) {
		t.Fatalf("expected query failure, got %v", err)
	}
}

func TestBreakerOpensOnDeadScope(t *testing.T) {
	cfg := scope.Config{Host: "scope.local", Timeout: time.Second}
	dead := func(ctx context.Context, addr string) (net.Conn, error) {
		return nil, errors.New("connection refused")
	}
	c := scope.NewClient(cfg, dead, zerolog.Nop(), nil)

	var sawOpen bool
	for i := 0; i < 10; i++ {
		_, err := c.Identify(context.Background())
		if err == nil {
			t.Fatal("expected every call to fail")
		}
		if errors.Is(err, domain.ErrCircuitBreakerOpen) {
			sawOpen = true
			break
		}
	}
	if !sawOpen {
		t.Error("expected the circuit breaker to open after repeated dial failures")
	}
}
