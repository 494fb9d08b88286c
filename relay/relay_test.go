package relay

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danielstarman/slay-the-spire-mcp-sub000/config"
	"github.com/danielstarman/slay-the-spire-mcp-sub000/logger"
)

func TestMain(m *testing.M) {
	logger.Init()
	os.Exit(m.Run())
}

func testConfig() config.BridgeConfig {
	return config.BridgeConfig{
		Host:                 "127.0.0.1",
		Port:                 7777,
		ReconnectDelay:       time.Second,
		MaxReconnectAttempts: 5,
		BackoffCap:           10 * time.Second,
		StdinEOFRetryDelay:   500 * time.Millisecond,
		MaxStdinEOFRetries:   5,
	}
}

// recordingSleeper captures requested delays without waiting.
type recordingSleeper struct {
	mutex  sync.Mutex
	delays []time.Duration
}

func (s *recordingSleeper) sleep(d time.Duration) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.delays = append(s.delays, d)
}

func (s *recordingSleeper) recorded() []time.Duration {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	out := make([]time.Duration, len(s.delays))
	copy(out, s.delays)
	return out
}

func failingDialer(ctx context.Context, addr string) (net.Conn, error) {
	return nil, errors.New("connection refused")
}

// pipeDialer hands the relay one end of a pipe and collects everything
// written to it on the other end.
type pipeDialer struct {
	mutex    sync.Mutex
	received bytes.Buffer
}

func (d *pipeDialer) dial(ctx context.Context, addr string) (net.Conn, error) {
	client, server := net.Pipe()
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := server.Read(buf)
			if n > 0 {
				d.mutex.Lock()
				d.received.Write(buf[:n])
				d.mutex.Unlock()
			}
			if err != nil {
				return
			}
		}
	}()
	return client, nil
}

func (d *pipeDialer) wireContents() string {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.received.String()
}

func newTestRelay(dial Dialer, sleeper *recordingSleeper) (*Relay, *bytes.Buffer) {
	output := &bytes.Buffer{}
	r := NewRelay(testConfig(), NewReaderSource(strings.NewReader("")), output)
	r.dial = dial
	r.sleep = sleeper.sleep
	return r, output
}

func TestRelay_SendReady(t *testing.T) {
	sleeper := &recordingSleeper{}
	r, output := newTestRelay(failingDialer, sleeper)

	r.SendReady()
	if output.String() != "ready\n" {
		t.Errorf("Expected ready handshake, got %q", output.String())
	}
}

func TestRelay_SendEmptyLineIsNoOp(t *testing.T) {
	sleeper := &recordingSleeper{}
	r, _ := newTestRelay(failingDialer, sleeper)

	for _, line := range []string{"", "   ", "\n", "\r\n", " \t \n"} {
		if !r.Send(context.Background(), line) {
			t.Errorf("Send(%q) should succeed as a no-op", line)
		}
	}
	if r.pendingMessage != "" {
		t.Errorf("Empty sends must not occupy the pending buffer, got %q", r.pendingMessage)
	}
	if len(sleeper.recorded()) != 0 {
		t.Error("Empty sends must not trigger reconnection attempts")
	}
}

func TestRelay_PendingBufferLastWriteWins(t *testing.T) {
	sleeper := &recordingSleeper{}
	r, _ := newTestRelay(failingDialer, sleeper)

	for _, line := range []string{"first", "second", "third"} {
		if r.Send(context.Background(), line) {
			t.Errorf("Send(%q) should report failure while disconnected", line)
		}
	}

	if r.pendingMessage != "third\n" {
		t.Errorf("Expected only the most recent line buffered, got %q", r.pendingMessage)
	}
}

func TestRelay_ConnectWithRetryBackoff(t *testing.T) {
	sleeper := &recordingSleeper{}
	attempts := 0
	dialer := &pipeDialer{}
	flaky := func(ctx context.Context, addr string) (net.Conn, error) {
		attempts++
		if attempts <= 3 {
			return nil, errors.New("connection refused")
		}
		return dialer.dial(ctx, addr)
	}

	r, _ := newTestRelay(flaky, sleeper)

	if !r.ConnectWithRetry(context.Background()) {
		t.Fatal("Expected connection to succeed on the fourth attempt")
	}

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	got := sleeper.recorded()
	if len(got) != len(want) {
		t.Fatalf("Expected %d backoff delays, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Delay %d = %v, want %v", i, got[i], want[i])
		}
		if got[i] > 10*time.Second {
			t.Errorf("Delay %d exceeds the backoff cap", i)
		}
	}
	if r.reconnectCount != 0 {
		t.Error("A successful connect must reset the reconnect counter")
	}
}

func TestRelay_ConnectWithRetryGivesUp(t *testing.T) {
	sleeper := &recordingSleeper{}
	r, _ := newTestRelay(failingDialer, sleeper)

	if r.ConnectWithRetry(context.Background()) {
		t.Fatal("Expected all attempts to fail")
	}
	// max_reconnect_attempts=5 means 4 waits between the 5 attempts.
	if len(sleeper.recorded()) != 4 {
		t.Errorf("Expected 4 backoff waits, got %v", sleeper.recorded())
	}
}

func TestRelay_BackoffIsCapped(t *testing.T) {
	sleeper := &recordingSleeper{}
	cfg := testConfig()
	cfg.MaxReconnectAttempts = 8
	r := NewRelay(cfg, NewReaderSource(strings.NewReader("")), &bytes.Buffer{})
	r.dial = failingDialer
	r.sleep = sleeper.sleep

	r.ConnectWithRetry(context.Background())

	for i, d := range sleeper.recorded() {
		if d > cfg.BackoffCap {
			t.Errorf("Delay %d = %v exceeds cap %v", i, d, cfg.BackoffCap)
		}
	}
}

func TestRelay_SendNormalizesAndDelivers(t *testing.T) {
	sleeper := &recordingSleeper{}
	dialer := &pipeDialer{}
	r, _ := newTestRelay(dialer.dial, sleeper)

	if err := r.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if !r.Send(context.Background(), "hello\r\n") {
		t.Fatal("Send should succeed while connected")
	}
	if !r.Send(context.Background(), " \tpadded\r\n ") {
		t.Fatal("Send should succeed while connected")
	}

	waitFor(t, func() bool { return dialer.wireContents() == "hello\npadded\n" })
}

func TestRelay_PendingFlushedBeforeNewLine(t *testing.T) {
	sleeper := &recordingSleeper{}
	dialer := &pipeDialer{}
	r, _ := newTestRelay(dialer.dial, sleeper)

	r.mutex.Lock()
	r.pendingMessage = "buffered\n"
	r.mutex.Unlock()

	if err := r.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if !r.Send(context.Background(), "fresh") {
		t.Fatal("Send should succeed while connected")
	}

	waitFor(t, func() bool { return dialer.wireContents() == "buffered\nfresh\n" })
	if r.pendingMessage != "" {
		t.Errorf("Pending buffer should be drained, got %q", r.pendingMessage)
	}
}

func TestRelay_SendFailureTearsDownAndRebuffers(t *testing.T) {
	sleeper := &recordingSleeper{}
	client, server := net.Pipe()
	server.Close() // writes on client now fail

	r := NewRelay(testConfig(), NewReaderSource(strings.NewReader("")), &bytes.Buffer{})
	r.sleep = sleeper.sleep
	r.dial = failingDialer
	r.mutex.Lock()
	r.conn = client
	r.mutex.Unlock()

	if r.Send(context.Background(), "doomed") {
		t.Fatal("Send over a broken connection should fail")
	}
	if r.IsConnected() {
		t.Error("A failed send must tear the connection down")
	}
	if r.pendingMessage != "doomed\n" {
		t.Errorf("The failed line must be re-buffered, got %q", r.pendingMessage)
	}
}

// stubSource returns queued lines, then reports end-of-input forever.
type stubSource struct {
	mutex sync.Mutex
	lines [][]byte
}

func (s *stubSource) ReadLine(ctx context.Context) ([]byte, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if len(s.lines) == 0 {
		return nil, nil
	}
	line := s.lines[0]
	s.lines = s.lines[1:]
	return line, nil
}

func TestRelay_InboundEOFRetryCeiling(t *testing.T) {
	sleeper := &recordingSleeper{}
	source := &stubSource{}

	cfg := testConfig()
	r := NewRelay(cfg, source, &bytes.Buffer{})
	r.sleep = sleeper.sleep
	r.dial = failingDialer

	if err := r.runInbound(context.Background()); err != nil {
		t.Fatalf("runInbound should terminate cleanly at the retry ceiling, got %v", err)
	}

	// One wait per EOF retry, then the ceiling ends the loop.
	got := 0
	for _, d := range sleeper.recorded() {
		if d == cfg.StdinEOFRetryDelay {
			got++
		}
	}
	if got != cfg.MaxStdinEOFRetries {
		t.Errorf("Expected %d EOF retry waits, got %d", cfg.MaxStdinEOFRetries, got)
	}
}

func TestRelay_InboundForwardsLines(t *testing.T) {
	sleeper := &recordingSleeper{}
	dialer := &pipeDialer{}
	source := &stubSource{lines: [][]byte{
		[]byte("{\"floor\":1}\n"),
		[]byte("\n"), // blank line is skipped, not an EOF
		[]byte("{\"floor\":2}\n"),
	}}

	cfg := testConfig()
	cfg.MaxStdinEOFRetries = 0
	r := NewRelay(cfg, source, &bytes.Buffer{})
	r.sleep = sleeper.sleep
	r.dial = dialer.dial

	if err := r.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := r.runInbound(context.Background()); err != nil {
		t.Fatalf("runInbound failed: %v", err)
	}

	waitFor(t, func() bool {
		return dialer.wireContents() == "{\"floor\":1}\n{\"floor\":2}\n"
	})
}

func TestRelay_CloseIsIdempotent(t *testing.T) {
	sleeper := &recordingSleeper{}
	dialer := &pipeDialer{}
	r, _ := newTestRelay(dialer.dial, sleeper)

	if err := r.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	r.Close()
	r.Close()
	if r.IsConnected() {
		t.Error("Close should disconnect")
	}
}

func TestReaderSource_ReadsLinesAndReportsEOF(t *testing.T) {
	source := NewReaderSource(strings.NewReader("one\ntwo\n"))

	line, err := source.ReadLine(context.Background())
	if err != nil || string(line) != "one\n" {
		t.Fatalf("Expected one, got %q err=%v", line, err)
	}
	line, err = source.ReadLine(context.Background())
	if err != nil || string(line) != "two\n" {
		t.Fatalf("Expected two, got %q err=%v", line, err)
	}
	line, err = source.ReadLine(context.Background())
	if err != nil || len(line) != 0 {
		t.Fatalf("Expected end-of-input, got %q err=%v", line, err)
	}
}

func TestThreadedSource_RestartUsesFreshChannel(t *testing.T) {
	readers := make(chan io.Reader, 2)
	readers <- strings.NewReader("first gen\n")
	readers <- strings.NewReader("second gen\n")

	source := NewThreadedSource(func() io.Reader { return <-readers })
	ctx := context.Background()

	line, err := source.ReadLine(ctx)
	if err != nil || string(line) != "first gen\n" {
		t.Fatalf("Expected first gen line, got %q err=%v", line, err)
	}

	// First generation ends.
	line, err = source.ReadLine(ctx)
	if err != nil || len(line) != 0 {
		t.Fatalf("Expected end-of-input, got %q err=%v", line, err)
	}
	waitFor(t, func() bool { return !source.IsRunning() })

	// Restart must not leak the old generation's end-of-input marker.
	source.Restart()
	line, err = source.ReadLine(ctx)
	if err != nil || string(line) != "second gen\n" {
		t.Fatalf("Expected second gen line after restart, got %q err=%v", line, err)
	}
}

func TestThreadedSource_ReadLineHonorsContext(t *testing.T) {
	blocked := make(chan struct{})
	source := NewThreadedSource(func() io.Reader {
		return blockingReader{unblock: blocked}
	})
	defer close(blocked)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := source.ReadLine(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected deadline error, got %v", err)
	}
}

type blockingReader struct {
	unblock chan struct{}
}

func (r blockingReader) Read(p []byte) (int, error) {
	<-r.unblock
	return 0, io.EOF
}

func waitFor(t *testing.T, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("Condition not met within deadline")
}
