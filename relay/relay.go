// relay/relay.go
package relay

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/danielstarman/slay-the-spire-mcp-sub000/config"
	"github.com/danielstarman/slay-the-spire-mcp-sub000/logger"
)

// ReadyMessage is written to local output before anything else, so the
// process that spawned the relay knows it is accepting input.
const ReadyMessage = "ready\n"

// outboundPollDelay paces the network->output loop while disconnected
// or at EOF; reconnection is handled on the send path, this loop only
// waits for the link to come back.
const outboundPollDelay = 100 * time.Millisecond

var ErrNotConnected = errors.New("relay: not connected")

// Dialer abstracts the outbound connection for tests.
type Dialer func(ctx context.Context, addr string) (net.Conn, error)

func netDialer(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr)
}

// Relay moves lines from a local input source to one outbound TCP
// connection and lines from that connection back to local output. The
// two directions run concurrently and independently; the relay owns
// the reconnect policy and a single-slot last-write-wins buffer for
// the most recent undelivered outbound line.
type Relay struct {
	cfg    config.BridgeConfig
	source LineSource
	output io.Writer
	dial   Dialer
	sleep  func(time.Duration)

	mutex          sync.Mutex
	conn           net.Conn
	connReader     *bufio.Reader
	pendingMessage string
	reconnectCount int

	closeOnce sync.Once
}

func NewRelay(cfg config.BridgeConfig, source LineSource, output io.Writer) *Relay {
	return &Relay{
		cfg:    cfg,
		source: source,
		output: output,
		dial:   netDialer,
		sleep:  time.Sleep,
	}
}

func (r *Relay) addr() string {
	return fmt.Sprintf("%s:%d", r.cfg.Host, r.cfg.Port)
}

// IsConnected reports whether an outbound connection is currently up.
func (r *Relay) IsConnected() bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.conn != nil
}

// SendReady writes the handshake line to local output.
func (r *Relay) SendReady() {
	if _, err := io.WriteString(r.output, ReadyMessage); err != nil {
		logger.Log.Errorf("Failed to write ready handshake: %v", err)
	}
	r.flushOutput()
}

func (r *Relay) flushOutput() {
	type flusher interface{ Flush() error }
	if f, ok := r.output.(flusher); ok {
		if err := f.Flush(); err != nil {
			logger.Log.Errorf("Failed to flush output: %v", err)
		}
	}
}

// Connect makes a single connection attempt. Success resets the
// reconnect counter.
func (r *Relay) Connect(ctx context.Context) error {
	conn, err := r.dial(ctx, r.addr())
	if err != nil {
		logger.Log.Errorf("Failed to connect to server at %s: %v", r.addr(), err)
		return err
	}

	r.mutex.Lock()
	r.conn = conn
	r.connReader = bufio.NewReader(conn)
	r.reconnectCount = 0
	r.mutex.Unlock()

	logger.Log.Infof("Connected to server at %s", r.addr())
	return nil
}

// ConnectWithRetry repeats Connect with exponential backoff (delay
// doubling per attempt, capped) up to the configured attempt ceiling.
func (r *Relay) ConnectWithRetry(ctx context.Context) bool {
	backoff := r.cfg.ReconnectDelay
	for attempt := 1; attempt <= r.cfg.MaxReconnectAttempts; attempt++ {
		if r.Connect(ctx) == nil {
			return true
		}
		if ctx.Err() != nil {
			return false
		}

		if attempt < r.cfg.MaxReconnectAttempts {
			logger.Log.Infof("Connection attempt %d/%d failed, retrying in %v",
				attempt, r.cfg.MaxReconnectAttempts, backoff)
			r.sleep(backoff)
			backoff *= 2
			if backoff > r.cfg.BackoffCap {
				backoff = r.cfg.BackoffCap
			}
		}
	}

	logger.Log.Errorf("Failed to connect after %d attempts", r.cfg.MaxReconnectAttempts)
	return false
}

// ensureConnected reattempts the connection when it is down, with a
// fixed delay between attempts and a hard ceiling. The counter resets
// on any successful connect, so the ceiling bounds consecutive
// failures, not total reconnects over the relay's lifetime.
func (r *Relay) ensureConnected(ctx context.Context) bool {
	if r.IsConnected() {
		return true
	}

	for {
		r.mutex.Lock()
		if r.reconnectCount >= r.cfg.MaxReconnectAttempts {
			r.mutex.Unlock()
			break
		}
		r.reconnectCount++
		attempt := r.reconnectCount
		r.mutex.Unlock()

		logger.Log.Infof("Reconnection attempt %d/%d", attempt, r.cfg.MaxReconnectAttempts)
		r.sleep(r.cfg.ReconnectDelay)
		if ctx.Err() != nil {
			return false
		}

		if r.Connect(ctx) == nil {
			return true
		}
	}

	logger.Log.Errorf("Failed to reconnect after %d attempts", r.cfg.MaxReconnectAttempts)
	return false
}

// Send relays one line to the server. Empty lines are accepted as
// no-ops. When disconnected the line lands in the pending buffer
// (replacing any older undelivered line) and Send returns false so the
// caller knows delivery is deferred, not lost. A send always drains
// the pending line before the new one so relative order holds.
func (r *Relay) Send(ctx context.Context, line string) bool {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return true
	}
	normalized := trimmed + "\n"

	if !r.ensureConnected(ctx) {
		r.mutex.Lock()
		r.pendingMessage = normalized
		r.mutex.Unlock()
		logger.Log.Warn("Connection failed, buffered message for retry")
		return false
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.conn == nil {
		// Torn down between ensureConnected and here.
		r.pendingMessage = normalized
		return false
	}

	if r.pendingMessage != "" {
		pending := r.pendingMessage
		r.pendingMessage = ""
		if !r.writeLocked(pending) {
			// Pending failed; the newer line wins the buffer slot.
			r.pendingMessage = normalized
			return false
		}
	}

	if !r.writeLocked(normalized) {
		r.pendingMessage = normalized
		return false
	}
	return true
}

// writeLocked writes one normalized line; on failure it tears the
// connection down so the next Send triggers reconnect handling.
// Caller holds r.mutex.
func (r *Relay) writeLocked(normalized string) bool {
	if _, err := r.conn.Write([]byte(normalized)); err != nil {
		logger.Log.Errorf("Failed to send to server: %v", err)
		r.teardownLocked()
		return false
	}
	return true
}

func (r *Relay) teardownLocked() {
	if r.conn == nil {
		return
	}
	if err := r.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		logger.Log.Warnf("Error closing connection: %v", err)
	}
	r.conn = nil
	r.connReader = nil
}

// Close tears down the connection. Idempotent; already-closed errors
// are logged, not returned.
func (r *Relay) Close() {
	r.closeOnce.Do(func() {
		r.mutex.Lock()
		defer r.mutex.Unlock()
		r.teardownLocked()
		logger.Log.Info("Connection closed")
	})
}

// runInbound reads records from the local source and forwards each
// non-empty one via Send. End-of-input increments a retry counter,
// waits, and restarts a restartable source; past the ceiling the loop
// terminates and the relay winds down.
func (r *Relay) runInbound(ctx context.Context) error {
	eofRetries := 0

	for {
		line, err := r.source.ReadLine(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Log.Info("Input relay cancelled")
				return ctx.Err()
			}
			return fmt.Errorf("relay: input read: %w", err)
		}

		if len(line) == 0 {
			eofRetries++
			if eofRetries > r.cfg.MaxStdinEOFRetries {
				logger.Log.Infof("EOF on input persisted after %d retries, shutting down",
					r.cfg.MaxStdinEOFRetries)
				return nil
			}

			logger.Log.Warnf("EOF on input (attempt %d/%d), retrying after %v",
				eofRetries, r.cfg.MaxStdinEOFRetries, r.cfg.StdinEOFRetryDelay)
			r.sleep(r.cfg.StdinEOFRetryDelay)

			if restartable, ok := r.source.(Restartable); ok && !restartable.IsRunning() {
				restartable.Restart()
			}
			continue
		}

		// Any successful read resets the retry counter.
		eofRetries = 0
		r.Send(ctx, string(line))
	}
}

// runOutbound reads lines from the server connection and writes them
// to local output. EOF and disconnection pause and poll; this loop
// never terminates the relay on its own.
func (r *Relay) runOutbound(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			logger.Log.Info("Output relay cancelled")
			return
		}

		r.mutex.Lock()
		reader := r.connReader
		r.mutex.Unlock()

		if reader == nil {
			r.sleep(outboundPollDelay)
			continue
		}

		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				logger.Log.Info("EOF from server")
			} else if ctx.Err() == nil {
				logger.Log.Errorf("Error reading from server: %v", err)
			}
			r.sleep(outboundPollDelay)
			continue
		}

		if strings.TrimSpace(line) == "" {
			continue
		}
		if _, err := io.WriteString(r.output, line); err != nil {
			logger.Log.Errorf("Failed to write command to output: %v", err)
			continue
		}
		r.flushOutput()
		logger.Log.Debugf("Relayed command to output: %s", strings.TrimSpace(line))
	}
}

// Run is the relay's main entry point: handshake, initial connect with
// retry, then both directions until the input side gives up or ctx is
// cancelled.
func (r *Relay) Run(ctx context.Context) error {
	r.SendReady()

	if !r.ConnectWithRetry(ctx) {
		return fmt.Errorf("relay: initial connection failed after %d attempts",
			r.cfg.MaxReconnectAttempts)
	}

	outboundCtx, cancelOutbound := context.WithCancel(ctx)
	var outboundDone sync.WaitGroup
	outboundDone.Add(1)
	go func() {
		defer outboundDone.Done()
		r.runOutbound(outboundCtx)
	}()

	err := r.runInbound(ctx)

	// Close before joining so a read blocked on the connection
	// unblocks; Close is idempotent and safe to race with sends.
	cancelOutbound()
	r.Close()
	outboundDone.Wait()

	if err != nil && errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
