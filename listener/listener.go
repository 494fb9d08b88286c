// listener/listener.go
package listener

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/danielstarman/slay-the-spire-mcp-sub000/framing"
	"github.com/danielstarman/slay-the-spire-mcp-sub000/logger"
	"github.com/danielstarman/slay-the-spire-mcp-sub000/models"
	"github.com/danielstarman/slay-the-spire-mcp-sub000/monitor"
	"github.com/danielstarman/slay-the-spire-mcp-sub000/session"
	"github.com/danielstarman/slay-the-spire-mcp-sub000/startup"
	"github.com/danielstarman/slay-the-spire-mcp-sub000/state"
)

const readChunkSize = 4096

// Listener accepts one bridge connection at a time, frames its byte
// stream into JSON lines, and feeds parsed snapshots into the state
// manager. It also exposes the command channel back to the connected
// bridge.
type Listener struct {
	host    string
	port    int
	manager *state.Manager
	monitor *monitor.Monitor

	tcpListener net.Listener
	cancel      context.CancelFunc
	done        chan struct{}
	handlers    sync.WaitGroup
	startMutex  sync.Mutex
	running     bool

	// writerMutex guards the current client writer so a command send
	// observes either a valid connection or none, never a half-closed
	// one mid-teardown.
	writerMutex sync.Mutex
	clientConn  net.Conn
}

func NewListener(host string, port int, manager *state.Manager, mon *monitor.Monitor) *Listener {
	return &Listener{
		host:    host,
		port:    port,
		manager: manager,
		monitor: mon,
	}
}

func (l *Listener) addr() string {
	return fmt.Sprintf("%s:%d", l.host, l.port)
}

// Start binds the listen address and accepts connections in the
// background. A stale holder of the port is cleaned up best-effort
// first; the bind proceeds either way so the real bind error, if any,
// surfaces naturally.
func (l *Listener) Start(ctx context.Context) error {
	l.startMutex.Lock()
	defer l.startMutex.Unlock()
	if l.running {
		return nil
	}

	startup.CleanupStalePort(l.host, l.port)

	tcpListener, err := net.Listen("tcp", l.addr())
	if err != nil {
		return fmt.Errorf("listener: failed to bind %s: %w", l.addr(), err)
	}
	l.tcpListener = tcpListener

	ctx, l.cancel = context.WithCancel(ctx)
	l.done = make(chan struct{})
	l.running = true

	go func() {
		defer close(l.done)
		l.acceptLoop(ctx)
	}()

	logger.Log.Infof("Bridge listener started on %s", l.addr())
	return nil
}

// Stop shuts the listener down. Idempotent.
func (l *Listener) Stop() {
	l.startMutex.Lock()
	defer l.startMutex.Unlock()
	if !l.running {
		return
	}
	l.running = false

	l.cancel()
	l.tcpListener.Close()
	l.dropClient(nil)
	<-l.done
	l.handlers.Wait()
	logger.Log.Info("Bridge listener stopped")
}

// IsRunning reports whether the accept loop is active.
func (l *Listener) IsRunning() bool {
	l.startMutex.Lock()
	defer l.startMutex.Unlock()
	return l.running
}

// SendCommand serializes a command to one JSON line and writes it to
// the connected bridge. Returns false when no bridge is connected or
// the write fails; the command is dropped either way, callers must not
// assume redelivery.
func (l *Listener) SendCommand(command any) bool {
	payload, err := json.Marshal(command)
	if err != nil {
		logger.Log.Errorf("Failed to serialize command: %v", err)
		return false
	}
	line := append(payload, '\n')

	l.writerMutex.Lock()
	defer l.writerMutex.Unlock()

	if l.clientConn == nil {
		logger.Log.Debug("Cannot send command: no bridge connected")
		return false
	}

	if _, err := l.clientConn.Write(line); err != nil {
		logger.Log.Warnf("Failed to send command to bridge: %v", err)
		l.dropClientLocked(l.clientConn)
		return false
	}

	if l.monitor != nil {
		l.monitor.IncCommandsSent()
	}
	logger.Log.Debugf("Sent command to bridge: %s", payload)
	return true
}

func (l *Listener) acceptLoop(ctx context.Context) {
	for {
		conn, err := l.tcpListener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				if errors.Is(err, net.ErrClosed) {
					return
				}
				logger.Log.Errorf("Accept failed: %v", err)
				continue
			}
		}
		// One client at a time: a newer bridge replaces the old one.
		l.adoptClient(conn)
		l.handlers.Add(1)
		go func() {
			defer l.handlers.Done()
			l.handleClient(ctx, conn)
		}()
	}
}

// adoptClient installs conn as the current client, closing any
// previous one.
func (l *Listener) adoptClient(conn net.Conn) {
	l.writerMutex.Lock()
	defer l.writerMutex.Unlock()
	if l.clientConn != nil {
		logger.Log.Warnf("New bridge connection from %s replaces existing client", conn.RemoteAddr())
		l.clientConn.Close()
	}
	l.clientConn = conn
}

// dropClient clears the current client if it is still conn (or
// unconditionally when conn is nil). Reports whether it dropped the
// active client; a handler whose connection was already replaced gets
// false because the bridge is still connected, just through the newer
// client.
func (l *Listener) dropClient(conn net.Conn) bool {
	l.writerMutex.Lock()
	defer l.writerMutex.Unlock()
	return l.dropClientLocked(conn)
}

// dropClientLocked owns both halves of client teardown: the writer
// slot and the connected flags. Every path that clears the active
// client goes through here so the manager and the gauge can never be
// left reporting a bridge that is gone. Caller holds writerMutex.
func (l *Listener) dropClientLocked(conn net.Conn) bool {
	if l.clientConn == nil {
		return false
	}
	if conn != nil && l.clientConn != conn {
		return false
	}
	l.clientConn.Close()
	l.clientConn = nil
	l.manager.SetBridgeConnected(false)
	if l.monitor != nil {
		l.monitor.SetBridgeConnected(false)
	}
	return true
}

func (l *Listener) handleClient(ctx context.Context, conn net.Conn) {
	sess := session.NewSession(conn.RemoteAddr().String())
	logger.Log.Infof("Bridge connected from %s, session %s", sess.RemoteAddr, sess.ID)

	l.manager.SetBridgeConnected(true)
	if l.monitor != nil {
		l.monitor.SetBridgeConnected(true)
		l.monitor.IncBridgeConnections()
	}

	defer func() {
		conn.Close()
		// Drops the client only if this handler still owns it; a
		// handler that was already replaced must not mark the new
		// bridge disconnected.
		l.dropClient(conn)
		logger.Log.Infof("Bridge disconnected from %s, session %s after %v",
			sess.RemoteAddr, sess.ID, sess.Age())
	}()

	buffer := framing.NewLineBuffer(framing.DefaultMaxBuffer, framing.DefaultMaxLine)
	chunk := make([]byte, readChunkSize)

	for {
		if ctx.Err() != nil {
			return
		}

		n, err := conn.Read(chunk)
		if n > 0 {
			sess.Touch()
			if appendErr := buffer.Append(chunk[:n]); appendErr != nil {
				logger.Log.Errorf("Dropping bridge connection from %s: %v", sess.RemoteAddr, appendErr)
				return
			}
			if !l.drainRecords(buffer, sess) {
				return
			}
		}
		if err != nil {
			if !errors.Is(err, net.ErrClosed) && ctx.Err() == nil {
				logger.Log.Infof("Bridge read ended: %v", err)
			}
			return
		}
	}
}

// drainRecords consumes every complete record currently buffered.
// Returns false on a fatal framing error.
func (l *Listener) drainRecords(buffer *framing.LineBuffer, sess *session.Session) bool {
	for {
		line, ok, err := buffer.Next()
		if err != nil {
			if errors.Is(err, framing.ErrInvalidUTF8) {
				logger.Log.Warnf("Skipping record from %s: %v", sess.RemoteAddr, err)
				continue
			}
			logger.Log.Errorf("Dropping bridge connection from %s: %v", sess.RemoteAddr, err)
			return false
		}
		if !ok {
			return true
		}
		if line == "" {
			continue
		}
		l.processLine(line)
	}
}

// processLine parses one JSON record and updates the state manager.
// All parse failures skip the record only.
func (l *Listener) processLine(line string) {
	if l.monitor != nil {
		l.monitor.IncMessagesReceived()
	}

	var message map[string]any
	if err := json.Unmarshal([]byte(line), &message); err != nil {
		truncated := line
		if len(truncated) > 200 {
			truncated = truncated[:200] + "..."
		}
		logger.Log.Errorf("Invalid JSON from bridge: %v. Line (truncated): %s", err, truncated)
		if l.monitor != nil {
			l.monitor.IncParseErrors()
		}
		return
	}

	snapshot, ok := models.ParseStateMessage(message)
	if !ok {
		msgType, _ := message["type"].(string)
		logger.Log.Debugf("Received non-state message type: %q", msgType)
		return
	}

	l.manager.Update(snapshot)
	if l.monitor != nil {
		l.monitor.IncStateUpdates()
	}
	logger.Log.Debugf("State updated: floor=%d, screen=%s", snapshot.Floor, snapshot.ScreenType)
}
