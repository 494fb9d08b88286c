// overlay/overlay.go
package overlay

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/danielstarman/slay-the-spire-mcp-sub000/logger"
	"github.com/danielstarman/slay-the-spire-mcp-sub000/models"
	"github.com/danielstarman/slay-the-spire-mcp-sub000/monitor"
)

const writeTimeout = 5 * time.Second

// Broadcaster pushes every state snapshot to connected overlay clients
// as one JSON text frame. It is registered as a state manager
// subscriber; a client that cannot keep up is dropped rather than
// allowed to stall the fan-out.
type Broadcaster struct {
	upgrader websocket.Upgrader
	monitor  *monitor.Monitor

	mutex   sync.Mutex
	clients map[string]*websocket.Conn
	server  *http.Server
}

func NewBroadcaster(mon *monitor.Monitor) *Broadcaster {
	return &Broadcaster{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // overlay runs on localhost only
			},
		},
		monitor: mon,
		clients: make(map[string]*websocket.Conn),
	}
}

// Handler returns the overlay HTTP handler serving websocket upgrades
// on /overlay.
func (b *Broadcaster) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/overlay", b.handleUpgrade)
	return mux
}

// Start serves overlay websocket upgrades on addr until Stop.
func (b *Broadcaster) Start(addr string) {
	mux := b.Handler()

	b.mutex.Lock()
	b.server = &http.Server{Addr: addr, Handler: mux}
	server := b.server
	b.mutex.Unlock()

	go func() {
		logger.Log.Infof("Overlay server listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.Errorf("Overlay server failed: %v", err)
		}
	}()
}

// Stop closes the server and all connected clients.
func (b *Broadcaster) Stop() {
	b.mutex.Lock()
	server := b.server
	b.server = nil
	for id, conn := range b.clients {
		conn.Close()
		delete(b.clients, id)
	}
	b.mutex.Unlock()

	if server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		server.Shutdown(ctx)
	}
}

func (b *Broadcaster) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Log.Warnf("Failed to upgrade overlay connection: %v", err)
		return
	}

	id := uuid.New().String()
	b.mutex.Lock()
	b.clients[id] = conn
	count := len(b.clients)
	b.mutex.Unlock()

	logger.Log.Infof("Overlay client %s connected from %s", id, conn.RemoteAddr())
	if b.monitor != nil {
		b.monitor.SetOverlayClients(count)
	}

	// Drain (and discard) client frames so pings and closes are
	// processed; removal happens when the read loop ends.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
		b.removeClient(id)
	}()
}

func (b *Broadcaster) removeClient(id string) {
	b.mutex.Lock()
	conn, ok := b.clients[id]
	if ok {
		conn.Close()
		delete(b.clients, id)
	}
	count := len(b.clients)
	b.mutex.Unlock()

	if ok {
		logger.Log.Infof("Overlay client %s disconnected", id)
		if b.monitor != nil {
			b.monitor.SetOverlayClients(count)
		}
	}
}

// ClientCount reports the number of connected overlay clients.
func (b *Broadcaster) ClientCount() int {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return len(b.clients)
}

// OnStateChange is the state manager subscriber: it serializes the
// snapshot once and writes it to every client.
func (b *Broadcaster) OnStateChange(snapshot *models.GameState) {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		logger.Log.Errorf("Failed to serialize snapshot for overlay: %v", err)
		return
	}

	b.mutex.Lock()
	conns := make(map[string]*websocket.Conn, len(b.clients))
	for id, conn := range b.clients {
		conns[id] = conn
	}
	b.mutex.Unlock()

	for id, conn := range conns {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			logger.Log.Warnf("Dropping overlay client %s: %v", id, err)
			b.removeClient(id)
		}
	}
}
