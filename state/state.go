package state

import (
	"strings"
	"sync"
	"time"

	"github.com/danielstarman/slay-the-spire-mcp-sub000/logger"
	"github.com/danielstarman/slay-the-spire-mcp-sub000/models"
)

// NewRunFloorDrop is how far the floor must regress before the manager
// assumes a new run started and clears the floor history.
const NewRunFloorDrop = 3

// DefaultStaleThreshold bounds how old a snapshot may be, while
// disconnected, before consumers should distrust it.
const DefaultStaleThreshold = 30 * time.Second

// FloorEntry records one completed floor.
type FloorEntry struct {
	Floor  int    `json:"floor"`
	Symbol string `json:"symbol"`
	Detail string `json:"detail,omitempty"`
}

// Subscriber is invoked synchronously on every state update.
type Subscriber func(*models.GameState)

type subscription struct {
	name string
	fn   Subscriber
}

// Manager maintains the current and previous game state snapshots, the
// floor history of the active run, and the subscriber list. It is the
// single source of truth for all downstream consumers. Update is the
// sole writer; readers get snapshot pointers and must not mutate them.
type Manager struct {
	mutex           sync.RWMutex
	current         *models.GameState
	previous        *models.GameState
	floorHistory    []FloorEntry
	lastUpdate      time.Time
	bridgeConnected bool

	// notifyMutex serializes notification batches so all subscribers
	// finish for one update before the next update's batch begins.
	notifyMutex sync.Mutex
	subscribers []subscription
	subMutex    sync.RWMutex
}

func NewManager() *Manager {
	return &Manager{}
}

// Update atomically shifts current to previous, installs the new
// snapshot, runs floor bookkeeping, then notifies subscribers outside
// the state lock.
func (m *Manager) Update(snapshot *models.GameState) {
	if snapshot == nil {
		return
	}

	m.notifyMutex.Lock()
	defer m.notifyMutex.Unlock()

	m.mutex.Lock()
	m.previous = m.current
	m.current = snapshot
	m.lastUpdate = time.Now()
	m.recordFloorTransition(snapshot)
	m.mutex.Unlock()

	m.subMutex.RLock()
	subs := make([]subscription, len(m.subscribers))
	copy(subs, m.subscribers)
	m.subMutex.RUnlock()

	for _, sub := range subs {
		m.notify(sub, snapshot)
	}
}

// notify runs one subscriber, isolating its panics so a broken
// consumer cannot corrupt stored state or starve later subscribers.
func (m *Manager) notify(sub subscription, snapshot *models.GameState) {
	defer func() {
		if r := recover(); r != nil {
			logger.Log.Errorf("State subscriber %q panicked: %v", sub.name, r)
		}
	}()
	sub.fn(snapshot)
}

// Subscribe registers a callback invoked, in registration order, on
// every future update. The name identifies the subscriber in logs.
func (m *Manager) Subscribe(name string, fn Subscriber) {
	m.subMutex.Lock()
	defer m.subMutex.Unlock()
	m.subscribers = append(m.subscribers, subscription{name: name, fn: fn})
}

// Current returns the latest snapshot, or ok=false before any update.
func (m *Manager) Current() (*models.GameState, bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.current, m.current != nil
}

// Previous returns the second-latest snapshot, or ok=false when fewer
// than two updates have been received.
func (m *Manager) Previous() (*models.GameState, bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.previous, m.previous != nil
}

// SetBridgeConnected records whether the bridge link is up.
func (m *Manager) SetBridgeConnected(connected bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.bridgeConnected = connected
}

func (m *Manager) IsConnected() bool {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.bridgeConnected
}

// IsStale reports whether the stored snapshot may no longer reflect
// reality. A connected session is never stale, and a manager that has
// never received a state is "not yet", not stale.
func (m *Manager) IsStale(threshold time.Duration) bool {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	if m.bridgeConnected {
		return false
	}
	if m.lastUpdate.IsZero() {
		return false
	}
	return time.Since(m.lastUpdate) > threshold
}

// StateAge returns how long ago the last update arrived.
func (m *Manager) StateAge() (time.Duration, bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	if m.lastUpdate.IsZero() {
		return 0, false
	}
	return time.Since(m.lastUpdate), true
}

// FloorHistory returns a copy of the completed-floor entries for the
// active run.
func (m *Manager) FloorHistory() []FloorEntry {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	history := make([]FloorEntry, len(m.floorHistory))
	copy(history, m.floorHistory)
	return history
}

// Reset clears all stored state and history.
func (m *Manager) Reset() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.current = nil
	m.previous = nil
	m.floorHistory = nil
	m.lastUpdate = time.Time{}
}

// recordFloorTransition runs under the state lock, after the new
// snapshot has been installed.
func (m *Manager) recordFloorTransition(snapshot *models.GameState) {
	prev := m.previous
	if prev == nil {
		return
	}

	// Floor regressed past the threshold: a new run started.
	if prev.Floor-snapshot.Floor > NewRunFloorDrop {
		if len(m.floorHistory) > 0 {
			logger.Log.Infof("Floor regressed %d -> %d, clearing run history", prev.Floor, snapshot.Floor)
		}
		m.floorHistory = nil
		return
	}

	if snapshot.Floor <= prev.Floor {
		return
	}

	// Completed the previous floor. Guard against duplicate entries
	// when several updates straddle the same transition.
	if n := len(m.floorHistory); n > 0 && m.floorHistory[n-1].Floor == prev.Floor {
		return
	}

	symbol, detail := floorSymbol(prev)
	m.floorHistory = append(m.floorHistory, FloorEntry{
		Floor:  prev.Floor,
		Symbol: symbol,
		Detail: detail,
	})
}

// floorSymbol derives the map symbol for a completed floor from the
// snapshot that was current while the player stood on it: the node at
// the recorded map position, then a screen_state symbol, then a
// room-type keyword match, then "?".
func floorSymbol(s *models.GameState) (symbol, detail string) {
	if s.CurrentNode != nil && s.Map != nil {
		x, y := s.CurrentNode[0], s.CurrentNode[1]
		if y >= 0 && y < len(s.Map) {
			for _, node := range s.Map[y] {
				if node.X == x {
					return node.Symbol, ""
				}
			}
		}
	}

	if raw, ok := s.ScreenState["symbol"]; ok {
		if sym, ok := raw.(string); ok && sym != "" {
			return sym, ""
		}
	}

	roomType := s.ScreenType
	if name, ok := s.ScreenState["name"].(string); ok && name != "" {
		roomType = name
	}
	if sym, ok := symbolFromRoomType(roomType); ok {
		return sym, roomType
	}

	// Nothing matched; an unrecognized room type is not worth keeping.
	return "?", ""
}

func symbolFromRoomType(roomType string) (string, bool) {
	lower := strings.ToLower(roomType)
	switch {
	case strings.Contains(lower, "elite"):
		return "E", true
	case strings.Contains(lower, "boss"):
		return "B", true
	case strings.Contains(lower, "monster"), strings.Contains(lower, "combat"):
		return "M", true
	case strings.Contains(lower, "shop"), strings.Contains(lower, "merchant"):
		return "$", true
	case strings.Contains(lower, "rest"), strings.Contains(lower, "campfire"):
		return "R", true
	case strings.Contains(lower, "treasure"), strings.Contains(lower, "chest"):
		return "T", true
	case strings.Contains(lower, "event"):
		return "?", true
	default:
		return "", false
	}
}
