// session/session.go
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session identifies one connected bridge client. The listener accepts
// a single client at a time, so at most one session is live; it exists
// to give logs and metrics a stable identity across the connection's
// lifetime.
type Session struct {
	ID          string
	RemoteAddr  string
	ConnectedAt time.Time

	mutex      sync.RWMutex
	lastActive time.Time
}

func NewSession(remoteAddr string) *Session {
	now := time.Now()
	return &Session{
		ID:          uuid.New().String(),
		RemoteAddr:  remoteAddr,
		ConnectedAt: now,
		lastActive:  now,
	}
}

// Touch records activity on the session.
func (s *Session) Touch() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.lastActive = time.Now()
}

// LastActive returns the time of the most recent activity.
func (s *Session) LastActive() time.Time {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.lastActive
}

// Age returns how long the session has been connected.
func (s *Session) Age() time.Duration {
	return time.Since(s.ConnectedAt)
}
