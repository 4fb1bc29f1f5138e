package presence

import (
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Transport is the live write side of a connected client. net.Conn satisfies
// it; tests substitute pipes.
type Transport interface {
	io.Writer
	Close() error
}

// Session binds an online account to its transport for as long as the
// connection is authenticated and open.
type Session struct {
	Name      string
	ID        string
	Transport Transport
	LoginAt   time.Time
}

// Table tracks which accounts are currently connected. Every operation takes
// the one table lock, so two concurrent logins for the same name cannot both
// succeed.
type Table struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func NewTable() *Table {
	return &Table{sessions: make(map[string]*Session)}
}

// Login registers a session for name. It fails when the account already has
// a live session; at most one session per account. On success it returns the
// new session's ID tag.
func (t *Table) Login(name string, transport Transport) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, online := t.sessions[name]; online {
		return "", false
	}

	session := &Session{
		Name:      name,
		ID:        uuid.New().String(),
		Transport: transport,
		LoginAt:   time.Now(),
	}
	t.sessions[name] = session
	return session.ID, true
}

// Logout removes name's session. Removing a session that does not exist is a
// no-op success, so disconnect paths can log out unconditionally.
func (t *Table) Logout(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, name)
	return true
}

func (t *Table) IsOnline(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, online := t.sessions[name]
	return online
}

// Transport returns the live transport for name, or false when offline.
func (t *Table) Transport(name string) (Transport, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	session, online := t.sessions[name]
	if !online {
		return nil, false
	}
	return session.Transport, true
}

// Sessions returns a snapshot of all live sessions, for stats and shutdown.
func (t *Table) Sessions() []*Session {
	t.mu.Lock()
	defer t.mu.Unlock()

	sessions := make([]*Session, 0, len(t.sessions))
	for _, session := range t.sessions {
		sessions = append(sessions, session)
	}
	return sessions
}
