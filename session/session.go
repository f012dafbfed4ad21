package session

import (
	"github.com/telebroad/remotefs/remote"
	"golang.org/x/sync/semaphore"
	"sync"
	"time"
)

// Session is one authenticated connection owned by the Registry
type Session struct {
	id        string              // opaque identifier handed to the caller
	conn      remote.Conn         // the live connection, owned exclusively by this session
	gate      *semaphore.Weighted // serializes operations, at most one in flight
	protocol  string              // protocol the connection was opened with
	host      string              // remote host
	username  string              // the user that logged in
	createdAt time.Time

	mu        sync.Mutex
	lastAlive time.Time
	release   func()
}

func newSession(id string, creds remote.Credentials, conn remote.Conn) *Session {
	now := time.Now()
	return &Session{
		id:        id,
		conn:      conn,
		gate:      semaphore.NewWeighted(1),
		protocol:  creds.Protocol,
		host:      creds.Host,
		username:  creds.Username,
		createdAt: now,
		lastAlive: now,
	}
}

// ID returns the session identifier
func (s *Session) ID() string { return s.id }

// Conn returns the connection, valid only while the session is held
func (s *Session) Conn() remote.Conn { return s.conn }

// Protocol returns the protocol name
func (s *Session) Protocol() string { return s.protocol }

// Host returns the remote host
func (s *Session) Host() string { return s.host }

// Username returns the user the session is logged in as
func (s *Session) Username() string { return s.username }

// CreatedAt returns when the session was established
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// LastAlive returns when the connection last answered a liveness probe
func (s *Session) LastAlive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAlive
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastAlive = time.Now()
	s.mu.Unlock()
}

// Release gives the session back after Registry.Resolve, calling it more than once is a no-op
func (s *Session) Release() {
	s.mu.Lock()
	release := s.release
	s.release = nil
	s.mu.Unlock()
	if release != nil {
		release()
	}
}

func (s *Session) hold() {
	var once sync.Once
	s.mu.Lock()
	s.release = func() { once.Do(func() { s.gate.Release(1) }) }
	s.mu.Unlock()
}

// Info is a point in time description of a session
type Info struct {
	ID        string    `json:"id"`
	Protocol  string    `json:"protocol"`
	Host      string    `json:"host"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"created_at"`
	LastAlive time.Time `json:"last_alive"`
}

func (s *Session) info() Info {
	return Info{
		ID:        s.id,
		Protocol:  s.protocol,
		Host:      s.host,
		Username:  s.username,
		CreatedAt: s.createdAt,
		LastAlive: s.LastAlive(),
	}
}
