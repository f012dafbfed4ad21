// Description: session package
// The Registry owns every live remote connection, keyed by an opaque id.
// Every operation goes through Resolve, which validates the id, takes the per-session gate
// and probes the connection, evicting it when it is dead.

package session

import (
	"context"
	"fmt"
	"github.com/google/uuid"
	"github.com/telebroad/remotefs/remote"
	"golang.org/x/sync/errgroup"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Registry manages all active sessions.
type Registry struct {
	sessions        map[string]*Session       // Map of active sessions
	services        map[string]remote.Service // Services by protocol name
	defaultProtocol string                    // used when the credentials carry no protocol
	lock            sync.RWMutex              // Protects the maps
	logger          *slog.Logger
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		services: make(map[string]remote.Service),
	}
}

// Register makes a Service available under the protocol name.
// The first protocol registered becomes the default one.
func (r *Registry) Register(protocol string, svc remote.Service) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.services[protocol] = svc
	if r.defaultProtocol == "" {
		r.defaultProtocol = protocol
	}
}

// SetDefaultProtocol sets the protocol used when the credentials carry none
func (r *Registry) SetDefaultProtocol(protocol string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.defaultProtocol = protocol
}

// Protocols returns the registered protocol names
func (r *Registry) Protocols() []string {
	r.lock.RLock()
	defer r.lock.RUnlock()
	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(l *slog.Logger) {
	r.logger = l
}

// Logger returns the logger for the registry.
func (r *Registry) Logger() *slog.Logger {
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r.logger.With("module", "session-registry")
}

// Connect opens and authenticates a connection and registers it under a new id.
// It returns the id and the server greeting.
func (r *Registry) Connect(ctx context.Context, creds remote.Credentials) (string, string, error) {
	r.lock.RLock()
	if creds.Protocol == "" {
		creds.Protocol = r.defaultProtocol
	}
	svc, ok := r.services[creds.Protocol]
	r.lock.RUnlock()
	if !ok {
		return "", "", &remote.Error{
			Kind: remote.KindConnect,
			Op:   "connect",
			Path: creds.Host,
			Err:  fmt.Errorf("%w: %q", remote.ErrUnknownProtocol, creds.Protocol),
		}
	}

	conn, greeting, err := svc.Authenticate(ctx, creds)
	if err != nil {
		r.Logger().Warn("connect failed", "protocol", creds.Protocol, "host", creds.Host, "user", creds.Username, "error", err)
		return "", "", &remote.Error{Kind: remote.KindConnect, Op: "connect", Path: creds.Host, Err: err}
	}

	id := uuid.NewString()
	r.lock.Lock()
	r.sessions[id] = newSession(id, creds, conn)
	r.lock.Unlock()

	r.Logger().Info("session opened", "id", id, "protocol", creds.Protocol, "host", creds.Host, "user", creds.Username)
	return id, greeting, nil
}

// Get retrieves a session by its ID without taking it.
func (r *Registry) Get(id string) (*Session, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// remove deletes the entry only if it still maps to s
func (r *Registry) remove(id string, s *Session) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	if cur, ok := r.sessions[id]; ok && cur == s {
		delete(r.sessions, id)
		return true
	}
	return false
}

// Resolve validates the id and returns the session held exclusively by the caller.
// The connection is probed first, a dead one is evicted and reported as not found.
// The caller must call Release on the returned session.
func (r *Registry) Resolve(ctx context.Context, id string) (*Session, error) {
	s, ok := r.Get(id)
	if !ok {
		return nil, notFound(id, nil)
	}

	if err := s.gate.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("waiting for session %s: %w", id, err)
	}

	// the session may have been disconnected while we waited
	if cur, ok := r.Get(id); !ok || cur != s {
		s.gate.Release(1)
		return nil, notFound(id, nil)
	}

	if err := s.conn.ProbeAlive(); err != nil {
		r.remove(id, s)
		r.Logger().Warn("session is no longer alive, evicted", "id", id, "error", err)
		if cerr := s.conn.Close(); cerr != nil {
			r.Logger().Debug("closing dead session", "id", id, "error", cerr)
		}
		s.gate.Release(1)
		return nil, notFound(id, err)
	}

	s.touch()
	s.hold()
	return s, nil
}

// Do resolves the session, runs fn while holding it and releases it
func (r *Registry) Do(ctx context.Context, id string, fn func(s *Session) error) error {
	s, err := r.Resolve(ctx, id)
	if err != nil {
		return err
	}
	defer s.Release()
	return fn(s)
}

// Disconnect closes the session and forgets it. An unknown id is not an error, and
// neither is a failing close, the session is removed either way.
// An operation in flight finishes before the connection is closed, even when ctx ends first.
func (r *Registry) Disconnect(ctx context.Context, id string) error {
	s, ok := r.Get(id)
	if !ok || !r.remove(id, s) {
		r.Logger().Debug("disconnect of unknown session", "id", id)
		return nil
	}
	// nothing resolves the session once it is removed, so the wait ends with the operation in flight
	if err := s.gate.Acquire(context.WithoutCancel(ctx), 1); err != nil {
		return err
	}
	defer s.gate.Release(1)
	r.closeConn(s)
	return nil
}

// closeConn closes the connection, the caller holds the gate unless the close is forced
func (r *Registry) closeConn(s *Session) {
	if err := s.conn.Close(); err != nil {
		r.Logger().Warn("error closing session", "id", s.id, "error", err)
		return
	}
	r.Logger().Info("session closed", "id", s.id, "duration", time.Since(s.createdAt).Round(time.Millisecond))
}

// Len returns the number of registered sessions
func (r *Registry) Len() int {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return len(r.sessions)
}

// List describes the registered sessions, oldest first
func (r *Registry) List() []Info {
	r.lock.RLock()
	infos := make([]Info, 0, len(r.sessions))
	for _, s := range r.sessions {
		infos = append(infos, s.info())
	}
	r.lock.RUnlock()
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos
}

// Close disconnects every session concurrently, used at shutdown.
// A session still busy when ctx ends is closed under its operation.
func (r *Registry) Close(ctx context.Context) error {
	r.lock.Lock()
	all := r.sessions
	r.sessions = make(map[string]*Session)
	r.lock.Unlock()

	var g errgroup.Group
	for _, s := range all {
		g.Go(func() error {
			if err := s.gate.Acquire(ctx, 1); err != nil {
				// shutdown deadline passed, the operation in flight loses its connection
				r.Logger().Warn("forcing close of busy session", "id", s.id, "error", err)
				r.closeConn(s)
				return nil
			}
			defer s.gate.Release(1)
			r.closeConn(s)
			return nil
		})
	}
	_ = g.Wait()
	r.Logger().Info("registry closed", "sessions", len(all))
	return ctx.Err()
}

func notFound(id string, err error) error {
	return &remote.Error{
		Kind: remote.KindSessionNotFound,
		Op:   "resolve",
		Msg:  fmt.Sprintf("session '%s' not found or expired", id),
		Err:  err,
	}
}
