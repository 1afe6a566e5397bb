package server

import (
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"chatrelay/models"
	"chatrelay/protocol"
)

// Session binds one authenticated user to one live connection.
type Session struct {
	UserID  string
	Profile models.Profile
	Conn    net.Conn

	enc          *protocol.Encoder
	writeTimeout time.Duration

	writeMu sync.Mutex

	mu           sync.Mutex
	lastActivity time.Time
}

func newSession(conn net.Conn, writeTimeout time.Duration) *Session {
	return &Session{
		Conn:         conn,
		enc:          protocol.NewEncoder(conn),
		writeTimeout: writeTimeout,
		lastActivity: time.Now(),
	}
}

// Send frames and writes one message. Safe for concurrent use: replies
// from the connection's own handler and pushes from other connections'
// routers interleave on whole-record boundaries.
func (s *Session) Send(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.Conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	return s.enc.Encode(v)
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Session) idleFor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastActivity)
}

// Registry is the process-wide presence map: online user id -> live
// session. It is the only shared mutable state between connection
// handlers, so every operation takes the lock. Register and Unregister
// write the presence change through to the repository before
// returning, keeping full-user-list queries consistent with the map.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	repo     Repository
	log      *zap.SugaredLogger
}

func NewRegistry(repo Repository, log *zap.SugaredLogger) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		repo:     repo,
		log:      log,
	}
}

// Register installs the session for a user. A prior session for the
// same user id is evicted and its connection closed: at most one live
// session per user exists at any instant, and the later login wins.
// The status write-through happens under the lock so presence writes
// land in registry order: a disconnect racing a quick reconnect can
// never leave the repository saying offline for a registered session.
func (r *Registry) Register(userID string, sess *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prior := r.sessions[userID]
	r.sessions[userID] = sess

	if prior != nil && prior != sess {
		r.log.Infow("evicting superseded session", "user_id", userID, "remote", prior.Conn.RemoteAddr())
		prior.Conn.Close()
	}

	if err := r.repo.SetStatus(userID, models.StatusOnline, time.Now().UTC()); err != nil {
		r.log.Errorw("status write-through failed", "user_id", userID, "err", err)
	}
}

// Unregister removes the session if it is still the registered one.
// An evicted session's late teardown must not remove its successor.
// Idempotent: repeated calls for the same session are no-ops. As in
// Register, the status write-through is ordered by the lock.
func (r *Registry) Unregister(userID string, sess *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.sessions[userID]
	if !ok || current != sess {
		return
	}
	delete(r.sessions, userID)

	if err := r.repo.SetStatus(userID, models.StatusOffline, time.Now().UTC()); err != nil {
		r.log.Errorw("status write-through failed", "user_id", userID, "err", err)
	}
}

func (r *Registry) Lookup(userID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[userID]
	return sess, ok
}

// Snapshot returns the ids of all currently online users.
func (r *Registry) Snapshot() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Sessions returns all registered sessions, for fan-out.
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	return sessions
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
