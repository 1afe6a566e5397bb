package server

import (
	"errors"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"chatrelay/models"
	"chatrelay/protocol"
)

// Repository is the persistence contract the relay depends on. Each
// call is a single blocking all-or-nothing unit; the implementation
// provides its own transactional guarantees.
type Repository interface {
	VerifyCredentials(username, password string) (*models.User, error)
	UserExists(username string) (bool, error)
	CreateUser(username, password, displayName string) (*models.User, error)
	AppendMessage(senderID, receiverID, content string) (*models.Message, error)
	UnreadFor(userID string) ([]models.UnreadMessage, error)
	HistoryBetween(idA, idB string) ([]models.Message, error)
	SetStatus(userID, status string, at time.Time) error
	ListUsers() ([]models.User, error)
	UpdateDisplayName(userID, displayName string) error
}

type Config struct {
	Addr string

	// HeartbeatInterval is how long a connection may stay silent
	// before the server probes it; ReadTimeout is how long with no
	// inbound traffic at all before it is declared dead.
	HeartbeatInterval time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
}

type Server struct {
	repo     Repository
	config   *Config
	registry *Registry
	router   *Router
	log      *zap.SugaredLogger

	mu       sync.Mutex
	listener net.Listener
}

func New(repo Repository, config *Config, log *zap.SugaredLogger) *Server {
	registry := NewRegistry(repo, log)
	return &Server{
		repo:     repo,
		config:   config,
		registry: registry,
		router:   NewRouter(repo, registry, log),
		log:      log,
	}
}

// Registry exposes the presence registry, for stats and tests.
func (s *Server) Registry() *Registry { return s.registry }

func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	defer listener.Close()

	s.log.Infow("server listening", "addr", listener.Addr().String())

	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Errorw("accept failed", "err", err)
			continue
		}

		go s.handleConnection(conn)
	}
}

// handleConnection runs the per-connection state machine:
// unauthenticated -> authenticated -> closed. One goroutine per
// connection; requests on a connection are processed sequentially.
func (s *Server) handleConnection(conn net.Conn) {
	remote := conn.RemoteAddr().String()
	s.log.Infow("client connected", "remote", remote)

	sess := newSession(conn, s.config.WriteTimeout)
	var user *models.User

	// Teardown is unconditional and idempotent: any exit path
	// unregisters this session (and only this one) and closes the
	// socket, unblocking any pending read.
	defer func() {
		if user != nil {
			s.registry.Unregister(user.ID, sess)
			s.log.Infow("client disconnected", "remote", remote, "username", user.Username)
		} else {
			s.log.Infow("client disconnected", "remote", remote)
		}
		conn.Close()
	}()

	dec := protocol.NewDecoder(conn)

	for {
		conn.SetReadDeadline(time.Now().Add(s.config.HeartbeatInterval))
		frame, err := dec.Next()
		if err != nil {
			var protoErr *protocol.ProtocolError
			if errors.As(err, &protoErr) {
				// Malformed record: discard it, keep the connection.
				s.log.Warnw("malformed frame", "remote", remote, "err", protoErr.Err)
				continue
			}

			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				if sess.idleFor() >= s.config.ReadTimeout {
					s.log.Infow("connection timed out", "remote", remote)
					return
				}
				// Idle but not yet dead: probe the peer. A failed
				// probe write means the peer is gone.
				if err := sess.Send(protocol.Heartbeat{Type: protocol.TypeHeartbeat}); err != nil {
					s.log.Infow("heartbeat probe failed", "remote", remote, "err", err)
					return
				}
				continue
			}

			// EOF, reset, closed socket: never retried.
			return
		}

		sess.touch()

		if done := s.dispatch(sess, &user, frame); done {
			return
		}
	}
}

// dispatch routes one frame. Before authentication only login and
// register are accepted; everything else is rejected explicitly rather
// than dropped. Returns true when the connection should close.
func (s *Server) dispatch(sess *Session, user **models.User, frame *protocol.Frame) bool {
	switch frame.Type {
	case protocol.TypeHeartbeatResponse, protocol.TypeClientHeartbeat:
		// Activity already recorded; no reply.
		return false
	case protocol.TypeLogin:
		s.handleLogin(sess, user, frame)
		return false
	case protocol.TypeRegister:
		s.handleRegister(sess, frame)
		return false
	case protocol.TypeLogout:
		return true
	}

	if *user == nil {
		s.sendError(sess, frame.Type, "not authenticated")
		return false
	}

	switch frame.Type {
	case protocol.TypeMessage:
		s.handleMessage(sess, *user, frame)
	case protocol.TypeGetChatHistory:
		s.handleChatHistory(sess, *user, frame)
	case protocol.TypeGetUsers:
		s.handleGetUsers(sess)
	case protocol.TypeUpdateProfile:
		s.handleUpdateProfile(sess, *user, frame)
	default:
		s.sendError(sess, frame.Type, "unknown request type")
	}
	return false
}

func (s *Server) sendError(sess *Session, request, message string) {
	err := sess.Send(protocol.ErrorResponse{
		Type:    protocol.TypeError,
		Request: request,
		Message: message,
	})
	if err != nil {
		s.log.Warnw("error reply failed", "remote", sess.Conn.RemoteAddr(), "err", err)
	}
}

// Shutdown notifies every connected client, then tears all sessions
// down. Used for graceful stop on signal or control command.
func (s *Server) Shutdown(reason string) {
	s.mu.Lock()
	if s.listener != nil {
		s.listener.Close()
	}
	s.mu.Unlock()

	for _, sess := range s.registry.Sessions() {
		if err := sess.Send(protocol.ServerShutdown{Type: protocol.TypeServerShutdown, Reason: reason}); err != nil {
			s.log.Warnw("shutdown notice failed", "user_id", sess.UserID, "err", err)
		}
		sess.Conn.Close()
		s.registry.Unregister(sess.UserID, sess)
	}
}

// Stats returns a one-line summary for the control socket.
func (s *Server) Stats() string {
	ids := s.registry.Snapshot()
	return "connections=" + strconv.Itoa(len(ids)) + ",users=" + strings.Join(ids, ";")
}
