package client

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"chatrelay/protocol"
)

// State of the connection lifecycle. Reconnecting is the
// disconnected sub-state entered once credentials have been
// established at least once.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateActive
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateActive:
		return "active"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// EventReconnected is a client-local event (never on the wire) handed
// to the foreground after an automatic reconnect: server-side state is
// not replayed beyond the unread queue, so a manual refresh of
// contacts and history may be required.
const EventReconnected = "reconnected"

// EventOverflow is a client-local event delivered once per overflow
// episode after the foreground stopped draining Events and frames were
// dropped: a refresh of contacts and history may be required, as after
// a reconnect.
const EventOverflow = "events_overflow"

var ErrNotConnected = errors.New("not connected")

type Config struct {
	Addr string

	ConnectTimeout time.Duration // transport dial timeout
	LoginTimeout   time.Duration // wait for login_response
	ReadTimeout    time.Duration // local receive timeout before probing
	WriteTimeout   time.Duration

	ReconnectDelay    time.Duration // retry cadence while the server is unreachable
	SendRetryDelay    time.Duration // reconnect delay after a send failure
	ReceiveRetryDelay time.Duration // reconnect delay after a receive failure
}

func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.LoginTimeout == 0 {
		cfg.LoginTimeout = 10 * time.Second
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 60 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = 10 * time.Second
	}
	if cfg.SendRetryDelay == 0 {
		cfg.SendRetryDelay = time.Second
	}
	if cfg.ReceiveRetryDelay == 0 {
		cfg.ReceiveRetryDelay = 5 * time.Second
	}
	return cfg
}

// Client is the peer-side session manager: it connects, authenticates,
// answers heartbeats, detects failure and reconnects with silent
// re-authentication. Exactly one background receive loop runs per
// client; frames that affect session state are handed to the
// foreground through Events rather than mutated across goroutines.
type Client struct {
	cfg Config
	log *zap.SugaredLogger

	mu           sync.Mutex // guards conn, enc, state, credentials
	conn         net.Conn
	enc          *protocol.Encoder
	state        State
	username     string
	password     string
	credentialed bool

	sendMu sync.Mutex // serializes frame writes

	events  chan protocol.Frame
	loginCh chan protocol.LoginResponse
	done    chan struct{}

	recvRunning     atomic.Bool
	reconnecting    atomic.Bool
	closed          atomic.Bool
	overflowPending atomic.Bool
}

func New(cfg Config, log *zap.SugaredLogger) *Client {
	return &Client{
		cfg:     cfg.withDefaults(),
		log:     log,
		events:  make(chan protocol.Frame, 64),
		loginCh: make(chan protocol.LoginResponse, 1),
		done:    make(chan struct{}),
	}
}

// Events delivers server-pushed frames (new_message, users_list,
// chat_history, responses) and client-local events to the foreground.
func (c *Client) Events() <-chan protocol.Frame { return c.events }

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Connect opens the transport and starts the receive loop. A dial
// failure on this explicit path is surfaced to the caller; the
// automatic reconnect path retries on a fixed delay instead.
func (c *Client) Connect() error {
	if c.closed.Load() {
		return errors.New("client closed")
	}

	c.setState(StateConnecting)
	conn, err := net.DialTimeout("tcp", c.cfg.Addr, c.cfg.ConnectTimeout)
	if err != nil {
		c.setState(StateDisconnected)
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.enc = protocol.NewEncoder(conn)
	c.mu.Unlock()

	c.startReceiveLoop(conn)
	return nil
}

// startReceiveLoop starts the background reader unless one is already
// running; a second concurrent loop would race on the stream.
func (c *Client) startReceiveLoop(conn net.Conn) {
	if !c.recvRunning.CompareAndSwap(false, true) {
		c.log.Errorw("receive loop already running, refusing to start another")
		return
	}
	go c.receiveLoop(conn)
}

// Login authenticates and waits for the server's bundled response.
// On success the credentials are held for silent re-authentication.
func (c *Client) Login(username, password string) (*protocol.LoginResponse, error) {
	c.mu.Lock()
	c.username = username
	c.password = password
	c.credentialed = true
	c.state = StateAuthenticating
	c.mu.Unlock()

	// Drop any stale response from a previous attempt.
	select {
	case <-c.loginCh:
	default:
	}

	if err := c.send(protocol.Login{Type: protocol.TypeLogin, Username: username, Password: password}); err != nil {
		return nil, err
	}

	select {
	case resp := <-c.loginCh:
		if resp.Success {
			c.setState(StateActive)
		} else {
			c.mu.Lock()
			c.credentialed = false
			c.mu.Unlock()
		}
		return &resp, nil
	case <-time.After(c.cfg.LoginTimeout):
		return nil, errors.New("login timed out")
	}
}

// Register creates an account; the register_response arrives on
// Events. Registration does not authenticate the connection.
func (c *Client) Register(username, password, displayName string) error {
	return c.send(protocol.Register{
		Type:        protocol.TypeRegister,
		Username:    username,
		Password:    password,
		DisplayName: displayName,
	})
}

func (c *Client) SendMessage(receiverID, content string) error {
	return c.send(protocol.SendMessage{Type: protocol.TypeMessage, ReceiverID: receiverID, Content: content})
}

func (c *Client) RequestHistory(userID string) error {
	return c.send(protocol.GetChatHistory{Type: protocol.TypeGetChatHistory, UserID: userID})
}

func (c *Client) RequestUsers() error {
	return c.send(protocol.GetUsers{Type: protocol.TypeGetUsers})
}

func (c *Client) UpdateProfile(displayName string) error {
	return c.send(protocol.UpdateProfile{Type: protocol.TypeUpdateProfile, DisplayName: displayName})
}

// send writes one frame. A broken pipe flips the connection dead and
// schedules a reconnect on the send-failure delay.
func (c *Client) send(v any) error {
	c.mu.Lock()
	conn, enc := c.conn, c.enc
	c.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	c.sendMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	err := enc.Encode(v)
	c.sendMu.Unlock()

	if err != nil {
		c.connectionLost(conn, c.cfg.SendRetryDelay)
		return err
	}
	return nil
}

func (c *Client) receiveLoop(conn net.Conn) {
	defer c.recvRunning.Store(false)

	dec := protocol.NewDecoder(conn)
	for {
		if c.closed.Load() {
			return
		}

		conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		frame, err := dec.Next()
		if err != nil {
			var protoErr *protocol.ProtocolError
			if errors.As(err, &protoErr) {
				c.log.Warnw("malformed frame from server", "err", protoErr.Err)
				continue
			}

			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				// Nothing heard lately: probe instead of waiting
				// indefinitely. A failed probe write means the
				// connection is gone.
				c.sendMu.Lock()
				conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
				probeErr := c.probe(conn)
				c.sendMu.Unlock()
				if probeErr != nil {
					c.connectionLost(conn, c.cfg.ReceiveRetryDelay)
					return
				}
				continue
			}

			if c.closed.Load() {
				return
			}
			c.connectionLost(conn, c.cfg.ReceiveRetryDelay)
			return
		}

		c.handleFrame(frame)
	}
}

func (c *Client) probe(conn net.Conn) error {
	c.mu.Lock()
	enc := c.enc
	sameConn := c.conn == conn
	c.mu.Unlock()
	if enc == nil || !sameConn {
		return ErrNotConnected
	}
	return enc.Encode(protocol.Heartbeat{Type: protocol.TypeClientHeartbeat})
}

func (c *Client) handleFrame(frame *protocol.Frame) {
	switch frame.Type {
	case protocol.TypeHeartbeat:
		// Answer every server probe; no handoff needed.
		if err := c.send(protocol.Heartbeat{Type: protocol.TypeHeartbeatResponse}); err != nil {
			c.log.Warnw("heartbeat answer failed", "err", err)
		}
		return
	case protocol.TypeLoginResponse:
		var resp protocol.LoginResponse
		if frame.Decode(&resp) == nil {
			if resp.Success && c.State() == StateAuthenticating {
				// Silent re-authentication completing.
				c.setState(StateActive)
			}
			select {
			case c.loginCh <- resp:
			default:
			}
		}
	}

	c.deliver(*frame)
}

// deliver hands a frame to the foreground without blocking the receive
// loop; a foreground that stops draining loses events rather than
// stalling heartbeat answers. The loss is not silent: one EventOverflow
// marker per episode is queued behind the drop, so the foreground
// learns it must refresh once it catches up.
func (c *Client) deliver(frame protocol.Frame) {
	select {
	case c.events <- frame:
		return
	default:
	}

	c.log.Warnw("event queue full, dropping frame", "type", frame.Type)
	if !c.overflowPending.CompareAndSwap(false, true) {
		return
	}
	go func() {
		select {
		case c.events <- protocol.Frame{Type: EventOverflow}:
		case <-c.done:
		}
		c.overflowPending.Store(false)
	}()
}

// connectionLost tears down the current transport and, unless the
// client is closed, schedules a reconnect attempt.
func (c *Client) connectionLost(conn net.Conn, delay time.Duration) {
	conn.Close()

	c.mu.Lock()
	if c.conn != conn {
		// A newer connection already replaced this one.
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.enc = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	if c.closed.Load() {
		return
	}
	c.scheduleReconnect(delay)
}

func (c *Client) scheduleReconnect(delay time.Duration) {
	if !c.reconnecting.CompareAndSwap(false, true) {
		return
	}
	c.setState(StateReconnecting)
	c.log.Infow("scheduling reconnect", "delay", delay)
	time.AfterFunc(delay, c.reconnect)
}

func (c *Client) reconnect() {
	if c.closed.Load() {
		c.reconnecting.Store(false)
		return
	}

	conn, err := net.DialTimeout("tcp", c.cfg.Addr, c.cfg.ConnectTimeout)
	if err != nil {
		c.log.Warnw("reconnect failed, retrying", "err", err, "delay", c.cfg.ReconnectDelay)
		time.AfterFunc(c.cfg.ReconnectDelay, c.reconnect)
		return
	}

	c.mu.Lock()
	c.conn = conn
	c.enc = protocol.NewEncoder(conn)
	credentialed := c.credentialed
	username, password := c.username, c.password
	if credentialed {
		c.state = StateAuthenticating
	} else {
		c.state = StateConnecting
	}
	c.mu.Unlock()

	c.reconnecting.Store(false)
	c.startReceiveLoop(conn)

	if credentialed {
		// Silent re-authentication; the login_response is observed by
		// the receive loop. Server-side pushes that happened while we
		// were unregistered are not replayed beyond the unread queue,
		// so the foreground is told a refresh may be needed.
		if err := c.send(protocol.Login{Type: protocol.TypeLogin, Username: username, Password: password}); err != nil {
			c.log.Warnw("re-authentication send failed", "err", err)
			return
		}
	}

	c.log.Infow("reconnected", "addr", c.cfg.Addr)
	c.deliver(protocol.Frame{Type: EventReconnected})
}

// Close logs out, closes the transport and stops reconnecting. Any
// blocked read on the connection is unblocked by the close.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(c.done)

	c.mu.Lock()
	conn, enc := c.conn, c.enc
	c.conn = nil
	c.enc = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	if conn != nil {
		c.sendMu.Lock()
		conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
		enc.Encode(protocol.Logout{Type: protocol.TypeLogout})
		c.sendMu.Unlock()
		return conn.Close()
	}
	return nil
}
