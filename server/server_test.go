package server

import (
	"fmt"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"chatrelay/db"
	"chatrelay/models"
	"chatrelay/protocol"
)

// setupTestServer creates a server over a throwaway SQLite database.
func setupTestServer(t *testing.T) *Server {
	t.Helper()

	tmpfile, err := os.CreateTemp("", "chatrelay-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpfile.Close()
	os.Remove(tmpfile.Name()) // SQLite recreates it

	database, err := db.New(tmpfile.Name())
	if err != nil {
		t.Fatalf("failed to create database: %v", err)
	}

	config := &Config{
		HeartbeatInterval: 30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      5 * time.Second,
	}

	srv := New(database, config, zap.NewNop().Sugar())
	t.Cleanup(func() {
		database.Close()
		os.Remove(tmpfile.Name())
	})

	return srv
}

// testClient simulates a peer over one half of a net.Pipe whose other
// half is driven by handleConnection.
type testClient struct {
	conn net.Conn
	enc  *protocol.Encoder
	dec  *protocol.Decoder
}

func dialTestServer(t *testing.T, srv *Server) *testClient {
	t.Helper()

	serverConn, clientConn := net.Pipe()
	go srv.handleConnection(serverConn)
	t.Cleanup(func() {
		clientConn.Close()
		serverConn.Close()
	})

	return &testClient{
		conn: clientConn,
		enc:  protocol.NewEncoder(clientConn),
		dec:  protocol.NewDecoder(clientConn),
	}
}

func (tc *testClient) send(t *testing.T, v any) {
	t.Helper()
	tc.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := tc.enc.Encode(v); err != nil {
		t.Fatalf("failed to send: %v", err)
	}
}

func (tc *testClient) sendRaw(t *testing.T, line string) {
	t.Helper()
	tc.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := tc.conn.Write([]byte(line + "\n")); err != nil {
		t.Fatalf("failed to send raw line: %v", err)
	}
}

func (tc *testClient) expect(t *testing.T, wantType string) *protocol.Frame {
	t.Helper()
	frame, err := tc.read(wantType)
	if err != nil {
		t.Fatalf("failed to read %s: %v", wantType, err)
	}
	return frame
}

// read waits for a frame of the wanted type, answering any heartbeat
// probes that interleave.
func (tc *testClient) read(wantType string) (*protocol.Frame, error) {
	for {
		tc.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		frame, err := tc.dec.Next()
		if err != nil {
			return nil, err
		}
		if frame.Type == protocol.TypeHeartbeat && wantType != protocol.TypeHeartbeat {
			tc.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			tc.enc.Encode(protocol.Heartbeat{Type: protocol.TypeHeartbeatResponse})
			continue
		}
		if frame.Type != wantType {
			return nil, fmt.Errorf("expected %s, got %s (%s)", wantType, frame.Type, frame.Raw)
		}
		return frame, nil
	}
}

func (tc *testClient) register(t *testing.T, username, password, displayName string) {
	t.Helper()
	tc.send(t, protocol.Register{Type: protocol.TypeRegister, Username: username, Password: password, DisplayName: displayName})
	var resp protocol.RegisterResponse
	if err := tc.expect(t, protocol.TypeRegisterResponse).Decode(&resp); err != nil {
		t.Fatalf("decode register_response: %v", err)
	}
	if !resp.Success {
		t.Fatalf("registration failed: %s", resp.Message)
	}
}

func (tc *testClient) login(t *testing.T, username, password string) *protocol.LoginResponse {
	t.Helper()
	tc.send(t, protocol.Login{Type: protocol.TypeLogin, Username: username, Password: password})
	var resp protocol.LoginResponse
	if err := tc.expect(t, protocol.TypeLoginResponse).Decode(&resp); err != nil {
		t.Fatalf("decode login_response: %v", err)
	}
	return &resp
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRegisterThenDuplicateFails(t *testing.T) {
	srv := setupTestServer(t)
	tc := dialTestServer(t, srv)

	tc.register(t, "alice", "pw1", "Alice")

	tc.send(t, protocol.Register{Type: protocol.TypeRegister, Username: "alice", Password: "pw1"})
	var resp protocol.RegisterResponse
	if err := tc.expect(t, protocol.TypeRegisterResponse).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Success {
		t.Errorf("duplicate username must be rejected")
	}
	if resp.Message != "Username already exists" {
		t.Errorf("unexpected conflict message: %q", resp.Message)
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	srv := setupTestServer(t)
	tc := dialTestServer(t, srv)

	tc.register(t, "alice", "pw1", "Alice")

	resp := tc.login(t, "alice", "wrong")
	if resp.Success {
		t.Errorf("bad password must not authenticate")
	}

	// The connection stays open for retry.
	resp = tc.login(t, "alice", "pw1")
	if !resp.Success {
		t.Errorf("valid credentials rejected after a failed attempt")
	}
}

func TestUnauthenticatedRequestsRejected(t *testing.T) {
	srv := setupTestServer(t)
	tc := dialTestServer(t, srv)

	tc.send(t, protocol.GetUsers{Type: protocol.TypeGetUsers})

	var resp protocol.ErrorResponse
	if err := tc.expect(t, protocol.TypeError).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Message != "not authenticated" {
		t.Errorf("expected explicit not authenticated error, got %q", resp.Message)
	}
	if resp.Request != protocol.TypeGetUsers {
		t.Errorf("error should name the rejected request, got %q", resp.Request)
	}
}

// Spec scenario: alice messages bob while bob is offline; bob's next
// login bundles exactly that message as unread, and only once.
func TestOfflineDeliveryViaUnreadQueue(t *testing.T) {
	srv := setupTestServer(t)

	aliceConn := dialTestServer(t, srv)
	aliceConn.register(t, "alice", "pw1", "Alice")
	bobConn := dialTestServer(t, srv)
	bobConn.register(t, "bob", "pw2", "Bob")

	aliceLogin := aliceConn.login(t, "alice", "pw1")
	if !aliceLogin.Success {
		t.Fatalf("alice login failed: %s", aliceLogin.Message)
	}

	var bobID string
	for _, u := range aliceLogin.Users {
		if u.Username == "bob" {
			bobID = u.ID
		}
	}
	if bobID == "" {
		t.Fatalf("bob missing from roster: %+v", aliceLogin.Users)
	}

	aliceConn.send(t, protocol.SendMessage{Type: protocol.TypeMessage, ReceiverID: bobID, Content: "hi"})
	var sent protocol.MessageSent
	if err := aliceConn.expect(t, protocol.TypeMessageSent).Decode(&sent); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !sent.Success || sent.ReceiverID != bobID {
		t.Fatalf("message_sent must succeed for an offline receiver: %+v", sent)
	}

	bobLogin := bobConn.login(t, "bob", "pw2")
	if !bobLogin.Success {
		t.Fatalf("bob login failed: %s", bobLogin.Message)
	}
	if len(bobLogin.UnreadMessages) != 1 {
		t.Fatalf("expected exactly 1 unread message, got %d", len(bobLogin.UnreadMessages))
	}
	unread := bobLogin.UnreadMessages[0]
	if unread.Content != "hi" || unread.SenderID != aliceLogin.User.ID || unread.SenderUsername != "alice" {
		t.Errorf("unexpected unread message: %+v", unread)
	}

	// Still durably retrievable via history.
	bobConn.send(t, protocol.GetChatHistory{Type: protocol.TypeGetChatHistory, UserID: aliceLogin.User.ID})
	var history protocol.ChatHistory
	if err := bobConn.expect(t, protocol.TypeChatHistory).Decode(&history); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(history.Messages) != 1 || history.Messages[0].Content != "hi" {
		t.Errorf("unexpected history: %+v", history.Messages)
	}

	// A second login does not re-deliver it as unread.
	bobConn2 := dialTestServer(t, srv)
	secondLogin := bobConn2.login(t, "bob", "pw2")
	if !secondLogin.Success {
		t.Fatalf("second login failed: %s", secondLogin.Message)
	}
	if len(secondLogin.UnreadMessages) != 0 {
		t.Errorf("unread queue must drain exactly once, got %d messages again", len(secondLogin.UnreadMessages))
	}
}

func TestOnlineDeliveryExactlyOnce(t *testing.T) {
	srv := setupTestServer(t)

	aliceConn := dialTestServer(t, srv)
	aliceConn.register(t, "alice", "pw1", "Alice")
	bobConn := dialTestServer(t, srv)
	bobConn.register(t, "bob", "pw2", "Bob")

	aliceLogin := aliceConn.login(t, "alice", "pw1")
	bobLogin := bobConn.login(t, "bob", "pw2")
	if !aliceLogin.Success || !bobLogin.Success {
		t.Fatalf("logins failed")
	}

	aliceConn.send(t, protocol.SendMessage{Type: protocol.TypeMessage, ReceiverID: bobLogin.User.ID, Content: "hello bob"})

	// Bob gets exactly one live new_message event.
	var event protocol.NewMessage
	if err := bobConn.expect(t, protocol.TypeNewMessage).Decode(&event); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if event.Content != "hello bob" || event.Sender.ID != aliceLogin.User.ID || event.Sender.Username != "alice" {
		t.Errorf("unexpected new_message: %+v", event)
	}
	if event.Timestamp.IsZero() {
		t.Errorf("new_message must carry the server-assigned timestamp")
	}

	var sent protocol.MessageSent
	if err := aliceConn.expect(t, protocol.TypeMessageSent).Decode(&sent); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !sent.Success {
		t.Fatalf("message_sent failed: %+v", sent)
	}

	// No double counting: history holds exactly one copy, and bob's
	// unread queue stays empty because delivery was live... but the
	// stored copy is still unread until bob's next login drains it.
	aliceConn.send(t, protocol.GetChatHistory{Type: protocol.TypeGetChatHistory, UserID: bobLogin.User.ID})
	var history protocol.ChatHistory
	if err := aliceConn.expect(t, protocol.TypeChatHistory).Decode(&history); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(history.Messages) != 1 {
		t.Errorf("expected exactly 1 stored message, got %d", len(history.Messages))
	}
}

// Persistence failure must surface as a failed message_sent, never a
// silent drop or a live forward of an unstored message.
func TestMessageToUnknownReceiverFails(t *testing.T) {
	srv := setupTestServer(t)
	tc := dialTestServer(t, srv)

	tc.register(t, "alice", "pw1", "Alice")
	if resp := tc.login(t, "alice", "pw1"); !resp.Success {
		t.Fatalf("login failed")
	}

	tc.send(t, protocol.SendMessage{Type: protocol.TypeMessage, ReceiverID: "no-such-user", Content: "hi"})
	var sent protocol.MessageSent
	if err := tc.expect(t, protocol.TypeMessageSent).Decode(&sent); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sent.Success {
		t.Errorf("unstorable message must not report success")
	}
	if sent.Message != "Message could not be stored" {
		t.Errorf("unexpected failure message: %q", sent.Message)
	}

	// Nothing was stored.
	tc.send(t, protocol.GetChatHistory{Type: protocol.TypeGetChatHistory, UserID: "no-such-user"})
	var history protocol.ChatHistory
	if err := tc.expect(t, protocol.TypeChatHistory).Decode(&history); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(history.Messages) != 0 {
		t.Errorf("expected empty history after failed store, got %d messages", len(history.Messages))
	}
}

func TestDuplicateLoginEvictsEarlierSession(t *testing.T) {
	srv := setupTestServer(t)

	first := dialTestServer(t, srv)
	first.register(t, "alice", "pw1", "Alice")
	firstLogin := first.login(t, "alice", "pw1")
	if !firstLogin.Success {
		t.Fatalf("first login failed")
	}

	second := dialTestServer(t, srv)
	secondLogin := second.login(t, "alice", "pw1")
	if !secondLogin.Success {
		t.Fatalf("second login failed")
	}

	// Exactly one session remains registered: the later one.
	waitFor(t, "single registered session", func() bool {
		return srv.Registry().Count() == 1
	})

	// The earlier connection was closed by the eviction.
	first.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := first.dec.Next(); err == nil {
		t.Errorf("evicted connection should be closed")
	}

	// The survivor still works.
	second.send(t, protocol.GetUsers{Type: protocol.TypeGetUsers})
	second.expect(t, protocol.TypeUsersList)
}

func TestMalformedFrameDoesNotKillConnection(t *testing.T) {
	srv := setupTestServer(t)
	tc := dialTestServer(t, srv)

	tc.sendRaw(t, "{not json at all")
	tc.register(t, "alice", "pw1", "Alice")
}

func TestConcurrentLoginsSnapshot(t *testing.T) {
	srv := setupTestServer(t)

	usernames := []string{"u1", "u2", "u3", "u4", "u5"}
	ids := make(map[string]bool)
	for _, name := range usernames {
		setup := dialTestServer(t, srv)
		setup.register(t, name, "pw-"+name, "")
	}

	var (
		mu      sync.Mutex
		clients []*testClient
		errs    []error
		wg      sync.WaitGroup
	)
	for _, name := range usernames {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			tc := dialTestServer(t, srv)
			tc.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			err := tc.enc.Encode(protocol.Login{Type: protocol.TypeLogin, Username: name, Password: "pw-" + name})
			if err == nil {
				var frame *protocol.Frame
				frame, err = tc.read(protocol.TypeLoginResponse)
				if err == nil {
					var resp protocol.LoginResponse
					if err = frame.Decode(&resp); err == nil && !resp.Success {
						err = fmt.Errorf("login failed for %s: %s", name, resp.Message)
					} else if err == nil {
						mu.Lock()
						ids[resp.User.ID] = true
						clients = append(clients, tc)
						mu.Unlock()
					}
				}
			}
			if err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(name)
	}
	wg.Wait()

	for _, err := range errs {
		t.Errorf("concurrent login: %v", err)
	}

	if len(ids) != len(usernames) {
		t.Fatalf("expected %d successful logins, got %d", len(usernames), len(ids))
	}

	snapshot := srv.Registry().Snapshot()
	if len(snapshot) != len(usernames) {
		t.Fatalf("snapshot size %d, want %d", len(snapshot), len(usernames))
	}
	for _, id := range snapshot {
		if !ids[id] {
			t.Errorf("snapshot contains unknown id %q", id)
		}
	}

	// Disconnect one client; the snapshot shrinks to match.
	clients[0].conn.Close()
	waitFor(t, "registry to drop disconnected user", func() bool {
		return srv.Registry().Count() == len(usernames)-1
	})
}

func TestIdleConnectionProbedThenDropped(t *testing.T) {
	tmpfile, err := os.CreateTemp("", "chatrelay-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpfile.Close()
	os.Remove(tmpfile.Name())

	database, err := db.New(tmpfile.Name())
	if err != nil {
		t.Fatalf("failed to create database: %v", err)
	}
	t.Cleanup(func() {
		database.Close()
		os.Remove(tmpfile.Name())
	})

	config := &Config{
		HeartbeatInterval: 100 * time.Millisecond,
		ReadTimeout:       300 * time.Millisecond,
		WriteTimeout:      time.Second,
	}
	srv := New(database, config, zap.NewNop().Sugar())

	tc := dialTestServer(t, srv)
	tc.register(t, "alice", "pw1", "Alice")
	login := tc.login(t, "alice", "pw1")
	if !login.Success {
		t.Fatalf("login failed")
	}

	// Stay silent: the server must probe before giving up on us.
	sawHeartbeat := false
	for {
		tc.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		frame, err := tc.dec.Next()
		if err != nil {
			break // server tore the connection down
		}
		if frame.Type == protocol.TypeHeartbeat {
			sawHeartbeat = true
		}
	}
	if !sawHeartbeat {
		t.Errorf("expected a heartbeat probe before disconnect")
	}

	waitFor(t, "registry to drop timed-out user", func() bool {
		return srv.Registry().Count() == 0
	})

	// The presence change was written through.
	users, err := database.ListUsers()
	if err != nil {
		t.Fatalf("list users: %v", err)
	}
	if len(users) != 1 || users[0].Status != models.StatusOffline {
		t.Errorf("expected alice offline after timeout, got %+v", users)
	}
}

func TestHeartbeatResponseKeepsConnectionAlive(t *testing.T) {
	tmpfile, err := os.CreateTemp("", "chatrelay-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpfile.Close()
	os.Remove(tmpfile.Name())

	database, err := db.New(tmpfile.Name())
	if err != nil {
		t.Fatalf("failed to create database: %v", err)
	}
	t.Cleanup(func() {
		database.Close()
		os.Remove(tmpfile.Name())
	})

	config := &Config{
		HeartbeatInterval: 100 * time.Millisecond,
		ReadTimeout:       300 * time.Millisecond,
		WriteTimeout:      time.Second,
	}
	srv := New(database, config, zap.NewNop().Sugar())

	tc := dialTestServer(t, srv)
	tc.register(t, "alice", "pw1", "Alice")
	if resp := tc.login(t, "alice", "pw1"); !resp.Success {
		t.Fatalf("login failed")
	}

	// Answer probes for a while; the session must survive well past
	// the read timeout.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		tc.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		frame, err := tc.dec.Next()
		if err != nil {
			t.Fatalf("connection died despite heartbeat answers: %v", err)
		}
		if frame.Type == protocol.TypeHeartbeat {
			tc.send(t, protocol.Heartbeat{Type: protocol.TypeHeartbeatResponse})
		}
	}

	if srv.Registry().Count() != 1 {
		t.Errorf("session should still be registered")
	}
}

func TestProfileUpdateBroadcastsRoster(t *testing.T) {
	srv := setupTestServer(t)

	aliceConn := dialTestServer(t, srv)
	aliceConn.register(t, "alice", "pw1", "Alice")
	bobConn := dialTestServer(t, srv)
	bobConn.register(t, "bob", "pw2", "Bob")

	if resp := aliceConn.login(t, "alice", "pw1"); !resp.Success {
		t.Fatalf("alice login failed")
	}
	if resp := bobConn.login(t, "bob", "pw2"); !resp.Success {
		t.Fatalf("bob login failed")
	}

	aliceConn.send(t, protocol.UpdateProfile{Type: protocol.TypeUpdateProfile, DisplayName: "Alice v2"})

	// The broadcast fans out to both connections; read them
	// concurrently since pipe writes block until read.
	type result struct {
		who    string
		pushed protocol.UsersList
		err    error
	}
	results := make(chan result, 2)
	readRoster := func(who string, tc *testClient) {
		frame, err := tc.read(protocol.TypeUsersList)
		res := result{who: who, err: err}
		if err == nil {
			res.err = frame.Decode(&res.pushed)
		}
		results <- res
	}
	go func() {
		// Alice hears her own profile_update_response first.
		if _, err := aliceConn.read(protocol.TypeProfileUpdateResponse); err != nil {
			results <- result{who: "alice", err: err}
			return
		}
		readRoster("alice", aliceConn)
	}()
	go readRoster("bob", bobConn)

	for i := 0; i < 2; i++ {
		res := <-results
		if res.err != nil {
			t.Fatalf("%s: %v", res.who, res.err)
		}
		var found bool
		for _, u := range res.pushed.Users {
			if u.Username == "alice" && u.DisplayName == "Alice v2" {
				found = true
			}
		}
		if !found {
			t.Errorf("%s: broadcast roster missing updated profile: %+v", res.who, res.pushed.Users)
		}
	}
}

func TestLogoutUnregistersSession(t *testing.T) {
	srv := setupTestServer(t)

	tc := dialTestServer(t, srv)
	tc.register(t, "alice", "pw1", "Alice")
	if resp := tc.login(t, "alice", "pw1"); !resp.Success {
		t.Fatalf("login failed")
	}

	waitFor(t, "session registered", func() bool {
		return srv.Registry().Count() == 1
	})

	tc.send(t, protocol.Logout{Type: protocol.TypeLogout})

	waitFor(t, "session removed after logout", func() bool {
		return srv.Registry().Count() == 0
	})
}
