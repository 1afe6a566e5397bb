package server

import (
	"errors"

	"chatrelay/db"
	"chatrelay/models"
	"chatrelay/protocol"
)

func (s *Server) handleLogin(sess *Session, user **models.User, frame *protocol.Frame) {
	var req protocol.Login
	if err := frame.Decode(&req); err != nil {
		s.sendError(sess, frame.Type, "malformed login request")
		return
	}

	fail := func(message string) {
		if err := sess.Send(protocol.LoginResponse{Type: protocol.TypeLoginResponse, Message: message}); err != nil {
			s.log.Warnw("login reply failed", "remote", sess.Conn.RemoteAddr(), "err", err)
		}
	}

	if req.Username == "" || req.Password == "" {
		fail("Invalid username or password")
		return
	}

	u, err := s.repo.VerifyCredentials(req.Username, req.Password)
	if err != nil {
		s.log.Errorw("credential check failed", "username", req.Username, "err", err)
		fail("Internal error")
		return
	}
	if u == nil {
		fail("Invalid username or password")
		return
	}

	// Re-login on the same connection as a different user releases
	// the old registration first.
	if *user != nil && (*user).ID != u.ID {
		s.registry.Unregister((*user).ID, sess)
	}

	sess.UserID = u.ID
	sess.Profile = u.Profile()
	s.registry.Register(u.ID, sess)

	// Drain the unread queue (marks those messages read) and load the
	// roster, both after the registry write so the bundled list agrees
	// with presence.
	unread, err := s.repo.UnreadFor(u.ID)
	if err != nil {
		s.log.Errorw("unread load failed", "user_id", u.ID, "err", err)
		s.registry.Unregister(u.ID, sess)
		fail("Internal error")
		return
	}

	users, err := s.repo.ListUsers()
	if err != nil {
		s.log.Errorw("user list load failed", "user_id", u.ID, "err", err)
		s.registry.Unregister(u.ID, sess)
		fail("Internal error")
		return
	}

	profile := u.Profile()
	resp := protocol.LoginResponse{
		Type:           protocol.TypeLoginResponse,
		Success:        true,
		User:           &profile,
		UnreadMessages: unread,
		Users:          users,
	}
	if err := sess.Send(resp); err != nil {
		s.log.Warnw("login reply failed", "username", u.Username, "err", err)
		return
	}

	*user = u
	s.log.Infow("client authenticated", "username", u.Username, "user_id", u.ID)
}

// handleRegister creates a user but does not authenticate the
// connection; the client logs in afterwards.
func (s *Server) handleRegister(sess *Session, frame *protocol.Frame) {
	var req protocol.Register
	if err := frame.Decode(&req); err != nil {
		s.sendError(sess, frame.Type, "malformed register request")
		return
	}

	reply := func(success bool, message string) {
		resp := protocol.RegisterResponse{Type: protocol.TypeRegisterResponse, Success: success, Message: message}
		if err := sess.Send(resp); err != nil {
			s.log.Warnw("register reply failed", "remote", sess.Conn.RemoteAddr(), "err", err)
		}
	}

	if req.Username == "" || req.Password == "" {
		reply(false, "Username and password required")
		return
	}

	// A concurrent registration can slip past this check; CreateUser's
	// unique constraint is the backstop.
	exists, err := s.repo.UserExists(req.Username)
	if err != nil {
		s.log.Errorw("registration check failed", "username", req.Username, "err", err)
		reply(false, "Internal error")
		return
	}
	if exists {
		reply(false, "Username already exists")
		return
	}

	_, err = s.repo.CreateUser(req.Username, req.Password, req.DisplayName)
	if errors.Is(err, db.ErrConflict) {
		reply(false, "Username already exists")
		return
	}
	if err != nil {
		s.log.Errorw("registration failed", "username", req.Username, "err", err)
		reply(false, "Internal error")
		return
	}

	s.log.Infow("user registered", "username", req.Username)
	reply(true, "Registration successful")
}

func (s *Server) handleMessage(sess *Session, user *models.User, frame *protocol.Frame) {
	var req protocol.SendMessage
	if err := frame.Decode(&req); err != nil {
		s.sendError(sess, frame.Type, "malformed message request")
		return
	}

	reply := func(success bool, message string) {
		resp := protocol.MessageSent{
			Type:       protocol.TypeMessageSent,
			Success:    success,
			ReceiverID: req.ReceiverID,
			Message:    message,
		}
		if err := sess.Send(resp); err != nil {
			s.log.Warnw("message_sent reply failed", "username", user.Username, "err", err)
		}
	}

	if req.ReceiverID == "" || req.Content == "" {
		reply(false, "Receiver and content required")
		return
	}

	if _, err := s.router.Deliver(user.Profile(), req.ReceiverID, req.Content); err != nil {
		// Persistence failed: the message was not attempted live, and
		// the sender hears about it rather than a silent drop.
		s.log.Errorw("message persistence failed", "sender_id", user.ID, "receiver_id", req.ReceiverID, "err", err)
		reply(false, "Message could not be stored")
		return
	}

	// Delivered to store; live push to an online receiver already
	// happened. Success regardless of receiver presence.
	reply(true, "")
}

func (s *Server) handleChatHistory(sess *Session, user *models.User, frame *protocol.Frame) {
	var req protocol.GetChatHistory
	if err := frame.Decode(&req); err != nil {
		s.sendError(sess, frame.Type, "malformed history request")
		return
	}

	messages, err := s.repo.HistoryBetween(user.ID, req.UserID)
	if err != nil {
		s.log.Errorw("history load failed", "user_id", user.ID, "peer_id", req.UserID, "err", err)
		s.sendError(sess, frame.Type, "Internal error")
		return
	}

	resp := protocol.ChatHistory{
		Type:     protocol.TypeChatHistory,
		UserID:   req.UserID,
		Messages: messages,
	}
	if err := sess.Send(resp); err != nil {
		s.log.Warnw("chat_history reply failed", "username", user.Username, "err", err)
	}
}

func (s *Server) handleGetUsers(sess *Session) {
	users, err := s.repo.ListUsers()
	if err != nil {
		s.log.Errorw("user list load failed", "err", err)
		s.sendError(sess, protocol.TypeGetUsers, "Internal error")
		return
	}

	if err := sess.Send(protocol.UsersList{Type: protocol.TypeUsersList, Users: users}); err != nil {
		s.log.Warnw("users_list reply failed", "remote", sess.Conn.RemoteAddr(), "err", err)
	}
}

// handleUpdateProfile changes the display name and, on success,
// re-broadcasts the full roster to every registered connection:
// profile facts are pushed, not polled.
func (s *Server) handleUpdateProfile(sess *Session, user *models.User, frame *protocol.Frame) {
	var req protocol.UpdateProfile
	if err := frame.Decode(&req); err != nil {
		s.sendError(sess, frame.Type, "malformed profile request")
		return
	}

	reply := func(success bool, message string) {
		resp := protocol.ProfileUpdateResponse{Type: protocol.TypeProfileUpdateResponse, Success: success, Message: message}
		if err := sess.Send(resp); err != nil {
			s.log.Warnw("profile reply failed", "username", user.Username, "err", err)
		}
	}

	if req.DisplayName == "" {
		reply(false, "Display name required")
		return
	}

	if err := s.repo.UpdateDisplayName(user.ID, req.DisplayName); err != nil {
		s.log.Errorw("profile update failed", "user_id", user.ID, "err", err)
		reply(false, "Internal error")
		return
	}

	user.DisplayName = req.DisplayName
	sess.Profile.DisplayName = req.DisplayName
	reply(true, "Profile updated")

	s.router.BroadcastUsers()
}
