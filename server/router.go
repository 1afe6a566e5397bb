package server

import (
	"go.uber.org/zap"

	"chatrelay/models"
	"chatrelay/protocol"
)

// Router decides, per outgoing message, between live delivery and
// store-only, and fans presence/profile updates out to every
// registered connection.
type Router struct {
	repo     Repository
	registry *Registry
	log      *zap.SugaredLogger
}

func NewRouter(repo Repository, registry *Registry, log *zap.SugaredLogger) *Router {
	return &Router{repo: repo, registry: registry, log: log}
}

// Deliver persists the message, then pushes it to the receiver's
// connection if one is registered. Persistence failure aborts the
// send: a message is never forwarded live without being stored first.
// An absent receiver is not an error; the message is delivered to
// store and surfaces via history or the next login's unread queue.
func (r *Router) Deliver(sender models.Profile, receiverID, content string) (*models.Message, error) {
	msg, err := r.repo.AppendMessage(sender.ID, receiverID, content)
	if err != nil {
		return nil, err
	}

	if sess, ok := r.registry.Lookup(receiverID); ok {
		event := protocol.NewMessage{
			Type:      protocol.TypeNewMessage,
			Sender:    sender,
			Content:   content,
			Timestamp: msg.SentAt,
		}
		if err := sess.Send(event); err != nil {
			// The receiver's own handler notices the dead socket and
			// tears the session down; the message is already stored.
			r.log.Warnw("live delivery failed", "receiver_id", receiverID, "err", err)
		}
	}

	return msg, nil
}

// BroadcastUsers pushes the current roster to every registered
// connection.
func (r *Router) BroadcastUsers() {
	users, err := r.repo.ListUsers()
	if err != nil {
		r.log.Errorw("user list load failed for broadcast", "err", err)
		return
	}

	event := protocol.UsersList{Type: protocol.TypeUsersList, Users: users}
	for _, sess := range r.registry.Sessions() {
		if err := sess.Send(event); err != nil {
			r.log.Warnw("users_list broadcast failed", "user_id", sess.UserID, "err", err)
		}
	}
}
