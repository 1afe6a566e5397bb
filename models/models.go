package models

import "time"

// User statuses as stored in the repository and sent on the wire.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

type User struct {
	ID          string    `json:"id"`
	Username    string    `json:"username"`
	Password    string    `json:"-"` // hashed, never serialized
	DisplayName string    `json:"display_name"`
	Status      string    `json:"status"`
	LastSeen    time.Time `json:"last_seen"`
}

// Profile is the subset of User that travels inside login_response.user
// and new_message.sender.
type Profile struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
}

func (u *User) Profile() Profile {
	return Profile{ID: u.ID, Username: u.Username, DisplayName: u.DisplayName}
}

type Message struct {
	ID         string    `json:"id"`
	SenderID   string    `json:"sender_id"`
	ReceiverID string    `json:"receiver_id"`
	Content    string    `json:"message"`
	SentAt     time.Time `json:"sent_at"`
	Read       bool      `json:"-"`
}

// UnreadMessage is a message joined with its sender's profile, as
// bundled into login_response.unread_messages.
type UnreadMessage struct {
	ID                string    `json:"id"`
	SenderID          string    `json:"sender_id"`
	SenderUsername    string    `json:"sender_username"`
	SenderDisplayName string    `json:"sender_display_name"`
	Content           string    `json:"message"`
	SentAt            time.Time `json:"sent_at"`
}
