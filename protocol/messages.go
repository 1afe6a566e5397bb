package protocol

import (
	"time"

	"chatrelay/models"
)

// Request and response types carried in the "type" field.
const (
	// Client -> Server
	TypeLogin             = "login"
	TypeRegister          = "register"
	TypeMessage           = "message"
	TypeGetChatHistory    = "get_chat_history"
	TypeGetUsers          = "get_users"
	TypeUpdateProfile     = "update_profile"
	TypeHeartbeatResponse = "heartbeat_response"
	TypeClientHeartbeat   = "client_heartbeat"
	TypeLogout            = "logout"

	// Server -> Client
	TypeLoginResponse         = "login_response"
	TypeRegisterResponse      = "register_response"
	TypeMessageSent           = "message_sent"
	TypeNewMessage            = "new_message"
	TypeChatHistory           = "chat_history"
	TypeUsersList             = "users_list"
	TypeProfileUpdateResponse = "profile_update_response"
	TypeHeartbeat             = "heartbeat"
	TypeServerShutdown        = "server_shutdown"
	TypeError                 = "error"
)

type Login struct {
	Type     string `json:"type"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Type           string                 `json:"type"`
	Success        bool                   `json:"success"`
	User           *models.Profile        `json:"user,omitempty"`
	UnreadMessages []models.UnreadMessage `json:"unread_messages,omitempty"`
	Users          []models.User          `json:"users,omitempty"`
	Message        string                 `json:"message,omitempty"`
}

type Register struct {
	Type        string `json:"type"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name,omitempty"`
}

type RegisterResponse struct {
	Type    string `json:"type"`
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type SendMessage struct {
	Type       string `json:"type"`
	ReceiverID string `json:"receiver_id"`
	Content    string `json:"content"`
}

type MessageSent struct {
	Type       string `json:"type"`
	Success    bool   `json:"success"`
	ReceiverID string `json:"receiver_id"`
	Message    string `json:"message,omitempty"`
}

// NewMessage is pushed to the receiver's connection when it is online
// at delivery time. Timestamp is the server-assigned sent_at.
type NewMessage struct {
	Type      string         `json:"type"`
	Sender    models.Profile `json:"sender"`
	Content   string         `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
}

type GetChatHistory struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
}

type ChatHistory struct {
	Type     string           `json:"type"`
	UserID   string           `json:"user_id"`
	Messages []models.Message `json:"messages"`
}

type GetUsers struct {
	Type string `json:"type"`
}

type UsersList struct {
	Type  string        `json:"type"`
	Users []models.User `json:"users"`
}

type UpdateProfile struct {
	Type        string `json:"type"`
	DisplayName string `json:"display_name"`
}

type ProfileUpdateResponse struct {
	Type    string `json:"type"`
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type Heartbeat struct {
	Type string `json:"type"`
}

type Logout struct {
	Type string `json:"type"`
}

type ServerShutdown struct {
	Type   string `json:"type"`
	Reason string `json:"reason,omitempty"`
}

// ErrorResponse rejects a request that cannot be dispatched, e.g. any
// request other than login or register before authentication.
type ErrorResponse struct {
	Type    string `json:"type"`
	Request string `json:"request,omitempty"`
	Message string `json:"message"`
}
