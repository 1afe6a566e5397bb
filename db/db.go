package db

import (
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/bcrypt"

	"chatrelay/models"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("username already exists")
)

// Timestamps are stored as text. sent_at keeps nanosecond precision
// because it is the authoritative ordering key.
const (
	sentAtFormat   = time.RFC3339Nano
	lastSeenFormat = time.RFC3339
)

type DB struct {
	conn *sql.DB
}

func New(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=1&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}

	db := &DB{conn: conn}
	if err := db.init(); err != nil {
		conn.Close()
		return nil, err
	}

	return db, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT UNIQUE NOT NULL,
			password TEXT NOT NULL,
			display_name TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'offline',
			last_seen TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			sender_id TEXT NOT NULL REFERENCES users(id),
			receiver_id TEXT NOT NULL REFERENCES users(id),
			content TEXT NOT NULL,
			sent_at TEXT NOT NULL,
			read_status INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_unread ON messages(receiver_id, read_status)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_sender ON messages(sender_id, sent_at)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_receiver ON messages(receiver_id, sent_at)`,
	}

	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return err
		}
	}

	return nil
}

// CreateUser registers a new user with a hashed credential. Returns
// ErrConflict if the username is already taken; no partial state is
// created in that case.
func (db *DB) CreateUser(username, password, displayName string) (*models.User, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	if displayName == "" {
		displayName = username
	}

	now := time.Now().UTC()
	user := &models.User{
		ID:          uuid.NewString(),
		Username:    username,
		DisplayName: displayName,
		Status:      models.StatusOffline,
		LastSeen:    now,
	}

	_, err = db.conn.Exec(
		"INSERT INTO users (id, username, password, display_name, status, last_seen, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		user.ID, username, string(hashed), displayName, user.Status,
		now.Format(lastSeenFormat), now.Format(lastSeenFormat),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return nil, ErrConflict
		}
		return nil, err
	}

	return user, nil
}

// VerifyCredentials returns the user for a valid username/password
// pair, or nil without error when the credentials do not match. The
// hashing scheme is opaque to callers.
func (db *DB) VerifyCredentials(username, password string) (*models.User, error) {
	var (
		user     models.User
		hashed   string
		lastSeen string
	)
	err := db.conn.QueryRow(
		"SELECT id, username, password, display_name, status, last_seen FROM users WHERE username = ?",
		username,
	).Scan(&user.ID, &user.Username, &hashed, &user.DisplayName, &user.Status, &lastSeen)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if bcrypt.CompareHashAndPassword([]byte(hashed), []byte(password)) != nil {
		return nil, nil
	}

	user.LastSeen, _ = time.Parse(lastSeenFormat, lastSeen)
	return &user, nil
}

func (db *DB) UserExists(username string) (bool, error) {
	var count int
	err := db.conn.QueryRow("SELECT COUNT(*) FROM users WHERE username = ?", username).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (db *DB) GetUser(id string) (*models.User, error) {
	var (
		user     models.User
		lastSeen string
	)
	err := db.conn.QueryRow(
		"SELECT id, username, display_name, status, last_seen FROM users WHERE id = ?",
		id,
	).Scan(&user.ID, &user.Username, &user.DisplayName, &user.Status, &lastSeen)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	user.LastSeen, _ = time.Parse(lastSeenFormat, lastSeen)
	return &user, nil
}

// SetStatus records a presence change together with a refreshed
// last_seen timestamp.
func (db *DB) SetStatus(userID, status string, at time.Time) error {
	_, err := db.conn.Exec(
		"UPDATE users SET status = ?, last_seen = ? WHERE id = ?",
		status, at.UTC().Format(lastSeenFormat), userID,
	)
	return err
}

func (db *DB) UpdateDisplayName(userID, displayName string) error {
	result, err := db.conn.Exec(
		"UPDATE users SET display_name = ? WHERE id = ?",
		displayName, userID,
	)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (db *DB) ListUsers() ([]models.User, error) {
	rows, err := db.conn.Query("SELECT id, username, display_name, status, last_seen FROM users ORDER BY username")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		var (
			u        models.User
			lastSeen string
		)
		if err := rows.Scan(&u.ID, &u.Username, &u.DisplayName, &u.Status, &lastSeen); err != nil {
			return nil, err
		}
		u.LastSeen, _ = time.Parse(lastSeenFormat, lastSeen)
		users = append(users, u)
	}

	return users, rows.Err()
}

// AppendMessage persists a message and assigns its sent_at timestamp.
// The returned message carries the authoritative id and timestamp.
func (db *DB) AppendMessage(senderID, receiverID, content string) (*models.Message, error) {
	msg := &models.Message{
		ID:         uuid.NewString(),
		SenderID:   senderID,
		ReceiverID: receiverID,
		Content:    content,
		SentAt:     time.Now().UTC(),
	}

	_, err := db.conn.Exec(
		"INSERT INTO messages (id, sender_id, receiver_id, content, sent_at, read_status) VALUES (?, ?, ?, ?, ?, 0)",
		msg.ID, senderID, receiverID, content, msg.SentAt.Format(sentAtFormat),
	)
	if err != nil {
		return nil, err
	}

	return msg, nil
}

// UnreadFor drains the unread queue for a user: it returns unread
// messages in ascending sent_at order joined with sender profiles, and
// flips them to read inside the same transaction, so a second login
// never sees the same message unread again.
func (db *DB) UnreadFor(userID string) ([]models.UnreadMessage, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.Query(`
		SELECT m.id, m.sender_id, u.username, u.display_name, m.content, m.sent_at
		FROM messages m
		JOIN users u ON m.sender_id = u.id
		WHERE m.receiver_id = ? AND m.read_status = 0
		ORDER BY m.sent_at ASC`,
		userID,
	)
	if err != nil {
		return nil, err
	}

	var unread []models.UnreadMessage
	for rows.Next() {
		var (
			m      models.UnreadMessage
			sentAt string
		)
		if err := rows.Scan(&m.ID, &m.SenderID, &m.SenderUsername, &m.SenderDisplayName, &m.Content, &sentAt); err != nil {
			rows.Close()
			return nil, err
		}
		m.SentAt, _ = time.Parse(sentAtFormat, sentAt)
		unread = append(unread, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(unread) > 0 {
		if _, err := tx.Exec(
			"UPDATE messages SET read_status = 1 WHERE receiver_id = ? AND read_status = 0",
			userID,
		); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return unread, nil
}

// HistoryBetween returns all messages exchanged between two users in
// ascending sent_at order.
func (db *DB) HistoryBetween(idA, idB string) ([]models.Message, error) {
	rows, err := db.conn.Query(`
		SELECT id, sender_id, receiver_id, content, sent_at, read_status
		FROM messages
		WHERE (sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)
		ORDER BY sent_at ASC`,
		idA, idB, idB, idA,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var (
			m      models.Message
			sentAt string
		)
		if err := rows.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.Content, &sentAt, &m.Read); err != nil {
			return nil, err
		}
		m.SentAt, _ = time.Parse(sentAtFormat, sentAt)
		messages = append(messages, m)
	}

	return messages, rows.Err()
}
