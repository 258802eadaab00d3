// Package store persists the room catalog, conversation logs and user
// credentials in SQLite. Reads happen at boot and on demand; mutations are
// queued on a coalescing writer so disk latency never sits under a registry
// or room lock.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

var (
	// ErrUserNotFound indicates the username has never been registered.
	ErrUserNotFound = errors.New("user not found")
)

// Room is a persisted chat room.
type Room struct {
	ID     int64
	Name   string
	AI     bool
	Prompt string
}

// DB wraps the SQLite database connection.
type DB struct {
	conn      *sql.DB // Read connection pool
	writeConn *sql.DB // Dedicated write connection (1 connection)
	writer    *Writer
}

// Open opens the database at the given path, initializes the schema if
// needed and starts the coalescing writer.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	if err := applyPragmas(conn); err != nil {
		conn.Close()
		return nil, err
	}

	// Dedicated write connection, no pooling (SQLite single-writer)
	writeConn, err := sql.Open("sqlite", path)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open write connection: %w", err)
	}
	writeConn.SetMaxOpenConns(1)
	writeConn.SetMaxIdleConns(1)
	writeConn.SetConnMaxLifetime(0)

	if err := applyPragmas(writeConn); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, err
	}

	db := &DB{
		conn:      conn,
		writeConn: writeConn,
	}

	if err := db.initSchema(); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	db.writer = NewWriter(db, 100*time.Millisecond)

	return db, nil
}

// applyPragmas configures a connection for concurrent access.
func applyPragmas(conn *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p); err != nil {
			return fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}
	return nil
}

// initSchema creates all tables and indexes if they don't exist.
func (db *DB) initSchema() error {
	schema := `
-- User table: credential store
CREATE TABLE IF NOT EXISTS User (
	username TEXT PRIMARY KEY,
	password_hash TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

-- Room table: room catalog
CREATE TABLE IF NOT EXISTS Room (
	id INTEGER PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	is_ai INTEGER NOT NULL DEFAULT 0,
	prompt TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);

-- Message table: append-only conversation log per room
CREATE TABLE IF NOT EXISTS Message (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	room_id INTEGER NOT NULL,
	content TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	FOREIGN KEY (room_id) REFERENCES Room(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_message_room ON Message(room_id, id);
`
	_, err := db.conn.Exec(schema)
	return err
}

// Close flushes pending writes and closes the connections.
func (db *DB) Close() error {
	if db.writer != nil {
		db.writer.Close()
	}
	db.writeConn.Close()
	return db.conn.Close()
}

// Queue returns the coalescing write queue.
func (db *DB) Queue() *Writer {
	return db.writer
}

// LoadRooms returns the persisted room catalog ordered by id.
func (db *DB) LoadRooms() ([]*Room, error) {
	rows, err := db.conn.Query(`SELECT id, name, is_ai, prompt FROM Room ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to load rooms: %w", err)
	}
	defer rows.Close()

	var rooms []*Room
	for rows.Next() {
		var r Room
		var isAI int
		if err := rows.Scan(&r.ID, &r.Name, &isAI, &r.Prompt); err != nil {
			return nil, err
		}
		r.AI = isAI != 0
		rooms = append(rooms, &r)
	}
	return rooms, rows.Err()
}

// LoadConversation returns the full conversation log for a room in insertion
// order.
func (db *DB) LoadConversation(roomID int64) ([]string, error) {
	rows, err := db.conn.Query(`SELECT content FROM Message WHERE room_id = ? ORDER BY id`, roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}
	defer rows.Close()

	var lines []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

// GetUserHash returns the stored password hash for a username.
func (db *DB) GetUserHash(username string) (string, error) {
	var hash string
	err := db.conn.QueryRow(`SELECT password_hash FROM User WHERE username = ?`, username).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", ErrUserNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up user: %w", err)
	}
	return hash, nil
}

// CreateUser stores a new credential record. Registration is synchronous so
// a freshly created account can sign in immediately.
func (db *DB) CreateUser(username, passwordHash string) error {
	_, err := db.writeConn.Exec(
		`INSERT INTO User (username, password_hash, created_at) VALUES (?, ?, ?)`,
		username, passwordHash, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}
