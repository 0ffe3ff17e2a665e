package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/aeolun/chatcast/pkg/protocol"
	_ "modernc.org/sqlite"
)

var (
	// ErrNotPersistable indicates an envelope kind that never enters the history.
	ErrNotPersistable = errors.New("envelope kind is not persisted")
)

const (
	// DefaultListLimit caps history queries that do not ask for a limit.
	DefaultListLimit = 100
	// MaxListLimit is the largest page a history query may request.
	MaxListLimit = 1000
)

// DB wraps the SQLite database connection
type DB struct {
	conn        *sql.DB // Read connection pool
	writeConn   *sql.DB // Dedicated write connection (1 connection)
	snowflake   *Snowflake
	WriteBuffer *WriteBuffer

	closeOnce sync.Once
}

// Message is a stored history row.
type Message struct {
	ID        int64
	Kind      protocol.Kind
	Sender    string
	Body      string
	CreatedAt int64 // Unix timestamp in milliseconds
}

// Envelope converts the row back into its wire form.
func (m *Message) Envelope() protocol.Envelope {
	return protocol.Envelope{
		Sender:    m.Sender,
		Body:      m.Body,
		CreatedAt: time.UnixMilli(m.CreatedAt).UTC(),
		Kind:      m.Kind,
	}
}

// MessageFilter narrows a history query. Zero values mean no filter.
type MessageFilter struct {
	Kind   *protocol.Kind
	Sender string
	Limit  int
}

var connPragmas = []string{
	// WAL allows multiple readers and one writer at the same time
	"PRAGMA journal_mode = WAL",
	// Wait and retry instead of failing immediately with SQLITE_BUSY
	"PRAGMA busy_timeout = 5000",
	"PRAGMA synchronous = NORMAL",
}

func applyPragmas(conn *sql.DB) error {
	for _, p := range connPragmas {
		if _, err := conn.Exec(p); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	return nil
}

// Open opens the SQLite database at the given path, migrates it and
// starts the write buffer.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	if err := applyPragmas(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to configure read pool: %w", err)
	}

	writeConn, err := sql.Open("sqlite", path)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open write connection: %w", err)
	}
	// SQLite allows a single writer; keep exactly one connection for it.
	writeConn.SetMaxOpenConns(1)
	writeConn.SetMaxIdleConns(1)
	writeConn.SetConnMaxLifetime(0)

	if err := applyPragmas(writeConn); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, fmt.Errorf("failed to configure write connection: %w", err)
	}

	if err := runMigrations(writeConn, path, migrationFiles); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	db := &DB{
		conn:      conn,
		writeConn: writeConn,
		snowflake: NewSnowflake(snowflakeEpoch, 0),
	}
	db.WriteBuffer = NewWriteBuffer(db, 50*time.Millisecond)

	return db, nil
}

// Close flushes pending writes and closes both connections. It is safe to
// call more than once.
func (db *DB) Close() error {
	var err error
	db.closeOnce.Do(func() {
		db.WriteBuffer.Close()
		db.writeConn.Close()
		err = db.conn.Close()
	})
	return err
}

// SaveMessage stores a Chat, Join or Leave envelope and returns the stored
// row. Other kinds are rejected with ErrNotPersistable.
func (db *DB) SaveMessage(ctx context.Context, env protocol.Envelope) (*Message, error) {
	if !env.Kind.Persistent() {
		return nil, fmt.Errorf("%w: %s", ErrNotPersistable, env.Kind)
	}
	created := env.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	return db.WriteBuffer.PostMessage(ctx, &Message{
		Kind:      env.Kind,
		Sender:    env.Sender,
		Body:      env.Body,
		CreatedAt: created.UnixMilli(),
	})
}

// ListMessages returns stored messages newest first.
func (db *DB) ListMessages(ctx context.Context, filter MessageFilter) ([]*Message, error) {
	var (
		where []string
		args  []any
	)
	if filter.Kind != nil {
		where = append(where, "kind = ?")
		args = append(args, filter.Kind.String())
	}
	if filter.Sender != "" {
		where = append(where, "sender = ? COLLATE NOCASE")
		args = append(args, filter.Sender)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	query := "SELECT id, kind, sender, body, created_at FROM Message"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

// CountMessages returns the number of stored messages.
func (db *DB) CountMessages(ctx context.Context) (int64, error) {
	var n int64
	err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM Message").Scan(&n)
	return n, err
}

// CleanupExpiredMessages deletes messages created before now minus retention.
// Returns the number of messages deleted.
func (db *DB) CleanupExpiredMessages(retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}
	start := time.Now()
	cutoff := start.Add(-retention).UnixMilli()

	result, err := db.writeConn.Exec(`DELETE FROM Message WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup expired messages: %w", err)
	}

	if elapsed := time.Since(start); elapsed > time.Second {
		log.Printf("DB: CleanupExpiredMessages took %v", elapsed)
	}
	return result.RowsAffected()
}

func scanMessages(rows *sql.Rows) ([]*Message, error) {
	var messages []*Message

	for rows.Next() {
		msg := &Message{}
		var kind string
		if err := rows.Scan(&msg.ID, &kind, &msg.Sender, &msg.Body, &msg.CreatedAt); err != nil {
			return nil, err
		}
		k, err := protocol.ParseKind(kind)
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", msg.ID, err)
		}
		msg.Kind = k
		messages = append(messages, msg)
	}

	return messages, rows.Err()
}
