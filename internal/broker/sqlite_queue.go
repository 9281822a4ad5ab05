package broker

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

const queueSchema = `CREATE TABLE IF NOT EXISTS queue_messages (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	queue       TEXT NOT NULL,
	payload     BLOB NOT NULL,
	enqueued_at TEXT NOT NULL
)`

const queueIndex = `CREATE INDEX IF NOT EXISTS idx_queue_messages_queue ON queue_messages(queue, id)`

// SQLiteQueue is a durable Queue backed by its own SQLite database.
// It must not share a database handle with the entity store, since the
// scheduler pushes while holding a store transaction.
type SQLiteQueue struct {
	db           *sql.DB
	pollInterval time.Duration
	logger       *slog.Logger
}

// NewSQLiteQueue opens (or creates) the queue database at dbPath.
// Use ":memory:" in tests.
func NewSQLiteQueue(dbPath string, logger *slog.Logger) (*SQLiteQueue, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open queue db %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		queueSchema,
		queueIndex,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init queue db: %w", err)
		}
	}

	return &SQLiteQueue{
		db:           db,
		pollInterval: 250 * time.Millisecond,
		logger:       logger.With("component", "queue"),
	}, nil
}

// SetPollInterval changes how often a blocked Pop re-checks the queue.
func (q *SQLiteQueue) SetPollInterval(d time.Duration) {
	if d > 0 {
		q.pollInterval = d
	}
}

// Close closes the queue database.
func (q *SQLiteQueue) Close() error {
	return q.db.Close()
}

// Push appends payload to the tail of the named queue.
func (q *SQLiteQueue) Push(ctx context.Context, key string, payload []byte) error {
	q.logger.Debug("sql", "op", "insert", "table", "queue_messages", "queue", key)
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO queue_messages (queue, payload, enqueued_at) VALUES (?, ?, ?)`,
		key, payload, time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

// Pop removes and returns the head of the named queue, waiting up to timeout.
func (q *SQLiteQueue) Pop(ctx context.Context, key string, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	for {
		payload, err := q.tryPop(ctx, key)
		if err != nil || payload != nil {
			return payload, err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		wait := q.pollInterval
		if remaining < wait {
			wait = remaining
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

// Len returns the number of messages waiting in the named queue.
func (q *SQLiteQueue) Len(ctx context.Context, key string) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_messages WHERE queue = ?`, key).Scan(&n)
	return n, err
}

func (q *SQLiteQueue) tryPop(ctx context.Context, key string) ([]byte, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var id int64
	var payload []byte
	err = tx.QueryRowContext(ctx,
		`SELECT id, payload FROM queue_messages WHERE queue = ? ORDER BY id LIMIT 1`, key,
	).Scan(&id, &payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM queue_messages WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("delete message %d: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	q.logger.Debug("sql", "op", "pop", "table", "queue_messages", "queue", key, "id", id)
	return payload, nil
}
