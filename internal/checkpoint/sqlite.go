package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using a local SQLite file, for clusters where
// writing a bookkeeping index is unwanted
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore creates a new SQLite checkpoint store
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=60000", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single-actor tool, one connection is enough
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS checkpoints (
		id TEXT PRIMARY KEY,
		source_segments TEXT NOT NULL,
		destination TEXT NOT NULL,
		current_segment TEXT,
		current_task TEXT,
		reopen_on_finish INTEGER NOT NULL DEFAULT 0,
		host TEXT,
		process_id INTEGER,
		status TEXT NOT NULL,
		message TEXT,
		last_update DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_checkpoints_destination ON checkpoints(destination);
	`

	_, err := s.db.Exec(query)
	return err
}

// FindMatching scans all persisted checkpoints for one with the same job identity
func (s *SQLiteStore) FindMatching(ctx context.Context, key JobKey) (*Checkpoint, error) {
	query := `
	SELECT id, source_segments, destination, current_segment, current_task,
	       reopen_on_finish, host, process_id, status, message, last_update
	FROM checkpoints
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	for rows.Next() {
		c, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		if key.Matches(c) {
			return c, nil
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil, nil
}

func scanCheckpoint(rows *sql.Rows) (*Checkpoint, error) {
	var c Checkpoint
	var segments string
	var currentSegment, currentTask, host, message sql.NullString
	var processID sql.NullInt64
	var reopen int

	err := rows.Scan(
		&c.ID,
		&segments,
		&c.Destination,
		&currentSegment,
		&currentTask,
		&reopen,
		&host,
		&processID,
		&c.Status,
		&message,
		&c.LastUpdate,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(segments), &c.SourceSegments); err != nil {
		return nil, fmt.Errorf("malformed segment list for checkpoint %s: %w", c.ID, err)
	}
	c.CurrentSegment = currentSegment.String
	c.CurrentTask = currentTask.String
	c.ReopenOnFinish = reopen != 0
	c.Host = host.String
	c.ProcessID = int(processID.Int64)
	c.Message = message.String

	return &c, nil
}

// Save upserts the checkpoint by id in a transaction
func (s *SQLiteStore) Save(ctx context.Context, c *Checkpoint) error {
	stamp(c, s.now())

	segments, err := json.Marshal(c.SourceSegments)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWriteRejected, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWriteRejected, err)
	}
	defer tx.Rollback()

	query := `
	INSERT INTO checkpoints
	(id, source_segments, destination, current_segment, current_task,
	 reopen_on_finish, host, process_id, status, message, last_update)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		source_segments = excluded.source_segments,
		destination = excluded.destination,
		current_segment = excluded.current_segment,
		current_task = excluded.current_task,
		reopen_on_finish = excluded.reopen_on_finish,
		host = excluded.host,
		process_id = excluded.process_id,
		status = excluded.status,
		message = excluded.message,
		last_update = excluded.last_update
	`

	reopen := 0
	if c.ReopenOnFinish {
		reopen = 1
	}

	_, err = tx.ExecContext(ctx, query,
		c.ID,
		string(segments),
		c.Destination,
		c.CurrentSegment,
		c.CurrentTask,
		reopen,
		c.Host,
		c.ProcessID,
		string(c.Status),
		c.Message,
		c.LastUpdate,
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWriteRejected, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteRejected, err)
	}
	return nil
}

// Delete removes the checkpoint row; deleting a missing row is not an error
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete checkpoint %s: %w", id, err)
	}
	return nil
}

// EnsureStorage creates the checkpoints table if absent
func (s *SQLiteStore) EnsureStorage(ctx context.Context) error {
	if err := s.createTables(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
