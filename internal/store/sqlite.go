package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/nhle/mailtriage/internal/model"
)

// MemoryPath opens a journal that lives only as long as the process.
const MemoryPath = ":memory:"

// SQLiteStore implements Journal using a SQLite database.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and runs
// any pending schema migrations. File databases use WAL mode.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	// Every connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)

	if dbPath != MemoryPath {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enabling WAL mode: %w", err)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (s *SQLiteStore) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := s.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// RecordOutcome inserts the outcome of one processed message.
func (s *SQLiteStore) RecordOutcome(ctx context.Context, o model.Outcome) error {
	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	if o.ProcessedAt.IsZero() {
		o.ProcessedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO outcomes (
			id, cycle_id, message_uid, message_id_header,
			sender, subject, category, provenance,
			ack_attempted, ack_error, forwarded_to, forward_error,
			marked_read, mark_read_error, error, processed_at
		) VALUES (
			?, ?, ?, ?,
			?, ?, ?, ?,
			?, ?, ?, ?,
			?, ?, ?, ?
		)`,
		o.ID, o.CycleID, int64(o.MessageID), o.MessageIDHeader,
		o.Sender, o.Subject, int(o.Category), string(o.Provenance),
		boolToInt(o.AckAttempted), o.AckError, o.ForwardedTo, o.ForwardError,
		boolToInt(o.MarkedRead), o.MarkReadError, o.Error, o.ProcessedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("recording outcome for message %d: %w", o.MessageID, err)
	}

	return nil
}

// Delivered reports whether the latest outcome for the message finished its
// sends cleanly but left the message unread, which is the only case where
// a retry must not send again. Both the UID and the Message-ID header must
// match so a reused UID after UIDVALIDITY changes is not mistaken for the
// same mail.
func (s *SQLiteStore) Delivered(
	ctx context.Context,
	uid model.MessageID,
	messageID string,
) (bool, error) {
	var latest []model.Outcome
	err := s.db.SelectContext(ctx, &latest, `
		SELECT * FROM outcomes
		WHERE message_uid = ? AND message_id_header = ?
		ORDER BY processed_at DESC, rowid DESC
		LIMIT 1`,
		int64(uid), messageID,
	)
	if err != nil {
		return false, fmt.Errorf("checking delivery of message %d: %w", uid, err)
	}
	if len(latest) == 0 {
		return false, nil
	}

	o := latest[0]
	return o.Delivered() && !o.MarkedRead, nil
}

// Outcomes returns recorded outcomes, newest first.
func (s *SQLiteStore) Outcomes(ctx context.Context, limit int) ([]model.Outcome, error) {
	query := "SELECT * FROM outcomes ORDER BY processed_at DESC, rowid DESC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	var outcomes []model.Outcome
	if err := s.db.SelectContext(ctx, &outcomes, query); err != nil {
		return nil, fmt.Errorf("querying outcomes: %w", err)
	}

	return outcomes, nil
}

// Summary counts outcomes by result.
func (s *SQLiteStore) Summary(ctx context.Context) (Summary, error) {
	var sum Summary
	err := s.db.GetContext(ctx, &sum, `
		SELECT
			COUNT(*) AS processed,
			COALESCE(SUM(marked_read), 0) AS marked_read,
			COALESCE(SUM(provenance = 'fallback'), 0) AS fallbacks,
			COALESCE(SUM(ack_error != ''), 0) AS ack_failures,
			COALESCE(SUM(forward_error != ''), 0) AS forward_failures,
			COALESCE(SUM(error != ''), 0) AS errors
		FROM outcomes`,
	)
	if err != nil {
		return Summary{}, fmt.Errorf("summarizing outcomes: %w", err)
	}
	return sum, nil
}

// boolToInt converts a boolean to 0 or 1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
