package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/metalfleet/fleetd/pkg/types"
)

//go:embed schema.sql
var schemaSQL string

// SQLiteStore is the durable Store backend.
// Uses SQLite with WAL mode so operator reads proceed during engine writes.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite creates or opens the fleet database at path and applies the
// schema. Idempotent; safe to call on an existing database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite allows one writer at a time; a single connection avoids
	// SQLITE_BUSY under concurrent reconciliation commits.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Create inserts a new object row.
func (s *SQLiteStore) Create(ctx context.Context, obj types.ManagedObject) error {
	if obj.UpdatedAt.IsZero() {
		obj.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO objects (id, kind, state, state_version, disrupted, quarantined, deleted_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		string(obj.ID), string(obj.Kind), string(obj.State), obj.StateVersion,
		boolToInt(obj.Disrupted), boolToInt(obj.Quarantined), obj.DeletedAt, obj.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateObject
		}
		return fmt.Errorf("insert object %s: %w", obj.ID, err)
	}
	return nil
}

// Read returns the current snapshot of one object.
func (s *SQLiteStore) Read(ctx context.Context, id types.ObjectID) (types.ManagedObject, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, kind, state, state_version, disrupted, quarantined, deleted_at, updated_at
		 FROM objects WHERE id = ?`, string(id))
	return scanObject(row)
}

// ListCandidates returns ids of objects eligible for reconciliation.
func (s *SQLiteStore) ListCandidates(ctx context.Context, f Filter) ([]types.ObjectID, error) {
	query := `SELECT id FROM objects WHERE 1=1`
	args := make([]any, 0, 3)

	if f.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(f.Kind))
	}
	if !f.IncludeQuarantined {
		query += ` AND quarantined = 0`
	}
	if !f.IncludeDeleted {
		query += ` AND deleted_at IS NULL`
	}
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list candidates: %w", err)
	}
	defer rows.Close()

	var ids []types.ObjectID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, types.ObjectID(id))
	}
	return ids, rows.Err()
}

// WriteIfVersion commits next conditioned on the observed version. The
// UPDATE's WHERE clause is the compare-and-swap: zero rows affected with an
// existing object means another writer advanced the version first.
func (s *SQLiteStore) WriteIfVersion(ctx context.Context, id types.ObjectID, observedVersion int64, next types.ObjectState) (types.ManagedObject, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE objects
		 SET state = ?, state_version = state_version + 1, updated_at = ?
		 WHERE id = ? AND state_version = ? AND deleted_at IS NULL`,
		string(next), time.Now().UTC(), string(id), observedVersion)
	if err != nil {
		return types.ManagedObject{}, fmt.Errorf("conditional write %s: %w", id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return types.ManagedObject{}, err
	}
	if n == 0 {
		// Distinguish a lost race from a missing object.
		if _, readErr := s.Read(ctx, id); readErr != nil {
			return types.ManagedObject{}, readErr
		}
		return types.ManagedObject{}, ErrConflict
	}

	return s.Read(ctx, id)
}

// AppendHistory records one immutable audit entry.
func (s *SQLiteStore) AppendHistory(ctx context.Context, entry types.HistoryEntry) error {
	if entry.RecordedAt.IsZero() {
		entry.RecordedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO state_history (entry_id, object_id, state_version, state, recorded_at)
		 VALUES (?, ?, ?, ?, ?)`,
		entry.EntryID, string(entry.ObjectID), entry.StateVersion, string(entry.State), entry.RecordedAt)
	if err != nil {
		return fmt.Errorf("append history for %s: %w", entry.ObjectID, err)
	}
	return nil
}

// ListHistory returns up to limit entries for one object, newest first.
func (s *SQLiteStore) ListHistory(ctx context.Context, id types.ObjectID, limit int) ([]types.HistoryEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT entry_id, object_id, state_version, state, recorded_at
		 FROM state_history WHERE object_id = ?
		 ORDER BY state_version DESC LIMIT ?`, string(id), limit)
	if err != nil {
		return nil, fmt.Errorf("list history for %s: %w", id, err)
	}
	defer rows.Close()

	var entries []types.HistoryEntry
	for rows.Next() {
		var e types.HistoryEntry
		var objID, state string
		if err := rows.Scan(&e.EntryID, &objID, &e.StateVersion, &state, &e.RecordedAt); err != nil {
			return nil, err
		}
		e.ObjectID = types.ObjectID(objID)
		e.State = types.ObjectState(state)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// MarkDisrupted flips the durable disruption flag.
func (s *SQLiteStore) MarkDisrupted(ctx context.Context, id types.ObjectID, disrupted bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE objects SET disrupted = ?, updated_at = ? WHERE id = ?`,
		boolToInt(disrupted), time.Now().UTC(), string(id))
	if err != nil {
		return fmt.Errorf("mark disrupted %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListDisrupted returns all ids currently flagged disrupted.
func (s *SQLiteStore) ListDisrupted(ctx context.Context) ([]types.ObjectID, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM objects WHERE disrupted = 1 AND deleted_at IS NULL`)
	if err != nil {
		return nil, fmt.Errorf("list disrupted: %w", err)
	}
	defer rows.Close()

	var ids []types.ObjectID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, types.ObjectID(id))
	}
	return ids, rows.Err()
}

// SetQuarantined flips the operator-attention flag.
func (s *SQLiteStore) SetQuarantined(ctx context.Context, id types.ObjectID, quarantined bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE objects SET quarantined = ?, updated_at = ? WHERE id = ?`,
		boolToInt(quarantined), time.Now().UTC(), string(id))
	if err != nil {
		return fmt.Errorf("set quarantined %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountActive returns the number of live objects.
func (s *SQLiteStore) CountActive(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM objects WHERE deleted_at IS NULL`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanObject(row rowScanner) (types.ManagedObject, error) {
	var obj types.ManagedObject
	var id, kind, state string
	var disrupted, quarantined int
	var deletedAt sql.NullTime

	err := row.Scan(&id, &kind, &state, &obj.StateVersion, &disrupted, &quarantined, &deletedAt, &obj.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.ManagedObject{}, ErrNotFound
		}
		return types.ManagedObject{}, err
	}

	obj.ID = types.ObjectID(id)
	obj.Kind = types.ObjectKind(kind)
	obj.State = types.ObjectState(state)
	obj.Disrupted = disrupted != 0
	obj.Quarantined = quarantined != 0
	if deletedAt.Valid {
		t := deletedAt.Time
		obj.DeletedAt = &t
	}
	return obj, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	// Matching on the driver's message text avoids leaking its error types
	// into the store contract.
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
