package db

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"strings"

	"github.com/benbjohnson/clock"

	"github.com/kimhsiao/rundown/internal/errors"
	"github.com/kimhsiao/rundown/internal/models"
	"github.com/kimhsiao/rundown/internal/store"
)

// Store is the sqlite implementation of store.Store. Each rundown is one
// row; writes run in a transaction guarded by the stored doc_version.
type Store struct {
	db    *DB
	clock clock.Clock
}

var _ store.Store = (*Store)(nil)

// NewStore creates a Store over a migrated database.
func NewStore(db *DB, clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.New()
	}
	return &Store{db: db, clock: clk}
}

const selectRundown = `
	SELECT id, title, start_time, items, showcaller, doc_version, updated_at
	FROM rundowns WHERE id = ?
	`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRundown(row rowScanner) (*models.Rundown, error) {
	var doc models.Rundown
	var showcaller string
	err := row.Scan(&doc.ID, &doc.Title, &doc.StartTime, &doc.Items, &showcaller,
		&doc.DocVersion, &doc.UpdatedAt)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrTransientIO, "read rundown row", err)
	}
	if err := json.Unmarshal([]byte(showcaller), &doc.Showcaller); err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "decode showcaller state", err)
	}
	return &doc, nil
}

// Create stores a new rundown at version 1.
func (s *Store) Create(ctx context.Context, doc *models.Rundown) (*store.Snapshot, error) {
	if doc == nil || doc.ID == "" {
		return nil, errors.New(errors.ErrInvalid, "rundown requires an id")
	}
	stored := doc.Clone()
	stored.DocVersion = 1
	stored.UpdatedAt = s.clock.Now().UnixMilli()

	showcaller, err := json.Marshal(stored.Showcaller)
	if err != nil {
		return nil, errors.Wrap(errors.ErrInvalid, "encode showcaller state", err)
	}

	query := `
	INSERT INTO rundowns (id, title, start_time, items, showcaller, doc_version, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query, stored.ID, stored.Title, stored.StartTime,
		stored.Items, string(showcaller), stored.DocVersion, stored.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrDuplicate
		}
		return nil, errors.Wrap(errors.ErrTransientIO, "insert rundown", err)
	}
	return snapshotOf(stored), nil
}

// Read returns the full document.
func (s *Store) Read(ctx context.Context, docID string) (*store.Snapshot, error) {
	doc, err := scanRundown(s.db.QueryRowContext(ctx, selectRundown, docID))
	if err != nil {
		return nil, err
	}
	return snapshotOf(doc), nil
}

// Version returns the current version without decoding the document.
func (s *Store) Version(ctx context.Context, docID string) (*store.VersionInfo, error) {
	var info store.VersionInfo
	err := s.db.QueryRowContext(ctx,
		"SELECT doc_version, updated_at FROM rundowns WHERE id = ?", docID,
	).Scan(&info.Version, &info.UpdatedAt)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrTransientIO, "read rundown version", err)
	}
	info.ServerTime = s.clock.Now().UnixMilli()
	return &info, nil
}

// Write applies patch as the next version.
func (s *Store) Write(ctx context.Context, docID string, patch *models.Patch, expectedVersion *int64) (*store.WriteResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(errors.ErrTransientIO, "begin write", err)
	}
	defer tx.Rollback()

	current, err := scanRundown(tx.QueryRowContext(ctx, selectRundown, docID))
	if err != nil {
		return nil, err
	}
	next, err := store.ApplyWrite(current, patch, expectedVersion, s.clock.Now().UnixMilli())
	if err != nil {
		return nil, err
	}
	showcaller, err := json.Marshal(next.Showcaller)
	if err != nil {
		return nil, errors.Wrap(errors.ErrInvalid, "encode showcaller state", err)
	}

	query := `
	UPDATE rundowns
	SET title = ?, start_time = ?, items = ?, showcaller = ?, doc_version = ?, updated_at = ?
	WHERE id = ? AND doc_version = ?
	`
	res, err := tx.ExecContext(ctx, query, next.Title, next.StartTime, next.Items,
		string(showcaller), next.DocVersion, next.UpdatedAt, docID, current.DocVersion)
	if err != nil {
		return nil, errors.Wrap(errors.ErrTransientIO, "update rundown", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, store.ErrVersionConflict
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(errors.ErrTransientIO, "commit write", err)
	}
	return &store.WriteResult{Version: next.DocVersion, UpdatedAt: next.UpdatedAt}, nil
}

// List returns the ids of all stored rundowns.
func (s *Store) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id FROM rundowns ORDER BY id")
	if err != nil {
		return nil, errors.Wrap(errors.ErrTransientIO, "list rundowns", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(errors.ErrDatabase, "scan rundown id", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func snapshotOf(doc *models.Rundown) *store.Snapshot {
	return &store.Snapshot{
		Document:  doc.Clone(),
		Version:   doc.DocVersion,
		UpdatedAt: doc.UpdatedAt,
	}
}

func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "PRIMARY KEY constraint failed")
}
