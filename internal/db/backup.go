package db

import (
	"context"

	"github.com/kimhsiao/rundown/internal/errors"
	"github.com/kimhsiao/rundown/internal/models"
	"github.com/kimhsiao/rundown/internal/sync/backup"
)

// BackupRepository is the sqlite implementation of backup.Repository.
type BackupRepository struct {
	db *DB
}

var _ backup.Repository = (*BackupRepository)(nil)

// NewBackupRepository creates a BackupRepository over a migrated database.
func NewBackupRepository(db *DB) *BackupRepository {
	return &BackupRepository{db: db}
}

// Save stores e, replacing the entry for the same rundown and field.
func (r *BackupRepository) Save(ctx context.Context, e *backup.Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	query := `
	INSERT INTO edit_backups (id, doc_id, field_key, item_id, field, value, session_id, reason, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(doc_id, field_key) DO UPDATE SET
		id = excluded.id,
		value = excluded.value,
		session_id = excluded.session_id,
		reason = excluded.reason,
		created_at = excluded.created_at
	`
	_, err := r.db.ExecContext(ctx, query, e.ID, e.DocID, string(e.Key()), e.ItemID,
		string(e.Field), e.Value, e.SessionID, string(e.Reason), e.CreatedAt)
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "save backup entry", err)
	}
	return nil
}

// List returns the entries of docID, oldest first.
func (r *BackupRepository) List(ctx context.Context, docID string) ([]*backup.Entry, error) {
	query := `
	SELECT id, doc_id, item_id, field, value, session_id, reason, created_at
	FROM edit_backups WHERE doc_id = ?
	ORDER BY created_at, field_key
	`
	rows, err := r.db.QueryContext(ctx, query, docID)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "list backup entries", err)
	}
	defer rows.Close()

	entries := []*backup.Entry{}
	for rows.Next() {
		var e backup.Entry
		var field, reason string
		if err := rows.Scan(&e.ID, &e.DocID, &e.ItemID, &field, &e.Value,
			&e.SessionID, &reason, &e.CreatedAt); err != nil {
			return nil, errors.Wrap(errors.ErrDatabase, "scan backup entry", err)
		}
		e.Field = models.Field(field)
		e.Reason = backup.Reason(reason)
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "list backup entries", err)
	}
	return entries, nil
}

// Delete removes the entry for docID and key.
func (r *BackupRepository) Delete(ctx context.Context, docID string, key models.FieldKey) error {
	_, err := r.db.ExecContext(ctx,
		"DELETE FROM edit_backups WHERE doc_id = ? AND field_key = ?", docID, string(key))
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "delete backup entry", err)
	}
	return nil
}
