package db

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"github.com/menuadmin/imageupload/pkg/errors"
	"github.com/menuadmin/imageupload/pkg/store"
	_ "modernc.org/sqlite"
)

// Repository provides journal operations for uploads
type Repository struct {
	db *sql.DB
}

// NewRepository creates a new repository
func NewRepository(dbPath string) (*Repository, error) {
	slog.Info("database_init", "db_path", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		slog.Error("database_open_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to open database")
	}
	db.SetMaxOpenConns(1)

	// Create schema
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		slog.Error("database_schema_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to create schema")
	}

	slog.Info("database_ready", "db_path", dbPath)
	return &Repository{db: db}, nil
}

// Close closes the database connection
func (r *Repository) Close() error {
	return r.db.Close()
}

// Upsert writes the current state of an entry
func (r *Repository) Upsert(ownerID string, e store.Entry) error {
	query := `
		INSERT INTO uploads (id, owner_id, state, file_name, content_type, content_length,
		                     object_key, public_url, remote_id, error_message, is_primary, position)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		    state = excluded.state,
		    file_name = excluded.file_name,
		    content_type = excluded.content_type,
		    content_length = excluded.content_length,
		    object_key = excluded.object_key,
		    public_url = excluded.public_url,
		    remote_id = excluded.remote_id,
		    error_message = excluded.error_message,
		    is_primary = excluded.is_primary,
		    position = excluded.position,
		    updated_at = CURRENT_TIMESTAMP
	`
	var publicURL string
	if e.Credential != nil {
		publicURL = e.Credential.PublicURL
	}

	_, err := r.db.Exec(query,
		e.ID, ownerID, string(e.State), e.FileName, e.ContentType, e.ContentLength,
		e.ObjectKey(), publicURL, e.RemoteID, e.ErrorMessage, e.IsPrimary, e.Position)
	if err != nil {
		slog.Error("database_upsert_failed", "entry_id", e.ID, "state", e.State, "error", err)
		return errors.Wrap(err, "failed to upsert upload")
	}

	slog.Debug("database_upload_recorded", "entry_id", e.ID, "state", e.State)
	return nil
}

// MarkRemoved flags the row of an entry that left the store
func (r *Repository) MarkRemoved(id string) error {
	query := `UPDATE uploads SET state = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`
	result, err := r.db.Exec(query, StateRemoved, id)
	if err != nil {
		slog.Error("database_mark_removed_failed", "entry_id", id, "error", err)
		return errors.Wrap(err, "failed to mark upload removed")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		slog.Error("database_upload_not_found_for_update", "entry_id", id)
		return fmt.Errorf("upload not found: id=%s", id)
	}

	slog.Debug("database_upload_removed", "entry_id", id)
	return nil
}

const selectColumns = `
	SELECT id, owner_id, state, file_name, content_type, content_length,
	       object_key, public_url, remote_id, error_message, is_primary, position,
	       created_at, updated_at
	FROM uploads`

type scanner interface {
	Scan(dest ...any) error
}

func scanUpload(s scanner) (*Upload, error) {
	var u Upload
	var fileName, contentType, objectKey, publicURL, remoteID, errorMessage sql.NullString

	err := s.Scan(
		&u.ID, &u.OwnerID, &u.State, &fileName, &contentType, &u.ContentLength,
		&objectKey, &publicURL, &remoteID, &errorMessage, &u.IsPrimary, &u.Position,
		&u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}

	// Handle nullable fields
	u.FileName = fileName.String
	u.ContentType = contentType.String
	u.ObjectKey = objectKey.String
	u.PublicURL = publicURL.String
	u.RemoteID = remoteID.String
	u.ErrorMessage = errorMessage.String
	return &u, nil
}

// Get retrieves an upload by entry id. It returns nil when none exists.
func (r *Repository) Get(id string) (*Upload, error) {
	u, err := scanUpload(r.db.QueryRow(selectColumns+` WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil // Not found
	}
	if err != nil {
		slog.Error("database_query_failed", "entry_id", id, "error", err)
		return nil, errors.Wrap(err, "failed to query upload")
	}
	return u, nil
}

// List retrieves uploads in recording order, filtered by owner when ownerID is set
func (r *Repository) List(ownerID string) ([]*Upload, error) {
	query := selectColumns
	var args []any
	if ownerID != "" {
		query += ` WHERE owner_id = ?`
		args = append(args, ownerID)
	}
	query += ` ORDER BY created_at, rowid`

	rows, err := r.db.Query(query, args...)
	if err != nil {
		slog.Error("database_list_query_failed", "error", err)
		return nil, errors.Wrap(err, "failed to list uploads")
	}
	defer rows.Close()

	var uploads []*Upload
	for rows.Next() {
		u, err := scanUpload(rows)
		if err != nil {
			slog.Error("database_scan_row_failed", "error", err)
			return nil, errors.Wrap(err, "failed to scan row")
		}
		uploads = append(uploads, u)
	}

	if err := rows.Err(); err != nil {
		slog.Error("database_rows_error", "error", err)
		return nil, errors.Wrap(err, "rows error")
	}

	slog.Info("database_list_complete", "owner_id", ownerID, "upload_count", len(uploads))
	return uploads, nil
}

// Prune deletes journal rows in the given states, filtered by owner when
// ownerID is set. It returns the number of rows deleted.
func (r *Repository) Prune(ownerID string, states ...string) (int64, error) {
	if len(states) == 0 {
		return 0, nil
	}

	query := `DELETE FROM uploads WHERE state IN (?` + strings.Repeat(", ?", len(states)-1) + `)`
	args := make([]any, 0, len(states)+1)
	for _, st := range states {
		args = append(args, st)
	}
	if ownerID != "" {
		query += ` AND owner_id = ?`
		args = append(args, ownerID)
	}

	result, err := r.db.Exec(query, args...)
	if err != nil {
		slog.Error("database_prune_failed", "owner_id", ownerID, "error", err)
		return 0, errors.Wrap(err, "failed to prune uploads")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}

	slog.Info("database_prune_complete", "owner_id", ownerID, "rows", rows)
	return rows, nil
}

// Record returns a store subscriber that journals every event for ownerID.
// Write failures are logged and do not affect the store.
func (r *Repository) Record(ownerID string) func(store.Event) {
	return func(ev store.Event) {
		var err error
		switch ev.Kind {
		case store.EventRemoved:
			err = r.MarkRemoved(ev.Entry.ID)
		default:
			err = r.Upsert(ownerID, ev.Entry)
		}
		if err != nil {
			slog.Warn("journal_write_failed", "entry_id", ev.Entry.ID, "event", ev.Kind, "error", err)
		}
	}
}
