package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/manpreetbhatti/stratsync/internal/apperr"
)

// Version is a saved copy of a room's drawings, created by an explicit save
// or by the client's periodic auto-save.
type Version struct {
	ID          int       `json:"id"`
	RoomID      string    `json:"room_id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Content     string    `json:"content"`
	ContentHash string    `json:"content_hash"`
	CreatedBy   string    `json:"created_by"`
	CreatedAt   time.Time `json:"created_at"`
	IsAuto      bool      `json:"is_auto"`
}

const versionColumns = "id, room_id, name, description, content, content_hash, created_by, is_auto, created_at"

type scanner interface {
	Scan(dest ...any) error
}

func scanVersion(s scanner) (Version, error) {
	var v Version
	err := s.Scan(&v.ID, &v.RoomID, &v.Name, &v.Description, &v.Content, &v.ContentHash, &v.CreatedBy, &v.IsAuto, &v.CreatedAt)
	return v, err
}

func (d *Database) CreateVersion(ctx context.Context, roomID, name, description, content, contentHash, createdBy string, isAuto bool) (*Version, error) {
	result, err := d.db.ExecContext(ctx, `
		INSERT INTO room_versions (room_id, name, description, content, content_hash, created_by, is_auto, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, roomID, name, description, content, contentHash, createdBy, isAuto, d.now())
	if err != nil {
		return nil, err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}

	return d.GetVersion(ctx, int(id))
}

func (d *Database) GetVersion(ctx context.Context, id int) (*Version, error) {
	v, err := scanVersion(d.db.QueryRowContext(ctx,
		"SELECT "+versionColumns+" FROM room_versions WHERE id = ?", id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("db.GetVersion", "version %d", id)
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// ListVersions returns a room's versions, newest first.
func (d *Database) ListVersions(ctx context.Context, roomID string, limit, offset int) ([]Version, error) {
	rows, err := d.db.QueryContext(ctx,
		"SELECT "+versionColumns+" FROM room_versions WHERE room_id = ? ORDER BY id DESC LIMIT ? OFFSET ?",
		roomID, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func (d *Database) GetVersionCount(ctx context.Context, roomID string) (int, error) {
	var count int
	err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM room_versions WHERE room_id = ?", roomID).Scan(&count)
	return count, err
}

// GetLatestVersion returns nil when the room has no versions yet.
func (d *Database) GetLatestVersion(ctx context.Context, roomID string) (*Version, error) {
	v, err := scanVersion(d.db.QueryRowContext(ctx,
		"SELECT "+versionColumns+" FROM room_versions WHERE room_id = ? ORDER BY id DESC LIMIT 1", roomID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (d *Database) DeleteVersion(ctx context.Context, id int) error {
	res, err := d.db.ExecContext(ctx, "DELETE FROM room_versions WHERE id = ?", id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return apperr.NotFound("db.DeleteVersion", "version %d", id)
	}
	return nil
}

// DeleteOldAutoVersions keeps only the newest keepCount auto-saves of a room.
func (d *Database) DeleteOldAutoVersions(ctx context.Context, roomID string, keepCount int) error {
	_, err := d.db.ExecContext(ctx, `
		DELETE FROM room_versions
		WHERE room_id = ? AND is_auto = TRUE AND id NOT IN (
			SELECT id FROM room_versions
			WHERE room_id = ? AND is_auto = TRUE
			ORDER BY id DESC
			LIMIT ?
		)
	`, roomID, roomID, keepCount)
	return err
}

// RoomsWithAutoVersions lists rooms holding more than keepCount auto-saves.
func (d *Database) RoomsWithAutoVersions(ctx context.Context, keepCount int) ([]string, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT room_id FROM room_versions
		WHERE is_auto = TRUE
		GROUP BY room_id
		HAVING COUNT(*) > ?
	`, keepCount)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
