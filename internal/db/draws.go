package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/manpreetbhatti/stratsync/internal/apperr"
	"github.com/manpreetbhatti/stratsync/internal/draw"
)

// Floor operations

func (d *Database) CreateFloor(ctx context.Context, roomID, name string) (*draw.Floor, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM rooms WHERE id = ?", roomID).Scan(&exists); err != nil {
		return nil, err
	}
	if exists == 0 {
		return nil, apperr.NotFound("db.CreateFloor", "room %q", roomID)
	}

	var position int
	if err := tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(position) + 1, 0) FROM floors WHERE room_id = ?", roomID,
	).Scan(&position); err != nil {
		return nil, err
	}

	floor := &draw.Floor{ID: uuid.NewString(), RoomID: roomID, Name: name, Position: position}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO floors (id, room_id, name, position, created_at) VALUES (?, ?, ?, ?, ?)",
		floor.ID, roomID, name, position, d.now(),
	); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	floor.Draws = []draw.Record{}
	return floor, nil
}

func (d *Database) ListFloors(ctx context.Context, roomID string) ([]draw.Floor, error) {
	rows, err := d.db.QueryContext(ctx,
		"SELECT id, room_id, name, position FROM floors WHERE room_id = ? ORDER BY position, id",
		roomID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	floors := []draw.Floor{}
	for rows.Next() {
		var f draw.Floor
		if err := rows.Scan(&f.ID, &f.RoomID, &f.Name, &f.Position); err != nil {
			return nil, err
		}
		f.Draws = []draw.Record{}
		floors = append(floors, f)
	}
	return floors, rows.Err()
}

// Draw operations

// CreateDraws persists a batch in one transaction. The returned records are
// in the same order as payloads; callers rely on that to map their
// temporary identifiers onto canonical ones.
func (d *Database) CreateDraws(ctx context.Context, floorID, userID string, payloads []draw.Payload) ([]draw.Record, error) {
	const op = "db.CreateDraws"
	if userID == "" {
		return nil, apperr.Forbidden(op, "anonymous writes are not allowed")
	}
	if len(payloads) == 0 {
		return nil, apperr.Invalid(op, "no payloads")
	}

	encoded := make([]string, len(payloads))
	for i, p := range payloads {
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("payload %d: %w", i, err)
		}
		raw, err := json.Marshal(p)
		if err != nil {
			return nil, apperr.E(apperr.KindInvalid, op, err)
		}
		encoded[i] = string(raw)
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var roomID string
	err = tx.QueryRowContext(ctx, "SELECT room_id FROM floors WHERE id = ?", floorID).Scan(&roomID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound(op, "floor %q", floorID)
	}
	if err != nil {
		return nil, err
	}

	now := d.now()
	records := make([]draw.Record, 0, len(payloads))
	for i, p := range payloads {
		id := d.newID()
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO draws (id, floor_id, user_id, kind, payload, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
			id, floorID, userID, string(p.Kind()), encoded[i], now, now,
		); err != nil {
			return nil, fmt.Errorf("insert draw %d: %w", i, err)
		}
		records = append(records, draw.Record{
			ID:        id,
			FloorID:   floorID,
			UserID:    userID,
			Payload:   p,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}

	if err := d.touchRoom(ctx, tx, roomID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	d.logger.Debug("draws created",
		zap.String("floor_id", floorID),
		zap.String("user_id", userID),
		zap.Int("count", len(records)),
	)
	return records, nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func scanDraw(row *sql.Row) (draw.Record, error) {
	var (
		r       draw.Record
		payload string
	)
	if err := row.Scan(&r.ID, &r.FloorID, &r.UserID, &payload, &r.Deleted, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return draw.Record{}, err
	}
	if err := json.Unmarshal([]byte(payload), &r.Payload); err != nil {
		return draw.Record{}, fmt.Errorf("decode draw %s: %w", r.ID, err)
	}
	return r, nil
}

const drawColumns = "id, floor_id, user_id, payload, is_deleted, created_at, updated_at"

func (d *Database) getDraw(ctx context.Context, q queryRower, op, id string) (draw.Record, error) {
	r, err := scanDraw(q.QueryRowContext(ctx, "SELECT "+drawColumns+" FROM draws WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return draw.Record{}, apperr.NotFound(op, "draw %q", id)
	}
	return r, err
}

func (d *Database) GetDraw(ctx context.Context, id string) (draw.Record, error) {
	return d.getDraw(ctx, d.db, "db.GetDraw", id)
}

// UpdateDraw replaces a drawing's payload. Only its author may update it.
func (d *Database) UpdateDraw(ctx context.Context, id, userID string, payload draw.Payload) (draw.Record, error) {
	const op = "db.UpdateDraw"
	if err := payload.Validate(); err != nil {
		return draw.Record{}, err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return draw.Record{}, apperr.E(apperr.KindInvalid, op, err)
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return draw.Record{}, err
	}
	defer tx.Rollback()

	current, err := d.getDraw(ctx, tx, op, id)
	if err != nil {
		return draw.Record{}, err
	}
	if current.Deleted {
		return draw.Record{}, apperr.NotFound(op, "draw %q is deleted", id)
	}
	if current.UserID != userID {
		return draw.Record{}, apperr.Forbidden(op, "draw %q belongs to another user", id)
	}

	now := d.now()
	if _, err := tx.ExecContext(ctx,
		"UPDATE draws SET kind = ?, payload = ?, updated_at = ? WHERE id = ?",
		string(payload.Kind()), string(raw), now, id,
	); err != nil {
		return draw.Record{}, err
	}
	if err := tx.Commit(); err != nil {
		return draw.Record{}, err
	}

	current.Payload = payload
	current.UpdatedAt = now
	return current, nil
}

// DeleteDraws tombstones every id or none of them. Deleting an already
// deleted drawing is a no-op.
func (d *Database) DeleteDraws(ctx context.Context, ids []string, userID string) error {
	const op = "db.DeleteDraws"
	if len(ids) == 0 {
		return apperr.Invalid(op, "no ids")
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := d.now()
	for _, id := range ids {
		current, err := d.getDraw(ctx, tx, op, id)
		if err != nil {
			return err
		}
		if current.UserID != userID {
			return apperr.Forbidden(op, "draw %q belongs to another user", id)
		}
		if current.Deleted {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE draws SET is_deleted = TRUE, deleted_at = ?, updated_at = ? WHERE id = ?",
			now, now, id,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Snapshot returns every floor of the room with its confirmed, non-deleted
// drawings in creation order.
func (d *Database) Snapshot(ctx context.Context, roomID string) ([]draw.Floor, error) {
	exists, err := d.RoomExists(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, apperr.NotFound("db.Snapshot", "room %q", roomID)
	}

	floors, err := d.ListFloors(ctx, roomID)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]int, len(floors))
	for i, f := range floors {
		byID[f.ID] = i
	}

	rows, err := d.db.QueryContext(ctx, `
		SELECT d.id, d.floor_id, d.user_id, d.payload, d.is_deleted, d.created_at, d.updated_at
		FROM draws d JOIN floors f ON f.id = d.floor_id
		WHERE f.room_id = ? AND d.is_deleted = FALSE
		ORDER BY d.rowid
	`, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			r       draw.Record
			payload string
		)
		if err := rows.Scan(&r.ID, &r.FloorID, &r.UserID, &payload, &r.Deleted, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &r.Payload); err != nil {
			d.logger.Warn("skipping undecodable draw", zap.String("draw_id", r.ID), zap.Error(err))
			continue
		}
		if i, ok := byID[r.FloorID]; ok {
			floors[i].Draws = append(floors[i].Draws, r)
		}
	}
	return floors, rows.Err()
}

// PurgeDeleted hard-deletes tombstones older than before.
func (d *Database) PurgeDeleted(ctx context.Context, before time.Time) (int64, error) {
	res, err := d.db.ExecContext(ctx,
		"DELETE FROM draws WHERE is_deleted = TRUE AND deleted_at < ?",
		before.UTC(),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
