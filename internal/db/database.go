package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/manpreetbhatti/stratsync/internal/apperr"
)

// Database is the durable store: the single source of truth for rooms,
// floors and drawings.
type Database struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
	newID  func() string
}

type Room struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Stats struct {
	RoomCount    int `json:"room_count"`
	FloorCount   int `json:"floor_count"`
	DrawCount    int `json:"draw_count"`
	DeletedCount int `json:"deleted_count"`
	VersionCount int `json:"version_count"`
}

func New(dbPath string, logger *zap.Logger) (*Database, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	sqlDB, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// WAL lets snapshot reads proceed while a batch insert is committing.
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		sqlDB.Close()
		return nil, err
	}
	if _, err := sqlDB.Exec("PRAGMA busy_timeout=5000"); err != nil {
		sqlDB.Close()
		return nil, err
	}

	if err := createTables(sqlDB); err != nil {
		sqlDB.Close()
		return nil, err
	}

	logger.Info("database initialized", zap.String("path", dbPath))
	return Open(sqlDB, logger), nil
}

// Open wraps an existing handle without touching the schema.
func Open(sqlDB *sql.DB, logger *zap.Logger) *Database {
	return &Database{
		db:     sqlDB,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  func() string { return uuid.Must(uuid.NewV7()).String() },
	}
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS rooms (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS floors (
		id TEXT PRIMARY KEY,
		room_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		position INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (room_id) REFERENCES rooms(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_floors_room_id ON floors(room_id, position);

	CREATE TABLE IF NOT EXISTS draws (
		id TEXT PRIMARY KEY,
		floor_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		payload TEXT NOT NULL,
		is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
		deleted_at DATETIME,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (floor_id) REFERENCES floors(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_draws_floor_id ON draws(floor_id, is_deleted);
	CREATE INDEX IF NOT EXISTS idx_draws_deleted_at ON draws(deleted_at) WHERE is_deleted = TRUE;

	CREATE TABLE IF NOT EXISTS room_versions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		room_id TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT DEFAULT '',
		content TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		created_by TEXT DEFAULT '',
		is_auto BOOLEAN DEFAULT FALSE,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (room_id) REFERENCES rooms(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_room_versions_room_id ON room_versions(room_id, id DESC);
	`

	_, err := db.Exec(schema)
	return err
}

func (d *Database) Close() error {
	return d.db.Close()
}

// Room operations

func (d *Database) CreateRoom(ctx context.Context, id, name string) error {
	if id == "" {
		return apperr.Invalid("db.CreateRoom", "room id is empty")
	}
	now := d.now()
	_, err := d.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO rooms (id, name, created_at, updated_at) VALUES (?, ?, ?, ?)",
		id, name, now, now,
	)
	return err
}

func (d *Database) GetRoom(ctx context.Context, id string) (*Room, error) {
	row := d.db.QueryRowContext(ctx,
		"SELECT id, name, created_at, updated_at FROM rooms WHERE id = ?",
		id,
	)

	var room Room
	err := row.Scan(&room.ID, &room.Name, &room.CreatedAt, &room.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("db.GetRoom", "room %q", id)
	}
	if err != nil {
		return nil, err
	}
	return &room, nil
}

func (d *Database) RoomExists(ctx context.Context, id string) (bool, error) {
	var n int
	err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM rooms WHERE id = ?", id).Scan(&n)
	return n > 0, err
}

func (d *Database) ListRooms(ctx context.Context, limit, offset int) ([]Room, error) {
	rows, err := d.db.QueryContext(ctx,
		"SELECT id, name, created_at, updated_at FROM rooms ORDER BY updated_at DESC, id LIMIT ? OFFSET ?",
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []Room
	for rows.Next() {
		var room Room
		if err := rows.Scan(&room.ID, &room.Name, &room.CreatedAt, &room.UpdatedAt); err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}
	return rooms, rows.Err()
}

// DeleteRoom removes a room with its floors, drawings and saved versions.
func (d *Database) DeleteRoom(ctx context.Context, id string) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmts := []string{
		"DELETE FROM draws WHERE floor_id IN (SELECT id FROM floors WHERE room_id = ?)",
		"DELETE FROM floors WHERE room_id = ?",
		"DELETE FROM room_versions WHERE room_id = ?",
		"DELETE FROM rooms WHERE id = ?",
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (d *Database) touchRoom(ctx context.Context, ex execer, roomID string) error {
	_, err := ex.ExecContext(ctx, "UPDATE rooms SET updated_at = ? WHERE id = ?", d.now(), roomID)
	return err
}

// Stats

func (d *Database) GetStats(ctx context.Context) (Stats, error) {
	var s Stats
	queries := []struct {
		query string
		dest  *int
	}{
		{"SELECT COUNT(*) FROM rooms", &s.RoomCount},
		{"SELECT COUNT(*) FROM floors", &s.FloorCount},
		{"SELECT COUNT(*) FROM draws WHERE is_deleted = FALSE", &s.DrawCount},
		{"SELECT COUNT(*) FROM draws WHERE is_deleted = TRUE", &s.DeletedCount},
		{"SELECT COUNT(*) FROM room_versions", &s.VersionCount},
	}
	for _, q := range queries {
		if err := d.db.QueryRowContext(ctx, q.query).Scan(q.dest); err != nil {
			return Stats{}, fmt.Errorf("stats: %w", err)
		}
	}
	return s, nil
}
