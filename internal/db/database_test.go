package db

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/manpreetbhatti/stratsync/internal/apperr"
	"github.com/manpreetbhatti/stratsync/internal/draw"
)

func setupTestDB(t *testing.T) (*Database, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "stratsync-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}

	dbPath := filepath.Join(tmpDir, "test.db")
	db, err := New(dbPath, zap.NewNop())
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("Failed to create database: %v", err)
	}

	cleanup := func() {
		db.Close()
		os.RemoveAll(tmpDir)
	}

	return db, cleanup
}

func setupFloor(t *testing.T, db *Database, roomID string) *draw.Floor {
	t.Helper()
	ctx := context.Background()
	if err := db.CreateRoom(ctx, roomID, "Room "+roomID); err != nil {
		t.Fatalf("Failed to create room: %v", err)
	}
	floor, err := db.CreateFloor(ctx, roomID, "1F")
	if err != nil {
		t.Fatalf("Failed to create floor: %v", err)
	}
	return floor
}

func linePayload(x float64) draw.Payload {
	return draw.Payload{
		Shape: draw.Line{From: draw.Point{X: x, Y: 0}, To: draw.Point{X: x + 10, Y: 10}},
		Style: draw.Style{Color: "#ff8800", Width: 2},
	}
}

func TestDatabaseCreation(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	if db == nil {
		t.Fatal("Database should not be nil")
	}
}

func TestRoomOperations(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	if err := db.CreateRoom(ctx, "test-room", "Test Room"); err != nil {
		t.Fatalf("Failed to create room: %v", err)
	}

	room, err := db.GetRoom(ctx, "test-room")
	if err != nil {
		t.Fatalf("Failed to get room: %v", err)
	}
	if room.ID != "test-room" {
		t.Errorf("Expected room ID 'test-room', got '%s'", room.ID)
	}
	if room.Name != "Test Room" {
		t.Errorf("Expected room name 'Test Room', got '%s'", room.Name)
	}

	exists, err := db.RoomExists(ctx, "test-room")
	if err != nil || !exists {
		t.Errorf("Expected room to exist, got %v (err %v)", exists, err)
	}

	_, err = db.GetRoom(ctx, "non-existent")
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("Expected NotFound, got %v", err)
	}

	if err := db.DeleteRoom(ctx, "test-room"); err != nil {
		t.Fatalf("Failed to delete room: %v", err)
	}

	exists, _ = db.RoomExists(ctx, "test-room")
	if exists {
		t.Error("Deleted room should not exist")
	}
}

func TestListRooms(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		err := db.CreateRoom(ctx, "room-"+string(rune('a'+i)), "Room "+string(rune('A'+i)))
		if err != nil {
			t.Fatalf("Failed to create room: %v", err)
		}
	}

	rooms, err := db.ListRooms(ctx, 10, 0)
	if err != nil {
		t.Fatalf("Failed to list rooms: %v", err)
	}
	if len(rooms) != 5 {
		t.Errorf("Expected 5 rooms, got %d", len(rooms))
	}

	rooms, err = db.ListRooms(ctx, 2, 3)
	if err != nil {
		t.Fatalf("Failed to list rooms: %v", err)
	}
	if len(rooms) != 2 {
		t.Errorf("Expected 2 rooms with offset, got %d", len(rooms))
	}
}

func TestFloorsArePositioned(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	setupFloor(t, db, "r1")
	second, err := db.CreateFloor(ctx, "r1", "2F")
	if err != nil {
		t.Fatalf("Failed to create floor: %v", err)
	}
	if second.Position != 1 {
		t.Errorf("Expected position 1, got %d", second.Position)
	}

	if _, err := db.CreateFloor(ctx, "missing", "1F"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("Expected NotFound for missing room, got %v", err)
	}

	floors, err := db.ListFloors(ctx, "r1")
	if err != nil {
		t.Fatalf("Failed to list floors: %v", err)
	}
	if len(floors) != 2 || floors[0].Name != "1F" || floors[1].Name != "2F" {
		t.Errorf("Unexpected floors: %+v", floors)
	}
}

func TestCreateDrawsPreservesRequestOrder(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	floor := setupFloor(t, db, "r1")
	payloads := []draw.Payload{linePayload(1), linePayload(2), linePayload(3)}

	records, err := db.CreateDraws(ctx, floor.ID, "alice", payloads)
	if err != nil {
		t.Fatalf("Failed to create draws: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("Expected 3 records, got %d", len(records))
	}

	seen := make(map[string]bool)
	for i, r := range records {
		line := r.Payload.Shape.(draw.Line)
		if line.From.X != float64(i+1) {
			t.Errorf("Record %d out of order: from.x = %v", i, line.From.X)
		}
		if seen[r.ID] {
			t.Errorf("Duplicate id %s", r.ID)
		}
		seen[r.ID] = true
	}

	floors, err := db.Snapshot(ctx, "r1")
	if err != nil {
		t.Fatalf("Failed to read snapshot: %v", err)
	}
	if len(floors) != 1 || len(floors[0].Draws) != 3 {
		t.Fatalf("Expected 1 floor with 3 draws, got %+v", floors)
	}
	for i, r := range floors[0].Draws {
		if r.ID != records[i].ID {
			t.Errorf("Snapshot order mismatch at %d: %s != %s", i, r.ID, records[i].ID)
		}
	}
}

func TestCreateDrawsRejectsWholeBatch(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	floor := setupFloor(t, db, "r1")
	bad := draw.Payload{Shape: draw.Text{Content: "", Size: 10}, Style: draw.Style{Color: "#fff"}}

	_, err := db.CreateDraws(ctx, floor.ID, "alice", []draw.Payload{linePayload(1), bad})
	if !errors.Is(err, apperr.ErrInvalid) {
		t.Fatalf("Expected Invalid, got %v", err)
	}

	_, err = db.CreateDraws(ctx, "no-floor", "alice", []draw.Payload{linePayload(1)})
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("Expected NotFound, got %v", err)
	}

	_, err = db.CreateDraws(ctx, floor.ID, "", []draw.Payload{linePayload(1)})
	if !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("Expected Forbidden for anonymous write, got %v", err)
	}

	stats, err := db.GetStats(ctx)
	if err != nil {
		t.Fatalf("Failed to get stats: %v", err)
	}
	if stats.DrawCount != 0 {
		t.Errorf("Expected no draws after rejected batches, got %d", stats.DrawCount)
	}
}

func TestUpdateDrawOwnership(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	floor := setupFloor(t, db, "r1")
	records, err := db.CreateDraws(ctx, floor.ID, "alice", []draw.Payload{linePayload(1)})
	if err != nil {
		t.Fatalf("Failed to create draw: %v", err)
	}
	id := records[0].ID

	if _, err := db.UpdateDraw(ctx, id, "mallory", linePayload(5)); !errors.Is(err, apperr.ErrForbidden) {
		t.Errorf("Expected Forbidden, got %v", err)
	}

	updated, err := db.UpdateDraw(ctx, id, "alice", linePayload(5))
	if err != nil {
		t.Fatalf("Failed to update draw: %v", err)
	}
	if updated.Payload.Shape.(draw.Line).From.X != 5 {
		t.Errorf("Update not applied: %+v", updated.Payload)
	}

	got, err := db.GetDraw(ctx, id)
	if err != nil {
		t.Fatalf("Failed to get draw: %v", err)
	}
	if got.Payload.Shape.(draw.Line).From.X != 5 {
		t.Errorf("Update not persisted: %+v", got.Payload)
	}

	if _, err := db.UpdateDraw(ctx, "missing", "alice", linePayload(5)); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("Expected NotFound, got %v", err)
	}
}

func TestSoftDelete(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	floor := setupFloor(t, db, "r1")
	records, err := db.CreateDraws(ctx, floor.ID, "alice", []draw.Payload{linePayload(1), linePayload(2)})
	if err != nil {
		t.Fatalf("Failed to create draws: %v", err)
	}

	if err := db.DeleteDraws(ctx, []string{records[0].ID}, "bob"); !errors.Is(err, apperr.ErrForbidden) {
		t.Errorf("Expected Forbidden, got %v", err)
	}
	if err := db.DeleteDraws(ctx, []string{records[0].ID}, "alice"); err != nil {
		t.Fatalf("Failed to delete: %v", err)
	}
	// Second delete is idempotent.
	if err := db.DeleteDraws(ctx, []string{records[0].ID}, "alice"); err != nil {
		t.Fatalf("Repeated delete failed: %v", err)
	}

	got, err := db.GetDraw(ctx, records[0].ID)
	if err != nil {
		t.Fatalf("Tombstone should still be readable: %v", err)
	}
	if !got.Deleted {
		t.Error("Expected tombstone flag")
	}

	floors, _ := db.Snapshot(ctx, "r1")
	if len(floors[0].Draws) != 1 || floors[0].Draws[0].ID != records[1].ID {
		t.Errorf("Snapshot should only hold the live draw, got %+v", floors[0].Draws)
	}

	if _, err := db.UpdateDraw(ctx, records[0].ID, "alice", linePayload(9)); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("Updating a tombstone should be NotFound, got %v", err)
	}
}

func TestPurgeDeleted(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	db.now = func() time.Time { return base }

	floor := setupFloor(t, db, "r1")
	records, _ := db.CreateDraws(ctx, floor.ID, "alice", []draw.Payload{linePayload(1), linePayload(2)})
	if err := db.DeleteDraws(ctx, []string{records[0].ID}, "alice"); err != nil {
		t.Fatalf("Failed to delete: %v", err)
	}

	n, err := db.PurgeDeleted(ctx, base.Add(-time.Hour))
	if err != nil || n != 0 {
		t.Errorf("Expected nothing purged yet, got %d (err %v)", n, err)
	}

	n, err = db.PurgeDeleted(ctx, base.Add(time.Hour))
	if err != nil || n != 1 {
		t.Errorf("Expected 1 purged, got %d (err %v)", n, err)
	}

	if _, err := db.GetDraw(ctx, records[0].ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("Purged draw should be gone, got %v", err)
	}
}

func TestSnapshotUnknownRoom(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	if _, err := db.Snapshot(context.Background(), "ghost"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("Expected NotFound, got %v", err)
	}
}

func TestVersions(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	setupFloor(t, db, "r1")

	for i := 0; i < 5; i++ {
		if _, err := db.CreateVersion(ctx, "r1", "auto", "", "[]", "h", "alice", true); err != nil {
			t.Fatalf("Failed to create version: %v", err)
		}
	}
	manual, err := db.CreateVersion(ctx, "r1", "Exec plan", "site B", "[]", "h2", "alice", false)
	if err != nil {
		t.Fatalf("Failed to create version: %v", err)
	}

	latest, err := db.GetLatestVersion(ctx, "r1")
	if err != nil || latest == nil || latest.ID != manual.ID {
		t.Fatalf("Expected latest to be the manual save, got %+v (err %v)", latest, err)
	}

	rooms, err := db.RoomsWithAutoVersions(ctx, 2)
	if err != nil || len(rooms) != 1 {
		t.Fatalf("Expected one room over the auto-save limit, got %v (err %v)", rooms, err)
	}

	if err := db.DeleteOldAutoVersions(ctx, "r1", 2); err != nil {
		t.Fatalf("Failed to prune: %v", err)
	}
	count, _ := db.GetVersionCount(ctx, "r1")
	if count != 3 {
		t.Errorf("Expected 2 auto + 1 manual, got %d", count)
	}

	if err := db.DeleteVersion(ctx, manual.ID); err != nil {
		t.Fatalf("Failed to delete version: %v", err)
	}
	if _, err := db.GetVersion(ctx, manual.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("Expected NotFound, got %v", err)
	}
	if err := db.DeleteVersion(ctx, manual.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("Expected NotFound on second delete, got %v", err)
	}
}

func TestStats(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	floor := setupFloor(t, db, "stats-room")
	if _, err := db.CreateDraws(ctx, floor.ID, "alice", []draw.Payload{linePayload(1), linePayload(2)}); err != nil {
		t.Fatalf("Failed to create draws: %v", err)
	}

	stats, err := db.GetStats(ctx)
	if err != nil {
		t.Fatalf("Failed to get stats: %v", err)
	}
	if stats.RoomCount != 1 || stats.FloorCount != 1 || stats.DrawCount != 2 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
}
