package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/manpreetbhatti/stratsync/internal/db"
	"github.com/manpreetbhatti/stratsync/internal/draw"
	"github.com/manpreetbhatti/stratsync/internal/room"
	"github.com/manpreetbhatti/stratsync/internal/ws"
)

type testServer struct {
	router   chi.Router
	database *db.Database
}

func setupTestAPI(t *testing.T) *testServer {
	t.Helper()

	logger := zap.NewNop()
	database, err := db.New(filepath.Join(t.TempDir(), "test.db"), logger)
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	registry := room.NewRegistry(database, logger)
	t.Cleanup(registry.Close)

	hub := ws.NewHub(registry, nil, ws.DefaultOptions(), logger)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)

	router := chi.NewRouter()
	New(registry, hub, database, 2, logger).Routes(router)
	return &testServer{router: router, database: database}
}

func (s *testServer) do(t *testing.T, method, path, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("Failed to encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if userID != "" {
		req.Header.Set(userHeader, userID)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return v
}

// seedFloor creates room r1 with one floor and returns the floor ID.
func (s *testServer) seedFloor(t *testing.T) string {
	t.Helper()
	if w := s.do(t, "POST", "/api/rooms", "", CreateRoomRequest{ID: "r1", Name: "Bank"}); w.Code != http.StatusCreated {
		t.Fatalf("Expected status 201 creating room, got %d", w.Code)
	}
	w := s.do(t, "POST", "/api/rooms/r1/floors", "", CreateFloorRequest{Name: "Basement"})
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status 201 creating floor, got %d: %s", w.Code, w.Body.String())
	}
	return decode[draw.Floor](t, w).ID
}

func line(x float64) draw.Payload {
	return draw.Payload{
		Shape: draw.Line{From: draw.Point{X: x, Y: 0}, To: draw.Point{X: x + 1, Y: 1}},
		Style: draw.Style{Color: "#ff0000", Width: 2},
	}
}

func (s *testServer) createDraws(t *testing.T, floorID, userID string, payloads ...draw.Payload) []draw.Record {
	t.Helper()
	w := s.do(t, "POST", "/api/floors/"+floorID+"/draws", userID, CreateDrawsRequest{Payloads: payloads})
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status 201 creating draws, got %d: %s", w.Code, w.Body.String())
	}
	return decode[struct {
		Draws []draw.Record `json:"draws"`
	}](t, w).Draws
}

func TestHealthHandler(t *testing.T) {
	s := setupTestAPI(t)

	w := s.do(t, "GET", "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	if resp := decode[map[string]any](t, w); resp["status"] != "ok" {
		t.Errorf("Expected status 'ok', got '%v'", resp["status"])
	}
}

func TestStatsHandler(t *testing.T) {
	s := setupTestAPI(t)
	floorID := s.seedFloor(t)
	s.createDraws(t, floorID, "alice", line(1), line(2))

	w := s.do(t, "GET", "/api/stats", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	resp := decode[map[string]any](t, w)
	for _, field := range []string{"active_rooms", "active_connections", "total_rooms", "total_draws"} {
		if _, ok := resp[field]; !ok {
			t.Errorf("Expected field %q in stats", field)
		}
	}
	if resp["total_draws"] != float64(2) {
		t.Errorf("Expected 2 draws, got %v", resp["total_draws"])
	}
}

func TestRoomLifecycle(t *testing.T) {
	s := setupTestAPI(t)
	s.seedFloor(t)

	w := s.do(t, "GET", "/api/rooms", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	list := decode[struct {
		Rooms []RoomResponse `json:"rooms"`
	}](t, w)
	if len(list.Rooms) != 1 || list.Rooms[0].ID != "r1" {
		t.Fatalf("Expected room r1, got %+v", list.Rooms)
	}

	if w := s.do(t, "GET", "/api/rooms/r1", "", nil); w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	if w := s.do(t, "DELETE", "/api/rooms/r1", "", nil); w.Code != http.StatusOK {
		t.Errorf("Expected status 200 deleting, got %d", w.Code)
	}
	if w := s.do(t, "GET", "/api/rooms/r1", "", nil); w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 after delete, got %d", w.Code)
	}
	if w := s.do(t, "DELETE", "/api/rooms/r1", "", nil); w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 deleting twice, got %d", w.Code)
	}
}

func TestCreateRoomGeneratesID(t *testing.T) {
	s := setupTestAPI(t)

	w := s.do(t, "POST", "/api/rooms", "", CreateRoomRequest{Name: "Chalet"})
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d", w.Code)
	}
	if resp := decode[RoomResponse](t, w); resp.ID == "" || resp.Name != "Chalet" {
		t.Errorf("Unexpected room %+v", resp)
	}
}

func TestCreateFloorUnknownRoom(t *testing.T) {
	s := setupTestAPI(t)

	w := s.do(t, "POST", "/api/rooms/nope/floors", "", CreateFloorRequest{Name: "1F"})
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}

func TestDrawsRequireUser(t *testing.T) {
	s := setupTestAPI(t)
	floorID := s.seedFloor(t)

	w := s.do(t, "POST", "/api/floors/"+floorID+"/draws", "", CreateDrawsRequest{Payloads: []draw.Payload{line(1)}})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", w.Code)
	}
	w = s.do(t, "POST", "/api/draws/delete", "", DeleteDrawsRequest{IDs: []string{"x"}})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", w.Code)
	}
}

func TestCreateDrawsKeepsOrder(t *testing.T) {
	s := setupTestAPI(t)
	floorID := s.seedFloor(t)

	recs := s.createDraws(t, floorID, "alice", line(1), line(2), line(3))
	if len(recs) != 3 {
		t.Fatalf("Expected 3 records, got %d", len(recs))
	}
	for i, rec := range recs {
		got := rec.Payload.Shape.(draw.Line).From.X
		if got != float64(i+1) {
			t.Errorf("Record %d has x=%v, expected %d", i, got, i+1)
		}
	}

	w := s.do(t, "GET", "/api/rooms/r1/snapshot", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	snap := decode[struct {
		Floors []draw.Floor `json:"floors"`
	}](t, w)
	if len(snap.Floors) != 1 || len(snap.Floors[0].Draws) != 3 {
		t.Fatalf("Expected one floor with 3 draws, got %+v", snap.Floors)
	}
	if snap.Floors[0].Draws[0].ID != recs[0].ID {
		t.Errorf("Snapshot order differs from creation order")
	}
}

func TestCreateDrawsRejectsInvalid(t *testing.T) {
	s := setupTestAPI(t)
	floorID := s.seedFloor(t)

	bad := line(1)
	bad.Style.Color = "blue"
	w := s.do(t, "POST", "/api/floors/"+floorID+"/draws", "alice", CreateDrawsRequest{Payloads: []draw.Payload{line(2), bad}})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}

	w = s.do(t, "POST", "/api/floors/missing/draws", "alice", CreateDrawsRequest{Payloads: []draw.Payload{line(2)}})
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 for unknown floor, got %d", w.Code)
	}
}

func TestUpdateAndDeleteOwnership(t *testing.T) {
	s := setupTestAPI(t)
	floorID := s.seedFloor(t)
	rec := s.createDraws(t, floorID, "alice", line(1))[0]

	w := s.do(t, "PUT", "/api/draws/"+rec.ID, "bob", UpdateDrawRequest{Payload: line(5)})
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected status 403 for another user's draw, got %d", w.Code)
	}

	w = s.do(t, "PUT", "/api/draws/"+rec.ID, "alice", UpdateDrawRequest{Payload: line(5)})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if got := decode[draw.Record](t, w); got.Payload.Shape.(draw.Line).From.X != 5 {
		t.Errorf("Update not applied: %+v", got.Payload)
	}

	if w := s.do(t, "POST", "/api/draws/delete", "bob", DeleteDrawsRequest{IDs: []string{rec.ID}}); w.Code != http.StatusForbidden {
		t.Errorf("Expected status 403 deleting another user's draw, got %d", w.Code)
	}
	if w := s.do(t, "POST", "/api/draws/delete", "alice", DeleteDrawsRequest{IDs: []string{rec.ID}}); w.Code != http.StatusOK {
		t.Errorf("Expected status 200 deleting, got %d", w.Code)
	}
	if w := s.do(t, "PUT", "/api/draws/"+rec.ID, "alice", UpdateDrawRequest{Payload: line(6)}); w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 updating a deleted draw, got %d", w.Code)
	}
}

func TestVersions(t *testing.T) {
	s := setupTestAPI(t)
	floorID := s.seedFloor(t)
	first := s.createDraws(t, floorID, "alice", line(1), line(2))

	w := s.do(t, "POST", "/api/rooms/r1/versions", "alice", CreateVersionRequest{Name: "exec A"})
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", w.Code, w.Body.String())
	}
	v1 := decode[VersionResponse](t, w)
	if v1.ContentHash == "" || v1.CreatedBy != "alice" {
		t.Errorf("Unexpected version %+v", v1)
	}

	if w := s.do(t, "POST", "/api/rooms/r1/versions", "", CreateVersionRequest{Name: "anon"}); w.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401 saving without identity, got %d", w.Code)
	}

	s.do(t, "POST", "/api/draws/delete", "alice", DeleteDrawsRequest{IDs: []string{first[0].ID}})
	added := s.createDraws(t, floorID, "alice", line(3))
	s.do(t, "PUT", "/api/draws/"+first[1].ID, "alice", UpdateDrawRequest{Payload: line(9)})

	w = s.do(t, "POST", "/api/rooms/r1/versions", "alice", CreateVersionRequest{Name: "exec B"})
	v2 := decode[VersionResponse](t, w)

	w = s.do(t, "GET", "/api/versions/diff?from="+strconv.Itoa(v1.ID)+"&to="+strconv.Itoa(v2.ID), "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	diff := decode[struct {
		Diff VersionDiff `json:"diff"`
	}](t, w).Diff
	if len(diff.Added) != 1 || diff.Added[0] != added[0].ID {
		t.Errorf("Expected %s added, got %v", added[0].ID, diff.Added)
	}
	if len(diff.Removed) != 1 || diff.Removed[0] != first[0].ID {
		t.Errorf("Expected %s removed, got %v", first[0].ID, diff.Removed)
	}
	if len(diff.Changed) != 1 || diff.Changed[0] != first[1].ID {
		t.Errorf("Expected %s changed, got %v", first[1].ID, diff.Changed)
	}

	w = s.do(t, "GET", "/api/versions/"+strconv.Itoa(v1.ID), "", nil)
	if got := decode[VersionResponse](t, w); got.Content == "" {
		t.Error("Expected content in single version response")
	}

	w = s.do(t, "GET", "/api/rooms/r1/versions", "", nil)
	list := decode[struct {
		Versions []VersionResponse `json:"versions"`
		Total    int               `json:"total"`
	}](t, w)
	if list.Total != 2 || list.Versions[0].Content != "" {
		t.Errorf("Expected 2 versions without content, got %+v", list)
	}

	w = s.do(t, "DELETE", "/api/versions/"+strconv.Itoa(v1.ID), "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401 deleting without identity, got %d", w.Code)
	}
	if w.Header().Get("Content-Type") != "application/json" {
		t.Errorf("Expected JSON error body, got %q", w.Header().Get("Content-Type"))
	}
	if w := s.do(t, "DELETE", "/api/versions/"+strconv.Itoa(v1.ID), "alice", nil); w.Code != http.StatusOK {
		t.Errorf("Expected status 200 deleting version, got %d", w.Code)
	}
	if w := s.do(t, "GET", "/api/versions/"+strconv.Itoa(v1.ID), "", nil); w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 after delete, got %d", w.Code)
	}
	if w := s.do(t, "GET", "/api/versions/abc", "", nil); w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for bad id, got %d", w.Code)
	}
}

func TestAutoSaveDedupAndPrune(t *testing.T) {
	s := setupTestAPI(t)
	floorID := s.seedFloor(t)

	w := s.do(t, "POST", "/api/rooms/r1/versions", "alice", CreateVersionRequest{IsAuto: true})
	first := decode[VersionResponse](t, w)
	w = s.do(t, "POST", "/api/rooms/r1/versions", "alice", CreateVersionRequest{IsAuto: true})
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200 for unchanged auto-save, got %d", w.Code)
	}
	if again := decode[VersionResponse](t, w); again.ID != first.ID {
		t.Errorf("Expected duplicate auto-save to return version %d, got %d", first.ID, again.ID)
	}

	for i := 0; i < 3; i++ {
		s.createDraws(t, floorID, "alice", line(float64(i)))
		if w := s.do(t, "POST", "/api/rooms/r1/versions", "alice", CreateVersionRequest{IsAuto: true}); w.Code != http.StatusCreated {
			t.Fatalf("Expected status 201, got %d", w.Code)
		}
	}

	count, err := s.database.GetVersionCount(context.Background(), "r1")
	if err != nil {
		t.Fatalf("GetVersionCount: %v", err)
	}
	if count != 2 {
		t.Errorf("Expected auto-saves pruned to 2, got %d", count)
	}
}

func TestDiffVersions(t *testing.T) {
	rec := func(id string, x float64) draw.Record { return draw.Record{ID: id, Payload: line(x)} }
	from := []draw.Floor{{ID: "f1", Draws: []draw.Record{rec("a", 1), rec("b", 2), rec("c", 3)}}}
	to := []draw.Floor{{ID: "f1", Draws: []draw.Record{rec("b", 2), rec("c", 4)}}, {ID: "f2", Draws: []draw.Record{rec("d", 5)}}}

	diff := diffVersions(from, to)
	check := func(name string, got []string, want ...string) {
		if len(got) != len(want) {
			t.Errorf("%s: expected %v, got %v", name, want, got)
			return
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("%s: expected %v, got %v", name, want, got)
			}
		}
	}
	check("added", diff.Added, "d")
	check("removed", diff.Removed, "a")
	check("changed", diff.Changed, "c")
	check("unchanged", diff.Unchanged, "b")
}
