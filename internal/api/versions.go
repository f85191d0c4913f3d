package api

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/manpreetbhatti/stratsync/internal/apperr"
	"github.com/manpreetbhatti/stratsync/internal/db"
	"github.com/manpreetbhatti/stratsync/internal/draw"
)

type CreateVersionRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	IsAuto      bool   `json:"is_auto"`
}

type VersionResponse struct {
	ID          int       `json:"id"`
	RoomID      string    `json:"room_id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Content     string    `json:"content,omitempty"` // omitted in lists
	ContentHash string    `json:"content_hash"`
	CreatedBy   string    `json:"created_by"`
	CreatedAt   time.Time `json:"created_at"`
	IsAuto      bool      `json:"is_auto"`
}

func versionResponse(v db.Version, withContent bool) VersionResponse {
	resp := VersionResponse{
		ID:          v.ID,
		RoomID:      v.RoomID,
		Name:        v.Name,
		Description: v.Description,
		ContentHash: v.ContentHash,
		CreatedBy:   v.CreatedBy,
		CreatedAt:   v.CreatedAt,
		IsAuto:      v.IsAuto,
	}
	if withContent {
		resp.Content = v.Content
	}
	return resp
}

func hashContent(content string) string {
	h := sha256.Sum256([]byte(content))
	return hex.EncodeToString(h[:])
}

func versionID(param string) (int, error) {
	id, err := strconv.Atoi(param)
	if err != nil {
		return 0, apperr.Invalid("api.versionID", "invalid version id %q", param)
	}
	return id, nil
}

func (a *API) ListVersionsHandler(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	limit, offset := pagination(r, 50)

	versions, err := a.database.ListVersions(r.Context(), roomID, limit, offset)
	if err != nil {
		a.errorResponse(w, r, err)
		return
	}

	response := make([]VersionResponse, len(versions))
	for i, v := range versions {
		response[i] = versionResponse(v, false)
	}

	total, err := a.database.GetVersionCount(r.Context(), roomID)
	if err != nil {
		a.logger.Warn("version count failed", zap.String("room_id", roomID), zap.Error(err))
	}

	a.jsonResponse(w, http.StatusOK, map[string]any{
		"versions": response,
		"total":    total,
		"limit":    limit,
		"offset":   offset,
	})
}

// CreateVersionHandler saves the room's current snapshot. An auto-save whose
// content matches the latest version is not stored again.
func (a *API) CreateVersionHandler(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")

	var req CreateVersionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.badRequest(w, r, "api.CreateVersion", "invalid request body")
		return
	}

	floors, err := a.database.Snapshot(r.Context(), roomID)
	if err != nil {
		a.errorResponse(w, r, err)
		return
	}
	raw, err := json.Marshal(floors)
	if err != nil {
		a.errorResponse(w, r, err)
		return
	}
	content := string(raw)
	contentHash := hashContent(content)

	if req.Name == "" {
		stamp := time.Now().Format("Jan 2, 3:04 PM")
		if req.IsAuto {
			req.Name = fmt.Sprintf("Auto-save %s", stamp)
		} else {
			req.Name = fmt.Sprintf("Strat %s", stamp)
		}
	}

	if req.IsAuto {
		latest, err := a.database.GetLatestVersion(r.Context(), roomID)
		if err == nil && latest != nil && latest.ContentHash == contentHash {
			a.jsonResponse(w, http.StatusOK, versionResponse(*latest, false))
			return
		}
	}

	version, err := a.database.CreateVersion(r.Context(),
		roomID, req.Name, req.Description, content, contentHash, r.Header.Get(userHeader), req.IsAuto,
	)
	if err != nil {
		a.errorResponse(w, r, err)
		return
	}

	if req.IsAuto {
		if err := a.database.DeleteOldAutoVersions(r.Context(), roomID, a.keepAutoVersions); err != nil {
			a.logger.Warn("pruning auto-saves failed", zap.String("room_id", roomID), zap.Error(err))
		}
	}

	a.logger.Info("version saved",
		zap.String("room_id", roomID),
		zap.Int("version_id", version.ID),
		zap.Bool("auto", version.IsAuto),
	)
	a.jsonResponse(w, http.StatusCreated, versionResponse(*version, false))
}

func (a *API) GetVersionHandler(w http.ResponseWriter, r *http.Request) {
	id, err := versionID(chi.URLParam(r, "versionID"))
	if err != nil {
		a.errorResponse(w, r, err)
		return
	}

	version, err := a.database.GetVersion(r.Context(), id)
	if err != nil {
		a.errorResponse(w, r, err)
		return
	}
	a.jsonResponse(w, http.StatusOK, versionResponse(*version, true))
}

func (a *API) DeleteVersionHandler(w http.ResponseWriter, r *http.Request) {
	id, err := versionID(chi.URLParam(r, "versionID"))
	if err != nil {
		a.errorResponse(w, r, err)
		return
	}

	if err := a.database.DeleteVersion(r.Context(), id); err != nil {
		a.errorResponse(w, r, err)
		return
	}
	a.jsonResponse(w, http.StatusOK, map[string]string{"message": "version deleted"})
}

// VersionDiff compares two saved versions by drawing identifier. Changed
// lists drawings present in both whose payload differs.
type VersionDiff struct {
	Added     []string `json:"added"`
	Removed   []string `json:"removed"`
	Changed   []string `json:"changed"`
	Unchanged []string `json:"unchanged"`
}

func diffVersions(from, to []draw.Floor) VersionDiff {
	index := func(floors []draw.Floor) map[string]string {
		out := make(map[string]string)
		for _, f := range floors {
			for _, rec := range f.Draws {
				raw, _ := json.Marshal(rec.Payload)
				out[rec.ID] = string(raw)
			}
		}
		return out
	}
	before, after := index(from), index(to)

	diff := VersionDiff{Added: []string{}, Removed: []string{}, Changed: []string{}, Unchanged: []string{}}
	for id, payload := range after {
		prev, ok := before[id]
		switch {
		case !ok:
			diff.Added = append(diff.Added, id)
		case prev != payload:
			diff.Changed = append(diff.Changed, id)
		default:
			diff.Unchanged = append(diff.Unchanged, id)
		}
	}
	for id := range before {
		if _, ok := after[id]; !ok {
			diff.Removed = append(diff.Removed, id)
		}
	}
	for _, ids := range [][]string{diff.Added, diff.Removed, diff.Changed, diff.Unchanged} {
		sort.Strings(ids)
	}
	return diff
}

func (a *API) loadVersionFloors(r *http.Request, param string) (*db.Version, []draw.Floor, error) {
	id, err := versionID(r.URL.Query().Get(param))
	if err != nil {
		return nil, nil, err
	}
	version, err := a.database.GetVersion(r.Context(), id)
	if err != nil {
		return nil, nil, err
	}
	var floors []draw.Floor
	if err := json.Unmarshal([]byte(version.Content), &floors); err != nil {
		return nil, nil, apperr.E(apperr.KindInvalid, "api.DiffVersions", fmt.Errorf("version %d content: %w", id, err))
	}
	return version, floors, nil
}

func (a *API) DiffVersionsHandler(w http.ResponseWriter, r *http.Request) {
	from, fromFloors, err := a.loadVersionFloors(r, "from")
	if err != nil {
		a.errorResponse(w, r, err)
		return
	}
	to, toFloors, err := a.loadVersionFloors(r, "to")
	if err != nil {
		a.errorResponse(w, r, err)
		return
	}

	a.jsonResponse(w, http.StatusOK, map[string]any{
		"from": versionResponse(*from, false),
		"to":   versionResponse(*to, false),
		"diff": diffVersions(fromFloors, toFloors),
	})
}
