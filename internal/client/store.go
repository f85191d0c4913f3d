package client

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/manpreetbhatti/stratsync/internal/apperr"
	"github.com/manpreetbhatti/stratsync/internal/draw"
)

// Store is the durable store as the session sees it. CreateDraws must
// return one record per payload, in request order.
type Store interface {
	CreateDraws(ctx context.Context, floorID string, payloads []draw.Payload) ([]draw.Record, error)
	UpdateDraw(ctx context.Context, id string, payload draw.Payload) (draw.Record, error)
	DeleteDraws(ctx context.Context, ids []string) error
	Snapshot(ctx context.Context, roomID string) ([]draw.Floor, error)
	SaveVersion(ctx context.Context, roomID, name, description string) (SavedVersion, error)
}

type SavedVersion struct {
	ID          int       `json:"id"`
	RoomID      string    `json:"room_id"`
	Name        string    `json:"name"`
	ContentHash string    `json:"content_hash"`
	CreatedAt   time.Time `json:"created_at"`
}

// RESTStore talks to the durable store's HTTP API as one user.
type RESTStore struct {
	client *resty.Client
}

func NewRESTStore(baseURL, userID string, timeout time.Duration) *RESTStore {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if userID != "" {
		client.SetHeader("X-User-ID", userID)
	}
	return &RESTStore{client: client}
}

type errorBody struct {
	Error string `json:"error"`
}

// check turns a transport failure into Transient and an error status into
// the matching kind.
func check(op string, resp *resty.Response, err error) error {
	if err != nil {
		return apperr.Transient(op, err)
	}
	if !resp.IsError() {
		return nil
	}
	msg := resp.Status()
	var body errorBody
	if json.Unmarshal(resp.Body(), &body) == nil && body.Error != "" {
		msg = body.Error
	}
	return apperr.FromStatus(op, resp.StatusCode(), msg)
}

func (s *RESTStore) CreateDraws(ctx context.Context, floorID string, payloads []draw.Payload) ([]draw.Record, error) {
	var out struct {
		Draws []draw.Record `json:"draws"`
	}
	resp, err := s.client.R().
		SetContext(ctx).
		SetPathParam("floorID", floorID).
		SetBody(map[string]any{"payloads": payloads}).
		SetResult(&out).
		Post("/api/floors/{floorID}/draws")
	if err := check("client.CreateDraws", resp, err); err != nil {
		return nil, err
	}
	return out.Draws, nil
}

func (s *RESTStore) UpdateDraw(ctx context.Context, id string, payload draw.Payload) (draw.Record, error) {
	var out draw.Record
	resp, err := s.client.R().
		SetContext(ctx).
		SetPathParam("drawID", id).
		SetBody(map[string]any{"payload": payload}).
		SetResult(&out).
		Put("/api/draws/{drawID}")
	if err := check("client.UpdateDraw", resp, err); err != nil {
		return draw.Record{}, err
	}
	return out, nil
}

func (s *RESTStore) DeleteDraws(ctx context.Context, ids []string) error {
	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(map[string]any{"ids": ids}).
		Post("/api/draws/delete")
	return check("client.DeleteDraws", resp, err)
}

func (s *RESTStore) Snapshot(ctx context.Context, roomID string) ([]draw.Floor, error) {
	var out struct {
		Floors []draw.Floor `json:"floors"`
	}
	resp, err := s.client.R().
		SetContext(ctx).
		SetPathParam("roomID", roomID).
		SetResult(&out).
		Get("/api/rooms/{roomID}/snapshot")
	if err := check("client.Snapshot", resp, err); err != nil {
		return nil, err
	}
	return out.Floors, nil
}

func (s *RESTStore) SaveVersion(ctx context.Context, roomID, name, description string) (SavedVersion, error) {
	var out SavedVersion
	resp, err := s.client.R().
		SetContext(ctx).
		SetPathParam("roomID", roomID).
		SetBody(map[string]any{"name": name, "description": description}).
		SetResult(&out).
		Post("/api/rooms/{roomID}/versions")
	if err := check("client.SaveVersion", resp, err); err != nil {
		return SavedVersion{}, err
	}
	return out, nil
}
