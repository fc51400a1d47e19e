package peercmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/dkeye/Roomcall/internal/core"
	"github.com/dkeye/Roomcall/internal/domain"
)

var ErrRoomNotFound = errors.New("room not found")

// apiClient talks to the server's REST endpoints next to the signaling socket.
type apiClient struct {
	base string
	http *http.Client
}

// newAPIClient derives the REST base url from the signaling url,
// e.g. ws://host:8080/api/ws/signal -> http://host:8080/api.
func newAPIClient(server string) (*apiClient, error) {
	u, err := url.Parse(server)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return nil, fmt.Errorf("invalid server URL scheme %q", u.Scheme)
	}
	return &apiClient{
		base: u.Scheme + "://" + u.Host + "/api",
		http: &http.Client{Timeout: 10 * time.Second},
	}, nil
}

func (c *apiClient) listRooms(ctx context.Context) ([]core.RoomInfo, error) {
	var out struct {
		Rooms []core.RoomInfo `json:"rooms"`
	}
	if err := c.do(ctx, http.MethodGet, "/rooms", http.StatusOK, &out); err != nil {
		return nil, err
	}
	return out.Rooms, nil
}

func (c *apiClient) members(ctx context.Context, id domain.RoomID) ([]core.MemberDTO, error) {
	var out struct {
		Members []core.MemberDTO `json:"members"`
	}
	if err := c.do(ctx, http.MethodGet, "/rooms/"+url.PathEscape(string(id))+"/members", http.StatusOK, &out); err != nil {
		return nil, err
	}
	return out.Members, nil
}

func (c *apiClient) newRoom(ctx context.Context) (domain.RoomID, error) {
	var out struct {
		RoomID domain.RoomID `json:"roomId"`
	}
	if err := c.do(ctx, http.MethodPost, "/rooms", http.StatusCreated, &out); err != nil {
		return "", err
	}
	return out.RoomID, nil
}

func (c *apiClient) do(ctx context.Context, method, path string, want int, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrRoomNotFound
	}
	if resp.StatusCode != want {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: unexpected status %d: %s", method, path, resp.StatusCode, body)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
