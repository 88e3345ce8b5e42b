// Package rooms lists and creates rooms over the relay's REST surface.
package rooms

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	maxBodySize = 4 << 20

	// The relay caps limit at 100.
	pageSize = 100
)

var (
	ErrUnexpectedStatus = errors.New("rooms: unexpected status")
	ErrMissingID        = errors.New("rooms: response carries no room id")
)

type Room struct {
	ID   string `json:"id"`
	Code string `json:"code"`
}

type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: hc}
}

// List returns every room the relay knows about, following limit/offset
// pages. A relay that ignores the paging parameters answers in one page.
func (c *Client) List(ctx context.Context) ([]Room, error) {
	var all []Room
	for offset := 0; ; offset += pageSize {
		var page []Room
		path := fmt.Sprintf("/rooms?limit=%d&offset=%d", pageSize, offset)
		if err := c.do(ctx, http.MethodGet, path, nil, &page); err != nil {
			return nil, err
		}
		if offset > 0 && len(page) > 0 && len(all) > 0 && page[0].ID == all[0].ID {
			break
		}
		all = append(all, page...)
		if len(page) < pageSize {
			break
		}
	}
	return all, nil
}

// Create asks the relay for a new room and returns its id. Relays have used
// "id", "roomId" and "room_id" for the key; all are accepted.
func (c *Client) Create(ctx context.Context) (string, error) {
	var out struct {
		ID          string `json:"id"`
		RoomID      string `json:"roomId"`
		RoomIDSnake string `json:"room_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/rooms", struct{}{}, &out); err != nil {
		return "", err
	}

	for _, id := range []string{out.RoomID, out.RoomIDSnake, out.ID} {
		if id != "" {
			return id, nil
		}
	}
	return "", ErrMissingID
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("rooms: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %s %s: %d", ErrUnexpectedStatus, method, path, resp.StatusCode)
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodySize)).Decode(out); err != nil {
		return fmt.Errorf("rooms: decode %s %s: %w", method, path, err)
	}
	return nil
}
