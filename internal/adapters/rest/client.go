// Package rest talks to the chat history backend.
package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Telecall/internal/domain"
)

const maxErrorBody = 4 << 10

// StatusError is a non-2xx answer from the backend.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("backend status %d", e.Code)
	}
	return fmt.Sprintf("backend status %d: %s", e.Code, e.Body)
}

// Client implements core.History over HTTP with a bearer token.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	token   func() string
}

// NewClient builds a client; token is read on every request so it follows
// identity changes.
func NewClient(baseURL string, timeout time.Duration, token func() string) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		BaseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		HTTP:    &http.Client{Timeout: timeout},
		token:   token,
	}
}

func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	u := c.BaseURL + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if c.token != nil {
		if tok := c.token(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		log.Warn().Str("module", "rest").Str("path", path).Int("status", resp.StatusCode).Msg("backend error")
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("GET %s: decode: %w", path, err)
	}
	return nil
}

// Conversations lists the chat rooms of the current user.
func (c *Client) Conversations(ctx context.Context) ([]domain.Room, error) {
	var rooms []domain.Room
	if err := c.getJSON(ctx, "/chat/rooms", &rooms); err != nil {
		return nil, err
	}
	return rooms, nil
}

// Messages returns the history of one room, oldest first.
func (c *Client) Messages(ctx context.Context, room domain.RoomID) ([]domain.Message, error) {
	var msgs []domain.Message
	if err := c.getJSON(ctx, "/chat/rooms/"+url.PathEscape(string(room))+"/messages", &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}
