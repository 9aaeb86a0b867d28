// Package rest talks to the chat backend's HTTP API, which serves the
// room directory and paged message history.
package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"chatsync/internal/domain"
)

const defaultTimeout = 15 * time.Second

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

func New(logger *slog.Logger, baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: defaultTimeout},
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}

	return c
}

type roomDTO struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Kind         string    `json:"kind"`
	Participants []string  `json:"participants"`
	Unread       int       `json:"unread"`
	LastActivity time.Time `json:"lastActivity"`
}

type messageDTO struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"roomId"`
	Sender    string    `json:"sender"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

type historyDTO struct {
	Messages   []messageDTO `json:"messages"`
	NextCursor string       `json:"nextCursor"`
}

// Rooms fetches the full room directory for the authenticated user.
func (c *Client) Rooms(ctx context.Context) ([]domain.Room, error) {
	var dtos []roomDTO
	if err := c.get(ctx, "/rooms", nil, &dtos); err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}

	rooms := make([]domain.Room, 0, len(dtos))
	for _, dto := range dtos {
		rooms = append(rooms, dto.toDomain())
	}

	return rooms, nil
}

// History fetches one page of messages older than the cursor. An empty
// cursor requests the newest page.
func (c *Client) History(ctx context.Context, roomID, before string, limit int) (domain.HistoryPage, error) {
	query := url.Values{}
	if before != "" {
		query.Set("before", before)
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}

	var dto historyDTO
	path := "/rooms/" + url.PathEscape(roomID) + "/messages"
	if err := c.get(ctx, path, query, &dto); err != nil {
		return domain.HistoryPage{}, fmt.Errorf("fetch history for %s: %w", roomID, err)
	}

	page := domain.HistoryPage{NextCursor: dto.NextCursor}
	for _, msg := range dto.Messages {
		page.Messages = append(page.Messages, msg.toDomain())
	}

	return page, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	c.logger.Debug("http request", "method", http.MethodGet, "url", target)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	return nil
}

func (d roomDTO) toDomain() domain.Room {
	return domain.Room{
		ID:           d.ID,
		Name:         d.Name,
		Kind:         roomKindFromWire(d.Kind),
		Participants: d.Participants,
		Unread:       d.Unread,
		LastActivity: d.LastActivity,
	}
}

func (d messageDTO) toDomain() domain.Message {
	return domain.Message{
		ID:        d.ID,
		RoomID:    d.RoomID,
		SenderID:  d.Sender,
		Body:      d.Content,
		CreatedAt: d.CreatedAt,
		Status:    domain.MessageStatusSent,
	}
}

func roomKindFromWire(kind string) domain.RoomKind {
	switch kind {
	case "direct":
		return domain.RoomKindDirect
	case "group":
		return domain.RoomKindGroup
	default:
		return 0
	}
}
