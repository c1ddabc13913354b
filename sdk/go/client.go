package spycatsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Spy Cat Agency HTTP API client.
type Client struct {
	BaseURL    string
	BasePath   string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  10 * time.Second,
	}
}

type Cat struct {
	ID              string  `json:"id"`
	Name            string  `json:"name"`
	ExperienceYears int     `json:"experience_years"`
	Breed           string  `json:"breed"`
	Salary          float64 `json:"salary"`
	IsAvailable     bool    `json:"is_available"`
	CreatedAt       string  `json:"created_at"`
	UpdatedAt       string  `json:"updated_at"`
}

type Target struct {
	ID          string `json:"id"`
	MissionID   string `json:"mission_id"`
	Name        string `json:"name"`
	Country     string `json:"country"`
	Notes       string `json:"notes"`
	IsCompleted bool   `json:"is_completed"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

type Mission struct {
	ID          string   `json:"id"`
	CatID       *string  `json:"cat_id"`
	IsCompleted bool     `json:"is_completed"`
	Targets     []Target `json:"targets"`
	CreatedAt   string   `json:"created_at"`
	UpdatedAt   string   `json:"updated_at"`
}

// TargetCompletion is returned by CompleteTarget.
type TargetCompletion struct {
	Target      Target  `json:"target"`
	Mission     Mission `json:"mission"`
	CatReleased bool    `json:"cat_released"`
}

// Event represents an audit log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	Payload    map[string]any `json:"payload"`
}

type NewCat struct {
	Name            string  `json:"name"`
	ExperienceYears int     `json:"experience_years"`
	Breed           string  `json:"breed"`
	Salary          float64 `json:"salary"`
}

type NewTarget struct {
	Name    string `json:"name"`
	Country string `json:"country"`
	Notes   string `json:"notes,omitempty"`
}

type NewMission struct {
	CatID   *string     `json:"cat_id,omitempty"`
	Targets []NewTarget `json:"targets"`
}

// EventQuery filters ListEvents; zero values are omitted.
type EventQuery struct {
	Type       string
	EntityKind string
	EntityID   string
	Limit      int
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

func (c *Client) CreateCat(ctx context.Context, in NewCat) (Cat, error) {
	var resp Cat
	err := c.do(ctx, http.MethodPost, "cats", in, &resp)
	return resp, err
}

func (c *Client) ListCats(ctx context.Context) ([]Cat, error) {
	var resp []Cat
	err := c.do(ctx, http.MethodGet, "cats", nil, &resp)
	return resp, err
}

func (c *Client) GetCat(ctx context.Context, id string) (Cat, error) {
	var resp Cat
	err := c.do(ctx, http.MethodGet, "cats/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// UpdateCat sends fields as given; the server accepts only "salary".
func (c *Client) UpdateCat(ctx context.Context, id string, fields map[string]any) (Cat, error) {
	var resp Cat
	err := c.do(ctx, http.MethodPatch, "cats/"+url.PathEscape(id), fields, &resp)
	return resp, err
}

func (c *Client) UpdateCatSalary(ctx context.Context, id string, salary float64) (Cat, error) {
	return c.UpdateCat(ctx, id, map[string]any{"salary": salary})
}

func (c *Client) DeleteCat(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "cats/"+url.PathEscape(id), nil, nil)
}

func (c *Client) CreateMission(ctx context.Context, in NewMission) (Mission, error) {
	var resp Mission
	err := c.do(ctx, http.MethodPost, "missions", in, &resp)
	return resp, err
}

func (c *Client) ListMissions(ctx context.Context) ([]Mission, error) {
	var resp []Mission
	err := c.do(ctx, http.MethodGet, "missions", nil, &resp)
	return resp, err
}

func (c *Client) GetMission(ctx context.Context, id string) (Mission, error) {
	var resp Mission
	err := c.do(ctx, http.MethodGet, "missions/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

func (c *Client) DeleteMission(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "missions/"+url.PathEscape(id), nil, nil)
}

func (c *Client) AssignCat(ctx context.Context, missionID, catID string) (Mission, error) {
	var resp Mission
	endpoint := fmt.Sprintf("missions/%s/assign/%s", url.PathEscape(missionID), url.PathEscape(catID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) GetTarget(ctx context.Context, id string) (Target, error) {
	var resp Target
	err := c.do(ctx, http.MethodGet, "targets/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

func (c *Client) UpdateTargetNotes(ctx context.Context, id, notes string) (Target, error) {
	var resp Target
	err := c.do(ctx, http.MethodPut, "targets/"+url.PathEscape(id)+"/notes", map[string]any{"notes": notes}, &resp)
	return resp, err
}

func (c *Client) CompleteTarget(ctx context.Context, id string) (TargetCompletion, error) {
	var resp TargetCompletion
	err := c.do(ctx, http.MethodPost, "targets/"+url.PathEscape(id)+"/complete", nil, &resp)
	return resp, err
}

// ListEvents returns recent audit events, newest first.
func (c *Client) ListEvents(ctx context.Context, q EventQuery) ([]Event, error) {
	params := url.Values{}
	if q.Type != "" {
		params.Set("type", q.Type)
	}
	if q.EntityKind != "" {
		params.Set("entity_kind", q.EntityKind)
	}
	if q.EntityID != "" {
		params.Set("entity_id", q.EntityID)
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	endpoint := "events"
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
