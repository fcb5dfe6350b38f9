package gitproxysdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal git-proxy review API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

// Step is one processor's record on a push.
type Step struct {
	Name           string   `json:"name"`
	Error          bool     `json:"error"`
	ErrorMessage   string   `json:"error_message,omitempty"`
	Blocked        bool     `json:"blocked"`
	BlockedMessage string   `json:"blocked_message,omitempty"`
	Logs           []string `json:"logs"`
}

// Attestation records a review decision.
type Attestation struct {
	ID        string         `json:"id"`
	Reviewer  string         `json:"reviewer"`
	Reason    string         `json:"reason,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp string         `json:"timestamp"`
}

// Push represents the API push model.
type Push struct {
	ID             string       `json:"id"`
	Status         string       `json:"status"`
	Repo           string       `json:"repo"`
	URL            string       `json:"url"`
	Branch         string       `json:"branch"`
	CommitFrom     string       `json:"commit_from"`
	CommitTo       string       `json:"commit_to"`
	User           string       `json:"user"`
	Protocol       string       `json:"protocol"`
	Timestamp      int64        `json:"timestamp"`
	BlockedMessage string       `json:"blocked_message"`
	ErrorMessage   string       `json:"error_message"`
	Attestation    *Attestation `json:"attestation,omitempty"`
	Steps          []Step       `json:"steps"`
}

// Event represents an audit entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// PushFilter narrows ListPushes. Empty fields match everything.
type PushFilter struct {
	Status string
	Repo   string
	User   string
	Limit  int
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Login exchanges credentials for a bearer token and keeps it on the client.
func (c *Client) Login(ctx context.Context, username, password string) error {
	var resp struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, http.MethodPost, "auth/login", map[string]string{"username": username, "password": password}, &resp); err != nil {
		return err
	}
	c.BearerToken = resp.Token
	return nil
}

// ListPushes lists pushes, pending ones by default in the server's ordering.
func (c *Client) ListPushes(ctx context.Context, f PushFilter) ([]Push, error) {
	q := url.Values{}
	if f.Status != "" {
		q.Set("status", f.Status)
	}
	if f.Repo != "" {
		q.Set("repo", f.Repo)
	}
	if f.User != "" {
		q.Set("user", f.User)
	}
	if f.Limit > 0 {
		q.Set("limit", fmt.Sprint(f.Limit))
	}
	endpoint := "pushes"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []Push
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// GetPush fetches a push by id.
func (c *Client) GetPush(ctx context.Context, id string) (Push, error) {
	var resp Push
	err := c.do(ctx, http.MethodGet, "pushes/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Authorise approves a pending push with optional attestation answers.
func (c *Client) Authorise(ctx context.Context, id, reason string, attestation map[string]any) (Push, error) {
	return c.review(ctx, id, "authorise", reason, attestation)
}

// Reject refuses a pending push.
func (c *Client) Reject(ctx context.Context, id, reason string) (Push, error) {
	return c.review(ctx, id, "reject", reason, nil)
}

// Cancel withdraws a push.
func (c *Client) Cancel(ctx context.Context, id string) (Push, error) {
	return c.review(ctx, id, "cancel", "", nil)
}

func (c *Client) review(ctx context.Context, id, verb, reason string, attestation map[string]any) (Push, error) {
	body := map[string]any{}
	if reason != "" {
		body["reason"] = reason
	}
	if attestation != nil {
		body["attestation"] = attestation
	}
	var resp Push
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("pushes/%s/%s", url.PathEscape(id), verb), body, &resp)
	return resp, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, eventType string, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if eventType != "" {
		q.Set("type", eventType)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
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
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Trim(c.BasePath, "/")
}
