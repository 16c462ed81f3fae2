package grouplinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client is a minimal Groupline HTTP API client.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 30 * time.Second,
	}
}

// TransferResult is the success payload of a relayed transfer.
type TransferResult struct {
	Success bool           `json:"success"`
	Data    map[string]any `json:"data"`
}

// Attempt represents one audit log entry.
type Attempt struct {
	ID            int64  `json:"id"`
	TS            string `json:"ts"`
	RequestID     string `json:"request_id"`
	GroupID       int64  `json:"group_id"`
	UserID        int64  `json:"user_id"`
	Outcome       string `json:"outcome"`
	RemoteStatus  int    `json:"remote_status"`
	TokenEndpoint string `json:"token_endpoint"`
	DurationMS    int64  `json:"duration_ms"`
}

// APIError wraps non-2xx responses. Code carries the outcome taxonomy
// value from the error envelope when the body parses as one.
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

// Transfer relays a group ownership change. The credential is sent to the
// service and never stored on the client.
func (c *Client) Transfer(ctx context.Context, credential string, groupID, userID int64) (TransferResult, error) {
	body := map[string]any{
		"credential": credential,
		"group_id":   groupID,
		"user_id":    userID,
	}
	var resp TransferResult
	err := c.do(ctx, http.MethodPost, "v0/transfers", body, &resp)
	return resp, err
}

// Attempts returns recent relay attempts, newest first.
func (c *Client) Attempts(ctx context.Context, limit int) ([]Attempt, error) {
	endpoint := "v0/attempts"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp struct {
		Items []Attempt `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// Health checks the service.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "v0/health", nil, nil)
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
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
