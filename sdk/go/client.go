package pulselinesdk

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

// Client is a minimal Pulseline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 30 * time.Second,
	}
}

// ScanReport summarizes one content scan.
type ScanReport struct {
	Disabled bool     `json:"disabled,omitempty"`
	Scanned  int      `json:"scanned"`
	Planned  int      `json:"planned"`
	Failed   int      `json:"failed"`
	Intents  int      `json:"intents"`
	Errors   []string `json:"errors,omitempty"`
}

// DispatchReport summarizes one dispatch pass.
type DispatchReport struct {
	Disabled  bool `json:"disabled,omitempty"`
	Due       int  `json:"due"`
	Executed  int  `json:"executed"`
	Failed    int  `json:"failed"`
	Skipped   int  `json:"skipped"`
	Expired   int  `json:"expired"`
	Conflicts int  `json:"conflicts"`
	Errors    int  `json:"errors"`
}

// Intent represents the API engagement intent model.
type Intent struct {
	ID             string         `json:"id"`
	BotID          string         `json:"bot_id"`
	EngagementType string         `json:"engagement_type"`
	TargetType     string         `json:"target_type"`
	TargetID       string         `json:"target_id"`
	ContentID      string         `json:"content_id,omitempty"`
	ScheduledFor   time.Time      `json:"scheduled_for"`
	ExecutedAt     *time.Time     `json:"executed_at,omitempty"`
	Status         string         `json:"status"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// IntentList is a filtered intent listing plus per-status totals.
type IntentList struct {
	Items  []Intent       `json:"items"`
	Counts map[string]int `json:"counts"`
}

// IntentQuery filters ListIntents. Empty fields are ignored.
type IntentQuery struct {
	BotID     string
	ContentID string
	Status    string
	Type      string
	Limit     int
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

// TriggerScan plans engagement for recent and boosted content.
func (c *Client) TriggerScan(ctx context.Context) (ScanReport, error) {
	var resp ScanReport
	err := c.do(ctx, http.MethodPost, "v0/scan", nil, &resp)
	return resp, err
}

// TriggerDispatch executes due intents.
func (c *Client) TriggerDispatch(ctx context.Context) (DispatchReport, error) {
	var resp DispatchReport
	err := c.do(ctx, http.MethodPost, "v0/dispatch", nil, &resp)
	return resp, err
}

// ResetQuota zeroes every bot's daily counter and returns how many changed.
func (c *Client) ResetQuota(ctx context.Context) (int64, error) {
	var resp struct {
		BotsReset int64 `json:"bots_reset"`
	}
	err := c.do(ctx, http.MethodPost, "v0/quota/reset", nil, &resp)
	return resp.BotsReset, err
}

// ListIntents returns intents matching q.
func (c *Client) ListIntents(ctx context.Context, q IntentQuery) (IntentList, error) {
	params := url.Values{}
	set := func(k, v string) {
		if v != "" {
			params.Set(k, v)
		}
	}
	set("bot_id", q.BotID)
	set("content_id", q.ContentID)
	set("status", q.Status)
	set("type", q.Type)
	if q.Limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", q.Limit))
	}
	endpoint := "v0/intents"
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp IntentList
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// GetIntent fetches one intent by id.
func (c *Client) GetIntent(ctx context.Context, id string) (Intent, error) {
	var resp Intent
	err := c.do(ctx, http.MethodGet, "v0/intents/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
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
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
