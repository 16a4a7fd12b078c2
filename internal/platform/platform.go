// Package platform performs engagement actions against the social platform.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"

	"pulseline/internal/domain"
	"pulseline/internal/engine"
)

// Client posts actions to the platform's bot endpoint. Actions are not
// idempotent so requests are never retried.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{Transport: cleanhttp.DefaultPooledTransport()},
	}
}

type actionResponse struct {
	Success  bool            `json:"success"`
	Metadata domain.Metadata `json:"metadata"`
	Error    string          `json:"error"`
}

// StatusError is returned for non-2xx platform responses.
type StatusError struct {
	Code int
	Body string
}

func (e StatusError) Error() string {
	return fmt.Sprintf("platform returned %d: %s", e.Code, e.Body)
}

func (c *Client) Perform(ctx context.Context, req engine.ActionRequest) (engine.ActionResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return engine.ActionResult{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/bots/"+req.BotID+"/engagements", bytes.NewReader(body))
	if err != nil {
		return engine.ActionResult{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.IntentID)
	if c.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.Token)
	}
	hc := c.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(httpReq)
	if err != nil {
		return engine.ActionResult{}, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return engine.ActionResult{}, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return engine.ActionResult{}, StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	var out actionResponse
	if len(bytes.TrimSpace(data)) == 0 {
		return engine.ActionResult{Success: true}, nil
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return engine.ActionResult{}, fmt.Errorf("decode platform response: %w", err)
	}
	if !out.Success && out.Error != "" {
		return engine.ActionResult{}, errors.New(out.Error)
	}
	return engine.ActionResult{Success: out.Success, Metadata: out.Metadata}, nil
}

// DryRun logs actions instead of performing them and always succeeds.
type DryRun struct {
	Logger *slog.Logger
	Now    func() time.Time
}

func (d DryRun) Perform(ctx context.Context, req engine.ActionRequest) (engine.ActionResult, error) {
	if err := ctx.Err(); err != nil {
		return engine.ActionResult{}, err
	}
	log := d.Logger
	if log == nil {
		log = slog.Default()
	}
	now := time.Now
	if d.Now != nil {
		now = d.Now
	}
	log.Info("dry-run engagement", "intent", req.IntentID, "bot", req.BotID, "type", req.Type,
		"target_type", req.TargetType, "target", req.TargetID, "text", req.Text)
	return engine.ActionResult{Success: true, Metadata: domain.Metadata{
		"dry_run":      true,
		"performed_at": now().UTC().Format(time.RFC3339),
	}}, nil
}
