// Package textgen produces short comment and quote text. Generation never
// fails: any error falls back to a canned phrase.
package textgen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"pulseline/internal/domain"
	"pulseline/internal/engine"
)

var phrases = map[domain.Persona][]string{
	domain.PersonaEnthusiast: {"This is amazing!", "Love this so much!", "Incredible work, keep going!"},
	domain.PersonaCasual:     {"Nice one.", "Pretty cool.", "Good stuff."},
	domain.PersonaSupportive: {"Really well done, congrats!", "Great job on this.", "Proud of what you built here."},
	domain.PersonaLurker:     {"Interesting.", "Neat.", "Nice."},
}

// Fallback picks a canned phrase for the persona, stable per bot and target.
type Fallback struct{}

func (Fallback) Generate(_ context.Context, gc engine.GenerationContext) string {
	list, ok := phrases[gc.Persona]
	if !ok {
		list = phrases[domain.PersonaCasual]
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(gc.BotID + "|" + gc.TargetID + "|" + string(gc.Type)))
	return list[int(h.Sum32()%uint32(len(list)))]
}

type leveledSlog struct {
	inner *slog.Logger
}

// retries are expected, so intermediate errors log at warn
func (l leveledSlog) Error(msg string, kv ...any) { l.inner.Warn(msg, kv...) }
func (l leveledSlog) Warn(msg string, kv ...any)  { l.inner.Warn(msg, kv...) }
func (l leveledSlog) Info(msg string, kv ...any)  { l.inner.Info(msg, kv...) }
func (l leveledSlog) Debug(msg string, kv ...any) { l.inner.Debug(msg, kv...) }

// Client calls a text-generation service over HTTP with bounded retries.
type Client struct {
	URL      string
	Token    string
	HTTP     *retryablehttp.Client
	Fallback engine.ContentGenerator
	Logger   *slog.Logger
}

type Option func(*Client)

func WithRetryMax(n int) Option {
	return func(c *Client) { c.HTTP.RetryMax = n }
}

func WithRetryWait(lo, hi time.Duration) Option {
	return func(c *Client) {
		c.HTTP.RetryWaitMin = lo
		c.HTTP.RetryWaitMax = hi
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.HTTP.HTTPClient.Timeout = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		c.Logger = l
		c.HTTP.Logger = retryablehttp.LeveledLogger(leveledSlog{inner: l})
	}
}

func NewClient(url, token string, opts ...Option) *Client {
	logger := slog.Default().With("subsystem", "textgen")
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.HTTPClient.Timeout = 10 * time.Second
	rc.Logger = retryablehttp.LeveledLogger(leveledSlog{inner: logger})
	c := &Client{
		URL:      strings.TrimRight(url, "/"),
		Token:    token,
		HTTP:     rc,
		Fallback: Fallback{},
		Logger:   logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type generateResponse struct {
	Text string `json:"text"`
}

func (c *Client) Generate(ctx context.Context, gc engine.GenerationContext) string {
	text, err := c.generate(ctx, gc)
	if err != nil || strings.TrimSpace(text) == "" {
		if err != nil {
			c.Logger.Warn("text generation failed, using fallback", "bot", gc.BotID, "type", gc.Type, "err", err)
		}
		return c.Fallback.Generate(ctx, gc)
	}
	return strings.TrimSpace(text)
}

func (c *Client) generate(ctx context.Context, gc engine.GenerationContext) (string, error) {
	body, err := json.Marshal(gc)
	if err != nil {
		return "", err
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.URL+"/v1/generate", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("textgen returned %d", resp.StatusCode)
	}
	var out generateResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("decode textgen response: %w", err)
	}
	return out.Text, nil
}
