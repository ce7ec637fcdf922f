package gemini

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
	"sync"
	"time"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com"
	defaultModel   = "gemini-2.0-flash"
)

// ErrNoKeys is returned when the client is constructed without any API keys.
var ErrNoKeys = errors.New("gemini: no api keys configured")

// ErrQuotaExhausted is returned once every key in the pool has been
// rate-limited for the same request.
var ErrQuotaExhausted = errors.New("gemini: all api keys exhausted")

type rateLimitError struct {
	key string
}

func (e *rateLimitError) Error() string {
	return fmt.Sprintf("gemini: key %s rate limited", e.key)
}

// Client calls the Gemini text generation API. It holds a pool of API keys
// and rotates to the next one whenever the current key hits its quota.
type Client struct {
	baseURL string
	model   string
	http    *http.Client
	logger  *slog.Logger

	mu      sync.Mutex
	keys    []string
	current int
}

type Option func(*Client)

// WithBaseURL points the client at a different endpoint. Used in tests.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithModel(model string) Option {
	return func(c *Client) { c.model = model }
}

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

func NewClient(keys []string, logger *slog.Logger, opts ...Option) (*Client, error) {
	clean := make([]string, 0, len(keys))
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			clean = append(clean, k)
		}
	}
	if len(clean) == 0 {
		return nil, ErrNoKeys
	}
	c := &Client{
		baseURL: defaultBaseURL,
		model:   defaultModel,
		http:    &http.Client{Timeout: 60 * time.Second},
		logger:  logger.With("component", "gemini"),
		keys:    clean,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// KeyCount reports how many keys are in the rotation pool.
func (c *Client) KeyCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.keys)
}

type generateRequest struct {
	Contents []content `json:"contents"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []part `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Status  string `json:"status"`
		Message string `json:"message"`
	} `json:"error"`
}

// Generate sends prompt to the model and returns the first candidate's text.
// A rate-limited key is skipped and the request retried on the next key in
// the pool; once every key has failed the same way, ErrQuotaExhausted is
// returned so callers can fall back to a canned reply.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	total := c.KeyCount()
	var lastErr error
	for attempt := 0; attempt < total; attempt++ {
		key := c.currentKey()
		text, err := c.generateWithKey(ctx, key, prompt)
		if err == nil {
			return text, nil
		}
		var rle *rateLimitError
		if errors.As(err, &rle) {
			c.rotate(key)
			lastErr = err
			continue
		}
		return "", err
	}
	c.logger.Warn("every api key is rate limited", "keys", total)
	return "", fmt.Errorf("%w: %v", ErrQuotaExhausted, lastErr)
}

// GenerateJSON asks the model for a JSON answer and decodes it into v,
// tolerating markdown code fences around the payload.
func (c *Client) GenerateJSON(ctx context.Context, prompt string, v any) error {
	text, err := c.Generate(ctx, prompt)
	if err != nil {
		return err
	}
	raw := stripCodeFence(text)
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("gemini: decode model json: %w", err)
	}
	return nil
}

func (c *Client) generateWithKey(ctx context.Context, key, prompt string) (string, error) {
	body, err := json.Marshal(generateRequest{
		Contents: []content{{Parts: []part{{Text: prompt}}}},
	})
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s", c.baseURL, c.model, key)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("gemini: request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("gemini: read response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return "", &rateLimitError{key: redactKey(key)}
	}
	var gr generateResponse
	if err := json.Unmarshal(data, &gr); err != nil {
		return "", fmt.Errorf("gemini: decode response (status %d): %w", resp.StatusCode, err)
	}
	if gr.Error != nil {
		if gr.Error.Status == "RESOURCE_EXHAUSTED" {
			return "", &rateLimitError{key: redactKey(key)}
		}
		return "", fmt.Errorf("gemini: api error %d: %s", gr.Error.Code, gr.Error.Message)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("gemini: unexpected status %d", resp.StatusCode)
	}
	if len(gr.Candidates) == 0 || len(gr.Candidates[0].Content.Parts) == 0 {
		return "", errors.New("gemini: empty response")
	}

	var sb strings.Builder
	for _, p := range gr.Candidates[0].Content.Parts {
		sb.WriteString(p.Text)
	}
	return strings.TrimSpace(sb.String()), nil
}

func (c *Client) currentKey() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.keys[c.current]
}

// rotate advances the pool only if key is still the current one, so
// concurrent failures on the same key skip it exactly once.
func (c *Client) rotate(failed string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.keys[c.current] == failed {
		c.current = (c.current + 1) % len(c.keys)
		c.logger.Info("rotated to next api key", "index", c.current)
	}
}

func redactKey(key string) string {
	if len(key) <= 6 {
		return "***"
	}
	return key[:4] + "..." + key[len(key)-2:]
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
