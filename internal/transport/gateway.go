package transport

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
)

// Sender delivers outgoing texts. The router and admin pipeline depend on
// this interface so tests can capture sends without a gateway.
type Sender interface {
	SendText(ctx context.Context, toJID, text string) error
}

type gatewayRateLimitError struct {
	retryAfter time.Duration
}

func (e *gatewayRateLimitError) Error() string {
	return fmt.Sprintf("gateway rate limited, retry after %s", e.retryAfter)
}

// Gateway is the HTTP client for the WhatsApp gateway's send API.
type Gateway struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *slog.Logger

	maxRetries int
}

func NewGateway(baseURL, token string, logger *slog.Logger) *Gateway {
	return &Gateway{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		http:       &http.Client{Timeout: 30 * time.Second},
		logger:     logger.With("component", "gateway"),
		maxRetries: 3,
	}
}

type sendRequest struct {
	To   string `json:"to"`
	Text string `json:"text"`
}

// SendText posts a text message to the gateway, retrying briefly when the
// gateway reports a rate limit.
func (g *Gateway) SendText(ctx context.Context, toJID, text string) error {
	var lastErr error
	for attempt := 0; attempt <= g.maxRetries; attempt++ {
		err := g.send(ctx, toJID, text)
		if err == nil {
			return nil
		}
		var rle *gatewayRateLimitError
		if !errors.As(err, &rle) {
			return err
		}
		lastErr = err
		wait := rle.retryAfter
		if wait <= 0 {
			wait = time.Duration(attempt+1) * time.Second
		}
		g.logger.Warn("gateway rate limited", "attempt", attempt+1, "wait", wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return fmt.Errorf("send to %s: retries exhausted: %w", toJID, lastErr)
}

func (g *Gateway) send(ctx context.Context, toJID, text string) error {
	body, err := json.Marshal(sendRequest{To: toJID, Text: text})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/send", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}

	resp, err := g.http.Do(req)
	if err != nil {
		return fmt.Errorf("gateway request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return &gatewayRateLimitError{retryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	default:
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("gateway status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
}

func parseRetryAfter(h string) time.Duration {
	if h == "" {
		return 0
	}
	var secs int
	if _, err := fmt.Sscanf(h, "%d", &secs); err != nil {
		return 0
	}
	return time.Duration(secs) * time.Second
}
