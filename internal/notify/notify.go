// Package notify delivers push notifications to device tokens.
//
// Two transports are provided. LogSender only logs and is used when no push
// provider is configured. HTTPSender posts to a legacy FCM-style HTTP endpoint.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/arogyakrishi/arogyakrishi-backend/internal/config"
)

// Sender delivers one push notification.
type Sender interface {
	Send(ctx context.Context, token, title, body string) error
}

// New returns an HTTPSender when a push endpoint is configured and a
// LogSender otherwise.
func New(cfg *config.Config, logger *slog.Logger) Sender {
	if cfg.PushEndpoint == "" {
		logger.Info("Push endpoint not configured, notifications are logged only")
		return NewLogSender(cfg.PushLogLatency, logger)
	}
	logger.Info("Push delivery enabled", "endpoint", cfg.PushEndpoint, "rate_per_second", cfg.PushRatePerSecond)
	return NewHTTPSender(cfg.PushEndpoint, cfg.PushAPIKey, cfg.PushRatePerSecond, cfg.PushTimeout, logger)
}

var (
	// ErrNoToken is returned when the device token is empty.
	ErrNoToken = errors.New("device token is empty")
	// ErrRejected is returned when the provider refuses a push.
	ErrRejected = errors.New("push rejected by provider")
)

// --------------------------------------------------------------------------
// LogSender
// --------------------------------------------------------------------------

// LogSender logs each push instead of delivering it.
type LogSender struct {
	latency time.Duration
	logger  *slog.Logger
}

// NewLogSender creates a log-only sender with a simulated provider latency.
func NewLogSender(latency time.Duration, logger *slog.Logger) *LogSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSender{latency: latency, logger: logger}
}

// Send waits for the simulated latency and logs the message.
func (s *LogSender) Send(ctx context.Context, token, title, body string) error {
	if token == "" {
		return ErrNoToken
	}
	if s.latency > 0 {
		t := time.NewTimer(s.latency)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.logger.Info("Push logged (no provider configured)", "token", maskToken(token), "title", title, "body", body)
	return nil
}

// --------------------------------------------------------------------------
// HTTPSender
// --------------------------------------------------------------------------

// HTTPSender posts notifications to a push provider over HTTP.
type HTTPSender struct {
	httpClient *http.Client
	endpoint   string
	apiKey     string
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// NewHTTPSender creates a rate-limited HTTP push sender.
// A requestsPerSecond of zero or less disables rate limiting.
func NewHTTPSender(endpoint, apiKey string, requestsPerSecond float64, timeout time.Duration, logger *slog.Logger) *HTTPSender {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	limit := rate.Inf
	if requestsPerSecond > 0 {
		limit = rate.Limit(requestsPerSecond)
	}
	return &HTTPSender{
		httpClient: &http.Client{Timeout: timeout},
		endpoint:   endpoint,
		apiKey:     apiKey,
		limiter:    rate.NewLimiter(limit, 1),
		logger:     logger,
	}
}

type pushNotification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type pushMessage struct {
	To           string           `json:"to"`
	Notification pushNotification `json:"notification"`
}

// pushResponse is the subset of the legacy FCM response we inspect.
type pushResponse struct {
	Success int `json:"success"`
	Failure int `json:"failure"`
	Results []struct {
		Error string `json:"error"`
	} `json:"results"`
}

// Send posts one notification. Any non-2xx status, or a 2xx body reporting a
// per-message failure, is returned as ErrRejected.
func (s *HTTPSender) Send(ctx context.Context, token, title, body string) error {
	if token == "" {
		return ErrNoToken
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	payload, err := json.Marshal(pushMessage{
		To:           token,
		Notification: pushNotification{Title: title, Body: body},
	})
	if err != nil {
		return fmt.Errorf("encode push: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "key="+s.apiKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("push request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return fmt.Errorf("read push response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, truncate(respBody, 200))
	}

	var pr pushResponse
	if len(respBody) > 0 && json.Unmarshal(respBody, &pr) == nil && pr.Failure > 0 {
		reason := "unknown"
		if len(pr.Results) > 0 && pr.Results[0].Error != "" {
			reason = pr.Results[0].Error
		}
		return fmt.Errorf("%w: %s", ErrRejected, reason)
	}

	s.logger.Debug("Push sent", "token", maskToken(token))
	return nil
}

// maskToken keeps the last four characters of a device token for logs.
func maskToken(token string) string {
	if len(token) <= 4 {
		return "****"
	}
	return "****" + token[len(token)-4:]
}

func truncate(b []byte, maxLen int) string {
	if len(b) <= maxLen {
		return string(b)
	}
	return string(b[:maxLen]) + "..."
}
