// Package webhook posts Block Kit payloads to a Slack incoming webhook.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/slack-go/slack"

	"github.com/wjingmei2011/Kafka-Flink-Slack-Pipeline/retry"
)

const defaultTimeout = 10 * time.Second

var (
	ErrNoURL    = errors.New("webhook url is empty")
	ErrRejected = errors.New("webhook rejected payload")
)

// Config configures a Client. A zero Retry uses retry.Default.
type Config struct {
	URL     string
	Timeout time.Duration
	Retry   retry.Config
}

// Client posts messages with bounded retries. Transport failures, 5xx and
// 429 responses are retried; any other non-200 status is returned at once.
type Client struct {
	url    string
	http   *http.Client
	retry  retry.Config
	logger *slog.Logger
}

func New(cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, ErrNoURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		url:    cfg.URL,
		http:   &http.Client{Timeout: cfg.Timeout},
		retry:  cfg.Retry,
		logger: logger,
	}, nil
}

// Post delivers msg. The returned error is marked retry.Permanent when
// Slack refused the payload itself.
func (c *Client) Post(ctx context.Context, msg *slack.WebhookMessage) error {
	err := retry.Do(ctx, c.retry, func(attempt int) error {
		err := classify(ctx, slack.PostWebhookCustomHTTPContext(ctx, c.url, c.http, msg))
		if err != nil && !retry.IsPermanent(err) {
			c.logger.Warn("webhook post failed", "attempt", attempt, "err", err)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	return nil
}

// classify marks err for the retry loop. A timeout of a single request is
// retried; only the caller's own cancellation ends the loop.
func classify(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}

	var limited *slack.RateLimitedError
	if errors.As(err, &limited) {
		return retry.After(err, limited.RetryAfter)
	}

	var status slack.StatusCodeError
	if errors.As(err, &status) {
		if status.Code >= http.StatusInternalServerError {
			return err
		}
		return retry.Permanent(fmt.Errorf("%w: HTTP %d", ErrRejected, status.Code))
	}

	if ctx.Err() != nil {
		return retry.Permanent(err)
	}
	return err
}
