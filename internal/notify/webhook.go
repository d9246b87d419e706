package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/jacklau/dupes/internal/retry"
)

// webhook posts JSON payloads to an incoming-webhook URL.
type webhook struct {
	name   string
	url    string
	client *http.Client
	logger *slog.Logger
}

func newWebhook(name, url string, timeout time.Duration) webhook {
	return webhook{
		name:   name,
		url:    url,
		client: &http.Client{Timeout: timeout},
		logger: slog.Default(),
	}
}

// deliver marshals payload and posts it, trying deliveryAttempts times.
func (w webhook) deliver(ctx context.Context, repo string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling %s payload: %w", w.name, err)
	}

	attempt := 0
	err = retry.Do(ctx, deliveryAttempts, func() error {
		attempt++
		err := w.post(ctx, body)
		if err != nil && attempt < deliveryAttempts {
			w.logger.Warn("webhook delivery failed, retrying", "target", w.name, "repo", repo, "error", err)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("%s notify failed: %w", w.name, err)
	}
	return nil
}

func (w webhook) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%s webhook returned %d: %s", w.name, resp.StatusCode, bytes.TrimSpace(detail))
	}
	return nil
}
