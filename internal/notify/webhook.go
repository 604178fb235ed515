package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/aman-churiwal/quota-authorizer/internal/circuitbreaker"
)

// Webhook POSTs events as JSON. Consecutive failures open a breaker so a
// dead endpoint is not called for every crossing.
type Webhook struct {
	url     string
	client  *http.Client
	breaker *circuitbreaker.Breaker
}

func NewWebhook(url string, client *http.Client, breaker *circuitbreaker.Breaker) *Webhook {
	if client == nil {
		client = http.DefaultClient
	}
	if breaker == nil {
		breaker = circuitbreaker.New(circuitbreaker.Config{})
	}

	return &Webhook{url: url, client: client, breaker: breaker}
}

func (w *Webhook) Publish(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}

	err = w.breaker.Execute(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Event-Type", event.EventType)

		resp, err := w.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)

		if resp.StatusCode >= 300 {
			return fmt.Errorf("webhook returned status %d", resp.StatusCode)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
	}

	return nil
}

// Breaker exposes the breaker state for health reporting.
func (w *Webhook) Breaker() *circuitbreaker.Breaker {
	return w.breaker
}
