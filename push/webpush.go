package push

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
)

// VAPID holds the application server keys and contact used to sign Web Push requests.
type VAPID struct {
	PublicKey  string
	PrivateKey string
	// Subscriber is a contact e-mail or https URL sent to push services.
	Subscriber string
}

// WebPushProvider delivers to browser push subscriptions.
type WebPushProvider struct {
	vapid  VAPID
	ttl    time.Duration
	client *http.Client
	logger *slog.Logger
}

// NewWebPushProvider creates a Web Push provider. ttl is how long the push service
// keeps an undelivered message.
func NewWebPushProvider(vapid VAPID, ttl time.Duration, client *http.Client, logger *slog.Logger) *WebPushProvider {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &WebPushProvider{
		vapid:  vapid,
		ttl:    ttl,
		client: client,
		logger: logger,
	}
}

// Kind implements Provider.
func (w *WebPushProvider) Kind() string { return KindWebPush }

// Send encrypts p for the subscription and posts it to the push service.
func (w *WebPushProvider) Send(ctx context.Context, descriptor json.RawMessage, p Payload) error {
	var sub webpush.Subscription
	if err := json.Unmarshal(descriptor, &sub); err != nil {
		return fmt.Errorf("decode subscription: %w", err)
	}
	if sub.Endpoint == "" {
		return &PermanentError{Err: fmt.Errorf("subscription has no endpoint")}
	}

	message, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	resp, err := webpush.SendNotificationWithContext(ctx, message, &sub, &webpush.Options{
		HTTPClient:      w.client,
		Subscriber:      w.vapid.Subscriber,
		VAPIDPublicKey:  w.vapid.PublicKey,
		VAPIDPrivateKey: w.vapid.PrivateKey,
		TTL:             int(w.ttl.Seconds()),
		Urgency:         webpush.UrgencyHigh,
	})
	if err != nil {
		return fmt.Errorf("web push: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			w.logger.Warn("Failed to close push response body", "error", closeErr)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512)) //nolint:errcheck // diagnostic only
		return statusError(resp.StatusCode, string(body))
	}

	w.logger.Debug("Web push delivered", "tag", p.Tag, "status", resp.StatusCode)
	return nil
}
