package email

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
)

const brevoEndpoint = "https://api.brevo.com/v3/smtp/email"

// StatusError is a non-2xx answer from an e-mail API.
type StatusError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("brevo: HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("brevo: HTTP %d: %s (%s)", e.StatusCode, e.Message, e.Code)
}

// IsRejectedRecipient reports whether the API refused the recipient address itself.
func IsRejectedRecipient(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusBadRequest && se.Code == "invalid_parameter"
}

// BrevoProvider sends alerts through the Brevo transactional e-mail API.
type BrevoProvider struct {
	client   *http.Client
	logger   *slog.Logger
	apiKey   string
	endpoint string
	sender   brevoContact
}

// NewBrevoProvider creates a Brevo provider; a nil client gets a 30s timeout.
func NewBrevoProvider(apiKey, fromAddr, fromName string, client *http.Client, logger *slog.Logger) *BrevoProvider {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &BrevoProvider{
		client:   client,
		logger:   logger,
		apiKey:   apiKey,
		endpoint: brevoEndpoint,
		sender:   brevoContact{Email: fromAddr, Name: fromName},
	}
}

type brevoContact struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type brevoMessage struct {
	Sender  brevoContact      `json:"sender"`
	To      []brevoContact    `json:"to"`
	Subject string            `json:"subject"`
	HTML    string            `json:"htmlContent"`
	Headers map[string]string `json:"headers,omitempty"`
}

type brevoError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Send posts one message. Error responses are returned as *StatusError.
func (b *BrevoProvider) Send(ctx context.Context, to, subject, htmlBody string) error {
	body, err := json.Marshal(brevoMessage{
		Sender:  b.sender,
		To:      []brevoContact{{Email: to}},
		Subject: subject,
		HTML:    htmlBody,
		Headers: map[string]string{"X-Mailin-Tag": "dof-alert"},
	})
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("api-key", b.apiKey)

	start := time.Now()
	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("brevo request: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			b.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		se := &StatusError{StatusCode: resp.StatusCode}
		var apiErr brevoError
		if data, readErr := io.ReadAll(io.LimitReader(resp.Body, 4096)); readErr == nil && json.Unmarshal(data, &apiErr) == nil {
			se.Code, se.Message = apiErr.Code, apiErr.Message
		}
		return se
	}

	b.logger.Debug("Brevo message accepted",
		"to", to,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds())
	return nil
}
