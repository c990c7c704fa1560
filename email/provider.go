// Package email delivers observation alerts by e-mail via pluggable providers.
package email

import (
	"context"
	"log/slog"
)

// Provider defines the interface for email sending implementations.
type Provider interface {
	// Send sends an email with the given parameters.
	Send(ctx context.Context, to, subject, htmlBody string) error
}

// Sender renders alerts and hands them to a provider.
type Sender struct {
	provider Provider
	logger   *slog.Logger
	baseURL  string // For the preferences link in the footer
}

// New creates a new email sender with the given provider.
func New(provider Provider, logger *slog.Logger, baseURL string) *Sender {
	return &Sender{
		provider: provider,
		logger:   logger,
		baseURL:  baseURL,
	}
}

// SendAlert sends one alert. The subject is the alert title.
func (s *Sender) SendAlert(ctx context.Context, to, title, body, link string) error {
	subject := title
	if subject == "" {
		subject = "DOF observation"
	}

	html := s.formatAlertBody(title, body, link)

	s.logger.Info("Sending alert email",
		"to", to,
		"subject", subject)

	return s.provider.Send(ctx, to, subject, html)
}
