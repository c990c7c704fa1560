package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/mail"

	"dof-notifier/email"
)

// Mailer sends one alert by e-mail.
type Mailer interface {
	SendAlert(ctx context.Context, to, title, body, link string) error
}

// EmailProvider delivers alerts by e-mail. Descriptor: {"kind": "email", "address": "..."}.
type EmailProvider struct {
	mailer Mailer
}

// NewEmailProvider creates an e-mail provider.
func NewEmailProvider(mailer Mailer) *EmailProvider {
	return &EmailProvider{mailer: mailer}
}

// Kind implements Provider.
func (e *EmailProvider) Kind() string { return KindEmail }

type emailDescriptor struct {
	Address string `json:"address"`
}

// Send mails p to the descriptor's address.
func (e *EmailProvider) Send(ctx context.Context, descriptor json.RawMessage, p Payload) error {
	var d emailDescriptor
	if err := json.Unmarshal(descriptor, &d); err != nil {
		return fmt.Errorf("decode email descriptor: %w", err)
	}
	addr, err := mail.ParseAddress(d.Address)
	if err != nil {
		return &PermanentError{Err: errors.Join(errors.New("invalid address"), err)}
	}
	if err := e.mailer.SendAlert(ctx, addr.Address, p.Title, p.Body, p.URL); err != nil {
		if email.IsRejectedRecipient(err) {
			return &PermanentError{Err: err}
		}
		return fmt.Errorf("send email: %w", err)
	}
	return nil
}
