package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	shoutrrr "github.com/nicholas-fedor/shoutrrr"
	stypes "github.com/nicholas-fedor/shoutrrr/pkg/types"
)

// ShoutrrrProvider delivers to any service shoutrrr understands (ntfy, Telegram,
// Discord, Pushover, ...). Descriptor: {"kind": "shoutrrr", "url": "ntfy://..."}.
type ShoutrrrProvider struct {
	timeout time.Duration
}

// NewShoutrrrProvider creates a shoutrrr provider.
func NewShoutrrrProvider(timeout time.Duration) *ShoutrrrProvider {
	return &ShoutrrrProvider{timeout: timeout}
}

// Kind implements Provider.
func (s *ShoutrrrProvider) Kind() string { return KindShoutrrr }

type shoutrrrDescriptor struct {
	URL string `json:"url"`
}

// Send delivers p to the descriptor's service URL.
func (s *ShoutrrrProvider) Send(ctx context.Context, descriptor json.RawMessage, p Payload) error {
	var d shoutrrrDescriptor
	if err := json.Unmarshal(descriptor, &d); err != nil {
		return fmt.Errorf("decode shoutrrr descriptor: %w", err)
	}
	if d.URL == "" {
		return &PermanentError{Err: errors.New("shoutrrr descriptor has no url")}
	}

	// A URL shoutrrr cannot parse will never work.
	sender, err := shoutrrr.CreateSender(d.URL)
	if err != nil {
		return &PermanentError{Err: fmt.Errorf("create shoutrrr sender: %w", err)}
	}
	if s.timeout > 0 {
		sender.Timeout = s.timeout
	}
	sender.SetLogger(log.New(io.Discard, "", 0))

	if err := ctx.Err(); err != nil {
		return err
	}

	message := p.Body
	if p.URL != "" {
		message += "\n" + p.URL
	}
	params := stypes.Params{}
	if p.Title != "" {
		params.SetTitle(p.Title)
	}

	for _, sendErr := range sender.Send(message, &params) {
		if sendErr != nil {
			return fmt.Errorf("shoutrrr send: %w", sendErr)
		}
	}
	return nil
}
