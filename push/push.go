// Package push delivers alert payloads to subscriber-supplied endpoint descriptors
// and classifies delivery failures as permanent or transient.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
)

// Endpoint kinds.
const (
	KindWebPush  = "webpush"
	KindShoutrrr = "shoutrrr"
	KindEmail    = "email"
)

// Payload is the JSON document delivered to an endpoint.
type Payload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	URL   string `json:"url"`
	// Tag is stable per logical event; clients collapse notifications sharing a tag.
	Tag string `json:"tag"`
}

// Endpoint is an opaque delivery descriptor owned by one subscriber device.
type Endpoint struct {
	SubscriberID string
	DeviceID     string
	Descriptor   json.RawMessage
}

// Kind inspects the descriptor. Browser push subscriptions carry an "endpoint"
// member; other descriptors name their kind explicitly.
func (e Endpoint) Kind() string {
	var probe struct {
		Kind     string `json:"kind"`
		Endpoint string `json:"endpoint"`
	}
	if json.Unmarshal(e.Descriptor, &probe) != nil {
		return ""
	}
	if probe.Kind != "" {
		return strings.ToLower(probe.Kind)
	}
	if probe.Endpoint != "" {
		return KindWebPush
	}
	return ""
}

// PermanentError reports that an endpoint is gone for good.
type PermanentError struct {
	StatusCode int
	Err        error
}

func (e *PermanentError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("endpoint gone (HTTP %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("endpoint gone: %v", e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// IsPermanent reports whether err means the endpoint will never accept deliveries again:
// a PermanentError, or an error whose text says the subscription is gone, expired or unsubscribed.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	var perm *PermanentError
	if errors.As(err, &perm) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, word := range []string{"gone", "expired", "unsubscribed"} {
		if strings.Contains(msg, word) {
			return true
		}
	}
	return false
}

// statusError turns a non-2xx delivery response into an error, permanent for 404 and 410.
func statusError(statusCode int, body string) error {
	err := fmt.Errorf("HTTP %d: %s", statusCode, strings.TrimSpace(body))
	if statusCode == http.StatusNotFound || statusCode == http.StatusGone {
		return &PermanentError{StatusCode: statusCode, Err: err}
	}
	return err
}

// Provider delivers to one kind of endpoint.
type Provider interface {
	Kind() string
	Send(ctx context.Context, descriptor json.RawMessage, p Payload) error
}

// ErrNoProvider is returned for descriptors whose kind has no registered provider.
// It is transient: the provider may be configured later.
var ErrNoProvider = errors.New("no provider for endpoint kind")

// Registry holds the providers by endpoint kind.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates a new provider registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
	}
}

// Register adds a provider, replacing any previous one of the same kind.
func (r *Registry) Register(p Provider) {
	if p == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.providers[p.Kind()] = p
}

// Get retrieves a provider by kind.
func (r *Registry) Get(kind string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[kind]
	return p, ok
}

// Kinds returns the registered kinds.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.providers))
	for k := range r.providers {
		kinds = append(kinds, k)
	}
	return kinds
}

// Send delivers p to the endpoint with the provider matching its kind.
func (r *Registry) Send(ctx context.Context, ep Endpoint, p Payload) error {
	kind := ep.Kind()
	provider, ok := r.Get(kind)
	if !ok {
		return fmt.Errorf("%w: %q", ErrNoProvider, kind)
	}
	return provider.Send(ctx, ep.Descriptor, p)
}
