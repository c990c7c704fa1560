package push

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"dof-notifier/email"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEndpointKind(t *testing.T) {
	tests := []struct {
		descriptor string
		want       string
	}{
		{`{"endpoint":"https://fcm.googleapis.com/fcm/send/abc","keys":{"p256dh":"x","auth":"y"}}`, KindWebPush},
		{`{"kind":"shoutrrr","url":"ntfy://ntfy.sh/dof"}`, KindShoutrrr},
		{`{"kind":"EMAIL","address":"a@example.com"}`, KindEmail},
		{`{}`, ""},
		{`not json`, ""},
	}

	for _, tt := range tests {
		t.Run(tt.descriptor, func(t *testing.T) {
			assert.Equal(t, tt.want, Endpoint{Descriptor: json.RawMessage(tt.descriptor)}.Kind())
		})
	}
}

func TestIsPermanent(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"gone", statusError(http.StatusGone, ""), true},
		{"not found", statusError(http.StatusNotFound, ""), true},
		{"wrapped", fmt.Errorf("deliver: %w", &PermanentError{Err: errors.New("x")}), true},
		{"expired text", errors.New("push subscription has expired"), true},
		{"unsubscribed text", errors.New("410 Unsubscribed"), true},
		{"rate limited", statusError(http.StatusTooManyRequests, "slow down"), false},
		{"server error", statusError(http.StatusInternalServerError, ""), false},
		{"network", errors.New("dial tcp: i/o timeout"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsPermanent(tt.err))
		})
	}
}

type recordingProvider struct {
	kind string
	mu   sync.Mutex
	got  []Payload
	err  error
}

func (r *recordingProvider) Kind() string { return r.kind }

func (r *recordingProvider) Send(_ context.Context, _ json.RawMessage, p Payload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, p)
	return r.err
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	reg.Register(nil)
	assert.Empty(t, reg.Kinds())

	wp := &recordingProvider{kind: KindWebPush}
	reg.Register(wp)

	got, ok := reg.Get(KindWebPush)
	require.True(t, ok)
	assert.Same(t, wp, got)

	ep := Endpoint{Descriptor: json.RawMessage(`{"endpoint":"https://push.example/1"}`)}
	require.NoError(t, reg.Send(context.Background(), ep, Payload{Tag: "t1"}))
	assert.Equal(t, []Payload{{Tag: "t1"}}, wp.got)

	other := Endpoint{Descriptor: json.RawMessage(`{"kind":"shoutrrr","url":"x"}`)}
	err := reg.Send(context.Background(), other, Payload{})
	assert.True(t, errors.Is(err, ErrNoProvider))
	assert.False(t, IsPermanent(err))
}

type mailerFunc func(ctx context.Context, to, title, body, link string) error

func (f mailerFunc) SendAlert(ctx context.Context, to, title, body, link string) error {
	return f(ctx, to, title, body, link)
}

func TestEmailProvider(t *testing.T) {
	var gotTo, gotTitle string
	p := NewEmailProvider(mailerFunc(func(_ context.Context, to, title, _, _ string) error {
		gotTo, gotTitle = to, title
		return nil
	}))

	err := p.Send(context.Background(), json.RawMessage(`{"kind":"email","address":"Jens <jens@example.com>"}`), Payload{Title: "1 Silkehejre, Kolding"})
	require.NoError(t, err)
	assert.Equal(t, "jens@example.com", gotTo)
	assert.Equal(t, "1 Silkehejre, Kolding", gotTitle)

	err = p.Send(context.Background(), json.RawMessage(`{"kind":"email","address":"nope"}`), Payload{})
	assert.True(t, IsPermanent(err))

	rejected := NewEmailProvider(mailerFunc(func(context.Context, string, string, string, string) error {
		return &email.StatusError{StatusCode: http.StatusBadRequest, Code: "invalid_parameter"}
	}))
	err = rejected.Send(context.Background(), json.RawMessage(`{"kind":"email","address":"a@example.com"}`), Payload{})
	assert.True(t, IsPermanent(err))

	failing := NewEmailProvider(mailerFunc(func(context.Context, string, string, string, string) error {
		return &email.StatusError{StatusCode: http.StatusServiceUnavailable}
	}))
	err = failing.Send(context.Background(), json.RawMessage(`{"kind":"email","address":"a@example.com"}`), Payload{})
	require.Error(t, err)
	assert.False(t, IsPermanent(err))
}

func TestShoutrrrProviderInvalidURL(t *testing.T) {
	p := NewShoutrrrProvider(5 * time.Second)

	err := p.Send(context.Background(), json.RawMessage(`{"kind":"shoutrrr","url":"nosuchservice://x"}`), Payload{Title: "t"})
	require.Error(t, err)
	assert.True(t, IsPermanent(err))

	err = p.Send(context.Background(), json.RawMessage(`{"kind":"shoutrrr"}`), Payload{})
	assert.True(t, IsPermanent(err))
}

func testSubscription(t *testing.T, endpoint string) json.RawMessage {
	t.Helper()
	_, p256dh, err := webpush.GenerateVAPIDKeys()
	require.NoError(t, err)
	auth := make([]byte, 16)
	_, err = rand.Read(auth)
	require.NoError(t, err)

	b, err := json.Marshal(map[string]any{
		"endpoint": endpoint,
		"keys": map[string]string{
			"p256dh": p256dh,
			"auth":   base64.RawURLEncoding.EncodeToString(auth),
		},
	})
	require.NoError(t, err)
	return b
}

func TestWebPushProvider(t *testing.T) {
	client := &http.Client{}
	httpmock.ActivateNonDefault(client)
	t.Cleanup(httpmock.DeactivateAndReset)

	priv, pub, err := webpush.GenerateVAPIDKeys()
	require.NoError(t, err)
	p := NewWebPushProvider(VAPID{PublicKey: pub, PrivateKey: priv, Subscriber: "ops@example.com"}, time.Minute, client, discard())

	var gotTTL string
	httpmock.RegisterResponder(http.MethodPost, "https://push.example/ok",
		func(req *http.Request) (*http.Response, error) {
			gotTTL = req.Header.Get("TTL")
			return httpmock.NewStringResponse(http.StatusCreated, ""), nil
		})
	httpmock.RegisterResponder(http.MethodPost, "https://push.example/gone",
		httpmock.NewStringResponder(http.StatusGone, "push subscription has unsubscribed or expired"))
	httpmock.RegisterResponder(http.MethodPost, "https://push.example/busy",
		httpmock.NewStringResponder(http.StatusServiceUnavailable, "try later"))

	payload := Payload{Title: "1 Silkehejre, Kolding Fjord", Body: "rastende, Jens Jensen", Tag: "silkehejre-123-A1"}

	require.NoError(t, p.Send(context.Background(), testSubscription(t, "https://push.example/ok"), payload))
	assert.Equal(t, "60", gotTTL)

	err = p.Send(context.Background(), testSubscription(t, "https://push.example/gone"), payload)
	require.Error(t, err)
	var perm *PermanentError
	require.True(t, errors.As(err, &perm))
	assert.Equal(t, http.StatusGone, perm.StatusCode)

	err = p.Send(context.Background(), testSubscription(t, "https://push.example/busy"), payload)
	require.Error(t, err)
	assert.False(t, IsPermanent(err))

	err = p.Send(context.Background(), json.RawMessage(`{"keys":{}}`), payload)
	assert.True(t, IsPermanent(err))
}
