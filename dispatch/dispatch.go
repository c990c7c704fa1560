// Package dispatch fans alerts out to matching subscribers over a bounded worker pool.
//
// Each delivery is attempted at most once per cycle. Transient failures are logged
// and dropped; the next change to the observation produces a fresh alert. Permanent
// failures remove the endpoint from the preferences store.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"dof-notifier/match"
	"dof-notifier/metrics"
	"dof-notifier/pkg/observation"
	"dof-notifier/prefs"
	"dof-notifier/push"
	"dof-notifier/watch"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/errgroup"
)

// Directory lists subscribers and removes dead endpoints.
type Directory interface {
	ListSubscribersWithEndpoints(ctx context.Context) ([]prefs.Subscription, error)
	DeletePushEndpoint(ctx context.Context, subscriberID, deviceID string) error
}

// Sender delivers one payload to one endpoint.
type Sender interface {
	Send(ctx context.Context, ep push.Endpoint, p push.Payload) error
}

// Options tunes a Dispatcher.
type Options struct {
	// Workers bounds concurrent deliveries.
	Workers int
	// Timeout bounds a single delivery attempt.
	Timeout time.Duration
	// LedgerTTL is how long a delivered (endpoint, tag, count) is remembered.
	LedgerTTL time.Duration
	// BaseURL is the public address of the thread pages.
	BaseURL string
}

// Result summarizes one dispatch run.
type Result struct {
	Matched    int
	Sent       int
	Duplicates int
	Transient  int
	Permanent  int
	Pruned     int
}

// Dispatcher delivers alerts to subscribers.
type Dispatcher struct {
	dir       Directory
	sender    Sender
	opts      Options
	delivered *cache.Cache
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// New creates a dispatcher. m may be nil.
func New(dir Directory, sender Sender, opts Options, m *metrics.Metrics, logger *slog.Logger) *Dispatcher {
	if opts.Workers <= 0 {
		opts.Workers = 8
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.LedgerTTL <= 0 {
		opts.LedgerTTL = 36 * time.Hour
	}
	return &Dispatcher{
		dir:       dir,
		sender:    sender,
		opts:      opts,
		delivered: cache.New(opts.LedgerTTL, time.Hour),
		metrics:   m,
		logger:    logger,
	}
}

type job struct {
	alert   *watch.Alert
	sub     prefs.Subscription
	payload push.Payload
}

func endpointID(ep push.Endpoint) string {
	return ep.SubscriberID + "/" + ep.DeviceID
}

// deadSet records endpoints found gone during one run.
type deadSet struct {
	mu   sync.Mutex
	seen map[string]bool
}

// mark reports whether this call was the first to mark the endpoint.
func (d *deadSet) mark(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen[id] {
		return false
	}
	d.seen[id] = true
	return true
}

func (d *deadSet) has(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.seen[id]
}

// Dispatch matches every alert against every subscriber and delivers the matches.
// It returns once all deliveries have finished. Only a failure to list subscribers
// is returned as an error.
func (d *Dispatcher) Dispatch(ctx context.Context, day string, alerts []watch.Alert) (*Result, error) {
	res := &Result{}
	if len(alerts) == 0 {
		return res, nil
	}

	subs, err := d.dir.ListSubscribersWithEndpoints(ctx)
	if err != nil {
		return nil, fmt.Errorf("list subscribers: %w", err)
	}

	var jobs []job
	for i := range alerts {
		a := &alerts[i]
		payload := Payload(a, day, d.opts.BaseURL)
		for _, sub := range subs {
			if !match.Matches(&a.Row, a.Tier, sub.Profile) {
				continue
			}
			jobs = append(jobs, job{alert: a, sub: sub, payload: payload})
		}
	}
	res.Matched = len(jobs)
	d.logger.Info("Dispatching alerts",
		"day", day,
		"alerts", len(alerts),
		"endpoints", len(subs),
		"deliveries", len(jobs),
		"workers", d.opts.Workers)

	var mu sync.Mutex
	count := func(f func(r *Result)) {
		mu.Lock()
		defer mu.Unlock()
		f(res)
	}
	dead := &deadSet{seen: make(map[string]bool)}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.opts.Workers)
	for _, j := range jobs {
		g.Go(func() error {
			d.deliver(gctx, j, dead, count)
			return nil
		})
	}
	_ = g.Wait() //nolint:errcheck // workers never return errors

	d.logger.Info("Dispatch completed",
		"day", day,
		"matched", res.Matched,
		"sent", res.Sent,
		"duplicates", res.Duplicates,
		"transient", res.Transient,
		"permanent", res.Permanent,
		"pruned", res.Pruned)
	return res, nil
}

func (d *Dispatcher) deliver(ctx context.Context, j job, dead *deadSet, count func(func(*Result))) {
	ep := j.sub.Endpoint
	id := endpointID(ep)
	kind := ep.Kind()

	if dead.has(id) {
		d.metrics.ObserveDelivery(kind, metrics.OutcomeDead, 0)
		return
	}

	// Claim before sending so two alerts never race to the same delivery.
	ledgerKey := id + "|" + j.payload.Tag + "|" + observation.FormatCount(j.alert.CountValue())
	if err := d.delivered.Add(ledgerKey, struct{}{}, cache.DefaultExpiration); err != nil {
		count(func(r *Result) { r.Duplicates++ })
		d.metrics.ObserveDelivery(kind, metrics.OutcomeDuplicate, 0)
		d.logger.Debug("Skipping repeated delivery", "endpoint", id, "tag", j.payload.Tag)
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
	defer cancel()
	start := time.Now()
	err := d.sender.Send(sendCtx, ep, j.payload)
	elapsed := time.Since(start)

	switch {
	case err == nil:
		count(func(r *Result) { r.Sent++ })
		d.metrics.ObserveDelivery(kind, metrics.OutcomeSent, elapsed)
		d.logger.Debug("Alert delivered",
			"subscriber_id", ep.SubscriberID,
			"device_id", ep.DeviceID,
			"kind", kind,
			"tag", j.payload.Tag,
			"state_changed", j.alert.StateChanged)

	case push.IsPermanent(err):
		count(func(r *Result) { r.Permanent++ })
		d.metrics.ObserveDelivery(kind, metrics.OutcomePermanent, elapsed)
		if !dead.mark(id) {
			return
		}
		d.logger.Warn("Endpoint gone, deleting",
			"subscriber_id", ep.SubscriberID,
			"device_id", ep.DeviceID,
			"kind", kind,
			"error", err)
		// The run context may already be done; deletion must still happen.
		delCtx, delCancel := context.WithTimeout(context.WithoutCancel(ctx), d.opts.Timeout)
		defer delCancel()
		if delErr := d.dir.DeletePushEndpoint(delCtx, ep.SubscriberID, ep.DeviceID); delErr != nil {
			d.logger.Warn("Failed to delete endpoint",
				"subscriber_id", ep.SubscriberID,
				"device_id", ep.DeviceID,
				"error", delErr)
			return
		}
		count(func(r *Result) { r.Pruned++ })
		d.metrics.EndpointPruned()

	default:
		count(func(r *Result) { r.Transient++ })
		d.metrics.ObserveDelivery(kind, metrics.OutcomeTransient, elapsed)
		d.logger.Warn("Delivery failed",
			"subscriber_id", ep.SubscriberID,
			"device_id", ep.DeviceID,
			"kind", kind,
			"tag", j.payload.Tag,
			"error", err)
	}
}
