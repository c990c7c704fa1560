// Package prefs stores subscriber preferences, push endpoints and per-thread
// subscriptions in SQLite.
package prefs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"dof-notifier/match"
	"dof-notifier/push"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a subscriber has no stored preferences.
var ErrNotFound = errors.New("prefs: not found")

const schema = `
CREATE TABLE IF NOT EXISTS users (
	userid   TEXT NOT NULL,
	deviceid TEXT NOT NULL,
	prefs    TEXT NOT NULL DEFAULT '{}',
	PRIMARY KEY (userid, deviceid)
);

CREATE TABLE IF NOT EXISTS subscriptions (
	userid       TEXT NOT NULL,
	deviceid     TEXT NOT NULL,
	subscription TEXT NOT NULL,
	PRIMARY KEY (userid, deviceid)
);

CREATE TABLE IF NOT EXISTS thread_subs (
	user_id   TEXT NOT NULL,
	device_id TEXT NOT NULL,
	day       TEXT NOT NULL,
	thread_id TEXT NOT NULL,
	PRIMARY KEY (user_id, device_id, day, thread_id)
);

CREATE INDEX IF NOT EXISTS idx_thread_subs_thread ON thread_subs(day, thread_id);
`

// Subscription pairs a subscriber's profile with one of their endpoints.
type Subscription struct {
	Profile  *match.Profile
	Endpoint push.Endpoint
}

// Store is the SQLite-backed preferences store.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	// locks serializes endpoint mutations per (subscriber, device).
	locks sync.Map
}

// Open opens the database at path, configures WAL mode and creates the tables.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Pragmas are per connection.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close() //nolint:errcheck // already failing
			return nil, fmt.Errorf("exec %s: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close() //nolint:errcheck // already failing
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) lock(subscriberID, deviceID string) func() {
	v, _ := s.locks.LoadOrStore(subscriberID+"\x00"+deviceID, &sync.Mutex{})
	mu := v.(*sync.Mutex) //nolint:errcheck,forcetypeassert // only mutexes are stored
	mu.Lock()
	return mu.Unlock
}

// SaveProfile stores the preferences of one subscriber device.
func (s *Store) SaveProfile(ctx context.Context, deviceID string, p *match.Profile) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal preferences: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO users (userid, deviceid, prefs) VALUES (?, ?, ?)`,
		p.SubscriberID, deviceID, string(data),
	)
	if err != nil {
		return fmt.Errorf("save preferences %s: %w", p.SubscriberID, err)
	}
	return nil
}

// LoadProfile returns the most recently stored preferences of a subscriber.
func (s *Store) LoadProfile(ctx context.Context, subscriberID string) (*match.Profile, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT prefs FROM users WHERE userid = ? ORDER BY rowid DESC LIMIT 1`,
		subscriberID,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load preferences %s: %w", subscriberID, err)
	}
	return match.ParseProfile(subscriberID, []byte(data))
}

// SaveEndpoint stores the delivery descriptor of one subscriber device.
func (s *Store) SaveEndpoint(ctx context.Context, ep push.Endpoint) error {
	if !json.Valid(ep.Descriptor) {
		return fmt.Errorf("endpoint %s/%s: descriptor is not JSON", ep.SubscriberID, ep.DeviceID)
	}
	defer s.lock(ep.SubscriberID, ep.DeviceID)()

	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO subscriptions (userid, deviceid, subscription) VALUES (?, ?, ?)`,
		ep.SubscriberID, ep.DeviceID, string(ep.Descriptor),
	)
	if err != nil {
		return fmt.Errorf("save endpoint %s/%s: %w", ep.SubscriberID, ep.DeviceID, err)
	}
	return nil
}

// ListSubscribersWithEndpoints returns every device that has both preferences and an endpoint.
// Rows with unreadable preferences are skipped.
func (s *Store) ListSubscribersWithEndpoints(ctx context.Context) ([]Subscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT users.userid, users.deviceid, users.prefs, subscriptions.subscription
		 FROM users JOIN subscriptions
		   ON users.userid = subscriptions.userid AND users.deviceid = subscriptions.deviceid
		 ORDER BY users.userid, users.deviceid`,
	)
	if err != nil {
		return nil, fmt.Errorf("list subscribers: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			s.logger.Warn("Failed to close rows", "error", closeErr)
		}
	}()

	var subs []Subscription
	for rows.Next() {
		var userID, deviceID, prefsJSON, descriptor string
		if err := rows.Scan(&userID, &deviceID, &prefsJSON, &descriptor); err != nil {
			return nil, fmt.Errorf("scan subscriber: %w", err)
		}
		profile, err := match.ParseProfile(userID, []byte(prefsJSON))
		if err != nil {
			s.logger.Warn("Skipping subscriber with unreadable preferences",
				"subscriber_id", userID, "device_id", deviceID, "error", err)
			continue
		}
		subs = append(subs, Subscription{
			Profile: profile,
			Endpoint: push.Endpoint{
				SubscriberID: userID,
				DeviceID:     deviceID,
				Descriptor:   json.RawMessage(descriptor),
			},
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subscribers: %w", err)
	}
	return subs, nil
}

// DeletePushEndpoint removes a device's endpoint and every thread subscription it holds.
// Deleting an endpoint that is already gone is not an error.
func (s *Store) DeletePushEndpoint(ctx context.Context, subscriberID, deviceID string) error {
	defer s.lock(subscriberID, deviceID)()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		_ = tx.Rollback() //nolint:errcheck // no-op after commit
	}()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM subscriptions WHERE userid = ? AND deviceid = ?`, subscriberID, deviceID); err != nil {
		return fmt.Errorf("delete endpoint: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM thread_subs WHERE user_id = ? AND device_id = ?`, subscriberID, deviceID); err != nil {
		return fmt.Errorf("delete thread subscriptions: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	s.logger.Info("Push endpoint deleted", "subscriber_id", subscriberID, "device_id", deviceID)
	return nil
}

// AddThreadSub subscribes a device to one thread of one day.
func (s *Store) AddThreadSub(ctx context.Context, subscriberID, deviceID, day, threadID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO thread_subs (user_id, device_id, day, thread_id) VALUES (?, ?, ?, ?)`,
		subscriberID, deviceID, day, threadID,
	)
	if err != nil {
		return fmt.Errorf("add thread subscription: %w", err)
	}
	return nil
}

// ThreadSubs returns the ids of the threads a device follows on a day.
func (s *Store) ThreadSubs(ctx context.Context, subscriberID, deviceID, day string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT thread_id FROM thread_subs WHERE user_id = ? AND device_id = ? AND day = ? ORDER BY thread_id`,
		subscriberID, deviceID, day,
	)
	if err != nil {
		return nil, fmt.Errorf("list thread subscriptions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			s.logger.Warn("Failed to close rows", "error", closeErr)
		}
	}()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan thread subscription: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
