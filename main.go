// Command dof-notifier polls the DOF observation export, maintains the day's
// rarity threads and pushes alerts to subscribers.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
	_ "time/tzdata" // poll.timezone must resolve in minimal container images

	"dof-notifier/config"
	"dof-notifier/dispatch"
	"dof-notifier/email"
	"dof-notifier/feed"
	"dof-notifier/match"
	"dof-notifier/metrics"
	"dof-notifier/poll"
	"dof-notifier/prefs"
	"dof-notifier/push"
	"dof-notifier/refdata"
	"dof-notifier/server"
	"dof-notifier/storage"

	gcs "cloud.google.com/go/storage"
	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:          "dof-notifier",
		Short:        "Push alerts for notable bird observations from DOFbasen",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")

	root.AddCommand(
		newServeCmd(&configPath),
		newOnceCmd(&configPath),
		newSubscribeCmd(&configPath),
		newUnsubscribeCmd(&configPath),
		newKeysCmd(),
	)
	return root
}

func loadConfig(path string) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}
	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the polling loop and the ops HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := build(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.close()

			srv := server.New(a.monitor, a.registry, logger)
			serveErr := serveAndPoll(ctx,
				func(ctx context.Context) error { return srv.ListenAndServe(ctx, cfg.Server.Port) },
				func(ctx context.Context) { a.monitor.Run(ctx, cfg.Poll.Interval) },
			)
			if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
				return fmt.Errorf("serve: %w", serveErr)
			}
			return nil
		},
	}
}

func newOnceCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "once",
		Short: "Run a single polling cycle and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			a, err := build(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.close()

			sum, err := a.monitor.RunCycle(cmd.Context())
			if err != nil {
				return err
			}
			if sum.FetchFailed {
				return errors.New("fetch failed")
			}
			return nil
		},
	}
}

func newSubscribeCmd(configPath *string) *cobra.Command {
	var userID, deviceID, prefsPath, endpointPath string
	var follow []string
	cmd := &cobra.Command{
		Use:   "subscribe",
		Short: "Store preferences and an endpoint for one subscriber device",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			store, err := prefs.Open(ctx, cfg.Prefs.Path, logger)
			if err != nil {
				return err
			}
			defer closeLogged(logger, "prefs", store.Close)

			if prefsPath != "" {
				data, err := os.ReadFile(prefsPath)
				if err != nil {
					return fmt.Errorf("read preferences: %w", err)
				}
				profile, err := match.ParseProfile(userID, data)
				if err != nil {
					return err
				}
				if err := store.SaveProfile(ctx, deviceID, profile); err != nil {
					return err
				}
			}
			if endpointPath != "" {
				data, err := os.ReadFile(endpointPath)
				if err != nil {
					return fmt.Errorf("read endpoint: %w", err)
				}
				ep := push.Endpoint{SubscriberID: userID, DeviceID: deviceID, Descriptor: json.RawMessage(data)}
				if ep.Kind() == "" {
					return errors.New("endpoint descriptor has no recognizable kind")
				}
				if err := store.SaveEndpoint(ctx, ep); err != nil {
					return err
				}
			}
			for _, f := range follow {
				day, threadID, err := parseFollow(f)
				if err != nil {
					return err
				}
				if err := store.AddThreadSub(ctx, userID, deviceID, day, threadID); err != nil {
					return err
				}
			}
			logger.Info("Subscriber updated", "subscriber_id", userID, "device_id", deviceID, "threads", len(follow))
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "subscriber id")
	cmd.Flags().StringVar(&deviceID, "device", "", "device id")
	cmd.Flags().StringVar(&prefsPath, "prefs", "", "preferences JSON file")
	cmd.Flags().StringVar(&endpointPath, "endpoint", "", "endpoint descriptor JSON file")
	cmd.Flags().StringArrayVar(&follow, "follow", nil, "thread to follow, as DD-MM-YYYY/thread-id (repeatable)")
	_ = cmd.MarkFlagRequired("user")   //nolint:errcheck // flag exists
	_ = cmd.MarkFlagRequired("device") //nolint:errcheck // flag exists
	return cmd
}

func newUnsubscribeCmd(configPath *string) *cobra.Command {
	var userID, deviceID string
	cmd := &cobra.Command{
		Use:   "unsubscribe",
		Short: "Delete a device's endpoint and thread subscriptions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			store, err := prefs.Open(cmd.Context(), cfg.Prefs.Path, logger)
			if err != nil {
				return err
			}
			defer closeLogged(logger, "prefs", store.Close)
			return store.DeletePushEndpoint(cmd.Context(), userID, deviceID)
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "subscriber id")
	cmd.Flags().StringVar(&deviceID, "device", "", "device id")
	_ = cmd.MarkFlagRequired("user")   //nolint:errcheck // flag exists
	_ = cmd.MarkFlagRequired("device") //nolint:errcheck // flag exists
	return cmd
}

func newKeysCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keys",
		Short: "Generate a VAPID key pair for web push",
		RunE: func(cmd *cobra.Command, _ []string) error {
			private, public, err := webpush.GenerateVAPIDKeys()
			if err != nil {
				return fmt.Errorf("generate keys: %w", err)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "DOFNOT_PUSH_VAPID_PUBLIC_KEY=%s\nDOFNOT_PUSH_VAPID_PRIVATE_KEY=%s\n", public, private)
			return err
		},
	}
}

// serveAndPoll runs loop in the background and serve in the foreground. When serve
// returns, loop is cancelled and waited for, so shared resources can be closed.
func serveAndPoll(ctx context.Context, serve func(context.Context) error, loop func(context.Context)) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	polling := make(chan struct{})
	go func() {
		defer close(polling)
		loop(ctx)
	}()

	err := serve(ctx)
	cancel()
	<-polling
	return err
}

// parseFollow splits "DD-MM-YYYY/thread-id".
func parseFollow(s string) (day, threadID string, err error) {
	day, threadID, ok := strings.Cut(s, "/")
	if !ok || threadID == "" {
		return "", "", fmt.Errorf("follow %q: want DD-MM-YYYY/thread-id", s)
	}
	if _, err := time.Parse(poll.DayLayout, day); err != nil {
		return "", "", fmt.Errorf("follow %q: %w", s, err)
	}
	return day, threadID, nil
}

func closeLogged(logger *slog.Logger, what string, closeFn func() error) {
	if err := closeFn(); err != nil {
		logger.Warn("Failed to close", "what", what, "error", err)
	}
}

// app is the wired service.
type app struct {
	monitor  *poll.Monitor
	registry *prometheus.Registry
	closers  []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{registry: prometheus.NewRegistry()}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(a.registry)
	if err != nil {
		return nil, err
	}

	location, err := time.LoadLocation(cfg.Poll.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone: %w", err)
	}

	var client *gcs.Client
	if cfg.Storage.LocalPath != "" {
		logger.Info("Using local storage", "storage_path", cfg.Storage.LocalPath)
		if err := os.MkdirAll(cfg.Storage.LocalPath, 0o750); err != nil {
			return nil, fmt.Errorf("create local storage directory: %w", err)
		}
	} else {
		client, err = gcs.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create storage client: %w", err)
		}
		a.closers = append(a.closers, func() { closeLogged(logger, "storage client", client.Close) })
		logger.Info("Using Cloud Storage", "bucket", cfg.Storage.Bucket)
	}
	store := storage.New(client, cfg.Storage.Bucket, cfg.Storage.LocalPath, logger)

	prefsStore, err := prefs.Open(ctx, cfg.Prefs.Path, logger)
	if err != nil {
		a.close()
		return nil, err
	}
	a.closers = append(a.closers, func() { closeLogged(logger, "prefs", prefsStore.Close) })

	registry, err := buildProviders(ctx, cfg, logger)
	if err != nil {
		a.close()
		return nil, err
	}
	if len(registry.Kinds()) == 0 {
		logger.Warn("No delivery providers configured; alerts will not be delivered")
	}

	dispatcher := dispatch.New(prefsStore, registry, dispatch.Options{
		Workers:   cfg.Dispatch.Workers,
		Timeout:   cfg.Dispatch.Timeout,
		LedgerTTL: cfg.Dispatch.LedgerTTL,
		BaseURL:   cfg.Server.BaseURL,
	}, m, logger)

	fetcher := feed.New(&http.Client{Timeout: cfg.Feed.Timeout}, cfg.Feed.URL, cfg.Feed.Attempts, logger)
	loader := refdata.NewLoader(cfg.Refdata.Dir, cfg.Refdata.ReloadInterval, logger)

	a.monitor = poll.New(fetcher, store, loader, dispatcher, location, m, logger)
	a.monitor.SetRetention(cfg.Storage.RetainDays)
	return a, nil
}

func buildProviders(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*push.Registry, error) {
	registry := push.NewRegistry()

	if cfg.Push.WebPushEnabled() {
		registry.Register(push.NewWebPushProvider(push.VAPID{
			PublicKey:  cfg.Push.VAPIDPublicKey,
			PrivateKey: cfg.Push.VAPIDPrivateKey,
			Subscriber: cfg.Push.Subscriber,
		}, cfg.Push.TTL, &http.Client{Timeout: cfg.Dispatch.Timeout}, logger))
	}
	if cfg.Push.Shoutrrr {
		registry.Register(push.NewShoutrrrProvider(cfg.Push.ShoutrrrTimeout))
	}

	var provider email.Provider
	switch cfg.Email.Provider {
	case "gmail":
		service, err := initGmailService(ctx, cfg.Email.CredentialsJSON)
		if err != nil {
			return nil, fmt.Errorf("initialize Gmail: %w", err)
		}
		provider = email.NewGmailProvider(service, logger)
	case "brevo":
		provider = email.NewBrevoProvider(cfg.Email.BrevoAPIKey, cfg.Email.From, cfg.Email.FromName, nil, logger)
	case "mock":
		logger.Info("Mock email mode enabled")
		provider = email.NewMockProvider(logger)
	}
	if provider != nil {
		registry.Register(push.NewEmailProvider(email.New(provider, logger, cfg.Server.BaseURL)))
	}

	logger.Info("Delivery providers ready", "kinds", registry.Kinds())
	return registry, nil
}

// isCloudRun checks if we're running in a GCP environment by querying the metadata server.
func isCloudRun(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://metadata.google.internal/computeMetadata/v1/project/project-id", http.NoBody)
	if err != nil {
		return false
	}
	req.Header.Set("Metadata-Flavor", "Google")

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer func() {
		_ = resp.Body.Close() //nolint:errcheck // best effort
	}()

	return resp.StatusCode == http.StatusOK
}

func initGmailService(ctx context.Context, credsJSON string) (*gmail.Service, error) {
	if credsJSON != "" {
		return gmail.NewService(ctx, option.WithCredentialsJSON([]byte(credsJSON)))
	}

	// Application Default Credentials; the service account needs the gmail.send scope.
	if isCloudRun(ctx) {
		return gmail.NewService(ctx)
	}
	return nil, errors.New("email.credentials_json required when not running in Cloud Run")
}
