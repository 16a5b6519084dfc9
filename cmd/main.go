package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"pushengine/internal/auth"
	"pushengine/internal/config"
	"pushengine/internal/db"
	"pushengine/internal/dispatch"
	"pushengine/internal/handlers"
	"pushengine/internal/logging"
	"pushengine/internal/migrations"
	"pushengine/internal/provider"
	"pushengine/internal/queue"
	"pushengine/internal/ratelimit"
	"pushengine/internal/routes"
	"pushengine/internal/security"
	"pushengine/internal/tracking"
	"pushengine/internal/webhook"
	"pushengine/internal/worker"
)

const usage = `usage: pushengine <command>

commands:
  api                     serve the HTTP API
  worker                  run the job processors and the recurring scheduler
  all                     api and worker in one process
  migrate up|down|version|force <v>
  token <project-id>      print a bearer token for a project`

// per-channel send ceilings, requests per second
var throttles = map[provider.Platform]struct {
	perSecond float64
	burst     int
}{
	provider.Android: {perSecond: 500, burst: 100},
	provider.IOS:     {perSecond: 1000, burst: 200},
	provider.Web:     {perSecond: 200, burst: 50},
}

func main() {
	slog.SetDefault(logging.NewLogger())

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch cmd := os.Args[1]; cmd {
	case "migrate":
		err = runMigrate(cfg, os.Args[2:])
	case "token":
		err = printToken(cfg, os.Args[2:])
	case "api", "worker", "all":
		err = run(ctx, cfg, cmd)
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		slog.Error("Command failed", "command", os.Args[1], "error", err)
		os.Exit(1)
	}
}

func runMigrate(cfg *config.Config, args []string) error {
	if len(args) == 0 {
		return errors.New("migrate needs one of up, down, version, force")
	}
	switch args[0] {
	case "up":
		return migrations.Up(cfg.DatabaseURL)
	case "down":
		return migrations.Down(cfg.DatabaseURL)
	case "version":
		v, dirty, err := migrations.Version(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		slog.Info("Current migration version", "version", v, "dirty", dirty)
		return nil
	case "force":
		if len(args) < 2 {
			return errors.New("force needs a version")
		}
		return migrations.Force(cfg.DatabaseURL, args[1])
	}
	return fmt.Errorf("unknown migrate command %q", args[0])
}

func printToken(cfg *config.Config, args []string) error {
	if len(args) == 0 {
		return errors.New("token needs a project id")
	}
	token, err := auth.GenerateToken(cfg.JWTSecret, args[0], 24*time.Hour)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

// app holds everything both the API and the worker are built from.
type app struct {
	cfg       *config.Config
	store     *db.Store
	redis     *redis.Client
	redisOpt  asynq.RedisClientOpt
	mode      queue.Mode
	client    *queue.Client
	engine    *dispatch.Engine
	firebase  *config.FirebaseClient
	secrets   *webhook.Secrets
	events    *webhook.Dispatcher
	tracker   *tracking.FirestoreTracker
	processor *worker.Processors
	closers   []func() error
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.Warn("Failed to close resource", "error", err)
		}
	}
}

func build(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}

	conn, err := db.Connect(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	a.store = db.New(conn)
	a.closers = append(a.closers, a.store.Close)

	a.redis = redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	a.closers = append(a.closers, a.redis.Close)
	a.mode = queue.DetectMode(ctx, a.redis)

	a.redisOpt = asynq.RedisClientOpt{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB}
	asynqClient := asynq.NewClient(a.redisOpt)
	a.closers = append(a.closers, asynqClient.Close)
	a.client = queue.NewClient(asynqClient)

	adapters, err := a.buildAdapters(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.engine = dispatch.NewEngine(adapters, dispatch.DefaultConfig())

	if cfg.KMSKeyID != "" {
		cipher, err := security.InitKMS(ctx, cfg.KMSKeyID)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.secrets = webhook.NewSecrets(a.store, cipher)
		a.events = webhook.NewDispatcher(a.store, a.secrets, a.client)
	} else {
		slog.Warn("AWS_KMS_KEY_ID not set, webhooks are disabled")
	}

	if cfg.FirestoreTracking && a.firebase != nil && a.firebase.Firestore != nil {
		a.tracker = tracking.NewFirestoreTracker(a.firebase.Firestore)
	}

	deps := worker.Deps{
		Engine:            a.engine,
		Devices:           a.store,
		Queue:             a.client,
		Registry:          a.store,
		Webhooks:          webhook.NewSender(a.store, cfg.WebhookTimeout),
		SegmentMaxResults: cfg.SegmentMaxResults,
	}
	if a.events != nil {
		deps.Events = a.events
	}
	if a.tracker != nil {
		deps.Tracker = a.tracker
	}
	a.processor = worker.NewProcessors(deps)
	return a, nil
}

func (a *app) buildAdapters(ctx context.Context) (provider.Set, error) {
	cfg := a.cfg
	set := provider.Set{
		Android: provider.Unavailable(provider.Android, "firebase not configured"),
		IOS:     provider.Unavailable(provider.IOS, "apns not configured"),
	}

	if cfg.FirebaseEnabled {
		fbCfg, err := config.LoadFirebaseConfig()
		if err != nil {
			return set, err
		}
		fb, err := config.NewFirebaseClient(ctx, fbCfg, cfg.FirestoreTracking)
		if err != nil {
			return set, err
		}
		a.firebase = fb
		a.closers = append(a.closers, fb.Close)
		set.Android = provider.NewFCMAdapter(fb.Messaging, fbCfg.ProjectID)
	}

	if cfg.APNs.Enabled() {
		client, err := config.NewAPNsClient(cfg.APNs)
		if err != nil {
			return set, err
		}
		set.IOS = provider.NewAPNsAdapter(client, cfg.APNs.Topic, cfg.APNs.Production)
	}

	set.Web = provider.NewWebPushAdapter(provider.VAPIDConfig{
		PublicKey:  cfg.VAPID.PublicKey,
		PrivateKey: cfg.VAPID.PrivateKey,
		Subject:    cfg.VAPID.Subject,
	}, cfg.ProviderTimeout)

	set.Android = wrap(set.Android)
	set.IOS = wrap(set.IOS)
	set.Web = wrap(set.Web)
	return set, nil
}

func wrap(a provider.Adapter) provider.Adapter {
	if !a.IsAvailable() {
		return a
	}
	t := throttles[a.Platform()]
	return provider.WithBreaker(provider.WithThrottle(a, t.perSecond, t.burst), provider.DefaultBreakerConfig())
}

func run(ctx context.Context, cfg *config.Config, cmd string) error {
	a, err := build(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	slog.Info("Starting push engine", "command", cmd, "mode", a.mode.String())

	g, ctx := errgroup.WithContext(ctx)
	if cmd == "worker" || cmd == "all" {
		if a.mode == queue.ModeDirect {
			return errors.New("worker needs the queue backend, redis is unreachable")
		}
		w, err := worker.NewWorker(a.redisOpt, cfg.WorkerConcurrency, a.processor, queue.NewRecurringConfigProvider(a.store))
		if err != nil {
			return err
		}
		g.Go(func() error { return w.Start(ctx) })
	}
	if cmd == "api" || cmd == "all" {
		g.Go(func() error { return a.serve(ctx) })
	}
	return g.Wait()
}

func (a *app) serve(ctx context.Context) error {
	inspector := asynq.NewInspector(a.redisOpt)
	defer inspector.Close()

	h := &handlers.Handler{
		Jobs:      queue.NewOrchestrator(a.client, a.store, a.processor, a.mode),
		Inspector: queue.NewInspector(inspector, a.store, a.mode),
		Providers: a.engine,
	}
	if a.secrets != nil {
		h.Secrets = a.secrets
	}
	if a.tracker != nil {
		h.Deliveries = a.tracker
	}

	var counters ratelimit.CounterStore = ratelimit.NewRedisStore(a.redis)
	if a.mode == queue.ModeDirect {
		counters = ratelimit.NewMemoryStore()
	}
	rules := ratelimit.NewResolver()
	if a.cfg.RateLimitConfig != "" {
		if err := rules.LoadRules(a.cfg.RateLimitConfig); err != nil {
			return err
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	routes.SetupRoutes(e, h, a.cfg.JWTSecret, ratelimit.NewLimiter(counters), rules)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", a.cfg.HTTPAddr)
		if err := e.Start(a.cfg.HTTPAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	slog.Info("Shutting down HTTP server")
	return e.Shutdown(shutdownCtx)
}
