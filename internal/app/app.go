// Package app wires configuration into the long-lived pipeline services.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/marketpulse/internal/api"
	"github.com/JakeFAU/marketpulse/internal/clock"
	"github.com/JakeFAU/marketpulse/internal/config"
	"github.com/JakeFAU/marketpulse/internal/detector"
	"github.com/JakeFAU/marketpulse/internal/digest"
	"github.com/JakeFAU/marketpulse/internal/email"
	"github.com/JakeFAU/marketpulse/internal/fetcher"
	collyfetcher "github.com/JakeFAU/marketpulse/internal/fetcher/colly"
	"github.com/JakeFAU/marketpulse/internal/fetcher/headless"
	hashsha "github.com/JakeFAU/marketpulse/internal/hash/sha256"
	headlessdetector "github.com/JakeFAU/marketpulse/internal/headless/detector"
	"github.com/JakeFAU/marketpulse/internal/id"
	"github.com/JakeFAU/marketpulse/internal/policy/ratelimit"
	"github.com/JakeFAU/marketpulse/internal/policy/window"
	pubsubpublisher "github.com/JakeFAU/marketpulse/internal/publisher/pubsub"
	"github.com/JakeFAU/marketpulse/internal/pulse"
	"github.com/JakeFAU/marketpulse/internal/retry"
	"github.com/JakeFAU/marketpulse/internal/scheduler"
	"github.com/JakeFAU/marketpulse/internal/storage"
	"github.com/JakeFAU/marketpulse/internal/storage/gcs"
	"github.com/JakeFAU/marketpulse/internal/storage/local"
	"github.com/JakeFAU/marketpulse/internal/storage/memory"
	"github.com/JakeFAU/marketpulse/internal/storage/postgres"
	"github.com/JakeFAU/marketpulse/internal/trigger"
	"github.com/JakeFAU/marketpulse/internal/worker"
)

// Task names accepted by RunTask.
const (
	TaskSchedule = "schedule"
	TaskCrawl    = "crawl"
	TaskEmail    = "email"
	TaskDigest   = "digest"
)

// TaskNames lists every runnable task.
func TaskNames() []string {
	return []string{TaskSchedule, TaskCrawl, TaskEmail, TaskDigest}
}

// App holds the shared, long-lived services of one process.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	clock  pulse.Clock

	store     pulse.Store
	scheduler *scheduler.Scheduler
	worker    *worker.Worker
	email     *email.Worker
	digest    *digest.Digest
	api       *api.Server

	closers []closer
}

type closer struct {
	name string
	fn   func() error
}

// Option overrides a collaborator, mostly for tests.
type Option func(*options)

type options struct {
	store     pulse.Store
	fetcher   pulse.Fetcher
	sender    email.Sender
	publisher pulse.Publisher
	clock     pulse.Clock
}

// WithStore uses store instead of opening one from config.
func WithStore(store pulse.Store) Option {
	return func(o *options) { o.store = store }
}

// WithFetcher replaces the Colly/chromedp pipeline.
func WithFetcher(f pulse.Fetcher) Option {
	return func(o *options) { o.fetcher = f }
}

// WithSender replaces the configured mail sender.
func WithSender(s email.Sender) Option {
	return func(o *options) { o.sender = s }
}

// WithPublisher replaces the Pub/Sub publisher.
func WithPublisher(p pulse.Publisher) Option {
	return func(o *options) { o.publisher = p }
}

// WithClock replaces the system clock.
func WithClock(c pulse.Clock) Option {
	return func(o *options) { o.clock = c }
}

// New initializes every service described by cfg. It fails fast when a
// configured backend cannot be reached.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	a := &App{cfg: cfg, logger: logger, clock: o.clock}
	if a.clock == nil {
		a.clock = clock.New()
	}
	ids := id.New()

	if err := a.init(ctx, o, ids); err != nil {
		a.Close()
		return nil, err
	}
	logger.Info("application services initialized")
	return a, nil
}

func (a *App) init(ctx context.Context, o options, ids pulse.IDGenerator) error {
	cfg := a.cfg

	a.store = o.store
	if a.store == nil {
		store, err := a.openStore(ctx)
		if err != nil {
			return err
		}
		a.store = store
	}

	blobs, err := a.openBlobs(ctx)
	if err != nil {
		return err
	}

	pub := o.publisher
	if pub == nil {
		if pub, err = a.openPublisher(ctx); err != nil {
			return err
		}
	}

	fetch := o.fetcher
	if fetch == nil {
		if fetch, err = a.newFetcher(); err != nil {
			return err
		}
	}

	sender := o.sender
	if sender == nil {
		if sender, err = a.newSender(); err != nil {
			return err
		}
	}

	renderer, err := email.NewRenderer()
	if err != nil {
		return fmt.Errorf("load email templates: %w", err)
	}

	a.scheduler = scheduler.New(a.store, a.clock, ids, scheduler.Config{MaxAttempts: cfg.Scheduler.MaxAttempts}, a.logger)

	a.worker = worker.New(worker.Deps{
		Store:     a.store,
		Fetcher:   fetch,
		Detector:  detector.New(),
		Hasher:    hashsha.New(),
		Blobs:     blobs,
		Publisher: pub,
		Pacer:     ratelimit.New(ratelimit.Config{Name: "domain", RPS: cfg.Fetcher.DomainRPS, Burst: cfg.Fetcher.DomainBurst}),
		Clock:     a.clock,
		IDs:       ids,
	}, worker.Config{
		BatchSize:        cfg.Worker.BatchSize,
		Concurrency:      cfg.Worker.Concurrency,
		MaxAttempts:      cfg.Worker.MaxAttempts,
		Lease:            cfg.Worker.ClaimLease,
		JobTimeout:       cfg.Worker.JobTimeout,
		Backoff:          retry.Backoff{Base: cfg.Worker.BackoffBase, Max: cfg.Worker.BackoffMax, Jitter: cfg.Worker.BackoffJitter},
		BlobPrefix:       cfg.Storage.Prefix,
		AlertTopic:       cfg.PubSub.Topic,
		EmailMaxAttempts: cfg.Email.MaxAttempts,
		DashboardURL:     cfg.Server.DashboardURL,
	}, a.logger)

	a.email = email.NewWorker(email.Deps{
		Store:    a.store,
		Renderer: renderer,
		Sender:   sender,
		Pacer:    ratelimit.New(ratelimit.Config{Name: "email", RPS: cfg.Email.SendRPS, Burst: 1}),
		Clock:    a.clock,
		IDs:      ids,
	}, email.Config{
		BatchSize:   cfg.Email.BatchSize,
		MaxAttempts: cfg.Email.MaxAttempts,
		Lease:       cfg.Email.ClaimLease,
		Backoff:     retry.NewBackoff(cfg.Email.BackoffBase, cfg.Email.BackoffMax),
		DigestHour:  cfg.Email.DigestHour,
	}, a.logger)

	a.digest = digest.New(a.store, a.clock, ids, digest.Config{
		Window:       cfg.Digest.Window,
		RecentLimit:  cfg.Digest.RecentLimit,
		MaxAttempts:  cfg.Email.MaxAttempts,
		DashboardURL: cfg.Server.DashboardURL,
	}, a.logger)

	counter, err := a.newCounter(ctx)
	if err != nil {
		return err
	}
	trusted, err := window.ParseTrustedProxies(cfg.RateLimit.TrustedProxies)
	if err != nil {
		return err
	}
	deps := api.Deps{
		Scheduler:   a.scheduler,
		Worker:      a.worker,
		Email:       a.email,
		Digest:      a.digest,
		Feed:        a.store,
		Clock:       a.clock,
		StatusLimit: window.Middleware(counter, a.clock, window.ProxyAware(trusted), "/api/crawl/status", a.logger),
	}
	if p, ok := a.store.(api.Pinger); ok {
		deps.Ready = p
	}
	a.api = api.NewServer(deps, api.Config{
		CronSecret:    cfg.Auth.CronSecret,
		WorkerTimeout: cfg.Worker.BatchTimeout,
		EmailTimeout:  cfg.Email.BatchTimeout,
		MaxBatchSize:  config.MaxBatchSize,
	}, a.logger)
	return nil
}

func (a *App) openStore(ctx context.Context) (pulse.Store, error) {
	if a.cfg.DB.DSN == "" {
		a.logger.Warn("db.dsn not set, using the in-memory store; state is lost on exit")
		return memory.NewStore(), nil
	}
	store, err := postgres.Open(ctx, postgres.Config{
		DSN:             a.cfg.DB.DSN,
		MaxConns:        a.cfg.DB.MaxConns,
		MinConns:        a.cfg.DB.MinConns,
		MaxConnLifetime: a.cfg.DB.MaxConnLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	a.logger.Info("connected to postgres")
	return store, nil
}

func (a *App) openBlobs(ctx context.Context) (pulse.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case config.StorageMemory:
		return memory.NewBlobStore(), nil
	case config.StorageLocal:
		store, err := local.New(local.Config{BaseDir: a.cfg.Storage.Dir})
		if err != nil {
			return nil, fmt.Errorf("open local archive: %w", err)
		}
		a.logger.Info("archiving pages locally", zap.String("dir", a.cfg.Storage.Dir))
		return store, nil
	case config.StorageGCS:
		store, client, err := gcs.Open(ctx, gcs.Config{Bucket: a.cfg.Storage.Bucket})
		if err != nil {
			return nil, fmt.Errorf("open gcs archive: %w", err)
		}
		a.addCloser("gcs", client.Close)
		a.logger.Info("archiving pages to gcs", zap.String("bucket", a.cfg.Storage.Bucket))
		return store, nil
	default:
		return storage.Discard{}, nil
	}
}

func (a *App) openPublisher(ctx context.Context) (pulse.Publisher, error) {
	if a.cfg.PubSub.ProjectID == "" {
		a.logger.Info("pubsub.project_id not set, alert push events disabled")
		return nil, nil
	}
	pub, err := pubsubpublisher.Open(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("open pubsub: %w", err)
	}
	a.addCloser("pubsub", pub.Close)
	return pub, nil
}

func (a *App) newFetcher() (pulse.Fetcher, error) {
	probe := collyfetcher.New(collyfetcher.Config{
		UserAgent:     a.cfg.Fetcher.UserAgent,
		RespectRobots: a.cfg.Fetcher.RespectRobots,
		Timeout:       a.cfg.Fetcher.Timeout,
		RobotsTTL:     a.cfg.Fetcher.RobotsTTL,
	}, a.logger)
	if !a.cfg.Headless.Enabled {
		return fetcher.NewPipeline(probe, a.logger), nil
	}
	renderer, err := headless.NewChromedp(headless.Config{
		MaxParallel:       a.cfg.Headless.MaxParallel,
		UserAgent:         a.cfg.Fetcher.UserAgent,
		NavigationTimeout: a.cfg.Headless.NavigationTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("create headless renderer: %w", err)
	}
	a.addCloser("headless", func() error { renderer.Close(); return nil })
	promoter := headlessdetector.NewHeuristic(a.cfg.Headless.PromotionThreshold, a.cfg.Headless.Selectors, a.cfg.Headless.Keywords)
	return fetcher.NewPipeline(probe, a.logger, fetcher.WithRenderer(renderer, promoter)), nil
}

func (a *App) newSender() (email.Sender, error) {
	if a.cfg.SMTP.Host == "" {
		a.logger.Warn("smtp.host not set, emails are logged instead of sent")
		return email.NewLogSender(a.logger), nil
	}
	sender, err := email.NewSMTPSender(email.SMTPConfig{
		Host:     a.cfg.SMTP.Host,
		Port:     a.cfg.SMTP.Port,
		Username: a.cfg.SMTP.Username,
		Password: a.cfg.SMTP.Password,
		From:     a.cfg.SMTP.From,
		FromName: a.cfg.SMTP.FromName,
		Timeout:  a.cfg.SMTP.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("configure smtp: %w", err)
	}
	return sender, nil
}

const redisPingTimeout = 5 * time.Second

func (a *App) newCounter(ctx context.Context) (window.Counter, error) {
	rl := a.cfg.RateLimit
	if a.cfg.Redis.Addr == "" {
		return window.NewMemory(rl.Requests, rl.Window), nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     a.cfg.Redis.Addr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	a.addCloser("redis", client.Close)
	return window.NewRedis(client, "marketpulse:ratelimit", rl.Requests, rl.Window), nil
}

func (a *App) addCloser(name string, fn func() error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

// Store exposes the configured store.
func (a *App) Store() pulse.Store {
	return a.store
}

// Handler returns the HTTP handler.
func (a *App) Handler() http.Handler {
	return a.api.Handler()
}

type migrator interface {
	Migrate(ctx context.Context) error
}

// Migrate applies the embedded schema. The in-memory store needs none.
func (a *App) Migrate(ctx context.Context) error {
	m, ok := a.store.(migrator)
	if !ok {
		a.logger.Info("store has no schema to migrate")
		return nil
	}
	if err := m.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	a.logger.Info("schema applied")
	return nil
}

// RunTask executes one task synchronously and returns its result.
func (a *App) RunTask(ctx context.Context, name string) (any, error) {
	switch name {
	case TaskSchedule:
		return a.scheduler.EnqueueJobs(ctx)
	case TaskCrawl:
		ctx, cancel := context.WithTimeout(ctx, a.cfg.Worker.BatchTimeout)
		defer cancel()
		return a.worker.ProcessQueueBatch(ctx, a.worker.BatchSize())
	case TaskEmail:
		ctx, cancel := context.WithTimeout(ctx, a.cfg.Email.BatchTimeout)
		defer cancel()
		return a.email.ProcessEmailQueue(ctx, a.email.BatchSize())
	case TaskDigest:
		return a.digest.Run(ctx)
	default:
		names := TaskNames()
		sort.Strings(names)
		return nil, fmt.Errorf("unknown task %q (want one of %v)", name, names)
	}
}

// Tasks returns the cron schedule of every task.
func (a *App) Tasks() []trigger.Task {
	specs := map[string]string{
		TaskSchedule: a.cfg.Cron.Scheduler,
		TaskCrawl:    a.cfg.Cron.Worker,
		TaskEmail:    a.cfg.Cron.EmailWorker,
		TaskDigest:   a.cfg.Cron.WeeklySummary,
	}
	tasks := make([]trigger.Task, 0, len(specs))
	for _, name := range TaskNames() {
		tasks = append(tasks, trigger.Task{
			Name: name,
			Spec: specs[name],
			Run: func(ctx context.Context) error {
				res, err := a.RunTask(ctx, name)
				if err != nil {
					return err
				}
				a.logger.Info("task completed", zap.String("task", name), zap.Any("result", res))
				return nil
			},
		})
	}
	return tasks
}

// Serve runs the HTTP server until ctx is done, then drains it.
func (a *App) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.Server.Addr(),
		Handler:           a.api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       a.cfg.Server.ReadTimeout,
		WriteTimeout:      a.cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}

// Close releases every backend in reverse order of opening.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(); err != nil {
			a.logger.Warn("close failed", zap.String("service", c.name), zap.Error(err))
		}
	}
	a.closers = nil
	if a.store != nil {
		a.store.Close()
	}
	_ = a.logger.Sync()
}
