// Package app is the composition root of the bookstore service. It builds
// every component from a config.Config and runs them until the context ends.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awssns "github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/aalmada/BookStore-sub002"
	"github.com/aalmada/BookStore-sub002/adapters"
	"github.com/aalmada/BookStore-sub002/adapters/memory"
	"github.com/aalmada/BookStore-sub002/adapters/postgres"
	"github.com/aalmada/BookStore-sub002/api"
	"github.com/aalmada/BookStore-sub002/cache/lrucache"
	"github.com/aalmada/BookStore-sub002/catalog"
	"github.com/aalmada/BookStore-sub002/cli/config"
	"github.com/aalmada/BookStore-sub002/logging"
	"github.com/aalmada/BookStore-sub002/middleware/metrics"
	"github.com/aalmada/BookStore-sub002/middleware/tracing"
	"github.com/aalmada/BookStore-sub002/outbox/kafka"
	"github.com/aalmada/BookStore-sub002/outbox/sns"
	"github.com/aalmada/BookStore-sub002/outbox/webhook"
	"github.com/aalmada/BookStore-sub002/realtime"
	"github.com/aalmada/BookStore-sub002/serializer/msgpack"
	"github.com/aalmada/BookStore-sub002/serializer/protobuf"
)

// App holds the wired components of one bookstore process.
type App struct {
	Config    *config.Config
	Logger    bookstore.Logger
	Store     *bookstore.EventStore
	Tenants   *bookstore.TenantRegistry
	Bus       *bookstore.CommandBus
	Engine    *bookstore.ProjectionEngine
	Rebuilder *bookstore.ProjectionRebuilder
	Scheduler *bookstore.Scheduler
	Catalog   *catalog.Repositories
	Server    *api.Server

	// Hub is nil unless realtime notifications are enabled.
	Hub *realtime.Hub

	// Outbox is nil unless notification routes are configured.
	Outbox *bookstore.OutboxProcessor

	// Metrics is nil unless metrics are enabled.
	Metrics  *metrics.Metrics
	Registry *prometheus.Registry

	initializers    []func(context.Context) error
	closers         []func() error
	shutdownTracing func(context.Context) error
}

// Option configures New.
type Option func(*options)

type options struct {
	logOutput   io.Writer
	traceOutput io.Writer
	snsClient   sns.Client
}

// WithLogOutput sends log records to w instead of stderr.
func WithLogOutput(w io.Writer) Option {
	return func(o *options) {
		o.logOutput = w
	}
}

// WithTraceOutput sends exported spans to w instead of stdout.
func WithTraceOutput(w io.Writer) Option {
	return func(o *options) {
		o.traceOutput = w
	}
}

// WithSNSClient replaces the SNS client built from the configuration.
func WithSNSClient(client sns.Client) Option {
	return func(o *options) {
		o.snsClient = client
	}
}

// storage groups the adapters of one database driver.
type storage struct {
	events      adapters.EventStoreAdapter
	documents   adapters.ProjectionStoreAdapter
	schedules   adapters.ScheduleStore
	outbox      adapters.OutboxStore
	idempotency adapters.IdempotencyStore
}

// New validates cfg and wires the application. Nothing runs until Run.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	if problems := cfg.Validate(); len(problems) > 0 {
		return nil, fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}

	o := options{traceOutput: os.Stdout}
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{
		Config: cfg,
		Logger: logging.New(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format, Output: o.logOutput}),
	}
	if err := a.build(ctx, o); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, o options) error {
	cfg := a.Config

	var tracer *tracing.Tracer
	if cfg.Tracing.Enabled {
		shutdown, err := tracing.Setup(tracing.SetupConfig{
			ServiceName: cfg.Service,
			Output:      o.traceOutput,
			SampleRatio: cfg.Tracing.SampleRatio,
		})
		if err != nil {
			return err
		}
		a.shutdownTracing = shutdown
		tracer = tracing.NewTracer(tracing.WithServiceName(cfg.Service))
	}

	st, err := a.openStorage(ctx)
	if err != nil {
		return err
	}

	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		a.Metrics = metrics.New(metrics.WithNamespace(cfg.Metrics.Namespace), metrics.WithMetricsServiceName(cfg.Service))
		a.Registry = prometheus.NewRegistry()
		a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		if err := a.Metrics.Register(a.Registry); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
		st.events = a.Metrics.WrapEventStore(st.events)
		metricsHandler = promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{})
	}
	if tracer != nil {
		st.events = tracing.NewEventStoreMiddleware(st.events, tracer)
	}

	a.Store = bookstore.New(st.events, bookstore.WithSerializer(newSerializer(cfg.EventStore.Serializer)), bookstore.WithLogger(a.Logger))
	a.closers = append(a.closers, a.Store.Close)
	a.Store.RegisterEvents(catalog.Events()...)
	a.Tenants = bookstore.NewTenantRegistry(a.Store)

	registry := bookstore.NewHandlerRegistry()
	if err := catalog.RegisterHandlers(registry, a.Store); err != nil {
		return err
	}
	if err := registry.Validate(catalog.Commands()...); err != nil {
		return err
	}

	var cache bookstore.Cache
	if cfg.Cache.Size > 0 {
		cache = lrucache.New(cfg.Cache.Size)
	}

	notifier, err := a.notifiers(st.outbox, o)
	if err != nil {
		return err
	}

	tags := catalog.Tags()
	if err := tags.Validate(catalog.ProjectionNames()...); err != nil {
		return err
	}
	coordinatorOpts := []bookstore.CoordinatorOption{bookstore.WithCoordinatorLogger(a.Logger)}
	if a.Metrics != nil {
		coordinatorOpts = append(coordinatorOpts, bookstore.WithCoordinatorMetrics(a.Metrics))
	}
	var observer bookstore.BatchObserver = bookstore.NewPostCommitCoordinator(cache, notifier, tags, coordinatorOpts...)
	if tracer != nil {
		observer = tracing.TraceBatchObserver(observer, tracer)
	}

	engineOpts := []bookstore.ProjectionEngineOption{
		bookstore.WithBatchObserver(observer),
		bookstore.WithProjectionLogger(a.Logger),
		bookstore.WithProjectionOptions(bookstore.ProjectionOptions{
			BatchSize:    cfg.Projections.BatchSize,
			PollInterval: cfg.Projections.PollInterval,
			MaxBackoff:   cfg.Projections.MaxBackoff,
		}),
	}
	rebuilderOpts := []bookstore.ProjectionRebuilderOption{
		bookstore.WithRebuilderBatchSize(cfg.Projections.BatchSize),
		bookstore.WithRebuilderLogger(a.Logger),
	}
	schedulerOpts := []bookstore.SchedulerOption{
		bookstore.WithSchedulerOptions(bookstore.SchedulerOptions{
			PollInterval: cfg.Scheduler.PollInterval,
			BatchSize:    cfg.Scheduler.BatchSize,
			MaxAttempts:  cfg.Scheduler.MaxAttempts,
			Lease:        cfg.Scheduler.Lease,
		}),
		bookstore.WithSchedulerLogger(a.Logger),
	}
	if a.Metrics != nil {
		engineOpts = append(engineOpts, bookstore.WithProjectionMetrics(a.Metrics))
		rebuilderOpts = append(rebuilderOpts, bookstore.WithRebuilderMetrics(a.Metrics))
		schedulerOpts = append(schedulerOpts, bookstore.WithSchedulerMetrics(a.Metrics))
	}

	a.Engine = bookstore.NewProjectionEngine(a.Store, st.documents, engineOpts...)
	for _, p := range catalog.Projections() {
		if err := a.Engine.Register(p); err != nil {
			return err
		}
	}
	if cache != nil {
		rebuilderOpts = append(rebuilderOpts, bookstore.WithRebuilderCache(cache))
	}
	a.Rebuilder = bookstore.NewProjectionRebuilder(a.Engine, rebuilderOpts...)

	// The scheduler dispatches through the bus and the bus schedules
	// follow-ups through the scheduler.
	a.Scheduler = bookstore.NewScheduler(st.schedules,
		bookstore.DispatcherFunc(func(ctx context.Context, env bookstore.Envelope) (bookstore.CommandResult, error) {
			return a.Bus.Dispatch(ctx, env)
		}),
		registry,
		schedulerOpts...,
	)

	middleware := []bookstore.Middleware{bookstore.RecoveryMiddleware()}
	if a.Metrics != nil {
		middleware = append(middleware, a.Metrics.CommandMiddleware())
	}
	if tracer != nil {
		middleware = append(middleware, tracing.CommandMiddleware(tracer))
	}
	middleware = append(middleware,
		bookstore.CorrelationIDMiddleware(nil),
		bookstore.CausationIDMiddleware(),
		bookstore.NewLoggingMiddleware(a.Logger).Middleware(),
		bookstore.ValidationMiddleware(),
	)
	middleware = append(middleware, idempotencyMiddleware(st.idempotency, a.Logger)...)
	if cfg.Server.CommandTimeout > 0 {
		middleware = append(middleware, bookstore.TimeoutMiddleware(cfg.Server.CommandTimeout))
	}
	middleware = append(middleware, bookstore.ConflictRetryMiddleware(bookstore.DefaultRetryConfig()))
	a.Bus = bookstore.NewCommandBus(
		bookstore.WithHandlerRegistry(registry),
		bookstore.WithCommandScheduler(a.Scheduler),
		bookstore.WithMiddleware(middleware...),
		bookstore.WithBusLogger(a.Logger),
	)

	a.Catalog = catalog.NewRepositories(a.Engine, cache, cfg.Cache.TTL)

	deps := api.Dependencies{
		Dispatcher: a.Bus,
		Catalog:    a.Catalog,
		Engine:     a.Engine,
		Rebuilder:  a.Rebuilder,
		Scheduler:  a.Scheduler,
		Tenants:    a.Tenants,
		Metrics:    metricsHandler,
	}
	if a.Hub != nil {
		deps.Realtime = a.Hub
	}
	a.Server = api.New(deps,
		api.WithLogger(a.Logger),
		api.WithCORS(cfg.Server.CORSOrigins...),
		api.WithAdminToken(cfg.Server.AdminToken),
		api.WithDebug(strings.EqualFold(cfg.Logging.Level, "debug")),
	)
	return nil
}

func (a *App) openStorage(ctx context.Context) (*storage, error) {
	cfg := a.Config
	switch cfg.Database.Driver {
	case "memory":
		idempotency := memory.NewIdempotencyStore()
		a.closers = append(a.closers, idempotency.Close)
		return &storage{
			events:      memory.NewAdapter(),
			documents:   memory.NewProjectionStore(),
			schedules:   memory.NewScheduleStore(),
			outbox:      memory.NewOutboxStore(memory.WithDefaultMaxAttempts(cfg.Notifications.Outbox.MaxRetries)),
			idempotency: idempotency,
		}, nil

	case "postgres":
		pg, err := postgres.NewAdapter(cfg.DatabaseURL(),
			postgres.WithSchema(cfg.Database.Schema),
			postgres.WithMaxConnections(cfg.Database.MaxConnections),
		)
		if err != nil {
			return nil, err
		}
		if err := pg.Ping(ctx); err != nil {
			_ = pg.Close()
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		documents := postgres.NewProjectionStoreFromAdapter(pg)
		schedules := postgres.NewScheduleStoreFromAdapter(pg)
		outbox := postgres.NewOutboxStoreFromAdapter(pg, postgres.WithOutboxMaxAttempts(cfg.Notifications.Outbox.MaxRetries))
		idempotency := postgres.NewIdempotencyStoreFromAdapter(pg)
		a.initializers = append(a.initializers,
			documents.Initialize,
			schedules.Initialize,
			outbox.Initialize,
			idempotency.Initialize,
		)
		return &storage{
			events:      pg,
			documents:   documents,
			schedules:   schedules,
			outbox:      outbox,
			idempotency: idempotency,
		}, nil
	}
	return nil, fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
}

func newSerializer(name string) bookstore.Serializer {
	switch name {
	case "msgpack":
		return msgpack.NewSerializer()
	case "protobuf":
		return protobuf.NewSerializer()
	}
	return bookstore.NewJSONSerializer()
}

// notifiers builds the realtime hub and the outbox routes. It returns nil
// when neither is configured.
func (a *App) notifiers(store adapters.OutboxStore, o options) (bookstore.Notifier, error) {
	cfg := a.Config.Notifications
	var notifiers bookstore.Notifiers

	if cfg.Realtime {
		a.Hub = realtime.NewHub(
			realtime.WithTenantResolver(bookstore.RegisteredTenantResolver{
				Resolver: bookstore.HeaderTenantResolver{},
				Registry: a.Tenants,
			}),
			realtime.WithLogger(a.Logger),
			realtime.WithCheckOrigin(originChecker(a.Config.Server.CORSOrigins)),
		)
		notifiers = append(notifiers, a.Hub)
	}

	if len(cfg.Routes) > 0 {
		routes := make([]bookstore.OutboxRoute, 0, len(cfg.Routes))
		prefixes := make(map[string]bool)
		for _, r := range cfg.Routes {
			routes = append(routes, bookstore.OutboxRoute{
				Entities:    r.Entities,
				Destination: r.Destination,
				Encode:      notificationEncoder(r.Format),
			})
			prefix, _, _ := strings.Cut(r.Destination, ":")
			prefixes[prefix] = true
		}
		notifiers = append(notifiers, bookstore.NewOutboxNotifier(store, routes,
			bookstore.WithOutboxLogger(a.Logger),
			bookstore.WithOutboxMaxAttempts(cfg.Outbox.MaxRetries),
		))

		processorOpts := []bookstore.ProcessorOption{
			bookstore.WithBatchSize(cfg.Outbox.BatchSize),
			bookstore.WithPollInterval(cfg.Outbox.PollInterval),
			bookstore.WithMaxRetries(cfg.Outbox.MaxRetries),
			bookstore.WithProcessorLogger(a.Logger),
		}
		if a.Metrics != nil {
			processorOpts = append(processorOpts, bookstore.WithOutboxMetrics(a.Metrics))
		}
		if prefixes["kafka"] {
			kafkaOpts := []kafka.Option{kafka.WithBrokers(cfg.Kafka.Brokers...)}
			if cfg.Kafka.TenantTopics {
				kafkaOpts = append(kafkaOpts, kafka.WithTenantTopics())
			}
			publisher := kafka.New(kafkaOpts...)
			a.closers = append(a.closers, publisher.Close)
			processorOpts = append(processorOpts, bookstore.WithPublisher(publisher))
		}
		if prefixes["sns"] {
			client := o.snsClient
			if client == nil {
				client = newSNSClient(cfg.SNS)
			}
			processorOpts = append(processorOpts, bookstore.WithPublisher(sns.New(sns.WithClient(client))))
		}
		if prefixes["webhook"] {
			webhookOpts := []webhook.Option{webhook.WithTimeout(cfg.Webhook.Timeout)}
			if cfg.Webhook.SigningSecret != "" {
				webhookOpts = append(webhookOpts, webhook.WithSigningSecret(cfg.Webhook.SigningSecret))
			}
			processorOpts = append(processorOpts, bookstore.WithPublisher(webhook.New(webhookOpts...)))
		}
		a.Outbox = bookstore.NewOutboxProcessor(store, processorOpts...)
	}

	if len(notifiers) == 0 {
		return nil, nil
	}
	return notifiers, nil
}

func notificationEncoder(format string) func(bookstore.EntityChanged) ([]byte, error) {
	switch format {
	case "protobuf":
		return protobuf.EncodeNotification
	case "msgpack":
		return msgpack.EncodeNotification
	}
	return nil
}

// newSNSClient builds an SNS client with credentials from the standard
// AWS environment variables.
func newSNSClient(cfg config.SNSConfig) *awssns.Client {
	opts := awssns.Options{
		Region: cfg.Region,
		Credentials: aws.NewCredentialsCache(aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
			creds := aws.Credentials{
				AccessKeyID:     os.Getenv("AWS_ACCESS_KEY_ID"),
				SecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
				SessionToken:    os.Getenv("AWS_SESSION_TOKEN"),
				Source:          "environment",
			}
			if !creds.HasKeys() {
				return aws.Credentials{}, errors.New("AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY are not set")
			}
			return creds, nil
		})),
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	return awssns.New(opts)
}

// originChecker allows websocket upgrades from the configured CORS origins.
// With none configured only same-host requests are allowed.
func originChecker(origins []string) func(r *http.Request) bool {
	if len(origins) == 0 {
		return nil
	}
	allowed := make(map[string]bool, len(origins))
	for _, origin := range origins {
		if origin == "*" {
			return func(*http.Request) bool { return true }
		}
		allowed[origin] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || allowed[origin]
	}
}

// Migrate creates the event store, projection, schedule, outbox and
// idempotency schema.
func (a *App) Migrate(ctx context.Context) error {
	if err := a.Store.Initialize(ctx); err != nil {
		return fmt.Errorf("migrate event store: %w", err)
	}
	for _, initialize := range a.initializers {
		if err := initialize(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// LoadTenants adds every registered tenant to the projection engine.
func (a *App) LoadTenants(ctx context.Context) error {
	ids, err := a.Tenants.IDs(ctx)
	if err != nil {
		return fmt.Errorf("load tenants: %w", err)
	}
	for _, id := range ids {
		if err := a.Engine.AddTenant(id); err != nil {
			return err
		}
	}
	a.Logger.Info("Tenants loaded", "count", len(ids))
	return nil
}

// Run starts the background workers and serves HTTP until ctx is done,
// then shuts everything down within the configured timeout.
func (a *App) Run(ctx context.Context) error {
	if err := a.LoadTenants(ctx); err != nil {
		return err
	}
	if err := a.Engine.Start(ctx); err != nil {
		return err
	}
	if a.Config.Scheduler.Enabled {
		if err := a.Scheduler.Start(ctx); err != nil {
			return err
		}
	}
	if a.Outbox != nil {
		if err := a.Outbox.Start(ctx); err != nil {
			return err
		}
	}

	srv := &http.Server{
		Addr:              a.Config.Server.Addr,
		Handler:           a.Server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.Logger.Info("HTTP server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.Config.Server.ShutdownTimeout)
		defer cancel()
		return a.shutdown(shutdownCtx, srv)
	})
	return g.Wait()
}

func (a *App) shutdown(ctx context.Context, srv *http.Server) error {
	a.Logger.Info("Shutting down")

	var errs []error
	if err := srv.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http server: %w", err))
	}
	if a.Hub != nil {
		errs = append(errs, a.Hub.Close())
	}

	rebuilds := make(chan struct{})
	go func() {
		a.Server.Wait()
		close(rebuilds)
	}()
	select {
	case <-rebuilds:
	case <-ctx.Done():
		a.Logger.Warn("Rebuilds still running at shutdown")
	}

	if a.Outbox != nil {
		errs = append(errs, a.Outbox.Stop(ctx))
	}
	errs = append(errs, a.Scheduler.Stop(ctx), a.Engine.Stop(ctx))
	return errors.Join(errs...)
}

// idempotencyMiddleware deduplicates commands by their client key. Sale
// commands fall back to a key derived from their content, so a retried sale
// request without a key is still applied once.
func idempotencyMiddleware(store adapters.IdempotencyStore, logger bookstore.Logger) []bookstore.Middleware {
	sales := catalog.SaleCommandTypes()

	byClientKey := bookstore.DefaultIdempotencyConfig(store)
	byClientKey.Logger = logger
	byClientKey.SkipCommands = sales

	byContent := bookstore.DefaultIdempotencyConfig(store)
	byContent.Logger = logger
	byContent.KeyGenerator = bookstore.ContentIdempotencyKey

	return []bookstore.Middleware{
		bookstore.IdempotencyMiddleware(byClientKey),
		bookstore.CommandTypeMiddleware(sales, bookstore.IdempotencyMiddleware(byContent)),
	}
}

// Close releases the stores, publishers and tracer provider.
func (a *App) Close() error {
	var errs []error
	if a.Bus != nil {
		errs = append(errs, a.Bus.Close())
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	if a.shutdownTracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		errs = append(errs, a.shutdownTracing(ctx))
		a.shutdownTracing = nil
	}
	return errors.Join(errs...)
}
