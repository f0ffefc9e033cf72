// Package app assembles the platform: webhook ingress, request cache,
// worker, and output relay over one event bus, with lifecycle management
// for the whole set.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	lilac "github.com/lilac-dev/lilac"
	"github.com/lilac-dev/lilac/bus"
	"github.com/lilac-dev/lilac/event"
	"github.com/lilac-dev/lilac/githubauth"
	"github.com/lilac-dev/lilac/internal/config"
	"github.com/lilac-dev/lilac/observer"
	"github.com/lilac-dev/lilac/relay"
	"github.com/lilac-dev/lilac/requestcache"
	"github.com/lilac-dev/lilac/webhook"
	"github.com/lilac-dev/lilac/worker"
)

// shutdownGrace bounds how long Run waits for in-flight webhook deliveries
// on shutdown.
const shutdownGrace = 10 * time.Second

// Deps holds injected dependencies for the App. The caller owns their
// construction; the App owns their lifecycle once Run starts.
type Deps struct {
	Events   *event.Bus
	Pool     *bus.Pool
	Store    lilac.Store
	GitHub   *webhook.Client
	Surface  lilac.Surface
	Agent    lilac.Agent
	Identity *githubauth.Identity
	Logger   *slog.Logger
	// Instruments, when non-nil, wraps the agent and wires counters into the
	// ingress and the request cache.
	Instruments *observer.Instruments
}

// App wires the event-driven request pipeline: the ingress mints requests,
// the cache accumulates their messages, workers run the agent, and the relay
// returns output to the surface.
type App struct {
	events   *event.Bus
	pool     *bus.Pool
	store    lilac.Store
	gh       *webhook.Client
	surface  lilac.Surface
	agent    lilac.Agent
	identity *githubauth.Identity
	logger   *slog.Logger
	inst     *observer.Instruments
	cfg      *config.Config

	server *webhook.Server
	relay  *relay.Relay
}

// New creates an App from config and dependencies.
func New(cfg *config.Config, deps Deps) *App {
	logger := deps.Logger
	if logger == nil {
		logger = lilac.NopLogger()
	}
	return &App{
		events:   deps.Events,
		pool:     deps.Pool,
		store:    deps.Store,
		gh:       deps.GitHub,
		surface:  deps.Surface,
		agent:    deps.Agent,
		identity: deps.Identity,
		logger:   logger,
		inst:     deps.Instruments,
		cfg:      cfg,
	}
}

// Run starts every component and blocks until ctx is cancelled, then shuts
// them down in reverse order: ingress first so no new requests are minted,
// workers last so in-flight runs can resolve.
func (a *App) Run(ctx context.Context) error {
	agent := a.agent
	if a.inst != nil {
		agent = observer.WrapAgent(agent, a.inst)
	}

	if err := a.store.Init(ctx); err != nil {
		return fmt.Errorf("app: store init: %w", err)
	}

	cacheOpts := []requestcache.Option{
		requestcache.WithTTL(time.Duration(a.cfg.Cache.TTLMins) * time.Minute),
		requestcache.WithMaxEntries(a.cfg.Cache.MaxEntries),
		requestcache.WithMaxMessagesPerRequest(a.cfg.Cache.MaxPerRequest),
		requestcache.WithLogger(a.logger),
	}
	if a.inst != nil {
		cacheOpts = append(cacheOpts, requestcache.WithEvictionHook(a.inst.RecordCacheEviction))
	}
	cache, err := requestcache.New(a.events, "app-"+lilac.NewID(), cacheOpts...)
	if err != nil {
		return fmt.Errorf("app: request cache: %w", err)
	}
	defer cache.Stop()

	serverOpts := []webhook.Option{
		webhook.WithAddr(a.cfg.Webhook.Addr),
		webhook.WithPath(a.cfg.Webhook.Path),
		webhook.WithTrigger(a.cfg.Webhook.Trigger),
		webhook.WithBotLogins(a.cfg.Webhook.BotLogins...),
		webhook.WithAppSlug(a.identity.AppSlug),
		webhook.WithStaleAfter(time.Duration(a.cfg.Webhook.StaleAfterMins) * time.Minute),
		webhook.WithLogger(a.logger),
	}
	if a.inst != nil {
		serverOpts = append(serverOpts,
			webhook.WithDeliveryHook(a.inst.RecordWebhookDelivery),
			webhook.WithDedupHook(a.inst.RecordDedupHit),
		)
	}
	srv, err := webhook.NewServer(a.events, a.gh, []byte(a.cfg.Webhook.Secret), serverOpts...)
	if err != nil {
		return fmt.Errorf("app: webhook server: %w", err)
	}
	a.server = srv

	a.relay = relay.New(a.events, a.surface,
		relay.WithLatest(srv.Latest),
		relay.WithLogger(a.logger),
	)
	stopDispatch, err := a.startDispatcher(ctx)
	if err != nil {
		return fmt.Errorf("app: dispatcher: %w", err)
	}
	defer stopDispatch()

	w := worker.New(a.events, agent,
		worker.WithCache(cache.Get),
		worker.WithStore(a.store),
		worker.WithWallClock(time.Duration(a.cfg.Worker.WallClockMins)*time.Minute),
		worker.WithRetention(a.cfg.Worker.Retention),
		worker.WithGroup(a.cfg.Worker.Group),
		worker.WithLogger(a.logger),
	)
	if err := w.Start(); err != nil {
		return fmt.Errorf("app: worker start: %w", err)
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.ListenAndServe()
	}()
	a.logger.Info("app running", "addr", a.cfg.Webhook.Addr, "agent", agent.Name())

	select {
	case err := <-serveErr:
		w.Stop()
		return fmt.Errorf("app: ingress: %w", err)
	case <-ctx.Done():
	}

	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
	defer cancel()

	var errs []error
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("ingress shutdown: %w", err))
	}
	w.Stop()
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}
	return errors.Join(errs...)
}

// RunWithSignal wraps Run with OS signal handling for graceful shutdown.
func (a *App) RunWithSignal() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	err := a.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
