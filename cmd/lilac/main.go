package main

import (
	"context"
	"log"
	"os"
	"time"

	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	lilac "github.com/lilac-dev/lilac"
	"github.com/lilac-dev/lilac/bus"
	"github.com/lilac-dev/lilac/event"
	"github.com/lilac-dev/lilac/githubauth"
	"github.com/lilac-dev/lilac/internal/app"
	"github.com/lilac-dev/lilac/internal/config"
	"github.com/lilac-dev/lilac/observer"
	"github.com/lilac-dev/lilac/store/postgres"
	"github.com/lilac-dev/lilac/store/sqlite"
	ghsurface "github.com/lilac-dev/lilac/surface/github"
	"github.com/lilac-dev/lilac/webhook"
)

func main() {
	// 1. Load config
	cfg := config.Load(os.Getenv("LILAC_CONFIG"))
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	// 2. Observability (optional)
	var inst *observer.Instruments
	if cfg.Observer.Enabled {
		var shutdown func(context.Context) error
		var err error
		inst, shutdown, err = observer.Init(context.Background())
		if err != nil {
			log.Fatalf("lilac: observer: %v", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(ctx); err != nil {
				logger.Error("observer shutdown", "error", err)
			}
		}()
	}

	// 3. Bus over Redis streams
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	var poolOpts []bus.PoolOption
	if cfg.Bus.PoolMin > 0 && cfg.Bus.PoolCap > 0 {
		poolOpts = append(poolOpts, bus.WithPoolBounds(cfg.Bus.PoolMin, cfg.Bus.PoolCap))
	}
	if cfg.Bus.PoolWarm > 0 {
		poolOpts = append(poolOpts, bus.WithPoolWarm(cfg.Bus.PoolWarm))
	}
	poolOpts = append(poolOpts, bus.WithPoolLogger(logger))
	pool := bus.NewPool(client, poolOpts...)
	defer pool.Close()

	busOpts := []bus.Option{bus.WithPrefix(cfg.Bus.Prefix), bus.WithLogger(logger)}
	if inst != nil {
		busOpts = append(busOpts,
			bus.WithPublishHook(inst.RecordBusPublish),
			bus.WithDeliveryHook(inst.RecordBusDelivery),
			bus.WithAckHook(inst.RecordBusAck),
		)
	}
	raw := bus.New(client, pool, busOpts...)
	events := event.New(raw, event.WithLogger(logger))

	// 4. Transcript store
	store, err := openStore(&cfg, logger)
	if err != nil {
		log.Fatalf("lilac: store: %v", err)
	}

	// 5. GitHub App identity and token minting
	identity, err := githubauth.LoadIdentity(cfg.GitHub.ConfigDir)
	if err != nil {
		log.Fatalf("lilac: identity: %v", err)
	}
	minterOpts := []githubauth.Option{githubauth.WithLogger(logger)}
	if inst != nil {
		minterOpts = append(minterOpts, githubauth.WithMintHook(inst.RecordTokenMint))
	}
	minter := githubauth.NewMinter(minterOpts...)
	tokens := func(ctx context.Context) (string, error) {
		tok, err := minter.GetToken(ctx, cfg.GitHub.ConfigDir)
		if err != nil {
			return "", err
		}
		return tok.Token, nil
	}
	gh := webhook.NewClient(identity.APIBaseURL, tokens, nil)

	// 6. Assemble and run
	lilacApp := app.New(&cfg, app.Deps{
		Events:      events,
		Pool:        pool,
		Store:       store,
		GitHub:      gh,
		Surface:     ghsurface.New(gh, ghsurface.WithLogger(logger)),
		Agent:       newAgent(&cfg, store),
		Identity:    identity,
		Logger:      logger,
		Instruments: inst,
	})
	if err := lilacApp.RunWithSignal(); err != nil {
		log.Fatalf("lilac: %v", err)
	}
}

// openStore selects the transcript store backend from config.
func openStore(cfg *config.Config, logger *slog.Logger) (lilac.Store, error) {
	if cfg.Store.Backend == "postgres" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		pool, err := pgxpool.New(ctx, cfg.Store.PostgresDSN)
		if err != nil {
			return nil, err
		}
		return postgres.New(pool, postgres.WithLogger(logger)), nil
	}
	return sqlite.New(cfg.Store.Path, sqlite.WithLogger(logger)), nil
}
