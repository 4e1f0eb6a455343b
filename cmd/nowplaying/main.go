// Command nowplaying polls the music provider for every connected user's
// listening activity and pushes changes to their friends over WebSockets.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub"
	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-nowplaying/pkg/cache"
	"github.com/illmade-knight/go-nowplaying/pkg/changefeed"
	"github.com/illmade-knight/go-nowplaying/pkg/config"
	"github.com/illmade-knight/go-nowplaying/pkg/fanout"
	"github.com/illmade-knight/go-nowplaying/pkg/microservice"
	"github.com/illmade-knight/go-nowplaying/pkg/poller"
	"github.com/illmade-knight/go-nowplaying/pkg/provider/spotify"
	"github.com/illmade-knight/go-nowplaying/pkg/registry"
	"github.com/illmade-knight/go-nowplaying/pkg/storage/postgres"
	"github.com/illmade-knight/go-nowplaying/pkg/storage/postgres/migrate"
	"github.com/illmade-knight/go-nowplaying/pkg/transport/wsgateway"
)

var envChecks = []microservice.EnvCheck{
	{Name: "DATABASE_URL", Secret: true},
	{Name: "REDIS_URL", Secret: true},
	{Name: "REDIS_PRIVATE_URL", Secret: true},
	{Name: "JWT_SECRET", Secret: true},
	{Name: "SPOTIFY_CLIENT_ID", Secret: true},
	{Name: "SPOTIFY_CLIENT_SECRET", Secret: true},
	{Name: "FRONTEND_URL"},
	{Name: "PORT"},
	{Name: "POLL_INTERVAL"},
	{Name: "LOG_LEVEL"},
}

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("Service exited with error.")
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if cfg.LogFormat == "console" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stdout)
	}
	return logger.Level(level).With().Timestamp().Str("service", "nowplaying").Logger()
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := postgres.Open(ctx, cfg.Database.URL, postgres.PoolConfig{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return err
	}
	defer closeDB(db, logger)

	if cfg.Database.AutoMigrate {
		if err := migrate.Run(db, logger); err != nil {
			return err
		}
	}

	store, closeFirestore, err := newStateStore(ctx, cfg, logger)
	if err != nil {
		return err
	}

	reg := registry.New(logger)
	friends, err := fanout.NewCachedFriends(postgres.NewFriendshipStore(db), cfg.Fanout.FriendCacheSize, cfg.Fanout.FriendCacheTTL)
	if err != nil {
		return fmt.Errorf("creating friend cache: %w", err)
	}
	broadcaster := fanout.NewBroadcaster(friends, reg, fanout.BroadcasterConfig{SendTimeout: cfg.Fanout.SendTimeout}, logger)
	session := fanout.NewSession(reg, friends, store, fanout.SessionConfig{
		KeyPrefix:   cfg.Poller.KeyPrefix,
		SendTimeout: cfg.Fanout.SendTimeout,
	}, logger)

	spotifyClient, err := spotify.NewClient(spotify.Config{BaseURL: cfg.Spotify.BaseURL, Timeout: cfg.Spotify.Timeout})
	if err != nil {
		return err
	}

	var opts []poller.Option
	var publisher *changefeed.Publisher
	var psClient *pubsub.Client
	if cfg.Changefeed.TopicID != "" {
		psClient, err = pubsub.NewClient(ctx, cfg.Changefeed.ProjectID)
		if err != nil {
			return fmt.Errorf("creating pubsub client: %w", err)
		}
		publisher, err = changefeed.NewPublisher(ctx, psClient, cfg.Changefeed.TopicID, logger)
		if err != nil {
			_ = psClient.Close()
			return err
		}
		opts = append(opts, poller.WithChangeSink(publisher))
	}

	p, err := poller.New(poller.Config{
		Interval:        cfg.Poller.Interval,
		Workers:         cfg.Poller.Workers,
		FetchTimeout:    cfg.Poller.FetchTimeout,
		TTL:             cfg.Poller.TTL,
		KeyPrefix:       cfg.Poller.KeyPrefix,
		RefreshProfiles: *cfg.Poller.RefreshProfiles,
	}, postgres.NewIdentityStore(db), spotifyClient, store, reg, broadcaster, logger, opts...)
	if err != nil {
		return err
	}

	gateway := wsgateway.New(wsgateway.NewAuthenticator(cfg.Server.JWTSecret), session, wsgateway.Config{
		Conn: wsgateway.ConnConfig{
			SendBuffer:   cfg.Server.SendBuffer,
			WriteWait:    cfg.Server.WriteWait,
			PingInterval: cfg.Server.PingInterval,
		},
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}, logger)

	server := microservice.NewBaseServer(logger, cfg.Server.HTTPPort)
	server.Mux().Handle("/ws", gateway)
	server.HandleStatus(func() map[string]any {
		return map[string]any{
			"connections":   reg.Len(),
			"stateBackend":  cfg.StateStore.Backend,
			"stateDegraded": store.Degraded(),
			"pollInterval":  cfg.Poller.Interval.String(),
		}
	})
	server.HandleEnvReport(envChecks)

	if err := server.Start(); err != nil {
		return err
	}
	if err := p.Start(ctx); err != nil {
		return err
	}
	logger.Info().Str("port", server.GetHTTPPort()).Msg("Now-playing service running.")

	<-ctx.Done()
	logger.Info().Msg("Shutdown signal received.")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown incomplete.")
	}
	if err := p.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Poller shutdown incomplete.")
	}
	reg.CloseAll()
	if publisher != nil {
		if err := publisher.Stop(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Change feed shutdown incomplete.")
		}
		_ = psClient.Close()
	}
	if err := store.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close state store.")
	}
	if closeFirestore != nil {
		closeFirestore()
	}
	logger.Info().Msg("Shutdown complete.")
	return nil
}

// newStateStore builds the shared store behind an in-process fallback. An
// unreachable shared store is not fatal: the service runs on the local store.
func newStateStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*cache.FallbackStateStore, func(), error) {
	local := cache.NewInMemoryStateStore()
	connectCtx, cancel := context.WithTimeout(ctx, cfg.StateStore.ConnectTimeout)
	defer cancel()

	switch cfg.StateStore.Backend {
	case config.BackendRedis:
		rc := cfg.StateStore.Redis
		primary, err := cache.NewRedisStateStore(connectCtx, &cache.RedisConfig{
			URL:      rc.URL,
			Addr:     rc.Addr,
			Password: rc.Password,
			DB:       rc.DB,
		}, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("Redis unavailable, running on the in-process store only.")
			return cache.NewFallbackStateStore(nil, local, logger), nil, nil
		}
		return cache.NewFallbackStateStore(primary, local, logger), nil, nil

	case config.BackendFirestore:
		fc := cfg.StateStore.Firestore
		client, err := firestore.NewClient(connectCtx, fc.ProjectID)
		if err != nil {
			logger.Warn().Err(err).Msg("Firestore unavailable, running on the in-process store only.")
			return cache.NewFallbackStateStore(nil, local, logger), nil, nil
		}
		primary, err := cache.NewFirestoreStateStore(&cache.FirestoreConfig{
			ProjectID:      fc.ProjectID,
			CollectionName: fc.Collection,
		}, client, logger)
		if err != nil {
			_ = client.Close()
			_ = local.Close()
			return nil, nil, err
		}
		return cache.NewFallbackStateStore(primary, local, logger), func() { _ = client.Close() }, nil

	default:
		logger.Info().Msg("Using the in-process state store.")
		return cache.NewFallbackStateStore(nil, local, logger), nil, nil
	}
}

func closeDB(db *sql.DB, logger zerolog.Logger) {
	if err := db.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close database.")
	}
}
