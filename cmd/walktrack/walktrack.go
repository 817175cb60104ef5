package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	proxyproto "github.com/pires/go-proxyproto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"walktrack.dev/walktrack/internal/auth"
	"walktrack.dev/walktrack/internal/config"
	"walktrack.dev/walktrack/internal/event"
	"walktrack.dev/walktrack/internal/pubsub"
	"walktrack.dev/walktrack/internal/scheduler"
	"walktrack.dev/walktrack/internal/store"
	"walktrack.dev/walktrack/internal/store/impl/logstore"
	"walktrack.dev/walktrack/internal/store/impl/pgstore"
	"walktrack.dev/walktrack/internal/track"
	"walktrack.dev/walktrack/internal/web"
	"walktrack.dev/walktrack/internal/webstream"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := log.With().Str("module", "main").Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("loading configuration")
	}

	ctx := context.Background()
	var st store.LocationStore
	var pool *pgxpool.Pool
	if cfg.Store.Driver == "log" {
		st = logstore.NewStore()
	} else {
		pool, err = pgxpool.Connect(ctx, cfg.DBURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("connecting to database")
		}
		defer pool.Close()
		pg := pgstore.NewStore(pool, pgstore.StoreConfig{
			ChunkInterval:  cfg.Store.ChunkInterval,
			CompressAfter:  cfg.Store.CompressAfter,
			RetainFor:      cfg.Store.RetainFor,
			BatchChunkSize: cfg.Store.BatchChunkSize,
		})
		if err := pg.InitSchema(ctx); err != nil {
			logger.Fatal().Err(err).Msg("initializing location schema")
		}
		st = pg
	}

	bus, err := event.NewBus()
	if err != nil {
		logger.Fatal().Err(err).Msg("creating event bus")
	}

	var validator auth.SessionValidator
	var minter web.TokenMinter
	if cfg.Auth.Mock || pool == nil {
		validator = &auth.MockValidator{Allow: true}
	} else {
		pgv, err := auth.NewPGValidator(pool, auth.AuthConfig{
			TokenTTL:  cfg.Auth.TokenTTL,
			ShareSalt: cfg.Auth.ShareSalt,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("creating session validator")
		}
		if err := pgv.InitSchema(ctx); err != nil {
			logger.Fatal().Err(err).Msg("initializing token schema")
		}
		validator = pgv
		minter = pgv
	}

	registry := track.NewRegistry()
	svc := track.NewService(registry, st, nil, bus, track.ServiceConfig(cfg.Service))

	streamServer := webstream.NewServer(svc, validator, webstream.StreamConfig{
		ListenAddr:     cfg.Stream.ListenAddr,
		MaxConnections: cfg.Stream.MaxConnections,
		ReadLimit:      cfg.Stream.ReadLimit,
		PongWait:       cfg.Stream.PongWait,
		PingPeriod:     cfg.Stream.PingPeriod,
		WriteWait:      cfg.Stream.WriteWait,
		PushBuffer:     cfg.Stream.PushBuffer,
	})

	// live updates fan out to stream subscribers and, when configured, to
	// the broker for external consumers
	publishers := pubsub.Multi{streamServer}
	if cfg.NATSURL != "" {
		np, err := pubsub.NewNATSPublisher(cfg.NATSURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("connecting to nats")
		}
		defer np.Close()
		publishers = append(publishers, np)
	}
	svc.SetPublisher(publishers)

	apiServer := web.NewServer(cfg.HTTPAddr, svc, st, minter, validator)
	if pgv, ok := validator.(*auth.PGValidator); ok {
		apiServer.SetShareCoder(pgv)
	}

	sched := scheduler.New(nil)
	sched.Every("retention", cfg.Jobs.RetentionEvery, func(ctx context.Context) {
		if err := st.ManageRetention(ctx); err != nil {
			logger.Err(err).Msg("retention job failed")
		}
	})
	sched.Every("health-sweep", cfg.Jobs.HealthSweepEvery, func(ctx context.Context) {
		svc.SweepHealth(ctx)
	})
	sched.Start()

	go func() {
		if err := apiServer.Run(); err != nil {
			logger.Fatal().Err(err).Msg("api server failed")
		}
	}()
	go func() {
		if cfg.Stream.ProxyProtocol {
			ln, err := net.Listen("tcp", cfg.Stream.ListenAddr)
			if err != nil {
				logger.Fatal().Err(err).Msg("stream listener failed")
			}
			pln := &proxyproto.Listener{Listener: ln}
			if err := streamServer.Serve(pln); err != nil {
				logger.Fatal().Err(err).Msg("stream server failed")
			}
		} else {
			if err := streamServer.Run(); err != nil {
				logger.Fatal().Err(err).Msg("stream server failed")
			}
		}
	}()
	if cfg.Tunnel.Enabled {
		go streamServer.RunTunnel(webstream.TunnelConfig{
			Enabled:    true,
			Addr:       cfg.Tunnel.Addr,
			Token:      cfg.Tunnel.Token,
			RedialWait: cfg.Tunnel.RedialWait,
		})
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	sched.Stop()
	if err := streamServer.Shutdown(shutdownCtx); err != nil {
		logger.Err(err).Msg("stream shutdown")
	}
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Err(err).Msg("api shutdown")
	}
}
