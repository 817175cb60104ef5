package main

import (
	"context"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/rs/zerolog/log"

	"walktrack.dev/walktrack/internal/auth"
	"walktrack.dev/walktrack/internal/config"
	"walktrack.dev/walktrack/internal/store/impl/pgstore"
)

// initdb creates the schema without starting the service, for fresh
// deployments and migrations run from CI.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("loading configuration")
	}
	ctx := context.Background()
	pool, err := pgxpool.Connect(ctx, cfg.DBURL)
	if err != nil {
		log.Fatal().Err(err).Msg("connecting to database")
	}
	defer pool.Close()

	st := pgstore.NewStore(pool, pgstore.StoreConfig{
		ChunkInterval:  cfg.Store.ChunkInterval,
		CompressAfter:  cfg.Store.CompressAfter,
		RetainFor:      cfg.Store.RetainFor,
		BatchChunkSize: cfg.Store.BatchChunkSize,
	})
	if err := st.InitSchema(ctx); err != nil {
		log.Fatal().Err(err).Msg("initializing location schema")
	}

	v, err := auth.NewPGValidator(pool, auth.AuthConfig{
		TokenTTL:  cfg.Auth.TokenTTL,
		ShareSalt: cfg.Auth.ShareSalt,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("creating session validator")
	}
	if err := v.InitSchema(ctx); err != nil {
		log.Fatal().Err(err).Msg("initializing token schema")
	}
	log.Info().Msg("schema ready")
}
