package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/phuslu/log"

	"walktrack.dev/walktrack/internal/track"
)

const (
	locationTable = "walk_locations"
	sessionTable  = "walk_sessions"

	// defaultBatchChunk rows per transaction on bulk writes. A failing
	// chunk aborts only its own transaction; earlier chunks stay
	// committed.
	defaultBatchChunk = 1000
	// maxRetries bounds transient-failure retries on single inserts.
	maxRetries = 3
)

var ErrAccuracyRange = errors.New("accuracy outside storable range")

type StoreConfig struct {
	// ChunkInterval is the hypertable time-partition width.
	ChunkInterval time.Duration
	// CompressAfter: chunks older than this are compressed.
	CompressAfter time.Duration
	// RetainFor: rows older than this are pruned.
	RetainFor time.Duration
	// BatchChunkSize overrides defaultBatchChunk when > 0.
	BatchChunkSize int
}

// Store is the time-partitioned repository over TimescaleDB. The
// hypertable, compression and retention calls degrade gracefully on plain
// PostgreSQL: the table still works, aging just becomes a plain DELETE.
type Store struct {
	db     *pgxpool.Pool
	config StoreConfig
	log    log.Logger
}

func NewStore(db *pgxpool.Pool, config StoreConfig) *Store {
	o := &Store{db: db}
	o.config = config
	if o.config.ChunkInterval <= 0 {
		o.config.ChunkInterval = 24 * time.Hour
	}
	if o.config.CompressAfter <= 0 {
		o.config.CompressAfter = 7 * 24 * time.Hour
	}
	if o.config.RetainFor <= 0 {
		o.config.RetainFor = 90 * 24 * time.Hour
	}
	if o.config.BatchChunkSize <= 0 {
		o.config.BatchChunkSize = defaultBatchChunk
	}
	o.log = log.DefaultLogger
	o.log.Context = log.NewContext(nil).Str("module", "pgstore").Value()
	return o
}

// InitSchema creates the location hypertable, its spatial index and the
// session summary table. Hypertable and policy statements are advisory;
// on a database without timescaledb/postgis they fail and are skipped.
func (st *Store) InitSchema(ctx context.Context) error {
	tx, err := st.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	createLocations := `
		CREATE TABLE IF NOT EXISTS ` + locationTable + ` (
			id UUID NOT NULL,
			walk_id TEXT NOT NULL,
			latitude DOUBLE PRECISION NOT NULL,
			longitude DOUBLE PRECISION NOT NULL,
			accuracy DOUBLE PRECISION NOT NULL,
			altitude DOUBLE PRECISION NOT NULL DEFAULT 0,
			recorded_at TIMESTAMPTZ NOT NULL
		)`
	if _, err := tx.Exec(ctx, createLocations); err != nil {
		return err
	}
	createSessions := `
		CREATE TABLE IF NOT EXISTS ` + sessionTable + ` (
			id UUID PRIMARY KEY,
			walk_id TEXT NOT NULL,
			walker_id TEXT NOT NULL,
			dog_id TEXT NOT NULL,
			status TEXT NOT NULL,
			start_time TIMESTAMPTZ NOT NULL,
			end_time TIMESTAMPTZ,
			total_distance DOUBLE PRECISION NOT NULL DEFAULT 0,
			duration_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
			last_update TIMESTAMPTZ,
			archived BOOLEAN NOT NULL DEFAULT FALSE
		)`
	if _, err := tx.Exec(ctx, createSessions); err != nil {
		return err
	}
	walkIndex := `CREATE INDEX IF NOT EXISTS idx_` + locationTable + `_walk
		ON ` + locationTable + ` (walk_id, recorded_at)`
	if _, err := tx.Exec(ctx, walkIndex); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}

	// Best-effort timescale/postgis features, separate statements so one
	// missing extension does not void the schema.
	advisory := []string{
		`CREATE EXTENSION IF NOT EXISTS timescaledb`,
		`CREATE EXTENSION IF NOT EXISTS postgis`,
		`SELECT create_hypertable('` + locationTable + `', 'recorded_at',
			chunk_time_interval => ` + interval(st.config.ChunkInterval) + `, if_not_exists => TRUE)`,
		`ALTER TABLE ` + locationTable + ` ADD COLUMN IF NOT EXISTS geo GEOGRAPHY(Point, 4326)`,
		`CREATE INDEX IF NOT EXISTS idx_` + locationTable + `_geo ON ` + locationTable + ` USING GIST (geo)`,
		// keep inserts uniform: the geography point derives from lat/lon
		`CREATE OR REPLACE FUNCTION ` + locationTable + `_set_geo() RETURNS trigger AS $$
			BEGIN
				NEW.geo = ST_SetSRID(ST_Point(NEW.longitude, NEW.latitude), 4326)::geography;
				RETURN NEW;
			END $$ LANGUAGE plpgsql`,
		`DROP TRIGGER IF EXISTS trg_` + locationTable + `_geo ON ` + locationTable,
		`CREATE TRIGGER trg_` + locationTable + `_geo BEFORE INSERT ON ` + locationTable + `
			FOR EACH ROW EXECUTE FUNCTION ` + locationTable + `_set_geo()`,
	}
	for _, stmt := range advisory {
		if _, err := st.db.Exec(ctx, stmt); err != nil {
			st.log.Warn().Err(err).Msg("advisory schema statement skipped")
		}
	}
	return nil
}

const insertLocationPlainSQL = `
	INSERT INTO ` + locationTable + ` (id, walk_id, latitude, longitude, accuracy, altitude, recorded_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7)`

// SaveLocation inserts one reading and touches its session's last_update
// in the same transaction, retrying transient failures up to maxRetries.
// Storage enforces its own accuracy floor independent of session policy.
func (st *Store) SaveLocation(ctx context.Context, loc *track.Location) error {
	if loc == nil {
		return pgx.ErrNoRows
	}
	if loc.Accuracy < 0 || loc.Accuracy > track.MaxAccuracy {
		return ErrAccuracyRange
	}
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		err := st.saveOnce(ctx, loc)
		if err == nil {
			return nil
		}
		lastErr = err
		st.log.Warn().Err(err).Int("attempt", attempt+1).Msg("save location failed")
	}
	return fmt.Errorf("save location after %d attempts: %w", maxRetries, lastErr)
}

func (st *Store) saveOnce(ctx context.Context, loc *track.Location) error {
	tx, err := st.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if _, err := tx.Exec(ctx, insertLocationPlainSQL,
		loc.ID, loc.WalkID, loc.Latitude, loc.Longitude, loc.Accuracy, loc.Altitude, loc.Timestamp); err != nil {
		return err
	}
	touch := `UPDATE ` + sessionTable + ` SET last_update = $1 WHERE walk_id = $2`
	if _, err := tx.Exec(ctx, touch, time.Now().UTC(), loc.WalkID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// BatchSaveLocations writes the batch in fixed-size chunks, one
// transaction per chunk. There is no cross-chunk atomicity: a chunk
// failure returns an error but earlier chunks remain committed.
func (st *Store) BatchSaveLocations(ctx context.Context, locs []*track.Location) error {
	if len(locs) == 0 {
		return nil
	}
	for _, chunk := range chunkLocations(locs, st.config.BatchChunkSize) {
		if err := st.saveChunk(ctx, chunk); err != nil {
			return fmt.Errorf("batch chunk of %d: %w", len(chunk), err)
		}
	}
	return nil
}

func (st *Store) saveChunk(ctx context.Context, chunk []*track.Location) error {
	tx, err := st.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	t0 := time.Now()
	b := &pgx.Batch{}
	for _, loc := range chunk {
		b.Queue(insertLocationPlainSQL,
			loc.ID, loc.WalkID, loc.Latitude, loc.Longitude, loc.Accuracy, loc.Altitude, loc.Timestamp)
	}
	br := tx.SendBatch(ctx, b)
	for range chunk {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return err
		}
	}
	if err := br.Close(); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	st.log.Debug().Str("action", "flush").Int("length", len(chunk)).Dur("time_taken", time.Since(t0)).Msg("chunk committed")
	return nil
}

// chunkLocations splits locs into groups of at most size.
func chunkLocations(locs []*track.Location, size int) [][]*track.Location {
	if size <= 0 {
		size = defaultBatchChunk
	}
	chunks := make([][]*track.Location, 0, (len(locs)+size-1)/size)
	for start := 0; start < len(locs); start += size {
		end := start + size
		if end > len(locs) {
			end = len(locs)
		}
		chunks = append(chunks, locs[start:end])
	}
	return chunks
}

// GetLocationHistory returns all persisted points for a walk in recorded
// order.
func (st *Store) GetLocationHistory(ctx context.Context, walkID string) ([]track.Location, error) {
	if walkID == "" {
		return nil, pgx.ErrNoRows
	}
	query := `
		SELECT id, walk_id, latitude, longitude, accuracy, altitude, recorded_at
		FROM ` + locationTable + `
		WHERE walk_id = $1
		ORDER BY recorded_at ASC`
	rows, err := st.db.Query(ctx, query, walkID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	history := make([]track.Location, 0, 64)
	for rows.Next() {
		var loc track.Location
		if err := rows.Scan(&loc.ID, &loc.WalkID, &loc.Latitude, &loc.Longitude, &loc.Accuracy, &loc.Altitude, &loc.Timestamp); err != nil {
			return nil, err
		}
		loc.Valid = true
		history = append(history, loc)
	}
	return history, rows.Err()
}

// GetSessionStatistics reads the summary row and derives average speed.
func (st *Store) GetSessionStatistics(ctx context.Context, walkID string) (*track.Statistics, error) {
	if walkID == "" {
		return nil, pgx.ErrNoRows
	}
	query := `
		SELECT total_distance, duration_seconds
		FROM ` + sessionTable + `
		WHERE walk_id = $1
		LIMIT 1`
	var distance, durationSec float64
	if err := st.db.QueryRow(ctx, query, walkID).Scan(&distance, &durationSec); err != nil {
		return nil, err
	}
	stats := &track.Statistics{
		TotalDistance: distance,
		Duration:      time.Duration(durationSec * float64(time.Second)),
	}
	if durationSec > 0 {
		stats.AverageSpeed = distance / durationSec
	}
	return stats, nil
}

// SaveSession upserts the summary row for a session.
func (st *Store) SaveSession(ctx context.Context, snap track.Snapshot) error {
	query := `
		INSERT INTO ` + sessionTable + `
			(id, walk_id, walker_id, dog_id, status, start_time, total_distance, duration_seconds, last_update, archived)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			total_distance = EXCLUDED.total_distance,
			duration_seconds = EXCLUDED.duration_seconds,
			last_update = EXCLUDED.last_update,
			archived = EXCLUDED.archived`
	_, err := st.db.Exec(ctx, query,
		snap.ID, snap.WalkID, snap.WalkerID, snap.DogID, snap.Status,
		snap.StartTime, snap.TotalDistance, snap.Duration, snap.LastUpdate, snap.Archived)
	return err
}

// CompleteSession writes the terminal summary of a finished walk.
func (st *Store) CompleteSession(ctx context.Context, snap track.Snapshot) error {
	query := `
		UPDATE ` + sessionTable + ` SET
			status = $2, end_time = $3, total_distance = $4,
			duration_seconds = $5, last_update = $6
		WHERE id = $1`
	ct, err := st.db.Exec(ctx, query,
		snap.ID, snap.Status, snap.EndTime, snap.TotalDistance, snap.Duration, snap.LastUpdate)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// ManageRetention compresses old chunks and prunes rows beyond the
// retention window. Both operations are advisory: failures are logged and
// never block ingestion.
func (st *Store) ManageRetention(ctx context.Context) error {
	compress := `
		SELECT compress_chunk(c, if_not_compressed => TRUE)
		FROM show_chunks('` + locationTable + `', older_than => ` + interval(st.config.CompressAfter) + `) c`
	if _, err := st.db.Exec(ctx, compress); err != nil {
		st.log.Warn().Err(err).Msg("chunk compression skipped")
	}
	prune := `DELETE FROM ` + locationTable + ` WHERE recorded_at < NOW() - ` + interval(st.config.RetainFor)
	if _, err := st.db.Exec(ctx, prune); err != nil {
		st.log.Warn().Err(err).Msg("retention prune failed")
		return err
	}
	return nil
}

// interval renders a duration as a Postgres INTERVAL literal with second
// precision.
func interval(d time.Duration) string {
	return fmt.Sprintf("INTERVAL '%d seconds'", int64(d.Seconds()))
}
