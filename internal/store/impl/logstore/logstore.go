package logstore

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"walktrack.dev/walktrack/internal/track"
)

// LogStore logs writes and keeps nothing. It satisfies the store
// interfaces for development runs without a database.
type LogStore struct {
	logger zerolog.Logger
}

func NewStore() *LogStore {
	return &LogStore{logger: log.With().Str("module", "logstore").Logger()}
}

func (l *LogStore) SaveLocation(ctx context.Context, loc *track.Location) error {
	l.logger.Info().Str("walk_id", loc.WalkID).Float64("lat", loc.Latitude).Float64("lon", loc.Longitude).Time("recorded_at", loc.Timestamp).Msg("save location")
	return nil
}

func (l *LogStore) BatchSaveLocations(ctx context.Context, locs []*track.Location) error {
	l.logger.Info().Int("count", len(locs)).Msg("batch save")
	return nil
}

func (l *LogStore) GetLocationHistory(ctx context.Context, walkID string) ([]track.Location, error) {
	return nil, nil
}

func (l *LogStore) GetSessionStatistics(ctx context.Context, walkID string) (*track.Statistics, error) {
	return &track.Statistics{}, nil
}

func (l *LogStore) SaveSession(ctx context.Context, snap track.Snapshot) error {
	l.logger.Info().Str("session_id", snap.ID).Str("status", snap.Status).Msg("save session")
	return nil
}

func (l *LogStore) CompleteSession(ctx context.Context, snap track.Snapshot) error {
	l.logger.Info().Str("session_id", snap.ID).Float64("distance", snap.TotalDistance).Msg("complete session")
	return nil
}

func (l *LogStore) ManageRetention(ctx context.Context) error {
	return nil
}
