package store

import (
	"context"

	"walktrack.dev/walktrack/internal/track"
)

// LocationStore is the durable side of the pipeline. Implementations must
// not be called while holding a session lock; storage I/O can block.
type LocationStore interface {
	SaveLocation(ctx context.Context, loc *track.Location) error
	BatchSaveLocations(ctx context.Context, locs []*track.Location) error
	GetLocationHistory(ctx context.Context, walkID string) ([]track.Location, error)
	GetSessionStatistics(ctx context.Context, walkID string) (*track.Statistics, error)
	SaveSession(ctx context.Context, snap track.Snapshot) error
	CompleteSession(ctx context.Context, snap track.Snapshot) error
	ManageRetention(ctx context.Context) error
}
