package pgstore

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4/pgxpool"

	"walktrack.dev/walktrack/internal/track"
)

func mklocs(n int) []*track.Location {
	locs := make([]*track.Location, n)
	for i := range locs {
		locs[i] = &track.Location{}
	}
	return locs
}

func TestChunkExact(t *testing.T) {
	chunks := chunkLocations(mklocs(2000), 1000)
	if len(chunks) != 2 {
		t.Errorf("expected 2 chunks, got %d", len(chunks))
	}
	for _, c := range chunks {
		if len(c) != 1000 {
			t.Errorf("expected chunk of 1000, got %d", len(c))
		}
	}
}

func TestChunkRemainder(t *testing.T) {
	chunks := chunkLocations(mklocs(2500), 1000)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	if len(chunks[2]) != 500 {
		t.Errorf("expected last chunk of 500, got %d", len(chunks[2]))
	}
}

func TestChunkSmall(t *testing.T) {
	chunks := chunkLocations(mklocs(3), 1000)
	if len(chunks) != 1 || len(chunks[0]) != 3 {
		t.Errorf("unexpected chunking: %d", len(chunks))
	}
}

func TestChunkEmpty(t *testing.T) {
	chunks := chunkLocations(nil, 1000)
	if len(chunks) != 0 {
		t.Errorf("expected no chunks, got %d", len(chunks))
	}
}

func TestIntervalLiteral(t *testing.T) {
	got := interval(86400000000000) // 1 day in nanoseconds
	if got != "INTERVAL '86400 seconds'" {
		t.Errorf("unexpected literal: %s", got)
	}
}

// The accuracy and nil guards run before any database access, so they
// are checkable without a pool.
func TestSaveLocationInputGuards(t *testing.T) {
	st := NewStore(nil, StoreConfig{})

	loc := &track.Location{
		ID: uuid.NewString(), WalkID: "walk-guard",
		Latitude: 0, Longitude: 0, Accuracy: 150.0,
		Timestamp: time.Now().UTC(),
	}
	if err := st.SaveLocation(context.Background(), loc); !errors.Is(err, ErrAccuracyRange) {
		t.Errorf("accuracy 150: got %v, want ErrAccuracyRange", err)
	}

	loc.Accuracy = -1
	if err := st.SaveLocation(context.Background(), loc); !errors.Is(err, ErrAccuracyRange) {
		t.Errorf("accuracy -1: got %v, want ErrAccuracyRange", err)
	}

	if err := st.SaveLocation(context.Background(), nil); err == nil {
		t.Error("nil location accepted")
	}
}

// TestRetentionPrune needs a reachable database; set WALKTRACK_TEST_DB_URL
// to run it. A reading past the retention window must be gone after
// ManageRetention while a recent one survives.
func TestRetentionPrune(t *testing.T) {
	dbURL := os.Getenv("WALKTRACK_TEST_DB_URL")
	if dbURL == "" {
		t.Skip("WALKTRACK_TEST_DB_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.Connect(ctx, dbURL)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(pool.Close)

	st := NewStore(pool, StoreConfig{RetainFor: 90 * 24 * time.Hour})
	if err := st.InitSchema(ctx); err != nil {
		t.Fatal(err)
	}

	walkID := "walk-retention-" + uuid.NewString()
	now := time.Now().UTC()
	stale := &track.Location{
		ID: uuid.NewString(), WalkID: walkID,
		Latitude: 51.5, Longitude: -0.12, Accuracy: 5.0,
		Timestamp: now.Add(-91 * 24 * time.Hour),
	}
	recent := &track.Location{
		ID: uuid.NewString(), WalkID: walkID,
		Latitude: 51.5, Longitude: -0.12, Accuracy: 5.0,
		Timestamp: now.Add(-time.Hour),
	}
	for _, loc := range []*track.Location{stale, recent} {
		if err := st.SaveLocation(ctx, loc); err != nil {
			t.Fatal(err)
		}
	}

	if err := st.ManageRetention(ctx); err != nil {
		t.Fatal(err)
	}

	history, err := st.GetLocationHistory(ctx, walkID)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 {
		t.Fatalf("expected 1 surviving reading, got %d", len(history))
	}
	if history[0].ID != recent.ID {
		t.Errorf("survivor %s, want the recent reading %s", history[0].ID, recent.ID)
	}
}
