package track

import (
	"errors"
	"math"
	"testing"
	"time"
)

func test_session(t *testing.T, bufferSize int) *Session {
	t.Helper()
	s, err := NewSession("walk-1", "walker-1", "dog-1", bufferSize)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func session_location(t *testing.T, lat, lon, accuracy float64, ts time.Time) *Location {
	t.Helper()
	loc, err := NewLocation("walk-1", lat, lon, accuracy, 0, ts)
	if err != nil {
		t.Fatal(err)
	}
	return &loc
}

func TestNewSessionInput(t *testing.T) {
	for _, tc := range []struct {
		walkID, walkerID, dogID string
		buffer                  int
	}{
		{"", "w", "d", 10},
		{"w", "", "d", 10},
		{"w", "w", "", 10},
		{"w", "w", "d", -1},
		{"w", "w", "d", MaxHistorySize + 1},
	} {
		if _, err := NewSession(tc.walkID, tc.walkerID, tc.dogID, tc.buffer); !errors.Is(err, ErrBadInput) {
			t.Errorf("%+v: got %v, want ErrBadInput", tc, err)
		}
	}
}

func TestAddLocationGates(t *testing.T) {
	base := time.Now().UTC().Add(-time.Minute)

	t.Run("coarse accuracy", func(t *testing.T) {
		s := test_session(t, 10)
		loc := session_location(t, 0, 0, 15.0, base)
		if err := s.AddLocation(loc); !errors.Is(err, ErrLowAccuracy) {
			t.Error("got", err)
		}
	})

	t.Run("paused", func(t *testing.T) {
		s := test_session(t, 10)
		if err := s.Pause(); err != nil {
			t.Fatal(err)
		}
		loc := session_location(t, 0, 0, 5.0, base)
		if err := s.AddLocation(loc); !errors.Is(err, ErrBadState) {
			t.Error("got", err)
		}
	})

	t.Run("completed", func(t *testing.T) {
		s := test_session(t, 10)
		if err := s.Complete(); err != nil {
			t.Fatal(err)
		}
		loc := session_location(t, 0, 0, 5.0, base)
		if err := s.AddLocation(loc); !errors.Is(err, ErrBadState) {
			t.Error("got", err)
		}
	})
}

// Three points one millidegree of longitude apart on the equator, one
// second between readings. Each hop is ~111.2m, so the walk covers
// ~222.4m in 2 seconds.
func TestDistanceAccumulation(t *testing.T) {
	s := test_session(t, 3)
	s.setClock(func() time.Time { return time.Unix(1000, 0).UTC() })
	s.mu.Lock()
	s.startTime = time.Unix(0, 0).UTC()
	s.mu.Unlock()

	start := time.Unix(0, 0).UTC()
	for i, lon := range []float64{0, 0.001, 0.002} {
		loc := &Location{
			ID: "00000000-0000-0000-0000-000000000001", WalkID: "walk-1",
			Latitude: 0, Longitude: lon, Accuracy: 9.0,
			Timestamp: start.Add(time.Duration(i) * time.Second),
		}
		if err := s.AddLocation(loc); err != nil {
			t.Fatal(err)
		}
	}

	snap := s.Snapshot()
	if math.Abs(snap.TotalDistance-222.4) > 1.0 {
		t.Error("distance", snap.TotalDistance)
	}
	if snap.Duration != 2.0 {
		t.Error("duration", snap.Duration)
	}

	// buffer of 3 is now full
	extra := &Location{
		ID: "00000000-0000-0000-0000-000000000002", WalkID: "walk-1",
		Latitude: 0, Longitude: 0.003, Accuracy: 9.0,
		Timestamp: start.Add(3 * time.Second),
	}
	if err := s.AddLocation(extra); !errors.Is(err, ErrBufferFull) {
		t.Error("got", err)
	}
}

func TestLifecycle(t *testing.T) {
	s := test_session(t, 10)
	if s.Status() != StatusActive {
		t.Fatal("new session not active")
	}
	if err := s.Resume(); !errors.Is(err, ErrBadState) {
		t.Error("resume while active:", err)
	}
	if err := s.Pause(); err != nil {
		t.Fatal(err)
	}
	if err := s.Pause(); !errors.Is(err, ErrBadState) {
		t.Error("double pause:", err)
	}
	if err := s.Resume(); err != nil {
		t.Fatal(err)
	}
	if err := s.Complete(); err != nil {
		t.Fatal(err)
	}
	if s.Status() != StatusCompleted {
		t.Error("status after complete:", s.Status())
	}
	if err := s.Complete(); !errors.Is(err, ErrBadState) {
		t.Error("complete is not terminal:", err)
	}
	if err := s.Resume(); !errors.Is(err, ErrBadState) {
		t.Error("resume after complete:", err)
	}
}

func TestCompleteFromPaused(t *testing.T) {
	s := test_session(t, 10)
	if err := s.Pause(); err != nil {
		t.Fatal(err)
	}
	if err := s.Complete(); err != nil {
		t.Error("complete from paused:", err)
	}
}

// A completed walk reports the whole span from start to completion,
// not the span covered by the recorded locations.
func TestCompleteRefreshesDuration(t *testing.T) {
	s := test_session(t, 10)
	start := time.Unix(0, 0).UTC()
	s.mu.Lock()
	s.startTime = start
	s.mu.Unlock()
	s.setClock(func() time.Time { return start.Add(10 * time.Minute) })

	loc := session_location(t, 0, 0, 5.0, start.Add(2*time.Second))
	if err := s.AddLocation(loc); err != nil {
		t.Fatal(err)
	}
	if err := s.Complete(); err != nil {
		t.Fatal(err)
	}
	if got := s.Snapshot().Duration; got != 600.0 {
		t.Error("duration after completion", got)
	}
}

func TestStatisticsEmpty(t *testing.T) {
	s := test_session(t, 10)
	if got := s.Statistics(); got != EmptyStatistics {
		t.Errorf("got %+v, want empty sentinel", got)
	}
}

func TestStatistics(t *testing.T) {
	s := test_session(t, 10)
	start := time.Unix(0, 0).UTC()
	s.mu.Lock()
	s.startTime = start
	s.mu.Unlock()
	s.setClock(func() time.Time { return start.Add(2 * time.Second) })

	for i, lon := range []float64{0, 0.001, 0.002} {
		loc := &Location{
			ID: "00000000-0000-0000-0000-000000000001", WalkID: "walk-1",
			Latitude: 0, Longitude: lon, Accuracy: float64(3 + i*3),
			Timestamp: start.Add(time.Duration(i) * time.Second),
		}
		if err := s.AddLocation(loc); err != nil {
			t.Fatal(err)
		}
	}

	stats := s.Statistics()
	if stats.LocationCount != 3 {
		t.Error("count", stats.LocationCount)
	}
	// ~111.2 m/s per hop, both hops equal within float noise
	if math.Abs(stats.MaxSpeed-111.2) > 1.0 || math.Abs(stats.MinSpeed-111.2) > 1.0 {
		t.Error("speeds", stats.MinSpeed, stats.MaxSpeed)
	}
	if math.Abs(stats.AverageSpeed-stats.TotalDistance/2.0) > 0.01 {
		t.Error("average speed", stats.AverageSpeed)
	}
	if math.Abs(stats.AverageAccuracy-6.0) > 0.01 {
		t.Error("average accuracy", stats.AverageAccuracy)
	}
	if stats.HasGaps {
		t.Error("gap flagged on contiguous track")
	}
}

func TestStatisticsGap(t *testing.T) {
	s := test_session(t, 10)
	start := time.Now().UTC().Add(-time.Hour)
	s.mu.Lock()
	s.startTime = start
	s.mu.Unlock()

	for i, gap := range []time.Duration{0, 6 * time.Minute} {
		loc := &Location{
			ID: "00000000-0000-0000-0000-000000000001", WalkID: "walk-1",
			Latitude: 0, Longitude: float64(i) * 0.001, Accuracy: 5.0,
			Timestamp: start.Add(gap),
		}
		if err := s.AddLocation(loc); err != nil {
			t.Fatal(err)
		}
	}
	if !s.Statistics().HasGaps {
		t.Error("6 minute hole not flagged")
	}
}

func TestStatisticsZeroDelta(t *testing.T) {
	s := test_session(t, 10)
	ts := time.Now().UTC().Add(-time.Minute)
	for _, lon := range []float64{0, 0.001} {
		loc := &Location{
			ID: "00000000-0000-0000-0000-000000000001", WalkID: "walk-1",
			Latitude: 0, Longitude: lon, Accuracy: 5.0, Timestamp: ts,
		}
		if err := s.AddLocation(loc); err != nil {
			t.Fatal(err)
		}
	}
	stats := s.Statistics()
	if stats.MaxSpeed != 0 || stats.MinSpeed != 0 {
		t.Error("speed derived from zero time delta", stats.MinSpeed, stats.MaxSpeed)
	}
}

func TestLastLocation(t *testing.T) {
	s := test_session(t, 10)
	if _, ok := s.LastLocation(); ok {
		t.Error("last location on empty history")
	}
	loc := session_location(t, 10, 20, 5.0, time.Now().UTC())
	if err := s.AddLocation(loc); err != nil {
		t.Fatal(err)
	}
	last, ok := s.LastLocation()
	if !ok || last.Latitude != 10 || last.Longitude != 20 {
		t.Error("unexpected last location", last, ok)
	}
}
