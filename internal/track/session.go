package track

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"walktrack.dev/walktrack/internal/geo"
)

const (
	StatusActive    = "active"
	StatusPaused    = "paused"
	StatusCompleted = "completed"

	// MaxHistorySize bounds the in-memory location buffer of one session.
	MaxHistorySize = 1000
	// MinAccuracy is the display-quality filter: readings coarser than
	// this are kept out of the hot session history. Storage applies its
	// own, looser bound independently.
	MinAccuracy = 10.0

	// gapThreshold flags a hole in the track when two consecutive points
	// are further apart in time than this.
	gapThreshold = 5 * time.Minute
)

var (
	ErrBadInput    = errors.New("session input invalid")
	ErrBadState    = errors.New("operation not allowed in current session state")
	ErrBufferFull  = errors.New("location buffer is full")
	ErrLowAccuracy = errors.New("location accuracy too coarse for session")
)

// Session is the stateful aggregate for one tracked walk. All mutation
// happens under one exclusive lock held for the whole operation, so a
// reader can never observe a half-updated distance/duration pair.
type Session struct {
	ID string

	mu          sync.Mutex
	status      string
	walkID      string
	walkerID    string
	dogID       string
	startTime   time.Time
	endTime     time.Time
	history     []Location
	distance    float64
	duration    time.Duration
	lastUpdate  time.Time
	bufferSize  int
	minAccuracy float64
	archived    bool
	fence       *geo.Fence

	now func() time.Time
}

// Statistics are recomputed on demand from the location history. They are
// never persisted independently of the session they describe.
type Statistics struct {
	TotalDistance   float64       `json:"total_distance"`
	AverageSpeed    float64       `json:"average_speed"`
	MaxSpeed        float64       `json:"max_speed"`
	MinSpeed        float64       `json:"min_speed"`
	Duration        time.Duration `json:"duration"`
	LocationCount   int           `json:"location_count"`
	AverageAccuracy float64       `json:"average_accuracy"`
	HasGaps         bool          `json:"has_gaps"`
}

// EmptyStatistics is the explicit sentinel returned for a session with no
// history, so callers can tell "no data yet" from a genuinely idle walk.
var EmptyStatistics = Statistics{}

// Snapshot is a copyable view of session state for serialization and
// persistence, taken under the lock.
type Snapshot struct {
	ID            string    `json:"id"`
	Status        string    `json:"status"`
	WalkID        string    `json:"walk_id"`
	WalkerID      string    `json:"walker_id"`
	DogID         string    `json:"dog_id"`
	StartTime     time.Time `json:"start_time"`
	EndTime       time.Time `json:"end_time"`
	TotalDistance float64   `json:"total_distance"`
	Duration      float64   `json:"duration_seconds"`
	LastUpdate    time.Time `json:"last_update"`
	Archived      bool      `json:"archived"`
}

func NewSession(walkID, walkerID, dogID string, bufferSize int) (*Session, error) {
	if walkID == "" || walkerID == "" || dogID == "" {
		return nil, ErrBadInput
	}
	if bufferSize < 0 || bufferSize > MaxHistorySize {
		return nil, ErrBadInput
	}
	s := &Session{
		ID:          uuid.NewString(),
		status:      StatusActive,
		walkID:      walkID,
		walkerID:    walkerID,
		dogID:       dogID,
		history:     make([]Location, 0, bufferSize),
		bufferSize:  bufferSize,
		minAccuracy: MinAccuracy,
		now:         func() time.Time { return time.Now().UTC() },
	}
	s.startTime = s.now()
	s.lastUpdate = s.startTime
	return s, nil
}

// setClock replaces the wall clock, for tests.
func (s *Session) setClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// AddLocation appends a reading to the history as one atomic operation:
// accuracy gate, state gate, capacity gate, then append + distance and
// duration accumulation against the previous point.
func (s *Session) AddLocation(loc *Location) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if loc.Accuracy > s.minAccuracy {
		return ErrLowAccuracy
	}
	if s.status != StatusActive {
		return ErrBadState
	}
	if s.bufferSize > 0 && len(s.history) >= s.bufferSize {
		return ErrBufferFull
	}

	s.history = append(s.history, *loc)
	if n := len(s.history); n > 1 {
		prev := s.history[n-2]
		s.distance += geo.Distance(prev.Latitude, prev.Longitude, loc.Latitude, loc.Longitude)
	}
	if !loc.Timestamp.IsZero() && loc.Timestamp.After(s.startTime) {
		s.duration = loc.Timestamp.Sub(s.startTime)
	}
	s.lastUpdate = s.now()
	return nil
}

func (s *Session) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusActive {
		return ErrBadState
	}
	s.status = StatusPaused
	s.lastUpdate = s.now()
	return nil
}

func (s *Session) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusPaused {
		return ErrBadState
	}
	s.status = StatusActive
	s.lastUpdate = s.now()
	return nil
}

// Complete is terminal: legal once from active or paused, never again.
// The final duration is fixed to the whole session span rather than the
// last location timestamp.
func (s *Session) Complete() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusActive && s.status != StatusPaused {
		return ErrBadState
	}
	s.endTime = s.now()
	if s.endTime.After(s.startTime) {
		s.duration = s.endTime.Sub(s.startTime)
	}
	s.status = StatusCompleted
	s.archived = false
	return nil
}

// Statistics scans the history under the lock. An empty history yields
// EmptyStatistics rather than an error.
func (s *Session) Statistics() Statistics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statisticsLocked()
}

func (s *Session) statisticsLocked() Statistics {
	if len(s.history) == 0 {
		return EmptyStatistics
	}

	stats := Statistics{
		TotalDistance: s.distance,
		Duration:      s.duration,
		LocationCount: len(s.history),
	}

	var end time.Time
	switch {
	case !s.endTime.IsZero():
		end = s.endTime
	case s.status == StatusActive:
		end = s.now()
	default:
		end = s.lastUpdate
	}
	if end.After(s.startTime) {
		stats.Duration = end.Sub(s.startTime)
	}
	if sec := stats.Duration.Seconds(); sec > 0 {
		stats.AverageSpeed = stats.TotalDistance / sec
	}

	minSpeed := -1.0
	var maxSpeed, totalAccuracy float64
	totalAccuracy = s.history[0].Accuracy
	for i := 1; i < len(s.history); i++ {
		prev, curr := s.history[i-1], s.history[i]
		totalAccuracy += curr.Accuracy
		dt := curr.Timestamp.Sub(prev.Timestamp)
		if dt > gapThreshold {
			stats.HasGaps = true
		}
		sec := dt.Seconds()
		if sec <= 0 {
			// zero or negative time delta, no speed sample
			continue
		}
		speed := geo.Distance(prev.Latitude, prev.Longitude, curr.Latitude, curr.Longitude) / sec
		if minSpeed < 0 || speed < minSpeed {
			minSpeed = speed
		}
		if speed > maxSpeed {
			maxSpeed = speed
		}
	}
	if minSpeed < 0 {
		minSpeed = 0
	}
	stats.MinSpeed = minSpeed
	stats.MaxSpeed = maxSpeed
	stats.AverageAccuracy = totalAccuracy / float64(len(s.history))
	return stats
}

func (s *Session) Status() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) WalkID() string {
	return s.walkID
}

func (s *Session) LastUpdate() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUpdate
}

// LastLocation returns the most recent accepted reading, if any.
func (s *Session) LastLocation() (Location, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.history) == 0 {
		return Location{}, false
	}
	return s.history[len(s.history)-1], true
}

func (s *Session) SetFence(f *geo.Fence) {
	s.mu.Lock()
	s.fence = f
	s.mu.Unlock()
}

func (s *Session) Fence() *geo.Fence {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fence
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ID:            s.ID,
		Status:        s.status,
		WalkID:        s.walkID,
		WalkerID:      s.walkerID,
		DogID:         s.dogID,
		StartTime:     s.startTime,
		EndTime:       s.endTime,
		TotalDistance: s.distance,
		Duration:      s.duration.Seconds(),
		LastUpdate:    s.lastUpdate,
		Archived:      s.archived,
	}
}
