package track

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"walktrack.dev/walktrack/internal/geo"
)

const (
	// DefaultMaxBatchSize caps one ingestion call; an oversized batch is
	// rejected whole, no partial processing.
	DefaultMaxBatchSize = 100
	// DefaultMaxInactive marks a session timed out when no update arrived
	// within this window.
	DefaultMaxInactive = 15 * time.Minute
	// DefaultValidateWorkers bounds the validation fan-out per batch.
	DefaultValidateWorkers = 8
)

var (
	ErrBatchTooLarge   = errors.New("batch size exceeds configured maximum")
	ErrSessionNotFound = errors.New("no active session for id")
)

// HealthStatus of one session as seen by the monitor.
type HealthStatus string

const (
	HealthHealthy         HealthStatus = "healthy"
	HealthGeofenceWarning HealthStatus = "geofence_warning"
	HealthTimeout         HealthStatus = "timeout"
	HealthUnknown         HealthStatus = "unknown"
)

// BatchResult summarizes one ingestion call. Success is true iff at least
// one location was durably stored.
type BatchResult struct {
	Processed int  `json:"processed"`
	Invalid   int  `json:"invalid"`
	Stored    int  `json:"stored"`
	Success   bool `json:"success"`
}

// Store is the slice of the storage layer the pipeline needs. The full
// interface lives in internal/store; this avoids an import cycle.
type Store interface {
	SaveLocation(ctx context.Context, loc *Location) error
	BatchSaveLocations(ctx context.Context, locs []*Location) error
	SaveSession(ctx context.Context, snap Snapshot) error
	CompleteSession(ctx context.Context, snap Snapshot) error
}

// Publisher pushes best-effort live updates to observers.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// EventSink receives domain events (session completed, batch stored).
type EventSink interface {
	Emit(ctx context.Context, topic string, data interface{})
}

type ServiceConfig struct {
	MaxBatchSize    int
	MaxInactive     time.Duration
	ValidateWorkers int
	BufferSize      int
}

// Service owns the active-session registry and runs the batch ingestion
// pipeline and the session health checks.
type Service struct {
	registry *Registry
	store    Store
	pub      Publisher
	events   EventSink
	config   ServiceConfig
	logger   zerolog.Logger

	now func() time.Time
}

func NewService(registry *Registry, st Store, pub Publisher, events EventSink, config ServiceConfig) *Service {
	if config.MaxBatchSize <= 0 {
		config.MaxBatchSize = DefaultMaxBatchSize
	}
	if config.MaxInactive <= 0 {
		config.MaxInactive = DefaultMaxInactive
	}
	if config.ValidateWorkers <= 0 {
		config.ValidateWorkers = DefaultValidateWorkers
	}
	if config.BufferSize <= 0 || config.BufferSize > MaxHistorySize {
		config.BufferSize = MaxHistorySize
	}
	o := &Service{
		registry: registry,
		store:    st,
		pub:      pub,
		events:   events,
		config:   config,
		now:      func() time.Time { return time.Now().UTC() },
	}
	o.logger = log.With().Str("module", "track").Logger()
	return o
}

// SetClock replaces the wall clock of the service and of every session it
// creates afterwards. Tests only.
func (svc *Service) SetClock(now func() time.Time) {
	svc.now = now
}

// SetPublisher installs the live-update publisher after construction.
// The stream server both consumes the service and feeds its fan-out, so
// wiring closes the loop here, before any traffic is served.
func (svc *Service) SetPublisher(pub Publisher) {
	svc.pub = pub
}

// Start creates a session, registers it and writes its summary row.
func (svc *Service) Start(ctx context.Context, walkID, walkerID, dogID string) (*Session, error) {
	return svc.StartBuffered(ctx, walkID, walkerID, dogID, svc.config.BufferSize)
}

func (svc *Service) StartBuffered(ctx context.Context, walkID, walkerID, dogID string, bufferSize int) (*Session, error) {
	s, err := NewSession(walkID, walkerID, dogID, bufferSize)
	if err != nil {
		return nil, err
	}
	s.setClock(svc.now)
	if err := svc.store.SaveSession(ctx, s.Snapshot()); err != nil {
		return nil, fmt.Errorf("persisting session: %w", err)
	}
	svc.registry.Add(s)
	svc.logger.Info().Str("session_id", s.ID).Str("walk_id", walkID).Msg("session started")
	return s, nil
}

// ProcessBatch validates the batch concurrently, applies valid locations
// to the session, persists the full valid sublist, and publishes a
// best-effort live update.
//
// Oversized batch and missing session are fatal preconditions with zero
// side effects. Validation failures are counted and dropped. Readings
// the session filter turns away (coarse accuracy, paused, full buffer)
// are logged and still persisted: storage keeps the durable superset,
// the in-memory session only the display-quality track. A storage
// failure fails the whole call even though the in-memory session may
// already reflect the points; that window is bounded by the next persist.
func (svc *Service) ProcessBatch(ctx context.Context, sessionID string, locations []*Location) (BatchResult, error) {
	var result BatchResult

	if len(locations) > svc.config.MaxBatchSize {
		svc.logger.Error().Str("session_id", sessionID).Int("count", len(locations)).Msg("batch size limit exceeded")
		return result, ErrBatchTooLarge
	}
	session, ok := svc.registry.Get(sessionID)
	if !ok {
		svc.logger.Error().Str("session_id", sessionID).Msg("no active session for batch")
		return result, ErrSessionNotFound
	}
	result.Processed = len(locations)
	if len(locations) == 0 {
		return result, nil
	}

	valid := svc.validateAll(sessionID, locations, &result)

	// Session mutation serializes on the session lock inside AddLocation;
	// a rejection there is session policy, not batch failure, and never
	// blocks the rest or the persist below.
	for _, loc := range valid {
		if err := session.AddLocation(loc); err != nil {
			svc.logger.Warn().Str("session_id", sessionID).Str("location_id", loc.ID).Err(err).Msg("location rejected by session")
		}
	}

	if len(valid) > 0 {
		var serr error
		if len(valid) == 1 {
			serr = svc.store.SaveLocation(ctx, valid[0])
		} else {
			serr = svc.store.BatchSaveLocations(ctx, valid)
		}
		if serr != nil {
			svc.logger.Error().Str("session_id", sessionID).Err(serr).Msg("batch store failed")
			return result, fmt.Errorf("storing batch: %w", serr)
		}
		result.Stored = len(valid)
	}

	svc.publishUpdate(sessionID, session, result)
	if result.Stored > 0 {
		result.Success = true
		if svc.events != nil {
			svc.events.Emit(ctx, "walk.batch.stored", BatchStoredEvent{
				SessionID: sessionID,
				WalkID:    session.WalkID(),
				Stored:    result.Stored,
			})
		}
	}
	return result, nil
}

// BatchStoredEvent mirrors event.BatchStored without importing the event
// package (which would cycle through the sink interface).
type BatchStoredEvent struct {
	SessionID string `json:"session_id"`
	WalkID    string `json:"walk_id"`
	Stored    int    `json:"stored"`
}

// SessionCompletedEvent is emitted when a walk finishes.
type SessionCompletedEvent struct {
	SessionID     string  `json:"session_id"`
	WalkID        string  `json:"walk_id"`
	TotalDistance float64 `json:"total_distance"`
	Duration      float64 `json:"duration_seconds"`
}

// validateAll runs Validate over the batch with a bounded worker fan-out.
// Validation is pure over immutable inputs, so no lock is needed beyond
// the result counters.
func (svc *Service) validateAll(sessionID string, locations []*Location, result *BatchResult) []*Location {
	var wg sync.WaitGroup
	var mu sync.Mutex
	valid := make([]*Location, 0, len(locations))
	sem := make(chan struct{}, svc.config.ValidateWorkers)

	for _, loc := range locations {
		wg.Add(1)
		sem <- struct{}{}
		go func(l *Location) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := l.Validate(); err != nil {
				mu.Lock()
				result.Invalid++
				mu.Unlock()
				svc.logger.Debug().Str("session_id", sessionID).Str("location_id", l.ID).Err(err).Msg("discarded invalid location")
				return
			}
			mu.Lock()
			valid = append(valid, l)
			mu.Unlock()
		}(loc)
	}
	wg.Wait()
	return valid
}

// publishUpdate pushes the fresh session snapshot to the live topic.
// Failure is logged, never propagated: telemetry delivery is not a
// correctness requirement of ingestion.
func (svc *Service) publishUpdate(sessionID string, session *Session, result BatchResult) {
	if svc.pub == nil {
		return
	}
	payload, err := json.Marshal(struct {
		Session Snapshot    `json:"session"`
		Batch   BatchResult `json:"batch"`
	}{session.Snapshot(), result})
	if err != nil {
		svc.logger.Err(err).Msg("encoding live update")
		return
	}
	topic := "walk.updates." + sessionID
	if err := svc.pub.Publish(topic, payload); err != nil {
		svc.logger.Warn().Str("topic", topic).Err(err).Msg("live update publish failed")
	}
}

// Complete finishes the session, flushes the final summary, emits the
// completion event and evicts the session from the registry.
func (svc *Service) Complete(ctx context.Context, sessionID string) (Snapshot, error) {
	session, ok := svc.registry.Get(sessionID)
	if !ok {
		return Snapshot{}, ErrSessionNotFound
	}
	if err := session.Complete(); err != nil {
		return Snapshot{}, err
	}
	snap := session.Snapshot()
	if err := svc.store.CompleteSession(ctx, snap); err != nil {
		// The session is already terminal in memory; surface the flush
		// failure but keep it registered for a retry.
		return snap, fmt.Errorf("flushing completed session: %w", err)
	}
	svc.registry.Remove(sessionID)
	if svc.events != nil {
		svc.events.Emit(ctx, "walk.session.completed", SessionCompletedEvent{
			SessionID:     sessionID,
			WalkID:        snap.WalkID,
			TotalDistance: snap.TotalDistance,
			Duration:      snap.Duration,
		})
	}
	svc.logger.Info().Str("session_id", sessionID).Float64("distance", snap.TotalDistance).Msg("session completed")
	return snap, nil
}

func (svc *Service) Pause(sessionID string) error {
	session, ok := svc.registry.Get(sessionID)
	if !ok {
		return ErrSessionNotFound
	}
	return session.Pause()
}

func (svc *Service) Resume(sessionID string) error {
	session, ok := svc.registry.Get(sessionID)
	if !ok {
		return ErrSessionNotFound
	}
	return session.Resume()
}

func (svc *Service) Get(sessionID string) (*Session, bool) {
	return svc.registry.Get(sessionID)
}

// MonitorHealth evaluates liveness and geofence compliance. Unknown is
// returned only for a lookup failure, never for a healthy session.
func (svc *Service) MonitorHealth(sessionID string) (HealthStatus, error) {
	session, ok := svc.registry.Get(sessionID)
	if !ok {
		return HealthUnknown, ErrSessionNotFound
	}
	inactive := svc.now().Sub(session.LastUpdate())
	if inactive > svc.config.MaxInactive {
		svc.logger.Warn().Str("session_id", sessionID).Dur("inactive", inactive).Msg("session timed out")
		return HealthTimeout, nil
	}
	if fence := session.Fence(); fence != nil && fence.Active {
		if last, ok := session.LastLocation(); ok && !fence.Contains(last.Latitude, last.Longitude) {
			svc.logger.Warn().Str("session_id", sessionID).Msg("geofence boundary violation")
			return HealthGeofenceWarning, nil
		}
	}
	return HealthHealthy, nil
}

// SetFence attaches a geofence to an active session.
func (svc *Service) SetFence(sessionID string, fence *geo.Fence) error {
	session, ok := svc.registry.Get(sessionID)
	if !ok {
		return ErrSessionNotFound
	}
	session.SetFence(fence)
	return nil
}

// SweepHealth runs MonitorHealth over every registered session; the
// scheduler drives it periodically.
func (svc *Service) SweepHealth(ctx context.Context) {
	svc.registry.Each(func(s *Session) {
		status, err := svc.MonitorHealth(s.ID)
		if err != nil {
			return
		}
		if status != HealthHealthy && svc.events != nil {
			svc.events.Emit(ctx, "walk.session.health", struct {
				SessionID string       `json:"session_id"`
				Status    HealthStatus `json:"status"`
			}{s.ID, status})
		}
	})
}
