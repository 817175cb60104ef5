package track

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	MinLatitude  = -90.0
	MaxLatitude  = 90.0
	MinLongitude = -180.0
	MaxLongitude = 180.0

	// DefaultAccuracy is assumed when a client reports zero accuracy.
	DefaultAccuracy = 10.0
	// MaxAccuracy is the storage-grade upper bound in meters. Readings
	// coarser than this are rejected outright at validation.
	MaxAccuracy = 100.0

	// maxClockSkew tolerates client clocks running ahead of the server.
	maxClockSkew = 60 * time.Second
)

var (
	ErrBadID        = errors.New("location id is not a valid uuid")
	ErrEmptyWalkID  = errors.New("walk id must not be empty")
	ErrLatitude     = errors.New("latitude out of range")
	ErrLongitude    = errors.New("longitude out of range")
	ErrAccuracy     = errors.New("accuracy out of range")
	ErrBadTimestamp = errors.New("timestamp is zero or too far in the future")
)

// Location is a single GPS reading. It is immutable once validated; the
// Valid flag is derived and re-validation is idempotent.
type Location struct {
	ID        string    `json:"id"`
	WalkID    string    `json:"walk_id"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Accuracy  float64   `json:"accuracy"`
	Altitude  float64   `json:"altitude"`
	Timestamp time.Time `json:"timestamp"`
	Valid     bool      `json:"valid"`
}

// NewLocation builds and validates a reading for the given walk. Zero
// accuracy defaults to DefaultAccuracy, a zero timestamp to UTC now.
func NewLocation(walkID string, lat, lon, accuracy, altitude float64, ts time.Time) (Location, error) {
	loc := Location{
		ID:        uuid.NewString(),
		WalkID:    walkID,
		Latitude:  lat,
		Longitude: lon,
		Accuracy:  accuracy,
		Altitude:  altitude,
		Timestamp: ts.UTC(),
	}
	if accuracy == 0 {
		loc.Accuracy = DefaultAccuracy
	}
	if ts.IsZero() {
		loc.Timestamp = time.Now().UTC()
	}
	if err := loc.Validate(); err != nil {
		return loc, err
	}
	return loc, nil
}

// Validate runs the acceptance checks in a fixed order and returns the
// first violation. On success the Valid flag is set.
func (l *Location) Validate() error {
	l.Valid = false
	if _, err := uuid.Parse(l.ID); err != nil {
		return fmt.Errorf("%w: %v", ErrBadID, err)
	}
	if l.WalkID == "" {
		return ErrEmptyWalkID
	}
	if l.Latitude < MinLatitude || l.Latitude > MaxLatitude {
		return ErrLatitude
	}
	if l.Longitude < MinLongitude || l.Longitude > MaxLongitude {
		return ErrLongitude
	}
	if l.Accuracy < 0 || l.Accuracy > MaxAccuracy {
		return ErrAccuracy
	}
	if l.Timestamp.IsZero() {
		return ErrBadTimestamp
	}
	if l.Timestamp.After(time.Now().UTC().Add(maxClockSkew)) {
		return ErrBadTimestamp
	}
	l.Valid = true
	return nil
}
