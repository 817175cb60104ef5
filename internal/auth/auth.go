package auth

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	hashids "github.com/speps/go-hashids/v2"
	"golang.org/x/crypto/bcrypt"

	"walktrack.dev/walktrack/internal/util"
)

// SessionValidator is the identity collaborator: it answers whether an
// opaque token is currently valid for a session. Token issuance lives
// outside this service.
type SessionValidator interface {
	Validate(ctx context.Context, sessionID, token string) (bool, error)
}

var ErrNoSession = errors.New("session not found")

type AuthConfig struct {
	// TokenTTL bounds how long a minted stream token stays valid.
	TokenTTL time.Duration
	// ShareSalt seeds the observer share-code generator.
	ShareSalt string
}

// PGValidator checks stream tokens against the walk_session_tokens table.
// Tokens are stored bcrypt-hashed; the plaintext only ever crosses the
// wire.
type PGValidator struct {
	db     *pgxpool.Pool
	config AuthConfig
	hid    *hashids.HashID
	logger zerolog.Logger
}

func NewPGValidator(db *pgxpool.Pool, config AuthConfig) (*PGValidator, error) {
	if config.TokenTTL <= 0 {
		config.TokenTTL = time.Hour
	}
	hd := hashids.NewData()
	hd.Salt = config.ShareSalt
	hd.MinLength = 8
	hid, err := hashids.NewWithData(hd)
	if err != nil {
		return nil, err
	}
	o := &PGValidator{db: db, config: config, hid: hid}
	o.logger = log.With().Str("module", "auth").Logger()
	return o, nil
}

func (v *PGValidator) InitSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS walk_session_tokens (
			session_id UUID PRIMARY KEY,
			token_hash TEXT NOT NULL,
			valid_until TIMESTAMPTZ NOT NULL
		)`
	_, err := v.db.Exec(ctx, query)
	return err
}

func (v *PGValidator) Validate(ctx context.Context, sessionID, token string) (bool, error) {
	var hash string
	var validUntil time.Time
	query := `SELECT token_hash, valid_until FROM walk_session_tokens WHERE session_id = $1`
	err := v.db.QueryRow(ctx, query, sessionID).Scan(&hash, &validUntil)
	if err == pgx.ErrNoRows {
		return false, nil
	} else if err != nil {
		return false, err
	}
	if time.Now().After(validUntil) {
		return false, nil
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)) != nil {
		return false, nil
	}
	return true, nil
}

// MintToken issues a fresh stream token for a session, replacing any
// previous one, and returns the plaintext.
func (v *PGValidator) MintToken(ctx context.Context, sessionID string) (string, error) {
	token := util.GenRandomString(nil, 24)
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	query := `
		INSERT INTO walk_session_tokens (session_id, token_hash, valid_until)
		VALUES ($1, $2, $3)
		ON CONFLICT (session_id) DO UPDATE SET token_hash = EXCLUDED.token_hash, valid_until = EXCLUDED.valid_until`
	_, err = v.db.Exec(ctx, query, sessionID, string(hash), time.Now().Add(v.config.TokenTTL))
	if err != nil {
		return "", err
	}
	return token, nil
}

// ShareCode derives a short non-sequential code for observer links from a
// numeric invite counter.
func (v *PGValidator) ShareCode(n int64) (string, error) {
	return v.hid.EncodeInt64([]int64{n})
}

// MockValidator accepts or rejects everything; used in tests and dev.
type MockValidator struct {
	Allow bool
	Err   error
}

func (m *MockValidator) Validate(ctx context.Context, sessionID, token string) (bool, error) {
	return m.Allow, m.Err
}
