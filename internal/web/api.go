package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"walktrack.dev/walktrack/internal/auth"
	"walktrack.dev/walktrack/internal/geo"
	"walktrack.dev/walktrack/internal/store"
	"walktrack.dev/walktrack/internal/track"
	"walktrack.dev/walktrack/internal/util"
)

// TokenMinter issues stream tokens for freshly started sessions. Nil
// disables token issuance (dev mode with the mock validator).
type TokenMinter interface {
	MintToken(ctx context.Context, sessionID string) (string, error)
}

// ShareCoder turns an invite counter into a short observer share code.
type ShareCoder interface {
	ShareCode(n int64) (string, error)
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Server is the REST side of the service: session lifecycle, batch
// ingestion for clients without a stream connection, and history reads.
type Server struct {
	server   *http.Server
	router   chi.Router
	svc      *track.Service
	store    store.LocationStore
	minter   TokenMinter
	sharer   ShareCoder
	shareSeq int64
	sessions auth.SessionValidator
	validate *validator.Validate
	logger   zerolog.Logger
}

func NewServer(addr string, svc *track.Service, st store.LocationStore, minter TokenMinter, sessions auth.SessionValidator) *Server {
	o := &Server{
		svc:      svc,
		store:    st,
		minter:   minter,
		sessions: sessions,
		validate: validator.New(),
	}
	o.logger = log.With().Str("module", "web").Logger()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Stream-Token"},
		MaxAge:         300,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Post("/sessions", o.startSession)
		r.Route("/sessions/{sessionID}", func(r chi.Router) {
			r.Get("/", o.getSession)
			r.Post("/locations", o.postLocations)
			r.Post("/pause", o.pauseSession)
			r.Post("/resume", o.resumeSession)
			r.Post("/complete", o.completeSession)
			r.Post("/share", o.shareSession)
			r.Put("/fence", o.putFence)
			r.Get("/health", o.getHealth)
			r.Get("/statistics", o.getLiveStatistics)
		})
		r.Route("/walks/{walkID}", func(r chi.Router) {
			r.Get("/locations", o.getHistory)
			r.Get("/statistics", o.getStatistics)
		})
	})
	o.router = r
	o.server = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return o
}

func (s *Server) Run() error {
	s.logger.Info().Msgf("starting api server on %s", s.server.Addr)
	err := s.server.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// SetShareCoder enables the observer share endpoint.
func (s *Server) SetShareCoder(sc ShareCoder) {
	s.sharer = sc
}

func (s *Server) fail(w http.ResponseWriter, status int, code, message string) {
	util.JsonWrite(w, status, apiError{Code: code, Message: message})
}

// authorized checks the session token on ingestion endpoints. The token
// comes from the X-Stream-Token header or a token query parameter, same
// as the stream handshake. A nil validator admits everything.
func (s *Server) authorized(w http.ResponseWriter, r *http.Request, sessionID string) bool {
	if s.sessions == nil {
		return true
	}
	token := r.Header.Get("X-Stream-Token")
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	ok, err := s.sessions.Validate(r.Context(), sessionID, token)
	if err != nil {
		s.logger.Err(err).Str("session_id", sessionID).Msg("token validation error")
		s.fail(w, http.StatusInternalServerError, "internal", "token validation error")
		return false
	}
	if !ok {
		s.fail(w, http.StatusUnauthorized, "unauthorized", "invalid session token")
		return false
	}
	return true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.fail(w, http.StatusBadRequest, "bad_request", "malformed json body")
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		s.fail(w, http.StatusBadRequest, "bad_request", err.Error())
		return false
	}
	return true
}

type startSessionRequest struct {
	WalkID     string `json:"walk_id" validate:"required"`
	WalkerID   string `json:"walker_id" validate:"required"`
	DogID      string `json:"dog_id" validate:"required"`
	BufferSize int    `json:"buffer_size" validate:"gte=0,lte=1000"`
}

type startSessionResponse struct {
	Session track.Snapshot `json:"session"`
	Token   string         `json:"token,omitempty"`
}

func (s *Server) startSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if !s.decode(w, r, &req) {
		return
	}
	var (
		session *track.Session
		err     error
	)
	if req.BufferSize > 0 {
		session, err = s.svc.StartBuffered(r.Context(), req.WalkID, req.WalkerID, req.DogID, req.BufferSize)
	} else {
		session, err = s.svc.Start(r.Context(), req.WalkID, req.WalkerID, req.DogID)
	}
	if err != nil {
		if errors.Is(err, track.ErrBadInput) {
			s.fail(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
		s.logger.Err(err).Msg("start session failed")
		s.fail(w, http.StatusInternalServerError, "storage_failed", "could not persist session")
		return
	}
	resp := startSessionResponse{Session: session.Snapshot()}
	if s.minter != nil {
		token, err := s.minter.MintToken(r.Context(), session.ID)
		if err != nil {
			s.logger.Err(err).Str("session_id", session.ID).Msg("token mint failed")
		} else {
			resp.Token = token
		}
	}
	util.JsonWrite(w, http.StatusCreated, resp)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	session, ok := s.svc.Get(chi.URLParam(r, "sessionID"))
	if !ok {
		s.fail(w, http.StatusNotFound, "session_not_found", "no active session for id")
		return
	}
	util.JsonWrite(w, http.StatusOK, session.Snapshot())
}

type locationRequest struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Accuracy  float64   `json:"accuracy"`
	Altitude  float64   `json:"altitude"`
	Timestamp time.Time `json:"timestamp"`
}

// postLocations ingests one reading or an array of readings through the
// same pipeline the stream uses. A single malformed reading is a 400; in
// an array it is counted in the batch result instead.
func (s *Server) postLocations(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if !s.authorized(w, r, sessionID) {
		return
	}
	session, ok := s.svc.Get(sessionID)
	if !ok {
		s.fail(w, http.StatusNotFound, "session_not_found", "no active session for id")
		return
	}

	var body json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.fail(w, http.StatusBadRequest, "bad_request", "malformed json body")
		return
	}
	var reqs []locationRequest
	single := false
	if len(body) > 0 && body[0] == '[' {
		if err := json.Unmarshal(body, &reqs); err != nil {
			s.fail(w, http.StatusBadRequest, "invalid_location", "malformed location array")
			return
		}
	} else {
		var one locationRequest
		if err := json.Unmarshal(body, &one); err != nil {
			s.fail(w, http.StatusBadRequest, "invalid_location", "malformed location")
			return
		}
		reqs = []locationRequest{one}
		single = true
	}

	locs := make([]*track.Location, 0, len(reqs))
	for _, lr := range reqs {
		loc, err := track.NewLocation(session.WalkID(), lr.Latitude, lr.Longitude, lr.Accuracy, lr.Altitude, lr.Timestamp)
		if err != nil && single {
			s.fail(w, http.StatusBadRequest, "invalid_location", err.Error())
			return
		}
		locs = append(locs, &loc)
	}
	result, err := s.svc.ProcessBatch(r.Context(), sessionID, locs)
	if err != nil {
		switch {
		case errors.Is(err, track.ErrBatchTooLarge):
			s.fail(w, http.StatusRequestEntityTooLarge, "batch_too_large", err.Error())
		case errors.Is(err, track.ErrSessionNotFound):
			s.fail(w, http.StatusNotFound, "session_not_found", err.Error())
		default:
			s.logger.Err(err).Str("session_id", sessionID).Msg("batch ingest failed")
			s.fail(w, http.StatusInternalServerError, "storage_failed", "could not store batch")
		}
		return
	}
	util.JsonWrite(w, http.StatusOK, result)
}

func (s *Server) pauseSession(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, chi.URLParam(r, "sessionID"), s.svc.Pause)
}

func (s *Server) resumeSession(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, chi.URLParam(r, "sessionID"), s.svc.Resume)
}

func (s *Server) lifecycle(w http.ResponseWriter, sessionID string, op func(string) error) {
	err := op(sessionID)
	switch {
	case err == nil:
		util.JsonWrite(w, http.StatusOK, map[string]bool{"ok": true})
	case errors.Is(err, track.ErrSessionNotFound):
		s.fail(w, http.StatusNotFound, "session_not_found", err.Error())
	case errors.Is(err, track.ErrBadState):
		s.fail(w, http.StatusConflict, "bad_state", err.Error())
	default:
		s.fail(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

func (s *Server) completeSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	snap, err := s.svc.Complete(r.Context(), sessionID)
	switch {
	case err == nil:
		util.JsonWrite(w, http.StatusOK, snap)
	case errors.Is(err, track.ErrSessionNotFound):
		s.fail(w, http.StatusNotFound, "session_not_found", err.Error())
	case errors.Is(err, track.ErrBadState):
		s.fail(w, http.StatusConflict, "bad_state", err.Error())
	default:
		s.logger.Err(err).Str("session_id", sessionID).Msg("complete failed")
		s.fail(w, http.StatusInternalServerError, "storage_failed", "could not flush session")
	}
}

// shareSession issues a fresh observer token and a short share code for
// the session. Both go into the invite link; the code alone identifies
// the invite without exposing the session id.
func (s *Server) shareSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if _, ok := s.svc.Get(sessionID); !ok {
		s.fail(w, http.StatusNotFound, "session_not_found", "no active session for id")
		return
	}
	if s.minter == nil || s.sharer == nil {
		s.fail(w, http.StatusServiceUnavailable, "share_unavailable", "sharing is not configured")
		return
	}
	token, err := s.minter.MintToken(r.Context(), sessionID)
	if err != nil {
		s.logger.Err(err).Str("session_id", sessionID).Msg("share token mint failed")
		s.fail(w, http.StatusInternalServerError, "storage_failed", "could not mint share token")
		return
	}
	code, err := s.sharer.ShareCode(atomic.AddInt64(&s.shareSeq, 1))
	if err != nil {
		s.fail(w, http.StatusInternalServerError, "internal", "could not derive share code")
		return
	}
	util.JsonWrite(w, http.StatusCreated, struct {
		SessionID string `json:"session_id"`
		Code      string `json:"code"`
		Token     string `json:"token"`
	}{sessionID, code, token})
}

type fenceRequest struct {
	Latitude  float64 `json:"latitude" validate:"gte=-90,lte=90"`
	Longitude float64 `json:"longitude" validate:"gte=-180,lte=180"`
	Radius    float64 `json:"radius" validate:"gt=0"`
	Active    bool    `json:"active"`
}

func (s *Server) putFence(w http.ResponseWriter, r *http.Request) {
	var req fenceRequest
	if !s.decode(w, r, &req) {
		return
	}
	fence := &geo.Fence{
		Latitude:  req.Latitude,
		Longitude: req.Longitude,
		Radius:    req.Radius,
		Active:    req.Active,
	}
	err := s.svc.SetFence(chi.URLParam(r, "sessionID"), fence)
	if errors.Is(err, track.ErrSessionNotFound) {
		s.fail(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	util.JsonWrite(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) getHealth(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	status, err := s.svc.MonitorHealth(sessionID)
	if errors.Is(err, track.ErrSessionNotFound) {
		s.fail(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	util.JsonWrite(w, http.StatusOK, struct {
		SessionID string             `json:"session_id"`
		Status    track.HealthStatus `json:"status"`
	}{sessionID, status})
}

// getLiveStatistics reads the in-memory session, not storage.
func (s *Server) getLiveStatistics(w http.ResponseWriter, r *http.Request) {
	session, ok := s.svc.Get(chi.URLParam(r, "sessionID"))
	if !ok {
		s.fail(w, http.StatusNotFound, "session_not_found", "no active session for id")
		return
	}
	util.JsonWrite(w, http.StatusOK, session.Statistics())
}

func (s *Server) getHistory(w http.ResponseWriter, r *http.Request) {
	walkID := chi.URLParam(r, "walkID")
	locs, err := s.store.GetLocationHistory(r.Context(), walkID)
	if err != nil {
		s.logger.Err(err).Str("walk_id", walkID).Msg("history read failed")
		s.fail(w, http.StatusInternalServerError, "storage_failed", "could not read history")
		return
	}
	util.JsonWrite(w, http.StatusOK, locs)
}

func (s *Server) getStatistics(w http.ResponseWriter, r *http.Request) {
	walkID := chi.URLParam(r, "walkID")
	stats, err := s.store.GetSessionStatistics(r.Context(), walkID)
	if err != nil {
		s.logger.Err(err).Str("walk_id", walkID).Msg("statistics read failed")
		s.fail(w, http.StatusInternalServerError, "storage_failed", "could not read statistics")
		return
	}
	util.JsonWrite(w, http.StatusOK, stats)
}
