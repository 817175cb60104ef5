package webstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"nhooyr.io/websocket"

	"walktrack.dev/walktrack/internal/auth"
	"walktrack.dev/walktrack/internal/track"
)

const (
	// actions a client may declare on an inbound frame
	ALocationUpdate = "location_update"
	ASubscribe      = "subscribe"
	AComplete       = "complete"

	updateTopicPrefix = "walk.updates."
)

type StreamConfig struct {
	ListenAddr string
	// MaxConnections caps the registry; beyond it new connections are
	// refused with a capacity close frame, never dropped silently.
	MaxConnections int
	// ReadLimit rejects oversized frames.
	ReadLimit int64
	// PongWait is the read deadline; any read activity resets it.
	PongWait time.Duration
	// PingPeriod must stay below PongWait so the peer always sees a ping
	// within its own deadline window.
	PingPeriod time.Duration
	WriteWait  time.Duration
	// PushBuffer is the per-connection outbound queue; frames beyond it
	// are dropped and counted.
	PushBuffer int
}

func (c *StreamConfig) defaults() {
	if c.MaxConnections <= 0 {
		c.MaxConnections = 10000
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 4096
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.PingPeriod <= 0 {
		c.PingPeriod = 54 * time.Second
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.PushBuffer <= 0 {
		c.PushBuffer = 16
	}
}

// Server manages the long-lived websocket connections: heartbeats,
// backpressure, inbound action routing into the ingestion pipeline and
// outbound fan-out through per-session sublists.
type Server struct {
	server    *http.Server
	logger    zerolog.Logger
	svc       *track.Service
	validator auth.SessionValidator
	config    StreamConfig

	mu          sync.Mutex
	cidCounter  uint64
	connections map[uint64]*Client

	sublists *SublistMap

	ctx    context.Context
	cancel context.CancelFunc
}

func NewServer(svc *track.Service, validator auth.SessionValidator, config StreamConfig) *Server {
	config.defaults()
	o := &Server{svc: svc, validator: validator, config: config}
	o.connections = make(map[uint64]*Client)
	o.sublists = NewSublistMap()
	o.server = &http.Server{
		Addr:           config.ListenAddr,
		Handler:        http.HandlerFunc(o.serve_http),
		ReadTimeout:    10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	o.logger = log.With().Str("module", "webstream").Logger()
	o.ctx, o.cancel = context.WithCancel(context.Background())
	return o
}

func (ws *Server) Run() error {
	ws.logger.Info().Msgf("starting stream server on %s", ws.server.Addr)
	err := ws.server.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Serve accepts connections from an externally provided listener, e.g. a
// proxy-protocol wrapper or a yamux tunnel session.
func (ws *Server) Serve(ln net.Listener) error {
	ws.logger.Info().Msgf("serving stream connections from %s", ln.Addr())
	err := ws.server.Serve(ln)
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown cancels every per-connection loop and closes the listener. No
// goroutine survives it.
func (ws *Server) Shutdown(ctx context.Context) error {
	ws.cancel()
	ws.mu.Lock()
	for _, c := range ws.connections {
		c.close(websocket.StatusGoingAway, "server shutting down", nil)
	}
	ws.mu.Unlock()
	return ws.server.Shutdown(ctx)
}

func (ws *Server) ConnectionCount() int {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return len(ws.connections)
}

// Publish implements the live-update publisher: frames addressed to
// walk.updates.<sessionID> fan out to that session's subscribers.
func (ws *Server) Publish(topic string, payload []byte) error {
	if !strings.HasPrefix(topic, updateTopicPrefix) {
		return nil
	}
	sessionID := strings.TrimPrefix(topic, updateTopicPrefix)
	if sl, ok := ws.sublists.Get(sessionID, false); ok {
		sl.Send(sessionID, payload)
	}
	return nil
}

func (ws *Server) serve_http(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		ws.logger.Err(err).Msg("error upgrading websocket")
		return
	}
	c.SetReadLimit(ws.config.ReadLimit)

	sessionID := r.URL.Query().Get("session_id")
	token := r.URL.Query().Get("token")
	if token == "" {
		token = r.Header.Get("X-Stream-Token")
	}
	if sessionID == "" {
		c.Close(websocket.StatusPolicyViolation, "missing session id")
		return
	}
	ok, err := ws.validator.Validate(r.Context(), sessionID, token)
	if err != nil {
		ws.logger.Err(err).Str("session_id", sessionID).Msg("token validation error")
		c.Close(websocket.StatusInternalError, "validation error")
		return
	}
	if !ok {
		ws.logger.Info().Str("session_id", sessionID).Msg("invalid stream token")
		c.Close(websocket.StatusPolicyViolation, "auth failure")
		return
	}

	client, err := ws.register(c, sessionID)
	if err != nil {
		c.Close(websocket.StatusTryAgainLater, "capacity exceeded")
		return
	}
	ws.logger.Info().Uint64("cid", client.cid).Str("session_id", sessionID).Msg("stream connection open")

	client.wg.Add(2)
	go client.writeloop()
	go client.readloop()
	client.wg.Wait()
	ws.deregister(client)
	ws.logger.Info().Uint64("cid", client.cid).Uint64("pushed", atomic.LoadUint64(&client.pushed)).Uint64("dropped", atomic.LoadUint64(&client.dropped)).Msg("stream connection closed")
}

var errCapacity = errors.New("connection capacity reached")

func (ws *Server) register(c *websocket.Conn, sessionID string) (*Client, error) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if len(ws.connections) >= ws.config.MaxConnections {
		return nil, errCapacity
	}
	ws.cidCounter++
	client := &Client{
		srv: ws,
		c:   c,
		cid: ws.cidCounter,
		sid: sessionID,
		wch: make(chan []byte, ws.config.PushBuffer),
	}
	client.logger = ws.logger.With().Uint64("cid", client.cid).Logger()
	ws.connections[client.cid] = client
	return client, nil
}

func (ws *Server) deregister(client *Client) {
	ws.mu.Lock()
	delete(ws.connections, client.cid)
	ws.mu.Unlock()
	// drop any sublist registrations; prune also catches them on the
	// next send
	for _, sid := range client.subscribed() {
		if sl, ok := ws.sublists.Get(sid, false); ok {
			sl.Unsubscribe(client)
		}
	}
}

// inbound frame envelope
type message struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

type locationPayload struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Accuracy  float64   `json:"accuracy"`
	Altitude  float64   `json:"altitude"`
	Timestamp time.Time `json:"timestamp"`
}

type subscribePayload struct {
	SessionID string `json:"session_id"`
}

type ack struct {
	Action string             `json:"action"`
	OK     bool               `json:"ok"`
	Error  string             `json:"error,omitempty"`
	Batch  *track.BatchResult `json:"batch,omitempty"`
}

// Client is one long-lived stream connection bound to a session.
type Client struct {
	srv    *Server
	c      *websocket.Conn
	cid    uint64
	sid    string
	logger zerolog.Logger

	wch     chan []byte
	wg      sync.WaitGroup
	pushed  uint64
	dropped uint64
	closed  uint32

	subMu sync.Mutex
	subs  []string
}

// Push queues an outbound frame; on a full queue the frame is dropped and
// counted rather than blocking the sender.
func (cl *Client) Push(sessionID string, data []byte) error {
	if cl.Closed() {
		return net.ErrClosed
	}
	select {
	case cl.wch <- data:
		atomic.AddUint64(&cl.pushed, 1)
	default:
		atomic.AddUint64(&cl.dropped, 1)
		cl.logger.Debug().Msgf("dropping %d bytes on backpressure", len(data))
	}
	return nil
}

func (cl *Client) Closed() bool {
	return atomic.LoadUint32(&cl.closed) == 1
}

func (cl *Client) Name() string {
	return fmt.Sprintf("stream-%d", cl.cid)
}

func (cl *Client) close(code websocket.StatusCode, reason string, err error) {
	if !atomic.CompareAndSwapUint32(&cl.closed, 0, 1) {
		return
	}
	if err != nil {
		cl.logger.Debug().Err(err).Str("reason", reason).Msg("closing connection")
	}
	cl.c.Close(code, reason)
}

func (cl *Client) subscribed() []string {
	cl.subMu.Lock()
	defer cl.subMu.Unlock()
	out := make([]string, len(cl.subs))
	copy(out, cl.subs)
	return out
}

func (cl *Client) addSubscription(sid string) {
	cl.subMu.Lock()
	cl.subs = append(cl.subs, sid)
	cl.subMu.Unlock()
}

// writeloop drains the push queue and keeps the heartbeat going. Ping
// round-trips are handled by the websocket library; a peer that stops
// answering fails the ping and tears the connection down.
func (cl *Client) writeloop() {
	defer cl.wg.Done()
	ticker := time.NewTicker(cl.srv.config.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-cl.srv.ctx.Done():
			cl.close(websocket.StatusGoingAway, "server shutting down", nil)
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(cl.srv.ctx, cl.srv.config.WriteWait)
			err := cl.c.Ping(ctx)
			cancel()
			if err != nil {
				cl.close(websocket.StatusAbnormalClosure, "heartbeat timeout", err)
				return
			}
		case data := <-cl.wch:
			ctx, cancel := context.WithTimeout(cl.srv.ctx, cl.srv.config.WriteWait)
			err := cl.c.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				cl.close(websocket.StatusAbnormalClosure, "write failure", err)
				return
			}
		}
	}
}

// readloop processes inbound frames strictly in arrival order. A read
// deadline of PongWait bounds silence; library-level pong handling counts
// as read activity.
func (cl *Client) readloop() {
	defer cl.wg.Done()
	for {
		ctx, cancel := context.WithTimeout(cl.srv.ctx, cl.srv.config.PongWait)
		_, data, err := cl.c.Read(ctx)
		cancel()
		if err != nil {
			if cl.srv.ctx.Err() != nil {
				cl.close(websocket.StatusGoingAway, "server shutting down", nil)
			} else if errors.Is(err, context.DeadlineExceeded) {
				cl.close(websocket.StatusAbnormalClosure, "heartbeat timeout", err)
			} else {
				cl.close(websocket.StatusAbnormalClosure, "read failure", err)
			}
			return
		}
		if len(data) == 0 {
			continue
		}
		cl.handle(data)
	}
}

func (cl *Client) handle(data []byte) {
	var msg message
	if err := json.Unmarshal(data, &msg); err != nil {
		cl.sendAck(ack{Action: "error", Error: "invalid message format"})
		return
	}
	switch msg.Action {
	case ALocationUpdate:
		cl.handleLocationUpdate(msg.Data)
	case ASubscribe:
		cl.handleSubscribe(msg.Data)
	case AComplete:
		cl.handleComplete()
	default:
		cl.sendAck(ack{Action: msg.Action, Error: "unknown action"})
	}
}

// handleLocationUpdate accepts a single reading or an array of readings
// and hands them to the ingestion pipeline as one batch.
func (cl *Client) handleLocationUpdate(data json.RawMessage) {
	var payloads []locationPayload
	if len(data) > 0 && data[0] == '[' {
		if err := json.Unmarshal(data, &payloads); err != nil {
			cl.sendAck(ack{Action: ALocationUpdate, Error: "invalid location payload"})
			return
		}
	} else {
		var one locationPayload
		if err := json.Unmarshal(data, &one); err != nil {
			cl.sendAck(ack{Action: ALocationUpdate, Error: "invalid location payload"})
			return
		}
		payloads = []locationPayload{one}
	}

	session, ok := cl.srv.svc.Get(cl.sid)
	if !ok {
		cl.sendAck(ack{Action: ALocationUpdate, Error: "session not found"})
		return
	}
	locs := make([]*track.Location, 0, len(payloads))
	for _, p := range payloads {
		// a malformed reading still joins the batch; the pipeline counts
		// it as invalid and moves on
		loc, _ := track.NewLocation(session.WalkID(), p.Latitude, p.Longitude, p.Accuracy, p.Altitude, p.Timestamp)
		locs = append(locs, &loc)
	}
	result, err := cl.srv.svc.ProcessBatch(cl.srv.ctx, cl.sid, locs)
	if err != nil {
		cl.sendAck(ack{Action: ALocationUpdate, Error: err.Error(), Batch: &result})
		return
	}
	cl.sendAck(ack{Action: ALocationUpdate, OK: result.Success, Batch: &result})
}

func (cl *Client) handleSubscribe(data json.RawMessage) {
	var p subscribePayload
	if err := json.Unmarshal(data, &p); err != nil || p.SessionID == "" {
		cl.sendAck(ack{Action: ASubscribe, Error: "invalid subscribe payload"})
		return
	}
	sl, _ := cl.srv.sublists.Get(p.SessionID, true)
	sl.Subscribe(cl)
	cl.addSubscription(p.SessionID)
	cl.sendAck(ack{Action: ASubscribe, OK: true})
}

func (cl *Client) handleComplete() {
	snap, err := cl.srv.svc.Complete(cl.srv.ctx, cl.sid)
	if err != nil {
		cl.sendAck(ack{Action: AComplete, Error: err.Error()})
		return
	}
	cl.sendAck(ack{Action: AComplete, OK: true})
	if sl, ok := cl.srv.sublists.Get(cl.sid, false); ok {
		payload, _ := json.Marshal(snap)
		sl.Send(cl.sid, payload)
	}
	cl.srv.sublists.Remove(cl.sid)
}

// sendAck is best-effort: a full queue just drops it.
func (cl *Client) sendAck(a ack) {
	payload, err := json.Marshal(a)
	if err != nil {
		return
	}
	_ = cl.Push(cl.sid, payload)
}
