package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/signalsfoundry/simrunner/internal/auth"
	"github.com/signalsfoundry/simrunner/internal/control"
	"github.com/signalsfoundry/simrunner/internal/engine"
	"github.com/signalsfoundry/simrunner/internal/framecodec"
	"github.com/signalsfoundry/simrunner/internal/logging"
	"github.com/signalsfoundry/simrunner/internal/observability"
	"github.com/signalsfoundry/simrunner/internal/runner"
)

// Commander is the part of runner.Registry the REST layer drives.
type Commander interface {
	Start(ctx context.Context, tenant string, scenarios []engine.Scenario, flags engine.Flags) (*runner.Runner, error)
	Stop(ctx context.Context, tenant string) error
	Skip(ctx context.Context, tenant string) error
	LookupID(id string) (*runner.Runner, bool)
}

// ServerConfig shapes the HTTP and websocket surface.
type ServerConfig struct {
	// PingInterval is how often sockets are pinged. A peer that misses two
	// pongs is dropped. Zero disables keepalive.
	PingInterval time.Duration
	// FrameEncoding is used when a viewer does not ask for one.
	FrameEncoding framecodec.Encoding
	// Reconnect is advertised to viewers in the hello message.
	Reconnect ReconnectPolicy
	// CheckOrigin overrides the websocket origin check. Nil accepts any
	// origin, since every socket is authenticated by token.
	CheckOrigin func(r *http.Request) bool
}

// DefaultServerConfig returns the production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		PingInterval:  20 * time.Second,
		FrameEncoding: framecodec.EncodingBinary,
		Reconnect:     DefaultReconnectPolicy(),
	}
}

// Server exposes viewer and control sockets plus the thin REST command layer.
type Server struct {
	manager  *Manager
	commands Commander
	resolver auth.Resolver
	cfg      ServerConfig
	log      logging.Logger
	upgrader websocket.Upgrader
}

// NewServer wires the HTTP surface. log may be nil.
func NewServer(manager *Manager, commands Commander, resolver auth.Resolver, cfg ServerConfig, log logging.Logger) *Server {
	if log == nil {
		log = logging.Noop()
	}
	if cfg.FrameEncoding == "" {
		cfg.FrameEncoding = framecodec.EncodingBinary
	}
	check := cfg.CheckOrigin
	if check == nil {
		check = func(*http.Request) bool { return true }
	}
	return &Server{
		manager:  manager,
		commands: commands,
		resolver: resolver,
		cfg:      cfg,
		log:      log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     check,
		},
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/viewer", s.serveViewer)
	mux.HandleFunc("GET /ws/control", s.serveControl)
	mux.HandleFunc("POST /api/v1/session/start", s.handleStart)
	mux.HandleFunc("POST /api/v1/session/stop", s.handleStop)
	mux.HandleFunc("POST /api/v1/session/skip", s.handleSkip)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return s.withRequestID(mux)
}

func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if id := r.Header.Get("X-Request-Id"); id != "" {
			ctx = logging.ContextWithRequestID(ctx, id)
		}
		ctx, log := logging.WithRequestLogger(ctx, s.log)
		ctx = logging.ContextWithLogger(ctx, log)
		w.Header().Set("X-Request-Id", logging.RequestIDFromContext(ctx))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) authenticate(r *http.Request) (string, error) {
	if s.resolver == nil {
		return "", auth.ErrUnauthenticated
	}
	return s.resolver.Resolve(r.Context(), auth.FromRequest(r))
}

// StartRequest is the body of POST /api/v1/session/start.
type StartRequest struct {
	Scenarios []engine.Scenario `json:"scenarios"`
	Flags     engine.Flags      `json:"flags,omitempty"`
}

// CommandResponse acknowledges an accepted command. Completion is reported on
// the status stream.
type CommandResponse struct {
	Accepted bool   `json:"accepted"`
	RunnerID string `json:"runner_id,omitempty"`
	Code     string `json:"code,omitempty"`
	Error    string `json:"error,omitempty"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	tenant, err := s.authenticate(r)
	if err != nil {
		s.writeError(w, r, err, "")
		return
	}
	var req StartRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, CommandResponse{Code: "bad_request", Error: err.Error()})
		return
	}
	rn, err := s.commands.Start(r.Context(), tenant, req.Scenarios, req.Flags)
	runnerID := ""
	if rn != nil {
		runnerID = rn.ID()
	}
	if err != nil {
		s.writeError(w, r, err, runnerID)
		return
	}
	writeJSON(w, http.StatusAccepted, CommandResponse{Accepted: true, RunnerID: runnerID})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.handleCommand(w, r, s.commands.Stop)
}

func (s *Server) handleSkip(w http.ResponseWriter, r *http.Request) {
	s.handleCommand(w, r, s.commands.Skip)
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request, cmd func(context.Context, string) error) {
	tenant, err := s.authenticate(r)
	if err != nil {
		s.writeError(w, r, err, "")
		return
	}
	if err := cmd(r.Context(), tenant); err != nil {
		s.writeError(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusAccepted, CommandResponse{Accepted: true})
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error, runnerID string) {
	status, code := HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		logging.LoggerFromContext(r.Context(), s.log).Error(r.Context(), "request failed",
			logging.String("path", r.URL.Path),
			logging.Err(err),
		)
	}
	writeJSON(w, status, CommandResponse{RunnerID: runnerID, Code: code, Error: err.Error()})
}

// HTTPStatus maps an error onto an HTTP status and a stable code.
func HTTPStatus(err error) (int, string) {
	switch {
	case errors.Is(err, auth.ErrUnauthenticated):
		return http.StatusUnauthorized, "unauthenticated"
	case errors.Is(err, control.ErrUnauthorized):
		return http.StatusForbidden, "unauthorized"
	case errors.Is(err, control.ErrInvalidRange):
		return http.StatusBadRequest, "invalid_range"
	case errors.Is(err, control.ErrUnknownController):
		return http.StatusBadRequest, "unknown_controller"
	case errors.Is(err, runner.ErrEmptyScenarioList):
		return http.StatusBadRequest, runner.Code(err)
	case errors.Is(err, runner.ErrAlreadyRunning),
		errors.Is(err, runner.ErrTransitionInProgress),
		errors.Is(err, runner.ErrNotRunning),
		errors.Is(err, runner.ErrCannotSkip):
		return http.StatusConflict, runner.Code(err)
	case errors.Is(err, runner.ErrRegistryClosed), errors.Is(err, ErrClosed):
		return http.StatusServiceUnavailable, "unavailable"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "cancelled"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Hello is the first message on a viewer socket.
type Hello struct {
	Type          string         `json:"type"`
	ViewerID      string         `json:"viewer_id"`
	Tenant        string         `json:"tenant"`
	FrameEncoding string         `json:"frame_encoding"`
	StatusOnly    bool           `json:"status_only"`
	Reconnect     ReconnectHello `json:"reconnect"`
}

// ReconnectHello is the wire form of a ReconnectPolicy.
type ReconnectHello struct {
	MaxAttempts    int   `json:"max_attempts"`
	InitialDelayMs int64 `json:"initial_delay_ms"`
	MaxDelayMs     int64 `json:"max_delay_ms"`
}

// Policy converts the wire form back to a ReconnectPolicy.
func (h ReconnectHello) Policy() ReconnectPolicy {
	return ReconnectPolicy{
		MaxAttempts:  h.MaxAttempts,
		InitialDelay: time.Duration(h.InitialDelayMs) * time.Millisecond,
		MaxDelay:     time.Duration(h.MaxDelayMs) * time.Millisecond,
	}
}

// MessageTypeHello discriminates the hello message.
const MessageTypeHello = "hello"

// serveViewer upgrades a viewer socket. Query parameters: token, frames
// (binary|json) and status_only.
func (s *Server) serveViewer(w http.ResponseWriter, r *http.Request) {
	tenant, err := s.authenticate(r)
	if err != nil {
		s.writeError(w, r, err, "")
		return
	}
	q := r.URL.Query()
	enc := s.cfg.FrameEncoding
	if raw := q.Get("frames"); raw != "" {
		if enc, err = framecodec.ParseEncoding(raw); err != nil {
			writeJSON(w, http.StatusBadRequest, CommandResponse{Code: "bad_request", Error: err.Error()})
			return
		}
	}
	statusOnly := q.Get("status_only") == "true" || q.Get("status_only") == "1"

	c, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	ws := newWSConn(c)
	log := logging.LoggerFromContext(r.Context(), s.log).With(logging.String("tenant", tenant))

	sink := &viewerSink{wsConn: ws, encoding: enc}
	// The hello is written before the sink is attached, so it is always the
	// first message and never races the subscriber goroutine.
	viewerID := uuid.NewString()
	if err := ws.writeJSON(r.Context(), Hello{
		Type:          MessageTypeHello,
		ViewerID:      viewerID,
		Tenant:        tenant,
		FrameEncoding: string(enc),
		StatusOnly:    statusOnly,
		Reconnect: ReconnectHello{
			MaxAttempts:    s.cfg.Reconnect.MaxAttempts,
			InitialDelayMs: s.cfg.Reconnect.InitialDelay.Milliseconds(),
			MaxDelayMs:     s.cfg.Reconnect.MaxDelay.Milliseconds(),
		},
	}); err != nil {
		_ = ws.Close()
		return
	}

	id, err := s.manager.AttachViewer(r.Context(), tenant, sink, ViewerOptions{ID: viewerID, StatusOnly: statusOnly, Kind: observability.KindViewer})
	if err != nil {
		log.Warn(r.Context(), "viewer attach failed", logging.Err(err))
		ws.closeWith(CloseShutdown, err.Error())
		return
	}
	log = log.With(logging.String("viewer_id", id))
	log.Info(r.Context(), "viewer connected", logging.String("frames", string(enc)))
	defer func() {
		s.manager.DetachViewer(tenant, id)
		log.Info(context.Background(), "viewer disconnected")
	}()

	s.keepalive(ws)
	// Viewers have nothing to say; reading services pongs and close frames.
	for {
		if _, _, err := c.ReadMessage(); err != nil {
			return
		}
	}
}

// keepalive pings ws until it closes and arranges for the read side to time
// out when pongs stop arriving.
func (s *Server) keepalive(ws *wsConn) {
	if s.cfg.PingInterval <= 0 {
		return
	}
	wait := 2 * s.cfg.PingInterval
	_ = ws.conn.SetReadDeadline(time.Now().Add(wait))
	ws.conn.SetPongHandler(func(string) error {
		return ws.conn.SetReadDeadline(time.Now().Add(wait))
	})
	go func() {
		t := time.NewTicker(s.cfg.PingInterval)
		defer t.Stop()
		for {
			select {
			case <-ws.Done():
				return
			case <-t.C:
				if err := ws.ping(); err != nil {
					_ = ws.Close()
					return
				}
			}
		}
	}()
}

// controlSession is one control socket.
type controlSession struct {
	id         string
	ws         *wsConn
	controller control.ControllerType
	runnerID   string
}

func (c *controlSession) ID() string { return c.id }

func (c *controlSession) Displace() {
	c.ws.closeWith(CloseDisplaced, "displaced by a newer control connection")
}

func (c *controlSession) Shutdown() { c.ws.Shutdown() }

// ControlReply is sent back on a control socket when a command is rejected.
type ControlReply struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// serveControl upgrades a control socket. Query parameters: token,
// controller (keyboard|gamepad|autopilot) and an optional runner id that pins
// every command to one runner.
func (s *Server) serveControl(w http.ResponseWriter, r *http.Request) {
	tenant, err := s.authenticate(r)
	if err != nil {
		s.writeError(w, r, err, "")
		return
	}
	q := r.URL.Query()
	ct, err := control.ParseControllerType(q.Get("controller"))
	if err != nil {
		s.writeError(w, r, err, "")
		return
	}
	runnerID := q.Get("runner")
	if runnerID != "" {
		rn, ok := s.commands.LookupID(runnerID)
		if !ok {
			writeJSON(w, http.StatusNotFound, CommandResponse{Code: "not_found", Error: "runner not found"})
			return
		}
		if rn.Tenant() != tenant {
			s.writeError(w, r, control.ErrUnauthorized, "")
			return
		}
	}

	c, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	cs := &controlSession{id: uuid.NewString(), ws: newWSConn(c), controller: ct, runnerID: runnerID}
	log := logging.LoggerFromContext(r.Context(), s.log).With(
		logging.String("tenant", tenant),
		logging.String("control_id", cs.id),
	)
	if err := s.manager.ClaimControl(tenant, cs); err != nil {
		cs.ws.closeWith(CloseShutdown, err.Error())
		return
	}
	opened := time.Now()
	log.Info(r.Context(), "control connected", logging.String("controller", string(ct)))
	defer func() {
		s.manager.ReleaseControl(tenant, cs, time.Since(opened))
		_ = cs.ws.Close()
		log.Info(context.Background(), "control disconnected")
	}()

	s.keepalive(cs.ws)
	ctx := r.Context()
	for {
		mt, data, err := c.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		var cmd control.Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			_ = cs.ws.writeJSON(ctx, ControlReply{Type: "error", Code: "bad_request", Message: err.Error()})
			continue
		}
		if cmd.ControllerType == "" {
			cmd.ControllerType = cs.controller
		}
		if cmd.RunnerID == "" {
			cmd.RunnerID = cs.runnerID
		}
		cmd.ReceivedAt = time.Now()

		err = s.manager.SubmitControl(ctx, tenant, cs, cmd)
		switch {
		case err == nil:
		case errors.Is(err, ErrDisplaced):
			return
		case errors.Is(err, control.ErrUnauthorized):
			log.Warn(ctx, "control connection rejected", logging.Err(err))
			cs.ws.closeWith(CloseUnauthorized, "runner belongs to another tenant")
			return
		default:
			_, code := HTTPStatus(err)
			_ = cs.ws.writeJSON(ctx, ControlReply{Type: "error", Code: code, Message: err.Error()})
		}
	}
}
