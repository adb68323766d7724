package server

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/thejerf/suture/v4"

	"github.com/fenggwsx/SlashLive/internal/config"
	"github.com/fenggwsx/SlashLive/internal/logging"
	"github.com/fenggwsx/SlashLive/internal/metrics"
	"github.com/fenggwsx/SlashLive/internal/protocol"
	"github.com/fenggwsx/SlashLive/internal/storage"
	"github.com/fenggwsx/SlashLive/internal/supervisor"
)

type handlerFunc func(ctx context.Context, c *Connection, data json.RawMessage) (interface{}, error)

// App wires the realtime components together and serves the websocket
// endpoint, the internal API and the operational endpoints.
type App struct {
	cfg        config.ServerConfig
	store      storage.Store
	membership storage.MembershipStore

	registry    *Registry
	broadcaster *Broadcaster
	authority   *Authority
	presence    *Synchronizer
	notifier    *Notifier
	sweeper     *RetentionSweeper
	gate        *Gate

	invites *inviteBook

	upgrader websocket.Upgrader
	handlers map[string]handlerFunc
	baseCtx  context.Context
	sessions sync.WaitGroup
	now      func() time.Time
}

// Option customises an App.
type Option func(*App)

// WithMembership reads chat-room membership from m instead of the store.
func WithMembership(m storage.MembershipStore) Option {
	return func(a *App) { a.membership = m }
}

// NewApp constructs a server instance using the provided dependencies.
func NewApp(cfg config.ServerConfig, store storage.Store, opts ...Option) *App {
	a := &App{
		cfg:        cfg,
		store:      store,
		membership: store,
		baseCtx:    context.Background(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}

	a.registry = NewRegistry()
	a.broadcaster = NewBroadcaster(a.registry)
	a.authority = NewAuthority(a.membership, store)
	a.presence = NewSynchronizer(store, a.broadcaster, SynchronizerConfig{
		Workers:      cfg.Presence.Workers,
		QueueSize:    cfg.Presence.QueueSize,
		StaleAfter:   cfg.Presence.StaleAfter,
		WriteTimeout: cfg.Database.WriteTimeout,
	})
	a.notifier = NewNotifier(store, cfg.Notifier.Workers, cfg.Notifier.QueueSize, cfg.Database.WriteTimeout)
	a.sweeper = NewRetentionSweeper(store, cfg.Presence.Retention, cfg.Presence.SweepInterval)
	a.gate = NewGate(cfg.JWT, store)
	a.invites = newInviteBook(inviteTTL)
	a.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(cfg.WebSocket.AllowedOrigins),
	}
	a.handlers = a.routes()
	return a
}

// Run migrates the store and serves until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	if err := a.store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	a.baseCtx = ctx

	srv := &http.Server{
		Addr:              a.cfg.ListenAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	for _, svc := range a.Services() {
		tree.AddWorker(svc)
	}
	tree.AddTransport(supervisor.NewHTTPService(srv, 10*time.Second))

	logging.Info().Str("addr", a.cfg.ListenAddr).Msg("slashlive listening")
	err := tree.Serve(ctx)
	a.awaitSessions(supervisor.DefaultTreeConfig().ShutdownTimeout)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// awaitSessions waits for open websocket sessions to be detached. Hijacked
// connections outlive the HTTP server, and their offline transitions must
// reach the store before it is closed.
func (a *App) awaitSessions(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		a.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		users, conns := a.registry.Counts()
		logging.Warn().Int("users", users).Int("connections", conns).Msg("sessions still open at shutdown")
		return false
	}
}

// Services returns the background workers Run supervises.
func (a *App) Services() []suture.Service {
	return []suture.Service{a.presence, a.notifier, a.sweeper}
}

// Handler returns the HTTP routes of the server.
func (a *App) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", a.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws", a.serveWS)
	r.Route("/internal", a.internalRoutes)
	return r
}

func (a *App) handleHealth(w http.ResponseWriter, _ *http.Request) {
	users, conns := a.registry.Counts()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"users":       users,
		"connections": conns,
	})
}

func (a *App) serveWS(w http.ResponseWriter, r *http.Request) {
	user, err := a.gate.Authenticate(r.Context(), r)
	if err != nil {
		e := classify(err)
		status := http.StatusUnauthorized
		if e.Kind == KindPersistence {
			status = http.StatusServiceUnavailable
		}
		metrics.ConnectionsRejected.WithLabelValues(string(e.Kind)).Inc()
		logging.Info().Err(e).Str("remote", r.RemoteAddr).Msg("websocket upgrade rejected")
		http.Error(w, e.clientMessage(), status)
		return
	}

	ws, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Debug().Err(err).Uint("user_id", user.ID).Msg("websocket upgrade failed")
		return
	}

	c := newConnection(ws, *user, a.cfg.WebSocket.SendQueue)
	if err := a.attach(c); err != nil {
		c.log.Error().Err(err).Msg("register connection")
		_ = ws.Close()
		return
	}
	a.sessions.Add(1)

	ctx, cancel := context.WithCancel(a.baseCtx)
	stop := context.AfterFunc(ctx, c.close)
	defer func() {
		stop()
		cancel()
		a.detach(c)
		a.sessions.Done()
	}()

	go c.writePump(a.cfg.WebSocket)
	c.readPump(ctx, a.cfg.WebSocket, a.handleFrame)
}

// attach registers a connection and, for a user's first connection,
// queues the online transition.
func (a *App) attach(c *Connection) error {
	tr, first, err := a.registry.Register(c)
	if err != nil {
		return err
	}
	c.log.Info().Str("remote", c.remoteAddr()).Bool("first", first).Msg("connection opened")
	if first {
		a.submitPresence(tr)
	}
	return nil
}

// detach removes a connection from the registry and every room, tells the
// rooms it left, and for a user's last connection queues the offline
// transition.
func (a *App) detach(c *Connection) {
	rooms := a.registry.JoinedRooms(c.ID())
	tr, last := a.registry.Deregister(c.ID())
	c.close()

	ctx := context.WithoutCancel(a.baseCtx)
	for _, room := range rooms {
		switch room.Kind {
		case RoomChat:
			if !a.registry.UserInRoom(c.UserID(), room) {
				a.broadcaster.BroadcastToRoom(room, protocol.EventUserLeft, protocol.RoomMember{
					RoomID: room.ID, UserID: c.UserID(), Username: c.Username(),
				}, BroadcastOptions{})
			}
		case RoomCall:
			a.departCall(ctx, c.summary(), room.ID, "disconnected")
		}
	}
	if last {
		a.submitPresence(tr)
	}
	c.log.Info().Bool("last", last).Int("rooms", len(rooms)).Msg("connection closed")
}

func (a *App) submitPresence(tr Transition) {
	ctx, cancel := a.writeContext(a.baseCtx)
	defer cancel()
	if err := a.presence.Submit(ctx, tr); err != nil {
		logging.Warn().Err(err).Uint("user_id", tr.UserID).Str("kind", tr.Kind.String()).Msg("presence queue full")
	}
}

// writeContext detaches ctx from cancellation so a durable write started on
// behalf of a connection finishes even if the connection goes away.
func (a *App) writeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := a.cfg.Database.WriteTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return context.WithTimeout(context.WithoutCancel(ctx), timeout)
}

func (a *App) handleFrame(ctx context.Context, c *Connection, frame []byte) {
	req, err := protocol.DecodeRequest(frame)
	if err != nil {
		metrics.InboundEvents.WithLabelValues("malformed", string(KindInvalid)).Inc()
		a.sendError(c, req.ID, invalidError("malformed frame", err))
		return
	}
	a.dispatch(ctx, c, req)
}

// dispatch runs the handler for one request and answers it with exactly one
// ack or error.
func (a *App) dispatch(ctx context.Context, c *Connection, req protocol.Request) {
	handler, ok := a.handlers[req.Event]
	if !ok {
		metrics.InboundEvents.WithLabelValues("unknown", string(KindInvalid)).Inc()
		a.sendError(c, req.ID, invalidError("unsupported event "+req.Event, nil))
		return
	}

	start := time.Now()
	result, err := handler(ctx, c, req.Data)
	metrics.HandlerDuration.WithLabelValues(req.Event).Observe(time.Since(start).Seconds())

	if err != nil {
		e := classify(err)
		metrics.InboundEvents.WithLabelValues(req.Event, string(e.Kind)).Inc()
		event := c.log.Debug()
		if e.Kind == KindPersistence {
			event = c.log.Error()
		}
		event.Err(e).Str("event", req.Event).Str("ref", req.ID).Msg("request failed")
		a.sendError(c, req.ID, e)
		return
	}
	metrics.InboundEvents.WithLabelValues(req.Event, "ok").Inc()
	a.sendAck(c, req.ID, result)
}

func (a *App) routes() map[string]handlerFunc {
	return map[string]handlerFunc{
		protocol.EventJoinConversations: a.handleJoinConversations,
		protocol.EventJoinRoom:          a.handleJoinRoom,
		protocol.EventJoinConversation:  a.handleJoinRoom,
		protocol.EventLeaveRoom:         a.handleLeaveRoom,
		protocol.EventLeaveConversation: a.handleLeaveRoom,
		protocol.EventSendMessage:       a.handleSendMessage,
		protocol.EventTyping:            a.typingHandler(protocol.EventUserTyping),
		protocol.EventStopTyping:        a.typingHandler(protocol.EventUserStoppedTyping),
		protocol.EventMarkRead:          a.handleMarkRead,

		protocol.EventJoinCallRoom:     a.handleJoinCallRoom,
		protocol.EventLeaveCallRoom:    a.handleLeaveCallRoom,
		protocol.EventOffer:            a.signalHandler(protocol.EventOffer),
		protocol.EventAnswer:           a.signalHandler(protocol.EventAnswer),
		protocol.EventICECandidate:     a.signalHandler(protocol.EventICECandidate),
		protocol.EventToggleVideo:      a.toggleHandler(protocol.EventUserToggleVideo, toggleCamera),
		protocol.EventToggleAudio:      a.toggleHandler(protocol.EventUserToggleAudio, toggleMicrophone),
		protocol.EventStartScreenShare: a.toggleHandler(protocol.EventUserStartScreenShare, setScreenShare(true)),
		protocol.EventStopScreenShare:  a.toggleHandler(protocol.EventUserStopScreenShare, setScreenShare(false)),
		protocol.EventInitiateCall:     a.handleInitiateCall,
		protocol.EventAcceptCall:       a.callReplyHandler(protocol.EventCallAccepted),
		protocol.EventDeclineCall:      a.callReplyHandler(protocol.EventCallDeclined),
		protocol.EventEndCall:          a.handleEndCall,
		protocol.EventKickParticipant:  a.handleKickParticipant,

		protocol.EventUpdateStatus:   a.handleUpdateStatus,
		protocol.EventUpdateActivity: a.handleUpdateActivity,
		protocol.EventHeartbeat:      a.handleHeartbeat,
		protocol.EventGetUserStatus:  a.handleGetUserStatus,
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(allowed, origin)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Debug().Err(err).Msg("write json response")
	}
}
