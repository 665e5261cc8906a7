package server

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"

	"github.com/bipupu/server/internal/auth"
	"github.com/bipupu/server/internal/broker"
	"github.com/bipupu/server/internal/config"
	"github.com/bipupu/server/internal/dispatch"
	"github.com/bipupu/server/internal/model"
	"github.com/bipupu/server/internal/push"
	"github.com/bipupu/server/internal/registry"
	"github.com/bipupu/server/internal/relay"
	"github.com/bipupu/server/internal/serviceacct"
	"github.com/bipupu/server/internal/store"
	"github.com/bipupu/server/internal/subscription"
)

// Server wires storage, the cache broker, the connection registry, and
// the dispatch pipeline into one process.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	users         *store.UserStore
	messages      *store.MessageStore
	subscriptions *store.SubscriptionStore
	services      *store.ServiceAccountStore
	endpoints     *store.PushStore

	broker     *broker.Broker
	registry   *registry.Registry
	relay      *relay.Relay
	dispatcher *dispatch.Dispatcher
	scheduler  *subscription.Scheduler
	verifier   *auth.Verifier
	pushSvc    *push.Service

	relayCancel context.CancelFunc
	relayDone   chan struct{}
}

func New(db *sql.DB, bkr *broker.Broker, cfg *config.Config, logger *slog.Logger) *Server {
	users := store.NewUserStore(db)
	messages := store.NewMessageStore(db)
	subscriptions := store.NewSubscriptionStore(db)
	services := store.NewServiceAccountStore(db)
	endpoints := store.NewPushStore(db)

	reg := registry.New(logger.With("component", "registry"))
	verifier := auth.NewVerifier(cfg.Auth.TokenSecret, bkr, logger.With("component", "auth"))

	dispatcher := dispatch.New(users, messages, services, endpoints, bkr, reg, logger.With("component", "dispatch"))

	router := serviceacct.NewRouter(services, dispatcher, logger.With("component", "serviceacct"))
	router.RegisterBuiltins()
	dispatcher.SetServiceRouter(router)

	var pushSvc *push.Service
	if cfg.Push.VAPIDPublicKey != "" && cfg.Push.VAPIDPrivateKey != "" {
		pushSvc = push.NewService(cfg.Push.VAPIDPublicKey, cfg.Push.VAPIDPrivateKey, cfg.Push.Subscriber)
		dispatcher.SetWebPush(pushSvc)
	}

	scheduler := subscription.NewScheduler(
		subscriptions, messages, dispatcher,
		cfg.Scheduler.Interval, cfg.Scheduler.RetainFor,
		logger.With("component", "scheduler"),
	)
	scheduler.RegisterProvider(model.CategoryWeather, subscription.NewWeatherProvider(""))
	scheduler.RegisterProvider(model.CategoryFortune, subscription.NewFortuneProvider())

	return &Server{
		cfg:           cfg,
		logger:        logger,
		users:         users,
		messages:      messages,
		subscriptions: subscriptions,
		services:      services,
		endpoints:     endpoints,
		broker:        bkr,
		registry:      reg,
		dispatcher:    dispatcher,
		scheduler:     scheduler,
		verifier:      verifier,
		pushSvc:       pushSvc,
	}
}

// Start opens the cross-process relay and launches the scheduler. The
// relay must exist before the first websocket connection registers, so
// presence hooks have somewhere to land.
func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.relayCancel = cancel
	s.relayDone = make(chan struct{})

	stream := s.broker.NewStream(ctx)
	s.relay = relay.New(stream, s.registry, s.logger.With("component", "relay"))
	s.registry.SetPresenceHooks(s.relay)

	go func() {
		defer close(s.relayDone)
		s.relay.Run(ctx)
	}()

	return s.scheduler.Start()
}

// Shutdown stops the scheduler and drains the relay.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.scheduler.Stop(); err != nil {
		s.logger.Warn("scheduler stop", "error", err)
	}

	if s.relay != nil {
		s.relay.Close()
		s.relayCancel()
		select {
		case <-s.relayDone:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Scheduler exposes the subscription scheduler for manual triggering.
func (s *Server) Scheduler() *subscription.Scheduler {
	return s.scheduler
}

// Router builds the HTTP surface: the websocket endpoint, the message
// API, and health.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/ws", registry.Handler(s.registry, s.verifier, registry.HeartbeatConfig{
		IdleTimeout:  s.cfg.Heartbeat.IdleTimeout,
		ProbeTimeout: s.cfg.Heartbeat.ProbeTimeout,
	}, s.logger.With("component", "ws")))

	mux.HandleFunc("POST /api/messages", s.requireAuth(s.handleSendMessage))
	mux.HandleFunc("GET /api/messages", s.requireAuth(s.handleListMessages))
	mux.HandleFunc("GET /api/messages/unread-count", s.requireAuth(s.handleUnreadCount))
	mux.HandleFunc("POST /api/messages/read-all", s.requireAuth(s.handleMarkAllRead))
	mux.HandleFunc("POST /api/messages/{id}/read", s.requireAuth(s.handleMarkRead))
	mux.HandleFunc("DELETE /api/messages/{id}", s.requireAuth(s.handleDeleteMessage))

	mux.HandleFunc("POST /api/blocks/{handle}", s.requireAuth(s.handleBlock))
	mux.HandleFunc("DELETE /api/blocks/{handle}", s.requireAuth(s.handleUnblock))

	mux.HandleFunc("GET /api/subscriptions/{category}", s.requireAuth(s.handleGetSubscription))
	mux.HandleFunc("PUT /api/subscriptions/{category}", s.requireAuth(s.handleUpsertSubscription))

	mux.HandleFunc("GET /api/push/vapid-key", s.handleVAPIDKey)
	mux.HandleFunc("POST /api/push/subscribe", s.requireAuth(s.handlePushSubscribe))
	mux.HandleFunc("DELETE /api/push/subscribe", s.requireAuth(s.handlePushUnsubscribe))

	mux.HandleFunc("POST /api/auth/logout", s.handleLogout)

	return requestLogger(s.logger.With("component", "http"))(mux)
}
