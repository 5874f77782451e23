// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package integration assembles the messaging backend so that it can run
// standalone or be embedded into an existing efchat router.
package integration

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"gopkg.in/op/go-logging.v1"

	"github.com/efchatnet/efdm/backend/handlers"
	"github.com/efchatnet/efdm/backend/log"
	"github.com/efchatnet/efdm/backend/middleware"
	"github.com/efchatnet/efdm/backend/realtime"
	"github.com/efchatnet/efdm/backend/service"
	"github.com/efchatnet/efdm/backend/storage"
	redisstore "github.com/efchatnet/efdm/backend/storage/redis"
	"github.com/efchatnet/efdm/backend/worker"
)

// Config holds configuration for the messaging integration
type Config struct {
	Store storage.Store

	// Redis is optional. When set, public keys are cached in it and, with
	// Broker, realtime frames are shared with other nodes.
	Redis  *redis.Client
	Broker bool

	JWTSecret      string
	JWTIssuer      string
	AllowedOrigins []string

	SubscriberBuffer  int
	PingInterval      time.Duration
	KeyCacheTTL       time.Duration
	BackgroundTimeout time.Duration

	// LogBackend is optional; module loggers fall back to go-logging's
	// default backend.
	LogBackend *log.Backend
}

// Service provides end-to-end encrypted direct messaging as a plugin for
// efchat.
type Service struct {
	worker.Worker

	store   storage.Store
	hub     *realtime.Hub
	log     *logging.Logger
	cfg     *Config
	haltHub context.CancelFunc

	messageHandler  *handlers.MessageHandler
	chatHandler     *handlers.ChatHandler
	keyHandler      *handlers.KeyHandler
	realtimeHandler *handlers.RealtimeHandler
}

// New wires the services, the realtime hub and the handlers. It does not
// start background work; call Start.
func New(cfg *Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, &ValidationError{Message: "store is not configured"}
	}
	if cfg.JWTSecret == "" {
		return nil, &ValidationError{Message: "JWT secret is not configured"}
	}

	getLogger := func(module string) *logging.Logger {
		if cfg.LogBackend != nil {
			return cfg.LogBackend.GetLogger(module)
		}
		return logging.MustGetLogger(module)
	}

	s := &Service{
		store: cfg.Store,
		log:   getLogger("efdm"),
		cfg:   cfg,
	}

	var identities storage.IdentityStore = cfg.Store
	var broker realtime.Broker
	if cfg.Redis != nil {
		identities = redisstore.NewKeyCache(cfg.Store, cfg.Redis, cfg.KeyCacheTTL, getLogger("efdm/keycache"))
		if cfg.Broker {
			broker = redisstore.NewBroker(cfg.Redis, getLogger("efdm/broker"))
		}
	}

	s.hub = realtime.NewHub(realtime.Config{
		Authorizer: cfg.Store,
		Broker:     broker,
		Buffer:     cfg.SubscriberBuffer,
		Log:        getLogger("efdm/realtime"),
	})

	messages := service.NewMessageService(cfg.Store, &s.Worker, cfg.BackgroundTimeout, getLogger("efdm/messages"))
	chats := service.NewChatService(cfg.Store, identities)
	keys := service.NewIdentityService(identities)

	httpLog := getLogger("efdm/http")
	s.messageHandler = handlers.NewMessageHandler(messages, s.hub, httpLog)
	s.chatHandler = handlers.NewChatHandler(chats, httpLog)
	s.keyHandler = handlers.NewKeyHandler(keys, httpLog)
	s.realtimeHandler = handlers.NewRealtimeHandler(s.hub, cfg.AllowedOrigins, cfg.PingInterval, getLogger("efdm/ws"))
	return s, nil
}

// Start runs the cross-node relay loop when a broker is configured.
func (s *Service) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.haltHub = cancel
	s.Go(func() {
		if err := s.hub.Run(ctx); err != nil {
			s.log.Errorf("realtime broker stopped: %v", err)
		}
	})
}

// Halt stops the relay loop and waits for pending background work such
// as compensating deletes.
func (s *Service) Halt() {
	if s.haltHub != nil {
		s.haltHub()
	}
	s.Worker.Halt()
}

// RegisterRoutes adds the messaging routes to an existing router
// If authMiddleware is nil, it will use the built-in JWT validation
func (s *Service) RegisterRoutes(router *mux.Router, authMiddleware func(http.Handler) http.Handler) {
	router.HandleFunc("/health", s.Health).Methods("GET")

	api := router.PathPrefix("/api/v1").Subrouter()
	if authMiddleware != nil {
		api.Use(authMiddleware)
	} else {
		api.Use(middleware.NewAuthMiddleware(s.cfg.JWTSecret, s.cfg.JWTIssuer))
	}

	api.HandleFunc("/message", s.messageHandler.Send).Methods("POST", "OPTIONS")
	api.HandleFunc("/message/{chatId}", s.messageHandler.List).Methods("GET", "OPTIONS")
	api.HandleFunc("/message/{messageId}", s.messageHandler.Delete).Methods("DELETE", "OPTIONS")

	api.HandleFunc("/chat/private", s.chatHandler.AccessPrivate).Methods("POST", "OPTIONS")
	api.HandleFunc("/chat", s.chatHandler.List).Methods("GET", "OPTIONS")

	api.HandleFunc("/user/keys", s.keyHandler.RegisterKeys).Methods("PUT", "OPTIONS")
	api.HandleFunc("/user/public-key/{userId}", s.keyHandler.GetPublicKey).Methods("GET", "OPTIONS")

	api.Handle("/ws", s.realtimeHandler).Methods("GET")
}

// Router returns a standalone router with CORS and access logging.
func (s *Service) Router(accessLog *logging.Logger) *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.CORS(s.cfg.AllowedOrigins))
	if accessLog != nil {
		r.Use(middleware.AccessLog(accessLog))
	}
	s.RegisterRoutes(r, nil)
	return r
}

// Health reports whether the store is reachable.
func (s *Service) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("Database unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// Hub exposes the realtime hub, e.g. for a bridge that publishes
// server-side events.
func (s *Service) Hub() *realtime.Hub {
	return s.hub
}

// ValidateSetup checks if the messaging module is properly configured
func (s *Service) ValidateSetup(ctx context.Context) error {
	if err := s.store.Ping(ctx); err != nil {
		return &ValidationError{Message: "store unreachable: " + err.Error()}
	}
	if s.cfg.Redis != nil {
		if err := s.cfg.Redis.Ping(ctx).Err(); err != nil {
			return &ValidationError{Message: "redis unreachable: " + err.Error()}
		}
	}
	return nil
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}
