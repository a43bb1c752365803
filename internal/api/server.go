package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"sync-service/internal/collab"
	"sync-service/internal/membership"
	"sync-service/internal/permission"
	"sync-service/internal/realtime"
	"sync-service/internal/syncer"
)

type Options struct {
	Service *collab.Service
	Members *membership.Store
	Sync    *syncer.Engine
	Hub     *realtime.Hub
	Secret  []byte
	// Gatherer backs /metrics. Nil serves the default registry.
	Gatherer      prometheus.Gatherer
	AllowedOrigin string
	RateLimitRPS  int
	MaxBodyBytes  int64
	Logger        *zap.Logger
}

type Server struct {
	svc     *collab.Service
	members *membership.Store
	sync    *syncer.Engine
	hub     *realtime.Hub

	secret   []byte
	gatherer prometheus.Gatherer
	origin   string
	maxBody  int64
	limiter  *rateLimiter
	logger   *zap.Logger
}

func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.AllowedOrigin == "" {
		opts.AllowedOrigin = "*"
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	return &Server{
		svc:      opts.Service,
		members:  opts.Members,
		sync:     opts.Sync,
		hub:      opts.Hub,
		secret:   opts.Secret,
		gatherer: opts.Gatherer,
		origin:   opts.AllowedOrigin,
		maxBody:  opts.MaxBodyBytes,
		limiter:  newRateLimiter(opts.RateLimitRPS),
		logger:   opts.Logger,
	}
}

func (s *Server) Router() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(s.corsMiddleware)
	r.Use(s.limiter.middleware)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Group(func(r chi.Router) {
		r.Use(s.jwtAuthMiddleware)

		r.Get("/ws", s.handleWS)

		r.Group(func(r chi.Router) {
			r.Use(bodySizeLimitMiddleware(s.maxBody))

			r.Get("/collections", s.handleListCollections)
			r.Post("/collections", s.handleCreateCollection)
			r.Get("/invitations", s.handleListInvitations)

			r.Route("/collections/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetCollection)
				r.Patch("/", s.handlePatchCollection)
				r.Delete("/", s.handleDeleteCollection)

				r.Get("/members", s.handleListMembers)
				r.Post("/members", s.handleInvite)
				r.Patch("/members/{userId}", s.handleChangePermission)
				r.Delete("/members/{userId}", s.handleRemoveMember)
				r.Post("/invitation/accept", s.handleAcceptInvite)
				r.Post("/invitation/decline", s.handleDeclineInvite)
				r.Post("/owner", s.handleTransferOwnership)
				r.Post("/leave", s.handleLeave)

				r.Get("/entities", s.handleListEntities)
				r.Post("/entities", s.handleCreateEntity)
				r.Get("/entities/{entityId}", s.handleGetEntity)
				r.Patch("/entities/{entityId}", s.handleEditEntity)
				r.Delete("/entities/{entityId}", s.handleDeleteEntity)
				r.Post("/entities/{entityId}/open", s.handleOpenEntity)
				r.Post("/entities/{entityId}/close", s.handleCloseEntity)
				r.Post("/entities/{entityId}/heartbeat", s.handleHeartbeat)
				r.Put("/entities/{entityId}/presence", s.handleSetPresence)
				r.Post("/entities/{entityId}/restore", s.handleRestoreEntity)
				r.Post("/entities/{entityId}/lock", s.handleAcquireLock)

				r.Put("/locks/{lockId}", s.handleRenewLock)
				r.Delete("/locks/{lockId}", s.handleReleaseLock)

				r.Get("/activity", s.handleActivity)
				r.Post("/comments", s.handleAddComment)
				r.Get("/operations", s.handleListOperations)
			})

			r.Get("/operations/{opId}", s.handleGetOperation)
			r.Post("/operations/{opId}/resolve", s.handleResolve)
			r.Post("/operations/{opId}/acknowledge", s.handleAcknowledge)

			r.Get("/sync/status", s.handleSyncStatus)
			r.Put("/sync/offline", s.handleSetOffline)
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "sync-service",
		"sync":    s.sync.Status().State,
	})
}

// handleWS streams the collection's notifications. Browsers cannot set
// headers on the handshake, so the token may come as ?access_token=.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r)
	coll := r.URL.Query().Get("collection")
	if coll == "" {
		writeError(w, http.StatusBadRequest, "missing collection")
		return
	}
	if err := s.members.Authorize(coll, sess.UserID, permission.View); err != nil {
		writeServiceError(w, s.logger, err)
		return
	}
	s.hub.ServeWS(w, r, coll, sess.UserID)
}
