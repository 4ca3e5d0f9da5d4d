// Copyright 2025 Takhin Data, Inc.

// Package adminapi is the operator-facing HTTP surface over the cluster
// coordinator and this broker's replica manager (spec.md §6.4's "operator
// view"): cluster/topic inspection, reassignment/election/deletion
// triggers, and a live event feed. Grounded on the teacher's pkg/console
// (chi mux + middleware.RequestID/RealIP/Logger/Recoverer + cors.Handler,
// handler+respondJSON idiom, gorilla/websocket hub) — the Kafka-protocol
// message/consumer-group/ACL/config-management routes it also served are
// dropped along with the subsystems behind them, and the swagger UI route
// is dropped because swag codegen cannot run in this environment (see
// DESIGN.md).
package adminapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/riftlog/riftlog/pkg/controller"
	"github.com/riftlog/riftlog/pkg/health"
	"github.com/riftlog/riftlog/pkg/logger"
	"github.com/riftlog/riftlog/pkg/model"
	"github.com/riftlog/riftlog/pkg/replicamanager"
)

// ControllerView is the narrow slice of pkg/controller.Controller the
// admin API reads from and issues mutations through. Kept narrow so this
// package never depends on the controller's event-loop internals.
type ControllerView interface {
	IsActiveController() bool
	ControllerEpoch() int32
	Topics() []string
	TopicPartitions(name string) []int32
	Leadership(tp model.TopicPartition) (model.LeaderAndISR, bool)
	Assignment(tp model.TopicPartition) (model.ReplicaAssignment, bool)
	PartitionState(tp model.TopicPartition) controller.PartitionState
	LiveBrokers() []int32
	ReassignmentInProgress(tp model.TopicPartition) (origin, target []int32, ok bool)
	TopicsQueuedForDeletion() []string

	CreateTopic(ctx context.Context, name string, topicID [16]byte, partitions map[int32]model.ReplicaAssignment) error
	DeleteTopic(ctx context.Context, name string) error
	ReassignPartitions(ctx context.Context, tp model.TopicPartition, target []int32) error
	ElectPreferredLeaders(ctx context.Context) error
}

// Server is the admin HTTP API server.
type Server struct {
	router     *chi.Mux
	log        *logger.Logger
	controller ControllerView
	replicas   *replicamanager.ReplicaManager
	health     *health.Checker
	addr       string
	wsHub      *WebSocketHub
}

// Config constructs one Server.
type Config struct {
	Addr       string
	Controller ControllerView // nil on brokers that never hold the coordinator lease
	Replicas   *replicamanager.ReplicaManager
	Health     *health.Checker
	Logger     *logger.Logger
}

// NewServer builds the router and registers every route.
func NewServer(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = logger.Default()
	}

	wsHub := NewWebSocketHub()

	s := &Server{
		router:     chi.NewRouter(),
		log:        log.WithComponent("admin-api"),
		controller: cfg.Controller,
		replicas:   cfg.Replicas,
		health:     cfg.Health,
		addr:       cfg.Addr,
		wsHub:      wsHub,
	}

	go wsHub.Run()

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:*", "http://127.0.0.1:*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
}

func (s *Server) setupRoutes() {
	s.router.Get("/api/health", s.handleHealth)
	s.router.Get("/api/health/ready", s.handleReadiness)
	s.router.Get("/api/health/live", s.handleLiveness)

	s.router.Route("/api/cluster", func(r chi.Router) {
		r.Get("/", s.handleClusterOverview)
		r.Get("/brokers", s.handleListBrokers)
	})

	s.router.Route("/api/topics", func(r chi.Router) {
		r.Get("/", s.handleListTopics)
		r.Post("/", s.handleCreateTopic)
		r.Get("/{topic}", s.handleGetTopic)
		r.Delete("/{topic}", s.handleDeleteTopic)
	})

	s.router.Route("/api/topics/{topic}/partitions/{partition}", func(r chi.Router) {
		r.Post("/reassign", s.handleReassignPartition)
	})

	s.router.Post("/api/leaders/elect-preferred", s.handleElectPreferred)

	s.router.Get("/ws/events", s.handleEventsWebSocket)
}

// Start serves until the process is stopped; the caller runs it on its own
// goroutine, mirroring the teacher's console server's fire-and-forget
// ListenAndServe idiom.
func (s *Server) Start() error {
	s.log.Info("starting admin api server", "addr", s.addr)
	return http.ListenAndServe(s.addr, s.router)
}

// Shutdown stops the websocket hub. It does not stop the HTTP listener:
// Start runs a bare http.ListenAndServe with no server handle or context,
// so the listener keeps serving until the process exits — matching the
// teacher's own console server, which never wired http.Server.Shutdown either.
func (s *Server) Shutdown() {
	s.log.Info("shutting down admin api server")
	s.wsHub.Stop()
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
