// Package server implements the RelayStore HTTP server and route multiplexer.
package server

import (
	"context"
	"net/http"
	"strconv"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relaystore/relaystore/internal/config"
	"github.com/relaystore/relaystore/internal/handlers"
	"github.com/relaystore/relaystore/internal/metadata"
	"github.com/relaystore/relaystore/internal/registry"
	"github.com/relaystore/relaystore/internal/relay"
	"github.com/relaystore/relaystore/internal/shard"
)

// Server is the RelayStore HTTP server. It owns the relay plumbing built on
// top of the injected shard pool, metadata store, and collaborator registry.
type Server struct {
	cfg        *config.Config
	router     chi.Router
	api        huma.API
	pool       *shard.Pool
	store      metadata.Store
	reg        *registry.Registry
	sessions   *relay.SessionManager
	lifecycle  *relay.Lifecycle
	image      *handlers.ImageHandler
	archive    *handlers.ArchiveHandler
	registryH  *handlers.RegistryHandler
	httpServer *http.Server
}

// HealthBody is the JSON body returned by the health check endpoint. The
// field names are part of the consumer wire contract.
type HealthBody struct {
	Message              string `json:"message" example:"I am alive" doc:"Liveness message"`
	TotalUsedMB          string `json:"total_Used_MB" example:"12.50" doc:"Aggregate shard usage in MiB"`
	TotalCapacityMB      int64  `json:"total_Capacity_MB" example:"1536" doc:"Aggregate shard capacity in MiB"`
	UsagePercent         string `json:"usage_Percent" example:"0.81" doc:"Usage as a percentage of capacity"`
	StorageStatus        string `json:"database_Status" example:"idle" doc:"Pool status: idle, slightly busy, busy, very busy"`
	HeartbeatClientCount int    `json:"total_Heartbeat_Client_Count" example:"3" doc:"Clients with a live heartbeat"`
	CriticalWarning      string `json:"critical_Warning,omitempty" doc:"Present when usage reaches 90%"`
}

// HealthOutput is the Huma output struct for the health check endpoint.
type HealthOutput struct {
	Body HealthBody
}

// New creates a Server wired to the given shard pool, metadata store, and
// registry, and registers all routes on the chi router.
func New(cfg *config.Config, pool *shard.Pool, store metadata.Store, reg *registry.Registry) (*Server, error) {
	router := chi.NewMux()

	humaConfig := huma.DefaultConfig("RelayStore API", "1.0.0")
	humaConfig.DocsPath = "/docs"
	humaConfig.OpenAPIPath = "/openapi"
	api := humachi.New(router, humaConfig)

	selector := shard.NewSelector(pool)
	committer := relay.NewCommitter(pool, selector, store)
	lifecycle := relay.NewLifecycle(pool, store, cfg.Lifecycle.RetentionWindow)
	streamer := relay.NewStreamer(pool, lifecycle)
	reconciler := relay.NewReconciler(pool, store)
	sessions := relay.NewSessionManager()

	maxUpload := cfg.Server.MaxUploadSize
	s := &Server{
		cfg:       cfg,
		router:    router,
		api:       api,
		pool:      pool,
		store:     store,
		reg:       reg,
		sessions:  sessions,
		lifecycle: lifecycle,
		image:     handlers.NewImageHandler(committer, streamer, reconciler, pool, store, maxUpload),
		archive:   handlers.NewArchiveHandler(sessions, committer, streamer, reconciler, store, maxUpload),
		registryH: handlers.NewRegistryHandler(reg),
	}

	s.registerRoutes()
	return s, nil
}

// Sessions returns the upload session manager, for the idle-session reaper.
func (s *Server) Sessions() *relay.SessionManager {
	return s.sessions
}

// Lifecycle returns the deletion lifecycle, for the background sweeps.
func (s *Server) Lifecycle() *relay.Lifecycle {
	return s.lifecycle
}

// ListenAndServe starts the HTTP server on the given address.
// Middleware chain: metricsMiddleware -> commonHeaders -> router.
func (s *Server) ListenAndServe(addr string) error {
	var handler http.Handler = s.router
	handler = commonHeaders(handler)
	handler = metricsMiddleware(handler)

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: handler,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server, waiting for in-flight
// requests to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// storageStatus maps a usage percentage to the pool status string.
func storageStatus(usagePercent float64) string {
	switch {
	case usagePercent > 90:
		return "very busy"
	case usagePercent > 70:
		return "busy"
	case usagePercent > 50:
		return "slightly busy"
	default:
		return "idle"
	}
}

// registerRoutes configures all routes on the chi router. The Huma routes
// (/health, /docs, /openapi) and /metrics come first; the relay API routes
// are plain chi handlers.
func (s *Server) registerRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "get-health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Description: "Returns liveness, aggregate shard usage, and the live client count.",
		Tags:        []string{"System"},
	}, func(ctx context.Context, input *struct{}) (*HealthOutput, error) {
		if s.pool.Len() == 0 {
			return nil, huma.Error500InternalServerError("No shard connections available")
		}

		stats, err := s.pool.TotalStats(ctx)
		if err != nil {
			return nil, huma.Error500InternalServerError("Shard stats unavailable")
		}

		usedMB := float64(stats.UsedBytes) / (1 << 20)
		capacityMB := stats.CapacityBytes / (1 << 20)
		usagePercent := 0.0
		if stats.CapacityBytes > 0 {
			usagePercent = float64(stats.UsedBytes) / float64(stats.CapacityBytes) * 100
		}

		body := HealthBody{
			Message:              "I am alive",
			TotalUsedMB:          strconv.FormatFloat(usedMB, 'f', 2, 64),
			TotalCapacityMB:      capacityMB,
			UsagePercent:         strconv.FormatFloat(usagePercent, 'f', 2, 64),
			StorageStatus:        storageStatus(usagePercent),
			HeartbeatClientCount: s.reg.HeartbeatClientCount(),
		}
		if usagePercent >= 90 {
			body.CriticalWarning = "Storage almost full! Add more shards or free space."
		}
		return &HealthOutput{Body: body}, nil
	})

	// HEAD /health separately (Huma only does one method per registration).
	s.router.Head("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
	})

	s.router.Handle("/metrics", promhttp.Handler())

	// Blob relay routes.
	s.router.Post("/upload-image", s.image.UploadImage)
	s.router.Get("/images/{shard}/{id}", s.image.GetImage)
	s.router.Delete("/images/{shard}/{id}", s.image.DeleteImage)
	s.router.Post("/list-images", s.image.ListImages)
	s.router.Post("/upload-zip-chunk", s.archive.UploadZipChunk)
	s.router.Post("/finalize-zip-upload", s.archive.FinalizeZipUpload)
	s.router.Get("/zip-file/{shard}/{id}", s.archive.GetZipFile)
	s.router.Get("/zip-hash/{shard}/{id}", s.archive.GetZipHash)
	s.router.Post("/list-zips", s.archive.ListZips)

	// Collaborator registry routes.
	s.router.Post("/register", s.registryH.Register)
	s.router.Post("/heartbeat", s.registryH.Heartbeat)
	s.router.Post("/list-servers", s.registryH.ListServers)
	s.router.Post("/register-client", s.registryH.RegisterClient)
	s.router.Post("/associated-clients", s.registryH.AssociatedClients)
	s.router.Post("/post-text", s.registryH.PostText)
	s.router.Post("/send-message", s.registryH.SendMessage)
	s.router.Get("/fetch-messages", s.registryH.FetchMessages)
	s.router.Get("/list-text", s.registryH.ListText)
}

// Handler returns the fully assembled handler with middleware applied,
// without binding a listener. Used by tests.
func (s *Server) Handler() http.Handler {
	var handler http.Handler = s.router
	handler = commonHeaders(handler)
	handler = metricsMiddleware(handler)
	return handler
}
