// Package api exposes the control plane over HTTP: the owner-facing REST
// surface, the bot callback surface under /internal, the /ws stream
// handshake, and the health and metrics endpoints. Handlers translate domain
// errors through one taxonomy; no business rules live here.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vexa-ai/controlplane/internal/allocator"
	"github.com/vexa-ai/controlplane/internal/breaker"
	"github.com/vexa-ai/controlplane/internal/config"
	"github.com/vexa-ai/controlplane/internal/monitoring"
	"github.com/vexa-ai/controlplane/internal/registry"
	"github.com/vexa-ai/controlplane/internal/supervisor"
)

// BotService is the supervisor surface the API calls into.
type BotService interface {
	RequestBot(ctx context.Context, ownerID string, req supervisor.BotRequest) (*registry.Meeting, error)
	StopBot(ctx context.Context, ownerID string, platform registry.Platform, nativeID string) (*registry.Meeting, error)
	UpdateBotConfig(ctx context.Context, ownerID string, platform registry.Platform, nativeID, language, task string) (*registry.Meeting, error)
	RunningBots(ctx context.Context, ownerID string) ([]*registry.Meeting, error)
	MeetingHistory(ctx context.Context, ownerID string, limit int) ([]*registry.Meeting, error)
	HandleStatusChange(ctx context.Context, botToken string, cb supervisor.StatusChange) (*supervisor.Ack, error)
	AllocateWorker(ctx context.Context, botToken, connectionID string) (string, error)
	FailoverWorker(ctx context.Context, botToken, connectionID, badURL string) (string, error)
}

// WorkerDirectory reports allocator state for operators.
type WorkerDirectory interface {
	Snapshot(ctx context.Context) ([]allocator.Worker, error)
}

// Pinger reports backend liveness for /health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps wires the server's collaborators.
type Deps struct {
	Bots        BotService
	Workers     WorkerDirectory
	Stream      http.Handler
	DB          Pinger
	Cache       Pinger
	Transcripts config.TranscriptsConfig
	Metrics     *monitoring.Metrics
}

// Server owns the router. Mount Router() on an http.Server.
type Server struct {
	bots            BotService
	workers         WorkerDirectory
	stream          http.Handler
	db              Pinger
	cache           Pinger
	transcriptsBase string
	metrics         *monitoring.Metrics
	upstream        *http.Client
	storeBreaker    *breaker.Breaker
	router          *mux.Router
}

func NewServer(d Deps) *Server {
	s := &Server{
		bots:            d.Bots,
		workers:         d.Workers,
		stream:          d.Stream,
		db:              d.DB,
		cache:           d.Cache,
		transcriptsBase: d.Transcripts.BaseURL,
		metrics:         d.Metrics,
		upstream:        &http.Client{Timeout: 15 * time.Second},
		storeBreaker:    breaker.New(breaker.Settings{Name: "transcript-store"}),
	}
	s.router = s.routes()
	return s
}

func (s *Server) Router() http.Handler { return s.router }

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.loggingMiddleware, corsMiddleware)

	r.HandleFunc("/health", s.health).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	if s.stream != nil {
		r.Handle("/ws", s.stream)
	}

	// Bot-facing surface; authenticated per request by the bot token.
	in := r.PathPrefix("/internal").Subrouter()
	in.HandleFunc("/status_change", s.statusChange).Methods(http.MethodPost)
	in.HandleFunc("/allocate", s.allocateWorker).Methods(http.MethodPost)
	in.HandleFunc("/workers", s.listWorkers).Methods(http.MethodGet)

	// Owner-facing surface; identity forwarded by the API gateway.
	owner := r.PathPrefix("/").Subrouter()
	owner.Use(ownerMiddleware)
	owner.HandleFunc("/bots", s.createBot).Methods(http.MethodPost)
	owner.HandleFunc("/bots/status", s.runningBots).Methods(http.MethodGet)
	owner.HandleFunc("/bots/{platform}/{native_meeting_id}", s.stopBot).Methods(http.MethodDelete)
	owner.HandleFunc("/bots/{platform}/{native_meeting_id}/config", s.updateBotConfig).Methods(http.MethodPut)
	owner.HandleFunc("/meetings", s.meetingHistory).Methods(http.MethodGet)
	owner.HandleFunc("/transcripts/{platform}/{native_meeting_id}", s.transcriptProxy).Methods(http.MethodGet)

	return r
}

const healthTimeout = 2 * time.Second

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	status := http.StatusOK
	report := map[string]string{"status": "ok", "database": "up", "redis": "up"}
	if s.db == nil || s.db.Ping(ctx) != nil {
		report["database"] = "down"
		status = http.StatusServiceUnavailable
	}
	if s.cache == nil || s.cache.Ping(ctx) != nil {
		report["redis"] = "down"
		status = http.StatusServiceUnavailable
	}
	if status != http.StatusOK {
		report["status"] = "degraded"
	}
	writeJSON(w, status, report)
}
