package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/adverant/nexus/currencyscan-worker/internal/clients"
	"github.com/adverant/nexus/currencyscan-worker/internal/logging"
	"github.com/adverant/nexus/currencyscan-worker/internal/processor"
	"github.com/adverant/nexus/currencyscan-worker/internal/queue"
	"github.com/adverant/nexus/currencyscan-worker/internal/scorer"
	"github.com/adverant/nexus/currencyscan-worker/internal/storage"
)

// StatusReader looks up queued job state
type StatusReader interface {
	Get(ctx context.Context, jobID string) (*queue.JobStatus, error)
	Stats(ctx context.Context) (map[string]int64, error)
}

// JobReader looks up persisted job rows
type JobReader interface {
	GetJobByID(ctx context.Context, jobID string) (*storage.Job, error)
}

// RatesSource provides exchange rate tables
type RatesSource interface {
	Latest(ctx context.Context) (*clients.RateTable, error)
}

// HealthCheck pings one backing service for GET /health
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Deps are the collaborators of the HTTP API. Only Scanner and Scorer are
// required; routes whose dependency is nil answer 503.
type Deps struct {
	Scanner     processor.ScanProcessorInterface
	Scorer      *scorer.Scorer
	Producer    queue.Producer
	Statuses    StatusReader
	Jobs        JobReader
	Rates       RatesSource
	Health      []HealthCheck
	MaxFileSize int64
	ScanTimeout time.Duration
	Logger      *logging.Logger
}

type server struct {
	Deps
}

// NewRouter builds the HTTP API
func NewRouter(deps Deps) *mux.Router {
	if deps.Scorer == nil {
		deps.Scorer = scorer.New()
	}
	if deps.Logger == nil {
		deps.Logger = logging.NewLogger("api")
	}
	if deps.MaxFileSize <= 0 {
		deps.MaxFileSize = 20 << 20
	}
	if deps.ScanTimeout <= 0 {
		deps.ScanTimeout = time.Minute
	}
	s := &server{Deps: deps}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.HealthHandler).Methods("GET")

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/scans", s.ScanImageHandler).Methods("POST")
	v1.HandleFunc("/scans/text", s.ScoreTextHandler).Methods("POST")
	v1.HandleFunc("/jobs", s.EnqueueJobHandler).Methods("POST")
	v1.HandleFunc("/jobs/stats", s.JobStatsHandler).Methods("GET")
	v1.HandleFunc("/jobs/{id}", s.GetJobHandler).Methods("GET")
	v1.HandleFunc("/rates", s.GetRatesHandler).Methods("GET")
	v1.HandleFunc("/rates/convert", s.ConvertHandler).Methods("GET")

	return r
}
