package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/Mindburn-Labs/evidence-ledger/pkg/audit"
	"github.com/Mindburn-Labs/evidence-ledger/pkg/evidence"
	"github.com/Mindburn-Labs/evidence-ledger/pkg/ledger"
	"github.com/Mindburn-Labs/evidence-ledger/pkg/store"
)

// Service is the ledger surface the handlers call.
type Service interface {
	Ingest(ctx context.Context, c ledger.Caller, req ledger.IngestRequest) (*ledger.RecordResult, error)
	Get(ctx context.Context, c ledger.Caller, recordID string) (*evidence.Record, error)
	List(ctx context.Context, c ledger.Caller, f store.RecordFilter) ([]*evidence.Record, error)
	Amend(ctx context.Context, c ledger.Caller, recordID string, req ledger.AmendRequest) (*ledger.RecordResult, error)
	Seal(ctx context.Context, c ledger.Caller, recordID string) (*ledger.SealResult, error)
	Reject(ctx context.Context, c ledger.Caller, recordID string, req ledger.RejectRequest) (*ledger.RecordResult, error)
	Quarantine(ctx context.Context, c ledger.Caller, recordID string, req ledger.QuarantineRequest) (*ledger.RecordResult, error)
	Supersede(ctx context.Context, c ledger.Caller, oldID string, req ledger.SupersedeRequest) (*ledger.SupersedeResult, error)
	CorrectProvenance(ctx context.Context, c ledger.Caller, recordID string, req ledger.ProvenanceCorrection) (*ledger.RecordResult, error)
	AuditTrail(ctx context.Context, c ledger.Caller, recordID string) ([]*audit.Event, error)
	EventsByCorrelation(ctx context.Context, c ledger.Caller, correlationID string) ([]*audit.Event, error)
	VerifyChain(ctx context.Context, c ledger.Caller) (*audit.VerifyResult, error)
	Backfill(ctx context.Context, c ledger.Caller) (*ledger.BackfillReport, error)
	Counts(ctx context.Context, c ledger.Caller) (*ledger.Counts, error)
	Reconcile(ctx context.Context, c ledger.Caller) (*ledger.ReconcileReport, error)
	RecordFailure(ctx context.Context, c ledger.Caller, op, recordID string, code ledger.Code)
}

// CallerFunc resolves the authenticated ledger caller of a request.
type CallerFunc func(r *http.Request) (ledger.Caller, error)

// DefaultMaxBodyBytes bounds request bodies, base64 payloads included.
const DefaultMaxBodyBytes = 32 << 20

// Server exposes a Service over HTTP.
type Server struct {
	svc          Service
	caller       CallerFunc
	health       func(ctx context.Context) error
	logger       *slog.Logger
	maxBodyBytes int64
}

// Option configures a Server.
type Option func(*Server)

// WithHealthCheck makes /readiness report the result of check.
func WithHealthCheck(check func(ctx context.Context) error) Option {
	return func(s *Server) { s.health = check }
}

// WithLogger sets the access logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithMaxBodyBytes overrides DefaultMaxBodyBytes.
func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxBodyBytes = n
		}
	}
}

// NewServer creates the HTTP server. caller must derive the tenant from
// authenticated state only.
func NewServer(svc Service, caller CallerFunc, opts ...Option) *Server {
	s := &Server{
		svc:          svc,
		caller:       caller,
		logger:       slog.Default(),
		maxBodyBytes: DefaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "api")
	return s
}

// Routes returns the ledger's HTTP handler.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /readiness", s.handleReadiness)

	mux.HandleFunc("POST /v1/records", s.handleIngest)
	mux.HandleFunc("GET /v1/records", s.handleList)
	mux.HandleFunc("GET /v1/records/{id}", s.handleGet)
	mux.HandleFunc("PATCH /v1/records/{id}", s.handleAmend)
	mux.HandleFunc("POST /v1/records/{id}/seal", s.handleSeal)
	mux.HandleFunc("POST /v1/records/{id}/reject", s.handleReject)
	mux.HandleFunc("POST /v1/records/{id}/quarantine", s.handleQuarantine)
	mux.HandleFunc("POST /v1/records/{id}/supersede", s.handleSupersede)
	mux.HandleFunc("POST /v1/records/{id}/provenance", s.handleProvenance)
	mux.HandleFunc("GET /v1/records/{id}/audit", s.handleAuditTrail)

	mux.HandleFunc("GET /v1/audit/events", s.handleEventsByCorrelation)
	mux.HandleFunc("GET /v1/audit/verify", s.handleVerify)
	mux.HandleFunc("POST /v1/audit/backfill", s.handleBackfill)

	mux.HandleFunc("GET /v1/aggregates/counts", s.handleCounts)
	mux.HandleFunc("POST /v1/aggregates/reconcile", s.handleReconcile)

	mux.HandleFunc("/", WriteNotFound)

	return s.accessLog(mux)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		level := slog.LevelInfo
		if rec.status >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		s.logger.Log(r.Context(), level, "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", w.Header().Get("X-Request-ID"),
		)
	})
}
