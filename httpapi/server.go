// Package httpapi exposes the lifecycle engine over HTTP.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"bountyflow/auth"
	"bountyflow/evidence"
	"bountyflow/inbox"
	"bountyflow/lifecycle"
	"bountyflow/rail"
	"bountyflow/ratelimit"
)

// WebhookSource resolves the callback parser of a rail. *rail.Registry
// satisfies it.
type WebhookSource interface {
	Webhooks(id string) (rail.WebhookParser, bool)
}

// InboxRecorder persists a verified callback for asynchronous processing.
type InboxRecorder interface {
	Record(ctx context.Context, ev inbox.Event) (bool, error)
}

type Config struct {
	Engine   *lifecycle.Engine
	Auth     *auth.Service
	Webhooks WebhookSource
	Inbox    InboxRecorder
	Evidence evidence.Store
	Limiter  *ratelimit.Limiter
	// Metrics serves /metrics; nil uses the default prometheus gatherer.
	Metrics http.Handler
	// Ready reports dependency health for /healthz.
	Ready  func(ctx context.Context) error
	Logger *slog.Logger
	// MaxUploadBytes bounds evidence uploads.
	MaxUploadBytes int64
}

type Server struct {
	engine    *lifecycle.Engine
	auth      *auth.Service
	webhooks  WebhookSource
	inbox     InboxRecorder
	evidence  evidence.Store
	limiter   *ratelimit.Limiter
	metrics   http.Handler
	ready     func(ctx context.Context) error
	log       *slog.Logger
	maxUpload int64

	router http.Handler
}

func New(cfg Config) *Server {
	s := &Server{
		engine:    cfg.Engine,
		auth:      cfg.Auth,
		webhooks:  cfg.Webhooks,
		inbox:     cfg.Inbox,
		evidence:  cfg.Evidence,
		limiter:   cfg.Limiter,
		metrics:   cfg.Metrics,
		ready:     cfg.Ready,
		log:       cfg.Logger,
		maxUpload: cfg.MaxUploadBytes,
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.metrics == nil {
		s.metrics = promhttp.Handler()
	}
	if s.maxUpload <= 0 {
		s.maxUpload = evidence.DefaultMaxSize
	}
	s.router = s.buildRouter()
	return s
}

// Handler exposes the configured router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(s.requestLogger)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", s.metrics)

	r.Route("/v1", func(v1 chi.Router) {
		v1.Group(func(pub chi.Router) {
			pub.Use(s.limit("auth"))
			pub.Post("/auth/register", s.handleRegister)
			pub.Post("/auth/login", s.handleLogin)
		})

		v1.With(s.limit("webhook")).Post("/webhooks/{rail}", s.handleWebhook)

		v1.Group(func(api chi.Router) {
			api.Use(s.authenticate)
			api.Use(s.limit("write"))

			api.Post("/bounties", s.handleCreateBounty)
			api.Get("/bounties/{id}", s.handleGetBounty)
			api.Post("/bounties/{id}/submit", s.handleSubmitBounty)
			api.Post("/bounties/{id}/cancel", s.handleCancelBounty)
			api.Post("/bounties/{id}/approval", s.handleApproveBounty)
			api.Post("/bounties/{id}/funding", s.handleInitFunding)
			api.Post("/bounties/{id}/proposals", s.handleSubmitProposal)
			api.Get("/bounties/{id}/proposals", s.handleListProposals)
			api.Post("/bounties/{id}/proposals/{pid}/accept", s.handleAcceptProposal)
			api.Post("/bounties/{id}/disputes", s.handleOpenDispute)
			api.Post("/bounties/{id}/settlement", s.handleExecuteSettlement)

			api.Post("/escrows/{id}/confirm", s.handleConfirmFunding)

			api.Post("/milestones/{id}/evidence", s.handleSubmitEvidence)
			api.Post("/milestones/{id}/verify", s.handleVerifyMilestone)

			api.Post("/disputes/{id}/escalate", s.handleEscalateDispute)
			api.Post("/disputes/{id}/resolve", s.handleResolveDispute)

			api.Put("/labs/{id}", s.handleRegisterLab)
			api.Post("/labs/{id}/tier", s.handleSetLabTier)
			api.Get("/labs/{id}/stake", s.handleGetStake)
			api.Post("/labs/{id}/stake/deposit", s.handleDepositStake)
			api.Post("/labs/{id}/stake/withdraw", s.handleWithdrawStake)
		})
	})
	return r
}

func (s *Server) limit(group string) func(http.Handler) http.Handler {
	if s.limiter == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return s.limiter.Middleware(group)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
