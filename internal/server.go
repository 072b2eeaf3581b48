package internal

import (
	"context"
	"log/slog"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/cors"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/mirahq/cmdgate/internal/approval"
	"github.com/mirahq/cmdgate/internal/audit"
	"github.com/mirahq/cmdgate/internal/config"
	"github.com/mirahq/cmdgate/internal/engine"
	"github.com/mirahq/cmdgate/internal/pushnotification"
	"github.com/mirahq/cmdgate/internal/rule"
	"github.com/mirahq/cmdgate/pkg/cerr"
	"github.com/mirahq/cmdgate/pkg/clog"
)

type Server struct {
	server         *http.Server
	env            *config.Env
	engineServer   *engine.Server
	approvalServer *approval.Server
	ruleServer     *rule.Server
	auditServer    *audit.Server
	pushServer     *pushnotification.Server
}

func NewServer(
	env *config.Env,
	engineServer *engine.Server,
	approvalServer *approval.Server,
	ruleServer *rule.Server,
	auditServer *audit.Server,
	pushServer *pushnotification.Server,
) *Server {
	return &Server{
		env:            env,
		engineServer:   engineServer,
		approvalServer: approvalServer,
		ruleServer:     ruleServer,
		auditServer:    auditServer,
		pushServer:     pushServer,
	}
}

// ListenAndServe starts the HTTP server. The provided context is the
// base context for all incoming requests, so cancelling it (shutdown
// signal) also cancels any in-flight authorization.
func (s *Server) ListenAndServe(ctx context.Context) error {
	r := chi.NewRouter()
	r.Route("/api", func(r chi.Router) {
		r.Use(
			clog.SlogChiMiddleware(),
			cerr.NewJSONResponseChiMiddleware(),
		)
		r.NotFound(func(w http.ResponseWriter, r *http.Request) {
			cerr.SetNewJSONError(r.Context(), cerr.NotFound, "not found", nil)
		})

		s.engineServer.RegisterRoutes(r)
		s.approvalServer.RegisterRoutes(r)
		s.ruleServer.RegisterRoutes(r)
		s.auditServer.RegisterRoutes(r)
		s.pushServer.RegisterRoutes(r)
	})

	mux := http.NewServeMux()
	mux.Handle("/health", &HealthChecker{})
	mux.Handle("/api/", r)

	addr := net.JoinHostPort(s.env.HTTPHost, s.env.HTTPPort)
	slog.Info("starting server", "addr", addr)

	s.server = &http.Server{
		Addr: addr,
		Handler: h2c.NewHandler(cors.New(cors.Options{
			AllowedOrigins:   []string{"*"},
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowedHeaders:   []string{"*"},
			AllowCredentials: true,
		}).Handler(s.apiKeyMiddleware(mux)), &http2.Server{}),
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}

	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

type HealthChecker struct{}

func (hc *HealthChecker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) apiKeyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Health stays reachable without credentials.
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		apiKey := r.Header.Get("X-API-Key")
		if apiKey == "" {
			apiKey = r.Header.Get("Authorization")
			if len(apiKey) > 7 && apiKey[:7] == "Bearer " {
				apiKey = apiKey[7:]
			}
		}
		if apiKey != s.env.APIKey {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
