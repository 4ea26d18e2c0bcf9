package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// SetupRoutes configures the router. The webhook and the signed
// public links sit outside /api so providers and mail clients reach
// them without CORS or future auth concerns.
func SetupRoutes(h *Handlers, hc *HealthChecker, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"http://localhost:5173", "http://localhost:8080"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", hc.HandleHealth)

	// Provider callbacks
	r.Post("/webhooks/sendgrid", h.HandleSendGridWebhook)

	// Public signed links embedded in outbound mail
	r.Get("/u/{payload}/{sig}", h.HandleUnsubscribe)
	r.Post("/u/{payload}/{sig}", h.HandleUnsubscribe)
	r.Get("/p/{payload}/{sig}", h.HandlePreferences)

	r.Route("/api", func(r chi.Router) {
		r.Route("/newsletters/{id}", func(r chi.Router) {
			r.Get("/", h.HandleGetNewsletter)
			r.Get("/stats", h.HandleNewsletterStats)
			r.Get("/validate", h.HandleValidate)
			r.Post("/compile", h.HandleCompile)
			r.Post("/send", h.HandleSend)
			r.Post("/test-send", h.HandleTestSend)
		})
		r.Get("/sends/{id}", h.HandleSendProgress)
	})

	return r
}

// Server wraps the HTTP server lifecycle
type Server struct {
	server *http.Server
}

// NewServer builds an HTTP server around the configured router
func NewServer(addr string, handler http.Handler) *Server {
	return &Server{
		server: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadTimeout:       60 * time.Second,
			ReadHeaderTimeout: 15 * time.Second,
			WriteTimeout:      60 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
	}
}

// ListenAndServe starts the server
func (s *Server) ListenAndServe() error {
	return s.server.ListenAndServe()
}

// Shutdown gracefully drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
