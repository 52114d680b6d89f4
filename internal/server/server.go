// Package server exposes one AOI editing and analysis session over HTTP for
// a browser map client.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/agroscope-cli/internal/analysis"
	"github.com/sells-group/agroscope-cli/internal/aoi"
	"github.com/sells-group/agroscope-cli/internal/district"
	"github.com/sells-group/agroscope-cli/internal/landcover"
	"github.com/sells-group/agroscope-cli/internal/metrics"
	"github.com/sells-group/agroscope-cli/internal/notify"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 4 << 20

// Session is the single editor and pipeline a server drives. Advisor,
// Districts, Tiles and Metrics are optional.
type Session struct {
	Editor    *aoi.Editor
	Layer     *aoi.MemoryLayer
	Pipeline  *analysis.Pipeline
	Notices   *notify.Center
	Advisor   *landcover.Advisor
	Districts *district.Layer
	Tiles     http.Handler
	Metrics   *metrics.Metrics
}

// Server routes HTTP requests to a Session.
type Server struct {
	ctx    context.Context
	sess   Session
	router chi.Router
	log    *zap.Logger
}

// New builds the router. ctx bounds submissions started through the API and
// should live as long as the server.
func New(ctx context.Context, sess Session, allowedOrigins []string) *Server {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	s := &Server{
		ctx:  ctx,
		sess: sess,
		log:  zap.L().With(zap.String("component", "server")),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"Content-Disposition"},
		MaxAge:         300,
	}))
	if sess.Metrics != nil {
		r.Use(sess.Metrics.Middleware)
		r.Handle("/metrics", sess.Metrics.Handler())
	}

	r.Get("/health", s.handleHealth)
	r.Route("/api", func(r chi.Router) {
		r.Get("/state", s.handleState)
		r.Post("/aoi/created", s.handleCreated)
		r.Post("/aoi/edited", s.handleEdited)
		r.Delete("/aoi", s.handleDeleted)
		r.Post("/reset", s.handleReset)
		r.Post("/analysis", s.handleSubmit)
		r.Get("/export/{dataset}", s.handleExport)
		r.Delete("/notifications/{id}", s.handleDismiss)
		r.Get("/districts", s.handleDistricts)
		r.Get("/districts/at", s.handleDistrictAt)
	})
	if sess.Tiles != nil {
		r.Mount("/tiles", http.StripPrefix("/tiles", sess.Tiles))
	}

	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("starting server", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	s.log.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
