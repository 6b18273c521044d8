// Package httpapi exposes the upload workflow over a local JSON API.
package httpapi

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/dmitrijs2005/medvault/internal/logging"
	"github.com/dmitrijs2005/medvault/internal/models"
	"github.com/dmitrijs2005/medvault/internal/services"
	"github.com/dmitrijs2005/medvault/internal/workflow"
)

const (
	maxUploadSize   = 64 << 20
	shutdownTimeout = 10 * time.Second
)

// Sessions is the part of the session gate the API needs.
type Sessions interface {
	Check(ctx context.Context) models.SessionState
	Login(ctx context.Context, username, password string) (string, error)
	Logout(ctx context.Context) error
	Validate(token string) (string, error)
}

// Flow is the part of the upload workflow the API drives.
type Flow interface {
	State() workflow.State
	Start(ctx context.Context) error
	AcceptConsent(ctx context.Context) error
	SelectFile(ctx context.Context, src services.Source) (*models.FileRecord, error)
	LoadFiles(ctx context.Context) error
	Retry(ctx context.Context) error
}

// Records looks up catalog entries.
type Records interface {
	Get(ctx context.Context, id string) (*models.FileRecord, error)
}

// Contents decrypts stored files.
type Contents interface {
	Open(ctx context.Context, rec models.FileRecord, w io.Writer) error
}

type Options struct {
	Addr      string
	RateLimit float64
	RateBurst int
}

type Server struct {
	address  string
	sessions Sessions
	flow     Flow
	records  Records
	contents Contents
	limiter  *RateLimiter
	log      logging.Logger
	router   chi.Router
}

func NewServer(opts Options, sessions Sessions, flow Flow, records Records, contents Contents, log logging.Logger) *Server {
	s := &Server{
		address:  opts.Addr,
		sessions: sessions,
		flow:     flow,
		records:  records,
		contents: contents,
		limiter:  NewRateLimiter(rate.Limit(opts.RateLimit), opts.RateBurst),
		log:      log.With("module", "http_api"),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.limiter.Limit)

	r.Route("/api", func(r chi.Router) {
		r.Post("/login", s.handleLogin)
		r.Get("/session", s.handleSession)

		r.Group(func(r chi.Router) {
			r.Use(s.requireSession)
			r.Post("/logout", s.handleLogout)
			r.Get("/state", s.handleState)
			r.Get("/consent", s.handleConsent)
			r.Post("/consent/accept", s.handleAccept)
			r.Get("/files", s.handleListFiles)
			r.Post("/files", s.handleUpload)
			r.Get("/files/{id}/content", s.handleContent)
			r.Post("/retry", s.handleRetry)
		})
	})
	return r
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	listen, err := net.Listen("tcp", s.address)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		s.log.Info(ctx, "Stopping HTTP server...")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Error(ctx, "HTTP shutdown failed", "error", err)
		}
	}()

	s.log.Info(ctx, "Starting HTTP server", "address", listen.Addr().String())

	if err := srv.Serve(listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
