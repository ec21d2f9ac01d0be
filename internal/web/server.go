package web

import (
	"bytes"
	"context"
	"embed"
	"html/template"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/vbonduro/reunite/internal/service"
	"github.com/vbonduro/reunite/internal/session"
)

// sessionGate is the subset of session.Gate the server requires.
type sessionGate interface {
	Admit(ctx context.Context) bool
	Intent() session.Intent
	ToggleIntent() session.Intent
	Pending() bool
	Authenticate(ctx context.Context, username, password string) (string, error)
	Logout(ctx context.Context) error
}

type Server struct {
	reports     *service.ReportService
	gate        sessionGate
	metrics     http.Handler
	templates   embed.FS
	mux         *http.ServeMux
	tmplFuncs   template.FuncMap
	authTimeout time.Duration
	logger      *slog.Logger
}

// NewServer wires the views. metrics may be nil, in which case /metrics is
// not served.
func NewServer(reports *service.ReportService, gate sessionGate, metrics http.Handler, tmpl embed.FS, authTimeout time.Duration, logger *slog.Logger) *Server {
	s := &Server{
		reports:     reports,
		gate:        gate,
		metrics:     metrics,
		templates:   tmpl,
		mux:         http.NewServeMux(),
		authTimeout: authTimeout,
		logger:      logger,
		tmplFuncs: template.FuncMap{
			"orNA":       orNA,
			"formatTime": formatTime,
			"imageURL":   imageURL,
		},
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /login", s.handleLoginForm)
	s.mux.HandleFunc("POST /login", s.handleLogin)
	s.mux.HandleFunc("POST /login/toggle", s.handleToggleIntent)
	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics)
	}

	s.mux.Handle("POST /logout", s.requireSession(s.handleLogout))
	s.mux.Handle("GET /{$}", s.requireSession(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/report", http.StatusSeeOther)
	}))
	s.mux.Handle("GET /report", s.requireSession(s.handleReport))
	s.mux.Handle("POST /report/upload", s.requireSession(s.handleUploadSubmit))
	s.mux.Handle("POST /report/camera/capture", s.requireSession(s.handleCapture))
	s.mux.Handle("POST /report/camera", s.requireSession(s.handleCameraSubmit))
	s.mux.Handle("POST /report/{source}/retake", s.requireSession(s.handleRetake))
	s.mux.Handle("POST /report/{source}/dismiss", s.requireSession(s.handleDismiss))
	s.mux.Handle("GET /report/{source}/preview", s.requireSession(s.handleMatchedImage))
	s.mux.Handle("GET /previews/{key}", s.requireSession(s.handleStoredPreview))
	s.mux.Handle("GET /dashboard", s.requireSession(s.handleDashboard))
	s.mux.Handle("POST /submissions/{id}/delete", s.requireSession(s.handleDeleteSubmission))
}

// requireSession sends visitors without an admitted session to the
// credential form.
func (s *Server) requireSession(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.authTimeout)
		admitted := s.gate.Admit(ctx)
		cancel()
		if !admitted {
			http.Redirect(w, r, "/login", http.StatusSeeOther)
			return
		}
		next(w, r)
	})
}

// securityHeaders adds defensive HTTP response headers to every response.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		h.Set("Permissions-Policy", "camera=(self)")
		h.Set("Content-Security-Policy",
			"default-src 'self'; "+
				"script-src 'self' 'unsafe-inline'; "+
				"style-src 'self' 'unsafe-inline'; "+
				"img-src 'self' data: blob:; "+
				"media-src 'self' blob:; "+
				"connect-src 'self'")
		next.ServeHTTP(w, r)
	})
}

// statusRecorder wraps http.ResponseWriter to capture the written status code.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func requestLogger(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestLogger(s.logger, securityHeaders(s.mux)).ServeHTTP(w, r)
}

// HTTPServer returns an http.Server for addr with the view handler mounted.
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      s,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
}

// renderPage parses and executes a full-page template set. Output is
// buffered so a template error never leaves a half-written page.
func (s *Server) renderPage(w http.ResponseWriter, status int, data any, files ...string) error {
	tmpl, err := template.New("").Funcs(s.tmplFuncs).ParseFS(s.templates, files...)
	if err != nil {
		http.Error(w, "template error", http.StatusInternalServerError)
		return err
	}
	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, "base", data); err != nil {
		http.Error(w, "template error", http.StatusInternalServerError)
		return err
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, err = buf.WriteTo(w)
	return err
}

func closeWithLog(c io.Closer, label string, logger *slog.Logger) {
	if err := c.Close(); err != nil {
		logger.Error("failed to close resource", "label", label, "error", err)
	}
}

func orNA(s string) string {
	if strings.TrimSpace(s) == "" {
		return "N/A"
	}
	return s
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "N/A"
	}
	return t.Local().Format("2006-01-02 15:04")
}

// imageURL marks an image data URI safe for an src attribute. Anything else
// renders as an empty URL.
func imageURL(s string) template.URL {
	if !strings.HasPrefix(s, "data:image/") {
		return ""
	}
	return template.URL(s)
}
