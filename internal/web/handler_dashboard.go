package web

import (
	"context"
	"errors"
	"net/http"

	"github.com/vbonduro/reunite/internal/service"
)

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.authTimeout)
	defer cancel()

	if err := s.renderPage(w, http.StatusOK, s.reports.Dashboard(ctx), "base.html", "pages/dashboard.html"); err != nil {
		s.logger.Error("failed to render dashboard", "error", err)
	}
}

func (s *Server) handleDeleteSubmission(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := s.reports.DeleteSubmission(r.Context(), id)
	switch {
	case err == nil:
		http.Redirect(w, r, "/dashboard", http.StatusSeeOther)
	case errors.Is(err, service.ErrSubmissionNotFound):
		http.NotFound(w, r)
	default:
		s.logger.Error("failed to delete submission", "id", id, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
