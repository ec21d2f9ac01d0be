package web

import (
	"context"
	"errors"
	"net/http"

	"github.com/vbonduro/reunite/internal/session"
)

type loginPageData struct {
	Intent   string
	Label    string
	Toggle   string
	Username string
	Error    string
	Pending  bool
}

func (s *Server) loginData(username, errMsg string) loginPageData {
	intent := s.gate.Intent()
	toggle := session.IntentSignUp
	if intent == session.IntentSignUp {
		toggle = session.IntentLogin
	}
	return loginPageData{
		Intent:   intent.String(),
		Label:    intent.Label(),
		Toggle:   toggle.Label(),
		Username: username,
		Error:    errMsg,
		Pending:  s.gate.Pending(),
	}
}

func (s *Server) handleLoginForm(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.authTimeout)
	admitted := s.gate.Admit(ctx)
	cancel()
	if admitted {
		http.Redirect(w, r, "/dashboard", http.StatusSeeOther)
		return
	}

	if err := s.renderPage(w, http.StatusOK, s.loginData("", ""), "base.html", "pages/login.html"); err != nil {
		s.logger.Error("failed to render login page", "error", err)
	}
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	username := r.FormValue("username")
	password := r.FormValue("password")

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), s.authTimeout)
	defer cancel()

	intent := s.gate.Intent()
	if _, err := s.gate.Authenticate(ctx, username, password); err != nil {
		status := http.StatusUnauthorized
		switch {
		case errors.Is(err, session.ErrMissingCredentials):
			status = http.StatusBadRequest
		case errors.Is(err, session.ErrPending):
			status = http.StatusConflict
		}
		data := s.loginData(username, session.FailureMessage(intent, err))
		if err := s.renderPage(w, status, data, "base.html", "pages/login.html"); err != nil {
			s.logger.Error("failed to render login page", "error", err)
		}
		return
	}

	http.Redirect(w, r, "/dashboard", http.StatusSeeOther)
}

func (s *Server) handleToggleIntent(w http.ResponseWriter, r *http.Request) {
	intent := s.gate.ToggleIntent()
	s.logger.Debug("credential form toggled", "intent", intent.String())
	http.Redirect(w, r, "/login", http.StatusSeeOther)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.gate.Logout(r.Context()); err != nil {
		s.logger.Error("failed to log out", "error", err)
	}
	http.Redirect(w, r, "/login", http.StatusSeeOther)
}
