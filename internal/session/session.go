// Package session gates protected views behind a backend-issued token.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/vbonduro/reunite/internal/backend"
	"github.com/vbonduro/reunite/internal/logging"
)

var (
	// ErrNoToken is returned by a TokenStore that holds no token.
	ErrNoToken = errors.New("no session token")
	// ErrPending is returned while a login or sign up is in flight.
	ErrPending = errors.New("authentication already in progress")
	// ErrMissingCredentials is returned before any request when the username
	// or password is blank.
	ErrMissingCredentials = errors.New("username and password are required")
)

type State int

const (
	Unauthenticated State = iota
	Authenticated
)

func (s State) String() string {
	if s == Authenticated {
		return "authenticated"
	}
	return "unauthenticated"
}

// Intent selects which credential exchange the shared form performs.
type Intent int

const (
	IntentLogin Intent = iota
	IntentSignUp
)

func (i Intent) String() string {
	if i == IntentSignUp {
		return "signup"
	}
	return "login"
}

// Label is the user-facing name of the intent.
func (i Intent) Label() string {
	if i == IntentSignUp {
		return "Sign Up"
	}
	return "Login"
}

// Authenticator is the subset of backend.Client the gate requires.
type Authenticator interface {
	Login(ctx context.Context, username, password string) (string, error)
	SignUp(ctx context.Context, username, password string) (string, error)
	ValidateToken(ctx context.Context, token string) error
}

// TokenStore persists the one session token. Load returns ErrNoToken when the
// store is empty.
type TokenStore interface {
	Load(ctx context.Context) (string, error)
	Save(ctx context.Context, token string) error
	Clear(ctx context.Context) error
}

// AttemptRecorder observes credential exchanges.
type AttemptRecorder interface {
	AuthAttempt(intent, outcome string)
}

type nopRecorder struct{}

func (nopRecorder) AuthAttempt(string, string) {}

// Gate is the only writer of the token store.
type Gate struct {
	auth     Authenticator
	tokens   TokenStore
	recorder AttemptRecorder
	logger   *slog.Logger
	now      func() time.Time

	pending atomic.Bool

	mu     sync.Mutex
	state  State
	intent Intent
	token  string
}

// NewGate returns a gate in Unauthenticated. Call Restore to pick up a token
// persisted by a previous run. recorder may be nil.
func NewGate(auth Authenticator, tokens TokenStore, recorder AttemptRecorder, logger *slog.Logger) *Gate {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Gate{
		auth:     auth,
		tokens:   tokens,
		recorder: recorder,
		logger:   logger,
		now:      time.Now,
	}
}

func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

func (g *Gate) Intent() Intent {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.intent
}

// ToggleIntent switches the form between login and sign up.
func (g *Gate) ToggleIntent() Intent {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.intent == IntentLogin {
		g.intent = IntentSignUp
	} else {
		g.intent = IntentLogin
	}
	return g.intent
}

// Pending reports whether a credential exchange is in flight.
func (g *Gate) Pending() bool {
	return g.pending.Load()
}

// Authenticate performs the exchange selected by the current intent.
func (g *Gate) Authenticate(ctx context.Context, username, password string) (string, error) {
	return g.exchange(ctx, g.Intent(), username, password)
}

func (g *Gate) Login(ctx context.Context, username, password string) (string, error) {
	return g.exchange(ctx, IntentLogin, username, password)
}

func (g *Gate) SignUp(ctx context.Context, username, password string) (string, error) {
	return g.exchange(ctx, IntentSignUp, username, password)
}

func (g *Gate) exchange(ctx context.Context, intent Intent, username, password string) (string, error) {
	if strings.TrimSpace(username) == "" || password == "" {
		return "", ErrMissingCredentials
	}
	if !g.pending.CompareAndSwap(false, true) {
		return "", ErrPending
	}
	defer g.pending.Store(false)

	call := g.auth.Login
	if intent == IntentSignUp {
		call = g.auth.SignUp
	}

	token, err := call(ctx, username, password)
	if err != nil {
		g.recorder.AuthAttempt(intent.String(), "failure")
		g.logger.Warn("credential exchange failed",
			append([]any{"intent", intent.String(), "username", username}, logging.ErrorAttrs(err)...)...)
		return "", err
	}

	if err := g.tokens.Save(ctx, token); err != nil {
		g.recorder.AuthAttempt(intent.String(), "failure")
		return "", fmt.Errorf("failed to persist session token: %w", err)
	}

	g.mu.Lock()
	g.token = token
	g.state = Authenticated
	g.mu.Unlock()

	g.recorder.AuthAttempt(intent.String(), "success")
	g.logger.Info("session authenticated", "intent", intent.String(), "username", username)
	return token, nil
}

// Restore loads a persisted token and validates it against the backend. A
// token the backend rejects, or one that has expired, is cleared. When the
// backend cannot be reached the token is kept and the gate stays
// Unauthenticated until a later Admit can validate it.
func (g *Gate) Restore(ctx context.Context) (State, error) {
	token, err := g.tokens.Load(ctx)
	if errors.Is(err, ErrNoToken) {
		return Unauthenticated, nil
	}
	if err != nil {
		return Unauthenticated, fmt.Errorf("failed to load session token: %w", err)
	}

	g.mu.Lock()
	g.token = token
	g.state = Unauthenticated
	g.mu.Unlock()

	return g.validate(ctx, token)
}

// Admit reports whether protected views may be rendered. An expired token is
// dropped; an unverified one is re-validated.
func (g *Gate) Admit(ctx context.Context) bool {
	g.mu.Lock()
	state, token := g.state, g.token
	g.mu.Unlock()

	if token == "" {
		return false
	}
	if expired(token, g.now()) {
		g.drop(ctx, "expired")
		return false
	}
	if state == Authenticated {
		return true
	}

	state, err := g.validate(ctx, token)
	if err != nil {
		g.logger.Warn("session validation failed", logging.ErrorAttrs(err)...)
	}
	return state == Authenticated
}

func (g *Gate) validate(ctx context.Context, token string) (State, error) {
	if expired(token, g.now()) {
		g.drop(ctx, "expired")
		return Unauthenticated, nil
	}

	err := g.auth.ValidateToken(ctx, token)
	switch {
	case err == nil:
		g.mu.Lock()
		if g.token == token {
			g.state = Authenticated
		}
		g.mu.Unlock()
		return Authenticated, nil
	case errors.Is(err, backend.ErrUnauthorized):
		g.drop(ctx, "rejected")
		return Unauthenticated, nil
	default:
		return Unauthenticated, fmt.Errorf("failed to validate session token: %w", err)
	}
}

// Logout clears the token from memory and from the store.
func (g *Gate) Logout(ctx context.Context) error {
	g.mu.Lock()
	g.token = ""
	g.state = Unauthenticated
	g.mu.Unlock()

	if err := g.tokens.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear session token: %w", err)
	}
	g.logger.Info("session logged out")
	return nil
}

func (g *Gate) drop(ctx context.Context, reason string) {
	g.mu.Lock()
	g.token = ""
	g.state = Unauthenticated
	g.mu.Unlock()

	if err := g.tokens.Clear(ctx); err != nil {
		g.logger.Error("failed to clear session token", "reason", reason, "error", err)
		return
	}
	g.logger.Info("session token dropped", "reason", reason)
}

// expired reports whether token is a JWT whose exp claim has passed. Opaque
// tokens are never considered expired locally; the backend decides.
func expired(token string, now time.Time) bool {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return !now.Before(exp.Time)
}

// FailureMessage is the text shown on the credential form for err.
func FailureMessage(intent Intent, err error) string {
	switch {
	case errors.Is(err, ErrMissingCredentials):
		return "Username and password are required."
	case errors.Is(err, ErrPending):
		return "Please wait for the current request to finish."
	case errors.Is(err, backend.ErrUnauthorized):
		return "Invalid username or password."
	default:
		return intent.Label() + " failed. Please try again."
	}
}
