package services

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dmitrijs2005/medvault/internal/common"
	"github.com/dmitrijs2005/medvault/internal/dbx"
	"github.com/dmitrijs2005/medvault/internal/logging"
	"github.com/dmitrijs2005/medvault/internal/models"
	"github.com/dmitrijs2005/medvault/internal/repositories/metadata"
)

const (
	sessionTokenKey  = "session_token"
	sessionUserKey   = "session_user"
	sessionSecretKey = "session_secret"
)

// Authenticator checks user credentials against an identity backend.
type Authenticator interface {
	Authenticate(ctx context.Context, username, password string) error
}

// StubAuthenticator accepts any non-empty username after Delay. It stands
// in until a real identity backend exists.
type StubAuthenticator struct {
	Delay time.Duration
}

func (a StubAuthenticator) Authenticate(ctx context.Context, username, _ string) error {
	if err := sleepCtx(ctx, a.Delay); err != nil {
		return err
	}
	if strings.TrimSpace(username) == "" {
		return errors.New("username is required")
	}
	return nil
}

// Claims are the session token claims.
type Claims struct {
	jwt.RegisteredClaims
	Username string `json:"username"`
}

// SessionGate holds the login state that gates access to the workflow.
//
// The state starts unknown, is resolved by the first Check from the token
// persisted in the metadata table, and then only changes through Login and
// Logout.
type SessionGate struct {
	db     *sql.DB
	auth   Authenticator
	secret []byte
	ttl    time.Duration
	log    logging.Logger
	now    func() time.Time

	mu    sync.Mutex
	state models.SessionState
	token string
	exp   time.Time
}

// NewSessionGate builds the gate. An empty secret means a random secret
// kept in the metadata table, so sessions survive restarts.
func NewSessionGate(ctx context.Context, db *sql.DB, auth Authenticator, secret string, ttl time.Duration, log logging.Logger) (*SessionGate, error) {
	key := []byte(secret)
	if len(key) == 0 {
		var err error
		if key, err = loadOrCreateSecret(ctx, metadata.NewSQLiteRepository(db)); err != nil {
			return nil, err
		}
	}
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &SessionGate{
		db:     db,
		auth:   auth,
		secret: key,
		ttl:    ttl,
		log:    log,
		now:    time.Now,
		state:  models.SessionUnknown,
	}, nil
}

func loadOrCreateSecret(ctx context.Context, repo metadata.Repository) ([]byte, error) {
	fresh := []byte(hex.EncodeToString(common.GenerateRandByteArray(32)))
	if _, err := repo.SetIfAbsent(ctx, sessionSecretKey, fresh); err != nil {
		return nil, fmt.Errorf("%w: store session secret: %w", common.ErrPersistence, err)
	}
	v, err := repo.Get(ctx, sessionSecretKey)
	if err != nil {
		return nil, fmt.Errorf("%w: read session secret: %w", common.ErrIO, err)
	}
	return v, nil
}

func (g *SessionGate) metadataRepo() metadata.Repository {
	return metadata.NewSQLiteRepository(g.db)
}

// Check resolves the session state on first use and returns it.
func (g *SessionGate) Check(ctx context.Context) models.SessionState {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state != models.SessionUnknown {
		return g.state
	}

	g.state = models.SessionUnauthenticated
	tok, err := g.metadataRepo().Get(ctx, sessionTokenKey)
	if err != nil {
		g.log.Warn(ctx, "reading stored session failed", "error", err)
		return g.state
	}
	if tok == nil {
		return g.state
	}

	claims, err := g.parse(string(tok))
	if err != nil {
		g.log.Info(ctx, "stored session rejected", "error", err)
		return g.state
	}

	g.state = models.SessionAuthenticated
	g.token = string(tok)
	g.exp = claims.ExpiresAt.Time
	g.log.Info(ctx, "session restored", "user", claims.Username)
	return g.state
}

// State returns the current state without resolving it.
func (g *SessionGate) State() models.SessionState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Login authenticates the user and starts a session. It returns the session
// token. Failures wrap common.ErrAuth. A failed attempt leaves a live
// session untouched and otherwise resolves the state to unauthenticated.
func (g *SessionGate) Login(ctx context.Context, username, password string) (string, error) {
	if err := g.auth.Authenticate(ctx, username, password); err != nil {
		g.mu.Lock()
		if g.state != models.SessionAuthenticated {
			g.state = models.SessionUnauthenticated
		}
		g.mu.Unlock()
		return "", fmt.Errorf("%w: %w", common.ErrAuth, err)
	}

	now := g.now()
	exp := now.Add(g.ttl)
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		Username: username,
	}).SignedString(g.secret)
	if err != nil {
		return "", fmt.Errorf("%w: sign token: %w", common.ErrAuth, err)
	}

	err = dbx.WithTx(ctx, g.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := metadata.NewSQLiteRepository(tx)
		if err := repo.Set(ctx, sessionTokenKey, []byte(token)); err != nil {
			return err
		}
		return repo.Set(ctx, sessionUserKey, []byte(username))
	})
	if err != nil {
		return "", fmt.Errorf("%w: save session: %w", common.ErrPersistence, err)
	}

	g.mu.Lock()
	g.state = models.SessionAuthenticated
	g.token = token
	g.exp = exp
	g.mu.Unlock()

	g.log.Info(ctx, "user logged in", "user", username)
	return token, nil
}

// Logout ends the session and forgets the stored token.
func (g *SessionGate) Logout(ctx context.Context) error {
	if err := g.metadataRepo().Delete(ctx, sessionTokenKey, sessionUserKey); err != nil {
		return fmt.Errorf("%w: clear session: %w", common.ErrPersistence, err)
	}

	g.mu.Lock()
	g.state = models.SessionUnauthenticated
	g.token = ""
	g.exp = time.Time{}
	g.mu.Unlock()

	g.log.Info(ctx, "user logged out")
	return nil
}

// Validate checks a presented token. It must be well signed, unexpired and
// the token of the current session. It returns the username.
func (g *SessionGate) Validate(token string) (string, error) {
	claims, err := g.parse(token)
	if err != nil {
		return "", err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != models.SessionAuthenticated || g.token != token {
		return "", fmt.Errorf("%w: session ended", common.ErrInvalidToken)
	}
	return claims.Username, nil
}

// Authorize returns common.ErrorUnauthorized unless a live session exists.
func (g *SessionGate) Authorize(ctx context.Context) error {
	if g.Check(ctx) != models.SessionAuthenticated {
		return common.ErrorUnauthorized
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.exp.IsZero() && !g.now().Before(g.exp) {
		return fmt.Errorf("%w: session expired", common.ErrorUnauthorized)
	}
	return nil
}

func (g *SessionGate) parse(token string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return g.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(g.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrInvalidToken, err)
	}
	return claims, nil
}
