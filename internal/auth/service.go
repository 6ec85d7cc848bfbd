// Package auth implements password login, access tokens and single-use
// refresh sessions for the geosync API.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/mohammed-shakir/geosync/internal/core/model"
	"github.com/mohammed-shakir/geosync/internal/core/observability"
	"github.com/mohammed-shakir/geosync/internal/store"
)

var ErrInvalidCredentials = errors.New("invalid email or password")

// compared against when the email is unknown so both paths cost one bcrypt
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("geosync-timing-guard"), bcrypt.DefaultCost)

type UserDirectory interface {
	UserByEmail(ctx context.Context, email string) (model.User, error)
	ProjectsForUser(ctx context.Context, userID string) ([]model.Project, error)
}

type Tokens struct {
	Access    string
	Refresh   string
	ExpiresIn time.Duration
}

// Seconds is the expiresIn value sent to clients.
func (t Tokens) Seconds() int { return int(t.ExpiresIn / time.Second) }

type Service struct {
	users      UserDirectory
	signer     *Signer
	sessions   SessionStore
	refreshTTL time.Duration
	log        *slog.Logger
}

func NewService(users UserDirectory, signer *Signer, sessions SessionStore, refreshTTL time.Duration, log *slog.Logger) *Service {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Service{users: users, signer: signer, sessions: sessions, refreshTTL: refreshTTL, log: log}
}

func HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(h), nil
}

type LoginResult struct {
	User     model.User
	Projects []model.Project
	Tokens   Tokens
}

func (s *Service) Login(ctx context.Context, email, password string) (LoginResult, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		observability.IncAuth("login", false)
		return LoginResult{}, ErrInvalidCredentials
	}
	u, err := s.users.UserByEmail(ctx, email)
	switch {
	case errors.Is(err, store.ErrNotFound):
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		observability.IncAuth("login", false)
		return LoginResult{}, ErrInvalidCredentials
	case err != nil:
		return LoginResult{}, fmt.Errorf("login: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		observability.IncAuth("login", false)
		return LoginResult{}, ErrInvalidCredentials
	}

	projects, err := s.users.ProjectsForUser(ctx, u.ID)
	if err != nil {
		return LoginResult{}, fmt.Errorf("login: %w", err)
	}
	tokens, err := s.issue(ctx, u.ID)
	if err != nil {
		return LoginResult{}, err
	}
	observability.IncAuth("login", true)
	s.log.InfoContext(ctx, "login", "user_id", u.ID, "projects", len(projects))
	u.PasswordHash = ""
	return LoginResult{User: u, Projects: projects, Tokens: tokens}, nil
}

// Refresh exchanges a refresh token for a new pair. The old token is spent
// even if issuing the new pair fails.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Tokens, error) {
	if refreshToken == "" {
		observability.IncAuth("refresh", false)
		return Tokens{}, ErrInvalidRefresh
	}
	userID, err := s.sessions.Consume(ctx, refreshToken)
	if err != nil {
		observability.IncAuth("refresh", false)
		return Tokens{}, err
	}
	tokens, err := s.issue(ctx, userID)
	if err != nil {
		return Tokens{}, err
	}
	observability.IncAuth("refresh", true)
	return tokens, nil
}

func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	observability.IncAuth("logout", true)
	if refreshToken == "" {
		return nil
	}
	return s.sessions.Revoke(ctx, refreshToken)
}

// Authenticate validates an access token and returns its user id.
func (s *Service) Authenticate(accessToken string) (string, error) {
	return s.signer.Validate(accessToken)
}

func (s *Service) issue(ctx context.Context, userID string) (Tokens, error) {
	access, err := s.signer.Issue(userID)
	if err != nil {
		return Tokens{}, err
	}
	refresh, err := newRefreshToken()
	if err != nil {
		return Tokens{}, err
	}
	if err := s.sessions.Save(ctx, refresh, userID, s.refreshTTL); err != nil {
		return Tokens{}, err
	}
	return Tokens{Access: access, Refresh: refresh, ExpiresIn: s.signer.TTL()}, nil
}
