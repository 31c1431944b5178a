package auth

import (
	"context"
	"errors"

	"github.com/dkeye/Ring/internal/domain"
	"github.com/dkeye/Ring/internal/metrics"
	"github.com/dkeye/Ring/internal/store"
)

var ErrInvalidCredentials = errors.New("invalid email or password")

// Session is what register and login hand back to the client.
type Session struct {
	Token     string      `json:"token"`
	ExpiresIn int64       `json:"expires_in"`
	User      domain.User `json:"user"`
}

type Service struct {
	users  *store.Users
	tokens *TokenIssuer
}

func NewService(users *store.Users, tokens *TokenIssuer) *Service {
	return &Service{users: users, tokens: tokens}
}

func (s *Service) Register(ctx context.Context, name, email, password string) (Session, error) {
	hash, err := HashPassword(password)
	if err != nil {
		return Session{}, err
	}
	u, err := s.users.Create(ctx, name, email, hash)
	if err != nil {
		return Session{}, err
	}
	return s.session(u)
}

func (s *Service) Login(ctx context.Context, email, password string) (Session, error) {
	u, err := s.users.FindByEmail(ctx, email)
	if errors.Is(err, store.ErrUserNotFound) {
		metrics.AuthAttempts.WithLabelValues("failure").Inc()
		return Session{}, ErrInvalidCredentials
	}
	if err != nil {
		return Session{}, err
	}
	if !CheckPassword(u.PasswordHash, password) {
		metrics.AuthAttempts.WithLabelValues("failure").Inc()
		return Session{}, ErrInvalidCredentials
	}
	metrics.AuthAttempts.WithLabelValues("success").Inc()
	return s.session(u)
}

// Verify resolves a token to the current account.
func (s *Service) Verify(ctx context.Context, token string) (domain.User, error) {
	claims, err := s.tokens.Validate(token)
	if err != nil {
		return domain.User{}, err
	}
	u, err := s.users.FindByID(ctx, domain.UserID(claims.Subject))
	if err != nil {
		return domain.User{}, err
	}
	return u.ToDomain(), nil
}

func (s *Service) Tokens() *TokenIssuer { return s.tokens }

func (s *Service) session(u store.User) (Session, error) {
	token, ttl, err := s.tokens.Issue(u.ID, u.Name, u.Email)
	if err != nil {
		return Session{}, err
	}
	return Session{Token: token, ExpiresIn: ttl, User: u.ToDomain()}, nil
}
