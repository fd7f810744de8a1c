// Package auth issues and verifies session tokens and checks passwords.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"pair_chat/internal/model"
	userRepo "pair_chat/internal/repository/user"
	"regexp"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// CookieName carries the session token for clients that cannot set headers.
const CookieName = "authToken"

var (
	ErrMissingToken    = errors.New("missing session token")
	ErrInvalidToken    = errors.New("invalid session token")
	ErrTokenExpired    = errors.New("session token expired")
	ErrBadCredentials  = errors.New("invalid username or password")
	ErrInvalidUsername = errors.New("username must be 5-16 characters of letters, digits or underscore")
	ErrInvalidPassword = errors.New("password must be 6-16 characters")
)

var usernameRe = regexp.MustCompile(`^[A-Za-z0-9_]{5,16}$`)

type (
	Config struct {
		Secret string
		Issuer string
		TTL    time.Duration
	}

	Service struct {
		cfg   Config
		users userRepo.Repository
		now   func() time.Time
	}
)

func NewService(cfg Config, users userRepo.Repository) *Service {
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	return &Service{cfg: cfg, users: users, now: time.Now}
}

func ValidateCredentials(username, password string) error {
	if !usernameRe.MatchString(username) {
		return ErrInvalidUsername
	}
	if n := len(password); n < 6 || n > 16 {
		return ErrInvalidPassword
	}
	return nil
}

// Register creates an account with a bcrypt password hash.
func (s *Service) Register(ctx context.Context, username, password string) (*model.User, error) {
	if err := ValidateCredentials(username, password); err != nil {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	user := &model.User{
		Name:         username,
		PasswordHash: hash,
		CreatedAt:    s.now().UTC(),
	}
	if _, err := s.users.Create(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

// Login checks the password and returns a fresh session token.
func (s *Service) Login(ctx context.Context, username, password string) (string, *model.User, error) {
	user, err := s.users.GetByName(ctx, username)
	if errors.Is(err, userRepo.ErrNotFound) {
		return "", nil, ErrBadCredentials
	}
	if err != nil {
		return "", nil, err
	}

	if err := bcrypt.CompareHashAndPassword(user.PasswordHash, []byte(password)); err != nil {
		return "", nil, ErrBadCredentials
	}

	token, err := s.Issue(user.ID.Hex())
	if err != nil {
		return "", nil, err
	}
	return token, user, nil
}

func (s *Service) Issue(userID string) (string, error) {
	now := s.now()
	claims := &jwt.RegisteredClaims{
		Issuer:    s.cfg.Issuer,
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.TTL)),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.cfg.Secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify returns the user id the token was issued for.
func (s *Service) Verify(token string) (string, error) {
	if token == "" {
		return "", ErrMissingToken
	}

	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return []byte(s.cfg.Secret), nil
	},
		jwt.WithIssuer(s.cfg.Issuer),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
	)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "", ErrTokenExpired
	case err != nil:
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	case claims.Subject == "":
		return "", fmt.Errorf("%w: empty subject", ErrInvalidToken)
	}
	return claims.Subject, nil
}

// TokenFromRequest looks for the session token in the Authorization header,
// then the session cookie, then the "token" query parameter.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(strings.TrimSpace(h), " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	if c, err := r.Cookie(CookieName); err == nil && c.Value != "" {
		return c.Value
	}
	return r.URL.Query().Get("token")
}

func (s *Service) Authenticate(r *http.Request) (string, error) {
	return s.Verify(TokenFromRequest(r))
}

func (s *Service) TTL() time.Duration {
	return s.cfg.TTL
}
