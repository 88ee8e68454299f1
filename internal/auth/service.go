// Package auth signs operators in and validates their tokens.
package auth

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"golang.org/x/crypto/bcrypt"
)

const RoleOperator = "operator"

var (
	// ErrDuplicateEmail is returned when creating an operator whose email exists.
	ErrDuplicateEmail     = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid token")
)

// Session is what a successful login hands back to an operator.
type Session struct {
	Token      string
	OperatorID uuid.UUID
	Email      string
	Role       string
	ExpiresAt  time.Time
}

type Service interface {
	CreateOperator(ctx context.Context, email, password string) (*Operator, error)
	Login(ctx context.Context, email, password string) (Session, error)
	ValidateToken(ctx context.Context, token string) (uuid.UUID, string, error)
}

type service struct {
	repo   Repository
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewService signs tokens with secret; they expire after ttl (24h when zero).
func NewService(repo Repository, secret string, ttl time.Duration) *service {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &service{repo: repo, secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Ensure service implements Service at compile time.
var _ Service = (*service)(nil)

type claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

func (s *service) CreateOperator(ctx context.Context, email, password string) (*Operator, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	op, err := s.repo.Create(ctx, email, string(hash))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrDuplicateEmail
		}
		return nil, err
	}
	return op, nil
}

// EnsureOperator creates the operator unless the email is already taken.
func EnsureOperator(ctx context.Context, svc Service, email, password string) error {
	if email == "" || password == "" {
		return nil
	}
	_, err := svc.CreateOperator(ctx, email, password)
	if errors.Is(err, ErrDuplicateEmail) {
		return nil
	}
	return err
}

func (s *service) Login(ctx context.Context, email, password string) (Session, error) {
	op, hash, err := s.repo.GetByEmail(ctx, email)
	if err != nil {
		return Session{}, err
	}
	if op == nil {
		return Session{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return Session{}, ErrInvalidCredentials
	}
	tok, exp, err := s.issueToken(op.ID, RoleOperator)
	if err != nil {
		return Session{}, err
	}
	return Session{Token: tok, OperatorID: op.ID, Email: op.Email, Role: RoleOperator, ExpiresAt: exp}, nil
}

func (s *service) issueToken(id uuid.UUID, role string) (string, time.Time, error) {
	now := s.now()
	exp := now.Add(s.ttl)
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.String(),
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		Role: role,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(s.secret)
	return signed, exp, err
}

func (s *service) ValidateToken(_ context.Context, token string) (uuid.UUID, string, error) {
	tok, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return uuid.Nil, "", err
	}
	c, ok := tok.Claims.(*claims)
	if !ok || !tok.Valid {
		return uuid.Nil, "", ErrInvalidToken
	}
	id, err := uuid.Parse(c.Subject)
	if err != nil {
		return uuid.Nil, "", err
	}
	return id, c.Role, nil
}
