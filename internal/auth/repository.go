package auth

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Operator is an account allowed to cancel requests and read the ledger.
type Operator struct {
	ID    uuid.UUID
	Email string
}

// Repository stores operators and their password hashes.
type Repository interface {
	Create(ctx context.Context, email, passwordHash string) (*Operator, error)
	// GetByEmail returns nil when no operator has the email.
	GetByEmail(ctx context.Context, email string) (*Operator, string, error)
}

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

func (r *PgRepository) Create(ctx context.Context, email, passwordHash string) (*Operator, error) {
	op := &Operator{ID: uuid.New(), Email: email}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO operators (id, email, password_hash)
		VALUES ($1, $2, $3)
	`, op.ID, email, passwordHash)
	if err != nil {
		return nil, err
	}
	return op, nil
}

func (r *PgRepository) GetByEmail(ctx context.Context, email string) (*Operator, string, error) {
	var op Operator
	var hash string
	err := r.pool.QueryRow(ctx, `
		SELECT id, email, password_hash FROM operators WHERE email = $1
	`, email).Scan(&op.ID, &op.Email, &hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", err
	}
	return &op, hash, nil
}

// MemoryRepository keeps operators in process.
type MemoryRepository struct {
	mu     sync.Mutex
	byMail map[string]memOperator
}

type memOperator struct {
	op   Operator
	hash string
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{byMail: make(map[string]memOperator)}
}

func (r *MemoryRepository) Create(_ context.Context, email, passwordHash string) (*Operator, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := strings.ToLower(email)
	if _, ok := r.byMail[key]; ok {
		return nil, ErrDuplicateEmail
	}
	op := Operator{ID: uuid.New(), Email: email}
	r.byMail[key] = memOperator{op: op, hash: passwordHash}
	return &op, nil
}

func (r *MemoryRepository) GetByEmail(_ context.Context, email string) (*Operator, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.byMail[strings.ToLower(email)]
	if !ok {
		return nil, "", nil
	}
	op := m.op
	return &op, m.hash, nil
}
