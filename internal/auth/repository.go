package auth

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/replyflow/engagement/internal/apperr"
	"github.com/replyflow/engagement/internal/models"
	"github.com/replyflow/engagement/pkg/database"
)

// Store persists users. Lookups return apperr.ErrNotFound; a taken email returns apperr.ErrConflict.
type Store interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	Create(ctx context.Context, email, passwordHash, fullName string) (*models.User, error)
}

// Repository handles user persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates an auth repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetByID returns a user by ID.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	const q = `SELECT id, email, password_hash, full_name, created_at, updated_at FROM users WHERE id = $1`
	return r.scanOne(ctx, q, id)
}

// GetByEmail returns a user by email.
func (r *Repository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	const q = `SELECT id, email, password_hash, full_name, created_at, updated_at FROM users WHERE email = $1`
	return r.scanOne(ctx, q, normalizeEmail(email))
}

func (r *Repository) scanOne(ctx context.Context, q string, arg any) (*models.User, error) {
	var u models.User
	err := r.pool.QueryRow(ctx, q, arg).Scan(&u.ID, &u.Email, &u.Password, &u.FullName, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if database.IsNoRows(err) {
			return nil, apperr.NotFound("user")
		}
		return nil, err
	}
	return &u, nil
}

// Create inserts a new user.
func (r *Repository) Create(ctx context.Context, email, passwordHash, fullName string) (*models.User, error) {
	const q = `INSERT INTO users (id, email, password_hash, full_name)
		VALUES ($1, $2, $3, $4)
		RETURNING id, email, password_hash, full_name, created_at, updated_at`
	var u models.User
	err := r.pool.QueryRow(ctx, q, uuid.New(), normalizeEmail(email), passwordHash, fullName).
		Scan(&u.ID, &u.Email, &u.Password, &u.FullName, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return nil, apperr.Conflict("email already registered")
		}
		return nil, err
	}
	return &u, nil
}

// MemoryStore is an in-process user Store.
type MemoryStore struct {
	mu      sync.RWMutex
	byID    map[uuid.UUID]*models.User
	byEmail map[string]uuid.UUID
}

// NewMemoryStore creates an empty user store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[uuid.UUID]*models.User), byEmail: make(map[string]uuid.UUID)}
}

func (s *MemoryStore) GetByID(_ context.Context, id uuid.UUID) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.byID[id]
	if !ok {
		return nil, apperr.NotFound("user")
	}
	uc := *u
	return &uc, nil
}

func (s *MemoryStore) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	s.mu.RLock()
	id, ok := s.byEmail[normalizeEmail(email)]
	s.mu.RUnlock()
	if !ok {
		return nil, apperr.NotFound("user")
	}
	return s.GetByID(ctx, id)
}

func (s *MemoryStore) Create(_ context.Context, email, passwordHash, fullName string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	email = normalizeEmail(email)
	if _, ok := s.byEmail[email]; ok {
		return nil, apperr.Conflict("email already registered")
	}
	now := time.Now().UTC()
	u := &models.User{ID: uuid.New(), Email: email, Password: passwordHash, FullName: fullName, CreatedAt: now, UpdatedAt: now}
	s.byID[u.ID] = u
	s.byEmail[email] = u.ID
	uc := *u
	return &uc, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
