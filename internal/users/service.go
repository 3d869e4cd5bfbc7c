package users

import (
	"context"
	"errors"

	"golang.org/x/crypto/bcrypt"

	"github.com/loomhq/loom/internal/shared"
)

// ErrDuplicateEmail indicates the email is already registered.
var ErrDuplicateEmail = errors.New("users: email already in use")

// RepositoryPort defines data access methods for users.
type RepositoryPort interface {
	ListUsers(ctx context.Context, limit, offset int) ([]User, error)
	CountUsers(ctx context.Context) (int64, error)
	FindUserByID(ctx context.Context, id int64) (*User, error)
	InsertUser(ctx context.Context, email, name, passwordHash string) (*User, error)
	UpdateUser(ctx context.Context, id int64, name string, isActive bool) (*User, error)
	DeleteUser(ctx context.Context, id int64) error
}

// Service handles user business logic.
type Service struct {
	repo RepositoryPort
}

// NewService builds Service instance.
func NewService(repo RepositoryPort) *Service {
	return &Service{repo: repo}
}

// ListUsers returns a page of users with pagination metadata.
func (s *Service) ListUsers(ctx context.Context, page, perPage int) ([]User, shared.Pagination, error) {
	total, err := s.repo.CountUsers(ctx)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	pag := shared.NewPagination(page, perPage, int(total))
	users, err := s.repo.ListUsers(ctx, pag.PerPage, pag.Offset())
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return users, pag, nil
}

// GetUser fetches a single user.
func (s *Service) GetUser(ctx context.Context, id int64) (*User, error) {
	return s.repo.FindUserByID(ctx, id)
}

// CreateUser registers an account with a bcrypt password hash.
func (s *Service) CreateUser(ctx context.Context, input NewUser) (*User, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(input.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	return s.repo.InsertUser(ctx, input.Email, input.Name, string(hashed))
}

// UpdateUser applies a partial update.
func (s *Service) UpdateUser(ctx context.Context, id int64, patch Patch) (*User, error) {
	current, err := s.repo.FindUserByID(ctx, id)
	if err != nil {
		return nil, err
	}
	name := current.Name
	if patch.Name != nil {
		name = *patch.Name
	}
	active := current.IsActive
	if patch.IsActive != nil {
		active = *patch.IsActive
	}
	return s.repo.UpdateUser(ctx, id, name, active)
}

// DeleteUser removes an account.
func (s *Service) DeleteUser(ctx context.Context, id int64) error {
	return s.repo.DeleteUser(ctx, id)
}
