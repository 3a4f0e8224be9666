package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/Blockeeer/ai-hair-simulation/internal/models"
)

var ErrUserNotFound = errors.New("user not found")

// UserRepo is the persistence UserService needs; repository.UserRepository implements it.
type UserRepo interface {
	FindByID(ctx context.Context, id int64) (*models.User, error)
	Create(ctx context.Context, user *models.User) (*models.User, error)
	Ensure(ctx context.Context, telegramID int64, username, firstName, lastName string, freeLimit int) (*models.User, bool, error)
}

type UserService struct {
	users     UserRepo
	freeLimit int
}

func NewUserService(users UserRepo, freeLimit int) *UserService {
	return &UserService{users: users, freeLimit: freeLimit}
}

// Ensure returns the Telegram user, registering it on first contact.
func (s *UserService) Ensure(ctx context.Context, telegramID int64, username, firstName, lastName string) (*models.User, bool, error) {
	user, created, err := s.users.Ensure(ctx, telegramID, username, firstName, lastName, s.freeLimit)
	if err != nil {
		return nil, false, fmt.Errorf("ensure user: %w", err)
	}
	return user, created, nil
}

// Register creates an API user with the default free allowance.
func (s *UserService) Register(ctx context.Context, username string) (*models.User, error) {
	user, err := s.users.Create(ctx, &models.User{
		Username: username,
		Quota:    models.QuotaState{FreeDailyLimit: s.freeLimit},
	})
	if err != nil {
		return nil, fmt.Errorf("register user: %w", err)
	}
	return user, nil
}

func (s *UserService) Get(ctx context.Context, id int64) (*models.User, error) {
	user, err := s.users.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("find user: %w", err)
	}
	if user == nil {
		return nil, ErrUserNotFound
	}
	return user, nil
}
