// Package service реализует бизнес-логику каталога наград, получения наград и рассмотрения заявок.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/mmeshcher/microchallenges-rewards/internal/model"
	"github.com/mmeshcher/microchallenges-rewards/internal/repository"
	"github.com/mmeshcher/microchallenges-rewards/internal/validation"
)

// ErrInvalidCredentials возвращается при неверном логине или пароле.
var ErrInvalidCredentials = errors.New("invalid credentials")

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateUser(ctx context.Context, u *model.User) error
	GetUserByLogin(ctx context.Context, login string) (*model.User, error)
	GetUserByID(ctx context.Context, id string) (*model.User, error)
	SetUserRole(ctx context.Context, id string, role model.Role) error
	AddPoints(ctx context.Context, userID string, delta int64) (int64, error)
	CreateReward(ctx context.Context, item *model.RewardItem) error
	UpdateReward(ctx context.Context, item *model.RewardItem) error
	GetReward(ctx context.Context, id string) (*model.RewardItem, error)
	ListActiveRewards(ctx context.Context) ([]model.RewardItem, error)
	ClaimReward(ctx context.Context, userID, rewardID string, claimedAt time.Time) (*model.RewardClaim, error)
	ListClaimsByUser(ctx context.Context, userID string) ([]model.RewardClaim, error)
	ListClaims(ctx context.Context, status model.ClaimStatus) ([]model.RewardClaim, error)
	UpdateClaimStatus(ctx context.Context, claimID string, status model.ClaimStatus, notes *string, reviewerID string, reviewedAt time.Time) (*model.RewardClaim, error)
}

// RewardInput содержит поля новой позиции каталога.
type RewardInput struct {
	Title       string
	Description string
	Category    model.RewardCategory
	PointsCost  int64
	Image       string
	// Stock равен nil, если запас не ограничен.
	Stock *int64
}

// RewardPatch содержит изменяемые поля позиции каталога; nil означает «не менять».
type RewardPatch struct {
	Title       *string
	Description *string
	Category    *model.RewardCategory
	PointsCost  *int64
	Image       *string
	Stock       *int64
	IsActive    *bool
}

// Service содержит бизнес-логику сервиса наград.
type Service struct {
	repo Repository
	now  func() time.Time
}

// NewService создаёт новый сервис с указанным репозиторием.
func NewService(repo Repository) *Service {
	return &Service{
		repo: repo,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// RegisterUser регистрирует нового пользователя с ролью user и нулевым балансом.
func (s *Service) RegisterUser(ctx context.Context, login, password string) (*model.User, error) {
	login = strings.TrimSpace(login)
	if err := validation.Credentials(login, password); err != nil {
		return nil, err
	}
	if err := validation.NewPassword(password); err != nil {
		return nil, err
	}

	hashed, err := hashPassword(password)
	if err != nil {
		return nil, err
	}

	u := &model.User{Login: login, PasswordHash: hashed, Role: model.RoleUser}
	if err := s.repo.CreateUser(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

// AuthenticateUser проверяет логин и пароль пользователя.
func (s *Service) AuthenticateUser(ctx context.Context, login, password string) (*model.User, error) {
	u, err := s.repo.GetUserByLogin(ctx, strings.TrimSpace(login))
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	return u, nil
}

// GetUser возвращает пользователя по идентификатору.
func (s *Service) GetUser(ctx context.Context, userID string) (*model.User, error) {
	return s.repo.GetUserByID(ctx, userID)
}

// EnsureAdmin создаёт администратора или повышает роль существующей учётной записи.
func (s *Service) EnsureAdmin(ctx context.Context, login, password string) error {
	u, err := s.repo.GetUserByLogin(ctx, login)
	switch {
	case err == nil:
		if u.Role == model.RoleAdmin {
			return nil
		}
		return s.repo.SetUserRole(ctx, u.ID, model.RoleAdmin)
	case !errors.Is(err, repository.ErrUserNotFound):
		return err
	}

	hashed, err := hashPassword(password)
	if err != nil {
		return err
	}
	return s.repo.CreateUser(ctx, &model.User{Login: login, PasswordHash: hashed, Role: model.RoleAdmin})
}

func hashPassword(password string) ([]byte, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	return hashed, nil
}

// GetBalance возвращает текущий баланс баллов пользователя.
func (s *Service) GetBalance(ctx context.Context, userID string) (*model.Balance, error) {
	u, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &model.Balance{Points: u.Points}, nil
}

// AwardPoints начисляет баллы за выполненный челлендж и возвращает новый баланс.
func (s *Service) AwardPoints(ctx context.Context, userID string, points int64) (*model.Balance, error) {
	if err := validation.Award(points); err != nil {
		return nil, err
	}
	balance, err := s.repo.AddPoints(ctx, userID, points)
	if err != nil {
		if errors.Is(err, repository.ErrBalanceOverflow) {
			return nil, &validation.Error{Field: "points", Message: err.Error()}
		}
		return nil, err
	}
	return &model.Balance{Points: balance}, nil
}

// ListActiveRewards возвращает активные награды, начиная с самых новых.
func (s *Service) ListActiveRewards(ctx context.Context) ([]model.RewardItem, error) {
	return s.repo.ListActiveRewards(ctx)
}

// GetReward возвращает позицию каталога.
func (s *Service) GetReward(ctx context.Context, rewardID string) (*model.RewardItem, error) {
	return s.repo.GetReward(ctx, rewardID)
}

// CreateReward добавляет награду в каталог от имени администратора.
func (s *Service) CreateReward(ctx context.Context, adminID string, in RewardInput) (*model.RewardItem, error) {
	stock := model.UnlimitedStock
	if in.Stock != nil {
		stock = *in.Stock
	}

	item := &model.RewardItem{
		Title:       strings.TrimSpace(in.Title),
		Description: strings.TrimSpace(in.Description),
		Category:    in.Category,
		PointsCost:  in.PointsCost,
		Image:       strings.TrimSpace(in.Image),
		Stock:       stock,
		IsActive:    true,
		CreatedBy:   adminID,
	}
	if err := validation.Reward(item.Title, item.Category, item.PointsCost, item.Stock); err != nil {
		return nil, err
	}

	now := s.now()
	item.CreatedAt = now
	item.UpdatedAt = now

	if err := s.repo.CreateReward(ctx, item); err != nil {
		return nil, err
	}
	return item, nil
}

// UpdateReward применяет частичное изменение к позиции каталога.
// Уже созданные заявки сохраняют списанную стоимость.
func (s *Service) UpdateReward(ctx context.Context, rewardID string, p RewardPatch) (*model.RewardItem, error) {
	item, err := s.repo.GetReward(ctx, rewardID)
	if err != nil {
		return nil, err
	}

	if p.Title != nil {
		item.Title = strings.TrimSpace(*p.Title)
	}
	if p.Description != nil {
		item.Description = strings.TrimSpace(*p.Description)
	}
	if p.Category != nil {
		item.Category = *p.Category
	}
	if p.PointsCost != nil {
		item.PointsCost = *p.PointsCost
	}
	if p.Image != nil {
		item.Image = strings.TrimSpace(*p.Image)
	}
	if p.Stock != nil {
		item.Stock = *p.Stock
	}
	if p.IsActive != nil {
		item.IsActive = *p.IsActive
	}

	if err := validation.Reward(item.Title, item.Category, item.PointsCost, item.Stock); err != nil {
		return nil, err
	}
	if err := validation.StockCoversClaims(item.Stock, len(item.ClaimedBy)); err != nil {
		return nil, err
	}

	item.UpdatedAt = s.now()
	if err := s.repo.UpdateReward(ctx, item); err != nil {
		if errors.Is(err, repository.ErrStockBelowClaimed) {
			return nil, &validation.Error{Field: "stock", Message: err.Error()}
		}
		return nil, err
	}
	return item, nil
}

// ClaimReward обменивает баллы пользователя на награду. Проверки и все три записи
// выполняются хранилищем атомарно; повторов нет, отказ возвращается пользователю как есть.
func (s *Service) ClaimReward(ctx context.Context, userID, rewardID string) (*model.RewardClaim, error) {
	return s.repo.ClaimReward(ctx, userID, rewardID, s.now())
}

// ListUserClaims возвращает заявки пользователя.
func (s *Service) ListUserClaims(ctx context.Context, userID string) ([]model.RewardClaim, error) {
	return s.repo.ListClaimsByUser(ctx, userID)
}

// ListClaims возвращает заявки всех пользователей, при необходимости с фильтром по статусу.
func (s *Service) ListClaims(ctx context.Context, status model.ClaimStatus) ([]model.RewardClaim, error) {
	if status != "" && !status.Valid() {
		return nil, &validation.Error{Field: "status", Message: "unknown status"}
	}
	return s.repo.ListClaims(ctx, status)
}

// SetClaimStatus завершает рассмотрение заявки. Баллы при отклонении не возвращаются.
func (s *Service) SetClaimStatus(ctx context.Context, adminID, claimID string, status model.ClaimStatus, notes *string) (*model.RewardClaim, error) {
	if err := validation.ReviewStatus(status); err != nil {
		return nil, err
	}
	return s.repo.UpdateClaimStatus(ctx, claimID, status, notes, adminID, s.now())
}
