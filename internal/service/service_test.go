package service

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/mmeshcher/microchallenges-rewards/internal/model"
	"github.com/mmeshcher/microchallenges-rewards/internal/repository"
	"github.com/mmeshcher/microchallenges-rewards/internal/validation"
)

type stubRepo struct {
	createdUsers  []*model.User
	createUserErr error

	getUser    *model.User
	getUserErr error

	roleSet map[string]model.Role

	addPointsBalance int64
	addPointsErr     error
	addPointsCalls   int

	createdRewards []*model.RewardItem
	updatedRewards []*model.RewardItem
	updateErr      error
	reward         *model.RewardItem
	rewardErr      error

	claimResp     *model.RewardClaim
	claimErr      error
	claimedAt     time.Time
	claimUserID   string
	claimRewardID string

	claims       []model.RewardClaim
	claimsStatus model.ClaimStatus

	reviewCalls  int
	reviewStatus model.ClaimStatus
	reviewNotes  *string
	reviewerID   string
	reviewedAt   time.Time
	reviewResp   *model.RewardClaim
	reviewErr    error
}

func (s *stubRepo) Close() error { return nil }

func (s *stubRepo) CreateUser(ctx context.Context, u *model.User) error {
	if s.createUserErr != nil {
		return s.createUserErr
	}
	u.ID = "user-1"
	s.createdUsers = append(s.createdUsers, u)
	return nil
}

func (s *stubRepo) GetUserByLogin(ctx context.Context, login string) (*model.User, error) {
	return s.getUser, s.getUserErr
}

func (s *stubRepo) GetUserByID(ctx context.Context, id string) (*model.User, error) {
	return s.getUser, s.getUserErr
}

func (s *stubRepo) SetUserRole(ctx context.Context, id string, role model.Role) error {
	if s.roleSet == nil {
		s.roleSet = map[string]model.Role{}
	}
	s.roleSet[id] = role
	return nil
}

func (s *stubRepo) AddPoints(ctx context.Context, userID string, delta int64) (int64, error) {
	s.addPointsCalls++
	return s.addPointsBalance, s.addPointsErr
}

func (s *stubRepo) CreateReward(ctx context.Context, item *model.RewardItem) error {
	item.ID = "reward-1"
	s.createdRewards = append(s.createdRewards, item)
	return nil
}

func (s *stubRepo) UpdateReward(ctx context.Context, item *model.RewardItem) error {
	if s.updateErr != nil {
		return s.updateErr
	}
	s.updatedRewards = append(s.updatedRewards, item)
	return nil
}

func (s *stubRepo) GetReward(ctx context.Context, id string) (*model.RewardItem, error) {
	if s.rewardErr != nil {
		return nil, s.rewardErr
	}
	cp := *s.reward
	return &cp, nil
}

func (s *stubRepo) ListActiveRewards(ctx context.Context) ([]model.RewardItem, error) {
	return nil, nil
}

func (s *stubRepo) ClaimReward(ctx context.Context, userID, rewardID string, claimedAt time.Time) (*model.RewardClaim, error) {
	s.claimUserID = userID
	s.claimRewardID = rewardID
	s.claimedAt = claimedAt
	return s.claimResp, s.claimErr
}

func (s *stubRepo) ListClaimsByUser(ctx context.Context, userID string) ([]model.RewardClaim, error) {
	return s.claims, nil
}

func (s *stubRepo) ListClaims(ctx context.Context, status model.ClaimStatus) ([]model.RewardClaim, error) {
	s.claimsStatus = status
	return s.claims, nil
}

func (s *stubRepo) UpdateClaimStatus(ctx context.Context, claimID string, status model.ClaimStatus, notes *string, reviewerID string, reviewedAt time.Time) (*model.RewardClaim, error) {
	s.reviewCalls++
	s.reviewStatus = status
	s.reviewNotes = notes
	s.reviewerID = reviewerID
	s.reviewedAt = reviewedAt
	return s.reviewResp, s.reviewErr
}

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestService(repo Repository) *Service {
	svc := NewService(repo)
	svc.now = func() time.Time { return fixedNow }
	return svc
}

func mustHash(t *testing.T, password string) []byte {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	return h
}

func TestRegisterUser_HashesPassword(t *testing.T) {
	repo := &stubRepo{}
	svc := newTestService(repo)

	u, err := svc.RegisterUser(context.Background(), "  alice ", "s3cret!")
	require.NoError(t, err)

	assert.Equal(t, "alice", u.Login)
	assert.Equal(t, model.RoleUser, u.Role)
	require.Len(t, repo.createdUsers, 1)
	assert.NoError(t, bcrypt.CompareHashAndPassword(u.PasswordHash, []byte("s3cret!")))
}

func TestRegisterUser_PropagatesDuplicateError(t *testing.T) {
	repo := &stubRepo{createUserErr: repository.ErrUserExists}
	svc := newTestService(repo)

	_, err := svc.RegisterUser(context.Background(), "login", "password")
	assert.ErrorIs(t, err, repository.ErrUserExists)
}

func TestRegisterUser_ShortPassword(t *testing.T) {
	repo := &stubRepo{}
	svc := newTestService(repo)

	_, err := svc.RegisterUser(context.Background(), "login", "123")
	var verr *validation.Error
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "password", verr.Field)
	assert.Empty(t, repo.createdUsers)
}

func TestAuthenticateUser(t *testing.T) {
	user := &model.User{ID: "u1", Login: "user", PasswordHash: mustHash(t, "correct"), Role: model.RoleAdmin}

	t.Run("valid", func(t *testing.T) {
		svc := newTestService(&stubRepo{getUser: user})
		got, err := svc.AuthenticateUser(context.Background(), "user", "correct")
		require.NoError(t, err)
		assert.Equal(t, "u1", got.ID)
		assert.Equal(t, model.RoleAdmin, got.Role)
	})

	t.Run("wrong password", func(t *testing.T) {
		svc := newTestService(&stubRepo{getUser: user})
		_, err := svc.AuthenticateUser(context.Background(), "user", "wrong")
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	})

	t.Run("unknown login", func(t *testing.T) {
		svc := newTestService(&stubRepo{getUserErr: repository.ErrUserNotFound})
		_, err := svc.AuthenticateUser(context.Background(), "ghost", "whatever")
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	})

	t.Run("storage failure", func(t *testing.T) {
		storageErr := errors.New("connection reset by peer")
		svc := newTestService(&stubRepo{getUserErr: storageErr})
		_, err := svc.AuthenticateUser(context.Background(), "user", "correct")
		assert.ErrorIs(t, err, storageErr)
	})
}

func TestEnsureAdmin(t *testing.T) {
	t.Run("creates missing account", func(t *testing.T) {
		repo := &stubRepo{getUserErr: repository.ErrUserNotFound}
		require.NoError(t, newTestService(repo).EnsureAdmin(context.Background(), "root", "rootpass"))
		require.Len(t, repo.createdUsers, 1)
		assert.Equal(t, model.RoleAdmin, repo.createdUsers[0].Role)
	})

	t.Run("promotes existing user", func(t *testing.T) {
		repo := &stubRepo{getUser: &model.User{ID: "u7", Role: model.RoleUser}}
		require.NoError(t, newTestService(repo).EnsureAdmin(context.Background(), "root", "rootpass"))
		assert.Equal(t, model.RoleAdmin, repo.roleSet["u7"])
		assert.Empty(t, repo.createdUsers)
	})

	t.Run("keeps existing admin", func(t *testing.T) {
		repo := &stubRepo{getUser: &model.User{ID: "u7", Role: model.RoleAdmin}}
		require.NoError(t, newTestService(repo).EnsureAdmin(context.Background(), "root", "rootpass"))
		assert.Empty(t, repo.roleSet)
	})
}

func TestGetBalance(t *testing.T) {
	svc := newTestService(&stubRepo{getUser: &model.User{ID: "u1", Points: 150}})

	balance, err := svc.GetBalance(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(150), balance.Points)
}

func TestAwardPoints(t *testing.T) {
	repo := &stubRepo{addPointsBalance: 80}
	svc := newTestService(repo)

	balance, err := svc.AwardPoints(context.Background(), "u1", 30)
	require.NoError(t, err)
	assert.Equal(t, int64(80), balance.Points)

	_, err = svc.AwardPoints(context.Background(), "u1", -30)
	var verr *validation.Error
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, 1, repo.addPointsCalls, "negative awards must never reach the ledger")
}

func TestAwardPoints_Overflow(t *testing.T) {
	t.Run("above the per-award cap", func(t *testing.T) {
		repo := &stubRepo{}
		svc := newTestService(repo)

		_, err := svc.AwardPoints(context.Background(), "u1", math.MaxInt64)
		var verr *validation.Error
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "points", verr.Field)
		assert.Zero(t, repo.addPointsCalls)
	})

	t.Run("balance would overflow", func(t *testing.T) {
		svc := newTestService(&stubRepo{addPointsErr: repository.ErrBalanceOverflow})

		_, err := svc.AwardPoints(context.Background(), "u1", 100)
		var verr *validation.Error
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "points", verr.Field)
	})
}

func TestCreateReward_DefaultsToUnlimited(t *testing.T) {
	repo := &stubRepo{}
	svc := newTestService(repo)

	item, err := svc.CreateReward(context.Background(), "admin-1", RewardInput{
		Title:      " Bon 10€ ",
		Category:   model.CategoryVoucher,
		PointsCost: 100,
	})
	require.NoError(t, err)

	assert.Equal(t, "Bon 10€", item.Title)
	assert.Equal(t, model.UnlimitedStock, item.Stock)
	assert.True(t, item.IsActive)
	assert.Equal(t, "admin-1", item.CreatedBy)
	assert.Equal(t, fixedNow, item.CreatedAt)
	require.Len(t, repo.createdRewards, 1)
}

func TestCreateReward_Validation(t *testing.T) {
	repo := &stubRepo{}
	svc := newTestService(repo)
	stock := int64(5)

	tests := []struct {
		name  string
		in    RewardInput
		field string
	}{
		{name: "no title", in: RewardInput{Category: model.CategoryVoucher, PointsCost: 10}, field: "title"},
		{name: "bad category", in: RewardInput{Title: "x", Category: "cash", PointsCost: 10}, field: "category"},
		{name: "free reward", in: RewardInput{Title: "x", Category: model.CategoryOther, PointsCost: 0, Stock: &stock}, field: "pointsCost"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreateReward(context.Background(), "admin", tt.in)
			var verr *validation.Error
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
	assert.Empty(t, repo.createdRewards)
}

func TestUpdateReward_AppliesPatch(t *testing.T) {
	repo := &stubRepo{reward: &model.RewardItem{
		ID:         "r1",
		Title:      "Mug",
		Category:   model.CategoryMerchandise,
		PointsCost: 40,
		Stock:      model.UnlimitedStock,
		IsActive:   true,
	}}
	svc := newTestService(repo)

	cost := int64(90)
	inactive := false
	item, err := svc.UpdateReward(context.Background(), "r1", RewardPatch{PointsCost: &cost, IsActive: &inactive})
	require.NoError(t, err)

	assert.Equal(t, "Mug", item.Title)
	assert.Equal(t, int64(90), item.PointsCost)
	assert.False(t, item.IsActive)
	assert.Equal(t, fixedNow, item.UpdatedAt)
	require.Len(t, repo.updatedRewards, 1)
}

func TestUpdateReward_RejectsInvalidPatch(t *testing.T) {
	repo := &stubRepo{reward: &model.RewardItem{ID: "r1", Title: "Mug", Category: model.CategoryOther, PointsCost: 1, Stock: 3}}
	svc := newTestService(repo)

	stock := int64(-7)
	_, err := svc.UpdateReward(context.Background(), "r1", RewardPatch{Stock: &stock})
	var verr *validation.Error
	require.ErrorAs(t, err, &verr)
	assert.Empty(t, repo.updatedRewards)
}

func TestUpdateReward_StockBelowClaims(t *testing.T) {
	now := time.Now()
	repo := &stubRepo{reward: &model.RewardItem{
		ID:         "r1",
		Title:      "Bon 10€",
		Category:   model.CategoryVoucher,
		PointsCost: 50,
		Stock:      5,
		IsActive:   true,
		ClaimedBy: []model.ClaimLogEntry{
			{UserID: "u1", ClaimedAt: now},
			{UserID: "u2", ClaimedAt: now},
			{UserID: "u3", ClaimedAt: now},
		},
	}}
	svc := newTestService(repo)

	stock := int64(1)
	_, err := svc.UpdateReward(context.Background(), "r1", RewardPatch{Stock: &stock})
	var verr *validation.Error
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "stock", verr.Field)
	assert.Empty(t, repo.updatedRewards)

	stock = 3
	item, err := svc.UpdateReward(context.Background(), "r1", RewardPatch{Stock: &stock})
	require.NoError(t, err)
	assert.True(t, item.SoldOut())

	unlimited := model.UnlimitedStock
	_, err = svc.UpdateReward(context.Background(), "r1", RewardPatch{Stock: &unlimited})
	require.NoError(t, err)
}

func TestUpdateReward_ConcurrentClaimBeatsStockCut(t *testing.T) {
	repo := &stubRepo{
		reward:    &model.RewardItem{ID: "r1", Title: "Mug", Category: model.CategoryOther, PointsCost: 1, Stock: 5},
		updateErr: repository.ErrStockBelowClaimed,
	}
	svc := newTestService(repo)

	stock := int64(0)
	_, err := svc.UpdateReward(context.Background(), "r1", RewardPatch{Stock: &stock})
	var verr *validation.Error
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "stock", verr.Field)
}

func TestUpdateReward_NotFound(t *testing.T) {
	svc := newTestService(&stubRepo{rewardErr: repository.ErrRewardNotFound})

	_, err := svc.UpdateReward(context.Background(), "missing", RewardPatch{})
	assert.ErrorIs(t, err, repository.ErrRewardNotFound)
}

func TestClaimReward_UsesClock(t *testing.T) {
	want := &model.RewardClaim{ID: "c1", Status: model.ClaimStatusPending, PointsSpent: 100}
	repo := &stubRepo{claimResp: want}
	svc := newTestService(repo)

	got, err := svc.ClaimReward(context.Background(), "u1", "r1")
	require.NoError(t, err)
	assert.Same(t, want, got)
	assert.Equal(t, "u1", repo.claimUserID)
	assert.Equal(t, "r1", repo.claimRewardID)
	assert.Equal(t, fixedNow, repo.claimedAt)
}

func TestClaimReward_PropagatesBusinessErrors(t *testing.T) {
	errs := []error{
		repository.ErrRewardNotFound,
		repository.ErrRewardUnavailable,
		repository.ErrStockExhausted,
		&repository.InsufficientPointsError{Balance: 30, Required: 50},
	}

	for _, want := range errs {
		svc := newTestService(&stubRepo{claimErr: want})
		_, err := svc.ClaimReward(context.Background(), "u1", "r1")
		assert.ErrorIs(t, err, want)
	}
}

func TestSetClaimStatus(t *testing.T) {
	t.Run("stamps reviewer and time", func(t *testing.T) {
		repo := &stubRepo{reviewResp: &model.RewardClaim{ID: "c1", Status: model.ClaimStatusRejected}}
		svc := newTestService(repo)
		notes := "duplicate request"

		claim, err := svc.SetClaimStatus(context.Background(), "admin-1", "c1", model.ClaimStatusRejected, &notes)
		require.NoError(t, err)
		assert.Equal(t, model.ClaimStatusRejected, claim.Status)
		assert.Equal(t, "admin-1", repo.reviewerID)
		assert.Equal(t, fixedNow, repo.reviewedAt)
		assert.Equal(t, &notes, repo.reviewNotes)
	})

	t.Run("pending is not a review outcome", func(t *testing.T) {
		repo := &stubRepo{}
		svc := newTestService(repo)

		_, err := svc.SetClaimStatus(context.Background(), "admin-1", "c1", model.ClaimStatusPending, nil)
		var verr *validation.Error
		require.ErrorAs(t, err, &verr)
		assert.Zero(t, repo.reviewCalls)
	})

	t.Run("terminal claim stays terminal", func(t *testing.T) {
		repo := &stubRepo{reviewErr: repository.ErrClaimFinalized}
		svc := newTestService(repo)

		_, err := svc.SetClaimStatus(context.Background(), "admin-1", "c1", model.ClaimStatusDelivered, nil)
		assert.ErrorIs(t, err, repository.ErrClaimFinalized)
	})
}

func TestListClaims_StatusFilter(t *testing.T) {
	repo := &stubRepo{}
	svc := newTestService(repo)

	_, err := svc.ListClaims(context.Background(), model.ClaimStatusPending)
	require.NoError(t, err)
	assert.Equal(t, model.ClaimStatusPending, repo.claimsStatus)

	_, err = svc.ListClaims(context.Background(), "archived")
	var verr *validation.Error
	assert.ErrorAs(t, err, &verr)
}
