package repository

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/microchallenges-rewards/internal/model"
)

// store описывает общий контракт обоих хранилищ, который проверяют интеграционные тесты.
type store interface {
	CreateUser(ctx context.Context, u *model.User) error
	GetUserByID(ctx context.Context, id string) (*model.User, error)
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

func newUser(t *testing.T, s store, points int64) *model.User {
	t.Helper()
	ctx := context.Background()

	u := &model.User{Login: "user-" + uuid.NewString(), PasswordHash: []byte("hash")}
	require.NoError(t, s.CreateUser(ctx, u))
	if points > 0 {
		balance, err := s.AddPoints(ctx, u.ID, points)
		require.NoError(t, err)
		require.Equal(t, points, balance)
	}
	return u
}

func newReward(t *testing.T, s store, title string, cost, stock int64, active bool) *model.RewardItem {
	t.Helper()

	now := time.Now().UTC().Truncate(time.Millisecond)
	item := &model.RewardItem{
		Title:      title,
		Category:   model.CategoryVoucher,
		PointsCost: cost,
		Stock:      stock,
		IsActive:   active,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	require.NoError(t, s.CreateReward(context.Background(), item))
	return item
}

func balanceOf(t *testing.T, s store, userID string) int64 {
	t.Helper()
	u, err := s.GetUserByID(context.Background(), userID)
	require.NoError(t, err)
	return u.Points
}

func claimsForReward(t *testing.T, s store, rewardID string) []model.RewardClaim {
	t.Helper()
	all, err := s.ListClaims(context.Background(), "")
	require.NoError(t, err)

	var res []model.RewardClaim
	for _, c := range all {
		if c.RewardItemID == rewardID {
			res = append(res, c)
		}
	}
	return res
}

func runStoreContract(t *testing.T, s store) {
	ctx := context.Background()

	t.Run("last unit goes to the first claimant", func(t *testing.T) {
		reward := newReward(t, s, "Bon 10€", 100, 1, true)
		alice := newUser(t, s, 150)
		bob := newUser(t, s, 200)

		claim, err := s.ClaimReward(ctx, alice.ID, reward.ID, time.Now().UTC())
		require.NoError(t, err)
		assert.Equal(t, model.ClaimStatusPending, claim.Status)
		assert.Equal(t, int64(100), claim.PointsSpent)
		assert.Equal(t, int64(50), balanceOf(t, s, alice.ID))

		got, err := s.GetReward(ctx, reward.ID)
		require.NoError(t, err)
		require.Len(t, got.ClaimedBy, 1)
		assert.Equal(t, alice.ID, got.ClaimedBy[0].UserID)

		_, err = s.ClaimReward(ctx, bob.ID, reward.ID, time.Now().UTC())
		assert.ErrorIs(t, err, ErrStockExhausted)
		assert.Equal(t, int64(200), balanceOf(t, s, bob.ID))
	})

	t.Run("insufficient points leaves balance untouched", func(t *testing.T) {
		reward := newReward(t, s, "Mug", 50, model.UnlimitedStock, true)
		u := newUser(t, s, 30)

		_, err := s.ClaimReward(ctx, u.ID, reward.ID, time.Now().UTC())
		var ipe *InsufficientPointsError
		require.ErrorAs(t, err, &ipe)
		assert.Equal(t, int64(30), ipe.Balance)
		assert.Equal(t, int64(50), ipe.Required)
		assert.Equal(t, int64(30), balanceOf(t, s, u.ID))

		claims, err := s.ListClaimsByUser(ctx, u.ID)
		require.NoError(t, err)
		assert.Empty(t, claims)
	})

	t.Run("inactive reward is unavailable", func(t *testing.T) {
		reward := newReward(t, s, "Retired", 1, model.UnlimitedStock, false)
		u := newUser(t, s, 1000)

		_, err := s.ClaimReward(ctx, u.ID, reward.ID, time.Now().UTC())
		assert.ErrorIs(t, err, ErrRewardUnavailable)
		assert.Equal(t, int64(1000), balanceOf(t, s, u.ID))

		active, err := s.ListActiveRewards(ctx)
		require.NoError(t, err)
		for _, item := range active {
			assert.NotEqual(t, reward.ID, item.ID)
		}
	})

	t.Run("unknown reward", func(t *testing.T) {
		u := newUser(t, s, 10)
		_, err := s.ClaimReward(ctx, u.ID, uuid.NewString(), time.Now().UTC())
		assert.ErrorIs(t, err, ErrRewardNotFound)
	})

	t.Run("points spent is a snapshot", func(t *testing.T) {
		reward := newReward(t, s, "Lunch", 40, model.UnlimitedStock, true)
		u := newUser(t, s, 100)

		claim, err := s.ClaimReward(ctx, u.ID, reward.ID, time.Now().UTC())
		require.NoError(t, err)

		reward.PointsCost = 90
		reward.UpdatedAt = time.Now().UTC()
		require.NoError(t, s.UpdateReward(ctx, reward))

		claims, err := s.ListClaimsByUser(ctx, u.ID)
		require.NoError(t, err)
		require.Len(t, claims, 1)
		assert.Equal(t, claim.ID, claims[0].ID)
		assert.Equal(t, int64(40), claims[0].PointsSpent)
	})

	t.Run("concurrent claims never oversell", func(t *testing.T) {
		const attempts = 10
		reward := newReward(t, s, "Last seat", 10, 1, true)

		users := make([]*model.User, attempts)
		for i := range users {
			users[i] = newUser(t, s, 100)
		}

		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			succeeded int
			exhausted int
			winnerID  string
		)
		start := make(chan struct{})
		for _, u := range users {
			wg.Add(1)
			go func(userID string) {
				defer wg.Done()
				<-start
				_, err := s.ClaimReward(ctx, userID, reward.ID, time.Now().UTC())
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					succeeded++
					winnerID = userID
				case errors.Is(err, ErrStockExhausted):
					exhausted++
				default:
					t.Errorf("unexpected claim error: %v", err)
				}
			}(u.ID)
		}
		close(start)
		wg.Wait()

		assert.Equal(t, 1, succeeded)
		assert.Equal(t, attempts-1, exhausted)

		got, err := s.GetReward(ctx, reward.ID)
		require.NoError(t, err)
		assert.Len(t, got.ClaimedBy, 1)

		var total int64
		for _, u := range users {
			total += balanceOf(t, s, u.ID)
		}
		assert.Equal(t, int64(attempts*100-10), total)

		// Отказавшие попытки не оставляют заявок.
		claims := claimsForReward(t, s, reward.ID)
		require.Len(t, claims, 1)
		assert.Equal(t, winnerID, claims[0].UserID)
		for _, u := range users {
			own, err := s.ListClaimsByUser(ctx, u.ID)
			require.NoError(t, err)
			if u.ID == winnerID {
				assert.Len(t, own, 1)
				continue
			}
			assert.Empty(t, own, "user %s lost the race but has a claim", u.ID)
		}
	})

	t.Run("concurrent claims never overdraw", func(t *testing.T) {
		reward := newReward(t, s, "Coffee", 30, model.UnlimitedStock, true)
		u := newUser(t, s, 100)

		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			succeeded int
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.ClaimReward(ctx, u.ID, reward.ID, time.Now().UTC())
				if err == nil {
					mu.Lock()
					succeeded++
					mu.Unlock()
					return
				}
				var ipe *InsufficientPointsError
				if !errors.As(err, &ipe) {
					t.Errorf("unexpected claim error: %v", err)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 3, succeeded)
		assert.Equal(t, int64(10), balanceOf(t, s, u.ID))

		assert.Len(t, claimsForReward(t, s, reward.ID), 3)
		own, err := s.ListClaimsByUser(ctx, u.ID)
		require.NoError(t, err)
		assert.Len(t, own, 3)

		got, err := s.GetReward(ctx, reward.ID)
		require.NoError(t, err)
		assert.Len(t, got.ClaimedBy, 3)
	})

	t.Run("stock cannot drop below claims", func(t *testing.T) {
		reward := newReward(t, s, "Tickets", 5, 3, true)
		for i := 0; i < 2; i++ {
			u := newUser(t, s, 5)
			_, err := s.ClaimReward(ctx, u.ID, reward.ID, time.Now().UTC())
			require.NoError(t, err)
		}

		reward.Stock = 1
		reward.UpdatedAt = time.Now().UTC()
		assert.ErrorIs(t, s.UpdateReward(ctx, reward), ErrStockBelowClaimed)

		got, err := s.GetReward(ctx, reward.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(3), got.Stock)

		reward.Stock = 2
		require.NoError(t, s.UpdateReward(ctx, reward))
		reward.Stock = model.UnlimitedStock
		require.NoError(t, s.UpdateReward(ctx, reward))

		reward.ID = uuid.NewString()
		assert.ErrorIs(t, s.UpdateReward(ctx, reward), ErrRewardNotFound)
	})

	t.Run("award overflow keeps balance", func(t *testing.T) {
		u := newUser(t, s, 100)

		_, err := s.AddPoints(ctx, u.ID, math.MaxInt64)
		assert.ErrorIs(t, err, ErrBalanceOverflow)
		assert.Equal(t, int64(100), balanceOf(t, s, u.ID))

		_, err = s.AddPoints(ctx, uuid.NewString(), 10)
		assert.ErrorIs(t, err, ErrUserNotFound)
	})

	t.Run("review is final", func(t *testing.T) {
		reward := newReward(t, s, "Book", 5, model.UnlimitedStock, true)
		u := newUser(t, s, 5)
		admin := newUser(t, s, 0)

		claim, err := s.ClaimReward(ctx, u.ID, reward.ID, time.Now().UTC())
		require.NoError(t, err)

		notes := "handed over"
		reviewed, err := s.UpdateClaimStatus(ctx, claim.ID, model.ClaimStatusApproved, &notes, admin.ID, time.Now().UTC())
		require.NoError(t, err)
		assert.Equal(t, model.ClaimStatusApproved, reviewed.Status)
		assert.Equal(t, notes, reviewed.AdminNotes)
		require.NotNil(t, reviewed.ReviewedBy)
		assert.Equal(t, admin.ID, *reviewed.ReviewedBy)
		assert.NotNil(t, reviewed.ReviewedAt)

		_, err = s.UpdateClaimStatus(ctx, claim.ID, model.ClaimStatusRejected, nil, admin.ID, time.Now().UTC())
		assert.ErrorIs(t, err, ErrClaimFinalized)

		approved, err := s.ListClaims(ctx, model.ClaimStatusApproved)
		require.NoError(t, err)
		found := false
		for _, c := range approved {
			if c.ID == claim.ID {
				found = true
			}
		}
		assert.True(t, found)

		_, err = s.UpdateClaimStatus(ctx, uuid.NewString(), model.ClaimStatusApproved, nil, admin.ID, time.Now().UTC())
		assert.ErrorIs(t, err, ErrClaimNotFound)

		// Отклонение не возвращает баллы.
		assert.Equal(t, int64(0), balanceOf(t, s, u.ID))
	})
}
