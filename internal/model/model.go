// Package model содержит доменные сущности сервиса наград микро-челленджей.
package model

import "time"

// Role описывает роль пользователя платформы.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Allows сообщает, покрывает ли роль требуемую. Администратор может всё, что может пользователь.
func (r Role) Allows(required Role) bool {
	if r == required {
		return true
	}
	return r == RoleAdmin && required == RoleUser
}

// User представляет зарегистрированного пользователя вместе с его балансом баллов.
type User struct {
	ID           string
	Login        string
	PasswordHash []byte
	Role         Role
	Points       int64
	CreatedAt    time.Time
}

// Balance содержит текущий баланс баллов пользователя.
type Balance struct {
	Points int64 `json:"points"`
}

// RewardCategory описывает категорию награды из каталога.
type RewardCategory string

const (
	CategoryVoucher     RewardCategory = "voucher"
	CategoryMerchandise RewardCategory = "merchandise"
	CategoryExperience  RewardCategory = "experience"
	CategoryDonation    RewardCategory = "donation"
	CategoryOther       RewardCategory = "other"
)

// Categories перечисляет допустимые категории наград.
var Categories = []RewardCategory{
	CategoryVoucher,
	CategoryMerchandise,
	CategoryExperience,
	CategoryDonation,
	CategoryOther,
}

// Valid проверяет, что категория входит в фиксированный набор.
func (c RewardCategory) Valid() bool {
	for _, v := range Categories {
		if c == v {
			return true
		}
	}
	return false
}

// UnlimitedStock обозначает награду без ограничения количества.
const UnlimitedStock int64 = -1

// ClaimLogEntry описывает запись журнала получения награды.
type ClaimLogEntry struct {
	UserID    string
	ClaimedAt time.Time
}

// RewardItem описывает позицию каталога наград.
type RewardItem struct {
	ID          string
	Title       string
	Description string
	Category    RewardCategory
	PointsCost  int64
	Image       string
	Stock       int64
	IsActive    bool
	ClaimedBy   []ClaimLogEntry
	CreatedBy   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Unlimited сообщает, что количество награды не ограничено.
func (r *RewardItem) Unlimited() bool {
	return r.Stock == UnlimitedStock
}

// Remaining возвращает оставшееся количество и false для безлимитной награды.
func (r *RewardItem) Remaining() (int64, bool) {
	if r.Unlimited() {
		return 0, false
	}
	return r.Stock - int64(len(r.ClaimedBy)), true
}

// SoldOut сообщает, что ограниченный запас исчерпан.
func (r *RewardItem) SoldOut() bool {
	left, limited := r.Remaining()
	return limited && left <= 0
}

// ClaimStatus описывает состояние заявки на получение награды.
type ClaimStatus string

const (
	ClaimStatusPending   ClaimStatus = "pending"
	ClaimStatusApproved  ClaimStatus = "approved"
	ClaimStatusRejected  ClaimStatus = "rejected"
	ClaimStatusDelivered ClaimStatus = "delivered"
)

// Valid проверяет, что статус известен.
func (s ClaimStatus) Valid() bool {
	switch s {
	case ClaimStatusPending, ClaimStatusApproved, ClaimStatusRejected, ClaimStatusDelivered:
		return true
	}
	return false
}

// Terminal сообщает, что из статуса больше нет переходов.
func (s ClaimStatus) Terminal() bool {
	switch s {
	case ClaimStatusApproved, ClaimStatusRejected, ClaimStatusDelivered:
		return true
	}
	return false
}

// CanTransition проверяет допустимость перехода from -> to.
func CanTransition(from, to ClaimStatus) bool {
	return from == ClaimStatusPending && to.Terminal()
}

// RewardClaim описывает заявку пользователя на получение награды.
type RewardClaim struct {
	ID           string
	UserID       string
	RewardItemID string
	RewardTitle  string
	// PointsSpent фиксирует стоимость на момент заявки и не меняется при правке каталога.
	PointsSpent int64
	Status      ClaimStatus
	AdminNotes  string
	ReviewedBy  *string
	ReviewedAt  *time.Time
	CreatedAt   time.Time
}
