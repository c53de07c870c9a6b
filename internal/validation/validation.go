// Package validation содержит функции валидации входных данных.
package validation

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/mmeshcher/microchallenges-rewards/internal/model"
)

const (
	maxTitleLength = 200
	minPassword    = 6
	// MaxAward ограничивает одно начисление баллов.
	MaxAward = 1_000_000
)

// Error описывает ошибку валидации конкретного поля.
type Error struct {
	Field   string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func fieldError(field, format string, args ...any) error {
	return &Error{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Credentials проверяет логин и пароль при регистрации и входе.
func Credentials(login, password string) error {
	if strings.TrimSpace(login) == "" {
		return fieldError("login", "is required")
	}
	if password == "" {
		return fieldError("password", "is required")
	}
	return nil
}

// NewPassword проверяет пароль при регистрации.
func NewPassword(password string) error {
	if utf8.RuneCountInString(password) < minPassword {
		return fieldError("password", "must be at least %d characters", minPassword)
	}
	return nil
}

// Reward проверяет поля позиции каталога.
func Reward(title string, category model.RewardCategory, pointsCost, stock int64) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return fieldError("title", "is required")
	}
	if utf8.RuneCountInString(title) > maxTitleLength {
		return fieldError("title", "must be at most %d characters", maxTitleLength)
	}
	if category == "" {
		return fieldError("category", "is required")
	}
	if !category.Valid() {
		return fieldError("category", "must be one of %v", model.Categories)
	}
	if pointsCost < 1 {
		return fieldError("pointsCost", "must be at least 1")
	}
	if stock < model.UnlimitedStock {
		return fieldError("stock", "must be -1 (unlimited) or a non-negative number")
	}
	return nil
}

// StockCoversClaims проверяет, что ограниченный запас не меньше уже выданного количества.
func StockCoversClaims(stock int64, claimed int) error {
	if stock != model.UnlimitedStock && stock < int64(claimed) {
		return fieldError("stock", "must be -1 (unlimited) or at least %d, the number already claimed", claimed)
	}
	return nil
}

// ReviewStatus проверяет целевой статус заявки, выставляемый администратором.
func ReviewStatus(status model.ClaimStatus) error {
	if status == "" {
		return fieldError("status", "is required")
	}
	if !model.CanTransition(model.ClaimStatusPending, status) {
		return fieldError("status", "must be one of approved, rejected, delivered")
	}
	return nil
}

// Award проверяет количество начисляемых баллов.
func Award(points int64) error {
	if points <= 0 {
		return fieldError("points", "must be positive")
	}
	if points > MaxAward {
		return fieldError("points", "must be at most %d per award", MaxAward)
	}
	return nil
}
