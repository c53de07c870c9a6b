package repository

import (
	"errors"
	"fmt"
)

var (
	// ErrUserExists возвращается при попытке создать пользователя с уже существующим логином.
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound возвращается, если пользователь не найден.
	ErrUserNotFound = errors.New("user not found")
	// ErrRewardNotFound возвращается, если награда отсутствует в каталоге.
	ErrRewardNotFound = errors.New("reward not found")
	// ErrRewardUnavailable возвращается при попытке получить неактивную награду.
	ErrRewardUnavailable = errors.New("reward is not available")
	// ErrStockExhausted возвращается, когда ограниченный запас награды закончился.
	ErrStockExhausted = errors.New("reward is out of stock")
	// ErrStockBelowClaimed возвращается, если новый запас меньше уже выданного количества.
	ErrStockBelowClaimed = errors.New("stock is below the number of units already claimed")
	// ErrBalanceOverflow возвращается, если начисление не помещается в баланс.
	ErrBalanceOverflow = errors.New("points balance would overflow")
	// ErrClaimNotFound возвращается, если заявка не найдена.
	ErrClaimNotFound = errors.New("claim not found")
	// ErrClaimFinalized возвращается при попытке изменить уже рассмотренную заявку.
	ErrClaimFinalized = errors.New("claim has already been reviewed")
)

// InsufficientPointsError возвращается, когда баланса не хватает на награду.
type InsufficientPointsError struct {
	Balance  int64
	Required int64
}

func (e *InsufficientPointsError) Error() string {
	return fmt.Sprintf("insufficient points: balance %d, required %d", e.Balance, e.Required)
}
