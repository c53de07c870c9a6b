package repository

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/mongo"
)

// UnitOfWork выполняет набор операций MongoDB в одной транзакции.
type UnitOfWork struct {
	client *mongo.Client
}

// NewUnitOfWork создаёт UnitOfWork поверх клиента MongoDB.
func NewUnitOfWork(client *mongo.Client) *UnitOfWork {
	return &UnitOfWork{client: client}
}

// WithTransaction выполняет fn внутри транзакции; ошибка fn откатывает транзакцию.
func (uow *UnitOfWork) WithTransaction(ctx context.Context, fn func(sc mongo.SessionContext) error) error {
	session, err := uow.client.StartSession()
	if err != nil {
		return err
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return nil, fn(sc)
	})

	return err
}

// compensator накапливает компенсирующие действия саги.
// Нулевой указатель допустим: внутри транзакции компенсации не нужны.
type compensator struct {
	steps []func(ctx context.Context) error
}

func (c *compensator) add(step func(ctx context.Context) error) {
	if c == nil {
		return
	}
	c.steps = append(c.steps, step)
}

// rollback выполняет компенсации в обратном порядке и возвращает все их ошибки.
func (c *compensator) rollback(ctx context.Context) error {
	if c == nil {
		return nil
	}

	var errs []error
	for i := len(c.steps) - 1; i >= 0; i-- {
		if err := c.steps[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	c.steps = nil

	return errors.Join(errs...)
}
