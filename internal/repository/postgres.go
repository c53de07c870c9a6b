// Package repository содержит реализации хранилища сервиса наград: PostgreSQL и MongoDB.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"

	"github.com/mmeshcher/microchallenges-rewards/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	userColumns   = `id, login, password_hash, role, points, created_at`
	rewardColumns = `id, title, description, category, points_cost, image, stock, is_active, created_by, created_at, updated_at`
	claimColumns  = `id, user_id, reward_id, reward_title, points_spent, status, admin_notes, reviewed_by, reviewed_at, created_at`
)

// querier покрывает и пул, и транзакцию.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool      *pgxpool.Pool
	retryBase time.Duration
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool, retryBase: 100 * time.Millisecond}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// withRetry повторяет fn при конфликте сериализации, дедлоке или обрыве соединения.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(3, retry.NewExponential(r.retryBase))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if isRetryable(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
	}
	return isConnectionError(err)
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// validID отсекает идентификаторы, которые PostgreSQL не сможет привести к UUID.
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateUser создаёт нового пользователя. Идентификатор назначается, если не задан.
func (r *PostgresRepository) CreateUser(ctx context.Context, u *model.User) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.Role == "" {
		u.Role = model.RoleUser
	}

	err := r.pool.QueryRow(ctx,
		`INSERT INTO users (id, login, password_hash, role) VALUES ($1, $2, $3, $4) RETURNING points, created_at`,
		u.ID, u.Login, u.PasswordHash, string(u.Role),
	).Scan(&u.Points, &u.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return fmt.Errorf("%w: %s", ErrUserExists, u.Login)
		}
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func scanUser(row pgx.Row) (*model.User, error) {
	var (
		u    model.User
		role string
	)
	if err := row.Scan(&u.ID, &u.Login, &u.PasswordHash, &role, &u.Points, &u.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	u.Role = model.Role(role)
	return &u, nil
}

// GetUserByLogin возвращает пользователя по логину.
func (r *PostgresRepository) GetUserByLogin(ctx context.Context, login string) (*model.User, error) {
	return scanUser(r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE login = $1`, login))
}

// GetUserByID возвращает пользователя по идентификатору.
func (r *PostgresRepository) GetUserByID(ctx context.Context, id string) (*model.User, error) {
	if !validID(id) {
		return nil, ErrUserNotFound
	}
	return scanUser(r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

// SetUserRole меняет роль пользователя.
func (r *PostgresRepository) SetUserRole(ctx context.Context, id string, role model.Role) error {
	if !validID(id) {
		return ErrUserNotFound
	}
	tag, err := r.pool.Exec(ctx, `UPDATE users SET role = $2 WHERE id = $1`, id, string(role))
	if err != nil {
		return fmt.Errorf("set user role: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// AddPoints начисляет баллы пользователю и возвращает новый баланс.
func (r *PostgresRepository) AddPoints(ctx context.Context, userID string, delta int64) (int64, error) {
	if !validID(userID) {
		return 0, ErrUserNotFound
	}

	var balance int64
	err := r.withRetry(ctx, func(ctx context.Context) error {
		err := r.pool.QueryRow(ctx,
			`UPDATE users SET points = points + $2 WHERE id = $1 RETURNING points`,
			userID, delta,
		).Scan(&balance)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrUserNotFound
		}
		return err
	})
	if err != nil {
		var pgErr *pgconn.PgError
		switch {
		case errors.Is(err, ErrUserNotFound):
			return 0, err
		case errors.As(err, &pgErr) && pgErr.Code == pgerrcode.NumericValueOutOfRange:
			return 0, ErrBalanceOverflow
		}
		return 0, fmt.Errorf("add points: %w", err)
	}
	return balance, nil
}

// CreateReward сохраняет новую позицию каталога.
func (r *PostgresRepository) CreateReward(ctx context.Context, item *model.RewardItem) error {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}

	_, err := r.pool.Exec(ctx,
		`INSERT INTO rewards (id, title, description, category, points_cost, image, stock, is_active, created_by, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		item.ID, item.Title, item.Description, string(item.Category), item.PointsCost,
		item.Image, item.Stock, item.IsActive, nullableID(item.CreatedBy), item.CreatedAt, item.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert reward: %w", err)
	}
	return nil
}

// UpdateReward перезаписывает редактируемые поля позиции каталога.
// Строка награды блокируется так же, как при получении, поэтому новый запас
// сравнивается с журналом, который параллельная заявка уже не может пополнить.
func (r *PostgresRepository) UpdateReward(ctx context.Context, item *model.RewardItem) error {
	if !validID(item.ID) {
		return ErrRewardNotFound
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var locked string
	err = tx.QueryRow(ctx, `SELECT id FROM rewards WHERE id = $1 FOR UPDATE`, item.ID).Scan(&locked)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrRewardNotFound
		}
		return fmt.Errorf("lock reward for update: %w", err)
	}

	if item.Stock != model.UnlimitedStock {
		var claimed int64
		err = tx.QueryRow(ctx, `SELECT COUNT(*) FROM reward_claim_log WHERE reward_id = $1`, item.ID).Scan(&claimed)
		if err != nil {
			return fmt.Errorf("count claims: %w", err)
		}
		if item.Stock < claimed {
			return ErrStockBelowClaimed
		}
	}

	_, err = tx.Exec(ctx,
		`UPDATE rewards
		 SET title = $2, description = $3, category = $4, points_cost = $5, image = $6, stock = $7, is_active = $8, updated_at = $9
		 WHERE id = $1`,
		item.ID, item.Title, item.Description, string(item.Category), item.PointsCost,
		item.Image, item.Stock, item.IsActive, item.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update reward: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func nullableID(id string) *string {
	if id == "" {
		return nil
	}
	return &id
}

func scanReward(row pgx.Row) (*model.RewardItem, error) {
	var (
		item      model.RewardItem
		category  string
		createdBy *string
	)
	err := row.Scan(&item.ID, &item.Title, &item.Description, &category, &item.PointsCost,
		&item.Image, &item.Stock, &item.IsActive, &createdBy, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return nil, err
	}
	item.Category = model.RewardCategory(category)
	if createdBy != nil {
		item.CreatedBy = *createdBy
	}
	return &item, nil
}

// GetReward возвращает позицию каталога вместе с журналом получений.
func (r *PostgresRepository) GetReward(ctx context.Context, id string) (*model.RewardItem, error) {
	if !validID(id) {
		return nil, ErrRewardNotFound
	}

	item, err := scanReward(r.pool.QueryRow(ctx, `SELECT `+rewardColumns+` FROM rewards WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRewardNotFound
		}
		return nil, fmt.Errorf("get reward: %w", err)
	}

	logs, err := loadClaimLogs(ctx, r.pool, []string{item.ID})
	if err != nil {
		return nil, err
	}
	item.ClaimedBy = logs[item.ID]

	return item, nil
}

// ListActiveRewards возвращает активные награды, начиная с самых новых.
func (r *PostgresRepository) ListActiveRewards(ctx context.Context) ([]model.RewardItem, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+rewardColumns+`
		 FROM rewards
		 WHERE is_active
		 ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("select rewards: %w", err)
	}
	defer rows.Close()

	var (
		items []model.RewardItem
		ids   []string
	)
	for rows.Next() {
		item, err := scanReward(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reward: %w", err)
		}
		items = append(items, *item)
		ids = append(ids, item.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	if len(ids) == 0 {
		return items, nil
	}

	logs, err := loadClaimLogs(ctx, r.pool, ids)
	if err != nil {
		return nil, err
	}
	for i := range items {
		items[i].ClaimedBy = logs[items[i].ID]
	}

	return items, nil
}

func loadClaimLogs(ctx context.Context, q querier, rewardIDs []string) (map[string][]model.ClaimLogEntry, error) {
	rows, err := q.Query(ctx,
		`SELECT reward_id, user_id, claimed_at
		 FROM reward_claim_log
		 WHERE reward_id = ANY($1::uuid[])
		 ORDER BY id`,
		rewardIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("select claim log: %w", err)
	}
	defer rows.Close()

	res := make(map[string][]model.ClaimLogEntry, len(rewardIDs))
	for rows.Next() {
		var (
			rewardID string
			entry    model.ClaimLogEntry
		)
		if err := rows.Scan(&rewardID, &entry.UserID, &entry.ClaimedAt); err != nil {
			return nil, fmt.Errorf("scan claim log: %w", err)
		}
		res[rewardID] = append(res[rewardID], entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// ClaimReward списывает баллы и создаёт заявку в одной транзакции.
// Строки награды и пользователя блокируются в этом порядке, поэтому проверки остатка и баланса
// остаются верными до коммита.
func (r *PostgresRepository) ClaimReward(ctx context.Context, userID, rewardID string, claimedAt time.Time) (*model.RewardClaim, error) {
	if !validID(rewardID) {
		return nil, ErrRewardNotFound
	}
	if !validID(userID) {
		return nil, ErrUserNotFound
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		title  string
		cost   int64
		stock  int64
		active bool
	)
	err = tx.QueryRow(ctx,
		`SELECT title, points_cost, stock, is_active FROM rewards WHERE id = $1 FOR UPDATE`,
		rewardID,
	).Scan(&title, &cost, &stock, &active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRewardNotFound
		}
		return nil, fmt.Errorf("lock reward for update: %w", err)
	}

	if !active {
		return nil, ErrRewardUnavailable
	}

	if stock != model.UnlimitedStock {
		var claimed int64
		err = tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM reward_claim_log WHERE reward_id = $1`,
			rewardID,
		).Scan(&claimed)
		if err != nil {
			return nil, fmt.Errorf("count claims: %w", err)
		}
		if claimed >= stock {
			return nil, ErrStockExhausted
		}
	}

	var balance int64
	err = tx.QueryRow(ctx, `SELECT points FROM users WHERE id = $1 FOR UPDATE`, userID).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("lock user for update: %w", err)
	}

	if balance < cost {
		return nil, &InsufficientPointsError{Balance: balance, Required: cost}
	}

	claim := &model.RewardClaim{
		ID:           uuid.NewString(),
		UserID:       userID,
		RewardItemID: rewardID,
		RewardTitle:  title,
		PointsSpent:  cost,
		Status:       model.ClaimStatusPending,
		CreatedAt:    claimedAt,
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO reward_claims (id, user_id, reward_id, reward_title, points_spent, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		claim.ID, claim.UserID, claim.RewardItemID, claim.RewardTitle, claim.PointsSpent,
		string(claim.Status), claim.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert claim: %w", err)
	}

	tag, err := tx.Exec(ctx,
		`UPDATE users SET points = points - $2 WHERE id = $1 AND points >= $2`,
		userID, cost,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.CheckViolation {
			return nil, &InsufficientPointsError{Balance: balance, Required: cost}
		}
		return nil, fmt.Errorf("deduct points: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return nil, &InsufficientPointsError{Balance: balance, Required: cost}
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO reward_claim_log (reward_id, user_id, claimed_at) VALUES ($1, $2, $3)`,
		rewardID, userID, claimedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("append claim log: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	return claim, nil
}

func scanClaim(row pgx.Row) (*model.RewardClaim, error) {
	var (
		c      model.RewardClaim
		status string
	)
	err := row.Scan(&c.ID, &c.UserID, &c.RewardItemID, &c.RewardTitle, &c.PointsSpent,
		&status, &c.AdminNotes, &c.ReviewedBy, &c.ReviewedAt, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	c.Status = model.ClaimStatus(status)
	return &c, nil
}

func collectClaims(rows pgx.Rows) ([]model.RewardClaim, error) {
	defer rows.Close()

	var res []model.RewardClaim
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, fmt.Errorf("scan claim: %w", err)
		}
		res = append(res, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}

// ListClaimsByUser возвращает заявки пользователя, начиная с самых новых.
func (r *PostgresRepository) ListClaimsByUser(ctx context.Context, userID string) ([]model.RewardClaim, error) {
	if !validID(userID) {
		return nil, nil
	}

	rows, err := r.pool.Query(ctx,
		`SELECT `+claimColumns+`
		 FROM reward_claims
		 WHERE user_id = $1
		 ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select claims: %w", err)
	}
	return collectClaims(rows)
}

// ListClaims возвращает все заявки; пустой status отключает фильтр.
func (r *PostgresRepository) ListClaims(ctx context.Context, status model.ClaimStatus) ([]model.RewardClaim, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+claimColumns+`
		 FROM reward_claims
		 WHERE $1 = '' OR status = $1
		 ORDER BY created_at DESC`,
		string(status),
	)
	if err != nil {
		return nil, fmt.Errorf("select claims: %w", err)
	}
	return collectClaims(rows)
}

// UpdateClaimStatus переводит заявку из pending в итоговый статус.
// Условие на pending делает переход однократным даже при параллельных запросах.
func (r *PostgresRepository) UpdateClaimStatus(ctx context.Context, claimID string, status model.ClaimStatus, notes *string, reviewerID string, reviewedAt time.Time) (*model.RewardClaim, error) {
	if !validID(claimID) {
		return nil, ErrClaimNotFound
	}

	claim, err := scanClaim(r.pool.QueryRow(ctx,
		`UPDATE reward_claims
		 SET status = $2, admin_notes = COALESCE($3, admin_notes), reviewed_by = $4, reviewed_at = $5
		 WHERE id = $1 AND status = $6
		 RETURNING `+claimColumns,
		claimID, string(status), notes, nullableID(reviewerID), reviewedAt, string(model.ClaimStatusPending),
	))
	if err == nil {
		return claim, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("update claim: %w", err)
	}

	var exists bool
	err = r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM reward_claims WHERE id = $1)`, claimID).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("check claim: %w", err)
	}
	if !exists {
		return nil, ErrClaimNotFound
	}
	return nil, ErrClaimFinalized
}
