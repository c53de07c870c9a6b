package repository

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/mmeshcher/microchallenges-rewards/internal/model"
)

// ClaimMode определяет, как MongoRepository обеспечивает атомарность получения награды.
type ClaimMode string

const (
	// ClaimModeTransaction использует многодокументные транзакции (нужен replica set).
	ClaimModeTransaction ClaimMode = "transaction"
	// ClaimModeSaga выполняет шаги по очереди и откатывает их компенсациями.
	ClaimModeSaga ClaimMode = "saga"
)

const (
	usersCollection   = "users"
	rewardsCollection = "rewards"
	claimsCollection  = "reward_claims"
)

type userDoc struct {
	ID           string    `bson:"_id"`
	Login        string    `bson:"login"`
	PasswordHash []byte    `bson:"password_hash"`
	Role         string    `bson:"role"`
	Points       int64     `bson:"points"`
	CreatedAt    time.Time `bson:"created_at"`
}

func (d *userDoc) toModel() *model.User {
	return &model.User{
		ID:           d.ID,
		Login:        d.Login,
		PasswordHash: d.PasswordHash,
		Role:         model.Role(d.Role),
		Points:       d.Points,
		CreatedAt:    d.CreatedAt,
	}
}

type claimLogDoc struct {
	UserID    string    `bson:"user"`
	ClaimedAt time.Time `bson:"claimed_at"`
}

type rewardDoc struct {
	ID          string        `bson:"_id"`
	Title       string        `bson:"title"`
	Description string        `bson:"description"`
	Category    string        `bson:"category"`
	PointsCost  int64         `bson:"points_cost"`
	Image       string        `bson:"image"`
	Stock       int64         `bson:"stock"`
	IsActive    bool          `bson:"is_active"`
	ClaimedBy   []claimLogDoc `bson:"claimed_by"`
	CreatedBy   string        `bson:"created_by,omitempty"`
	CreatedAt   time.Time     `bson:"created_at"`
	UpdatedAt   time.Time     `bson:"updated_at"`
}

func (d *rewardDoc) toModel() *model.RewardItem {
	item := &model.RewardItem{
		ID:          d.ID,
		Title:       d.Title,
		Description: d.Description,
		Category:    model.RewardCategory(d.Category),
		PointsCost:  d.PointsCost,
		Image:       d.Image,
		Stock:       d.Stock,
		IsActive:    d.IsActive,
		CreatedBy:   d.CreatedBy,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
	}
	for _, e := range d.ClaimedBy {
		item.ClaimedBy = append(item.ClaimedBy, model.ClaimLogEntry{UserID: e.UserID, ClaimedAt: e.ClaimedAt})
	}
	return item
}

type claimDoc struct {
	ID          string     `bson:"_id"`
	UserID      string     `bson:"user_id"`
	RewardID    string     `bson:"reward_id"`
	RewardTitle string     `bson:"reward_title"`
	PointsSpent int64      `bson:"points_spent"`
	Status      string     `bson:"status"`
	AdminNotes  string     `bson:"admin_notes"`
	ReviewedBy  *string    `bson:"reviewed_by,omitempty"`
	ReviewedAt  *time.Time `bson:"reviewed_at,omitempty"`
	CreatedAt   time.Time  `bson:"created_at"`
}

func (d *claimDoc) toModel() model.RewardClaim {
	return model.RewardClaim{
		ID:           d.ID,
		UserID:       d.UserID,
		RewardItemID: d.RewardID,
		RewardTitle:  d.RewardTitle,
		PointsSpent:  d.PointsSpent,
		Status:       model.ClaimStatus(d.Status),
		AdminNotes:   d.AdminNotes,
		ReviewedBy:   d.ReviewedBy,
		ReviewedAt:   d.ReviewedAt,
		CreatedAt:    d.CreatedAt,
	}
}

// MongoRepository хранит пользователей, каталог и заявки в MongoDB.
type MongoRepository struct {
	client  *mongo.Client
	users   *mongo.Collection
	rewards *mongo.Collection
	claims  *mongo.Collection
	uow     *UnitOfWork
	mode    ClaimMode
	logger  *zap.Logger
}

// NewMongoRepository подключается к MongoDB и создаёт необходимые индексы.
func NewMongoRepository(ctx context.Context, uri, dbName string, mode ClaimMode, logger *zap.Logger) (*MongoRepository, error) {
	switch mode {
	case ClaimModeTransaction, ClaimModeSaga:
	default:
		return nil, fmt.Errorf("unknown claim mode %q", mode)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	db := client.Database(dbName)
	r := &MongoRepository{
		client:  client,
		users:   db.Collection(usersCollection),
		rewards: db.Collection(rewardsCollection),
		claims:  db.Collection(claimsCollection),
		uow:     NewUnitOfWork(client),
		mode:    mode,
		logger:  logger,
	}

	if err := r.createIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}

	return r, nil
}

func (r *MongoRepository) createIndexes(ctx context.Context) error {
	_, err := r.users.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "login", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("login_unique"),
	})
	if err != nil {
		return fmt.Errorf("create login index: %w", err)
	}

	_, err = r.rewards.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "is_active", Value: 1}, {Key: "created_at", Value: -1}},
		Options: options.Index().SetName("active_created"),
	})
	if err != nil {
		return fmt.Errorf("create rewards index: %w", err)
	}

	_, err = r.claims.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}},
			Options: options.Index().SetName("user_created"),
		},
		{
			Keys:    bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: -1}},
			Options: options.Index().SetName("status_created"),
		},
	})
	if err != nil {
		return fmt.Errorf("create claims indexes: %w", err)
	}

	return nil
}

// Close отключает клиента MongoDB.
func (r *MongoRepository) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return r.client.Disconnect(ctx)
}

// CreateUser создаёт нового пользователя.
func (r *MongoRepository) CreateUser(ctx context.Context, u *model.User) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.Role == "" {
		u.Role = model.RoleUser
	}
	u.Points = 0
	u.CreatedAt = time.Now().UTC()

	_, err := r.users.InsertOne(ctx, userDoc{
		ID:           u.ID,
		Login:        u.Login,
		PasswordHash: u.PasswordHash,
		Role:         string(u.Role),
		Points:       u.Points,
		CreatedAt:    u.CreatedAt,
	})
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: %s", ErrUserExists, u.Login)
		}
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (r *MongoRepository) findUser(ctx context.Context, filter bson.M) (*model.User, error) {
	var doc userDoc
	if err := r.users.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return doc.toModel(), nil
}

// GetUserByLogin возвращает пользователя по логину.
func (r *MongoRepository) GetUserByLogin(ctx context.Context, login string) (*model.User, error) {
	return r.findUser(ctx, bson.M{"login": login})
}

// GetUserByID возвращает пользователя по идентификатору.
func (r *MongoRepository) GetUserByID(ctx context.Context, id string) (*model.User, error) {
	return r.findUser(ctx, bson.M{"_id": id})
}

// SetUserRole меняет роль пользователя.
func (r *MongoRepository) SetUserRole(ctx context.Context, id string, role model.Role) error {
	res, err := r.users.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"role": string(role)}})
	if err != nil {
		return fmt.Errorf("set user role: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrUserNotFound
	}
	return nil
}

// AddPoints начисляет баллы пользователю и возвращает новый баланс.
func (r *MongoRepository) AddPoints(ctx context.Context, userID string, delta int64) (int64, error) {
	var doc userDoc
	err := r.users.FindOneAndUpdate(ctx,
		bson.M{"_id": userID, "points": bson.M{"$lte": math.MaxInt64 - delta}},
		bson.M{"$inc": bson.M{"points": delta}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if err == nil {
		return doc.Points, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return 0, fmt.Errorf("add points: %w", err)
	}

	if _, err := r.findUser(ctx, bson.M{"_id": userID}); err != nil {
		return 0, err
	}
	return 0, ErrBalanceOverflow
}

// CreateReward сохраняет новую позицию каталога.
func (r *MongoRepository) CreateReward(ctx context.Context, item *model.RewardItem) error {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}

	_, err := r.rewards.InsertOne(ctx, rewardDoc{
		ID:          item.ID,
		Title:       item.Title,
		Description: item.Description,
		Category:    string(item.Category),
		PointsCost:  item.PointsCost,
		Image:       item.Image,
		Stock:       item.Stock,
		IsActive:    item.IsActive,
		// $size в условии получения требует массив, а не null.
		ClaimedBy: []claimLogDoc{},
		CreatedBy: item.CreatedBy,
		CreatedAt: item.CreatedAt,
		UpdatedAt: item.UpdatedAt,
	})
	if err != nil {
		return fmt.Errorf("insert reward: %w", err)
	}
	return nil
}

// UpdateReward перезаписывает редактируемые поля позиции каталога, не трогая журнал получений.
// Ограниченный запас не может стать меньше длины журнала: условие проверяется в самом обновлении.
func (r *MongoRepository) UpdateReward(ctx context.Context, item *model.RewardItem) error {
	filter := bson.M{"_id": item.ID}
	if item.Stock != model.UnlimitedStock {
		filter["$expr"] = bson.M{"$lte": bson.A{bson.M{"$size": "$claimed_by"}, item.Stock}}
	}

	res, err := r.rewards.UpdateOne(ctx,
		filter,
		bson.M{"$set": bson.M{
			"title":       item.Title,
			"description": item.Description,
			"category":    string(item.Category),
			"points_cost": item.PointsCost,
			"image":       item.Image,
			"stock":       item.Stock,
			"is_active":   item.IsActive,
			"updated_at":  item.UpdatedAt,
		}},
	)
	if err != nil {
		return fmt.Errorf("update reward: %w", err)
	}
	if res.MatchedCount > 0 {
		return nil
	}

	n, err := r.rewards.CountDocuments(ctx, bson.M{"_id": item.ID})
	if err != nil {
		return fmt.Errorf("check reward: %w", err)
	}
	if n == 0 {
		return ErrRewardNotFound
	}
	return ErrStockBelowClaimed
}

// GetReward возвращает позицию каталога вместе с журналом получений.
func (r *MongoRepository) GetReward(ctx context.Context, id string) (*model.RewardItem, error) {
	var doc rewardDoc
	if err := r.rewards.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrRewardNotFound
		}
		return nil, fmt.Errorf("get reward: %w", err)
	}
	return doc.toModel(), nil
}

// ListActiveRewards возвращает активные награды, начиная с самых новых.
func (r *MongoRepository) ListActiveRewards(ctx context.Context) ([]model.RewardItem, error) {
	cursor, err := r.rewards.Find(ctx,
		bson.M{"is_active": true},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("find rewards: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []rewardDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode rewards: %w", err)
	}

	items := make([]model.RewardItem, 0, len(docs))
	for i := range docs {
		items = append(items, *docs[i].toModel())
	}
	return items, nil
}

// ClaimReward получает награду для пользователя в транзакции или саге, в зависимости от режима.
func (r *MongoRepository) ClaimReward(ctx context.Context, userID, rewardID string, claimedAt time.Time) (*model.RewardClaim, error) {
	if r.mode == ClaimModeSaga {
		comp := &compensator{}
		claim, err := r.claimSteps(ctx, userID, rewardID, claimedAt, comp)
		if err != nil {
			if cerr := comp.rollback(context.WithoutCancel(ctx)); cerr != nil {
				r.logger.Error("claim compensation failed",
					zap.Error(cerr),
					zap.String("userID", userID),
					zap.String("rewardID", rewardID),
				)
				return nil, errors.Join(err, fmt.Errorf("compensate claim: %w", cerr))
			}
			return nil, err
		}
		return claim, nil
	}

	var claim *model.RewardClaim
	err := r.uow.WithTransaction(ctx, func(sc mongo.SessionContext) error {
		c, err := r.claimSteps(sc, userID, rewardID, claimedAt, nil)
		if err != nil {
			return err
		}
		claim = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claim, nil
}

// claimSteps выполняет проверки и три записи получения награды. Списание баллов и запись
// в журнал выполняются условными обновлениями, поэтому без транзакции гонка между
// проверкой и записью тоже не проходит.
func (r *MongoRepository) claimSteps(ctx context.Context, userID, rewardID string, claimedAt time.Time, comp *compensator) (*model.RewardClaim, error) {
	var reward rewardDoc
	if err := r.rewards.FindOne(ctx, bson.M{"_id": rewardID}).Decode(&reward); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrRewardNotFound
		}
		return nil, fmt.Errorf("get reward: %w", err)
	}

	if !reward.IsActive {
		return nil, ErrRewardUnavailable
	}
	if reward.toModel().SoldOut() {
		return nil, ErrStockExhausted
	}

	user, err := r.findUser(ctx, bson.M{"_id": userID})
	if err != nil {
		return nil, err
	}
	cost := reward.PointsCost
	if user.Points < cost {
		return nil, &InsufficientPointsError{Balance: user.Points, Required: cost}
	}

	doc := claimDoc{
		ID:          uuid.NewString(),
		UserID:      userID,
		RewardID:    rewardID,
		RewardTitle: reward.Title,
		PointsSpent: cost,
		Status:      string(model.ClaimStatusPending),
		CreatedAt:   claimedAt,
	}
	if _, err := r.claims.InsertOne(ctx, doc); err != nil {
		return nil, fmt.Errorf("insert claim: %w", err)
	}
	comp.add(func(ctx context.Context) error {
		_, err := r.claims.DeleteOne(ctx, bson.M{"_id": doc.ID})
		return err
	})

	res, err := r.users.UpdateOne(ctx,
		bson.M{"_id": userID, "points": bson.M{"$gte": cost}},
		bson.M{"$inc": bson.M{"points": -cost}},
	)
	if err != nil {
		return nil, fmt.Errorf("deduct points: %w", err)
	}
	if res.MatchedCount == 0 {
		balance := user.Points
		if fresh, err := r.findUser(ctx, bson.M{"_id": userID}); err == nil {
			balance = fresh.Points
		}
		return nil, &InsufficientPointsError{Balance: balance, Required: cost}
	}
	comp.add(func(ctx context.Context) error {
		_, err := r.users.UpdateOne(ctx, bson.M{"_id": userID}, bson.M{"$inc": bson.M{"points": cost}})
		return err
	})

	res, err = r.rewards.UpdateOne(ctx,
		bson.M{
			"_id":       rewardID,
			"is_active": true,
			"$or": bson.A{
				bson.M{"stock": model.UnlimitedStock},
				bson.M{"$expr": bson.M{"$lt": bson.A{bson.M{"$size": "$claimed_by"}, "$stock"}}},
			},
		},
		bson.M{"$push": bson.M{"claimed_by": claimLogDoc{UserID: userID, ClaimedAt: claimedAt}}},
	)
	if err != nil {
		return nil, fmt.Errorf("append claim log: %w", err)
	}
	if res.MatchedCount == 0 {
		var current rewardDoc
		if err := r.rewards.FindOne(ctx, bson.M{"_id": rewardID}).Decode(&current); err == nil && !current.IsActive {
			return nil, ErrRewardUnavailable
		}
		return nil, ErrStockExhausted
	}

	claim := doc.toModel()
	return &claim, nil
}

func (r *MongoRepository) findClaims(ctx context.Context, filter bson.M) ([]model.RewardClaim, error) {
	cursor, err := r.claims.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}))
	if err != nil {
		return nil, fmt.Errorf("find claims: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []claimDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode claims: %w", err)
	}

	res := make([]model.RewardClaim, 0, len(docs))
	for i := range docs {
		res = append(res, docs[i].toModel())
	}
	return res, nil
}

// ListClaimsByUser возвращает заявки пользователя, начиная с самых новых.
func (r *MongoRepository) ListClaimsByUser(ctx context.Context, userID string) ([]model.RewardClaim, error) {
	return r.findClaims(ctx, bson.M{"user_id": userID})
}

// ListClaims возвращает все заявки; пустой status отключает фильтр.
func (r *MongoRepository) ListClaims(ctx context.Context, status model.ClaimStatus) ([]model.RewardClaim, error) {
	filter := bson.M{}
	if status != "" {
		filter["status"] = string(status)
	}
	return r.findClaims(ctx, filter)
}

// UpdateClaimStatus переводит заявку из pending в итоговый статус.
func (r *MongoRepository) UpdateClaimStatus(ctx context.Context, claimID string, status model.ClaimStatus, notes *string, reviewerID string, reviewedAt time.Time) (*model.RewardClaim, error) {
	set := bson.M{
		"status":      string(status),
		"reviewed_by": reviewerID,
		"reviewed_at": reviewedAt,
	}
	if notes != nil {
		set["admin_notes"] = *notes
	}

	var doc claimDoc
	err := r.claims.FindOneAndUpdate(ctx,
		bson.M{"_id": claimID, "status": string(model.ClaimStatusPending)},
		bson.M{"$set": set},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if err == nil {
		claim := doc.toModel()
		return &claim, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("update claim: %w", err)
	}

	n, err := r.claims.CountDocuments(ctx, bson.M{"_id": claimID})
	if err != nil {
		return nil, fmt.Errorf("check claim: %w", err)
	}
	if n == 0 {
		return nil, ErrClaimNotFound
	}
	return nil, ErrClaimFinalized
}
