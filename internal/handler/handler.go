// Package handler содержит HTTP-обработчики API сервиса наград.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/microchallenges-rewards/internal/middleware"
	"github.com/mmeshcher/microchallenges-rewards/internal/model"
	"github.com/mmeshcher/microchallenges-rewards/internal/repository"
	"github.com/mmeshcher/microchallenges-rewards/internal/service"
	"github.com/mmeshcher/microchallenges-rewards/internal/validation"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterUser(ctx context.Context, login, password string) (*model.User, error)
	AuthenticateUser(ctx context.Context, login, password string) (*model.User, error)
	GetUser(ctx context.Context, userID string) (*model.User, error)
	GetBalance(ctx context.Context, userID string) (*model.Balance, error)
	AwardPoints(ctx context.Context, userID string, points int64) (*model.Balance, error)
	ListActiveRewards(ctx context.Context) ([]model.RewardItem, error)
	GetReward(ctx context.Context, rewardID string) (*model.RewardItem, error)
	CreateReward(ctx context.Context, adminID string, in service.RewardInput) (*model.RewardItem, error)
	UpdateReward(ctx context.Context, rewardID string, p service.RewardPatch) (*model.RewardItem, error)
	ClaimReward(ctx context.Context, userID, rewardID string) (*model.RewardClaim, error)
	ListUserClaims(ctx context.Context, userID string) ([]model.RewardClaim, error)
	ListClaims(ctx context.Context, status model.ClaimStatus) ([]model.RewardClaim, error)
	SetClaimStatus(ctx context.Context, adminID, claimID string, status model.ClaimStatus, notes *string) (*model.RewardClaim, error)
}

// Handler реализует HTTP-обработчики API сервиса наград.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

type messageResponse struct {
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, messageResponse{Message: message})
}

// writeServiceError переводит доменные ошибки в ответы 4xx, остальное логирует и отдаёт как 500.
func (h *Handler) writeServiceError(w http.ResponseWriter, err error, msg string, fields ...zap.Field) {
	var (
		verr *validation.Error
		ipe  *repository.InsufficientPointsError
	)

	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Error())
	case errors.As(err, &ipe):
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("Insufficient points: you have %d points, this reward costs %d", ipe.Balance, ipe.Required))
	case errors.Is(err, repository.ErrRewardUnavailable),
		errors.Is(err, repository.ErrStockExhausted):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, repository.ErrRewardNotFound),
		errors.Is(err, repository.ErrClaimNotFound),
		errors.Is(err, repository.ErrUserNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, repository.ErrClaimFinalized),
		errors.Is(err, repository.ErrUserExists):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, service.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, err.Error())
	default:
		h.logger.Error(msg, append(fields, zap.Error(err))...)
		writeError(w, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
	}
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &validation.Error{Field: "body", Message: "malformed JSON: " + err.Error()}
	}
	return nil
}

func principal(w http.ResponseWriter, r *http.Request) (middleware.Principal, bool) {
	p, ok := middleware.GetPrincipalFromContext(r.Context())
	if !ok || p.UserID == "" {
		writeError(w, http.StatusUnauthorized, http.StatusText(http.StatusUnauthorized))
		return middleware.Principal{}, false
	}
	return p, true
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

type credentialsRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

type tokenResponse struct {
	Token string `json:"token"`
	Role  string `json:"role"`
}

func (h *Handler) issue(w http.ResponseWriter, u *model.User) {
	token, err := h.authMiddleware.SetAuthCookie(w, u.ID, u.Role)
	if err != nil {
		h.logger.Error("issue token error", zap.Error(err), zap.String("userID", u.ID))
		writeError(w, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{Token: token, Role: string(u.Role)})
}

// Register обрабатывает регистрацию нового пользователя.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeServiceError(w, err, "decode register request")
		return
	}

	u, err := h.service.RegisterUser(r.Context(), req.Login, req.Password)
	if err != nil {
		h.writeServiceError(w, err, "register user error")
		return
	}

	h.issue(w, u)
}

// Login выполняет аутентификацию пользователя и выдаёт токен.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeServiceError(w, err, "decode login request")
		return
	}
	if err := validation.Credentials(req.Login, req.Password); err != nil {
		h.writeServiceError(w, err, "validate login request")
		return
	}

	u, err := h.service.AuthenticateUser(r.Context(), req.Login, req.Password)
	if err != nil {
		h.writeServiceError(w, err, "login user error")
		return
	}

	h.issue(w, u)
}

// Refresh перевыпускает токен текущего пользователя, перечитывая роль из хранилища.
func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	u, err := h.service.GetUser(r.Context(), p.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			writeError(w, http.StatusUnauthorized, http.StatusText(http.StatusUnauthorized))
			return
		}
		h.writeServiceError(w, err, "refresh token error", zap.String("userID", p.UserID))
		return
	}

	h.issue(w, u)
}

// GetBalance возвращает баланс баллов текущего пользователя.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	balance, err := h.service.GetBalance(r.Context(), p.UserID)
	if err != nil {
		h.writeServiceError(w, err, "get balance error", zap.String("userID", p.UserID))
		return
	}

	writeJSON(w, http.StatusOK, balance)
}

type awardRequest struct {
	Points int64 `json:"points"`
}

// AwardPoints начисляет пользователю баллы за выполненный челлендж.
func (h *Handler) AwardPoints(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	var req awardRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeServiceError(w, err, "decode award request")
		return
	}

	balance, err := h.service.AwardPoints(r.Context(), userID, req.Points)
	if err != nil {
		h.writeServiceError(w, err, "award points error", zap.String("userID", userID), zap.Int64("points", req.Points))
		return
	}

	writeJSON(w, http.StatusOK, balance)
}
