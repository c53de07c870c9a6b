package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/microchallenges-rewards/internal/model"
	"github.com/mmeshcher/microchallenges-rewards/internal/service"
)

type claimLogResponse struct {
	User      string `json:"user"`
	ClaimedAt string `json:"claimedAt"`
}

type rewardResponse struct {
	ID          string             `json:"id"`
	Title       string             `json:"title"`
	Description string             `json:"description"`
	Category    string             `json:"category"`
	PointsCost  int64              `json:"pointsCost"`
	Image       string             `json:"image,omitempty"`
	Stock       int64              `json:"stock"`
	Remaining   *int64             `json:"remaining,omitempty"`
	IsActive    bool               `json:"isActive"`
	ClaimedBy   []claimLogResponse `json:"claimedBy"`
	CreatedBy   string             `json:"createdBy,omitempty"`
	CreatedAt   string             `json:"createdAt"`
	UpdatedAt   string             `json:"updatedAt"`
}

func toRewardResponse(item *model.RewardItem) rewardResponse {
	resp := rewardResponse{
		ID:          item.ID,
		Title:       item.Title,
		Description: item.Description,
		Category:    string(item.Category),
		PointsCost:  item.PointsCost,
		Image:       item.Image,
		Stock:       item.Stock,
		IsActive:    item.IsActive,
		ClaimedBy:   make([]claimLogResponse, 0, len(item.ClaimedBy)),
		CreatedBy:   item.CreatedBy,
		CreatedAt:   formatTime(item.CreatedAt),
		UpdatedAt:   formatTime(item.UpdatedAt),
	}
	if left, limited := item.Remaining(); limited {
		resp.Remaining = &left
	}
	for _, e := range item.ClaimedBy {
		resp.ClaimedBy = append(resp.ClaimedBy, claimLogResponse{User: e.UserID, ClaimedAt: formatTime(e.ClaimedAt)})
	}
	return resp
}

type claimResponse struct {
	ID          string  `json:"id"`
	User        string  `json:"user"`
	RewardItem  string  `json:"rewardItem"`
	RewardTitle string  `json:"rewardTitle"`
	PointsSpent int64   `json:"pointsSpent"`
	Status      string  `json:"status"`
	AdminNotes  string  `json:"adminNotes"`
	ReviewedBy  *string `json:"reviewedBy,omitempty"`
	ReviewedAt  *string `json:"reviewedAt,omitempty"`
	CreatedAt   string  `json:"createdAt"`
}

func toClaimResponse(c *model.RewardClaim) claimResponse {
	resp := claimResponse{
		ID:          c.ID,
		User:        c.UserID,
		RewardItem:  c.RewardItemID,
		RewardTitle: c.RewardTitle,
		PointsSpent: c.PointsSpent,
		Status:      string(c.Status),
		AdminNotes:  c.AdminNotes,
		ReviewedBy:  c.ReviewedBy,
		CreatedAt:   formatTime(c.CreatedAt),
	}
	if c.ReviewedAt != nil {
		at := formatTime(*c.ReviewedAt)
		resp.ReviewedAt = &at
	}
	return resp
}

func toClaimsResponse(claims []model.RewardClaim) []claimResponse {
	resp := make([]claimResponse, 0, len(claims))
	for i := range claims {
		resp = append(resp, toClaimResponse(&claims[i]))
	}
	return resp
}

// ListRewards возвращает активные награды каталога.
func (h *Handler) ListRewards(w http.ResponseWriter, r *http.Request) {
	items, err := h.service.ListActiveRewards(r.Context())
	if err != nil {
		h.writeServiceError(w, err, "list rewards error")
		return
	}

	resp := make([]rewardResponse, 0, len(items))
	for i := range items {
		resp = append(resp, toRewardResponse(&items[i]))
	}

	writeJSON(w, http.StatusOK, map[string]any{"rewards": resp})
}

// GetReward возвращает одну позицию каталога.
func (h *Handler) GetReward(w http.ResponseWriter, r *http.Request) {
	rewardID := chi.URLParam(r, "id")

	item, err := h.service.GetReward(r.Context(), rewardID)
	if err != nil {
		h.writeServiceError(w, err, "get reward error", zap.String("rewardID", rewardID))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"reward": toRewardResponse(item)})
}

type createRewardRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Category    string `json:"category"`
	PointsCost  int64  `json:"pointsCost"`
	Image       string `json:"image"`
	Stock       *int64 `json:"stock"`
}

// CreateReward добавляет награду в каталог.
func (h *Handler) CreateReward(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	var req createRewardRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeServiceError(w, err, "decode reward request")
		return
	}

	item, err := h.service.CreateReward(r.Context(), p.UserID, service.RewardInput{
		Title:       req.Title,
		Description: req.Description,
		Category:    model.RewardCategory(req.Category),
		PointsCost:  req.PointsCost,
		Image:       req.Image,
		Stock:       req.Stock,
	})
	if err != nil {
		h.writeServiceError(w, err, "create reward error", zap.String("adminID", p.UserID))
		return
	}

	h.logger.Info("reward created", zap.String("rewardID", item.ID), zap.String("adminID", p.UserID))
	writeJSON(w, http.StatusCreated, map[string]any{"reward": toRewardResponse(item)})
}

type updateRewardRequest struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
	Category    *string `json:"category"`
	PointsCost  *int64  `json:"pointsCost"`
	Image       *string `json:"image"`
	Stock       *int64  `json:"stock"`
	IsActive    *bool   `json:"isActive"`
}

// UpdateReward изменяет позицию каталога.
func (h *Handler) UpdateReward(w http.ResponseWriter, r *http.Request) {
	rewardID := chi.URLParam(r, "id")

	var req updateRewardRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeServiceError(w, err, "decode reward update")
		return
	}

	patch := service.RewardPatch{
		Title:       req.Title,
		Description: req.Description,
		PointsCost:  req.PointsCost,
		Image:       req.Image,
		Stock:       req.Stock,
		IsActive:    req.IsActive,
	}
	if req.Category != nil {
		c := model.RewardCategory(*req.Category)
		patch.Category = &c
	}

	item, err := h.service.UpdateReward(r.Context(), rewardID, patch)
	if err != nil {
		h.writeServiceError(w, err, "update reward error", zap.String("rewardID", rewardID))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"reward": toRewardResponse(item)})
}

type claimResult struct {
	Message string        `json:"message"`
	Claim   claimResponse `json:"claim"`
}

// ClaimReward обменивает баллы текущего пользователя на награду.
func (h *Handler) ClaimReward(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	rewardID := chi.URLParam(r, "id")

	claim, err := h.service.ClaimReward(r.Context(), p.UserID, rewardID)
	if err != nil {
		h.writeServiceError(w, err, "claim reward error", zap.String("userID", p.UserID), zap.String("rewardID", rewardID))
		return
	}

	h.logger.Info("reward claimed",
		zap.String("claimID", claim.ID),
		zap.String("userID", p.UserID),
		zap.String("rewardID", rewardID),
		zap.Int64("pointsSpent", claim.PointsSpent),
	)
	writeJSON(w, http.StatusCreated, claimResult{
		Message: "Reward claimed successfully, pending approval",
		Claim:   toClaimResponse(claim),
	})
}

// MyClaims возвращает заявки текущего пользователя.
func (h *Handler) MyClaims(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	claims, err := h.service.ListUserClaims(r.Context(), p.UserID)
	if err != nil {
		h.writeServiceError(w, err, "list user claims error", zap.String("userID", p.UserID))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"claims": toClaimsResponse(claims)})
}

// ListClaims возвращает заявки всех пользователей; ?status= фильтрует по статусу.
func (h *Handler) ListClaims(w http.ResponseWriter, r *http.Request) {
	status := model.ClaimStatus(r.URL.Query().Get("status"))

	claims, err := h.service.ListClaims(r.Context(), status)
	if err != nil {
		h.writeServiceError(w, err, "list claims error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"claims": toClaimsResponse(claims)})
}

type claimStatusRequest struct {
	Status     string  `json:"status"`
	AdminNotes *string `json:"adminNotes"`
}

// SetClaimStatus завершает рассмотрение заявки администратором.
func (h *Handler) SetClaimStatus(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	claimID := chi.URLParam(r, "id")

	var req claimStatusRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeServiceError(w, err, "decode claim status request")
		return
	}

	claim, err := h.service.SetClaimStatus(r.Context(), p.UserID, claimID, model.ClaimStatus(req.Status), req.AdminNotes)
	if err != nil {
		h.writeServiceError(w, err, "set claim status error", zap.String("claimID", claimID), zap.String("adminID", p.UserID))
		return
	}

	h.logger.Info("claim reviewed",
		zap.String("claimID", claimID),
		zap.String("status", string(claim.Status)),
		zap.String("adminID", p.UserID),
	)
	writeJSON(w, http.StatusOK, claimResult{
		Message: "Claim status updated",
		Claim:   toClaimResponse(claim),
	})
}
