package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	custommiddleware "github.com/mmeshcher/microchallenges-rewards/internal/middleware"
	"github.com/mmeshcher/microchallenges-rewards/internal/model"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса наград.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	adminOnly := custommiddleware.RequireRole(model.RoleAdmin)

	r.Route("/api", func(r chi.Router) {
		r.Post("/user/register", h.Register)
		r.Post("/user/login", h.Login)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Post("/user/refresh", h.Refresh)
			r.Get("/user/balance", h.GetBalance)

			r.Route("/rewards", func(r chi.Router) {
				r.Get("/", h.ListRewards)
				r.Get("/my-claims", h.MyClaims)
				r.Get("/{id}", h.GetReward)
				r.Post("/{id}/claim", h.ClaimReward)

				r.Group(func(r chi.Router) {
					r.Use(adminOnly)

					r.Post("/", h.CreateReward)
					r.Put("/{id}", h.UpdateReward)
					r.Get("/admin/claims", h.ListClaims)
					r.Put("/admin/claims/{id}", h.SetClaimStatus)
				})
			})

			r.With(adminOnly).Post("/admin/users/{id}/points", h.AwardPoints)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, http.StatusText(http.StatusNotFound))
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, http.StatusText(http.StatusMethodNotAllowed))
	})

	return r
}
