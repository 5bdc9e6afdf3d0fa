package availability

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/booking/booking/internal/domain/interval"
	"github.com/booking/booking/internal/platform/apperr"
	"github.com/booking/booking/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole("admin", "scheduler", "provider", "patient"))
	read.GET("/resources/:id/free", h.GetFree)
}

type freeResponse struct {
	ResourceID uuid.UUID           `json:"resource_id"`
	From       time.Time           `json:"from"`
	To         time.Time           `json:"to"`
	Free       []interval.Interval `json:"free"`
}

func (h *Handler) GetFree(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	from, err := time.Parse(time.RFC3339, c.QueryParam("from"))
	if err != nil {
		return apperr.ToHTTP(apperr.Validation("from must be an RFC3339 timestamp"))
	}
	to, err := time.Parse(time.RFC3339, c.QueryParam("to"))
	if err != nil {
		return apperr.ToHTTP(apperr.Validation("to must be an RFC3339 timestamp"))
	}
	rng, err := interval.New(from, to)
	if err != nil {
		return apperr.ToHTTP(apperr.Validation("to must be after from"))
	}
	free, err := h.svc.FreeIntervals(c.Request().Context(), id, rng)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	if free == nil {
		free = interval.Set{}
	}
	return c.JSON(http.StatusOK, freeResponse{ResourceID: id, From: rng.Start, To: rng.End, Free: free})
}
