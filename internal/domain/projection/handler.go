package projection

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/booking/booking/internal/platform/apperr"
	"github.com/booking/booking/internal/platform/auth"
	"github.com/booking/booking/internal/platform/db"
	"github.com/booking/booking/pkg/pagination"
)

// Handler exposes operator endpoints for the projection.
type Handler struct {
	cache  *Cache
	parker Parker
}

func NewHandler(cache *Cache, parker Parker) *Handler {
	return &Handler{cache: cache, parker: parker}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	admin := api.Group("/admin/projection", auth.RequireRole("admin"))
	admin.POST("/rebuild", h.Rebuild)
	admin.GET("/parked", h.ListParked)
}

type rebuildRequest struct {
	ResourceID uuid.UUID `json:"resource_id"`
	Day        string    `json:"day"`
}

type entryResponse struct {
	ResourceID uuid.UUID `json:"resource_id"`
	Day        string    `json:"day"`
	Generation int64     `json:"generation"`
	Items      int       `json:"items"`
	RebuiltAt  time.Time `json:"rebuilt_at"`
	ValidUntil time.Time `json:"valid_until"`
}

func (h *Handler) Rebuild(c echo.Context) error {
	var body rebuildRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if body.ResourceID == uuid.Nil {
		return apperr.ToHTTP(apperr.Validation("resource_id is required"))
	}
	if _, err := time.Parse(dayLayout, body.Day); err != nil {
		return apperr.ToHTTP(apperr.Validation("day must be formatted as YYYY-MM-DD"))
	}

	ctx := c.Request().Context()
	k := Key{Tenant: db.TenantFromContext(ctx), ResourceID: body.ResourceID, Day: body.Day}
	e, err := h.cache.Rebuild(ctx, k)
	if err != nil {
		return apperr.ToHTTP(apperr.Transient(err))
	}
	return c.JSON(http.StatusOK, entryResponse{
		ResourceID: k.ResourceID,
		Day:        k.Day,
		Generation: e.Generation,
		Items:      len(e.Items),
		RebuiltAt:  e.RebuiltAt,
		ValidUntil: e.ValidUntil,
	})
}

func (h *Handler) ListParked(c echo.Context) error {
	p := pagination.FromContext(c)
	items, total, err := h.parker.List(c.Request().Context(), p.Offset, p.Limit)
	if err != nil {
		return apperr.ToHTTP(apperr.Transient(err))
	}
	if link := p.LinkHeader(c.Request().URL, total); link != "" {
		c.Response().Header().Set("Link", link)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, p.Limit, p.Offset))
}
