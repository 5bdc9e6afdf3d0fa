package search

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/booking/booking/internal/platform/apperr"
	"github.com/booking/booking/internal/platform/auth"
)

type Handler struct {
	engine *Engine
}

func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole("admin", "scheduler", "provider", "patient"))
	read.GET("/availability", h.Search)
}

func (h *Handler) Search(c echo.Context) error {
	q, err := parseQuery(c)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	res, err := h.engine.Search(c.Request().Context(), q)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, res)
}

func parseQuery(c echo.Context) (Query, error) {
	var q Query
	var err error
	if q.ServiceID, err = uuid.Parse(c.QueryParam("service_id")); err != nil {
		return q, apperr.Validation("service_id is required")
	}
	if q.LocationID, err = uuid.Parse(c.QueryParam("location_id")); err != nil {
		return q, apperr.Validation("location_id is required")
	}
	q.From, q.To = c.QueryParam("from"), c.QueryParam("to")
	if q.From == "" || q.To == "" {
		return q, apperr.Validation("from and to are required")
	}
	if q.ResourceIDs, err = parseIDs(c.QueryParams()["resource_id"]); err != nil {
		return q, apperr.Validation("resource_id: %v", err)
	}
	if q.Preferences.ResourceIDs, err = parseIDs(c.QueryParams()["prefer_resource"]); err != nil {
		return q, apperr.Validation("prefer_resource: %v", err)
	}
	switch tod := c.QueryParam("time_of_day"); tod {
	case "", Morning, Afternoon, Evening:
		q.Preferences.TimeOfDay = tod
	default:
		return q, apperr.Validation("time_of_day must be morning, afternoon or evening")
	}
	if g := c.QueryParam("granularity"); g != "" {
		if q.Granularity, err = time.ParseDuration(g); err != nil || q.Granularity <= 0 {
			return q, apperr.Validation("granularity must be a positive duration such as 15m")
		}
	}
	if l := c.QueryParam("limit"); l != "" {
		if q.Limit, err = strconv.Atoi(l); err != nil || q.Limit < 0 {
			return q, apperr.Validation("limit must be a non-negative integer")
		}
	}
	return q, nil
}

func parseIDs(raw []string) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	for _, s := range raw {
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}
