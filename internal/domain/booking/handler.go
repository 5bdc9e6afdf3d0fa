package booking

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/booking/booking/internal/domain/reservation"
	"github.com/booking/booking/internal/platform/apperr"
	"github.com/booking/booking/internal/platform/auth"
)

type Handler struct {
	coord *Coordinator
}

func NewHandler(coord *Coordinator) *Handler {
	return &Handler{coord: coord}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole("admin", "scheduler", "provider", "patient"))
	read.GET("/reservations/:id", h.Get)

	write := api.Group("", auth.RequireRole("admin", "scheduler", "patient"), auth.RequireScope("reservation", "write"))
	write.POST("/reservations", h.Create)
	write.POST("/reservations/:id/cancel", h.Cancel)
	write.POST("/reservations/:id/reschedule", h.Reschedule)

	// only staff drive the visit itself
	staff := api.Group("", auth.RequireRole("admin", "scheduler", "provider"))
	staff.POST("/reservations/:id/start", h.Start)
	staff.POST("/reservations/:id/complete", h.Complete)
	staff.POST("/reservations/:id/no-show", h.NoShow)
}

type createRequest struct {
	ServiceID             uuid.UUID  `json:"service_id"`
	LocationID            uuid.UUID  `json:"location_id"`
	ResourceID            string     `json:"resource_id"`
	RoomID                *uuid.UUID `json:"room_id"`
	EquipmentID           *uuid.UUID `json:"equipment_id"`
	Start                 time.Time  `json:"start"`
	End                   time.Time  `json:"end"`
	IdempotencyKey        string     `json:"idempotency_key"`
	AvailabilityFetchedAt *time.Time `json:"availability_fetched_at"`
}

type rescheduleRequest struct {
	ResourceID     *uuid.UUID `json:"resource_id"`
	RoomID         *uuid.UUID `json:"room_id"`
	EquipmentID    *uuid.UUID `json:"equipment_id"`
	Start          time.Time  `json:"start"`
	End            time.Time  `json:"end"`
	IdempotencyKey string     `json:"idempotency_key"`
}

// parseResource accepts a resource id or "auto" (or nothing) for automatic
// selection.
func parseResource(s string) (*uuid.UUID, error) {
	if s == "" || strings.EqualFold(s, "auto") {
		return nil, nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

func (h *Handler) Create(c echo.Context) error {
	var body createRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if body.ServiceID == uuid.Nil || body.LocationID == uuid.Nil {
		return apperr.ToHTTP(apperr.Validation("service_id and location_id are required"))
	}
	resourceID, err := parseResource(body.ResourceID)
	if err != nil {
		return apperr.ToHTTP(apperr.Validation("resource_id must be a uuid or \"auto\""))
	}
	if key := c.Request().Header.Get("Idempotency-Key"); key != "" && body.IdempotencyKey == "" {
		body.IdempotencyKey = key
	}

	ctx := c.Request().Context()
	out, err := h.coord.Book(ctx, Request{
		ServiceID:             body.ServiceID,
		LocationID:            body.LocationID,
		ResourceID:            resourceID,
		RoomID:                body.RoomID,
		EquipmentID:           body.EquipmentID,
		Start:                 body.Start,
		End:                   body.End,
		IdempotencyKey:        body.IdempotencyKey,
		AvailabilityFetchedAt: body.AvailabilityFetchedAt,
		PrincipalID:           auth.UserIDFromContext(ctx),
	})
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return respond(c, out)
}

func respond(c echo.Context, out *Outcome) error {
	if out.Replayed {
		c.Response().Header().Set("Idempotent-Replayed", "true")
		return c.JSON(http.StatusOK, out.Reservation)
	}
	return c.JSON(http.StatusCreated, out.Reservation)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	r, err := h.coord.Get(c.Request().Context(), id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, r)
}

func (h *Handler) Cancel(c echo.Context) error   { return h.move(c, h.coord.Cancel) }
func (h *Handler) Start(c echo.Context) error    { return h.move(c, h.coord.Start) }
func (h *Handler) Complete(c echo.Context) error { return h.move(c, h.coord.Complete) }
func (h *Handler) NoShow(c echo.Context) error   { return h.move(c, h.coord.NoShow) }

type transitionFunc func(ctx context.Context, id uuid.UUID) (*reservation.Reservation, error)

func (h *Handler) move(c echo.Context, fn transitionFunc) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	r, err := fn(c.Request().Context(), id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, r)
}

func (h *Handler) Reschedule(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var body rescheduleRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	out, err := h.coord.Reschedule(ctx, id, RescheduleRequest{
		Start:          body.Start,
		End:            body.End,
		ResourceID:     body.ResourceID,
		RoomID:         body.RoomID,
		EquipmentID:    body.EquipmentID,
		IdempotencyKey: body.IdempotencyKey,
		PrincipalID:    auth.UserIDFromContext(ctx),
	})
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return respond(c, out)
}
