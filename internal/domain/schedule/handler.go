package schedule

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/clinicore/clinicore/internal/platform/auth"
	"github.com/clinicore/clinicore/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("", auth.RequireRole("admin", "billing"))
	g.POST("/schedules", h.CreateSchedule)
	g.GET("/schedules", h.ListSchedules)
	g.GET("/schedules/:id", h.GetSchedule)
	g.POST("/schedules/:id/activate", h.Activate)
	g.POST("/schedules/:id/deactivate", h.Deactivate)
	g.POST("/schedules/run", h.RunNow)
}

type createScheduleRequest struct {
	PanelID           uuid.UUID  `json:"panel_id"`
	Name              string     `json:"name"`
	Frequency         Frequency  `json:"frequency"`
	DayOfPeriod       int        `json:"day_of_period"`
	BillingPeriodDays int        `json:"billing_period_days"`
	AutoSubmit        bool       `json:"auto_submit"`
	NextGenerationAt  *time.Time `json:"next_generation_at,omitempty"`
}

func (h *Handler) CreateSchedule(c echo.Context) error {
	var body createScheduleRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	sched := &ClaimSchedule{
		PanelID:           body.PanelID,
		Name:              body.Name,
		Frequency:         body.Frequency,
		DayOfPeriod:       body.DayOfPeriod,
		BillingPeriodDays: body.BillingPeriodDays,
		AutoSubmit:        body.AutoSubmit,
		IsActive:          true,
	}
	if body.NextGenerationAt != nil {
		sched.NextGenerationAt = *body.NextGenerationAt
	}
	if err := h.svc.Create(c.Request().Context(), sched); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, sched)
}

func (h *Handler) ListSchedules(c echo.Context) error {
	pg := pagination.FromContext(c)
	scheds, total, err := h.svc.List(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(scheds, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetSchedule(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	sched, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "schedule not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, sched)
}

func (h *Handler) Activate(c echo.Context) error   { return h.setActive(c, true) }
func (h *Handler) Deactivate(c echo.Context) error { return h.setActive(c, false) }

func (h *Handler) setActive(c echo.Context, active bool) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if err := h.svc.SetActive(c.Request().Context(), id, active); err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "schedule not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

// RunNow triggers a generation sweep immediately instead of waiting for the
// automation dispatcher.
func (h *Handler) RunNow(c echo.Context) error {
	res, err := h.svc.Run(c.Request().Context(), time.Now().UTC())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, res)
}
