package automation

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/clinicore/clinicore/internal/platform/auth"
)

type Handler struct {
	dispatcher *Dispatcher
}

func NewHandler(d *Dispatcher) *Handler {
	return &Handler{dispatcher: d}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("", auth.RequireRole("admin"))
	g.POST("/automation/run", h.RunTask)
}

type runRequest struct {
	Task Task `json:"task"`
}

type runResponse struct {
	Success bool        `json:"success"`
	Result  interface{} `json:"result,omitempty"`
}

func (h *Handler) RunTask(c echo.Context) error {
	var req runRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Task.Type == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "task.type is required")
	}
	result, err := h.dispatcher.Run(c.Request().Context(), req.Task)
	if err != nil {
		if errors.Is(err, ErrUnknownTask) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, runResponse{Success: true, Result: result})
}
