package approval

import (
	"errors"
	"net/http"

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
	g := api.Group("", auth.RequireRole("admin", "billing", "supervisor"))
	g.GET("/approval/workflows", h.ListWorkflows)
	g.GET("/approval/requests", h.ListRequests)
	g.GET("/approval/requests/:id", h.GetRequest)
	g.POST("/approval/requests/:id/approve", h.Approve)
	g.POST("/approval/requests/:id/reject", h.Reject)
}

func (h *Handler) ListWorkflows(c echo.Context) error {
	wfs, err := h.svc.Workflows(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, wfs)
}

func (h *Handler) ListRequests(c echo.Context) error {
	pg := pagination.FromContext(c)
	status := RequestStatus(c.QueryParam("status"))
	if status == "" {
		status = RequestPending
	}
	reqs, total, err := h.svc.ListByStatus(c.Request().Context(), status, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(reqs, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetRequest(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	req, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "approval request not found")
	}
	return c.JSON(http.StatusOK, req)
}

type decisionRequest struct {
	Notes string `json:"notes"`
}

func (h *Handler) Approve(c echo.Context) error {
	return h.decide(c, ActionApprove)
}

func (h *Handler) Reject(c echo.Context) error {
	return h.decide(c, ActionReject)
}

func (h *Handler) decide(c echo.Context, action Action) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var body decisionRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	ctx := c.Request().Context()
	req, err := h.svc.ProcessRequest(ctx, id, action,
		auth.UserIDFromContext(ctx), auth.RolesFromContext(ctx), body.Notes)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			return echo.NewHTTPError(http.StatusNotFound, "approval request not found")
		case errors.Is(err, ErrNotPending):
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		case errors.Is(err, ErrRoleNotAllowed):
			return echo.NewHTTPError(http.StatusForbidden, err.Error())
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, req)
}
