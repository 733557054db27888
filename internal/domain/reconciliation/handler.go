package reconciliation

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
	g := api.Group("", auth.RequireRole("admin", "billing"))
	g.POST("/reconciliation/payments", h.RecordPayment)
	g.GET("/reconciliation/records", h.ListRecords)
	g.GET("/reconciliation/records/:id", h.GetRecord)
	g.POST("/reconciliation/records/:id/resolve", h.Resolve)
	g.GET("/reconciliation/claims/:claimID", h.GetByClaim)
	g.GET("/reconciliation/stats", h.GetStats)
}

func (h *Handler) RecordPayment(c echo.Context) error {
	var fact PaymentFact
	if err := c.Bind(&fact); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if fact.ClaimID == uuid.Nil {
		return echo.NewHTTPError(http.StatusBadRequest, "claim_id is required")
	}
	rec, err := h.svc.RecordPayment(c.Request().Context(), fact)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, rec)
}

func (h *Handler) ListRecords(c echo.Context) error {
	pg := pagination.FromContext(c)
	status := Status(c.QueryParam("status"))
	if status == "" {
		status = StatusPending
	}
	recs, total, err := h.svc.ListByStatus(c.Request().Context(), status, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(recs, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetRecord(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	rec, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) Resolve(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ctx := c.Request().Context()
	rec, err := h.svc.Resolve(ctx, id, auth.UserIDFromContext(ctx))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

type claimReconciliationResponse struct {
	Record *Record `json:"record"`
	Split  Split   `json:"split"`
}

// GetByClaim returns the claim's reconciliation record together with the
// panel/patient display split of the received amount.
func (h *Handler) GetByClaim(c echo.Context) error {
	claimID, err := uuid.Parse(c.Param("claimID"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid claim id")
	}
	rec, err := h.svc.GetByClaim(c.Request().Context(), claimID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, claimReconciliationResponse{
		Record: rec,
		Split:  SplitAmount(rec.ReceivedAmount),
	})
}

func (h *Handler) GetStats(c echo.Context) error {
	stats, err := h.svc.Stats(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, stats)
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "reconciliation record not found")
	case errors.Is(err, ErrAlreadyReconciled):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrNotResolvable):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return echo.NewHTTPError(http.StatusBadRequest, err.Error())
}
