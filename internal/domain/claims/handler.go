package claims

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

	"github.com/clinicore/clinicore/internal/platform/auth"
	"github.com/clinicore/clinicore/pkg/pagination"
)

// ApprovalGate asks the approval engine whether a submitted claim needs a
// human decision before it can be approved. Wired at startup; a nil gate
// means submissions are never held for approval.
type ApprovalGate interface {
	RequireClaimApproval(ctx context.Context, claimID, panelID uuid.UUID, amount decimal.Decimal) (bool, error)
}

type Handler struct {
	svc  *Service
	gate ApprovalGate
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// SetApprovalGate wires the approval engine into the submission path.
func (h *Handler) SetApprovalGate(gate ApprovalGate) {
	h.gate = gate
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("", auth.RequireRole("admin", "billing"))
	g.POST("/claims", h.CreateClaim)
	g.GET("/claims", h.ListClaims)
	g.GET("/claims/:id", h.GetClaim)
	g.GET("/claims/:id/items", h.GetClaimItems)
	g.POST("/claims/:id/submit", h.SubmitClaim)
	g.POST("/claims/:id/approve", h.ApproveClaim)
	g.POST("/claims/:id/reject", h.RejectClaim)
	g.POST("/claims/:id/pay", h.PayClaim)
	g.PUT("/claims/:id/items/:itemID", h.AdjustItem)
}

func httpError(err error) *echo.HTTPError {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "claim not found")
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrReasonRequired):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

type createItemRequest struct {
	BillingID   uuid.UUID       `json:"billing_id"`
	ItemAmount  decimal.Decimal `json:"item_amount"`
	ClaimAmount decimal.Decimal `json:"claim_amount"`
}

type createClaimRequest struct {
	PanelID            uuid.UUID           `json:"panel_id"`
	BillingPeriodStart time.Time           `json:"billing_period_start"`
	BillingPeriodEnd   time.Time           `json:"billing_period_end"`
	Items              []createItemRequest `json:"items"`
}

func (h *Handler) CreateClaim(c echo.Context) error {
	var req createClaimRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	claim := &Claim{
		PanelID:            req.PanelID,
		BillingPeriodStart: req.BillingPeriodStart,
		BillingPeriodEnd:   req.BillingPeriodEnd,
		Status:             StatusDraft,
		Metadata:           map[string]string{"trigger": "manual"},
	}
	items := make([]*ClaimItem, len(req.Items))
	for i, it := range req.Items {
		items[i] = &ClaimItem{
			BillingID:   it.BillingID,
			ItemAmount:  it.ItemAmount,
			ClaimAmount: it.ClaimAmount,
			Status:      ItemIncluded,
		}
	}
	if err := h.svc.Create(c.Request().Context(), claim, items); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, claim)
}

func (h *Handler) ListClaims(c echo.Context) error {
	pg := pagination.FromContext(c)
	ctx := c.Request().Context()

	if panelID := c.QueryParam("panel_id"); panelID != "" {
		pid, err := uuid.Parse(panelID)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid panel_id")
		}
		items, total, err := h.svc.ListByPanel(ctx, pid, pg.Limit, pg.Offset)
		if err != nil {
			return httpError(err)
		}
		return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
	}

	status := Status(c.QueryParam("status"))
	if status == "" {
		status = StatusDraft
	}
	items, total, err := h.svc.ListByStatus(ctx, status, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetClaim(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	claim, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, claim)
}

func (h *Handler) GetClaimItems(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	items, err := h.svc.Items(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, items)
}

type submitResponse struct {
	Claim           *Claim `json:"claim"`
	ApprovalPending bool   `json:"approval_pending"`
}

func (h *Handler) SubmitClaim(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ctx := c.Request().Context()
	claim, err := h.svc.Submit(ctx, id, auth.UserIDFromContext(ctx))
	if err != nil {
		return httpError(err)
	}

	var pending bool
	if h.gate != nil {
		amount, err := h.svc.ClaimedAmount(ctx, claim.ID)
		if err != nil {
			return httpError(err)
		}
		pending, err = h.gate.RequireClaimApproval(ctx, claim.ID, claim.PanelID, amount)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
	}
	return c.JSON(http.StatusOK, submitResponse{Claim: claim, ApprovalPending: pending})
}

func (h *Handler) ApproveClaim(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	claim, err := h.svc.Approve(c.Request().Context(), id, auth.UserIDFromContext(c.Request().Context()))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, claim)
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) RejectClaim(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req rejectRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	claim, err := h.svc.Reject(c.Request().Context(), id, auth.UserIDFromContext(c.Request().Context()), req.Reason)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, claim)
}

type payRequest struct {
	PaidAmount decimal.Decimal `json:"paid_amount"`
}

func (h *Handler) PayClaim(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req payRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	claim, err := h.svc.MarkPaid(c.Request().Context(), id, req.PaidAmount)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, claim)
}

type adjustItemRequest struct {
	ClaimAmount decimal.Decimal `json:"claim_amount"`
}

func (h *Handler) AdjustItem(c echo.Context) error {
	if _, err := uuid.Parse(c.Param("id")); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	itemID, err := uuid.Parse(c.Param("itemID"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid item id")
	}
	var req adjustItemRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := h.svc.AdjustItemAmount(c.Request().Context(), itemID, req.ClaimAmount); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}
