package withdrawal

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/openledger/tokencore/internal/engine"
	"github.com/openledger/tokencore/internal/token"
)

// Handler provides HTTP endpoints for the withdrawal workflow.
type Handler struct {
	svc    *Service
	logger *slog.Logger
}

// NewHandler creates a new withdrawal handler.
func NewHandler(svc *Service, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// RegisterRoutes sets up user-facing withdrawal routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/withdrawals", h.Request)
	r.GET("/withdrawals/:id", h.Get)
	r.POST("/withdrawals/:id/cancel", h.Cancel)
	r.GET("/accounts/:id/withdrawals", h.ListByUser)
}

// RegisterAdminRoutes sets up operator review routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/withdrawals", h.ListPending)
	r.POST("/withdrawals/:id/approve", h.Approve)
	r.POST("/withdrawals/:id/reject", h.Reject)
	r.POST("/withdrawals/:id/process", h.Process)
}

// RequestBody for new withdrawal requests.
type RequestBody struct {
	UserID string `json:"userId" binding:"required"`
	Amount string `json:"amount" binding:"required"`
}

// Request handles POST /withdrawals
func (h *Handler) Request(c *gin.Context) {
	var req RequestBody
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	amount, err := token.Parse(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   engine.CodeAmountNotNumber,
			"message": "Amount must be a positive decimal number",
		})
		return
	}

	w, err := h.svc.Request(c.Request.Context(), req.UserID, amount)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, w)
}

// Get handles GET /withdrawals/:id
func (h *Handler) Get(c *gin.Context) {
	w, err := h.svc.Store().Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

// ListByUser handles GET /accounts/:id/withdrawals
func (h *Handler) ListByUser(c *gin.Context) {
	withdrawals, err := h.svc.Store().ListByUser(c.Request.Context(), c.Param("id"), 50)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"withdrawals": withdrawals, "count": len(withdrawals)})
}

// ListPending handles GET /admin/withdrawals?status=
func (h *Handler) ListPending(c *gin.Context) {
	status := Status(c.DefaultQuery("status", string(StatusPending)))
	withdrawals, err := h.svc.Store().ListByStatus(c.Request.Context(), status, 100)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"withdrawals": withdrawals, "count": len(withdrawals)})
}

// ReviewRequest carries an optional reason for rejections.
type ReviewRequest struct {
	Reason string `json:"reason"`
}

// Approve handles POST /admin/withdrawals/:id/approve
func (h *Handler) Approve(c *gin.Context) {
	w, err := h.svc.Approve(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

// Reject handles POST /admin/withdrawals/:id/reject
func (h *Handler) Reject(c *gin.Context) {
	var req ReviewRequest
	_ = c.ShouldBindJSON(&req)

	w, err := h.svc.Reject(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

// Cancel handles POST /withdrawals/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	w, err := h.svc.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

// Process handles POST /admin/withdrawals/:id/process
func (h *Handler) Process(c *gin.Context) {
	w, err := h.svc.Process(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

func (h *Handler) writeError(c *gin.Context, err error) {
	var ibe *engine.InsufficientBalanceError
	if errors.As(err, &ibe) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":    engine.CodeInsufficientBalance,
			"message":  err.Error(),
			"balance":  token.Format(ibe.Balance),
			"required": token.Format(ibe.Required),
		})
		return
	}
	var ve *engine.ValidationError
	if errors.As(err, &ve) {
		c.JSON(http.StatusBadRequest, gin.H{"error": ve.Code, "message": ve.Message})
		return
	}

	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "withdrawal_not_found",
			"message": "Withdrawal not found",
		})
	case errors.Is(err, ErrNotPending):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "not_pending",
			"message": "Withdrawal is no longer pending",
		})
	case errors.Is(err, ErrNotApproved):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "not_approved",
			"message": "Withdrawal is not approved for processing",
		})
	case errors.Is(err, ErrNotEligible):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "payout_account_not_verified",
			"message": "Payout account has not been verified",
		})
	default:
		h.logger.Error("withdrawal operation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "withdrawal_error",
			"message": "Operation failed",
		})
	}
}
