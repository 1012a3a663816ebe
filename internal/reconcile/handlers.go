package reconcile

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/openledger/tokencore/internal/engine"
	"github.com/openledger/tokencore/internal/purchase"
	"github.com/openledger/tokencore/internal/token"
)

// Handler provides admin HTTP endpoints for reconciliation.
type Handler struct {
	sweeper *Sweeper
	logger  *slog.Logger
}

// NewHandler creates a new reconciliation handler.
func NewHandler(sweeper *Sweeper, logger *slog.Logger) *Handler {
	return &Handler{sweeper: sweeper, logger: logger}
}

// RegisterAdminRoutes sets up reconciliation routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/reconcile/run", h.Run)
	r.GET("/reconcile/summary", h.Summary)
	r.POST("/reconcile/corrections", h.Correct)
}

// Run handles POST /admin/reconcile/run?dryRun=true
func (h *Handler) Run(c *gin.Context) {
	dryRun := c.Query("dryRun") == "true"
	report := h.sweeper.Run(c.Request.Context(), dryRun)
	c.JSON(http.StatusOK, report)
}

// Summary handles GET /admin/reconcile/summary
func (h *Handler) Summary(c *gin.Context) {
	summary, err := h.sweeper.Summarize(c.Request.Context())
	if err != nil {
		h.logger.Error("reconcile summary failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "summary_error",
			"message": "Failed to assemble summary",
		})
		return
	}
	c.JSON(http.StatusOK, summary)
}

// CorrectRequest for corrective actions.
type CorrectRequest struct {
	Type       string `json:"type" binding:"required"`
	PurchaseID string `json:"purchaseId"`
	AccountID  string `json:"accountId"`
	Amount     string `json:"amount"`
	Direction  string `json:"direction"` // credit or debit, adjustments only
	Reason     string `json:"reason" binding:"required"`
	Key        string `json:"key"`
}

// Correct handles POST /admin/reconcile/corrections
func (h *Handler) Correct(c *gin.Context) {
	var req CorrectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	correction := CorrectionRequest{
		Type:       CorrectionType(req.Type),
		PurchaseID: req.PurchaseID,
		AccountID:  req.AccountID,
		Credit:     req.Direction != "debit",
		Reason:     req.Reason,
		Key:        req.Key,
	}
	if req.Amount != "" {
		amount, err := token.Parse(req.Amount)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   engine.CodeAmountNotNumber,
				"message": "Amount must be a positive decimal number",
			})
			return
		}
		correction.Amount = amount
	}

	result, err := h.sweeper.ExecuteCorrection(c.Request.Context(), correction)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrUnknownCorrection):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "unknown_correction_type",
			"message": "type must be REVERSAL, ADJUSTMENT, or MAKE_GOOD",
		})
	case errors.Is(err, ErrAdjustmentArgs):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "adjustment_requires_amount_and_user",
			"message": "Adjustments need an account id and a positive amount",
		})
	case errors.Is(err, engine.ErrNothingToReverse):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "no_ledger_entries_to_reverse",
			"message": "The purchase has no complete ledger entries",
		})
	case errors.Is(err, purchase.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "purchase_not_found",
			"message": "Purchase not found",
		})
	default:
		var ve *engine.ValidationError
		if errors.As(err, &ve) {
			c.JSON(http.StatusBadRequest, gin.H{"error": ve.Code, "message": ve.Message})
			return
		}
		h.logger.Error("correction failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "correction_error",
			"message": "Correction failed",
		})
	}
}
