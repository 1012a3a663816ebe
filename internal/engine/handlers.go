package engine

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/openledger/tokencore/internal/ledger"
	"github.com/openledger/tokencore/internal/token"
)

// Handler provides HTTP endpoints for engine operations and the
// ledger read surface.
type Handler struct {
	svc    *Service
	logger *slog.Logger
}

// NewHandler creates a new engine handler.
func NewHandler(svc *Service, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// RegisterRoutes sets up the public read surface.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/accounts/:id/balance", h.GetBalance)
	r.GET("/accounts/:id/ledger", h.GetHistory)
}

// RegisterAdminRoutes sets up admin-only engine operations.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/transfers", h.Transfer)
	r.POST("/marketplace-purchases", h.MarketplacePurchase)
	r.POST("/reversals", h.Reverse)
	r.POST("/adjustments", h.Adjust)
	r.POST("/make-goods", h.MakeGood)
}

// GetBalance handles GET /accounts/:id/balance
func (h *Handler) GetBalance(c *gin.Context) {
	accountID := c.Param("id")

	balance, err := h.svc.Store().Balance(c.Request.Context(), accountID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "balance_error",
			"message": "Failed to retrieve balance",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"accountId": accountID,
		"balance":   token.Format(balance),
	})
}

// GetHistory handles GET /accounts/:id/ledger?type=&cursor=&limit=
func (h *Handler) GetHistory(c *gin.Context) {
	accountID := c.Param("id")

	q := ledger.Query{
		Type:   ledger.EntryType(c.Query("type")),
		Cursor: c.Query("cursor"),
		Limit:  50,
	}
	if q.Type != "" && !q.Type.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_type",
			"message": "Unknown entry type filter",
		})
		return
	}

	entries, next, err := h.svc.Store().QueryByAccount(c.Request.Context(), accountID, q)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "ledger_error",
			"message": "Failed to retrieve ledger history",
		})
		return
	}

	resp := gin.H{"entries": entries, "count": len(entries)}
	if next != "" {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// TransferRequest for admin-initiated transfers.
type TransferRequest struct {
	From   string `json:"from" binding:"required"`
	To     string `json:"to" binding:"required"`
	Amount string `json:"amount" binding:"required"`
	RefID  string `json:"refId"`
}

// Transfer handles POST /admin/transfers
func (h *Handler) Transfer(c *gin.Context) {
	var req TransferRequest
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
			"error":   CodeAmountNotNumber,
			"message": "Amount must be a positive decimal number",
		})
		return
	}

	res, err := h.svc.Transfer(c.Request.Context(), req.From, req.To, amount, req.RefID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

// MarketplacePurchaseRequest for admin-recorded marketplace purchases.
type MarketplacePurchaseRequest struct {
	Buyer     string         `json:"buyer" binding:"required"`
	Seller    string         `json:"seller" binding:"required"`
	ListingID string         `json:"listingId"`
	Amount    string         `json:"amount" binding:"required"`
	Royalties []RoyaltySplit `json:"royalties"`
	RefID     string         `json:"refId"`
}

// MarketplacePurchase handles POST /admin/marketplace-purchases
func (h *Handler) MarketplacePurchase(c *gin.Context) {
	var req MarketplacePurchaseRequest
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
			"error":   CodeAmountNotNumber,
			"message": "Amount must be a positive decimal number",
		})
		return
	}

	res, err := h.svc.MarketplacePurchase(c.Request.Context(),
		req.Buyer, req.Seller, req.ListingID, amount, req.Royalties, req.RefID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

// ReverseRequest for entry or ref reversal. Exactly one of EntryID and
// RefID must be given.
type ReverseRequest struct {
	EntryID string `json:"entryId"`
	RefID   string `json:"refId"`
	Reason  string `json:"reason" binding:"required"`
	Key     string `json:"key"`
}

// Reverse handles POST /admin/reversals
func (h *Handler) Reverse(c *gin.Context) {
	var req ReverseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if (req.EntryID == "") == (req.RefID == "") {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Exactly one of entryId and refId is required",
		})
		return
	}

	var res *Result
	var err error
	if req.EntryID != "" {
		res, err = h.svc.Reverse(c.Request.Context(), req.EntryID, req.Reason, req.Key)
	} else {
		res, err = h.svc.ReverseRef(c.Request.Context(), req.RefID, req.Reason, req.Key)
	}
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

// AdjustRequest for signed corrections against one account.
type AdjustRequest struct {
	AccountID string `json:"accountId" binding:"required"`
	Amount    string `json:"amount" binding:"required"`
	Direction string `json:"direction" binding:"required"` // credit or debit
	Reason    string `json:"reason" binding:"required"`
	RefID     string `json:"refId"`
}

// Adjust handles POST /admin/adjustments
func (h *Handler) Adjust(c *gin.Context) {
	var req AdjustRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if req.Direction != "credit" && req.Direction != "debit" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "direction must be credit or debit",
		})
		return
	}

	amount, err := token.Parse(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   CodeAmountNotNumber,
			"message": "Amount must be a positive decimal number",
		})
		return
	}

	res, err := h.svc.Adjust(c.Request.Context(),
		req.AccountID, amount, req.Direction == "credit", req.Reason, req.RefID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

// MakeGoodRequest for goodwill credits.
type MakeGoodRequest struct {
	UserID     string `json:"userId" binding:"required"`
	Amount     string `json:"amount" binding:"required"`
	PurchaseID string `json:"purchaseId"`
	Reason     string `json:"reason" binding:"required"`
	RefID      string `json:"refId"`
}

// MakeGood handles POST /admin/make-goods
func (h *Handler) MakeGood(c *gin.Context) {
	var req MakeGoodRequest
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
			"error":   CodeAmountNotNumber,
			"message": "Amount must be a positive decimal number",
		})
		return
	}

	res, err := h.svc.MakeGood(c.Request.Context(),
		req.UserID, amount, req.PurchaseID, req.Reason, req.RefID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

// writeError maps engine and ledger errors to HTTP responses.
func (h *Handler) writeError(c *gin.Context, err error) {
	var ibe *InsufficientBalanceError
	if errors.As(err, &ibe) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":    CodeInsufficientBalance,
			"message":  err.Error(),
			"balance":  token.Format(ibe.Balance),
			"required": token.Format(ibe.Required),
		})
		return
	}

	var ve *ValidationError
	if errors.As(err, &ve) {
		status := http.StatusBadRequest
		if ve.Code == CodeRateLimited {
			status = http.StatusTooManyRequests
		}
		c.JSON(status, gin.H{"error": ve.Code, "message": ve.Message})
		return
	}

	switch {
	case errors.Is(err, ledger.ErrEntryNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "entry_not_found",
			"message": "Ledger entry not found",
		})
	case errors.Is(err, ledger.ErrAlreadyReversed):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "already_reversed",
			"message": "Entry is already reversed",
		})
	case errors.Is(err, ErrNothingToReverse):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "no_ledger_entries_to_reverse",
			"message": "No complete entries recorded under that ref id",
		})
	default:
		h.logger.Error("engine operation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   CodeTransactionFailed,
			"message": "Operation failed",
		})
	}
}
