package purchase

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/openledger/tokencore/internal/token"
)

// Handler provides HTTP endpoints for purchase lifecycle operations.
type Handler struct {
	svc    *Service
	logger *slog.Logger
}

// NewHandler creates a new purchase handler.
func NewHandler(svc *Service, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// RegisterRoutes sets up purchase routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/purchases", h.Create)
	r.GET("/purchases/:id", h.Get)
	r.GET("/purchases/:id/receipt", h.Receipt)
}

// RegisterAdminRoutes sets up admin-only purchase routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/purchases/:id/transitions", h.Transition)
}

// CreateRequest for new purchases.
type CreateRequest struct {
	BuyerID   string `json:"buyerId" binding:"required"`
	SellerID  string `json:"sellerId"`
	ListingID string `json:"listingId"`
	Amount    string `json:"amount" binding:"required"`
	RefID     string `json:"refId"`
}

// Create handles POST /purchases
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
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
			"error":   "amount_must_be_number",
			"message": "Amount must be a positive decimal number",
		})
		return
	}

	p, err := h.svc.Create(c.Request.Context(), req.BuyerID, req.SellerID, req.ListingID, amount, req.RefID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "create_failed",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusCreated, p)
}

// Get handles GET /purchases/:id
func (h *Handler) Get(c *gin.Context) {
	p, err := h.svc.Store().Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// Receipt handles GET /purchases/:id/receipt
func (h *Handler) Receipt(c *gin.Context) {
	receipt, err := h.svc.Receipt(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, receipt)
}

// TransitionRequest for manual status moves.
type TransitionRequest struct {
	To     string `json:"to" binding:"required"`
	Reason string `json:"reason"`
}

// Transition handles POST /admin/purchases/:id/transitions
func (h *Handler) Transition(c *gin.Context) {
	var req TransitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	p, err := h.svc.Transition(c.Request.Context(), c.Param("id"), Status(req.To), req.Reason)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *Handler) writeError(c *gin.Context, err error) {
	var ite *InvalidTransitionError
	if errors.As(err, &ite) {
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_transition",
			"message": err.Error(),
			"allowed": ite.Allowed,
		})
		return
	}
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "purchase_not_found",
			"message": "Purchase not found",
		})
		return
	}
	h.logger.Error("purchase operation failed", "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "purchase_error",
		"message": "Operation failed",
	})
}
