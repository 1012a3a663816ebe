package payments

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/openledger/tokencore/internal/token"
)

// maxWebhookBody caps the payload size we accept from Stripe.
const maxWebhookBody = 64 << 10

// Handler verifies and dispatches Stripe webhook events.
type Handler struct {
	svc           *Service
	webhookSecret string
	logger        *slog.Logger
}

// NewHandler creates the Stripe webhook handler.
func NewHandler(svc *Service, webhookSecret string, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, webhookSecret: webhookSecret, logger: logger}
}

// RegisterRoutes sets up the webhook endpoint.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/stripe", h.HandleWebhook)
}

// HandleWebhook handles POST /webhooks/stripe. Unhandled event types
// are acknowledged; processing failures return 500 so Stripe retries,
// which the ref-id idempotency makes safe.
func (h *Handler) HandleWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Failed to read payload",
		})
		return
	}

	event, err := webhook.ConstructEvent(payload, c.GetHeader("Stripe-Signature"), h.webhookSecret)
	if err != nil {
		h.logger.Warn("webhook signature verification failed", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_signature",
			"message": "Webhook signature verification failed",
		})
		return
	}

	switch event.Type {
	case "checkout.session.completed":
		h.handleCheckoutCompleted(c, event)
	case "account.updated":
		h.handleAccountUpdated(c, event)
	default:
		c.JSON(http.StatusOK, gin.H{"received": true})
	}
}

func (h *Handler) handleCheckoutCompleted(c *gin.Context, event stripe.Event) {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		h.logger.Error("failed to parse checkout session", "event", event.ID, "error", err)
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_event",
			"message": "Malformed checkout session",
		})
		return
	}

	userID := session.Metadata["user_id"]
	refID := session.Metadata["ref_id"]
	if refID == "" {
		refID = "stripe:" + session.ID
	}
	if userID == "" || session.AmountTotal <= 0 {
		h.logger.Warn("checkout session missing user or amount",
			"session", session.ID, "event", event.ID)
		c.JSON(http.StatusOK, gin.H{"received": true, "skipped": true})
		return
	}

	amount := token.FromCents(session.AmountTotal)
	if err := h.svc.OnPaymentConfirmed(c.Request.Context(), refID, userID, amount, session.ID); err != nil {
		h.logger.Error("payment confirmation failed",
			"session", session.ID, "ref", refID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "processing_failed",
			"message": "Payment confirmation could not be processed",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true})
}

func (h *Handler) handleAccountUpdated(c *gin.Context, event stripe.Event) {
	var account stripe.Account
	if err := json.Unmarshal(event.Data.Raw, &account); err != nil {
		h.logger.Error("failed to parse account event", "event", event.ID, "error", err)
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_event",
			"message": "Malformed account payload",
		})
		return
	}

	userID := account.Metadata["user_id"]
	if userID == "" {
		c.JSON(http.StatusOK, gin.H{"received": true, "skipped": true})
		return
	}

	if err := h.svc.OnAccountVerified(c.Request.Context(), userID, account.PayoutsEnabled, account.ID); err != nil {
		h.logger.Error("eligibility update failed", "user", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "processing_failed",
			"message": "Eligibility update could not be processed",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true})
}
