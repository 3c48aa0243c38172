package risk

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/txguard/internal/logging"
	"github.com/mbd888/txguard/internal/validation"
)

// DeviceFingerprintHeader carries the client's device fingerprint.
const DeviceFingerprintHeader = "X-Device-Fingerprint"

// Handler provides HTTP endpoints for transaction evaluation and history.
type Handler struct {
	evaluator *Evaluator
	store     Store
	now       func() time.Time
}

// NewHandler creates a new transactions handler.
func NewHandler(evaluator *Evaluator, store Store) *Handler {
	return &Handler{evaluator: evaluator, store: store, now: time.Now}
}

// RegisterRoutes sets up the public transaction routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/transactions", h.CreateTransaction)
	r.GET("/transactions/:user_id", validation.UserIDParamMiddleware(), h.ListTransactions)
}

// RegisterAdminRoutes sets up the read-only operator routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/transactions/flagged", h.ListFlagged)
	r.GET("/stats", h.Stats)
}

// CreateTransaction handles POST /api/transactions
func (h *Handler) CreateTransaction(c *gin.Context) {
	var req TransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	meta := RequestMeta{
		IPAddress:         c.ClientIP(),
		DeviceFingerprint: c.GetHeader(DeviceFingerprintHeader),
	}

	result, err := h.evaluator.Evaluate(c.Request.Context(), &req, meta)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":  result.Decision.Message,
		"txn_id":   result.Record.TxnID,
		"is_fraud": result.Decision.IsFraud,
		"status":   result.Decision.Status,
	})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	var (
		ve *ValidationError
		le *LimitExceededError
	)
	switch {
	case errors.As(err, &ve):
		body := gin.H{"error": "invalid_request", "message": ve.Message}
		if len(ve.Details) > 0 {
			body["details"] = ve.Details
		}
		c.JSON(http.StatusBadRequest, body)
	case errors.As(err, &le):
		c.JSON(http.StatusForbidden, gin.H{"error": "limit_exceeded", "message": le.Message})
	case errors.Is(err, ErrSenderNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "sender_not_found", "message": "Sender not found."})
	case errors.Is(err, ErrStorageUnavailable):
		logging.L(c.Request.Context()).Error("evaluation aborted", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage_unavailable", "message": "Database unavailable, transaction not recorded."})
	default:
		logging.L(c.Request.Context()).Error("evaluation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "processing_error", "message": "Transaction could not be processed."})
	}
}

// ListTransactions handles GET /api/transactions/:user_id
func (h *Handler) ListTransactions(c *gin.Context) {
	records, err := h.store.ListBySender(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		logging.L(c.Request.Context()).Error("list transactions failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage_unavailable", "message": "Failed to fetch transactions."})
		return
	}

	out := make([]Summary, 0, len(records))
	for _, r := range records {
		out = append(out, r.Summary())
	}
	c.JSON(http.StatusOK, out)
}

// ListFlagged handles GET /api/admin/transactions/flagged
func (h *Handler) ListFlagged(c *gin.Context) {
	limit := parseLimit(c, 50, 500)

	records, err := h.store.ListFlagged(c.Request.Context(), limit)
	if err != nil {
		logging.L(c.Request.Context()).Error("list flagged failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage_unavailable", "message": "Failed to fetch flagged transactions."})
		return
	}

	out := make([]FlaggedSummary, 0, len(records))
	for _, r := range records {
		out = append(out, FlaggedSummary{
			Summary:         r.Summary(),
			SenderUserID:    r.SenderUserID,
			IsNewPayee:      r.IsNewPayee,
			TxnCountLast24h: r.TxnCountLast24h,
		})
	}
	c.JSON(http.StatusOK, gin.H{"transactions": out, "count": len(out)})
}

// Stats handles GET /api/admin/stats
func (h *Handler) Stats(c *gin.Context) {
	st, err := h.store.Stats(c.Request.Context(), h.now().Add(-VelocityWindow))
	if err != nil {
		logging.L(c.Request.Context()).Error("stats failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage_unavailable", "message": "Failed to compute stats."})
		return
	}
	c.JSON(http.StatusOK, gin.H{"stats": st, "model_loaded": h.evaluator.Scored()})
}

func parseLimit(c *gin.Context, def, max int) int {
	limit := def
	if l := c.Query("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > max {
		limit = max
	}
	return limit
}
