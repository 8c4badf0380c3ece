// internal/handlers/gateway/gateway_handler.go
package gateway

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/okoth-labs/bingwa-airtime-gateway/internal/domain/gateway"
	"github.com/okoth-labs/bingwa-airtime-gateway/internal/lifecycle"
	"github.com/okoth-labs/bingwa-airtime-gateway/internal/mpesa"
	"github.com/okoth-labs/bingwa-airtime-gateway/internal/pkg/response"
)

// Engine is the subset of lifecycle.Engine the handlers drive.
// Declaring it here rather than depending on the concrete type lets
// tests substitute a fake without a database or payment rail.
type Engine interface {
	HandleInitiation(ctx context.Context, payerMSISDN, destinationMSISDN string, amount decimal.Decimal, rawBody []byte) (*lifecycle.InitiationResult, error)
	HandlePaymentCallback(ctx context.Context, cb *mpesa.PaymentCallback) error
	HandleReversalResult(ctx context.Context, cb *mpesa.ReversalResultCallback) error
	HandleReversalTimeout(ctx context.Context, cb *mpesa.ReversalTimeoutCallback) error
	Status(ctx context.Context, requestID string) (*lifecycle.TransactionStatus, error)
}

// BonusSettingsStore is the subset of BonusSettingsRepository the
// bonus-administration endpoints drive directly, bypassing the
// lifecycle engine since settings updates are not part of the
// transaction state machine.
type BonusSettingsStore interface {
	GetBonusSettings(ctx context.Context) (*gateway.BonusSettings, error)
	UpdateWithTx(ctx context.Context, tx pgx.Tx, telco gateway.Carrier, newPct decimal.Decimal, actor string) (*gateway.BonusHistory, error)
}

// TxBeginner opens the transaction the bonus-update endpoint runs its
// percentage writes under.
type TxBeginner interface {
	BeginTx(ctx context.Context) (pgx.Tx, error)
}

// Handler wires the lifecycle engine and the bonus settings store to
// the routes enumerated in §6.
type Handler struct {
	engine   Engine
	db       TxBeginner
	settings BonusSettingsStore
	logger   *zap.Logger
}

func New(engine Engine, db TxBeginner, settings BonusSettingsStore, logger *zap.Logger) *Handler {
	return &Handler{engine: engine, db: db, settings: settings, logger: logger}
}

// stkPushRequest is the POST /stk-push body (§6).
type stkPushRequest struct {
	PhoneNumber string          `json:"phoneNumber"`
	Amount      decimal.Decimal `json:"amount"`
	Recipient   string          `json:"recipient"`
}

// InitiateTopUp handles POST /stk-push: validates the request and
// pushes it to the payment rail, freezing a transaction at
// PUSH_INITIATED before returning the rail's checkout id.
func (h *Handler) InitiateTopUp(c *gin.Context) {
	rawBody, err := c.GetRawData()
	if err != nil {
		response.Error(c, http.StatusBadRequest, "failed to read request body", err)
		return
	}

	var req stkPushRequest
	if err := json.Unmarshal(rawBody, &req); err != nil {
		response.Error(c, http.StatusBadRequest, "invalid request", err)
		return
	}
	if req.PhoneNumber == "" || req.Recipient == "" || req.Amount.IsZero() {
		response.Error(c, http.StatusBadRequest, "phoneNumber, amount and recipient are required", nil)
		return
	}

	result, err := h.engine.HandleInitiation(c.Request.Context(), req.PhoneNumber, req.Recipient, req.Amount, rawBody)
	if err != nil {
		response.Error(c, http.StatusBadRequest, "failed to initiate top-up", err)
		return
	}

	response.Success(c, http.StatusOK, "top-up initiated", gin.H{
		"checkoutRequestID": result.CheckoutRequestID,
	})
}

// PaymentCallback handles POST /stk-callback. It always acknowledges
// with HTTP 200 and ResultCode:0 regardless of internal outcome: a
// non-2xx reply here would make the rail retry and duplicate state
// transitions (spec §7).
func (h *Handler) PaymentCallback(c *gin.Context) {
	var cb mpesa.PaymentCallback
	if err := c.ShouldBindJSON(&cb); err != nil {
		h.logger.Warn("gateway: malformed payment callback body", zap.Error(err))
		c.JSON(http.StatusOK, mpesa.Ack("malformed callback accepted"))
		return
	}

	if err := h.engine.HandlePaymentCallback(c.Request.Context(), &cb); err != nil {
		h.logger.Error("gateway: payment callback handling failed", zap.Error(err))
	}
	c.JSON(http.StatusOK, mpesa.Ack("callback received"))
}

// ReversalResult handles POST /daraja-reversal-result.
func (h *Handler) ReversalResult(c *gin.Context) {
	var cb mpesa.ReversalResultCallback
	if err := c.ShouldBindJSON(&cb); err != nil {
		h.logger.Warn("gateway: malformed reversal-result callback body", zap.Error(err))
		c.JSON(http.StatusOK, mpesa.Ack("malformed callback accepted"))
		return
	}

	if err := h.engine.HandleReversalResult(c.Request.Context(), &cb); err != nil {
		h.logger.Error("gateway: reversal-result handling failed", zap.Error(err))
	}
	c.JSON(http.StatusOK, mpesa.Ack("reversal result received"))
}

// ReversalTimeout handles POST /daraja-reversal-timeout.
func (h *Handler) ReversalTimeout(c *gin.Context) {
	var cb mpesa.ReversalTimeoutCallback
	if err := c.ShouldBindJSON(&cb); err != nil {
		h.logger.Warn("gateway: malformed reversal-timeout callback body", zap.Error(err))
		c.JSON(http.StatusOK, mpesa.Ack("malformed callback accepted"))
		return
	}

	if err := h.engine.HandleReversalTimeout(c.Request.Context(), &cb); err != nil {
		h.logger.Error("gateway: reversal-timeout handling failed", zap.Error(err))
	}
	c.JSON(http.StatusOK, mpesa.Ack("reversal timeout received"))
}

// CurrentBonuses handles GET /api/airtime-bonuses/current.
func (h *Handler) CurrentBonuses(c *gin.Context) {
	settings, err := h.settings.GetBonusSettings(c.Request.Context())
	if err != nil {
		response.Error(c, http.StatusInternalServerError, "failed to load bonus settings", err)
		return
	}

	response.Success(c, http.StatusOK, "bonus settings retrieved", gin.H{
		"safaricomPercentage":      settings.PctByTelco[gateway.CarrierSafaricom],
		"africastalkingPercentage": settings.PctByTelco[gateway.CarrierAirtel],
	})
}

// updateBonusesRequest is the POST /api/airtime-bonuses/update body.
// The aggregator covers every non-Safaricom carrier, so
// AfricasTalkingPercentage is applied to all of them.
type updateBonusesRequest struct {
	SafaricomPercentage      *decimal.Decimal `json:"safaricomPercentage"`
	AfricasTalkingPercentage *decimal.Decimal `json:"africastalkingPercentage"`
	Actor                    string            `json:"actor" binding:"required"`
}

// nonHomeTelcos is every carrier the aggregator percentage governs.
var nonHomeTelcos = []gateway.Carrier{
	gateway.CarrierAirtel,
	gateway.CarrierTelkom,
	gateway.CarrierEquitel,
	gateway.CarrierFaiba,
}

// UpdateBonuses handles POST /api/airtime-bonuses/update: writes
// whichever percentages were supplied and appends a BonusHistory row
// per telco written, all inside one transaction. A history row is
// written for every supplied value, including one equal to the
// current percentage; unchanged values are not filtered out.
func (h *Handler) UpdateBonuses(c *gin.Context) {
	var req updateBonusesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, "invalid request", err)
		return
	}
	if req.SafaricomPercentage != nil && req.SafaricomPercentage.IsNegative() {
		response.Error(c, http.StatusBadRequest, "safaricomPercentage must not be negative", nil)
		return
	}
	if req.AfricasTalkingPercentage != nil && req.AfricasTalkingPercentage.IsNegative() {
		response.Error(c, http.StatusBadRequest, "africastalkingPercentage must not be negative", nil)
		return
	}

	ctx := c.Request.Context()
	tx, err := h.db.BeginTx(ctx)
	if err != nil {
		response.Error(c, http.StatusInternalServerError, "failed to begin update", err)
		return
	}
	defer tx.Rollback(ctx)

	history := []*gateway.BonusHistory{}

	if req.SafaricomPercentage != nil {
		entry, err := h.settings.UpdateWithTx(ctx, tx, gateway.CarrierSafaricom, *req.SafaricomPercentage, req.Actor)
		if err != nil {
			response.Error(c, http.StatusInternalServerError, "failed to update safaricom percentage", err)
			return
		}
		history = append(history, entry)
	}
	if req.AfricasTalkingPercentage != nil {
		for _, telco := range nonHomeTelcos {
			entry, err := h.settings.UpdateWithTx(ctx, tx, telco, *req.AfricasTalkingPercentage, req.Actor)
			if err != nil {
				response.Error(c, http.StatusInternalServerError, "failed to update aggregator percentage", err)
				return
			}
			history = append(history, entry)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		response.Error(c, http.StatusInternalServerError, "failed to commit update", err)
		return
	}

	response.Success(c, http.StatusOK, "bonus settings updated", gin.H{"history": history})
}

// TransactionStatus handles GET /transaction-status/:id.
func (h *Handler) TransactionStatus(c *gin.Context) {
	requestID := c.Param("id")

	status, err := h.engine.Status(c.Request.Context(), requestID)
	if err != nil {
		response.Error(c, http.StatusNotFound, "transaction not found", err)
		return
	}

	response.Success(c, http.StatusOK, "transaction status retrieved", gin.H{
		"status":      status.Status,
		"createdAt":   status.CreatedAt,
		"completedAt": status.UpdatedAt,
		"amount":      status.Amount,
		"recipient":   status.Destination,
		"receipt":     status.Receipt,
	})
}

// Ping handles GET /ping.
func (h *Handler) Ping(c *gin.Context) {
	c.String(http.StatusOK, "pong")
}

// Health handles GET /.
func (h *Handler) Health(c *gin.Context) {
	c.String(http.StatusOK, "bingwa airtime gateway is running")
}
