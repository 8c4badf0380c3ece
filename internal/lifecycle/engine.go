// Package lifecycle implements the transaction state machine (spec
// §4.1): the twelve-state engine that orchestrates carrier
// classification, the payment client, the bonus engine, the float
// ledger, the dispatch-with-fallback policy, and the transaction store
// in response to two inbound events — an initiation request and a
// payment callback — plus the two reversal callbacks that follow a
// failed fulfillment.
package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/okoth-labs/bingwa-airtime-gateway/internal/analytics"
	"github.com/okoth-labs/bingwa-airtime-gateway/internal/bonus"
	"github.com/okoth-labs/bingwa-airtime-gateway/internal/carrier"
	"github.com/okoth-labs/bingwa-airtime-gateway/internal/dispatch"
	"github.com/okoth-labs/bingwa-airtime-gateway/internal/domain/gateway"
	"github.com/okoth-labs/bingwa-airtime-gateway/internal/mpesa"
	xerrors "github.com/okoth-labs/bingwa-airtime-gateway/internal/pkg/errors"
)

const (
	minAmount = 5
	maxAmount = 5000
)

var (
	minAmountDecimal = decimal.NewFromInt(minAmount)
	maxAmountDecimal = decimal.NewFromInt(maxAmount)
)

// TxBeginner opens the transactional read-modify-write unit every
// state transition runs under.
type TxBeginner interface {
	BeginTx(ctx context.Context) (pgx.Tx, error)
}

// RequestStore persists the frozen initiation record.
type RequestStore interface {
	CreateWithTx(ctx context.Context, tx pgx.Tx, req *gateway.Request) error
	FindByID(ctx context.Context, requestID string) (*gateway.Request, error)
}

// TransactionStore persists the mutable lifecycle record.
type TransactionStore interface {
	CreateWithTx(ctx context.Context, tx pgx.Tx, t *gateway.Transaction) error
	GetForUpdateWithTx(ctx context.Context, tx pgx.Tx, requestID string) (*gateway.Transaction, error)
	FindByID(ctx context.Context, requestID string) (*gateway.Transaction, error)
	UpdateStatusWithTx(ctx context.Context, tx pgx.Tx, t *gateway.Transaction) error
}

// SaleStore records a sale row for the lifetime of a fulfillment
// attempt: created when a transaction enters RECEIVED_PENDING_FULFILLMENT
// (spec §3 invariant: a Sale exists iff that state was ever reached) and
// updated once dispatch concludes, success or failure.
type SaleStore interface {
	CreateWithTx(ctx context.Context, tx pgx.Tx, s *gateway.Sale) error
	UpdateOutcomeWithTx(ctx context.Context, tx pgx.Tx, s *gateway.Sale) error
}

// ErrorLogStore is the append-only audit trail (spec §7).
type ErrorLogStore interface {
	Log(ctx context.Context, e *gateway.ErrorLogEntry) error
}

// ReconciliationStore tracks in-flight and failed reversals.
type ReconciliationStore interface {
	CreatePendingWithTx(ctx context.Context, tx pgx.Tx, p *gateway.ReversalPending) error
	FindPendingByID(ctx context.Context, requestID string) (*gateway.ReversalPending, error)
	FindPendingByCorrelationID(ctx context.Context, conversationID string) (*gateway.ReversalPending, error)
	DeletePendingWithTx(ctx context.Context, tx pgx.Tx, requestID string) error
	CreateFailedWithTx(ctx context.Context, tx pgx.Tx, f *gateway.ReversalFailed) error
}

// PaymentClient is the subset of the mpesa.Client the engine drives.
type PaymentClient interface {
	Push(ctx context.Context, payerMSISDN, accountReference string, amountMajorUnits int64) (*mpesa.PushResponse, error)
	Reversal(ctx context.Context, originalRequestID string, amountMajorUnits int64, receiverParty string) (*mpesa.ReversalResponse, error)
}

// AnalyticsNotifier reports a completed sale to the out-of-core
// analytics service. Implementations must not block the caller (spec
// §9): the engine calls this after the fulfillment transaction has
// already committed.
type AnalyticsNotifier interface {
	NotifySale(requestID string, event analytics.SaleEvent)
}

// Engine is the stateful orchestrator. All its dependencies are
// interfaces so tests can substitute fakes without a database or
// network.
type Engine struct {
	db             TxBeginner
	requests       RequestStore
	transactions   TransactionStore
	sales          SaleStore
	errorLog       ErrorLogStore
	reconciliation ReconciliationStore
	bonusEngine    *bonus.Engine
	dispatchSvc    *dispatch.Service
	payment        PaymentClient
	analytics      AnalyticsNotifier
	logger         *zap.Logger

	// runBackground executes f outside the inbound HTTP request's
	// lifetime, per spec §5's ack-callback-first rule. Defaults to a
	// plain goroutine; tests substitute a synchronous call.
	runBackground func(f func())
}

func New(
	db TxBeginner,
	requests RequestStore,
	transactions TransactionStore,
	sales SaleStore,
	errorLog ErrorLogStore,
	reconciliation ReconciliationStore,
	bonusEngine *bonus.Engine,
	dispatchSvc *dispatch.Service,
	payment PaymentClient,
	analyticsNotifier AnalyticsNotifier,
	logger *zap.Logger,
) *Engine {
	return &Engine{
		db:             db,
		requests:       requests,
		transactions:   transactions,
		sales:          sales,
		errorLog:       errorLog,
		reconciliation: reconciliation,
		bonusEngine:    bonusEngine,
		dispatchSvc:    dispatchSvc,
		payment:        payment,
		analytics:      analyticsNotifier,
		logger:         logger,
		runBackground:  func(f func()) { go f() },
	}
}

// InitiationResult is returned to the callback-ingress handler.
type InitiationResult struct {
	CheckoutRequestID string
	Carrier            gateway.Carrier
}

// HandleInitiation validates a new top-up request, pushes it to the
// payment rail, and freezes a Request+Transaction pair at
// PUSH_INITIATED keyed by the rail's own correlation id (state 1).
func (e *Engine) HandleInitiation(ctx context.Context, payerMSISDN, destinationMSISDN string, amount decimal.Decimal, rawBody []byte) (*InitiationResult, error) {
	if amount.LessThan(minAmountDecimal) || amount.GreaterThan(maxAmountDecimal) {
		return nil, xerrors.ErrAmountOutOfRange
	}

	carrierLabel := carrier.Classify(destinationMSISDN)
	if carrierLabel == gateway.CarrierUnknown {
		return nil, xerrors.ErrUnsupportedCarrier
	}

	resp, err := e.payment.Push(ctx, payerMSISDN, destinationMSISDN, amount.Round(0).IntPart())
	if err != nil {
		e.logError(ctx, gateway.ErrKindSTKPushInitiation, "", "", err)
		return nil, xerrors.Wrap(err, "lifecycle: push initiation failed")
	}

	requestID := resp.CheckoutRequestID
	now := time.Now()

	tx, err := e.db.BeginTx(ctx)
	if err != nil {
		return nil, xerrors.Wrap(err, "lifecycle: begin initiation transaction")
	}
	defer tx.Rollback(ctx)

	req := &gateway.Request{
		RequestID:         requestID,
		PayerMSISDN:       payerMSISDN,
		DestinationMSISDN: destinationMSISDN,
		Carrier:           carrierLabel,
		RequestedAmount:   amount,
		InitiationTime:    now,
		PayloadSnapshot:   rawBody,
	}
	if err := e.requests.CreateWithTx(ctx, tx, req); err != nil {
		return nil, xerrors.Wrap(err, "lifecycle: persist request")
	}

	txn := &gateway.Transaction{
		RequestID:   requestID,
		Status:      gateway.StatusPushInitiated,
		LastUpdated: now,
	}
	if err := e.transactions.CreateWithTx(ctx, tx, txn); err != nil {
		return nil, xerrors.Wrap(err, "lifecycle: persist transaction")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, xerrors.Wrap(err, "lifecycle: commit initiation")
	}

	return &InitiationResult{CheckoutRequestID: requestID, Carrier: carrierLabel}, nil
}

// HandlePaymentCallback advances a transaction out of PUSH_INITIATED
// (state 1) on the rail's payment-result callback. It is idempotent:
// a repeat delivery for a request-id no longer in PUSH_INITIATED is a
// silent no-op, never a duplicate mutation (spec §4.1, §8 scenario 6).
//
// The confirmed-payment path synchronously locks the transaction,
// records the receipt and the new status, and creates the pending Sale
// row; the dispatch itself runs via
// runBackground so the callback can be acknowledged within the rail's
// ~30s window regardless of downstream latency (spec §5).
func (e *Engine) HandlePaymentCallback(ctx context.Context, cb *mpesa.PaymentCallback) error {
	requestID := cb.CheckoutRequestID

	tx, err := e.db.BeginTx(ctx)
	if err != nil {
		return xerrors.Wrap(err, "lifecycle: begin callback transaction")
	}
	defer tx.Rollback(ctx)

	txn, err := e.transactions.GetForUpdateWithTx(ctx, tx, requestID)
	if err != nil {
		e.logError(ctx, gateway.ErrKindSTKCallback, "", requestID, fmt.Errorf("callback for unknown request-id: %w", err))
		return nil
	}

	if txn.Status != gateway.StatusPushInitiated {
		e.logger.Info("lifecycle: duplicate payment callback ignored", zap.String("request_id", requestID), zap.String("status", string(txn.Status)))
		return nil
	}

	if cb.ResultCode != 0 {
		txn.Status = gateway.StatusMpesaPaymentFailed
		txn.LastUpdated = time.Now()
		if err := e.transactions.UpdateStatusWithTx(ctx, tx, txn); err != nil {
			return xerrors.Wrap(err, "lifecycle: record payment failure")
		}
		if err := tx.Commit(ctx); err != nil {
			return xerrors.Wrap(err, "lifecycle: commit payment failure")
		}
		e.logError(ctx, gateway.ErrKindSTKPayment, "", requestID, fmt.Errorf("payment failed: %s", cb.ResultDesc))
		return nil
	}

	amount, ok := cb.Amount()
	if !ok {
		amount = decimal.Zero
	}
	receipt, _ := cb.MpesaReceiptNumber()
	payerPhone, _ := cb.PhoneNumber()

	req, err := e.requests.FindByID(ctx, requestID)
	if err != nil {
		return xerrors.Wrap(err, "lifecycle: load request for confirmed payment")
	}
	if payerPhone == "" {
		payerPhone = req.PayerMSISDN
	}

	txn.PaymentReceipt = receipt
	txn.AmountReceived = amount
	txn.LastUpdated = time.Now()

	if amount.LessThan(minAmountDecimal) || amount.GreaterThan(maxAmountDecimal) || req.Carrier == gateway.CarrierUnknown {
		if err := e.transactions.UpdateStatusWithTx(ctx, tx, txn); err != nil {
			return xerrors.Wrap(err, "lifecycle: record invalid confirmed payment")
		}
		if err := tx.Commit(ctx); err != nil {
			return xerrors.Wrap(err, "lifecycle: commit invalid confirmed payment")
		}
		e.logError(ctx, gateway.ErrKindAirtimeFulfillment, gateway.SubKindInvalidAmountRange, requestID, fmt.Errorf("confirmed payment failed re-validation"))
		e.runBackground(func() {
			e.initiateReversal(context.Background(), requestID, payerPhone, amount)
		})
		return nil
	}

	txn.Status = gateway.StatusReceivedPendingFulfillment
	if err := e.transactions.UpdateStatusWithTx(ctx, tx, txn); err != nil {
		return xerrors.Wrap(err, "lifecycle: record confirmed payment")
	}

	// A Sale row is created here, not on dispatch success, so it exists
	// for every transaction that ever reaches RECEIVED_PENDING_FULFILLMENT
	// (spec §3 invariant) — fulfill fills in the outcome once known.
	sale := &gateway.Sale{
		RequestID:        requestID,
		OriginalAmount:   amount,
		DispatchedAmount: amount,
		Carrier:          req.Carrier,
	}
	if err := e.sales.CreateWithTx(ctx, tx, sale); err != nil {
		return xerrors.Wrap(err, "lifecycle: record pending sale")
	}

	if err := tx.Commit(ctx); err != nil {
		return xerrors.Wrap(err, "lifecycle: commit confirmed payment")
	}

	e.runBackground(func() {
		e.fulfill(context.Background(), requestID, req, amount)
	})
	return nil
}

// fulfill drives states 3→5/6: it debits the appropriate float and
// attempts dispatch-with-fallback atomically, then fills in the Sale
// row's outcome on both paths and, on failure, submits a reversal. A
// recovered panic is
// treated as the unhandled-exception transition to state 12.
func (e *Engine) fulfill(ctx context.Context, requestID string, req *gateway.Request, originalAmount decimal.Decimal) {
	defer e.recoverToCritical(ctx, requestID)

	bonusAmt, pct, err := e.bonusEngine.Compute(ctx, req.Carrier, originalAmount)
	if err != nil {
		e.logError(ctx, gateway.ErrKindAirtimeFulfillment, gateway.SubKindRuntimeException, requestID, xerrors.Wrap(err, "bonus computation"))
		e.failFulfillment(ctx, requestID, "", false, originalAmount, xerrors.Wrap(err, "bonus computation").Error())
		e.initiateReversal(ctx, requestID, req.PayerMSISDN, originalAmount)
		return
	}
	dispatchedAmount := originalAmount.Add(bonusAmt)

	tx, err := e.db.BeginTx(ctx)
	if err != nil {
		e.logger.Error("lifecycle: begin fulfillment transaction failed", zap.Error(err))
		return
	}
	defer tx.Rollback(ctx)

	txn, err := e.transactions.GetForUpdateWithTx(ctx, tx, requestID)
	if err != nil {
		e.logger.Error("lifecycle: lock transaction for fulfillment failed", zap.Error(err))
		return
	}
	if txn.Status != gateway.StatusReceivedPendingFulfillment {
		return // already fulfilled by a concurrent/duplicate delivery
	}

	txn.Status = gateway.StatusFulfillmentInProgress
	txn.LastUpdated = time.Now()
	if err := e.transactions.UpdateStatusWithTx(ctx, tx, txn); err != nil {
		e.logger.Error("lifecycle: mark fulfillment in progress failed", zap.Error(err))
		return
	}

	outcome, dispatchErr := e.dispatchSvc.Dispatch(ctx, tx, req.DestinationMSISDN, originalAmount, dispatchedAmount, req.Carrier)

	if dispatchErr == nil && outcome.Result.OK {
		txn.Status = gateway.StatusCompletedAndFulfilled
		txn.ProviderUsed = outcome.ProviderUsed
		txn.FallbackAttempted = outcome.FallbackAttempted
		txn.FulfillmentStatus = "SUCCESS"
		txn.LastUpdated = time.Now()
		if err := e.transactions.UpdateStatusWithTx(ctx, tx, txn); err != nil {
			e.logger.Error("lifecycle: record fulfillment success failed", zap.Error(err))
			return
		}

		sale := &gateway.Sale{
			RequestID:        requestID,
			OriginalAmount:   originalAmount,
			Bonus:            bonusAmt,
			DispatchedAmount: dispatchedAmount,
			Carrier:          req.Carrier,
			ProviderUsed:     outcome.ProviderUsed,
			DispatchResult:   outcome.Result.RawResponse,
			BonusPercentage:  pct,
			CompletedAt:      time.Now(),
		}
		if err := e.sales.UpdateOutcomeWithTx(ctx, tx, sale); err != nil {
			e.logger.Error("lifecycle: record sale failed", zap.Error(err))
			return
		}

		if err := tx.Commit(ctx); err != nil {
			e.logger.Error("lifecycle: commit fulfillment success failed", zap.Error(err))
			return
		}

		if e.analytics != nil {
			e.analytics.NotifySale(requestID, analytics.SaleEvent{
				RequestID:        requestID,
				Carrier:          string(req.Carrier),
				OriginalAmount:   sale.OriginalAmount.String(),
				DispatchedAmount: sale.DispatchedAmount.String(),
				ProviderUsed:     sale.ProviderUsed,
				CompletedAt:      sale.CompletedAt.Format(time.RFC3339),
			})
		}
		return
	}

	txn.Status = gateway.StatusReceivedFulfillmentFailed
	txn.ProviderUsed = outcome.ProviderUsed
	txn.FallbackAttempted = outcome.FallbackAttempted
	txn.FulfillmentStatus = "FAILED"
	txn.LastUpdated = time.Now()
	if err := e.transactions.UpdateStatusWithTx(ctx, tx, txn); err != nil {
		e.logger.Error("lifecycle: record fulfillment failure failed", zap.Error(err))
		return
	}

	dispatchResult := outcome.Result.RawResponse
	if dispatchResult == "" && dispatchErr != nil {
		dispatchResult = dispatchErr.Error()
	}
	sale := &gateway.Sale{
		RequestID:        requestID,
		OriginalAmount:   originalAmount,
		Bonus:            bonusAmt,
		DispatchedAmount: dispatchedAmount,
		Carrier:          req.Carrier,
		ProviderUsed:     outcome.ProviderUsed,
		DispatchResult:   dispatchResult,
		BonusPercentage:  pct,
	}
	if err := e.sales.UpdateOutcomeWithTx(ctx, tx, sale); err != nil {
		e.logger.Error("lifecycle: record sale failed", zap.Error(err))
		return
	}

	if err := tx.Commit(ctx); err != nil {
		e.logger.Error("lifecycle: commit fulfillment failure failed", zap.Error(err))
		return
	}

	e.logError(ctx, gateway.ErrKindAirtimeFulfillment, gateway.SubKindDispatchFailed, requestID, dispatchErr)
	e.initiateReversal(ctx, requestID, req.PayerMSISDN, originalAmount)
}

// failFulfillment marks a transaction RECEIVED_FULFILLMENT_FAILED
// without a dispatch attempt, used when a pre-dispatch step (bonus
// computation) itself errors. dispatchResult records why, so the sale
// row created at RECEIVED_PENDING_FULFILLMENT still gets an outcome.
func (e *Engine) failFulfillment(ctx context.Context, requestID, providerUsed string, fallbackAttempted bool, originalAmount decimal.Decimal, dispatchResult string) {
	tx, err := e.db.BeginTx(ctx)
	if err != nil {
		e.logger.Error("lifecycle: begin fail-fulfillment transaction failed", zap.Error(err))
		return
	}
	defer tx.Rollback(ctx)

	txn, err := e.transactions.GetForUpdateWithTx(ctx, tx, requestID)
	if err != nil {
		return
	}
	txn.Status = gateway.StatusReceivedFulfillmentFailed
	txn.ProviderUsed = providerUsed
	txn.FallbackAttempted = fallbackAttempted
	txn.FulfillmentStatus = "FAILED"
	txn.LastUpdated = time.Now()
	if err := e.transactions.UpdateStatusWithTx(ctx, tx, txn); err != nil {
		e.logger.Error("lifecycle: record fail-fulfillment failed", zap.Error(err))
		return
	}

	sale := &gateway.Sale{
		RequestID:        requestID,
		OriginalAmount:   originalAmount,
		DispatchedAmount: originalAmount,
		ProviderUsed:     providerUsed,
		DispatchResult:   dispatchResult,
	}
	if err := e.sales.UpdateOutcomeWithTx(ctx, tx, sale); err != nil {
		e.logger.Error("lifecycle: record sale failed", zap.Error(err))
		return
	}

	if err := tx.Commit(ctx); err != nil {
		e.logger.Error("lifecycle: commit fail-fulfillment failed", zap.Error(err))
	}
}

// initiateReversal submits a reversal to the rail (states 6→7/8) and
// records either a pending-confirmation row or an initiation failure.
func (e *Engine) initiateReversal(ctx context.Context, requestID, payerMSISDN string, amount decimal.Decimal) {
	resp, reversalErr := e.payment.Reversal(ctx, requestID, amount.Round(0).IntPart(), payerMSISDN)

	tx, err := e.db.BeginTx(ctx)
	if err != nil {
		e.logger.Error("lifecycle: begin reversal transaction failed", zap.Error(err))
		return
	}
	defer tx.Rollback(ctx)

	txn, err := e.transactions.GetForUpdateWithTx(ctx, tx, requestID)
	if err != nil {
		e.logger.Error("lifecycle: lock transaction for reversal failed", zap.Error(err))
		return
	}

	if reversalErr == nil && resp == nil {
		reversalErr = fmt.Errorf("lifecycle: reversal returned no response")
	}

	if reversalErr != nil {
		txn.Status = gateway.StatusReversalInitiationFailed
		txn.ReconciliationNeeded = true
		txn.LastUpdated = time.Now()
		if err := e.transactions.UpdateStatusWithTx(ctx, tx, txn); err != nil {
			e.logger.Error("lifecycle: record reversal initiation failure failed", zap.Error(err))
			return
		}
		if err := tx.Commit(ctx); err != nil {
			e.logger.Error("lifecycle: commit reversal initiation failure failed", zap.Error(err))
			return
		}
		e.logError(ctx, gateway.ErrKindAirtimeFulfillment, gateway.SubKindRuntimeException, requestID, xerrors.Wrap(reversalErr, "reversal initiation rejected"))
		return
	}

	txn.Status = gateway.StatusReversalPendingConfirm
	txn.LastUpdated = time.Now()
	if err := e.transactions.UpdateStatusWithTx(ctx, tx, txn); err != nil {
		e.logger.Error("lifecycle: record reversal pending failed", zap.Error(err))
		return
	}

	pending := &gateway.ReversalPending{
		RequestID:           requestID,
		OriginalAmount:      amount,
		PayerMSISDN:         payerMSISDN,
		ReversalRequestData: resp.OriginatorConversationID,
		InitiatedAt:         time.Now(),
	}
	if err := e.reconciliation.CreatePendingWithTx(ctx, tx, pending); err != nil {
		e.logger.Error("lifecycle: record pending reversal failed", zap.Error(err))
		return
	}

	if err := tx.Commit(ctx); err != nil {
		e.logger.Error("lifecycle: commit reversal pending failed", zap.Error(err))
	}
}

// HandleReversalResult advances a REVERSAL_PENDING_CONFIRMATION
// transaction to its terminal outcome (states 7→9/10).
func (e *Engine) HandleReversalResult(ctx context.Context, cb *mpesa.ReversalResultCallback) error {
	requestID := cb.Result.TransactionID

	tx, err := e.db.BeginTx(ctx)
	if err != nil {
		return xerrors.Wrap(err, "lifecycle: begin reversal-result transaction")
	}
	defer tx.Rollback(ctx)

	txn, err := e.transactions.GetForUpdateWithTx(ctx, tx, requestID)
	if err != nil {
		e.logError(ctx, gateway.ErrKindSTKCallback, "", requestID, fmt.Errorf("reversal-result for unknown request-id: %w", err))
		return nil
	}
	if txn.Status != gateway.StatusReversalPendingConfirm {
		e.logger.Info("lifecycle: duplicate reversal-result ignored", zap.String("request_id", requestID), zap.String("status", string(txn.Status)))
		return nil
	}

	pending, err := e.reconciliation.FindPendingByID(ctx, requestID)
	if err != nil {
		return xerrors.Wrap(err, "lifecycle: load pending reversal")
	}

	if cb.Result.ResultCode == 0 {
		txn.Status = gateway.StatusReversedSuccessfully
	} else {
		txn.Status = gateway.StatusReversalFailedConfirm
		txn.ReconciliationNeeded = true
		if err := e.reconciliation.CreateFailedWithTx(ctx, tx, &gateway.ReversalFailed{
			RequestID:      requestID,
			Reason:         cb.Result.ResultDesc,
			OriginalAmount: pending.OriginalAmount,
			Timestamp:      time.Now(),
		}); err != nil {
			return xerrors.Wrap(err, "lifecycle: record failed reversal")
		}
	}
	txn.LastUpdated = time.Now()
	if err := e.transactions.UpdateStatusWithTx(ctx, tx, txn); err != nil {
		return xerrors.Wrap(err, "lifecycle: record reversal result")
	}
	if err := e.reconciliation.DeletePendingWithTx(ctx, tx, requestID); err != nil {
		return xerrors.Wrap(err, "lifecycle: clear pending reversal")
	}
	return xerrors.Wrap(tx.Commit(ctx), "lifecycle: commit reversal result")
}

// HandleReversalTimeout moves a REVERSAL_PENDING_CONFIRMATION
// transaction to REVERSAL_TIMED_OUT (state 7→11). The timeout
// callback carries no transaction id, only the rail's correlation id
// recorded when the reversal was submitted.
func (e *Engine) HandleReversalTimeout(ctx context.Context, cb *mpesa.ReversalTimeoutCallback) error {
	pending, err := e.reconciliation.FindPendingByCorrelationID(ctx, cb.Result.OriginatorConversationID)
	if err != nil {
		e.logError(ctx, gateway.ErrKindSTKCallback, "", "", fmt.Errorf("reversal-timeout for unknown correlation id: %w", err))
		return nil
	}
	requestID := pending.RequestID

	tx, err := e.db.BeginTx(ctx)
	if err != nil {
		return xerrors.Wrap(err, "lifecycle: begin reversal-timeout transaction")
	}
	defer tx.Rollback(ctx)

	txn, err := e.transactions.GetForUpdateWithTx(ctx, tx, requestID)
	if err != nil {
		return xerrors.Wrap(err, "lifecycle: lock transaction for reversal-timeout")
	}
	if txn.Status != gateway.StatusReversalPendingConfirm {
		e.logger.Info("lifecycle: duplicate reversal-timeout ignored", zap.String("request_id", requestID), zap.String("status", string(txn.Status)))
		return nil
	}

	txn.Status = gateway.StatusReversalTimedOut
	txn.ReconciliationNeeded = true
	txn.LastUpdated = time.Now()
	if err := e.transactions.UpdateStatusWithTx(ctx, tx, txn); err != nil {
		return xerrors.Wrap(err, "lifecycle: record reversal timeout")
	}
	if err := e.reconciliation.CreateFailedWithTx(ctx, tx, &gateway.ReversalFailed{
		RequestID:      requestID,
		Reason:         "reversal timed out in rail queue",
		OriginalAmount: pending.OriginalAmount,
		Timestamp:      time.Now(),
	}); err != nil {
		return xerrors.Wrap(err, "lifecycle: record timed-out reversal")
	}
	if err := e.reconciliation.DeletePendingWithTx(ctx, tx, requestID); err != nil {
		return xerrors.Wrap(err, "lifecycle: clear pending reversal after timeout")
	}
	return xerrors.Wrap(tx.Commit(ctx), "lifecycle: commit reversal timeout")
}

// TransactionStatus is the read model behind GET /transaction-status/:id.
type TransactionStatus struct {
	RequestID   string
	Status      gateway.Status
	Receipt     string
	Amount      decimal.Decimal
	Destination string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Status loads the current transaction-status read model.
func (e *Engine) Status(ctx context.Context, requestID string) (*TransactionStatus, error) {
	txn, err := e.transactions.FindByID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	req, err := e.requests.FindByID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	return &TransactionStatus{
		RequestID:   requestID,
		Status:      txn.Status,
		Receipt:     txn.PaymentReceipt,
		Amount:      txn.AmountReceived,
		Destination: req.DestinationMSISDN,
		CreatedAt:   req.InitiationTime,
		UpdatedAt:   txn.LastUpdated,
	}, nil
}

// recoverToCritical catches a panic escaping a background lifecycle
// step and transitions the transaction to CRITICAL_FULFILLMENT_ERROR
// (spec §4.1, transition "any step of 3–6 that throws unexpectedly").
func (e *Engine) recoverToCritical(ctx context.Context, requestID string) {
	r := recover()
	if r == nil {
		return
	}
	e.logger.Error("lifecycle: recovered panic, marking critical fulfillment error",
		zap.String("request_id", requestID), zap.Any("panic", r))
	e.logError(ctx, gateway.ErrKindCriticalFulfillment, "", requestID, fmt.Errorf("panic: %v", r))

	tx, err := e.db.BeginTx(ctx)
	if err != nil {
		return
	}
	defer tx.Rollback(ctx)

	txn, err := e.transactions.GetForUpdateWithTx(ctx, tx, requestID)
	if err != nil {
		return
	}
	txn.Status = gateway.StatusCriticalFulfillmentError
	txn.ReconciliationNeeded = true
	txn.LastUpdated = time.Now()
	if err := e.transactions.UpdateStatusWithTx(ctx, tx, txn); err != nil {
		return
	}
	_ = tx.Commit(ctx)
}

func (e *Engine) logError(ctx context.Context, kind gateway.ErrorKind, subKind gateway.ErrorSubKind, requestID string, err error) {
	if err == nil {
		return
	}
	entry := &gateway.ErrorLogEntry{
		ID:         ulid.Make().String(),
		Kind:       kind,
		SubKind:    subKind,
		RequestID:  requestID,
		RawContext: err.Error(),
		Timestamp:  time.Now(),
	}
	if logErr := e.errorLog.Log(ctx, entry); logErr != nil {
		e.logger.Error("lifecycle: failed to write error log entry", zap.Error(logErr))
	}
}
