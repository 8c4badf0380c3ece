// Package gateway holds the core entities of the airtime top-up
// gateway: requests, transactions, sales, error log entries, reversal
// records, bonus settings and float balances.
package gateway

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a Transaction.
type Status string

const (
	StatusPushInitiated              Status = "PUSH_INITIATED"
	StatusMpesaPaymentFailed         Status = "MPESA_PAYMENT_FAILED"
	StatusReceivedPendingFulfillment Status = "RECEIVED_PENDING_FULFILLMENT"
	StatusFulfillmentInProgress      Status = "FULFILLMENT_IN_PROGRESS"
	StatusCompletedAndFulfilled      Status = "COMPLETED_AND_FULFILLED"
	StatusReceivedFulfillmentFailed  Status = "RECEIVED_FULFILLMENT_FAILED"
	StatusReversalPendingConfirm     Status = "REVERSAL_PENDING_CONFIRMATION"
	StatusReversalInitiationFailed   Status = "REVERSAL_INITIATION_FAILED"
	StatusReversedSuccessfully       Status = "REVERSED_SUCCESSFULLY"
	StatusReversalFailedConfirm      Status = "REVERSAL_FAILED_CONFIRMATION"
	StatusReversalTimedOut           Status = "REVERSAL_TIMED_OUT"
	StatusCriticalFulfillmentError  Status = "CRITICAL_FULFILLMENT_ERROR"
)

// terminal reports whether a status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusMpesaPaymentFailed,
		StatusCompletedAndFulfilled,
		StatusReversedSuccessfully,
		StatusReversalInitiationFailed,
		StatusReversalFailedConfirm,
		StatusReversalTimedOut,
		StatusCriticalFulfillmentError:
		return true
	default:
		return false
	}
}

// NeedsReconciliation reports whether a terminal state still requires
// manual follow-up per §3 invariants.
func (s Status) NeedsReconciliation() bool {
	switch s {
	case StatusReversalInitiationFailed, StatusReversalFailedConfirm, StatusReversalTimedOut, StatusCriticalFulfillmentError:
		return true
	default:
		return false
	}
}

// Request is the frozen record created at initiation time.
type Request struct {
	RequestID        string
	PayerMSISDN      string
	DestinationMSISDN string
	Carrier          Carrier
	RequestedAmount  decimal.Decimal
	InitiationTime   time.Time
	PayloadSnapshot  []byte // raw initiation body, for audit
}

// Carrier identifies a mobile network operator.
type Carrier string

const (
	CarrierSafaricom     Carrier = "SAFARICOM"
	CarrierAirtel        Carrier = "AIRTEL"
	CarrierTelkom        Carrier = "TELKOM"
	CarrierEquitel       Carrier = "EQUITEL"
	CarrierFaiba         Carrier = "FAIBA"
	CarrierUnknown       Carrier = "UNKNOWN"
)

// HomeTelco is the carrier whose payment rail and dealer-direct API
// this gateway is built against.
const HomeTelco = CarrierSafaricom

// Transaction is the mutable lifecycle record keyed by RequestID.
type Transaction struct {
	RequestID           string
	Status              Status
	PaymentReceipt      string
	AmountReceived       decimal.Decimal
	FulfillmentStatus   string
	ProviderUsed        string
	FallbackAttempted   bool
	ReconciliationNeeded bool
	LastUpdated         time.Time
}

// ProviderDealerDirect and ProviderAggregatorFallback label which
// dispatch path ultimately serviced a sale.
const (
	ProviderDealerDirect        = "dealer-direct"
	ProviderAggregator          = "aggregator"
	ProviderAggregatorFallback  = "aggregator-fallback"
)

// Sale is written once a Transaction reaches RECEIVED_PENDING_FULFILLMENT.
type Sale struct {
	RequestID        string
	OriginalAmount   decimal.Decimal
	Bonus            decimal.Decimal
	DispatchedAmount decimal.Decimal
	Carrier          Carrier
	ProviderUsed     string
	DispatchResult   string
	BonusPercentage  decimal.Decimal
	CompletedAt      time.Time
}

// ErrorKind and SubKind classify entries in the error log (§7).
type ErrorKind string

const (
	ErrKindSTKPushInitiation  ErrorKind = "STK_PUSH_INITIATION_ERROR"
	ErrKindSTKCallback        ErrorKind = "STK_CALLBACK_ERROR"
	ErrKindSTKPayment         ErrorKind = "STK_PAYMENT_ERROR"
	ErrKindAirtimeFulfillment ErrorKind = "AIRTIME_FULFILLMENT_ERROR"
	ErrKindFloatReconciliation ErrorKind = "FLOAT_RECONCILIATION_WARNING"
	ErrKindAnalyticsNotify    ErrorKind = "ANALYTICS_NOTIFICATION_ERROR"
	ErrKindCriticalFulfillment ErrorKind = "CRITICAL_FULFILLMENT_ERROR"
)

type ErrorSubKind string

const (
	SubKindInvalidAmountRange ErrorSubKind = "INVALID_AMOUNT_RANGE"
	SubKindUnknownCarrier     ErrorSubKind = "UNKNOWN_CARRIER"
	SubKindDispatchFailed     ErrorSubKind = "AIRTIME_DISPATCH_FAILED"
	SubKindRuntimeException   ErrorSubKind = "RUNTIME_EXCEPTION"
)

// ErrorLogEntry is an append-only audit record.
type ErrorLogEntry struct {
	ID         string
	Kind       ErrorKind
	SubKind    ErrorSubKind
	RequestID  string
	RawContext string
	Timestamp  time.Time
}

// ReversalPending tracks a reversal request submitted to the rail but
// not yet confirmed.
type ReversalPending struct {
	RequestID          string
	OriginalAmount     decimal.Decimal
	PayerMSISDN        string
	ReversalRequestData string
	InitiatedAt        time.Time
}

// ReversalFailed tracks a reversal that could not be confirmed and
// needs manual reconciliation.
type ReversalFailed struct {
	RequestID      string
	Reason         string
	OriginalAmount decimal.Decimal
	Timestamp      time.Time
}

// BonusHistory records a change to a per-telco bonus percentage.
type BonusHistory struct {
	ID        string
	Telco     Carrier
	OldPct    decimal.Decimal
	NewPct    decimal.Decimal
	Actor     string
	Timestamp time.Time
}

// FloatBalance is the prepaid balance held with a dispatch provider.
type FloatBalance struct {
	FloatName   string
	Balance     decimal.Decimal
	LastUpdated time.Time
}

const (
	FloatSafaricom   = "safaricom"
	FloatAggregator  = "aggregator"
)

// BonusSettings is the singleton percentage-by-telco mapping.
type BonusSettings struct {
	PctByTelco map[Carrier]decimal.Decimal
}

// DealerConfig is the singleton holding the raw dealer service PIN.
type DealerConfig struct {
	ServicePin string
}
