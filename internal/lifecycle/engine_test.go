package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/okoth-labs/bingwa-airtime-gateway/internal/airtime"
	"github.com/okoth-labs/bingwa-airtime-gateway/internal/bonus"
	"github.com/okoth-labs/bingwa-airtime-gateway/internal/dispatch"
	"github.com/okoth-labs/bingwa-airtime-gateway/internal/domain/gateway"
	"github.com/okoth-labs/bingwa-airtime-gateway/internal/float"
	"github.com/okoth-labs/bingwa-airtime-gateway/internal/mpesa"
	xerrors "github.com/okoth-labs/bingwa-airtime-gateway/internal/pkg/errors"
)

// fakeTx satisfies pgx.Tx by embedding a nil interface: only Commit
// and Rollback are ever invoked by the engine in these tests, and
// embedding promotes the rest of the method set without needing to
// enumerate it.
type fakeTx struct {
	pgx.Tx
}

func (f *fakeTx) Commit(ctx context.Context) error   { return nil }
func (f *fakeTx) Rollback(ctx context.Context) error { return nil }

type fakeTxBeginner struct{}

func (fakeTxBeginner) BeginTx(ctx context.Context) (pgx.Tx, error) {
	return &fakeTx{}, nil
}

type fakeRequestStore struct {
	mu   sync.Mutex
	byID map[string]*gateway.Request
}

func newFakeRequestStore() *fakeRequestStore {
	return &fakeRequestStore{byID: make(map[string]*gateway.Request)}
}

func (s *fakeRequestStore) CreateWithTx(ctx context.Context, tx pgx.Tx, req *gateway.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *req
	s.byID[req.RequestID] = &cp
	return nil
}

func (s *fakeRequestStore) FindByID(ctx context.Context, requestID string) (*gateway.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byID[requestID]
	if !ok {
		return nil, xerrors.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

type fakeTransactionStore struct {
	mu   sync.Mutex
	byID map[string]*gateway.Transaction
}

func newFakeTransactionStore() *fakeTransactionStore {
	return &fakeTransactionStore{byID: make(map[string]*gateway.Transaction)}
}

func (s *fakeTransactionStore) CreateWithTx(ctx context.Context, tx pgx.Tx, t *gateway.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.byID[t.RequestID] = &cp
	return nil
}

func (s *fakeTransactionStore) GetForUpdateWithTx(ctx context.Context, tx pgx.Tx, requestID string) (*gateway.Transaction, error) {
	return s.FindByID(ctx, requestID)
}

func (s *fakeTransactionStore) FindByID(ctx context.Context, requestID string) (*gateway.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byID[requestID]
	if !ok {
		return nil, xerrors.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *fakeTransactionStore) UpdateStatusWithTx(ctx context.Context, tx pgx.Tx, t *gateway.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[t.RequestID]; !ok {
		return xerrors.ErrNotFound
	}
	cp := *t
	s.byID[t.RequestID] = &cp
	return nil
}

type fakeSaleStore struct {
	mu    sync.Mutex
	sales []gateway.Sale
}

func (s *fakeSaleStore) CreateWithTx(ctx context.Context, tx pgx.Tx, sale *gateway.Sale) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sales = append(s.sales, *sale)
	return nil
}

func (s *fakeSaleStore) UpdateOutcomeWithTx(ctx context.Context, tx pgx.Tx, sale *gateway.Sale) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.sales {
		if s.sales[i].RequestID == sale.RequestID {
			s.sales[i].Bonus = sale.Bonus
			s.sales[i].DispatchedAmount = sale.DispatchedAmount
			s.sales[i].ProviderUsed = sale.ProviderUsed
			s.sales[i].DispatchResult = sale.DispatchResult
			s.sales[i].BonusPercentage = sale.BonusPercentage
			s.sales[i].CompletedAt = sale.CompletedAt
			return nil
		}
	}
	return fmt.Errorf("no sale row for request %s", sale.RequestID)
}

type fakeErrorLogStore struct {
	mu      sync.Mutex
	entries []gateway.ErrorLogEntry
}

func (s *fakeErrorLogStore) Log(ctx context.Context, e *gateway.ErrorLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, *e)
	return nil
}

type fakeReconciliationStore struct {
	mu           sync.Mutex
	pending      map[string]*gateway.ReversalPending
	byCorrelation map[string]*gateway.ReversalPending
	failed       []gateway.ReversalFailed
}

func newFakeReconciliationStore() *fakeReconciliationStore {
	return &fakeReconciliationStore{
		pending:       make(map[string]*gateway.ReversalPending),
		byCorrelation: make(map[string]*gateway.ReversalPending),
	}
}

func (s *fakeReconciliationStore) CreatePendingWithTx(ctx context.Context, tx pgx.Tx, p *gateway.ReversalPending) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.pending[p.RequestID] = &cp
	s.byCorrelation[p.ReversalRequestData] = &cp
	return nil
}

func (s *fakeReconciliationStore) FindPendingByID(ctx context.Context, requestID string) (*gateway.ReversalPending, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[requestID]
	if !ok {
		return nil, xerrors.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *fakeReconciliationStore) FindPendingByCorrelationID(ctx context.Context, conversationID string) (*gateway.ReversalPending, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byCorrelation[conversationID]
	if !ok {
		return nil, xerrors.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *fakeReconciliationStore) DeletePendingWithTx(ctx context.Context, tx pgx.Tx, requestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, requestID)
	return nil
}

func (s *fakeReconciliationStore) CreateFailedWithTx(ctx context.Context, tx pgx.Tx, f *gateway.ReversalFailed) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = append(s.failed, *f)
	return nil
}

type fakePaymentClient struct {
	pushResp     *mpesa.PushResponse
	pushErr      error
	reversalResp *mpesa.ReversalResponse
	reversalErr  error
}

func (c *fakePaymentClient) Push(ctx context.Context, payerMSISDN, accountReference string, amountMajorUnits int64) (*mpesa.PushResponse, error) {
	return c.pushResp, c.pushErr
}

func (c *fakePaymentClient) Reversal(ctx context.Context, originalRequestID string, amountMajorUnits int64, receiverParty string) (*mpesa.ReversalResponse, error) {
	return c.reversalResp, c.reversalErr
}

type fakeBonusSettings struct{}

func (fakeBonusSettings) GetBonusSettings(ctx context.Context) (*gateway.BonusSettings, error) {
	return &gateway.BonusSettings{PctByTelco: map[gateway.Carrier]decimal.Decimal{}}, nil
}

type fakeDispatcher struct {
	result airtime.Result
	err    error
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, destination string, amount decimal.Decimal, carrier gateway.Carrier) (airtime.Result, error) {
	return f.result, f.err
}

type fakeFloatStore struct {
	mu       sync.Mutex
	balances map[string]decimal.Decimal
}

// newFakeFloatStore seeds both floats generously so fulfillment tests
// exercise dispatch/reversal logic without separately provisioning
// float for every case; TestAdjustNeverGoesNegative in
// internal/float covers the zero-balance rejection path directly.
func newFakeFloatStore() *fakeFloatStore {
	seed := decimal.NewFromInt(1_000_000)
	return &fakeFloatStore{balances: map[string]decimal.Decimal{
		gateway.FloatSafaricom:  seed,
		gateway.FloatAggregator: seed,
	}}
}

func (f *fakeFloatStore) GetForUpdate(ctx context.Context, tx pgx.Tx, name string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances[name], nil
}

func (f *fakeFloatStore) SetBalance(ctx context.Context, tx pgx.Tx, name string, delta decimal.Decimal) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[name] = f.balances[name].Add(delta)
	return f.balances[name], nil
}

func (f *fakeFloatStore) Overwrite(ctx context.Context, tx pgx.Tx, name string, value decimal.Decimal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[name] = value
	return nil
}

// harness bundles a freshly wired Engine with synchronous background
// execution, so tests can assert post-conditions without sleeping.
type harness struct {
	engine         *Engine
	requests       *fakeRequestStore
	transactions   *fakeTransactionStore
	sales          *fakeSaleStore
	errorLog       *fakeErrorLogStore
	reconciliation *fakeReconciliationStore
	payment        *fakePaymentClient
}

func newHarness(dealer, aggregator airtime.Dispatcher, payment *fakePaymentClient) *harness {
	requests := newFakeRequestStore()
	transactions := newFakeTransactionStore()
	sales := &fakeSaleStore{}
	errorLog := &fakeErrorLogStore{}
	reconciliation := newFakeReconciliationStore()

	ledger := float.New(newFakeFloatStore())
	dispatchSvc := dispatch.New(dealer, aggregator, ledger, zap.NewNop())
	bonusEngine := bonus.New(fakeBonusSettings{})

	engine := New(fakeTxBeginner{}, requests, transactions, sales, errorLog, reconciliation, bonusEngine, dispatchSvc, payment, nil, zap.NewNop())
	engine.runBackground = func(f func()) { f() }

	return &harness{
		engine:         engine,
		requests:       requests,
		transactions:   transactions,
		sales:          sales,
		errorLog:       errorLog,
		reconciliation: reconciliation,
		payment:        payment,
	}
}

func metadataCallback(checkoutID string, resultCode int, amount float64, receipt, phone string) *mpesa.PaymentCallback {
	cb := &mpesa.PaymentCallback{
		CheckoutRequestID: checkoutID,
		ResultCode:        resultCode,
	}
	if resultCode == 0 {
		cb.CallbackMetadata.Item = []mpesa.CallbackMetadataItem{
			{Name: "Amount", Value: amount},
			{Name: "MpesaReceiptNumber", Value: receipt},
			{Name: "PhoneNumber", Value: phone},
		}
	}
	return cb
}

func TestHandleInitiationAmountOutOfRange(t *testing.T) {
	h := newHarness(&fakeDispatcher{}, &fakeDispatcher{}, &fakePaymentClient{})
	_, err := h.engine.HandleInitiation(context.Background(), "254700000001", "0712345678", decimal.NewFromInt(4), nil)
	if err != xerrors.ErrAmountOutOfRange {
		t.Fatalf("err = %v, want ErrAmountOutOfRange", err)
	}
}

func TestHandleInitiationUnsupportedCarrier(t *testing.T) {
	h := newHarness(&fakeDispatcher{}, &fakeDispatcher{}, &fakePaymentClient{})
	_, err := h.engine.HandleInitiation(context.Background(), "254700000001", "0600000000", decimal.NewFromInt(100), nil)
	if err != xerrors.ErrUnsupportedCarrier {
		t.Fatalf("err = %v, want ErrUnsupportedCarrier", err)
	}
}

func TestHandleInitiationSuccess(t *testing.T) {
	payment := &fakePaymentClient{pushResp: &mpesa.PushResponse{ResponseCode: "0", CheckoutRequestID: "ws_CO_1"}}
	h := newHarness(&fakeDispatcher{}, &fakeDispatcher{}, payment)

	result, err := h.engine.HandleInitiation(context.Background(), "254700000001", "0712345678", decimal.NewFromInt(100), []byte(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	if result.CheckoutRequestID != "ws_CO_1" {
		t.Errorf("checkout id = %q, want ws_CO_1", result.CheckoutRequestID)
	}

	txn, err := h.transactions.FindByID(context.Background(), "ws_CO_1")
	if err != nil {
		t.Fatal(err)
	}
	if txn.Status != gateway.StatusPushInitiated {
		t.Errorf("status = %s, want PUSH_INITIATED", txn.Status)
	}
}

func TestHandlePaymentCallbackCancelledPayment(t *testing.T) {
	payment := &fakePaymentClient{pushResp: &mpesa.PushResponse{ResponseCode: "0", CheckoutRequestID: "ws_CO_2"}}
	h := newHarness(&fakeDispatcher{}, &fakeDispatcher{}, payment)

	if _, err := h.engine.HandleInitiation(context.Background(), "254700000001", "0712345678", decimal.NewFromInt(100), nil); err != nil {
		t.Fatal(err)
	}

	cb := metadataCallback("ws_CO_2", 1032, 0, "", "")
	if err := h.engine.HandlePaymentCallback(context.Background(), cb); err != nil {
		t.Fatal(err)
	}

	txn, err := h.transactions.FindByID(context.Background(), "ws_CO_2")
	if err != nil {
		t.Fatal(err)
	}
	if txn.Status != gateway.StatusMpesaPaymentFailed {
		t.Errorf("status = %s, want MPESA_PAYMENT_FAILED", txn.Status)
	}
}

func TestHandlePaymentCallbackHomeTelcoHappyPath(t *testing.T) {
	payment := &fakePaymentClient{pushResp: &mpesa.PushResponse{ResponseCode: "0", CheckoutRequestID: "ws_CO_3"}}
	dealer := &fakeDispatcher{result: airtime.Result{OK: true, Provider: gateway.ProviderDealerDirect}}
	h := newHarness(dealer, &fakeDispatcher{}, payment)

	if _, err := h.engine.HandleInitiation(context.Background(), "254700000001", "0712345678", decimal.NewFromInt(100), nil); err != nil {
		t.Fatal(err)
	}

	cb := metadataCallback("ws_CO_3", 0, 100, "QK123", "254700000001")
	if err := h.engine.HandlePaymentCallback(context.Background(), cb); err != nil {
		t.Fatal(err)
	}

	txn, err := h.transactions.FindByID(context.Background(), "ws_CO_3")
	if err != nil {
		t.Fatal(err)
	}
	if txn.Status != gateway.StatusCompletedAndFulfilled {
		t.Errorf("status = %s, want COMPLETED_AND_FULFILLED", txn.Status)
	}
	if txn.ProviderUsed != gateway.ProviderDealerDirect {
		t.Errorf("provider used = %s, want dealer-direct", txn.ProviderUsed)
	}
	if len(h.sales.sales) != 1 {
		t.Fatalf("sales recorded = %d, want 1", len(h.sales.sales))
	}
}

func TestHandlePaymentCallbackDuplicateIgnored(t *testing.T) {
	payment := &fakePaymentClient{pushResp: &mpesa.PushResponse{ResponseCode: "0", CheckoutRequestID: "ws_CO_4"}}
	dealer := &fakeDispatcher{result: airtime.Result{OK: true, Provider: gateway.ProviderDealerDirect}}
	h := newHarness(dealer, &fakeDispatcher{}, payment)

	if _, err := h.engine.HandleInitiation(context.Background(), "254700000001", "0712345678", decimal.NewFromInt(100), nil); err != nil {
		t.Fatal(err)
	}

	cb := metadataCallback("ws_CO_4", 0, 100, "QK124", "254700000001")
	if err := h.engine.HandlePaymentCallback(context.Background(), cb); err != nil {
		t.Fatal(err)
	}
	if err := h.engine.HandlePaymentCallback(context.Background(), cb); err != nil {
		t.Fatal(err)
	}

	if len(h.sales.sales) != 1 {
		t.Fatalf("sales recorded = %d, want exactly 1 after duplicate delivery", len(h.sales.sales))
	}
}

func TestFulfillBothDispatchFailInitiatesReversal(t *testing.T) {
	payment := &fakePaymentClient{
		pushResp:     &mpesa.PushResponse{ResponseCode: "0", CheckoutRequestID: "ws_CO_5"},
		reversalResp: &mpesa.ReversalResponse{ResponseCode: "0", OriginatorConversationID: "conv-5"},
	}
	dealer := &fakeDispatcher{result: airtime.Result{OK: false, Provider: gateway.ProviderDealerDirect}}
	aggregator := &fakeDispatcher{result: airtime.Result{OK: false, Provider: gateway.ProviderAggregator}}
	h := newHarness(dealer, aggregator, payment)

	if _, err := h.engine.HandleInitiation(context.Background(), "254700000001", "0712345678", decimal.NewFromInt(100), nil); err != nil {
		t.Fatal(err)
	}

	cb := metadataCallback("ws_CO_5", 0, 100, "QK125", "254700000001")
	if err := h.engine.HandlePaymentCallback(context.Background(), cb); err != nil {
		t.Fatal(err)
	}

	txn, err := h.transactions.FindByID(context.Background(), "ws_CO_5")
	if err != nil {
		t.Fatal(err)
	}
	if txn.Status != gateway.StatusReversalPendingConfirm {
		t.Fatalf("status = %s, want REVERSAL_PENDING_CONFIRMATION", txn.Status)
	}

	pending, err := h.reconciliation.FindPendingByID(context.Background(), "ws_CO_5")
	if err != nil {
		t.Fatal(err)
	}

	resultCB := &mpesa.ReversalResultCallback{}
	resultCB.Result.ResultCode = 0
	resultCB.Result.TransactionID = "ws_CO_5"
	if err := h.engine.HandleReversalResult(context.Background(), resultCB); err != nil {
		t.Fatal(err)
	}

	txn, err = h.transactions.FindByID(context.Background(), "ws_CO_5")
	if err != nil {
		t.Fatal(err)
	}
	if txn.Status != gateway.StatusReversedSuccessfully {
		t.Fatalf("status = %s, want REVERSED_SUCCESSFULLY", txn.Status)
	}
	if pending.OriginalAmount.Cmp(decimal.NewFromInt(100)) != 0 {
		t.Errorf("pending original amount = %s, want 100", pending.OriginalAmount)
	}
}

func TestHandleReversalTimeout(t *testing.T) {
	payment := &fakePaymentClient{
		pushResp:     &mpesa.PushResponse{ResponseCode: "0", CheckoutRequestID: "ws_CO_6"},
		reversalResp: &mpesa.ReversalResponse{ResponseCode: "0", OriginatorConversationID: "conv-6"},
	}
	dealer := &fakeDispatcher{result: airtime.Result{OK: false}}
	aggregator := &fakeDispatcher{result: airtime.Result{OK: false}}
	h := newHarness(dealer, aggregator, payment)

	if _, err := h.engine.HandleInitiation(context.Background(), "254700000001", "0712345678", decimal.NewFromInt(100), nil); err != nil {
		t.Fatal(err)
	}
	cb := metadataCallback("ws_CO_6", 0, 100, "QK126", "254700000001")
	if err := h.engine.HandlePaymentCallback(context.Background(), cb); err != nil {
		t.Fatal(err)
	}

	timeoutCB := &mpesa.ReversalTimeoutCallback{}
	timeoutCB.Result.OriginatorConversationID = "conv-6"
	if err := h.engine.HandleReversalTimeout(context.Background(), timeoutCB); err != nil {
		t.Fatal(err)
	}

	txn, err := h.transactions.FindByID(context.Background(), "ws_CO_6")
	if err != nil {
		t.Fatal(err)
	}
	if txn.Status != gateway.StatusReversalTimedOut {
		t.Fatalf("status = %s, want REVERSAL_TIMED_OUT", txn.Status)
	}
	if !txn.ReconciliationNeeded {
		t.Error("expected ReconciliationNeeded")
	}
	if len(h.reconciliation.failed) != 1 {
		t.Fatalf("failed reconciliation records = %d, want 1", len(h.reconciliation.failed))
	}
}
