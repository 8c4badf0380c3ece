package dispatch

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/okoth-labs/bingwa-airtime-gateway/internal/airtime"
	"github.com/okoth-labs/bingwa-airtime-gateway/internal/domain/gateway"
	"github.com/okoth-labs/bingwa-airtime-gateway/internal/float"
)

type fakeDispatcher struct {
	result airtime.Result
	err    error
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, destination string, amount decimal.Decimal, carrier gateway.Carrier) (airtime.Result, error) {
	return f.result, f.err
}

type fakeFloatStore struct {
	balances map[string]decimal.Decimal
}

func newFakeFloatStore() *fakeFloatStore {
	return &fakeFloatStore{balances: make(map[string]decimal.Decimal)}
}

func (f *fakeFloatStore) GetForUpdate(ctx context.Context, tx pgx.Tx, name string) (decimal.Decimal, error) {
	return f.balances[name], nil
}

func (f *fakeFloatStore) SetBalance(ctx context.Context, tx pgx.Tx, name string, delta decimal.Decimal) (decimal.Decimal, error) {
	f.balances[name] = f.balances[name].Add(delta)
	return f.balances[name], nil
}

func (f *fakeFloatStore) Overwrite(ctx context.Context, tx pgx.Tx, name string, value decimal.Decimal) error {
	f.balances[name] = value
	return nil
}

func TestDispatchHomeTelcoHappyPath(t *testing.T) {
	store := newFakeFloatStore()
	store.balances[gateway.FloatSafaricom] = decimal.NewFromInt(1000)
	ledger := float.New(store)
	dealer := &fakeDispatcher{result: airtime.Result{OK: true, Provider: gateway.ProviderDealerDirect}}
	aggregator := &fakeDispatcher{}

	svc := New(dealer, aggregator, ledger, zap.NewNop())

	outcome, err := svc.Dispatch(context.Background(), nil, "0712345678", decimal.NewFromInt(100), decimal.NewFromInt(105), gateway.CarrierSafaricom)
	if err != nil {
		t.Fatal(err)
	}
	if outcome.ProviderUsed != gateway.ProviderDealerDirect {
		t.Errorf("provider used = %s, want dealer-direct", outcome.ProviderUsed)
	}
	if !store.balances[gateway.FloatSafaricom].Equal(decimal.NewFromInt(895)) {
		t.Errorf("home float = %s, want 895", store.balances[gateway.FloatSafaricom])
	}
}

func TestDispatchHomeTelcoFallbackToAggregator(t *testing.T) {
	store := newFakeFloatStore()
	homeSeed := decimal.NewFromInt(500)
	aggregatorSeed := decimal.NewFromInt(500)
	store.balances[gateway.FloatSafaricom] = homeSeed
	store.balances[gateway.FloatAggregator] = aggregatorSeed
	ledger := float.New(store)
	dealer := &fakeDispatcher{result: airtime.Result{OK: false, Provider: gateway.ProviderDealerDirect}}
	aggregator := &fakeDispatcher{result: airtime.Result{OK: true, Provider: gateway.ProviderAggregator}}

	svc := New(dealer, aggregator, ledger, zap.NewNop())

	outcome, err := svc.Dispatch(context.Background(), nil, "0712345678", decimal.NewFromInt(100), decimal.NewFromInt(105), gateway.CarrierSafaricom)
	if err != nil {
		t.Fatal(err)
	}
	if outcome.ProviderUsed != gateway.ProviderAggregatorFallback {
		t.Errorf("provider used = %s, want aggregator-fallback", outcome.ProviderUsed)
	}
	if !outcome.FallbackAttempted {
		t.Error("expected FallbackAttempted")
	}
	if !store.balances[gateway.FloatSafaricom].Equal(homeSeed) {
		t.Errorf("home float = %s, want %s (credited back)", store.balances[gateway.FloatSafaricom], homeSeed)
	}
	want := aggregatorSeed.Add(decimal.NewFromInt(105).Neg()).Add(decimal.NewFromInt(100).Mul(aggregatorCommissionRate))
	if !store.balances[gateway.FloatAggregator].Equal(want) {
		t.Errorf("aggregator float = %s, want %s", store.balances[gateway.FloatAggregator], want)
	}
}

func TestDispatchBothFailNetFloatChangeIsZero(t *testing.T) {
	store := newFakeFloatStore()
	homeSeed := decimal.NewFromInt(500)
	aggregatorSeed := decimal.NewFromInt(500)
	store.balances[gateway.FloatSafaricom] = homeSeed
	store.balances[gateway.FloatAggregator] = aggregatorSeed
	ledger := float.New(store)
	dealer := &fakeDispatcher{result: airtime.Result{OK: false}}
	aggregator := &fakeDispatcher{result: airtime.Result{OK: false}}

	svc := New(dealer, aggregator, ledger, zap.NewNop())

	_, err := svc.Dispatch(context.Background(), nil, "0712345678", decimal.NewFromInt(100), decimal.NewFromInt(105), gateway.CarrierSafaricom)
	if err == nil {
		t.Fatal("expected error")
	}
	if !store.balances[gateway.FloatSafaricom].Equal(homeSeed) {
		t.Errorf("home float = %s, want %s", store.balances[gateway.FloatSafaricom], homeSeed)
	}
	if !store.balances[gateway.FloatAggregator].Equal(aggregatorSeed) {
		t.Errorf("aggregator float = %s, want %s", store.balances[gateway.FloatAggregator], aggregatorSeed)
	}
}

func TestDispatchNonHomeTelcoUsesAggregatorOnly(t *testing.T) {
	store := newFakeFloatStore()
	aggregatorSeed := decimal.NewFromInt(200)
	store.balances[gateway.FloatAggregator] = aggregatorSeed
	ledger := float.New(store)
	dealer := &fakeDispatcher{}
	aggregator := &fakeDispatcher{result: airtime.Result{OK: true, Provider: gateway.ProviderAggregator}}

	svc := New(dealer, aggregator, ledger, zap.NewNop())

	outcome, err := svc.Dispatch(context.Background(), nil, "0733123456", decimal.NewFromInt(50), decimal.NewFromInt(53), gateway.CarrierAirtel)
	if err != nil {
		t.Fatal(err)
	}
	if outcome.ProviderUsed != gateway.ProviderAggregator {
		t.Errorf("provider used = %s, want aggregator", outcome.ProviderUsed)
	}
	want := aggregatorSeed.Add(decimal.NewFromInt(53).Neg()).Add(decimal.NewFromInt(50).Mul(aggregatorCommissionRate))
	if !store.balances[gateway.FloatAggregator].Equal(want) {
		t.Errorf("aggregator float = %s, want %s", store.balances[gateway.FloatAggregator], want)
	}
}
