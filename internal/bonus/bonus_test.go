package bonus

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/okoth-labs/bingwa-airtime-gateway/internal/domain/gateway"
)

type fakeSettings struct {
	pct map[gateway.Carrier]decimal.Decimal
}

func (f *fakeSettings) GetBonusSettings(ctx context.Context) (*gateway.BonusSettings, error) {
	return &gateway.BonusSettings{PctByTelco: f.pct}, nil
}

func TestComputeHomeTelcoTwoDecimal(t *testing.T) {
	e := New(&fakeSettings{pct: map[gateway.Carrier]decimal.Decimal{
		gateway.CarrierSafaricom: decimal.NewFromFloat(2.5),
	}})

	got, pct, err := e.Compute(context.Background(), gateway.CarrierSafaricom, decimal.NewFromInt(100))
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(decimal.NewFromFloat(2.50)) {
		t.Errorf("bonus = %s, want 2.50", got)
	}
	if !pct.Equal(decimal.NewFromFloat(2.5)) {
		t.Errorf("pct = %s, want 2.5", pct)
	}
}

func TestComputeNonHomeTelcoHalfUp(t *testing.T) {
	e := New(&fakeSettings{pct: map[gateway.Carrier]decimal.Decimal{
		gateway.CarrierAirtel: decimal.NewFromFloat(3),
	}})

	cases := []struct {
		amount decimal.Decimal
		want   decimal.Decimal
	}{
		{decimal.NewFromInt(100), decimal.NewFromInt(3)}, // raw 3.00 -> 3
		{decimal.NewFromInt(117), decimal.NewFromInt(4)}, // raw 3.51 -> 4
		{decimal.NewFromInt(116), decimal.NewFromInt(3)}, // raw 3.48 -> 3
	}

	for _, c := range cases {
		got, _, err := e.Compute(context.Background(), gateway.CarrierAirtel, c.amount)
		if err != nil {
			t.Fatal(err)
		}
		if !got.Equal(c.want) {
			t.Errorf("Compute(%s) = %s, want %s", c.amount, got, c.want)
		}
	}
}

func TestComputeZeroOrMissingSettings(t *testing.T) {
	e := New(&fakeSettings{pct: map[gateway.Carrier]decimal.Decimal{}})

	got, pct, err := e.Compute(context.Background(), gateway.CarrierSafaricom, decimal.NewFromInt(500))
	if err != nil {
		t.Fatal(err)
	}
	if !got.IsZero() || !pct.IsZero() {
		t.Errorf("expected zero bonus and pct, got bonus=%s pct=%s", got, pct)
	}
}
