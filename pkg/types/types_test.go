package types

import (
	"testing"
	"time"
)

func TestCycleKeyStart(t *testing.T) {
	t.Parallel()

	k := CycleKey{
		Model: ModelHRRR,
		Date:  time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		Hour:  13,
	}

	want := time.Date(2026, 2, 1, 13, 0, 0, 0, time.UTC)
	if got := k.Start(); !got.Equal(want) {
		t.Errorf("Start() = %v, want %v", got, want)
	}
	if got := k.String(); got != "HRRR-20260201-13z" {
		t.Errorf("String() = %q", got)
	}
}

func TestMetricUnit(t *testing.T) {
	t.Parallel()

	cases := []struct {
		metric MetricType
		want   string
	}{
		{MetricTemperature, "F"},
		{MetricWindSpeed, "kmh"},
		{MetricPrecipitation, "mm"},
		{MetricType("bogus"), ""},
	}
	for _, tc := range cases {
		if got := tc.metric.Unit(); got != tc.want {
			t.Errorf("Unit(%s) = %q, want %q", tc.metric, got, tc.want)
		}
	}
}

func TestMarketBookHelpers(t *testing.T) {
	t.Parallel()

	book := MarketBook{
		MarketID: "m1",
		Bids:     []BookLevel{{Price: 0.44, Size: 500}, {Price: 0.43, Size: 900}},
		Asks:     []BookLevel{{Price: 0.46, Size: 300}},
	}

	if got := book.BestBid().Price; got != 0.44 {
		t.Errorf("BestBid().Price = %v, want 0.44", got)
	}
	if got := book.BestAsk().Size; got != 300 {
		t.Errorf("BestAsk().Size = %v, want 300", got)
	}
	if got := book.Spread(); got < 0.0199 || got > 0.0201 {
		t.Errorf("Spread() = %v, want ~0.02", got)
	}

	empty := MarketBook{}
	if got := empty.Spread(); got != 0 {
		t.Errorf("empty Spread() = %v, want 0", got)
	}
	if got := empty.BestBid(); got != (BookLevel{}) {
		t.Errorf("empty BestBid() = %+v, want zero", got)
	}
}

func TestPositionUnrealizedPnL(t *testing.T) {
	t.Parallel()

	p := Position{EntryPrice: 0.50, CurrentPrice: 0.55}
	if got := p.UnrealizedPnL(); got < 0.099 || got > 0.101 {
		t.Errorf("UnrealizedPnL() = %v, want ~0.10", got)
	}

	zero := Position{}
	if got := zero.UnrealizedPnL(); got != 0 {
		t.Errorf("zero-entry UnrealizedPnL() = %v, want 0", got)
	}
}
