package processor

import (
	"reflect"
	"testing"

	"optionflow/models"
)

func btc(symbol string, strike float64, cp models.OptionType) models.Instrument {
	return models.Instrument{Symbol: symbol, Strike: strike, OptionType: cp, Expiry: "2026-01-31", BaseAsset: models.AssetBTC}
}

func TestAggregateVolumeSingleTrade(t *testing.T) {
	trades := []models.Trade{{ID: "t1", Timestamp: 100, Symbol: "BTC-97500-C", Quantity: 5, Side: models.SideBuy}}
	chain := []models.Instrument{btc("BTC-97500-C", 97500, models.Call)}

	got := AggregateVolume(models.AssetBTC, trades, chain)
	want := []models.StrikeVolume{{Strike: 97500, CallVolume: 5, PutVolume: 0}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestAggregateVolume(t *testing.T) {
	chain := []models.Instrument{
		btc("BTC-260131-100000-C", 100000, models.Call),
		btc("BTC-260131-95000-P", 95000, models.Put),
		btc("BTC-260131-97500-C", 97500, models.Call),
		btc("BTC-260131-97500-P", 97500, models.Put),
	}
	trades := []models.Trade{
		{ID: "1", Symbol: "BTC-260131-97500-C", Quantity: 0.1},
		{ID: "2", Symbol: "BTC-260131-97500-C", Quantity: 0.2},
		{ID: "3", Symbol: "BTC-260131-97500-P", Quantity: 1.5},
		{ID: "4", Symbol: "BTC-260131-90000-C", Quantity: 9},
		{ID: "5", Symbol: "ETH-260131-3500-C", Quantity: 3},
		{ID: "6", Symbol: "BTC-260131-95000-P", Quantity: 0},
	}

	got := AggregateVolume(models.AssetBTC, trades, chain)
	want := []models.StrikeVolume{
		{Strike: 95000},
		{Strike: 97500, CallVolume: 0.3, PutVolume: 1.5},
		{Strike: 100000},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestAggregateVolumeIgnoresOtherAssetChain(t *testing.T) {
	eth := models.Instrument{Symbol: "ETH-260131-3500-C", Strike: 3500, OptionType: models.Call, Expiry: "2026-01-31", BaseAsset: models.AssetETH}
	got := AggregateVolume(models.AssetBTC, []models.Trade{{Symbol: eth.Symbol, Quantity: 1}}, []models.Instrument{eth})
	if len(got) != 0 {
		t.Fatalf("expected no rows, got %+v", got)
	}
}

func TestMergeVolume(t *testing.T) {
	prev := []models.StrikeVolume{{Strike: 95000, CallVolume: 1}, {Strike: 97500, CallVolume: 0.1, PutVolume: 2}}
	delta := []models.StrikeVolume{{Strike: 97500, CallVolume: 0.2}, {Strike: 100000, PutVolume: 4}}

	got := MergeVolume(prev, delta)
	want := []models.StrikeVolume{
		{Strike: 95000, CallVolume: 1},
		{Strike: 97500, CallVolume: 0.3, PutVolume: 2},
		{Strike: 100000, PutVolume: 4},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %+v, want %+v", got, want)
	}
	if prev[1].CallVolume != 0.1 {
		t.Fatalf("merge mutated its input")
	}
}

func TestAggregateIV(t *testing.T) {
	chain := []models.Instrument{
		btc("BTC-260131-95000-C", 95000, models.Call),
		btc("BTC-260131-95000-P", 95000, models.Put),
		btc("BTC-260131-97500-C", 97500, models.Call),
		btc("BTC-260131-97500-P", 97500, models.Put),
		btc("BTC-260131-100000-P", 100000, models.Put),
		btc("BTC-260131-102500-C", 102500, models.Call),
	}
	tickers := []models.Ticker{
		{Symbol: "BTC-260131-95000-C", ImpliedVolatility: 0.50},
		{Symbol: "BTC-260131-95000-P", ImpliedVolatility: 0.54},
		{Symbol: "BTC-260131-97500-C", ImpliedVolatility: 0.48},
		{Symbol: "BTC-260131-97500-P", ImpliedVolatility: 0},
		{Symbol: "BTC-260131-100000-P", ImpliedVolatility: 0.47},
		{Symbol: "BTC-260131-102500-C", ImpliedVolatility: -1},
		{Symbol: "BTC-260131-110000-C", ImpliedVolatility: 0.9},
	}

	got := AggregateIV(models.AssetBTC, tickers, chain)
	if len(got) != 3 {
		t.Fatalf("expected 3 strikes, got %+v", got)
	}
	tests := []struct {
		strike float64
		iv     float64
	}{
		{95000, 0.52},
		{97500, 0.48},
		{100000, 0.47},
	}
	for i, tt := range tests {
		if got[i].Strike != tt.strike {
			t.Fatalf("row %d: strike %v, want %v", i, got[i].Strike, tt.strike)
		}
		if diff := got[i].IV - tt.iv; diff > 1e-12 || diff < -1e-12 {
			t.Fatalf("strike %v: iv %v, want %v", tt.strike, got[i].IV, tt.iv)
		}
	}
}
