package symbols

import (
	"testing"

	"optionflow/models"
)

func TestToCanonical(t *testing.T) {
	tests := []struct {
		exchange string
		in       string
		want     string
	}{
		{"binance", "BTC-260131-97500-C", "BTC-260131-97500-C"},
		{"binance", "eth-260131-3500-p", "ETH-260131-3500-P"},
		{"bybit", "BTC-31JAN26-97500-C", "BTC-260131-97500-C"},
		{"bybit", "BTC-31JAN26-97500-P-USDT", "BTC-260131-97500-P"},
		{"bybit", "ETH-5FEB26-3500-C", "ETH-260205-3500-C"},
		{"bybit", "BTCUSDT", "BTCUSDT"},
	}
	for _, tt := range tests {
		if got := ToCanonical(tt.exchange, tt.in); got != tt.want {
			t.Errorf("ToCanonical(%s,%s)=%s want %s", tt.exchange, tt.in, got, tt.want)
		}
	}
}

func TestFormatAndParse(t *testing.T) {
	sym, err := Format(models.AssetBTC, "2026-01-31", 97500, models.Call)
	if err != nil {
		t.Fatalf("format: %v", err)
	}
	if sym != "BTC-260131-97500-C" {
		t.Fatalf("unexpected symbol %s", sym)
	}

	opt, err := Parse(sym)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := Option{Asset: models.AssetBTC, Expiry: "2026-01-31", Strike: 97500, Type: models.Call}
	if opt != want {
		t.Fatalf("got %+v want %+v", opt, want)
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	for _, sym := range []string{"BTC-97500-C", "DOGE-260131-1-C", "BTC-260131-x-C", "BTC-260131-97500-X", "BTC-261331-97500-C"} {
		if _, err := Parse(sym); err == nil {
			t.Errorf("Parse(%s) should fail", sym)
		}
	}
}

func TestBybitExpiry(t *testing.T) {
	got, err := BybitExpiry("2026-02-05")
	if err != nil {
		t.Fatalf("expiry: %v", err)
	}
	if got != "5FEB26" {
		t.Fatalf("unexpected %s", got)
	}
}
