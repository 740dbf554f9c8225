package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestParseAsset(t *testing.T) {
	cases := []struct {
		in      string
		want    Asset
		wantErr bool
	}{
		{"BTC", AssetBTC, false},
		{" eth ", AssetETH, false},
		{"sol", "", true},
		{"", "", true},
	}
	for _, c := range cases {
		got, err := ParseAsset(c.in)
		if (err != nil) != c.wantErr {
			t.Fatalf("ParseAsset(%q) err = %v", c.in, err)
		}
		if got != c.want {
			t.Errorf("ParseAsset(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestExpiryFromMillis(t *testing.T) {
	// 2026-01-31T08:00:00Z
	if got := ExpiryFromMillis(1769846400000); got != "2026-01-31" {
		t.Fatalf("unexpected expiry %s", got)
	}
	if _, err := ParseExpiry("2026-13-01"); err == nil {
		t.Fatalf("expected invalid month to fail")
	}
}

func TestSnapshotJSONNullIV(t *testing.T) {
	iv := 0.55
	snap := OptionsSnapshot{
		Strikes:         []float64{95000, 97500},
		CallVolByStrike: []float64{0, 5},
		PutVolByStrike:  []float64{0, 0},
		IVByStrike:      []*float64{nil, &iv},
		Meta:            SnapshotMeta{Source: "binance", Expiries: []string{"2026-01-31"}},
	}
	data, err := json.Marshal(snap)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	s := string(data)
	if !strings.Contains(s, `"ivByStrike":[null,0.55]`) {
		t.Fatalf("expected null iv entry, got %s", s)
	}
	if strings.Contains(s, `"fallback"`) {
		t.Fatalf("fallback should be omitted when empty: %s", s)
	}
}

func TestSourceUnavailableError(t *testing.T) {
	timeout := errors.New("deadline exceeded")
	err := fmt.Errorf("refresh: %w", &SourceUnavailableError{
		Op: "FetchIndexPrice",
		Failures: []SourceFailure{
			{Source: "binance", Err: timeout},
			{Source: "bybit", Err: errors.New("retCode 10001")},
		},
	})
	if !errors.Is(err, ErrSourceUnavailable) {
		t.Fatalf("expected ErrSourceUnavailable in chain")
	}
	if !errors.Is(err, timeout) {
		t.Fatalf("expected per-source failure in chain")
	}
	var sue *SourceUnavailableError
	if !errors.As(err, &sue) || len(sue.Failures) != 2 {
		t.Fatalf("expected both failures, got %v", sue)
	}
	if !strings.Contains(err.Error(), "binance") || !strings.Contains(err.Error(), "bybit") {
		t.Fatalf("message should name both sources: %s", err)
	}
}
