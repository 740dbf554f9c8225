package processor

import (
	"errors"
	"math"
	"testing"
	"time"

	"optionflow/models"
)

func TestAtmStrike(t *testing.T) {
	strikes := []float64{90000, 92500, 95000, 97500, 100000}
	tests := []struct {
		name  string
		price float64
		want  float64
	}{
		{"nearest", 97500.50, 97500},
		{"below range", 10, 90000},
		{"above range", 250000, 100000},
		{"tie goes lower", 96250, 95000},
		{"exact", 92500, 92500},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := AtmStrike(strikes, tt.price)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}

	if _, err := AtmStrike(nil, 1); !errors.Is(err, models.ErrSnapshotNotReady) {
		t.Fatalf("expected ErrSnapshotNotReady, got %v", err)
	}
}

func chain() []models.Instrument {
	var out []models.Instrument
	for _, k := range []float64{100000, 90000, 97500, 92500, 95000} {
		out = append(out, btc("c", k, models.Call), btc("p", k, models.Put))
	}
	return out
}

func TestBuildSnapshot(t *testing.T) {
	session := time.Date(2026, 1, 30, 8, 0, 0, 0, time.UTC)
	now := session.Add(time.Hour)

	snap, err := BuildSnapshot(SnapshotInput{
		Asset:           models.AssetBTC,
		Instruments:     chain(),
		UnderlyingPrice: 97500.50,
		Volume:          []models.StrikeVolume{{Strike: 97500, CallVolume: 5}, {Strike: 120000, PutVolume: 9}},
		IV:              []models.IVData{{Strike: 95000, IV: 0.52}},
		SessionStart:    session,
		UpdatedAt:       now,
		Meta:            models.SnapshotMeta{Source: "binance", Expiries: []string{"2026-01-31"}},
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	wantStrikes := []float64{90000, 92500, 95000, 97500, 100000}
	if len(snap.Strikes) != len(wantStrikes) {
		t.Fatalf("strikes %v", snap.Strikes)
	}
	for i, k := range wantStrikes {
		if snap.Strikes[i] != k {
			t.Fatalf("strikes %v", snap.Strikes)
		}
	}
	if snap.AtmStrike != 97500 {
		t.Fatalf("atm %v", snap.AtmStrike)
	}
	if snap.CallVolByStrike[3] != 5 || snap.PutVolByStrike[3] != 0 {
		t.Fatalf("volume row %v/%v", snap.CallVolByStrike[3], snap.PutVolByStrike[3])
	}
	if snap.IVByStrike[2] == nil || *snap.IVByStrike[2] != 0.52 {
		t.Fatalf("iv at 95000 %v", snap.IVByStrike[2])
	}
	if snap.IVByStrike[0] != nil {
		t.Fatalf("expected nil iv for unquoted strike")
	}
	if snap.SessionStart != session.UnixMilli() || snap.UpdatedAt != now.UnixMilli() {
		t.Fatalf("timestamps %d %d", snap.SessionStart, snap.UpdatedAt)
	}
}

func TestBuildSnapshotNotReady(t *testing.T) {
	if _, err := BuildSnapshot(SnapshotInput{Asset: models.AssetBTC, UnderlyingPrice: 1}); !errors.Is(err, models.ErrSnapshotNotReady) {
		t.Fatalf("empty chain: %v", err)
	}
	if _, err := BuildSnapshot(SnapshotInput{Asset: models.AssetBTC, Instruments: chain()}); !errors.Is(err, models.ErrSnapshotNotReady) {
		t.Fatalf("no price: %v", err)
	}
}

func TestValidateSnapshot(t *testing.T) {
	iv := 0.5
	bad := -0.1
	valid := func() models.OptionsSnapshot {
		return models.OptionsSnapshot{
			UnderlyingPrice: 97000,
			AtmStrike:       97500,
			Strikes:         []float64{95000, 97500},
			CallVolByStrike: []float64{0, 1},
			PutVolByStrike:  []float64{0, 0},
			IVByStrike:      []*float64{nil, &iv},
		}
	}
	if err := ValidateSnapshot(valid()); err != nil {
		t.Fatalf("valid snapshot rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(s *models.OptionsSnapshot)
	}{
		{"length mismatch", func(s *models.OptionsSnapshot) { s.PutVolByStrike = s.PutVolByStrike[:1] }},
		{"not ascending", func(s *models.OptionsSnapshot) { s.Strikes = []float64{97500, 95000} }},
		{"duplicate strike", func(s *models.OptionsSnapshot) { s.Strikes = []float64{97500, 97500} }},
		{"atm not listed", func(s *models.OptionsSnapshot) { s.AtmStrike = 96000 }},
		{"nan volume", func(s *models.OptionsSnapshot) { s.CallVolByStrike[0] = math.NaN() }},
		{"negative iv", func(s *models.OptionsSnapshot) { s.IVByStrike[0] = &bad }},
		{"empty", func(s *models.OptionsSnapshot) { *s = models.OptionsSnapshot{} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := valid()
			tt.mutate(&s)
			if err := ValidateSnapshot(s); !errors.Is(err, models.ErrAggregationInvariant) {
				t.Fatalf("expected ErrAggregationInvariant, got %v", err)
			}
		})
	}
}
