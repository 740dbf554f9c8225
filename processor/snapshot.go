package processor

import (
	"fmt"
	"math"
	"sort"
	"time"

	"optionflow/models"
)

// SnapshotInput carries the latest pieces of one (asset, expiry).
type SnapshotInput struct {
	Asset           models.Asset
	Instruments     []models.Instrument
	UnderlyingPrice float64
	Volume          []models.StrikeVolume
	IV              []models.IVData
	SessionStart    time.Time
	UpdatedAt       time.Time
	Meta            models.SnapshotMeta
}

// BuildSnapshot lays the pieces out on the chain's strikes. Volume is zero
// filled and IV is nil filled for strikes without data.
func BuildSnapshot(in SnapshotInput) (models.OptionsSnapshot, error) {
	strikes := Strikes(in.Asset, in.Instruments)
	if len(strikes) == 0 {
		return models.OptionsSnapshot{}, fmt.Errorf("%w: no strikes in chain", models.ErrSnapshotNotReady)
	}
	if in.UnderlyingPrice <= 0 || !finite(in.UnderlyingPrice) {
		return models.OptionsSnapshot{}, fmt.Errorf("%w: no underlying price", models.ErrSnapshotNotReady)
	}

	vol := make(map[float64]models.StrikeVolume, len(in.Volume))
	for _, v := range in.Volume {
		vol[v.Strike] = v
	}
	iv := make(map[float64]float64, len(in.IV))
	for _, d := range in.IV {
		iv[d.Strike] = d.IV
	}

	snap := models.OptionsSnapshot{
		UpdatedAt:       in.UpdatedAt.UnixMilli(),
		SessionStart:    in.SessionStart.UnixMilli(),
		UnderlyingPrice: in.UnderlyingPrice,
		Strikes:         strikes,
		CallVolByStrike: make([]float64, len(strikes)),
		PutVolByStrike:  make([]float64, len(strikes)),
		IVByStrike:      make([]*float64, len(strikes)),
		Meta:            in.Meta,
	}
	for i, k := range strikes {
		snap.CallVolByStrike[i] = vol[k].CallVolume
		snap.PutVolByStrike[i] = vol[k].PutVolume
		if v, ok := iv[k]; ok {
			v := v
			snap.IVByStrike[i] = &v
		}
	}

	atm, err := AtmStrike(strikes, in.UnderlyingPrice)
	if err != nil {
		return models.OptionsSnapshot{}, err
	}
	snap.AtmStrike = atm

	if err := ValidateSnapshot(snap); err != nil {
		return models.OptionsSnapshot{}, err
	}
	return snap, nil
}

// Strikes returns the distinct ascending strikes of the asset's instruments.
func Strikes(asset models.Asset, instruments []models.Instrument) []float64 {
	seen := make(map[float64]struct{}, len(instruments))
	out := make([]float64, 0, len(instruments))
	for _, in := range instruments {
		if in.BaseAsset != asset || in.Strike <= 0 {
			continue
		}
		if _, ok := seen[in.Strike]; ok {
			continue
		}
		seen[in.Strike] = struct{}{}
		out = append(out, in.Strike)
	}
	sort.Float64s(out)
	return out
}

// AtmStrike is the strike nearest to price. On a tie the lower strike wins.
func AtmStrike(strikes []float64, price float64) (float64, error) {
	if len(strikes) == 0 {
		return 0, fmt.Errorf("%w: no strikes", models.ErrSnapshotNotReady)
	}
	best := strikes[0]
	bestDist := math.Abs(best - price)
	for _, k := range strikes[1:] {
		d := math.Abs(k - price)
		if d < bestDist || (d == bestDist && k < best) {
			best, bestDist = k, d
		}
	}
	return best, nil
}

// ValidateSnapshot enforces the published shape: parallel arrays, strictly
// ascending strikes, an ATM strike from the list and finite numbers.
func ValidateSnapshot(s models.OptionsSnapshot) error {
	n := len(s.Strikes)
	if n == 0 {
		return fmt.Errorf("%w: empty strikes", models.ErrAggregationInvariant)
	}
	if len(s.CallVolByStrike) != n || len(s.PutVolByStrike) != n || len(s.IVByStrike) != n {
		return fmt.Errorf("%w: array lengths %d/%d/%d/%d", models.ErrAggregationInvariant,
			n, len(s.CallVolByStrike), len(s.PutVolByStrike), len(s.IVByStrike))
	}
	atmFound := false
	for i, k := range s.Strikes {
		if !finite(k) || k <= 0 {
			return fmt.Errorf("%w: strike %v at %d", models.ErrAggregationInvariant, k, i)
		}
		if i > 0 && k <= s.Strikes[i-1] {
			return fmt.Errorf("%w: strikes not ascending at %d", models.ErrAggregationInvariant, i)
		}
		if k == s.AtmStrike {
			atmFound = true
		}
		if !finite(s.CallVolByStrike[i]) || !finite(s.PutVolByStrike[i]) || s.CallVolByStrike[i] < 0 || s.PutVolByStrike[i] < 0 {
			return fmt.Errorf("%w: volume at strike %v", models.ErrAggregationInvariant, k)
		}
		if v := s.IVByStrike[i]; v != nil && (!finite(*v) || *v <= 0) {
			return fmt.Errorf("%w: iv at strike %v", models.ErrAggregationInvariant, k)
		}
	}
	if !atmFound {
		return fmt.Errorf("%w: atm strike %v not listed", models.ErrAggregationInvariant, s.AtmStrike)
	}
	if !finite(s.UnderlyingPrice) {
		return fmt.Errorf("%w: underlying price", models.ErrAggregationInvariant)
	}
	return nil
}
