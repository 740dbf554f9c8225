// Package processor turns raw exchange data into the per strike arrays of an
// options snapshot. Everything here is pure: no I/O, no shared state.
package processor

import (
	"math"
	"sort"

	"github.com/shopspring/decimal"

	"optionflow/models"
)

type strikeSides struct {
	call decimal.Decimal
	put  decimal.Decimal
}

// AggregateVolume sums traded quantity per strike and option type. Every
// strike of the chain gets a row, traded or not. Trades whose symbol is not
// in the chain or belongs to another asset are ignored.
func AggregateVolume(asset models.Asset, trades []models.Trade, instruments []models.Instrument) []models.StrikeVolume {
	bySymbol := indexChain(asset, instruments)
	sums := make(map[float64]*strikeSides, len(bySymbol))
	for _, in := range bySymbol {
		if _, ok := sums[in.Strike]; !ok {
			sums[in.Strike] = &strikeSides{}
		}
	}

	for _, t := range trades {
		in, ok := bySymbol[t.Symbol]
		if !ok || !finite(t.Quantity) || t.Quantity <= 0 {
			continue
		}
		qty := decimal.NewFromFloat(t.Quantity)
		s := sums[in.Strike]
		if in.OptionType == models.Call {
			s.call = s.call.Add(qty)
		} else {
			s.put = s.put.Add(qty)
		}
	}

	out := make([]models.StrikeVolume, 0, len(sums))
	for strike, s := range sums {
		out = append(out, models.StrikeVolume{
			Strike:     strike,
			CallVolume: s.call.InexactFloat64(),
			PutVolume:  s.put.InexactFloat64(),
		})
	}
	sortVolume(out)
	return out
}

// MergeVolume folds delta into prev and returns a new ascending slice.
func MergeVolume(prev, delta []models.StrikeVolume) []models.StrikeVolume {
	sums := make(map[float64]*strikeSides, len(prev)+len(delta))
	add := func(rows []models.StrikeVolume) {
		for _, r := range rows {
			s, ok := sums[r.Strike]
			if !ok {
				s = &strikeSides{}
				sums[r.Strike] = s
			}
			s.call = s.call.Add(decimal.NewFromFloat(r.CallVolume))
			s.put = s.put.Add(decimal.NewFromFloat(r.PutVolume))
		}
	}
	add(prev)
	add(delta)

	out := make([]models.StrikeVolume, 0, len(sums))
	for strike, s := range sums {
		out = append(out, models.StrikeVolume{Strike: strike, CallVolume: s.call.InexactFloat64(), PutVolume: s.put.InexactFloat64()})
	}
	sortVolume(out)
	return out
}

// AggregateIV reduces ticker IV to one value per strike: the mean of the
// call and put IV, or the quoted side alone. Strikes with no positive IV
// are left out.
func AggregateIV(asset models.Asset, tickers []models.Ticker, instruments []models.Instrument) []models.IVData {
	bySymbol := indexChain(asset, instruments)
	type sides struct{ call, put float64 }
	quotes := make(map[float64]*sides)

	for _, tk := range tickers {
		in, ok := bySymbol[tk.Symbol]
		if !ok || !finite(tk.ImpliedVolatility) || tk.ImpliedVolatility <= 0 {
			continue
		}
		s, ok := quotes[in.Strike]
		if !ok {
			s = &sides{}
			quotes[in.Strike] = s
		}
		if in.OptionType == models.Call {
			s.call = tk.ImpliedVolatility
		} else {
			s.put = tk.ImpliedVolatility
		}
	}

	out := make([]models.IVData, 0, len(quotes))
	for strike, s := range quotes {
		iv := s.call
		switch {
		case s.call > 0 && s.put > 0:
			iv = (s.call + s.put) / 2
		case s.put > 0:
			iv = s.put
		}
		out = append(out, models.IVData{Strike: strike, IV: iv})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Strike < out[j].Strike })
	return out
}

func indexChain(asset models.Asset, instruments []models.Instrument) map[string]models.Instrument {
	bySymbol := make(map[string]models.Instrument, len(instruments))
	for _, in := range instruments {
		if in.BaseAsset != asset || in.Strike <= 0 || !in.OptionType.Valid() {
			continue
		}
		bySymbol[in.Symbol] = in
	}
	return bySymbol
}

func sortVolume(rows []models.StrikeVolume) {
	sort.Slice(rows, func(i, j int) bool { return rows[i].Strike < rows[j].Strike })
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
