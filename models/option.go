package models

// OptionType is the call/put flag, serialized as "C" or "P".
type OptionType string

const (
	Call OptionType = "C"
	Put  OptionType = "P"
)

func (t OptionType) Valid() bool {
	return t == Call || t == Put
}

// Instrument is one listed option contract. Symbol is always canonical,
// see internal/symbols.
type Instrument struct {
	Symbol     string     `json:"symbol"`
	Strike     float64    `json:"strike"`
	OptionType OptionType `json:"cp"`
	Expiry     string     `json:"expiry"`
	BaseAsset  Asset      `json:"baseAsset"`
}

// Ticker is a mark quote for one option contract.
type Ticker struct {
	Symbol            string  `json:"symbol"`
	MarkPrice         float64 `json:"markPrice"`
	IndexPrice        float64 `json:"indexPrice"`
	ImpliedVolatility float64 `json:"impliedVolatility"`
	Delta             float64 `json:"delta"`
	Gamma             float64 `json:"gamma"`
	Theta             float64 `json:"theta"`
	Vega              float64 `json:"vega"`
}

// IndexPrice is the underlying spot index.
type IndexPrice struct {
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	Timestamp int64   `json:"timestamp"`
}

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Trade is a public option print. Timestamp is unix milliseconds.
type Trade struct {
	ID        string  `json:"id"`
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	Quantity  float64 `json:"quantity"`
	Timestamp int64   `json:"timestamp"`
	Side      Side    `json:"side"`
}
