package models

// StrikeVolume is the traded quantity on one strike, split by option type.
type StrikeVolume struct {
	Strike     float64 `json:"strike"`
	CallVolume float64 `json:"callVolume"`
	PutVolume  float64 `json:"putVolume"`
}

// IVData is the implied volatility quoted for one strike.
type IVData struct {
	Strike float64 `json:"strike"`
	IV     float64 `json:"iv"`
}

// SnapshotMeta records where the data came from. Source is the configured
// primary; Fallback names the source that answered when the primary did not.
type SnapshotMeta struct {
	Source   string   `json:"source"`
	Fallback string   `json:"fallback,omitempty"`
	Expiries []string `json:"expiries"`
}

// OptionsSnapshot is the published per asset, per expiry document. The four
// strike arrays are parallel and ascending by strike. IVByStrike holds nil
// where a strike has no quote.
type OptionsSnapshot struct {
	UpdatedAt       int64        `json:"updatedAt"`
	SessionStart    int64        `json:"sessionStart"`
	UnderlyingPrice float64      `json:"underlyingPrice"`
	AtmStrike       float64      `json:"atmStrike"`
	Strikes         []float64    `json:"strikes"`
	CallVolByStrike []float64    `json:"callVolByStrike"`
	PutVolByStrike  []float64    `json:"putVolByStrike"`
	IVByStrike      []*float64   `json:"ivByStrike"`
	Meta            SnapshotMeta `json:"meta"`
}

// State is the per asset processing cursor persisted next to the snapshots.
type State struct {
	LastTradeID      string   `json:"lastTradeId"`
	LastTradeTs      int64    `json:"lastTradeTs"`
	LastRunAt        int64    `json:"lastRunAt"`
	ChainVersion     uint64   `json:"chainVersion"`
	BoundaryTradeIDs []string `json:"boundaryTradeIds,omitempty"`
}

// ChainDocument is the persisted copy of an asset's instrument chain.
type ChainDocument struct {
	Asset       Asset        `json:"asset"`
	Instruments []Instrument `json:"instruments"`
	Version     uint64       `json:"version"`
	UpdatedAt   int64        `json:"updatedAt"`
}
