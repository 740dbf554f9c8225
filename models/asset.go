package models

import (
	"fmt"
	"strings"
	"time"
)

// Asset is an underlying with a listed options market.
type Asset string

const (
	AssetBTC Asset = "BTC"
	AssetETH Asset = "ETH"
)

// ExpiryLayout is the canonical expiry date format used in store paths and snapshots.
const ExpiryLayout = "2006-01-02"

// ParseAsset accepts asset names case-insensitively.
func ParseAsset(s string) (Asset, error) {
	switch Asset(strings.ToUpper(strings.TrimSpace(s))) {
	case AssetBTC:
		return AssetBTC, nil
	case AssetETH:
		return AssetETH, nil
	default:
		return "", fmt.Errorf("unsupported asset %q", s)
	}
}

func (a Asset) String() string {
	return string(a)
}

// IndexSymbol is the USDT index the options settle against.
func (a Asset) IndexSymbol() string {
	return string(a) + "USDT"
}

// ParseExpiry validates a YYYY-MM-DD expiry.
func ParseExpiry(s string) (time.Time, error) {
	t, err := time.Parse(ExpiryLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid expiry %q: %w", s, err)
	}
	return t, nil
}

// ExpiryFromMillis converts a delivery timestamp to its canonical expiry date.
func ExpiryFromMillis(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(ExpiryLayout)
}
