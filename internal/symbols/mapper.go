package symbols

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"optionflow/models"
)

const (
	canonicalDate = "060102"
	bybitDate     = "2Jan06"
)

// Option is a parsed canonical option symbol.
type Option struct {
	Asset  models.Asset
	Expiry string
	Strike float64
	Type   models.OptionType
}

// Format builds the canonical symbol ASSET-YYMMDD-STRIKE-C|P, which is the
// Binance options format.
func Format(asset models.Asset, expiry string, strike float64, t models.OptionType) (string, error) {
	d, err := models.ParseExpiry(expiry)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%s-%s-%s", asset, d.Format(canonicalDate), formatStrike(strike), t), nil
}

func formatStrike(strike float64) string {
	return strconv.FormatFloat(strike, 'f', -1, 64)
}

// ToCanonical converts an exchange option symbol to the canonical format.
// Unknown shapes are returned upper-cased and unchanged.
// Currently supported exchanges: binance, bybit.
func ToCanonical(exchange, sym string) string {
	sym = strings.ToUpper(strings.TrimSpace(sym))
	switch strings.ToLower(exchange) {
	case "bybit":
		// BTC-31JAN26-97500-C and the USDT settled BTC-31JAN26-97500-C-USDT
		parts := strings.Split(sym, "-")
		if len(parts) == 5 {
			parts = parts[:4]
		}
		if len(parts) != 4 {
			return sym
		}
		d, err := time.Parse(bybitDate, titleMonth(parts[1]))
		if err != nil {
			return sym
		}
		parts[1] = d.Format(canonicalDate)
		return strings.Join(parts, "-")
	default:
		// binance already uses the canonical format
	}
	return sym
}

// titleMonth turns 31JAN26 into 31Jan26 so time.Parse accepts it.
func titleMonth(s string) string {
	i := strings.IndexFunc(s, func(r rune) bool { return r < '0' || r > '9' })
	if i < 0 || len(s) < i+3 {
		return s
	}
	return s[:i] + s[i:i+1] + strings.ToLower(s[i+1:i+3]) + s[i+3:]
}

// Parse splits a canonical symbol into its parts.
func Parse(sym string) (Option, error) {
	parts := strings.Split(sym, "-")
	if len(parts) != 4 {
		return Option{}, fmt.Errorf("malformed option symbol %q", sym)
	}
	asset, err := models.ParseAsset(parts[0])
	if err != nil {
		return Option{}, err
	}
	d, err := time.Parse(canonicalDate, parts[1])
	if err != nil {
		return Option{}, fmt.Errorf("malformed expiry in %q: %w", sym, err)
	}
	strike, err := strconv.ParseFloat(parts[2], 64)
	if err != nil || strike <= 0 {
		return Option{}, fmt.Errorf("malformed strike in %q", sym)
	}
	t := models.OptionType(parts[3])
	if !t.Valid() {
		return Option{}, fmt.Errorf("malformed option type in %q", sym)
	}
	return Option{Asset: asset, Expiry: d.Format(models.ExpiryLayout), Strike: strike, Type: t}, nil
}

// BybitExpiry renders a canonical expiry as Bybit's expDate query value (31JAN26).
func BybitExpiry(expiry string) (string, error) {
	d, err := models.ParseExpiry(expiry)
	if err != nil {
		return "", err
	}
	return strings.ToUpper(d.Format(bybitDate)), nil
}
