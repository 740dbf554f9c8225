package rate

import (
	"net/http"
	"strconv"
	"strings"

	"optionflow/internal/metrics"
	"optionflow/logger"
)

// usedWeight reads the request weight an exchange reports as consumed.
// Binance sends X-MBX-USED-WEIGHT-1M; Bybit sends a limit and a remainder.
func usedWeight(exchange string, header http.Header) (int64, bool) {
	switch strings.ToLower(exchange) {
	case "binance":
		v := header.Get("X-MBX-USED-WEIGHT-1M")
		if v == "" {
			return 0, false
		}
		used, err := strconv.ParseInt(v, 10, 64)
		return used, err == nil
	case "bybit":
		limitStr := header.Get("X-Bapi-Limit")
		remainingStr := header.Get("X-Bapi-Limit-Status")
		if limitStr == "" || remainingStr == "" {
			return 0, false
		}
		limit, err1 := strconv.ParseInt(limitStr, 10, 64)
		remaining, err2 := strconv.ParseInt(remainingStr, 10, 64)
		if err1 != nil || err2 != nil {
			return 0, false
		}
		return max(limit-remaining, 0), true
	default:
		return 0, false
	}
}

// ReportUsedWeight emits a used_weight gauge when the response carries one.
func ReportUsedWeight(log *logger.Log, exchange string, header http.Header) {
	used, ok := usedWeight(exchange, header)
	if !ok {
		return
	}
	component := strings.ToLower(exchange) + "_source"
	metrics.EmitMetric(log, component, "used_weight", used, "gauge", logger.Fields{"exchange": strings.ToLower(exchange)})
}
