package rate

import (
	"net/http"
	"strings"

	"optionflow/internal/metrics"
	"optionflow/logger"
)

// ReportRateLimitExceeded counts a throttled request against exchange and endpoint.
func ReportRateLimitExceeded(log *logger.Log, exchange, endpoint string) {
	component := strings.ToLower(exchange) + "_source"
	fields := logger.Fields{"exchange": strings.ToLower(exchange), "endpoint": endpoint}
	metrics.EmitMetric(log, component, "rate_limit_exceeded", int64(1), "counter", fields)
	log.WithComponent(component).WithFields(fields).Warn("rate limit exceeded")
}

// ReportIPBan counts a request refused because the outbound IP is banned.
func ReportIPBan(log *logger.Log, exchange, endpoint string) {
	component := strings.ToLower(exchange) + "_source"
	fields := logger.Fields{"exchange": strings.ToLower(exchange), "endpoint": endpoint}
	metrics.EmitMetric(log, component, "ip_ban", int64(1), "counter", fields)
	log.WithComponent(component).WithFields(fields).Error("ip banned")
}

// detectLimit classifies an exchange error message. Status 429 and 418 are
// Binance's throttle and ban codes and win over the message text.
func detectLimit(exchange, msg string, status int) (rateLimit bool, ipBan bool) {
	switch status {
	case http.StatusTooManyRequests:
		return true, false
	case http.StatusTeapot:
		return false, true
	}

	lowerMsg := strings.ToLower(msg)
	switch strings.ToLower(exchange) {
	case "binance":
		rateLimit = strings.Contains(lowerMsg, "too many requests") || strings.Contains(lowerMsg, "rate limit")
		ipBan = strings.Contains(lowerMsg, "ip") && strings.Contains(lowerMsg, "ban")
	case "bybit":
		ipBan = strings.Contains(lowerMsg, "ip rate limit") || (strings.Contains(lowerMsg, "ip") && strings.Contains(lowerMsg, "ban"))
		rateLimit = !ipBan && (strings.Contains(lowerMsg, "rate limit") || strings.Contains(lowerMsg, "too many requests") || strings.Contains(lowerMsg, "too many visits"))
	default:
		rateLimit = strings.Contains(lowerMsg, "rate limit") || strings.Contains(lowerMsg, "too many requests")
		ipBan = strings.Contains(lowerMsg, "ip") && strings.Contains(lowerMsg, "ban")
	}
	return
}

// ReportLimitFromMessage records rate limit or ban events found in an error
// response. Anything else is ignored.
func ReportLimitFromMessage(log *logger.Log, exchange, endpoint, msg string, status int) {
	rateLimit, ipBan := detectLimit(exchange, msg, status)
	if rateLimit {
		ReportRateLimitExceeded(log, exchange, endpoint)
	}
	if ipBan {
		ReportIPBan(log, exchange, endpoint)
	}
}
