package chain

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"
)

// JSON-RPC error codes providers use for throttling.
const (
	rpcCodeLimitExceeded  = -32005
	rpcCodeTooManyRequest = -32016
)

// Error-payload fragments that mean "throttled" regardless of code.
var rateLimitPatterns = []string{
	"rate limit",
	"rate-limit",
	"too many requests",
	"exceeded",
	"throttle",
}

// classifyRateLimitPayload inspects a JSON-RPC frame for throttling errors.
// Returns the offending code (0 for pattern-only matches) and whether the
// frame indicates a rate limit.
func classifyRateLimitPayload(raw []byte) (int, bool) {
	var frame struct {
		Error *rpcError `json:"error"`
	}
	if json.Unmarshal(raw, &frame) != nil || frame.Error == nil {
		return 0, false
	}
	if frame.Error.Code == rpcCodeLimitExceeded || frame.Error.Code == rpcCodeTooManyRequest {
		return frame.Error.Code, true
	}
	msg := strings.ToLower(frame.Error.Message)
	for _, pat := range rateLimitPatterns {
		if strings.Contains(msg, pat) {
			return frame.Error.Code, true
		}
	}
	return frame.Error.Code, false
}

// classifyCloseError reports whether a websocket close maps to throttling:
// 1008 (policy violation) and 1013 (try again later).
func classifyCloseError(err error) (int, bool) {
	if ce, ok := err.(*websocket.CloseError); ok {
		if ce.Code == websocket.ClosePolicyViolation || ce.Code == websocket.CloseTryAgainLater {
			return ce.Code, true
		}
		return ce.Code, false
	}
	return 0, false
}

// parseHexUint parses an 0x-prefixed hex quantity, ok=false on malformed
// input.
func parseHexUint(s string) (uint64, bool) {
	s = strings.TrimPrefix(s, "0x")
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
