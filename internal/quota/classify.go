package quota

import "strings"

// Category is the failure class assigned to an upstream error.
type Category string

const (
	// CategoryNone marks the absence of an error, e.g. after a success.
	CategoryNone        Category = ""
	CategoryRateLimited Category = "rate_limited"
	CategoryServerError Category = "server_error"
	CategoryNetwork     Category = "network"
	CategoryFatal       Category = "fatal"
	CategoryOther       Category = "other"
)

// Failure describes one upstream error as reported by a provider call
// site. Any field may be absent; a zero Failure classifies as
// CategoryOther.
type Failure struct {
	Code       string `json:"code,omitempty"`
	HTTPStatus int    `json:"http_status,omitempty"`
	Fatal      bool   `json:"fatal,omitempty"`
}

// rateLimitWords is the vocabulary of provider error codes that signal
// rate or quota exhaustion regardless of HTTP status.
var rateLimitWords = []string{
	"rate_limit",
	"rate-limit",
	"ratelimit",
	"too_many_requests",
	"resource_exhausted",
	"quota",
	"overloaded",
}

// networkCodes is the set of transport-level error codes reported by
// upstream HTTP clients. Matched exactly, case-insensitive.
var networkCodes = map[string]bool{
	"ECONNRESET":   true,
	"ECONNREFUSED": true,
	"ECONNABORTED": true,
	"ETIMEDOUT":    true,
	"EPIPE":        true,
	"EAI_AGAIN":    true,
	"ENOTFOUND":    true,
	"EHOSTUNREACH": true,
	"ENETUNREACH":  true,
}

// fatalWords is the vocabulary of codes that indicate a credential or
// configuration problem no amount of retrying will fix.
var fatalWords = []string{
	"unauthorized",
	"invalid_api_key",
	"authentication",
	"permission_denied",
	"forbidden",
	"account_deactivated",
	"billing",
}

// Classify maps a failure descriptor to a Category. Rules are checked in
// order: explicit fatal flag, rate limiting (status 429 or code
// vocabulary), 5xx, known network codes, fatal code vocabulary, and
// finally CategoryOther. Pure: the same input always yields the same
// category, and malformed or empty descriptors never fail.
func Classify(f Failure) Category {
	code := strings.ToLower(f.Code)

	switch {
	case f.Fatal:
		return CategoryFatal
	case f.HTTPStatus == 429 || containsAny(code, rateLimitWords):
		return CategoryRateLimited
	case f.HTTPStatus >= 500:
		return CategoryServerError
	case networkCodes[strings.ToUpper(f.Code)]:
		return CategoryNetwork
	case containsAny(code, fatalWords):
		return CategoryFatal
	default:
		return CategoryOther
	}
}

func containsAny(s string, words []string) bool {
	if s == "" {
		return false
	}
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
