// Package classifier parses the upstream error envelope returned on a
// non-2xx Responses API call and normalizes it into a structured Error
// the balancer and router can act on, per spec §4.I.
package classifier

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Error is the normalized view of an upstream error envelope, carrying the
// rate-limit metadata (plan_type, resets_at, resets_in_seconds) that the
// router attaches to the client-facing response and feeds to the balancer.
type Error struct {
	Code            string
	Message         string
	Type            string
	Param           string
	PlanType        string
	ResetsAt        *float64
	ResetsInSeconds *float64
}

// envelope mirrors {"error": {...}}. The "error" field itself may arrive as
// a bare string or as a structured object; rawError captures both shapes.
type envelope struct {
	Error rawError `json:"error"`
}

// rawError is the tagged variant spec §9 calls for: a string error or a
// structured object, sharing one set of accessors.
type rawError struct {
	asString  string
	fields    structuredErrorFields
	isString  bool
	isObject  bool
}

type structuredErrorFields struct {
	Message         string      `json:"message"`
	Type            string      `json:"type"`
	Code            string      `json:"code"`
	Param           string      `json:"param"`
	PlanType        string      `json:"plan_type"`
	ResetsAt        interface{} `json:"resets_at"`
	ResetsInSeconds interface{} `json:"resets_in_seconds"`
}

func (r *rawError) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		r.asString = s
		r.isString = true
		return nil
	}
	var f structuredErrorFields
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	r.fields = f
	r.isObject = true
	return nil
}

// Parse reads an upstream error body and returns the normalized Error.
// A body that isn't valid JSON, or carries no error object at all, still
// yields an Error with a synthesized code (spec: "upstream_error" or
// "http_<status>").
func Parse(body []byte, httpStatus int) Error {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Error{Code: synthesizeCode("", httpStatus)}
	}

	out := Error{}
	switch {
	case env.Error.isString:
		out.Message = env.Error.asString
	case env.Error.isObject:
		f := env.Error.fields
		out.Message = f.Message
		out.Type = f.Type
		out.Param = f.Param
		out.PlanType = f.PlanType
		out.Code = f.Code
		out.ResetsAt = coerceNumber(f.ResetsAt)
		out.ResetsInSeconds = coerceNumber(f.ResetsInSeconds)
	}

	out.Code = normalizeCode(out.Code, out.Type, httpStatus)
	return out
}

// normalizeCode lower-cases the explicit code; falls back to the error
// type, then to a synthesized "upstream_error"/"http_<status>" value.
func normalizeCode(code, errType string, httpStatus int) string {
	if code != "" {
		return strings.ToLower(code)
	}
	if errType != "" {
		return strings.ToLower(errType)
	}
	return synthesizeCode("", httpStatus)
}

func synthesizeCode(fallback string, httpStatus int) string {
	if fallback != "" {
		return fallback
	}
	if httpStatus > 0 {
		return "http_" + strconv.Itoa(httpStatus)
	}
	return "upstream_error"
}

// coerceNumber accepts int, float64 (as decoded by encoding/json), or a
// numeric string, returning nil when the field is absent or unparseable.
func coerceNumber(v interface{}) *float64 {
	switch t := v.(type) {
	case nil:
		return nil
	case float64:
		return &t
	case string:
		if t == "" {
			return nil
		}
		if f, err := strconv.ParseFloat(t, 64); err == nil {
			return &f
		}
		return nil
	default:
		return nil
	}
}

// Quota codes identify a saturated-quota outcome (spec §4.G step 6).
var quotaCodes = map[string]struct{}{
	"quota_exceeded":     {},
	"insufficient_quota": {},
}

// IsQuotaCode reports whether a normalized error code signals quota
// exhaustion rather than a transient rate limit.
func IsQuotaCode(code string) bool {
	_, ok := quotaCodes[code]
	return ok
}

// rateLimitCodes identify a documented transient rate-limit outcome beyond
// plain HTTP 429.
var rateLimitCodes = map[string]struct{}{
	"rate_limit_exceeded": {},
	"rate_limited":         {},
}

// IsRateLimitCode reports whether a normalized error code signals a
// transient rate limit.
func IsRateLimitCode(code string) bool {
	_, ok := rateLimitCodes[code]
	return ok
}
