package accountpool

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// foldCase is the case folder used throughout plan-type normalization,
// shared rather than constructed per call.
var foldCase = cases.Lower(language.Und)

// AccountPlanTypes is the recognized, canonical set of account plan types.
var AccountPlanTypes = map[string]struct{}{
	"free": {}, "plus": {}, "pro": {}, "team": {}, "business": {}, "enterprise": {}, "edu": {},
}

// RateLimitPlanTypes is the broader set recognized when normalizing the
// plan type attached to a rate-limit error payload, a superset of
// AccountPlanTypes plus a handful of rate-limit-only labels.
var RateLimitPlanTypes = func() map[string]struct{} {
	m := map[string]struct{}{
		"guest": {}, "go": {}, "free_workspace": {}, "education": {}, "quorum": {}, "k12": {},
	}
	for k := range AccountPlanTypes {
		m[k] = struct{}{}
	}
	return m
}()

// PlanTypePriority orders plan labels from most to least privileged, used
// to pick one representative label when several eligible accounts carry
// different plans.
var PlanTypePriority = []string{
	"enterprise", "business", "team", "pro", "plus",
	"education", "edu", "free_workspace", "free", "go", "guest", "quorum", "k12",
}

func cleanPlanType(value string) (string, bool) {
	cleaned := strings.TrimSpace(value)
	if cleaned == "" {
		return "", false
	}
	return cleaned, true
}

// NormalizeAccountPlanType lower-cases and returns the value only if it is
// in the recognized account-plan set; otherwise "", false.
func NormalizeAccountPlanType(value string) (string, bool) {
	cleaned, ok := cleanPlanType(value)
	if !ok {
		return "", false
	}
	normalized := foldCase.String(cleaned)
	if _, known := AccountPlanTypes[normalized]; known {
		return normalized, true
	}
	return "", false
}

// CanonicalizeAccountPlanType lower-cases and canonicalizes recognized plan
// types; unrecognized but non-empty values are preserved trimmed, not
// lower-cased. Empty input returns "", false (spec testable property 8).
func CanonicalizeAccountPlanType(value string) (string, bool) {
	cleaned, ok := cleanPlanType(value)
	if !ok {
		return "", false
	}
	normalized := foldCase.String(cleaned)
	if _, known := AccountPlanTypes[normalized]; known {
		return normalized, true
	}
	return cleaned, true
}

// CoerceAccountPlanType canonicalizes value, falling back to default when
// value is empty or fails to canonicalize.
func CoerceAccountPlanType(value, fallback string) string {
	cleaned, ok := cleanPlanType(value)
	if !ok {
		return fallback
	}
	canonical, ok := CanonicalizeAccountPlanType(cleaned)
	if !ok {
		return fallback
	}
	return canonical
}

// NormalizeRateLimitPlanType lower-cases and returns the value only if it
// is in the broader rate-limit plan set; otherwise "", false.
func NormalizeRateLimitPlanType(value string) (string, bool) {
	cleaned, ok := cleanPlanType(value)
	if !ok {
		return "", false
	}
	normalized := foldCase.String(cleaned)
	if _, known := RateLimitPlanTypes[normalized]; known {
		return normalized, true
	}
	return "", false
}

// PlanTypeForAccounts picks the single representative plan label across a
// set of accounts: the common plan if they all agree, else the
// highest-priority plan among them, else "guest".
func PlanTypeForAccounts(accounts []*Account) string {
	seen := make(map[string]struct{})
	var normalized []string
	for _, a := range accounts {
		plan, ok := NormalizeRateLimitPlanType(a.PlanType)
		if !ok {
			continue
		}
		normalized = append(normalized, plan)
		seen[plan] = struct{}{}
	}
	if len(normalized) == 0 {
		return "guest"
	}
	if len(seen) == 1 {
		return normalized[0]
	}
	for _, candidate := range PlanTypePriority {
		if _, ok := seen[candidate]; ok {
			return candidate
		}
	}
	return "guest"
}
