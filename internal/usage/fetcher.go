package usage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// HTTPFetcher calls the upstream usage endpoint with a plain
// bearer-authenticated GET.
type HTTPFetcher struct {
	URL        string
	HTTPClient *http.Client
}

// NewHTTPFetcher builds an HTTPFetcher with a sane default timeout.
func NewHTTPFetcher(url string, timeout time.Duration) *HTTPFetcher {
	return &HTTPFetcher{URL: url, HTTPClient: &http.Client{Timeout: timeout}}
}

type usagePayload struct {
	RateLimits *struct {
		Primary   *usageWindow `json:"primary_window"`
		Secondary *usageWindow `json:"secondary_window"`
	} `json:"rate_limits"`
	RuntimeReset *float64 `json:"runtime_reset_at"`
	Credits      *struct {
		HasCredits bool        `json:"has_credits"`
		Unlimited  bool        `json:"unlimited"`
		Balance    interface{} `json:"balance"`
	} `json:"credits"`
}

type usageWindow struct {
	UsedPercent        *float64 `json:"used_percent"`
	ResetAt            *float64 `json:"reset_at"`
	LimitWindowSeconds int      `json:"limit_window_seconds"`
	InputTokens        *int64   `json:"input_tokens"`
	OutputTokens       *int64   `json:"output_tokens"`
}

// FetchUsage implements Fetcher.
func (f *HTTPFetcher) FetchUsage(ctx context.Context, accessToken string) (Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL, nil)
	if err != nil {
		return Response{}, fmt.Errorf("usage: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := f.HTTPClient.Do(req)
	if err != nil {
		return Response{}, &StatusError{Err: fmt.Errorf("usage: request failed: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, &StatusError{StatusCode: resp.StatusCode, Err: fmt.Errorf("usage: read body: %w", err)}
	}

	if resp.StatusCode != http.StatusOK {
		return Response{}, &StatusError{StatusCode: resp.StatusCode, Err: fmt.Errorf("usage: upstream status %d", resp.StatusCode)}
	}

	var payload usagePayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return Response{}, &StatusError{StatusCode: resp.StatusCode, Err: fmt.Errorf("usage: decode response: %w", err)}
	}

	out := Response{RuntimeReset: payload.RuntimeReset}
	if payload.RateLimits != nil {
		out.Primary = toWindowSample(payload.RateLimits.Primary)
		out.Secondary = toWindowSample(payload.RateLimits.Secondary)
	}
	if payload.Credits != nil {
		out.Credits = &CreditsSample{
			HasCredits: payload.Credits.HasCredits,
			Unlimited:  payload.Credits.Unlimited,
			Balance:    parseCreditsBalance(payload.Credits.Balance),
		}
	}
	return out, nil
}

func toWindowSample(w *usageWindow) *WindowSample {
	if w == nil {
		return nil
	}
	return &WindowSample{
		UsedPercent:        w.UsedPercent,
		ResetAt:            w.ResetAt,
		LimitWindowSeconds: w.LimitWindowSeconds,
		InputTokens:        w.InputTokens,
		OutputTokens:       w.OutputTokens,
	}
}

// parseCreditsBalance accepts the upstream balance as a number or a numeric
// string, matching original_source's _parse_credits_balance.
func parseCreditsBalance(v interface{}) float64 {
	switch val := v.(type) {
	case float64:
		return val
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil {
			return f
		}
	}
	return 0
}
