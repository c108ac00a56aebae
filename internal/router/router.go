// Package router owns the proxied request lifecycle: select an account,
// ensure its token is fresh, translate the body if needed, forward
// upstream, observe the outcome, and retry within a bounded budget (spec
// §4.G).
package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"golang.org/x/net/http/httpguts"

	"github.com/hhsw2015/codex-lb/internal/accountpool"
	"github.com/hhsw2015/codex-lb/internal/authmgr"
	"github.com/hhsw2015/codex-lb/internal/balancer"
	"github.com/hhsw2015/codex-lb/internal/chatproto"
	"github.com/hhsw2015/codex-lb/internal/classifier"
	"github.com/hhsw2015/codex-lb/internal/codec"
	"github.com/hhsw2015/codex-lb/internal/events"
)

// Router forwards downstream requests to the account with the most
// remaining quota, recovering transient/rate-limit/quota/permanent-auth
// failures locally within MaxRetryAccounts attempts.
type Router struct {
	Pool    *balancer.Pool
	Repo    accountpool.Repository
	Codec   *codec.Codec
	AuthMgr *authmgr.Manager
	Bus     *events.Bus

	UpstreamURL string
	HTTPClient  *http.Client

	MaxRetryAccounts int
	BackoffBase      time.Duration
	BackoffFactor    float64
	BackoffCeiling   time.Duration
	MaxRequestBodyMB int
}

// fieldsToStripOutbound are stripped regardless of translation path (spec
// §3 invariant, mirrored in chatproto for the chat-completion path).
var fieldsToStripOutbound = []string{"max_output_tokens"}

// Handle implements the select -> ensure-fresh -> translate -> forward ->
// observe -> retry -> settle loop.
func (rt *Router) Handle(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()

	req.Body = http.MaxBytesReader(w, req.Body, int64(maxBodyMB(rt.MaxRequestBodyMB))<<20)
	rawBody, err := io.ReadAll(req.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "invalid_request_error", "request body exceeds size limit")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_request_error", "failed to read request body")
		return
	}

	var body map[string]interface{}
	if err := json.Unmarshal(rawBody, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON body")
		return
	}

	isChat := false
	if messages, ok := body["messages"]; ok && messages != nil {
		isChat = true
		if err := translateChatRequest(body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
			return
		}
	}

	if storeFlag, _ := body["store"].(bool); storeFlag {
		writeError(w, http.StatusBadRequest, "invalid_request_error", chatproto.ErrStoreNotAllowed.Error())
		return
	}
	for _, key := range fieldsToStripOutbound {
		delete(body, key)
	}
	model, _ := body["model"].(string)

	outboundBody, err := json.Marshal(body)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "api_error", "failed to encode request body")
		return
	}

	excluded := make(map[string]struct{})
	maxAttempts := rt.MaxRetryAccounts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	var lastErrMessage string
	var forcedRefreshDone bool

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return
		}

		selection := rt.selectExcluding(excluded)
		if selection.Account == nil {
			lastErrMessage = selection.ErrorMessage
			break
		}
		state := selection.Account

		acct, err := rt.Repo.GetAccount(state.AccountID)
		if err != nil || acct == nil {
			excluded[state.AccountID] = struct{}{}
			continue
		}

		acct, err = rt.AuthMgr.EnsureFresh(ctx, acct, false)
		if err != nil {
			var permErr *authmgr.PermanentRefreshError
			if errors.As(err, &permErr) {
				balancer.HandlePermanentFailure(state, "refresh_failed")
				rt.publish(events.EventDeactivated, state.AccountID, "token refresh failed: "+err.Error())
			} else {
				rt.publish(events.EventRefresh, state.AccountID, "token refresh failed, retrying elsewhere: "+err.Error())
			}
			excluded[state.AccountID] = struct{}{}
			continue
		}

		accessToken, err := rt.Codec.Decrypt(acct.AccessTokenEnc, acct.ID)
		if err != nil {
			excluded[state.AccountID] = struct{}{}
			continue
		}

		status, respBody, respHeader, streamErr := rt.forward(ctx, accessToken, outboundBody)
		if streamErr != nil {
			lastErrMessage = streamErr.Error()
			excluded[state.AccountID] = struct{}{}
			continue
		}

		if status == http.StatusUnauthorized && !forcedRefreshDone {
			forcedRefreshDone = true
			if _, err := rt.AuthMgr.EnsureFresh(ctx, acct, true); err == nil {
				attempt--
				continue
			} else {
				var permErr *authmgr.PermanentRefreshError
				if errors.As(err, &permErr) {
					balancer.HandlePermanentFailure(state, "unauthorized")
					rt.publish(events.EventDeactivated, state.AccountID, "forced refresh after 401 failed: "+err.Error())
				}
			}
			excluded[state.AccountID] = struct{}{}
			continue
		}

		if status >= 400 {
			upstreamErr := classifier.Parse(respBody, status)
			switch {
			case status == http.StatusTooManyRequests || classifier.IsRateLimitCode(upstreamErr.Code):
				balancer.HandleRateLimit(state, balancer.RateLimitPayload{Message: upstreamErr.Message}, balancer.Now(),
					rt.BackoffBase, rt.BackoffFactor, rt.BackoffCeiling)
				rt.publish(events.EventRateLimit, acct.ID, upstreamErr.Message)
				lastErrMessage = upstreamErr.Message
				excluded[state.AccountID] = struct{}{}
				continue
			case classifier.IsQuotaCode(upstreamErr.Code):
				balancer.HandleQuotaExceeded(state, balancer.QuotaPayload{ResetsAt: upstreamErr.ResetsAt})
				rt.publish(events.EventQuotaExceeded, acct.ID, upstreamErr.Message)
				lastErrMessage = upstreamErr.Message
				excluded[state.AccountID] = struct{}{}
				continue
			case status == http.StatusUnauthorized || status == http.StatusForbidden:
				balancer.HandlePermanentFailure(state, upstreamErr.Code)
				rt.publish(events.EventDeactivated, acct.ID, upstreamErr.Message)
				lastErrMessage = upstreamErr.Message
				excluded[state.AccountID] = struct{}{}
				continue
			case status >= 500:
				state.Mu.Lock()
				state.ErrorCount++
				state.Mu.Unlock()
				lastErrMessage = upstreamErr.Message
				excluded[state.AccountID] = struct{}{}
				continue
			default:
				rt.writeUpstreamHeaders(w, acct.ID)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(status)
				w.Write(respBody)
				return
			}
		}

		rt.publish(events.EventSelected, acct.ID, "request dispatched")
		rt.writeUpstreamHeaders(w, acct.ID)
		rt.settle(w, status, respBody, respHeader, isChat, model)
		return
	}

	if lastErrMessage == "" {
		lastErrMessage = "no accounts available"
	}
	writeError(w, http.StatusTooManyRequests, "rate_limit_error", lastErrMessage)
}

func translateChatRequest(body map[string]interface{}) error {
	rawMessages, _ := body["messages"].([]interface{})
	messages := make([]chatproto.ChatMessage, 0, len(rawMessages))
	for _, m := range rawMessages {
		mm, ok := m.(map[string]interface{})
		if !ok {
			continue
		}
		role, _ := mm["role"].(string)
		messages = append(messages, chatproto.ChatMessage{Role: role, Content: mm["content"]})
	}

	var existingInput []map[string]interface{}
	if raw, ok := body["input"].([]interface{}); ok {
		for _, item := range raw {
			if mm, ok := item.(map[string]interface{}); ok {
				existingInput = append(existingInput, mm)
			}
		}
	}
	existingInstructions, _ := body["instructions"].(string)

	instructions, input, err := chatproto.CoerceChatRequest(messages, existingInput, existingInstructions)
	if err != nil {
		return err
	}
	delete(body, "messages")
	body["instructions"] = instructions
	inputAny := make([]interface{}, len(input))
	for i, v := range input {
		inputAny[i] = v
	}
	body["input"] = inputAny
	return nil
}

// selectExcluding picks an eligible account skipping any id already tried
// this request (the balancer itself has no notion of a per-request
// exclusion set).
func (rt *Router) selectExcluding(excluded map[string]struct{}) balancer.Selection {
	if len(excluded) == 0 {
		return rt.Pool.Select(balancer.Now())
	}
	all := rt.Pool.Snapshot()
	filtered := make([]*balancer.AccountState, 0, len(all))
	for _, s := range all {
		if _, skip := excluded[s.AccountID]; !skip {
			filtered = append(filtered, s)
		}
	}
	return balancer.SelectAccount(filtered, balancer.Now())
}

func (rt *Router) forward(ctx context.Context, accessToken string, body []byte) (status int, respBody []byte, header http.Header, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rt.UpstreamURL, bytes.NewReader(body))
	if err != nil {
		return 0, nil, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept-Encoding", "gzip, br")

	resp, err := rt.HTTPClient.Do(req)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("upstream request: %w", err)
	}
	defer resp.Body.Close()

	bodyReader, err := decompressingReader(resp.Body, resp.Header.Get("Content-Encoding"))
	if err != nil {
		return 0, nil, nil, fmt.Errorf("decompress upstream response: %w", err)
	}
	data, err := io.ReadAll(bodyReader)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("read upstream response: %w", err)
	}
	return resp.StatusCode, data, resp.Header, nil
}

// decompressingReader wraps body in a gzip or brotli decoder when the
// upstream set a matching Content-Encoding; net/http only decompresses
// gzip transparently, and only when the client never set its own
// Accept-Encoding, which forward() does to also allow brotli.
func decompressingReader(body io.Reader, contentEncoding string) (io.Reader, error) {
	switch contentEncoding {
	case "gzip":
		return gzip.NewReader(body)
	case "br":
		return brotli.NewReader(body), nil
	default:
		return body, nil
	}
}

// copyUpstreamHeader copies one header field from upstream to the
// downstream response, skipping values that would not survive a wire
// round-trip (spec §4.G forwards the upstream Content-Type verbatim).
func copyUpstreamHeader(w http.ResponseWriter, upstreamHeader http.Header, name string) {
	value := upstreamHeader.Get(name)
	if value == "" || !httpguts.ValidHeaderFieldValue(value) {
		return
	}
	w.Header().Set(name, value)
}

// settle streams the (already-buffered) upstream body back to the
// downstream client, re-fragmenting it through chatproto when the inbound
// request spoke the legacy chat-completion format.
func (rt *Router) settle(w http.ResponseWriter, status int, body []byte, upstreamHeader http.Header, isChat bool, model string) {
	if !isChat {
		copyUpstreamHeader(w, upstreamHeader, "Content-Type")
		w.WriteHeader(status)
		w.Write(body)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)
	flusher, _ := w.(http.Flusher)

	events, err := chatproto.ReadUpstreamEvents(bytes.NewReader(body))
	if err != nil {
		slog.Warn("router: decode upstream stream failed", "error", err)
		return
	}

	translator := chatproto.NewTranslator(model)
	for _, ev := range events {
		frames, err := translator.Translate(ev.Type, ev.Data)
		if err != nil {
			slog.Warn("router: translate event failed", "type", ev.Type, "error", err)
			continue
		}
		for _, frame := range frames {
			io.WriteString(w, frame)
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (rt *Router) publish(t events.EventType, accountID, message string) {
	if rt.Bus == nil {
		return
	}
	rt.Bus.Publish(events.Event{Type: t, AccountID: accountID, Message: message})
}

// writeUpstreamHeaders attaches the informational usage/credits headers
// spec §6 defines, derived from the account's latest usage snapshot.
func (rt *Router) writeUpstreamHeaders(w http.ResponseWriter, accountID string) {
	primary, secondary, err := rt.Repo.LatestUsageByAccount(accountID)
	if err != nil {
		return
	}
	writeWindowHeaders(w, "primary", primary)
	writeWindowHeaders(w, "secondary", secondary)
	writeCreditsHeaders(w, primary)
}

func writeWindowHeaders(w http.ResponseWriter, label string, row *accountpool.UsageHistory) {
	if row == nil || row.UsedPercent == nil {
		return
	}
	h := w.Header()
	h.Set("x-codex-"+label+"-used-percent", fmt.Sprintf("%v", *row.UsedPercent))
	if row.WindowMinutes != nil {
		h.Set("x-codex-"+label+"-window-minutes", fmt.Sprintf("%d", *row.WindowMinutes))
	}
	if row.ResetAt != nil {
		h.Set("x-codex-"+label+"-reset-at", fmt.Sprintf("%d", *row.ResetAt))
	}
}

func writeCreditsHeaders(w http.ResponseWriter, row *accountpool.UsageHistory) {
	if row == nil || row.CreditsHas == nil {
		return
	}
	h := w.Header()
	h.Set("x-codex-credits-has-credits", boolString(*row.CreditsHas))
	if row.CreditsUnlimited != nil {
		h.Set("x-codex-credits-unlimited", boolString(*row.CreditsUnlimited))
	}
	if row.CreditsBalance != nil {
		h.Set("x-codex-credits-balance", fmt.Sprintf("%.2f", *row.CreditsBalance))
	}
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func maxBodyMB(mb int) int {
	if mb <= 0 {
		return 60
	}
	return mb
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	resp := map[string]interface{}{
		"type":  "error",
		"error": map[string]interface{}{"type": errType, "message": message},
	}
	data, _ := json.Marshal(resp)
	w.Write(data)
}
