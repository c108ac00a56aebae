// Package oauthclient implements the authorization-code+PKCE and
// device-code enrollment flows against the upstream identity service, plus
// refresh-token exchange.
package oauthclient

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Error is a structured OAuth failure: a stable code, a human message, and
// the HTTP status that produced it (0 if the failure never reached the
// wire, e.g. a malformed response).
type Error struct {
	Code       string
	Message    string
	StatusCode int
}

func (e *Error) Error() string { return fmt.Sprintf("oauth: %s: %s", e.Code, e.Message) }

// Permanent failure codes that should deactivate an account rather than be
// retried. Mirrors the auth manager's classification table.
var PermanentFailureCodes = map[string]string{
	"invalid_grant":         "refresh token rejected by upstream",
	"invalid_client":        "OAuth client credentials rejected",
	"refresh_token_expired": "refresh token expired",
	"unauthorized_client":   "client not authorized for this grant",
}

// Tokens is the triple returned by every successful exchange.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	IDToken      string
}

// IDInfo is the subset of ID-token claims this system cares about.
type IDInfo struct {
	ChatGPTAccountID string
	Email            string
	PlanType         string
	OrgTitle         string
}

// DeviceCode is a pending device-code enrollment.
type DeviceCode struct {
	VerificationURL   string
	UserCode          string
	DeviceAuthID      string
	IntervalSeconds   int
	ExpiresInSeconds  int
}

// Session holds PKCE material between building the authorization URL and
// exchanging the returned code.
type Session struct {
	State        string
	CodeVerifier string
}

// Client talks to the upstream identity service.
type Client struct {
	BaseURL     string
	ClientID    string
	RedirectURI string
	Scope       string
	Timeout     time.Duration
	HTTPClient  *http.Client
}

// New builds a Client with a sane default HTTP client.
func New(baseURL, clientID, redirectURI, scope string, timeout time.Duration) *Client {
	return &Client{
		BaseURL:     strings.TrimRight(baseURL, "/"),
		ClientID:    clientID,
		RedirectURI: redirectURI,
		Scope:       scope,
		Timeout:     timeout,
		HTTPClient:  &http.Client{Timeout: timeout},
	}
}

// GeneratePKCE returns a URL-safe verifier of at least 32 bytes of entropy
// and its S256 challenge, satisfying spec testable property 3:
// urlsafe_b64_nopad(sha256(verifier)) == challenge for any verifier.
func GeneratePKCE() (verifier, challenge string, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", "", fmt.Errorf("generate verifier: %w", err)
	}
	verifier = base64.RawURLEncoding.EncodeToString(b)
	challenge = PKCEChallenge(verifier)
	return verifier, challenge, nil
}

// PKCEChallenge computes the S256 code challenge for a given verifier.
func PKCEChallenge(verifier string) string {
	h := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(h[:])
}

func ensureOfflineAccess(scope string) string {
	for _, part := range strings.Fields(scope) {
		if part == "offline_access" {
			return scope
		}
	}
	return scope + " offline_access"
}

// BuildAuthorizationURL produces the browser-facing authorization URL and
// the session the caller must hold onto until the callback arrives.
// Always includes offline_access in scope (spec testable property 4).
func (c *Client) BuildAuthorizationURL() (authURL string, session Session, err error) {
	verifier, challenge, err := GeneratePKCE()
	if err != nil {
		return "", Session{}, err
	}
	state := uuid.NewString()

	params := url.Values{
		"response_type":              {"code"},
		"client_id":                  {c.ClientID},
		"redirect_uri":               {c.RedirectURI},
		"scope":                      {ensureOfflineAccess(c.Scope)},
		"code_challenge":             {challenge},
		"code_challenge_method":      {"S256"},
		"state":                      {state},
		"id_token_add_organizations": {"true"},
		"codex_cli_simplified_flow":  {"true"},
		"originator":                 {"codex_cli_rs"},
	}

	return c.BaseURL + "/oauth/authorize?" + params.Encode(), Session{State: state, CodeVerifier: verifier}, nil
}

// ExchangeAuthorizationCode trades an authorization code for a token triple.
func (c *Client) ExchangeAuthorizationCode(ctx context.Context, code, codeVerifier, redirectURI string) (Tokens, error) {
	if redirectURI == "" {
		redirectURI = c.RedirectURI
	}
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {c.ClientID},
		"code":          {code},
		"code_verifier": {codeVerifier},
		"redirect_uri":  {redirectURI},
	}
	return c.postForTokens(ctx, c.BaseURL+"/oauth/token", form)
}

// RefreshAccessToken exchanges a refresh token for a new token triple.
func (c *Client) RefreshAccessToken(ctx context.Context, refreshToken string) (Tokens, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {c.ClientID},
		"refresh_token": {refreshToken},
		"scope":         {ensureOfflineAccess(c.Scope)},
	}
	return c.postForTokens(ctx, c.BaseURL+"/oauth/token", form)
}

type tokenPayload struct {
	AccessToken       string      `json:"access_token"`
	RefreshToken      string      `json:"refresh_token"`
	IDToken           string      `json:"id_token"`
	Error             interface{} `json:"error"`
	ErrorCode         string      `json:"error_code"`
	Code              string      `json:"code"`
	ErrorDescription  string      `json:"error_description"`
	Message           string      `json:"message"`
	Status            string      `json:"status"`
	AuthorizationCode string      `json:"authorization_code"`
	CodeVerifier      string      `json:"code_verifier"`
	UserCode          string      `json:"user_code"`
	DeviceAuthID      string      `json:"device_auth_id"`
	Interval          *int        `json:"interval"`
	ExpiresIn         *int        `json:"expires_in"`
	ExpiresAt         string      `json:"expires_at"`
}

func (c *Client) postForTokens(ctx context.Context, endpoint string, form url.Values) (Tokens, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return Tokens{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	setRequestID(req)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return Tokens{}, fmt.Errorf("oauth token request: %w", err)
	}
	defer resp.Body.Close()

	payload, err := decodePayload(resp.Body)
	if err != nil {
		return Tokens{}, &Error{Code: "invalid_response", Message: "OAuth response invalid"}
	}

	if resp.StatusCode >= 400 {
		return Tokens{}, oauthErrorFromPayload(payload, resp.StatusCode)
	}

	return parseTokens(payload)
}

func parseTokens(p tokenPayload) (Tokens, error) {
	if p.AccessToken == "" || p.RefreshToken == "" || p.IDToken == "" {
		return Tokens{}, &Error{Code: "invalid_response", Message: "OAuth response missing tokens"}
	}
	return Tokens{AccessToken: p.AccessToken, RefreshToken: p.RefreshToken, IDToken: p.IDToken}, nil
}

// RequestDeviceCode starts a device-code enrollment.
func (c *Client) RequestDeviceCode(ctx context.Context) (DeviceCode, error) {
	body, _ := json.Marshal(map[string]string{"client_id": c.ClientID})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/api/accounts/deviceauth/usercode", strings.NewReader(string(body)))
	if err != nil {
		return DeviceCode{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	setRequestID(req)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return DeviceCode{}, fmt.Errorf("device code request: %w", err)
	}
	defer resp.Body.Close()

	payload, err := decodePayload(resp.Body)
	if err != nil {
		return DeviceCode{}, &Error{Code: "invalid_response", Message: "Device auth response invalid"}
	}

	if resp.StatusCode >= 400 {
		if resp.StatusCode == http.StatusNotFound {
			return DeviceCode{}, &Error{
				Code: "device_auth_unavailable",
				Message: "Device code login is not enabled for this server. " +
					"Use the browser login or verify the server URL.",
				StatusCode: resp.StatusCode,
			}
		}
		return DeviceCode{}, &Error{
			Code:       "device_auth_failed",
			Message:    fmt.Sprintf("Device code request failed with status %d", resp.StatusCode),
			StatusCode: resp.StatusCode,
		}
	}

	if payload.UserCode == "" || payload.DeviceAuthID == "" {
		return DeviceCode{}, &Error{Code: "invalid_response", Message: "Device auth response missing fields"}
	}

	interval := 0
	if payload.Interval != nil {
		interval = *payload.Interval
	}
	expiresIn := 0
	if payload.ExpiresIn != nil {
		expiresIn = *payload.ExpiresIn
	}
	if expiresIn <= 0 {
		if secs, ok := expiresInSeconds(payload.ExpiresAt); ok {
			expiresIn = secs
		} else {
			expiresIn = 900
		}
	}

	return DeviceCode{
		VerificationURL:  c.BaseURL + "/codex/device",
		UserCode:         payload.UserCode,
		DeviceAuthID:     payload.DeviceAuthID,
		IntervalSeconds:  interval,
		ExpiresInSeconds: expiresIn,
	}, nil
}

// ExchangeDeviceToken polls once for a device-code completion. A nil
// *Tokens with a nil error means "keep polling" — the upstream reported
// the authorization as still pending.
func (c *Client) ExchangeDeviceToken(ctx context.Context, deviceAuthID, userCode string) (*Tokens, error) {
	body, _ := json.Marshal(map[string]string{"device_auth_id": deviceAuthID, "user_code": userCode})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/api/accounts/deviceauth/token", strings.NewReader(string(body)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	setRequestID(req)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("device token request: %w", err)
	}
	defer resp.Body.Close()

	payload, err := decodePayload(resp.Body)
	if err != nil {
		return nil, &Error{Code: "invalid_response", Message: "Device auth response invalid"}
	}

	if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode >= 400 {
		if isPendingError(payload) {
			return nil, nil
		}
		return nil, oauthErrorFromPayload(payload, resp.StatusCode)
	}
	if isPendingError(payload) {
		return nil, nil
	}

	if payload.AuthorizationCode != "" {
		if payload.CodeVerifier == "" {
			return nil, &Error{Code: "invalid_response", Message: "Device auth response missing code verifier"}
		}
		redirectURI := c.BaseURL + "/deviceauth/callback"
		tokens, err := c.ExchangeAuthorizationCode(ctx, payload.AuthorizationCode, payload.CodeVerifier, redirectURI)
		if err != nil {
			return nil, err
		}
		return &tokens, nil
	}

	tokens, err := parseTokens(payload)
	if err != nil {
		return nil, err
	}
	return &tokens, nil
}

func isPendingError(p tokenPayload) bool {
	code := extractErrorCode(p)
	if code == "authorization_pending" || code == "slow_down" {
		return true
	}
	status := strings.ToLower(p.Status)
	return status == "pending" || status == "authorization_pending"
}

func oauthErrorFromPayload(p tokenPayload, statusCode int) *Error {
	code := extractErrorCode(p)
	if code == "" {
		code = fmt.Sprintf("http_%d", statusCode)
	}
	message := extractErrorMessage(p)
	if message == "" {
		message = fmt.Sprintf("OAuth request failed (%d)", statusCode)
	}
	return &Error{Code: code, Message: message, StatusCode: statusCode}
}

func extractErrorCode(p tokenPayload) string {
	switch v := p.Error.(type) {
	case map[string]interface{}:
		if code, ok := v["code"].(string); ok {
			return code
		}
		if code, ok := v["error"].(string); ok {
			return code
		}
		return ""
	case string:
		return v
	}
	if p.ErrorCode != "" {
		return p.ErrorCode
	}
	return p.Code
}

func extractErrorMessage(p tokenPayload) string {
	switch v := p.Error.(type) {
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			return msg
		}
		if msg, ok := v["error_description"].(string); ok {
			return msg
		}
		return ""
	case string:
		if p.ErrorDescription != "" {
			return p.ErrorDescription
		}
		return v
	}
	return p.Message
}

func expiresInSeconds(expiresAt string) (int, bool) {
	if expiresAt == "" {
		return 0, false
	}
	parsed, err := time.Parse(time.RFC3339, expiresAt)
	if err != nil {
		return 0, false
	}
	delta := time.Until(parsed)
	if delta <= 0 {
		return 0, false
	}
	return int(delta.Seconds()), true
}

func decodePayload(r io.Reader) (tokenPayload, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return tokenPayload{}, err
	}
	var p tokenPayload
	if len(raw) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return tokenPayload{Message: strings.TrimSpace(string(raw))}, nil
	}
	return p, nil
}

func setRequestID(req *http.Request) {
	req.Header.Set("x-request-id", uuid.NewString())
}

// ParseIDToken extracts the claims this system cares about from a JWT
// id_token's unverified payload (the upstream already authenticated the
// exchange; this is display metadata, not an authorization decision).
func ParseIDToken(idToken string) *IDInfo {
	parts := strings.Split(idToken, ".")
	if len(parts) < 2 {
		return nil
	}

	payload := parts[1]
	if m := len(payload) % 4; m != 0 {
		payload += strings.Repeat("=", 4-m)
	}
	data, err := base64.URLEncoding.DecodeString(payload)
	if err != nil {
		return nil
	}

	var claims struct {
		Email string `json:"email"`
		Auth  struct {
			ChatGPTAccountID string `json:"chatgpt_account_id"`
			Plan             string `json:"chatgpt_plan_type"`
			Organizations    []struct {
				Title string `json:"title"`
			} `json:"organizations"`
		} `json:"https://api.openai.com/auth"`
	}
	if err := json.Unmarshal(data, &claims); err != nil {
		return nil
	}

	info := &IDInfo{
		ChatGPTAccountID: claims.Auth.ChatGPTAccountID,
		Email:            claims.Email,
		PlanType:         claims.Auth.Plan,
	}
	if len(claims.Auth.Organizations) > 0 {
		info.OrgTitle = claims.Auth.Organizations[0].Title
	}
	return info
}
