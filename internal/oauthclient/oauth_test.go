package oauthclient

import (
	"net/url"
	"strings"
	"testing"
)

func TestPKCEChallengeMatchesVerifier(t *testing.T) {
	verifier, challenge, err := GeneratePKCE()
	if err != nil {
		t.Fatalf("generate pkce: %v", err)
	}
	if got := PKCEChallenge(verifier); got != challenge {
		t.Fatalf("challenge mismatch: got %q want %q", got, challenge)
	}
}

func TestBuildAuthorizationURLIncludesOfflineAccessAndVendorFlags(t *testing.T) {
	c := New("https://auth.example.com", "client-1", "http://localhost/cb", "openid profile", 0)

	raw, session, err := c.BuildAuthorizationURL()
	if err != nil {
		t.Fatalf("build url: %v", err)
	}
	if session.CodeVerifier == "" || session.State == "" {
		t.Fatal("expected session to carry verifier and state")
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	q := parsed.Query()

	scope := q.Get("scope")
	found := false
	for _, part := range strings.Fields(scope) {
		if part == "offline_access" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected offline_access in scope, got %q", scope)
	}

	for key, want := range map[string]string{
		"response_type":              "code",
		"code_challenge_method":      "S256",
		"id_token_add_organizations": "true",
		"codex_cli_simplified_flow":  "true",
		"originator":                 "codex_cli_rs",
	} {
		if got := q.Get(key); got != want {
			t.Fatalf("param %s: got %q want %q", key, got, want)
		}
	}
}

func TestIsPendingErrorRecognizesAllPendingShapes(t *testing.T) {
	cases := []tokenPayload{
		{Error: "authorization_pending"},
		{Error: "slow_down"},
		{Status: "pending"},
		{Status: "Authorization_Pending"},
	}
	for _, p := range cases {
		if !isPendingError(p) {
			t.Fatalf("expected pending for %+v", p)
		}
	}
}

func TestOAuthErrorFromPayloadSynthesizesCodeWhenMissing(t *testing.T) {
	err := oauthErrorFromPayload(tokenPayload{}, 503)
	if err.Code != "http_503" {
		t.Fatalf("expected synthesized http_503 code, got %q", err.Code)
	}
}
