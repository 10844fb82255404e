package apple

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/MarcoPoloResearchLab/social-login/internal/loopback"
	"github.com/MarcoPoloResearchLab/social-login/internal/social"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

func TestRequestCredentialReadsFirstLoginPayload(t *testing.T) {
	tokenServer, requests := newTokenServer(t, mintIDToken(t, jwt.MapClaims{
		"sub":   "001234.apple",
		"email": "relay@privaterelay.appleid.com",
		"nonce": "nonce-1",
	}))
	defer tokenServer.Close()

	authorizer := &stubAuthorizer{params: url.Values{
		"code": {"auth-code"},
		"user": {`{"name":{"firstName":"Jane","lastName":"Doe"},"email":"jane@example.com"}`},
	}}
	client := newTestClient(t, authorizer, tokenServer)

	credential, err := client.RequestCredential(context.Background(), social.AppleCredentialRequest{
		Scopes: []social.AppleScope{social.AppleScopeEmail, social.AppleScopeFullName},
		Nonce:  "nonce-1",
		State:  "state-1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if credential.UserIdentifier != "001234.apple" {
		t.Fatalf("unexpected user identifier %q", credential.UserIdentifier)
	}
	if credential.Email != "jane@example.com" || credential.GivenName != "Jane" || credential.FamilyName != "Doe" {
		t.Fatalf("unexpected credential %+v", credential)
	}
	if credential.AuthorizationCode != "auth-code" {
		t.Fatalf("unexpected authorization code %q", credential.AuthorizationCode)
	}

	authorizeURL, err := url.Parse(authorizer.request.URL)
	if err != nil {
		t.Fatalf("failed to parse authorize url: %v", err)
	}
	query := authorizeURL.Query()
	if query.Get("response_mode") != "form_post" || query.Get("nonce") != "nonce-1" || query.Get("state") != "state-1" {
		t.Fatalf("unexpected authorize query %v", query)
	}
	if query.Get("scope") != "email name" {
		t.Fatalf("unexpected scope %q", query.Get("scope"))
	}
	if authorizer.request.State != "state-1" {
		t.Fatalf("expected state to be forwarded, got %q", authorizer.request.State)
	}

	form := <-requests
	if form.Get("client_secret") != "signed-secret" || form.Get("code") != "auth-code" {
		t.Fatalf("unexpected token request %v", form)
	}
}

func TestRequestCredentialOnRepeatLoginFallsBackToTokenEmail(t *testing.T) {
	tokenServer, _ := newTokenServer(t, mintIDToken(t, jwt.MapClaims{
		"sub":   "001234.apple",
		"email": "relay@privaterelay.appleid.com",
	}))
	defer tokenServer.Close()

	client := newTestClient(t, &stubAuthorizer{params: url.Values{"code": {"auth-code"}}}, tokenServer)

	credential, err := client.RequestCredential(context.Background(), social.AppleCredentialRequest{Nonce: "n", State: "s"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if credential.Email != "relay@privaterelay.appleid.com" {
		t.Fatalf("unexpected email %q", credential.Email)
	}
	if credential.GivenName != "" || credential.FamilyName != "" {
		t.Fatalf("expected no name on repeat login, got %+v", credential)
	}
}

func TestRequestCredentialReportsCancellation(t *testing.T) {
	client := newTestClient(t, &stubAuthorizer{params: url.Values{"error": {"user_cancelled_authorize"}}}, nil)

	_, err := client.RequestCredential(context.Background(), social.AppleCredentialRequest{Nonce: "n", State: "s"})
	if !errors.Is(err, ErrAuthorizationCanceled) {
		t.Fatalf("expected cancellation error, got %v", err)
	}

	client = newTestClient(t, &stubAuthorizer{params: url.Values{"error": {"invalid_request"}}}, nil)
	_, err = client.RequestCredential(context.Background(), social.AppleCredentialRequest{Nonce: "n", State: "s"})
	if !errors.Is(err, ErrAuthorizationFailed) {
		t.Fatalf("expected authorization failure, got %v", err)
	}
}

func TestRequestCredentialRejectsNonceMismatch(t *testing.T) {
	tokenServer, _ := newTokenServer(t, mintIDToken(t, jwt.MapClaims{
		"sub":   "001234.apple",
		"nonce": "replayed",
	}))
	defer tokenServer.Close()

	client := newTestClient(t, &stubAuthorizer{params: url.Values{"code": {"auth-code"}}}, tokenServer)

	_, err := client.RequestCredential(context.Background(), social.AppleCredentialRequest{Nonce: "expected", State: "s"})
	if !errors.Is(err, ErrNonceMismatch) {
		t.Fatalf("expected nonce mismatch, got %v", err)
	}
}

func TestRequestCredentialPropagatesAuthorizerErrors(t *testing.T) {
	client := newTestClient(t, &stubAuthorizer{err: context.Canceled}, nil)

	_, err := client.RequestCredential(context.Background(), social.AppleCredentialRequest{Nonce: "n", State: "s"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
}

func TestNewClientValidatesConfig(t *testing.T) {
	if _, err := NewClient(ClientConfig{Authorizer: &stubAuthorizer{}, Secrets: staticSecret("s")}); !errors.Is(err, ErrInvalidClientConfig) {
		t.Fatalf("expected missing client id to be rejected, got %v", err)
	}
	if _, err := NewClient(ClientConfig{ClientID: "id", Secrets: staticSecret("s")}); !errors.Is(err, ErrInvalidClientConfig) {
		t.Fatalf("expected missing authorizer to be rejected, got %v", err)
	}
	if _, err := NewClient(ClientConfig{ClientID: "id", Authorizer: &stubAuthorizer{}}); !errors.Is(err, ErrInvalidClientConfig) {
		t.Fatalf("expected missing secrets to be rejected, got %v", err)
	}

	client, err := NewClient(ClientConfig{ClientID: "id", Authorizer: &stubAuthorizer{}, Secrets: staticSecret("s")})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	if client.redirectURL != "http://127.0.0.1:8765/callback" {
		t.Fatalf("expected authorizer redirect url, got %q", client.redirectURL)
	}
}

func newTestClient(t *testing.T, authorizer loopback.Authorizer, tokenServer *httptest.Server) *Client {
	t.Helper()
	endpoint := Endpoint
	httpClient := http.DefaultClient
	if tokenServer != nil {
		endpoint = oauth2.Endpoint{
			AuthURL:   "https://appleid.apple.com/auth/authorize",
			TokenURL:  tokenServer.URL + "/auth/token",
			AuthStyle: oauth2.AuthStyleInParams,
		}
		httpClient = tokenServer.Client()
	}
	client, err := NewClient(ClientConfig{
		ClientID:    "com.example.web",
		RedirectURL: "https://login.example.com/apple/callback",
		Authorizer:  authorizer,
		Secrets:     staticSecret("signed-secret"),
		Endpoint:    endpoint,
		HTTPClient:  httpClient,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	return client
}

func newTokenServer(t *testing.T, idToken string) (*httptest.Server, <-chan url.Values) {
	t.Helper()
	requests := make(chan url.Values, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		select {
		case requests <- r.PostForm:
		default:
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "apple-access",
			"token_type":   "Bearer",
			"expires_in":   3600,
			"id_token":     idToken,
		})
	}))
	return server, requests
}

func mintIDToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte("unverified"))
	if err != nil {
		t.Fatalf("failed to sign id token: %v", err)
	}
	return signed
}

type stubAuthorizer struct {
	params  url.Values
	err     error
	request loopback.Request
}

func (s *stubAuthorizer) RedirectURL() string {
	return "http://127.0.0.1:8765/callback"
}

func (s *stubAuthorizer) Authorize(_ context.Context, request loopback.Request) (loopback.Callback, error) {
	s.request = request
	if s.err != nil {
		return loopback.Callback{}, s.err
	}
	params := url.Values{}
	for key, values := range s.params {
		params[key] = values
	}
	params.Set("state", request.State)
	return loopback.Callback{Params: params}, nil
}

type staticSecret string

func (s staticSecret) ClientSecret() (string, error) {
	return string(s), nil
}
