package apple

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/social-login/internal/loopback"
	"github.com/MarcoPoloResearchLab/social-login/internal/social"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

const userCancelledAuthorize = "user_cancelled_authorize"

// Endpoint is Apple's OAuth endpoint. Apple reads the client secret from the form body.
var Endpoint = oauth2.Endpoint{
	AuthURL:   "https://appleid.apple.com/auth/authorize",
	TokenURL:  "https://appleid.apple.com/auth/token",
	AuthStyle: oauth2.AuthStyleInParams,
}

// ErrAuthorizationCanceled is returned when the user dismisses the Apple prompt.
var (
	ErrAuthorizationCanceled = errors.New("apple: authorization canceled")
	ErrAuthorizationFailed   = errors.New("apple: authorization failed")
	ErrNonceMismatch         = errors.New("apple: id token nonce mismatch")
	ErrInvalidClientConfig   = errors.New("apple: invalid client config")

	errMissingAuthorizer   = errors.New("authorizer must be provided")
	errMissingSecretSource = errors.New("client secret source must be provided")
	errMissingCode         = errors.New("callback carried no authorization code")
	errMissingIDToken      = errors.New("token response carried no id_token")
	errMissingSubjectClaim = errors.New("id token missing subject claim")
)

// ClientSecretSource supplies the client secret for token exchanges.
type ClientSecretSource interface {
	ClientSecret() (string, error)
}

// ClientConfig configures the Sign in with Apple web flow.
type ClientConfig struct {
	ClientID string
	// RedirectURL overrides the authorizer's redirect URL. Apple only
	// redirects to registered https URLs.
	RedirectURL string
	Authorizer  loopback.Authorizer
	Secrets     ClientSecretSource
	Endpoint    oauth2.Endpoint
	HTTPClient  *http.Client
	Logger      *zap.Logger
}

// Client issues Apple ID credentials through the web authorization flow.
type Client struct {
	clientID    string
	redirectURL string
	authorizer  loopback.Authorizer
	secrets     ClientSecretSource
	endpoint    oauth2.Endpoint
	httpClient  *http.Client
	logger      *zap.Logger
}

// NewClient validates cfg and applies defaults.
func NewClient(cfg ClientConfig) (*Client, error) {
	clientID := strings.TrimSpace(cfg.ClientID)
	if clientID == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidClientConfig, errMissingClientID)
	}
	if cfg.Authorizer == nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidClientConfig, errMissingAuthorizer)
	}
	if cfg.Secrets == nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidClientConfig, errMissingSecretSource)
	}

	redirectURL := strings.TrimSpace(cfg.RedirectURL)
	if redirectURL == "" {
		redirectURL = cfg.Authorizer.RedirectURL()
	}
	endpoint := cfg.Endpoint
	if endpoint.AuthURL == "" || endpoint.TokenURL == "" {
		endpoint = Endpoint
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		clientID:    clientID,
		redirectURL: redirectURL,
		authorizer:  cfg.Authorizer,
		secrets:     cfg.Secrets,
		endpoint:    endpoint,
		httpClient:  httpClient,
		logger:      logger,
	}, nil
}

type idTokenClaims struct {
	Email string `json:"email"`
	Nonce string `json:"nonce"`
	jwt.RegisteredClaims
}

// userPayload is the JSON Apple posts in the "user" field on first authorization only.
type userPayload struct {
	Name struct {
		FirstName string `json:"firstName"`
		LastName  string `json:"lastName"`
	} `json:"name"`
	Email string `json:"email"`
}

// RequestCredential runs the authorization flow and exchanges the resulting code.
func (c *Client) RequestCredential(ctx context.Context, request social.AppleCredentialRequest) (social.AppleCredential, error) {
	oauthConfig := &oauth2.Config{
		ClientID:    c.clientID,
		RedirectURL: c.redirectURL,
		Endpoint:    c.endpoint,
		Scopes:      scopeValues(request.Scopes),
	}

	authorizationURL := oauthConfig.AuthCodeURL(
		request.State,
		oauth2.SetAuthURLParam("response_mode", "form_post"),
		oauth2.SetAuthURLParam("nonce", request.Nonce),
	)

	callback, err := c.authorizer.Authorize(ctx, loopback.Request{URL: authorizationURL, State: request.State})
	if err != nil {
		return social.AppleCredential{}, err
	}
	if code := callback.ErrorCode(); code != "" {
		if code == userCancelledAuthorize {
			return social.AppleCredential{}, ErrAuthorizationCanceled
		}
		return social.AppleCredential{}, fmt.Errorf("%w: %s", ErrAuthorizationFailed, code)
	}

	authorizationCode := callback.Get("code")
	if authorizationCode == "" {
		return social.AppleCredential{}, fmt.Errorf("%w: %v", ErrAuthorizationFailed, errMissingCode)
	}

	secret, err := c.secrets.ClientSecret()
	if err != nil {
		return social.AppleCredential{}, err
	}
	oauthConfig.ClientSecret = secret

	exchangeCtx := context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	token, err := oauthConfig.Exchange(exchangeCtx, authorizationCode)
	if err != nil {
		return social.AppleCredential{}, fmt.Errorf("apple: token exchange: %w", err)
	}

	rawIDToken, _ := token.Extra("id_token").(string)
	if rawIDToken == "" {
		rawIDToken = callback.Get("id_token")
	}
	if rawIDToken == "" {
		return social.AppleCredential{}, errMissingIDToken
	}

	claims, err := decodeIDToken(rawIDToken)
	if err != nil {
		return social.AppleCredential{}, err
	}
	if claims.Nonce != "" && claims.Nonce != request.Nonce {
		return social.AppleCredential{}, ErrNonceMismatch
	}

	credential := social.AppleCredential{
		UserIdentifier:    claims.Subject,
		Email:             claims.Email,
		IdentityToken:     rawIDToken,
		AuthorizationCode: authorizationCode,
	}

	if rawUser := callback.Get("user"); rawUser != "" {
		var user userPayload
		if err := json.Unmarshal([]byte(rawUser), &user); err != nil {
			c.logger.Warn("apple user payload ignored", zap.Error(err))
		} else {
			credential.GivenName = user.Name.FirstName
			credential.FamilyName = user.Name.LastName
			if user.Email != "" {
				credential.Email = user.Email
			}
		}
	}

	c.logger.Debug("apple credential issued",
		zap.Bool("email_present", credential.Email != ""),
		zap.Bool("name_present", credential.GivenName != ""),
	)
	return credential, nil
}

// decodeIDToken reads the id token claims. The signature is not checked.
func decodeIDToken(rawIDToken string) (idTokenClaims, error) {
	claims := idTokenClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(rawIDToken, &claims); err != nil {
		return idTokenClaims{}, fmt.Errorf("apple: decode id token: %w", err)
	}
	if claims.Subject == "" {
		return idTokenClaims{}, errMissingSubjectClaim
	}
	return claims, nil
}

func scopeValues(scopes []social.AppleScope) []string {
	values := make([]string, 0, len(scopes))
	for _, scope := range scopes {
		values = append(values, string(scope))
	}
	return values
}
