package google

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/MarcoPoloResearchLab/social-login/internal/loopback"
	"github.com/MarcoPoloResearchLab/social-login/internal/social"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	googleoauth "golang.org/x/oauth2/google"
)

const (
	defaultUserInfoURL = "https://openidconnect.googleapis.com/v1/userinfo"
	defaultRevokeURL   = "https://oauth2.googleapis.com/revoke"
	accessDenied       = "access_denied"
)

// Scopes requested on every sign-in: basic profile and email.
var Scopes = []string{"openid", "email", "profile"}

var (
	ErrInvalidClientConfig = errors.New("google: invalid client config")
	ErrAuthorizationFailed = errors.New("google: authorization failed")

	errMissingClientID   = errors.New("client id must be provided")
	errMissingAuthorizer = errors.New("authorizer must be provided")
	errMissingCode       = errors.New("callback carried no authorization code")
	errMissingSubject    = errors.New("userinfo response missing subject")
)

// ClientConfig configures the Google sign-in flow.
type ClientConfig struct {
	ClientID     string
	ClientSecret string
	Authorizer   loopback.Authorizer
	Endpoint     oauth2.Endpoint
	UserInfoURL  string
	RevokeURL    string
	HTTPClient   *http.Client
	Logger       *zap.Logger
}

// Client runs the Google authorization code flow with PKCE and keeps the
// resulting token in memory as the current session.
type Client struct {
	oauthConfig *oauth2.Config
	authorizer  loopback.Authorizer
	userInfoURL string
	revokeURL   string
	httpClient  *http.Client
	logger      *zap.Logger

	mu      sync.Mutex
	session *oauth2.Token
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

	endpoint := cfg.Endpoint
	if endpoint.AuthURL == "" || endpoint.TokenURL == "" {
		endpoint = googleoauth.Endpoint
	}
	userInfoURL := strings.TrimSpace(cfg.UserInfoURL)
	if userInfoURL == "" {
		userInfoURL = defaultUserInfoURL
	}
	revokeURL := strings.TrimSpace(cfg.RevokeURL)
	if revokeURL == "" {
		revokeURL = defaultRevokeURL
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
		oauthConfig: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.Authorizer.RedirectURL(),
			Endpoint:     endpoint,
			Scopes:       Scopes,
		},
		authorizer:  cfg.Authorizer,
		userInfoURL: userInfoURL,
		revokeURL:   revokeURL,
		httpClient:  httpClient,
		logger:      logger,
	}, nil
}

// IsSignedIn reports whether a previous sign-in left a session behind.
func (c *Client) IsSignedIn(context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session != nil
}

// SignOut revokes the current session token. The session is dropped even
// when revocation fails.
func (c *Client) SignOut(ctx context.Context) error {
	c.mu.Lock()
	session := c.session
	c.session = nil
	c.mu.Unlock()

	if session == nil {
		return nil
	}

	token := session.RefreshToken
	if token == "" {
		token = session.AccessToken
	}
	form := url.Values{"token": {token}}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.revokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	request.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("google: revoke token: %w", err)
	}
	defer response.Body.Close()
	_, _ = io.Copy(io.Discard, response.Body)

	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("google: revoke returned status %d", response.StatusCode)
	}
	c.logger.Debug("google session revoked")
	return nil
}

type userInfo struct {
	Subject string `json:"sub"`
	Email   string `json:"email"`
	Name    string `json:"name"`
	Picture string `json:"picture"`
}

// SignIn runs the interactive flow. A nil account with a nil error means the
// user denied consent.
func (c *Client) SignIn(ctx context.Context) (*social.GoogleAccount, error) {
	state, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	verifier := oauth2.GenerateVerifier()

	authorizationURL := c.oauthConfig.AuthCodeURL(
		state.String(),
		oauth2.AccessTypeOnline,
		oauth2.S256ChallengeOption(verifier),
		oauth2.SetAuthURLParam("prompt", "select_account"),
	)

	callback, err := c.authorizer.Authorize(ctx, loopback.Request{URL: authorizationURL, State: state.String()})
	if err != nil {
		return nil, err
	}
	if code := callback.ErrorCode(); code != "" {
		if code == accessDenied {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %s", ErrAuthorizationFailed, code)
	}
	authorizationCode := callback.Get("code")
	if authorizationCode == "" {
		return nil, fmt.Errorf("%w: %v", ErrAuthorizationFailed, errMissingCode)
	}

	httpCtx := context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	token, err := c.oauthConfig.Exchange(httpCtx, authorizationCode, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("google: token exchange: %w", err)
	}

	info, err := c.fetchUserInfo(httpCtx, token)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.session = token
	c.mu.Unlock()

	return &social.GoogleAccount{
		ID:          info.Subject,
		Email:       info.Email,
		DisplayName: info.Name,
		PhotoURL:    info.Picture,
	}, nil
}

func (c *Client) fetchUserInfo(ctx context.Context, token *oauth2.Token) (userInfo, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, c.userInfoURL, nil)
	if err != nil {
		return userInfo{}, err
	}

	response, err := c.oauthConfig.Client(ctx, token).Do(request)
	if err != nil {
		return userInfo{}, fmt.Errorf("google: userinfo request: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return userInfo{}, fmt.Errorf("google: userinfo returned status %d", response.StatusCode)
	}

	var info userInfo
	if err := json.NewDecoder(response.Body).Decode(&info); err != nil {
		return userInfo{}, fmt.Errorf("google: decode userinfo: %w", err)
	}
	if info.Subject == "" {
		return userInfo{}, errMissingSubject
	}
	return info, nil
}
