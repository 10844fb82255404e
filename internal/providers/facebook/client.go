package facebook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/social-login/internal/loopback"
	"github.com/MarcoPoloResearchLab/social-login/internal/social"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	facebookoauth "golang.org/x/oauth2/facebook"
)

const (
	defaultGraphURL  = "https://graph.facebook.com/v19.0"
	maxErrorBodySize = 4096
)

var (
	ErrInvalidClientConfig = errors.New("facebook: invalid client config")
	ErrAuthorizationFailed = errors.New("facebook: authorization failed")

	errMissingAppID      = errors.New("app id must be provided")
	errMissingAuthorizer = errors.New("authorizer must be provided")
	errMissingCode       = errors.New("callback carried no authorization code")
)

// ClientConfig configures the Facebook login flow and Graph API access.
type ClientConfig struct {
	AppID      string
	AppSecret  string
	Authorizer loopback.Authorizer
	Endpoint   oauth2.Endpoint
	GraphURL   string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client runs the Facebook login dialog and queries the Graph API.
type Client struct {
	appID      string
	appSecret  string
	authorizer loopback.Authorizer
	endpoint   oauth2.Endpoint
	graphURL   string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient validates cfg and applies defaults.
func NewClient(cfg ClientConfig) (*Client, error) {
	appID := strings.TrimSpace(cfg.AppID)
	if appID == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidClientConfig, errMissingAppID)
	}
	if cfg.Authorizer == nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidClientConfig, errMissingAuthorizer)
	}

	endpoint := cfg.Endpoint
	if endpoint.AuthURL == "" || endpoint.TokenURL == "" {
		endpoint = facebookoauth.Endpoint
	}
	graphURL := strings.TrimRight(strings.TrimSpace(cfg.GraphURL), "/")
	if graphURL == "" {
		graphURL = defaultGraphURL
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
		appID:      appID,
		appSecret:  cfg.AppSecret,
		authorizer: cfg.Authorizer,
		endpoint:   endpoint,
		graphURL:   graphURL,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// Login runs the login dialog for permissions and reports a tri-state outcome.
func (c *Client) Login(ctx context.Context, permissions []string) social.FacebookLoginResult {
	state, err := uuid.NewV7()
	if err != nil {
		return failed(err)
	}

	oauthConfig := &oauth2.Config{
		ClientID:     c.appID,
		ClientSecret: c.appSecret,
		RedirectURL:  c.authorizer.RedirectURL(),
		Endpoint:     c.endpoint,
		Scopes:       permissions,
	}
	authorizationURL := oauthConfig.AuthCodeURL(state.String())

	callback, err := c.authorizer.Authorize(ctx, loopback.Request{URL: authorizationURL, State: state.String()})
	if err != nil {
		return failed(err)
	}
	if isCancellation(callback) {
		return social.FacebookLoginResult{Status: social.FacebookLoginCancelled}
	}
	if code := callback.ErrorCode(); code != "" {
		return failed(fmt.Errorf("%w: %s: %s", ErrAuthorizationFailed, code, callback.ErrorDescription()))
	}

	authorizationCode := callback.Get("code")
	if authorizationCode == "" {
		return failed(fmt.Errorf("%w: %v", ErrAuthorizationFailed, errMissingCode))
	}

	httpCtx := context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	token, err := oauthConfig.Exchange(httpCtx, authorizationCode)
	if err != nil {
		return failed(fmt.Errorf("facebook: token exchange: %w", err))
	}

	return social.FacebookLoginResult{Status: social.FacebookLoginSuccess, AccessToken: token.AccessToken}
}

func isCancellation(callback loopback.Callback) bool {
	return callback.Get("error_reason") == "user_denied" || callback.ErrorCode() == "access_denied"
}

func failed(err error) social.FacebookLoginResult {
	return social.FacebookLoginResult{Status: social.FacebookLoginFailed, Err: err}
}

type profileResponse struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type pictureResponse struct {
	Data struct {
		URL string `json:"url"`
	} `json:"data"`
}

type emailResponse struct {
	Email string `json:"email"`
}

// Profile fetches the public profile of the session owner.
func (c *Client) Profile(ctx context.Context, accessToken string) (social.FacebookProfile, error) {
	var profile profileResponse
	if err := c.graphGet(ctx, accessToken, "/me", url.Values{"fields": {"id,name"}}, &profile); err != nil {
		return social.FacebookProfile{}, err
	}
	return social.FacebookProfile{ID: profile.ID, Name: profile.Name}, nil
}

// ProfileImageURL returns the URL of the profile picture scaled to width pixels.
func (c *Client) ProfileImageURL(ctx context.Context, accessToken string, width int) (string, error) {
	query := url.Values{
		"width":    {strconv.Itoa(width)},
		"redirect": {"false"},
	}
	var picture pictureResponse
	if err := c.graphGet(ctx, accessToken, "/me/picture", query, &picture); err != nil {
		return "", err
	}
	return picture.Data.URL, nil
}

// Email returns the primary email, empty when the user declined the permission.
func (c *Client) Email(ctx context.Context, accessToken string) (string, error) {
	var email emailResponse
	if err := c.graphGet(ctx, accessToken, "/me", url.Values{"fields": {"email"}}, &email); err != nil {
		return "", err
	}
	return email.Email, nil
}

func (c *Client) graphGet(ctx context.Context, accessToken, path string, query url.Values, target any) error {
	endpoint := c.graphURL + path + "?" + query.Encode()
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	request.Header.Set("Authorization", "Bearer "+accessToken)

	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("facebook: graph %s: %w", path, err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBodySize))
		c.logger.Debug("graph request failed", zap.String("path", path), zap.Int("status", response.StatusCode))
		return fmt.Errorf("facebook: graph %s returned status %d: %s", path, response.StatusCode, body)
	}

	if err := json.NewDecoder(response.Body).Decode(target); err != nil {
		return fmt.Errorf("facebook: decode graph %s: %w", path, err)
	}
	return nil
}
