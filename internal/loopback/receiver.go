package loopback

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	defaultAddress      = "127.0.0.1:8765"
	defaultCallbackPath = "/callback"
	shutdownTimeout     = 5 * time.Second
)

var (
	ErrMissingState          = errors.New("loopback: state required")
	ErrMissingAuthorizeURL   = errors.New("loopback: authorization url required")
	ErrInvalidReceiverConfig = errors.New("loopback: invalid receiver config")

	errInvalidCallbackPath = errors.New("callback path must start with /")
	errStateMismatch       = errors.New("callback state mismatch")
)

// DefaultAllowedOrigins lists the origins that post authorization results
// back to the receiver (Apple uses form_post).
var DefaultAllowedOrigins = []string{"https://appleid.apple.com"}

// Request describes one interactive authorization.
type Request struct {
	URL   string
	State string
}

// Callback holds the parameters delivered to the redirect URL, query and
// form body merged.
type Callback struct {
	Params url.Values
}

// Get returns the first value of the named parameter.
func (c Callback) Get(name string) string {
	return c.Params.Get(name)
}

// ErrorCode returns the OAuth error code, empty when authorization succeeded.
func (c Callback) ErrorCode() string {
	return c.Params.Get("error")
}

func (c Callback) ErrorDescription() string {
	return c.Params.Get("error_description")
}

// Authorizer runs the interactive part of an OAuth flow.
type Authorizer interface {
	RedirectURL() string
	Authorize(ctx context.Context, request Request) (Callback, error)
}

// Config configures a Receiver.
type Config struct {
	Address        string
	CallbackPath   string
	AllowedOrigins []string
	// Announce presents the authorization URL to the user. Defaults to
	// printing it on stderr.
	Announce func(authorizationURL string) error
	Logger   *zap.Logger
}

// Receiver captures OAuth redirects on a local HTTP listener.
type Receiver struct {
	address        string
	callbackPath   string
	allowedOrigins []string
	announce       func(string) error
	logger         *zap.Logger

	mu sync.Mutex
}

// NewReceiver validates cfg and applies defaults.
func NewReceiver(cfg Config) (*Receiver, error) {
	address := strings.TrimSpace(cfg.Address)
	if address == "" {
		address = defaultAddress
	}
	if _, _, err := net.SplitHostPort(address); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidReceiverConfig, err)
	}

	callbackPath := strings.TrimSpace(cfg.CallbackPath)
	if callbackPath == "" {
		callbackPath = defaultCallbackPath
	}
	if !strings.HasPrefix(callbackPath, "/") {
		return nil, fmt.Errorf("%w: %v", ErrInvalidReceiverConfig, errInvalidCallbackPath)
	}

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = DefaultAllowedOrigins
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	announce := cfg.Announce
	if announce == nil {
		announce = func(authorizationURL string) error {
			_, err := fmt.Fprintf(os.Stderr, "Open the following URL in your browser to continue:\n\n  %s\n\n", authorizationURL)
			return err
		}
	}

	return &Receiver{
		address:        address,
		callbackPath:   callbackPath,
		allowedOrigins: append([]string(nil), origins...),
		announce:       announce,
		logger:         logger,
	}, nil
}

// RedirectURL is the URL providers must redirect to.
func (r *Receiver) RedirectURL() string {
	return "http://" + r.address + r.callbackPath
}

// Authorize serves the callback endpoint, announces request.URL and waits
// for a callback carrying request.State. Only one authorization runs at a time.
func (r *Receiver) Authorize(ctx context.Context, request Request) (Callback, error) {
	if strings.TrimSpace(request.URL) == "" {
		return Callback{}, ErrMissingAuthorizeURL
	}
	if request.State == "" {
		return Callback{}, ErrMissingState
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	listener, err := net.Listen("tcp", r.address)
	if err != nil {
		return Callback{}, fmt.Errorf("loopback: listen on %s: %w", r.address, err)
	}

	results := make(chan Callback, 1)
	server := &http.Server{
		Handler:           r.newHandler(request.State, results),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		err := server.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			r.logger.Warn("callback server shutdown failed", zap.Error(err))
		}
	}()

	r.logger.Info("waiting for authorization callback", zap.String("redirect_url", r.RedirectURL()))
	if err := r.announce(request.URL); err != nil {
		return Callback{}, fmt.Errorf("loopback: announce authorization url: %w", err)
	}

	select {
	case callback := <-results:
		return callback, nil
	case err, ok := <-serveErr:
		if !ok {
			return Callback{}, errors.New("loopback: callback server stopped")
		}
		return Callback{}, fmt.Errorf("loopback: serve callback: %w", err)
	case <-ctx.Done():
		return Callback{}, ctx.Err()
	}
}

func (r *Receiver) newHandler(expectedState string, results chan<- Callback) http.Handler {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: r.allowedOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &callbackHandler{
		expectedState: expectedState,
		results:       results,
		logger:        r.logger,
	}
	router.GET(r.callbackPath, handler.handleCallback)
	router.POST(r.callbackPath, handler.handleCallback)

	return router
}

type callbackHandler struct {
	expectedState string
	results       chan<- Callback
	logger        *zap.Logger
}

func (h *callbackHandler) handleCallback(c *gin.Context) {
	if err := c.Request.ParseForm(); err != nil {
		c.String(http.StatusBadRequest, "invalid callback request")
		return
	}
	params := c.Request.Form

	if params.Get("state") != h.expectedState {
		h.logger.Warn("authorization callback rejected", zap.Error(errStateMismatch))
		c.String(http.StatusBadRequest, "invalid callback state")
		return
	}

	callback := Callback{Params: params}
	select {
	case h.results <- callback:
	default:
		h.logger.Debug("duplicate authorization callback ignored")
	}

	if code := callback.ErrorCode(); code != "" {
		h.logger.Info("authorization callback reported error", zap.String("error", code))
		c.String(http.StatusOK, "Sign-in was not completed. You can close this window.")
		return
	}
	c.String(http.StatusOK, "Sign-in complete. You can close this window.")
}
