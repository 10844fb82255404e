package apple

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	appleAudience          = "https://appleid.apple.com"
	defaultClientSecretTTL = 24 * time.Hour
	maxClientSecretTTL     = 180 * 24 * time.Hour
	clientSecretRenewSkew  = time.Minute
)

var (
	ErrInvalidClientSecretConfig = errors.New("apple: invalid client secret config")

	errMissingTeamID     = errors.New("team id must be provided")
	errMissingClientID   = errors.New("client id must be provided")
	errMissingKeyID      = errors.New("key id must be provided")
	errMissingPrivateKey = errors.New("private key must be provided")
	errClientSecretTTL   = errors.New("client secret ttl exceeds 180 days")
)

// ClientSecretIssuerConfig configures the ES256 client secret Apple expects
// on its token endpoint.
type ClientSecretIssuerConfig struct {
	TeamID     string
	ClientID   string
	KeyID      string
	PrivateKey *ecdsa.PrivateKey
	TTL        time.Duration
	Clock      func() time.Time
}

// ClientSecretIssuer signs client secrets and reuses them until shortly
// before they expire.
type ClientSecretIssuer struct {
	config ClientSecretIssuerConfig
	clock  func() time.Time

	mu        sync.Mutex
	cached    string
	expiresAt time.Time
}

// NewClientSecretIssuer validates cfg and applies defaults.
func NewClientSecretIssuer(cfg ClientSecretIssuerConfig) (*ClientSecretIssuer, error) {
	teamID := strings.TrimSpace(cfg.TeamID)
	if teamID == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidClientSecretConfig, errMissingTeamID)
	}
	clientID := strings.TrimSpace(cfg.ClientID)
	if clientID == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidClientSecretConfig, errMissingClientID)
	}
	keyID := strings.TrimSpace(cfg.KeyID)
	if keyID == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidClientSecretConfig, errMissingKeyID)
	}
	if cfg.PrivateKey == nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidClientSecretConfig, errMissingPrivateKey)
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultClientSecretTTL
	}
	if ttl > maxClientSecretTTL {
		return nil, fmt.Errorf("%w: %v", ErrInvalidClientSecretConfig, errClientSecretTTL)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	return &ClientSecretIssuer{
		config: ClientSecretIssuerConfig{
			TeamID:     teamID,
			ClientID:   clientID,
			KeyID:      keyID,
			PrivateKey: cfg.PrivateKey,
			TTL:        ttl,
			Clock:      clock,
		},
		clock: clock,
	}, nil
}

// ClientSecret returns a signed client secret, minting a new one when the
// cached secret is about to expire.
func (i *ClientSecretIssuer) ClientSecret() (string, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	now := i.clock().UTC()
	if i.cached != "" && now.Add(clientSecretRenewSkew).Before(i.expiresAt) {
		return i.cached, nil
	}

	expiresAt := now.Add(i.config.TTL)
	registered := jwt.RegisteredClaims{
		Issuer:    i.config.TeamID,
		Subject:   i.config.ClientID,
		Audience:  []string{appleAudience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, registered)
	token.Header["kid"] = i.config.KeyID
	signed, err := token.SignedString(i.config.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("apple: sign client secret: %w", err)
	}

	i.cached = signed
	i.expiresAt = expiresAt
	return signed, nil
}

// LoadPrivateKey reads the PEM encoded .p8 key downloaded from the Apple
// developer portal.
func LoadPrivateKey(path string) (*ecdsa.PrivateKey, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("apple: read private key: %w", err)
	}
	key, err := jwt.ParseECPrivateKeyFromPEM(contents)
	if err != nil {
		return nil, fmt.Errorf("apple: parse private key: %w", err)
	}
	return key, nil
}
