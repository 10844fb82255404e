package social

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

var (
	// ErrProviderNotConfigured is returned when the matching collaborator was not supplied.
	ErrProviderNotConfigured = errors.New("social: provider not configured")
	// ErrMissingStore is returned by Apple sign-in when no secure store was supplied.
	ErrMissingStore = errors.New("social: secure store required")
)

const facebookImageWidth = 100

var (
	facebookPermissions = []string{"public_profile", "email"}
	appleScopes         = []AppleScope{AppleScopeEmail, AppleScopeFullName}
)

// Config wires the provider collaborators into a Facade.
type Config struct {
	Google   GoogleClient
	Apple    AppleClient
	Facebook FacebookClient
	// Store holds the cached Apple identity. Scope it to the storage group
	// before handing it over.
	Store  SecureStore
	Logger *zap.Logger
	Nonce  func(length int) string
	// PropagateFacebookErrors returns Facebook login failures to the caller
	// instead of logging them and reporting no user.
	PropagateFacebookErrors bool
}

// Facade exposes one sign-in call per provider and normalizes their results.
type Facade struct {
	google            GoogleClient
	apple             AppleClient
	facebook          FacebookClient
	store             SecureStore
	logger            *zap.Logger
	nonce             func(length int) string
	propagateFacebook bool
}

// NewFacade constructs a Facade. Unset collaborators disable the matching operation.
func NewFacade(cfg Config) *Facade {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	nonce := cfg.Nonce
	if nonce == nil {
		nonce = GenerateNonce
	}
	return &Facade{
		google:            cfg.Google,
		apple:             cfg.Apple,
		facebook:          cfg.Facebook,
		store:             cfg.Store,
		logger:            logger,
		nonce:             nonce,
		propagateFacebook: cfg.PropagateFacebookErrors,
	}
}

// SignInWithGoogle terminates any existing Google session and runs the
// interactive flow. A nil user with a nil error means the user cancelled.
func (f *Facade) SignInWithGoogle(ctx context.Context) (*SocialUser, error) {
	if f.google == nil {
		return nil, fmt.Errorf("%w: google", ErrProviderNotConfigured)
	}

	if f.google.IsSignedIn(ctx) {
		f.logger.Debug("google session found, signing out")
		if err := f.google.SignOut(ctx); err != nil {
			return nil, fmt.Errorf("social: google sign out: %w", err)
		}
	}

	account, err := f.google.SignIn(ctx)
	if err != nil {
		return nil, fmt.Errorf("social: google sign in: %w", err)
	}
	if account == nil {
		f.logger.Info("google sign in cancelled")
		return nil, nil
	}

	return newSocialUser(account.ID, account.Email, account.DisplayName, account.PhotoURL), nil
}

// SignInWithApple requests an Apple ID credential and backfills email and
// name from the secure store when Apple withholds them.
func (f *Facade) SignInWithApple(ctx context.Context) (*SocialUser, error) {
	if f.apple == nil {
		return nil, fmt.Errorf("%w: apple", ErrProviderNotConfigured)
	}
	if f.store == nil {
		return nil, ErrMissingStore
	}

	request := AppleCredentialRequest{
		Scopes: appleScopes,
		Nonce:  f.nonce(DefaultNonceLength),
		State:  f.nonce(DefaultNonceLength),
	}
	credential, err := f.apple.RequestCredential(ctx, request)
	if err != nil {
		return nil, fmt.Errorf("social: apple credential: %w", err)
	}

	cache := appleIdentityCache{store: f.store}
	if credential.Email != "" && credential.GivenName != "" {
		if err := cache.save(ctx, credential); err != nil {
			return nil, err
		}
		f.logger.Debug("apple identity cached", zap.String("user_id", credential.UserIdentifier))
	}

	email, fullName, err := cache.load(ctx)
	if err != nil {
		return nil, err
	}

	return newSocialUser(credential.UserIdentifier, email, fullName, ""), nil
}

// SignInWithFacebook runs the Facebook login flow and fetches the profile,
// a 100px picture URL and the email. Cancellation and login failures both
// yield a nil user; failures are only logged unless PropagateFacebookErrors is set.
func (f *Facade) SignInWithFacebook(ctx context.Context) (*SocialUser, error) {
	if f.facebook == nil {
		return nil, fmt.Errorf("%w: facebook", ErrProviderNotConfigured)
	}

	result := f.facebook.Login(ctx, facebookPermissions)
	switch result.Status {
	case FacebookLoginSuccess:
		return f.fetchFacebookUser(ctx, result.AccessToken)
	case FacebookLoginCancelled:
		f.logger.Info("facebook login cancelled")
		return nil, nil
	default:
		loginErr := result.Err
		if loginErr == nil {
			loginErr = fmt.Errorf("social: facebook login status %s", result.Status)
		}
		if f.propagateFacebook {
			return nil, fmt.Errorf("social: facebook login: %w", loginErr)
		}
		f.logger.Error("facebook login failed", zap.Error(loginErr))
		return nil, nil
	}
}

func (f *Facade) fetchFacebookUser(ctx context.Context, accessToken string) (*SocialUser, error) {
	profile, err := f.facebook.Profile(ctx, accessToken)
	if err != nil {
		return nil, fmt.Errorf("social: facebook profile: %w", err)
	}
	imageURL, err := f.facebook.ProfileImageURL(ctx, accessToken, facebookImageWidth)
	if err != nil {
		return nil, fmt.Errorf("social: facebook profile image: %w", err)
	}
	email, err := f.facebook.Email(ctx, accessToken)
	if err != nil {
		return nil, fmt.Errorf("social: facebook email: %w", err)
	}
	return newSocialUser(profile.ID, email, profile.Name, imageURL), nil
}
