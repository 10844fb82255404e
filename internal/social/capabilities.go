package social

import "context"

// GoogleAccount is the profile the Google sign-in flow hands back.
type GoogleAccount struct {
	ID          string
	Email       string
	DisplayName string
	PhotoURL    string
}

// GoogleClient is the interactive Google sign-in capability.
// SignIn returns a nil account and a nil error when the user cancels.
type GoogleClient interface {
	IsSignedIn(ctx context.Context) bool
	SignOut(ctx context.Context) error
	SignIn(ctx context.Context) (*GoogleAccount, error)
}

// AppleScope names an attribute requested from Apple.
type AppleScope string

const (
	AppleScopeEmail    AppleScope = "email"
	AppleScopeFullName AppleScope = "name"
)

// AppleCredentialRequest is passed to the Apple credential issuer.
type AppleCredentialRequest struct {
	Scopes []AppleScope
	Nonce  string
	State  string
}

// AppleCredential is an Apple ID credential. Email and name parts are only
// disclosed on the first authorization of an app.
type AppleCredential struct {
	UserIdentifier    string
	Email             string
	GivenName         string
	FamilyName        string
	IdentityToken     string
	AuthorizationCode string
}

// AppleClient issues Apple ID credentials. Cancellation is reported as an error.
type AppleClient interface {
	RequestCredential(ctx context.Context, request AppleCredentialRequest) (AppleCredential, error)
}

// FacebookLoginStatus is the outcome of the Facebook login flow.
type FacebookLoginStatus int

const (
	FacebookLoginSuccess FacebookLoginStatus = iota
	FacebookLoginCancelled
	FacebookLoginFailed
)

func (s FacebookLoginStatus) String() string {
	switch s {
	case FacebookLoginSuccess:
		return "success"
	case FacebookLoginCancelled:
		return "cancelled"
	case FacebookLoginFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// FacebookLoginResult carries the access token on success and the cause on failure.
type FacebookLoginResult struct {
	Status      FacebookLoginStatus
	AccessToken string
	Err         error
}

// FacebookProfile is the public profile of the authenticated user.
type FacebookProfile struct {
	ID   string
	Name string
}

// FacebookClient is the Facebook login capability plus the profile lookups
// made against an authenticated session.
type FacebookClient interface {
	Login(ctx context.Context, permissions []string) FacebookLoginResult
	Profile(ctx context.Context, accessToken string) (FacebookProfile, error)
	ProfileImageURL(ctx context.Context, accessToken string, width int) (string, error)
	Email(ctx context.Context, accessToken string) (string, error)
}

// SecureStore is encrypted key/value persistence, already scoped to a storage group.
type SecureStore interface {
	Write(ctx context.Context, key, value string) error
	Read(ctx context.Context, key string) (string, bool, error)
}
