package social

import (
	"context"
	"fmt"
)

const (
	appleEmailKey    = "apple_email"
	appleFullNameKey = "apple_full_name"
)

// appleIdentityCache keeps the email and name Apple discloses only once.
type appleIdentityCache struct {
	store SecureStore
}

func (c appleIdentityCache) save(ctx context.Context, credential AppleCredential) error {
	if err := c.store.Write(ctx, appleEmailKey, credential.Email); err != nil {
		return fmt.Errorf("social: cache apple email: %w", err)
	}
	if err := c.store.Write(ctx, appleFullNameKey, appleFullName(credential)); err != nil {
		return fmt.Errorf("social: cache apple full name: %w", err)
	}
	return nil
}

func (c appleIdentityCache) load(ctx context.Context) (string, string, error) {
	email, _, err := c.store.Read(ctx, appleEmailKey)
	if err != nil {
		return "", "", fmt.Errorf("social: read apple email: %w", err)
	}
	fullName, _, err := c.store.Read(ctx, appleFullNameKey)
	if err != nil {
		return "", "", fmt.Errorf("social: read apple full name: %w", err)
	}
	return email, fullName, nil
}

// appleFullName joins given and family name with one space. A missing family
// name leaves the trailing space in place; stored values depend on it.
func appleFullName(credential AppleCredential) string {
	return credential.GivenName + " " + credential.FamilyName
}
