package integration_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/social-login/internal/database"
	"github.com/MarcoPoloResearchLab/social-login/internal/securestore"
	"github.com/MarcoPoloResearchLab/social-login/internal/social"
	"go.uber.org/zap"
)

const (
	storageSecret = "integration-storage-secret"
	sharedGroup   = "group.com.example.shared"
	otherGroup    = "group.com.example.other"
	appleUserID   = "001234.abcdef.0987"
)

func TestAppleIdentitySurvivesRestart(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "social-login.db")
	ctx := context.Background()

	firstRun := openFacade(testContext, databasePath, sharedGroup, &scriptedApple{credential: social.AppleCredential{
		UserIdentifier: appleUserID,
		Email:          "jane@privaterelay.appleid.com",
		GivenName:      "Jane",
	}})
	user, err := firstRun.SignInWithApple(ctx)
	if err != nil {
		testContext.Fatalf("first sign in failed: %v", err)
	}
	if user == nil || user.Email != "jane@privaterelay.appleid.com" || user.FullName != "Jane " {
		testContext.Fatalf("unexpected first user %+v", user)
	}

	secondRun := openFacade(testContext, databasePath, sharedGroup, &scriptedApple{credential: social.AppleCredential{
		UserIdentifier: appleUserID,
	}})
	user, err = secondRun.SignInWithApple(ctx)
	if err != nil {
		testContext.Fatalf("second sign in failed: %v", err)
	}
	expected := social.SocialUser{
		UserID:   appleUserID,
		Email:    "jane@privaterelay.appleid.com",
		FullName: "Jane ",
	}
	if user == nil || *user != expected {
		testContext.Fatalf("expected cached identity %+v, got %+v", expected, user)
	}

	isolated := openFacade(testContext, databasePath, otherGroup, &scriptedApple{credential: social.AppleCredential{
		UserIdentifier: appleUserID,
	}})
	user, err = isolated.SignInWithApple(ctx)
	if err != nil {
		testContext.Fatalf("isolated sign in failed: %v", err)
	}
	if user == nil || user.Email != "" || user.FullName != "" {
		testContext.Fatalf("expected other group to see no cached identity, got %+v", user)
	}
}

func TestAppleIdentityIsOverwrittenByNewDisclosure(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "social-login.db")
	ctx := context.Background()

	for _, credential := range []social.AppleCredential{
		{UserIdentifier: appleUserID, Email: "old@example.com", GivenName: "Old", FamilyName: "Name"},
		{UserIdentifier: appleUserID, Email: "new@example.com", GivenName: "New", FamilyName: "Name"},
	} {
		facade := openFacade(testContext, databasePath, sharedGroup, &scriptedApple{credential: credential})
		if _, err := facade.SignInWithApple(ctx); err != nil {
			testContext.Fatalf("sign in failed: %v", err)
		}
	}

	facade := openFacade(testContext, databasePath, sharedGroup, &scriptedApple{credential: social.AppleCredential{UserIdentifier: appleUserID}})
	user, err := facade.SignInWithApple(ctx)
	if err != nil {
		testContext.Fatalf("sign in failed: %v", err)
	}
	if user == nil || user.Email != "new@example.com" || user.FullName != "New Name" {
		testContext.Fatalf("expected latest disclosure, got %+v", user)
	}
}

func openFacade(testContext *testing.T, databasePath, group string, apple social.AppleClient) *social.Facade {
	testContext.Helper()

	db, err := database.OpenSQLite(databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql db: %v", err)
	}
	testContext.Cleanup(func() {
		_ = sqlDB.Close()
	})

	vault, err := securestore.NewVault(db, securestore.Options{Secret: storageSecret})
	if err != nil {
		testContext.Fatalf("failed to build vault: %v", err)
	}

	return social.NewFacade(social.Config{
		Apple:  apple,
		Store:  vault.Scope(group),
		Logger: zap.NewNop(),
	})
}

type scriptedApple struct {
	credential social.AppleCredential
}

func (s *scriptedApple) RequestCredential(_ context.Context, request social.AppleCredentialRequest) (social.AppleCredential, error) {
	return s.credential, nil
}
