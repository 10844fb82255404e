package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/MarcoPoloResearchLab/social-login/internal/config"
	"github.com/MarcoPoloResearchLab/social-login/internal/database"
	"github.com/MarcoPoloResearchLab/social-login/internal/logging"
	"github.com/MarcoPoloResearchLab/social-login/internal/loopback"
	"github.com/MarcoPoloResearchLab/social-login/internal/providers/apple"
	"github.com/MarcoPoloResearchLab/social-login/internal/providers/facebook"
	"github.com/MarcoPoloResearchLab/social-login/internal/providers/google"
	"github.com/MarcoPoloResearchLab/social-login/internal/securestore"
	"github.com/MarcoPoloResearchLab/social-login/internal/social"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "social-login",
		Short:         "Sign in with Google, Apple or Facebook and print the normalized user",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(
		newSignInCommand("google", "Sign in with Google", (*social.Facade).SignInWithGoogle),
		newSignInCommand("apple", "Sign in with Apple", (*social.Facade).SignInWithApple),
		newSignInCommand("facebook", "Log in with Facebook", (*social.Facade).SignInWithFacebook),
		newNonceCommand(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path for the secure store")
	cmd.PersistentFlags().String("storage-group", defaults.GetString("storage.group"), "Secure storage group identifier")
	cmd.PersistentFlags().String("callback-address", defaults.GetString("callback.address"), "Loopback address receiving OAuth redirects")
	cmd.PersistentFlags().Bool("propagate-facebook-errors", defaults.GetBool("facebook.propagate_errors"), "Fail on Facebook login errors instead of reporting no user")

	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "storage.group", "storage-group")
	bindFlag(cmd, "callback.address", "callback-address")
	bindFlag(cmd, "facebook.propagate_errors", "propagate-facebook-errors")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("social-login")
		viper.AddConfigPath(".")
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

type signInFunc func(*social.Facade, context.Context) (*social.SocialUser, error)

func newSignInCommand(name, short string, signIn signInFunc) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}

			logger, err := logging.NewLogger(appConfig.LogLevel)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			facade, closeStore, err := buildFacade(appConfig, logger)
			if err != nil {
				return err
			}
			defer closeStore()

			user, err := signIn(facade, ctx)
			if err != nil {
				return err
			}
			return printUser(cmd.OutOrStdout(), user)
		},
	}
}

func newNonceCommand() *cobra.Command {
	var length int
	cmd := &cobra.Command{
		Use:   "nonce",
		Short: "Print a random hex nonce",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if length < 0 {
				return fmt.Errorf("length must not be negative")
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), social.GenerateNonce(length))
			return err
		},
	}
	cmd.Flags().IntVar(&length, "length", social.DefaultNonceLength, "Number of random bytes")
	return cmd
}

func buildFacade(appConfig config.AppConfig, logger *zap.Logger) (*social.Facade, func(), error) {
	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	closeStore := func() {
		if err := sqlDB.Close(); err != nil {
			logger.Warn("failed to close database", zap.Error(err))
		}
	}

	vault, err := securestore.NewVault(db, securestore.Options{Secret: appConfig.StorageSecret})
	if err != nil {
		closeStore()
		return nil, nil, err
	}

	gin.SetMode(gin.ReleaseMode)
	receiver, err := loopback.NewReceiver(loopback.Config{
		Address:      appConfig.CallbackAddress,
		CallbackPath: appConfig.CallbackPath,
		Logger:       logger,
	})
	if err != nil {
		closeStore()
		return nil, nil, err
	}

	facadeConfig := social.Config{
		Store:                   vault.Scope(appConfig.StorageGroup),
		Logger:                  logger,
		PropagateFacebookErrors: appConfig.PropagateFacebookErrors,
	}

	if appConfig.Google.Enabled() {
		client, err := google.NewClient(google.ClientConfig{
			ClientID:     appConfig.Google.ClientID,
			ClientSecret: appConfig.Google.ClientSecret,
			Authorizer:   receiver,
			Logger:       logger,
		})
		if err != nil {
			closeStore()
			return nil, nil, err
		}
		facadeConfig.Google = client
	}

	if appConfig.Apple.Enabled() {
		client, err := newAppleClient(appConfig.Apple, receiver, logger)
		if err != nil {
			closeStore()
			return nil, nil, err
		}
		facadeConfig.Apple = client
	}

	if appConfig.Facebook.Enabled() {
		client, err := facebook.NewClient(facebook.ClientConfig{
			AppID:      appConfig.Facebook.AppID,
			AppSecret:  appConfig.Facebook.AppSecret,
			Authorizer: receiver,
			GraphURL:   appConfig.Facebook.GraphURL,
			Logger:     logger,
		})
		if err != nil {
			closeStore()
			return nil, nil, err
		}
		facadeConfig.Facebook = client
	}

	logger.Debug("facade ready",
		zap.Bool("google", facadeConfig.Google != nil),
		zap.Bool("apple", facadeConfig.Apple != nil),
		zap.Bool("facebook", facadeConfig.Facebook != nil),
		zap.String("storage_group", appConfig.StorageGroup),
	)
	return social.NewFacade(facadeConfig), closeStore, nil
}

func newAppleClient(appleConfig config.AppleConfig, receiver loopback.Authorizer, logger *zap.Logger) (*apple.Client, error) {
	privateKey, err := apple.LoadPrivateKey(appleConfig.PrivateKeyPath)
	if err != nil {
		return nil, err
	}
	secrets, err := apple.NewClientSecretIssuer(apple.ClientSecretIssuerConfig{
		TeamID:     appleConfig.TeamID,
		ClientID:   appleConfig.ClientID,
		KeyID:      appleConfig.KeyID,
		PrivateKey: privateKey,
		TTL:        appleConfig.ClientSecretTTL,
	})
	if err != nil {
		return nil, err
	}
	return apple.NewClient(apple.ClientConfig{
		ClientID:    appleConfig.ClientID,
		RedirectURL: appleConfig.RedirectURL,
		Authorizer:  receiver,
		Secrets:     secrets,
		Logger:      logger,
	})
}

func printUser(out io.Writer, user *social.SocialUser) error {
	if user == nil {
		_, err := fmt.Fprintln(out, "no user")
		return err
	}
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(user)
}
