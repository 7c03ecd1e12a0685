package cmd

import (
	"crypto/rsa"
	"fmt"
	"os"
	"time"

	"magg/internal/api"
	"magg/internal/auth"
	"magg/internal/config"

	"github.com/spf13/cobra"
)

var (
	authTokenSubject string
	authTokenScopes  []string
	authTokenTTL     time.Duration
)

// authCmd groups the bearer-token key and token operations.
var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Manage bearer-token authentication",
	Long: `Manages the RSA keypair and bearer tokens protecting the HTTP
transports. Without a private key, authentication is disabled and every
request is accepted.`,
}

var authInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate the RSA keypair",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		settings, err := authSettings()
		if err != nil {
			return err
		}
		if _, err := os.Stat(settings.PrivateKeyPath()); err == nil {
			return api.Validationf("private key already exists at %s", settings.PrivateKeyPath())
		}
		if err := os.MkdirAll(settings.ConfigDir, 0o755); err != nil {
			return err
		}
		if _, err := auth.GenerateKey(settings.PrivateKeyPath()); err != nil {
			return err
		}
		fmt.Printf("Generated keypair at %s\n", settings.PrivateKeyPath())
		return nil
	},
}

var authTokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a bearer token",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		authn, err := openAuthenticator()
		if err != nil {
			return err
		}
		token, err := authn.IssueToken(authTokenSubject, authTokenScopes, authTokenTTL)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

var authStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether authentication is enabled",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		settings, err := authSettings()
		if err != nil {
			return err
		}
		key, err := auth.LoadKey(settings.PrivateKey, settings.PrivateKeyPath())
		if err != nil {
			return err
		}
		if key == nil {
			fmt.Println("auth: disabled (no private key)")
			return nil
		}
		fmt.Printf("auth: enabled (key at %s)\n", settings.PrivateKeyPath())
		return nil
	},
}

var authPublicKeyCmd = &cobra.Command{
	Use:   "public-key",
	Short: "Print the public key PEM",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := requireKey()
		if err != nil {
			return err
		}
		pem, err := auth.PublicKeyPEM(key)
		if err != nil {
			return err
		}
		fmt.Print(pem)
		return nil
	},
}

var authPrivateKeyCmd = &cobra.Command{
	Use:   "private-key",
	Short: "Print the private key PEM",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := requireKey()
		if err != nil {
			return err
		}
		fmt.Print(auth.PrivateKeyPEM(key))
		return nil
	},
}

func authSettings() (*config.Settings, error) {
	configDir := rootConfigDir
	if configDir == "" {
		var err error
		configDir, err = config.DefaultConfigDir()
		if err != nil {
			return nil, err
		}
	}
	return config.LoadSettings(configDir)
}

func requireKey() (*rsa.PrivateKey, error) {
	settings, err := authSettings()
	if err != nil {
		return nil, err
	}
	k, err := auth.LoadKey(settings.PrivateKey, settings.PrivateKeyPath())
	if err != nil {
		return nil, err
	}
	if k == nil {
		return nil, api.Authf("no private key; run 'magg auth init' first")
	}
	return k, nil
}

func openAuthenticator() (*auth.Authenticator, error) {
	settings, err := authSettings()
	if err != nil {
		return nil, err
	}
	key, err := auth.LoadKey(settings.PrivateKey, settings.PrivateKeyPath())
	if err != nil {
		return nil, err
	}
	if key == nil {
		return nil, api.Authf("no private key; run 'magg auth init' first")
	}
	return auth.NewAuthenticator(key, settings.SelfPrefix, settings.SelfPrefix), nil
}

func init() {
	rootCmd.AddCommand(authCmd)
	authCmd.AddCommand(authInitCmd)
	authCmd.AddCommand(authTokenCmd)
	authCmd.AddCommand(authStatusCmd)
	authCmd.AddCommand(authPublicKeyCmd)
	authCmd.AddCommand(authPrivateKeyCmd)

	authTokenCmd.Flags().StringVar(&authTokenSubject, "subject", "magg-client", "Token subject claim")
	authTokenCmd.Flags().StringSliceVar(&authTokenScopes, "scope", nil, "Informational scope claim (repeatable)")
	authTokenCmd.Flags().DurationVar(&authTokenTTL, "ttl", auth.DefaultTokenTTL, "Token validity window")
}
