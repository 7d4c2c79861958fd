// Package commands wires the crypto service once and exposes one verb per
// subcommand.
package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/CatsMeow492/nochat.io/internal/keystore"
	"github.com/CatsMeow492/nochat.io/internal/service"
	"github.com/CatsMeow492/nochat.io/internal/vault"
)

var (
	// These flags are shared across all commands.
	vaultPath    string
	deviceSecret string
	serviceName  string

	// svc holds the wired crypto service after PersistentPreRunE.
	svc *service.Service
)

// Execute initialises the service and runs the root cobra command.
func Execute() error {
	// Local development overrides; absence is fine.
	_ = godotenv.Load(".env.local")

	root := &cobra.Command{
		Use:   "nochat",
		Short: "End-to-end encryption core CLI",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if vaultPath == "" {
				vaultPath = os.Getenv("NOCHAT_VAULT_PATH")
			}
			if vaultPath == "" {
				if h, err := os.UserHomeDir(); err == nil {
					vaultPath = filepath.Join(h, ".nochat", "vault.db")
				} else {
					vaultPath = "nochat-vault.db"
				}
			}
			if err := os.MkdirAll(filepath.Dir(vaultPath), 0o700); err != nil {
				return fmt.Errorf("creating vault dir: %w", err)
			}
			if deviceSecret == "" {
				deviceSecret = os.Getenv("NOCHAT_DEVICE_SECRET")
			}
			if serviceName == "" {
				serviceName = os.Getenv("NOCHAT_KEYCHAIN_SERVICE")
			}
			if serviceName == "" {
				serviceName = "nochat"
			}

			pickleKey, err := resolvePickleKey()
			if err != nil {
				return fmt.Errorf("resolving pickle key: %w", err)
			}
			v, err := vault.Open(vaultPath, pickleKey)
			if err != nil {
				return fmt.Errorf("opening vault: %w", err)
			}
			svc, err = service.Init(cmd.Context(), v)
			if err != nil {
				return fmt.Errorf("initialising crypto service: %w", err)
			}
			return nil
		},
	}

	root.PersistentFlags().StringVar(&vaultPath, "vault", "", "vault database path (default: $HOME/.nochat/vault.db)")
	root.PersistentFlags().StringVar(&deviceSecret, "device-secret", "", "device secret for pickle-key derivation (default: machine id)")
	root.PersistentFlags().StringVar(&serviceName, "service-name", "", "OS keychain service name (default: nochat)")

	root.AddCommand(
		identityCmd(),
		bundleCmd(),
		establishCmd(),
		sendCmd(),
		recvCmd(),
		statusCmd(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	root.SetContext(ctx)

	return root.Execute()
}

// resolvePickleKey prefers an explicit device secret, then the machine id,
// and finally a random key kept in the OS secure store.
func resolvePickleKey() ([]byte, error) {
	if deviceSecret != "" {
		return vault.DerivePickleKey([]byte(deviceSecret), nil)
	}
	if secret, err := keystore.DeviceSecret(serviceName); err == nil {
		return vault.DerivePickleKey(secret, nil)
	}
	store, err := keystore.Open(serviceName)
	if err != nil {
		return nil, err
	}
	return vault.ResolvePickleKey(store, nil, nil)
}
