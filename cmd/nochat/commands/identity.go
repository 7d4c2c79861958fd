package commands

import (
	"encoding/base64"
	"fmt"

	"github.com/spf13/cobra"
)

// identityCmd creates the local identity on first use and displays it.
func identityCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "identity",
		Short: "Create or display the local identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			identity := svc.IdentityKey()
			fmt.Printf("identity key: %s\n", base64.StdEncoding.EncodeToString(identity.Slice()))
			fmt.Printf("fingerprint:  %s\n", svc.Fingerprint())
			return nil
		},
	}
}
