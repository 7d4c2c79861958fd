package commands

import (
	"encoding/base64"
	"fmt"

	"github.com/spf13/cobra"
)

// sendCmd encrypts a message for an established peer.
func sendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <peer-id> <message>",
		Short: "Encrypt a message, printing the base64 envelope",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			envelope, err := svc.Encrypt(cmd.Context(), args[0], []byte(args[1]))
			if err != nil {
				return fmt.Errorf("encrypting for %q: %w", args[0], err)
			}
			fmt.Println(base64.StdEncoding.EncodeToString(envelope))
			return nil
		},
	}
}
