package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/CatsMeow492/nochat.io/internal/wire"
)

// establishCmd starts an outbound session from a peer's published bundle.
func establishCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "establish <peer-bundle.json>",
		Short: "Establish an outbound session from a peer's bundle file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("reading bundle file: %w", err)
			}
			bundle, err := wire.UnmarshalBundle(raw)
			if err != nil {
				return fmt.Errorf("parsing bundle: %w", err)
			}
			peerID, err := svc.EstablishOutboundSession(cmd.Context(), bundle)
			if err != nil {
				return fmt.Errorf("establishing session: %w", err)
			}
			fmt.Println(peerID)
			return nil
		},
	}
}
