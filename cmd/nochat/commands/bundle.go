package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/CatsMeow492/nochat.io/internal/wire"
)

// bundleCmd prints the publication-ready prekey bundle as JSON.
func bundleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bundle",
		Short: "Print the local prekey bundle as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := wire.MarshalBundle(svc.Bundle())
			if err != nil {
				return fmt.Errorf("marshalling bundle: %w", err)
			}
			fmt.Println(string(raw))
			return nil
		},
	}
}
