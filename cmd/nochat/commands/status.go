package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// statusCmd prints the prekey health snapshot.
func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print prekey and session status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := svc.Status(cmd.Context())
			if err != nil {
				return fmt.Errorf("reading status: %w", err)
			}
			need, err := svc.NeedsMoreKeys(cmd.Context())
			if err != nil {
				return fmt.Errorf("counting one-time prekeys: %w", err)
			}

			fmt.Printf("fingerprint:          %s\n", st.Fingerprint)
			fmt.Printf("one-time prekeys:     %d\n", st.OneTimePreKeyCount)
			fmt.Printf("needs more keys:      %t\n", need)
			fmt.Printf("needs replenishment:  %t\n", st.NeedsReplenishment)
			fmt.Printf("signed prekey age:    %ds\n", st.SignedPreKeyAgeSeconds)
			fmt.Printf("needs rotation:       %t\n", st.NeedsRotation)
			fmt.Printf("sessions:             %d\n", st.Sessions)
			return nil
		},
	}
}
