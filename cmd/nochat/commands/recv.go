package commands

import (
	"encoding/base64"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/CatsMeow492/nochat.io/internal/crypto/primitives"
)

// recvCmd decrypts a received envelope. For first contact the sender's
// identity key usually rides in the envelope itself; --sender-identity
// covers transports that strip it.
func recvCmd() *cobra.Command {
	var senderIdentity string

	cmd := &cobra.Command{
		Use:   "recv <peer-id> <envelope-b64>",
		Short: "Decrypt an envelope, printing the plaintext",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			envelope, err := base64.StdEncoding.DecodeString(args[1])
			if err != nil {
				return fmt.Errorf("decoding envelope: %w", err)
			}

			var identity *primitives.IdentityPublicKey
			if senderIdentity != "" {
				raw, err := base64.StdEncoding.DecodeString(senderIdentity)
				if err != nil || len(raw) != primitives.KeySize {
					return fmt.Errorf("invalid sender identity key")
				}
				var key primitives.IdentityPublicKey
				copy(key[:], raw)
				identity = &key
			}

			plaintext, err := svc.Decrypt(cmd.Context(), args[0], identity, envelope)
			if err != nil {
				return fmt.Errorf("decrypting from %q: %w", args[0], err)
			}
			fmt.Println(string(plaintext))
			return nil
		},
	}

	cmd.Flags().StringVar(&senderIdentity, "sender-identity", "", "sender identity key (base64) for first contact")
	return cmd
}
