package clicmd

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tokenauth/u2fhost/u2fauth"
)

func Sign() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "sign",
		Short:        "Sign a challenge with a previously registered credential",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			application, err := cmd.Flags().GetString("application")
			if err != nil {
				return err
			}
			challenge, err := cmd.Flags().GetString("challenge")
			if err != nil {
				return err
			}
			timeout, err := cmd.Flags().GetDuration("timeout")
			if err != nil {
				return err
			}
			keyHandle, err := flagBytes(cmd, "key-handle")
			if err != nil {
				return err
			}
			publicKey, err := flagBytes(cmd, "public-key")
			if err != nil {
				return err
			}

			auth := u2fauth.New()

			fmt.Println("Touch your security key to confirm...")
			assertion, err := auth.Sign(application, timeout, challenge, keyHandle)
			if err != nil {
				return err
			}

			if len(publicKey) > 0 {
				counter, err := auth.VerifySignature(application, challenge, assertion, keyHandle, publicKey)
				if err != nil {
					return fmt.Errorf("assertion did not verify: %w", err)
				}
				fmt.Printf("verified, counter %d\n", counter)
			}

			out, err := json.MarshalIndent(assertion, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}

	cmd.Flags().StringP("application", "a", "", "relying party application identity")
	cmd.Flags().StringP("challenge", "c", "", "challenge string")
	cmd.Flags().DurationP("timeout", "t", 30*time.Second, "time to wait for a touch")
	cmd.Flags().StringP("key-handle", "k", "", "base64url key handle from registration")
	cmd.Flags().StringP("public-key", "p", "", "base64url public key from registration; verifies the assertion when set")
	cmd.MarkFlagRequired("application")
	cmd.MarkFlagRequired("challenge")
	cmd.MarkFlagRequired("key-handle")
	return cmd
}

// flagBytes decodes a base64url string flag, tolerating padding.
func flagBytes(cmd *cobra.Command, name string) ([]byte, error) {
	s, err := cmd.Flags().GetString(name)
	if err != nil {
		return nil, err
	}
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
	if err != nil {
		return nil, fmt.Errorf("invalid --%s: %w", name, err)
	}
	return raw, nil
}
