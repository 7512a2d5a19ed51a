package clicmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tokenauth/u2fhost/u2fauth"
)

func Register() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "register",
		Short:        "Register a new credential with a connected security key",
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

			auth := u2fauth.New()

			fmt.Println("Touch your security key to confirm registration...")
			reg, err := auth.Register(application, timeout, challenge)
			if err != nil {
				return err
			}
			if _, err := auth.VerifyRegistration(application, challenge, reg); err != nil {
				return fmt.Errorf("registration did not verify: %w", err)
			}

			out, err := json.MarshalIndent(reg, "", "  ")
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
	cmd.MarkFlagRequired("application")
	cmd.MarkFlagRequired("challenge")
	return cmd
}
