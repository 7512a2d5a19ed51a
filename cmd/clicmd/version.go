package clicmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tokenauth/u2fhost/u2fhid"
	"github.com/tokenauth/u2fhost/u2ftoken"
)

func Version() *cobra.Command {
	return &cobra.Command{
		Use:          "version",
		Short:        "Print the U2F protocol version of the first connected key",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			devs, err := u2fhid.Devices()
			if err != nil {
				return err
			}
			if len(devs) == 0 {
				return u2fhid.ErrNoDevice
			}

			dev, err := u2fhid.Open(devs[0])
			if err != nil {
				return err
			}
			defer dev.Close()

			version, err := u2ftoken.NewToken(dev).Version()
			if err != nil {
				return err
			}
			fmt.Println(version)
			return nil
		},
	}
}
