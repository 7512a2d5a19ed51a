// Package clicmd holds the u2fcli subcommands.
package clicmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tokenauth/u2fhost/u2fhid"
)

func List() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "list",
		Short:        "List connected security keys",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			verbose, err := cmd.Flags().GetBool("verbose")
			if err != nil {
				return err
			}

			devs, err := u2fhid.Devices()
			if err != nil {
				return err
			}

			for _, info := range devs {
				fmt.Printf("%s (ID: %04x:%04x) %s\n", info.Path, info.VendorID, info.ProductID, info.Product)
				if !verbose {
					continue
				}

				d, err := u2fhid.Open(info)
				if err != nil {
					return err
				}
				fmt.Printf("\tvendor: %s\n", info.Manufacturer)
				fmt.Printf("\tversion: %d.%d.%d\n", d.MajorDeviceVersion, d.MinorDeviceVersion, d.BuildDeviceVersion)
				fmt.Printf("\tcapabilities:\n\t\tnmsg: %v\n\t\tcbor: %v\n\t\twink: %v\n",
					d.CapabilityNMSG,
					d.CapabilityCBOR,
					d.CapabilityWink,
				)
				d.Close()
			}

			return nil
		},
	}

	cmd.Flags().BoolP("verbose", "v", false, "display more informations")
	return cmd
}
