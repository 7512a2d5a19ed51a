package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tokenauth/u2fhost/cmd/clicmd"
)

var rootCmd = &cobra.Command{
	Use:   "u2fcli",
	Short: "Register and authenticate with FIDO U2F security keys",
}

func init() {
	rootCmd.AddCommand(clicmd.List())
	rootCmd.AddCommand(clicmd.Version())
	rootCmd.AddCommand(clicmd.Register())
	rootCmd.AddCommand(clicmd.Sign())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
