package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "quasar",
		Short: "Quasar messaging gateway",
		Long:  "Run the Quasar multi-tenant messaging gateway",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(accountsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
