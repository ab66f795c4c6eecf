// Package main is the kansup CLI entry point.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "kansup",
		Short: "Supervises coding-agent processes behind a Telegram forum chat",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a config.yaml directory (defaults to ./ and /etc/kansup/)")

	root.AddCommand(newServeCmd())
	root.AddCommand(newRecoverCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
