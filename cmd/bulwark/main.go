package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var ConfigFlag string

func main() {
	rootCmd := &cobra.Command{
		Use:   "bulwark",
		Short: "Bulwark authoritative game server",
		Run:   ServerCommand,
	}
	rootCmd.PersistentFlags().StringVarP(&ConfigFlag, "config", "c", ".", "Path to the server config/data directory")

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
	}
}
