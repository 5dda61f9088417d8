package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "veil",
	Short: "Veil is an end-to-end encrypted messaging service",
	Long: `A direct-messaging service where the server never sees plaintext:
clients derive their keypairs from credentials, authenticate by signing a
server challenge, and encrypt every message for exactly one recipient.`,
	Version: Version,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
