package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "jokko",
	Short: "Jokko Agro conversation sync server",
	Long:  "Runs the buyer/producer messaging sync server and a small client for watching a session's live events.",
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
