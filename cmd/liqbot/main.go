package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var apiURL, token string

	root := &cobra.Command{
		Use:   "liqbot",
		Short: "Liquidation-reaction trading bot for perpetual futures",
		Long: `liqbot listens to the forced-liquidation feed, scores liquidation
cascades and trades a layered entry with exchange-side TP/SL protection.

"serve" runs the engine together with the control API. The other
commands talk to a running "serve" process over that API.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&apiURL, "api-url", "", "control API address (default $LIQBOT_API_URL or http://localhost:8080)")
	root.PersistentFlags().StringVar(&token, "token", "", "control API token (default $API_TOKEN)")

	client := func() *apiClient {
		return newAPIClient(apiURL, token)
	}

	root.AddCommand(
		serveCmd(),
		strategyCmd(client),
		sessionCmd(client),
		positionCmd(client),
		keygenCmd(),
		versionCmd(),
	)
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "liqbot %s\n", version)
		},
	}
}
