package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"liqbot/internal/models"
	"liqbot/pkg/crypto"
	"liqbot/pkg/utils"

	"github.com/spf13/cobra"
)

func strategyCmd(client func() *apiClient) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "strategy",
		Short: "Manage trading strategies",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List strategies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var out []map[string]interface{}
			if err := client().get(cmd.Context(), "/api/v1/strategies", &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}

	activate := &cobra.Command{
		Use:   "activate <id>",
		Short: "Activate a strategy and start its engine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			var st models.Strategy
			if err := client().post(cmd.Context(), fmt.Sprintf("/api/v1/strategies/%d/activate", id), nil, &st); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "strategy %d (%s) activated\n", st.ID, st.Name)
			return nil
		},
	}

	deactivate := &cobra.Command{
		Use:   "deactivate",
		Short: "Stop the active strategy; open positions stay protected on the exchange",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var st models.Strategy
			if err := client().post(cmd.Context(), "/api/v1/strategies/deactivate", nil, &st); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "strategy %d (%s) deactivated\n", st.ID, st.Name)
			return nil
		},
	}

	cmd.AddCommand(list, activate, deactivate)
	return cmd
}

func sessionCmd(client func() *apiClient) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage trading sessions",
	}

	reset := &cobra.Command{
		Use:   "reset <strategy-id>",
		Short: "Close the active session and start a new one from the current balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			var s models.TradeSession
			if err := client().post(cmd.Context(), fmt.Sprintf("/api/v1/strategies/%d/session/reset", id), nil, &s); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "session %d started for strategy %d\n", s.ID, id)
			return nil
		},
	}

	cmd.AddCommand(reset)
	return cmd
}

func positionCmd(client func() *apiClient) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "position",
		Short: "Inspect and close positions",
	}

	closeCmd := &cobra.Command{
		Use:   "close <symbol> <long|short>",
		Short: "Close a position at market and cancel its TP/SL",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			side, err := parseSide(args[1])
			if err != nil {
				return err
			}
			req := map[string]string{
				"symbol": utils.NormalizeSymbol(args[0]),
				"side":   side,
			}
			if err := client().post(cmd.Context(), "/api/v1/positions/close", req, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "close requested for %s %s\n", req["symbol"], side)
			return nil
		},
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show engine status and open positions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]interface{}
			if err := client().get(cmd.Context(), "/api/v1/status", &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}

	cmd.AddCommand(closeCmd, status)
	return cmd
}

func keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate an ENCRYPTION_KEY for API key storage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := crypto.GenerateKeyBase64()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), key)
			return nil
		},
	}
}

func parseID(s string) (int, error) {
	id, err := strconv.Atoi(s)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

func parseSide(s string) (string, error) {
	switch strings.ToLower(s) {
	case "long", "buy":
		return models.SideLong, nil
	case "short", "sell":
		return models.SideShort, nil
	}
	return "", fmt.Errorf("invalid side %q, want long or short", s)
}

func printJSON(w io.Writer, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
