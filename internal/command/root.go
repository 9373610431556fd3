// Package command implements routerctl, the read-only inspection CLI for a
// router's event log, tickets and suggestions.
package command

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/avvvet/intent-router/internal/config"
	"github.com/avvvet/intent-router/internal/store"
	"github.com/avvvet/intent-router/internal/workspace"
)

const AppName = "routerctl"

// NewRootCmd creates the routerctl root command. Flag defaults come from the
// same environment the server reads.
func NewRootCmd(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:           AppName,
		Short:         "Inspect the intent router's event log, tickets and suggestions",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cfg, err := config.Load()
	if err != nil {
		cfg = &config.Config{StoreDriver: "sqlite", SQLitePath: "data/router.db", WorkspaceRoot: "workspaces"}
	}

	cmd.PersistentFlags().StringP("workspace", "w", "", "workspace id (required)")
	cmd.PersistentFlags().String("store", cfg.StoreDriver, "store driver: sqlite or redis")
	cmd.PersistentFlags().String("sqlite", cfg.SQLitePath, "SQLite database path")
	cmd.PersistentFlags().String("redis", cfg.RedisURL, "Redis URL")
	cmd.PersistentFlags().String("workspace-root", cfg.WorkspaceRoot, "directory holding workspaces")
	cmd.PersistentFlags().Bool("json", false, "output in JSON format")

	cmd.AddCommand(
		NewEventsCmd(),
		NewReplayCmd(),
		NewVerifyCmd(),
		NewTicketsCmd(),
		NewSuggestCmd(),
	)
	return cmd
}

func workspaceFlag(cmd *cobra.Command) (string, error) {
	ws, _ := cmd.Flags().GetString("workspace")
	if err := workspace.ValidateID(ws); err != nil {
		return "", fmt.Errorf("--workspace: %w", err)
	}
	return ws, nil
}

func openStore(cmd *cobra.Command) (store.Store, error) {
	driver, _ := cmd.Flags().GetString("store")
	if driver == "memory" {
		return nil, fmt.Errorf("the memory store is not shared with the server")
	}
	sqlitePath, _ := cmd.Flags().GetString("sqlite")
	redisURL, _ := cmd.Flags().GetString("redis")
	s, err := store.Open(driver, sqlitePath, redisURL)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return s, nil
}

func layoutFlag(cmd *cobra.Command) workspace.Layout {
	root, _ := cmd.Flags().GetString("workspace-root")
	return workspace.NewLayout(root)
}

func jsonMode(cmd *cobra.Command) bool {
	on, _ := cmd.Flags().GetBool("json")
	return on
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
