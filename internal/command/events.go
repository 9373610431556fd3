package command

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/avvvet/intent-router/internal/eventlog"
)

// NewEventsCmd lists intent events.
func NewEventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "List the intent events of a workspace",
		Long: `List the intent events of a workspace in append order.

Examples:
  routerctl events -w lab
  routerctl events -w lab --turn 2f0c... --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := workspaceFlag(cmd)
			if err != nil {
				return err
			}
			turn, _ := cmd.Flags().GetString("turn")
			s, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			events, err := eventlog.New(s).Read(cmd.Context(), ws, turn)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonMode(cmd) {
				return writeJSON(out, events)
			}
			if len(events) == 0 {
				fmt.Fprintln(out, "no events")
				return nil
			}
			for _, e := range events {
				line := fmt.Sprintf("%4d  %s  %-16s %-28s %s", e.Sequence, e.Timestamp.Format(time.RFC3339), e.EventType, e.Details.Action, e.IntentID)
				if e.Details.ReasonCode != "" {
					line += "  reason=" + e.Details.ReasonCode
				}
				fmt.Fprintln(out, strings.TrimRight(line, " "))
			}
			return nil
		},
	}
	cmd.Flags().String("turn", "", "restrict to one chat turn")
	return cmd
}

// NewReplayCmd folds events into the final state of each intent.
func NewReplayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Show the terminal state of every intent, rebuilt from events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := workspaceFlag(cmd)
			if err != nil {
				return err
			}
			turn, _ := cmd.Flags().GetString("turn")
			s, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			outcomes, err := eventlog.New(s).Replay(cmd.Context(), ws, turn)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonMode(cmd) {
				return writeJSON(out, outcomes)
			}
			for _, o := range outcomes {
				line := fmt.Sprintf("%-28s %-22s %s", o.Action, o.Status, o.IntentID)
				if o.ReasonCode != "" {
					line += "  reason=" + o.ReasonCode
				}
				fmt.Fprintln(out, line)
			}
			return nil
		},
	}
	cmd.Flags().String("turn", "", "restrict to one chat turn")
	return cmd
}

// NewVerifyCmd checks the hash chain of a workspace's events.
func NewVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Verify the event hash chain of a workspace",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := workspaceFlag(cmd)
			if err != nil {
				return err
			}
			s, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			log := eventlog.New(s)
			if err := log.Verify(cmd.Context(), ws); err != nil {
				return err
			}
			events, err := log.Read(cmd.Context(), ws, "")
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "chain ok: %d event(s) in %s\n", len(events), ws)
			return nil
		},
	}
}
