package command

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/avvvet/intent-router/internal/confirm"
	"github.com/avvvet/intent-router/internal/consent"
	"github.com/avvvet/intent-router/internal/models"
	"github.com/avvvet/intent-router/internal/suggest"
)

// NewTicketsCmd lists open confirmation tickets.
func NewTicketsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tickets",
		Short: "List pending confirmation tickets of a workspace",
		Long: `List pending confirmation tickets. Tickets past their deadline are
reported as expired and no longer listed.`,
		Args: cobra.NoArgs,
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

			tickets, err := confirm.NewManager(s, nil).Pending(cmd.Context(), ws)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonMode(cmd) {
				if tickets == nil {
					tickets = []models.ConfirmationTicket{}
				}
				return writeJSON(out, tickets)
			}
			if len(tickets) == 0 {
				fmt.Fprintln(out, "no pending tickets")
				return nil
			}
			for _, t := range tickets {
				fmt.Fprintf(out, "%s  %-11s %-24s phrase=%q expires=%s", t.TicketID, t.SafetyClass, t.Action, t.ConfirmPhrase, t.ExpiresAt.Format(time.RFC3339))
				if len(t.ConsentManifestIDs) > 0 {
					fmt.Fprintf(out, " manifests=%s", strings.Join(t.ConsentManifestIDs, ","))
				}
				fmt.Fprintln(out)
			}
			return nil
		},
	}
}

// NewSuggestCmd prints a fresh suggestion snapshot.
func NewSuggestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "suggest",
		Short: "Show evidence-cited next steps for a workspace",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := workspaceFlag(cmd)
			if err != nil {
				return err
			}
			layout := layoutFlag(cmd)
			active, err := layout.Active(ws)
			if err != nil {
				return err
			}
			if !active {
				return fmt.Errorf("workspace %s not found under %s", ws, layout.Root)
			}

			snapshot, err := suggest.New(consent.NewStore(layout), layout, nil).Suggest(cmd.Context(), ws)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonMode(cmd) {
				return writeJSON(out, snapshot)
			}
			for _, line := range suggest.Messages(snapshot) {
				fmt.Fprintln(out, line)
			}
			for _, s := range snapshot.Suggestions {
				fmt.Fprintf(out, "  evidence (%s): %s\n", s.Kind, strings.Join(s.Evidence, ", "))
			}
			return nil
		},
	}
}
