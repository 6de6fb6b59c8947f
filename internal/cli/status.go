package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fedimint/guardianctl/internal/setup"
)

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Number of entries to show")
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(historyCmd)
}

var historyLimit int

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server status and setup progress per guardian",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	d, err := openDaemon(ctx)
	if err != nil {
		return err
	}
	defer d.Close()

	sessions := d.Sessions
	if guardianID != "" {
		s, err := d.Session(guardianID)
		if err != nil {
			return err
		}
		sessions = []*setup.Session{s}
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "GUARDIAN\tSERVER\tPROGRESS\tROLE\tPEERS\tAUTH")
	for _, s := range sessions {
		server, auth := "unreachable", "-"
		if res, err := s.Load(ctx); err == nil {
			server = string(res.Status)
			auth = "ok"
			if res.NeedsAuth {
				auth = "required"
			}
		} else {
			d.Log.Debug().Err(err).Str("guardian", s.ID()).Msg("status read failed")
		}
		state := s.State()
		role := string(state.Role)
		if role == "" {
			role = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%s\n",
			s.ID(), server, state.Progress, role, len(state.Peers), state.NumPeers, auth)
	}
	return w.Flush()
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recorded server status changes for a guardian",
	RunE:  runHistory,
}

func runHistory(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	d, err := openDaemon(ctx)
	if err != nil {
		return err
	}
	defer d.Close()

	s, err := d.Session(guardianID)
	if err != nil {
		return err
	}
	entries, err := d.DB.StatusHistory(ctx, s.ID(), historyLimit)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No status changes recorded. Run 'guardianctl serve' to start recording.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "OBSERVED\tSTATUS")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\n", e.ObservedAt.Format("2006-01-02 15:04:05"), e.Status)
	}
	return w.Flush()
}
