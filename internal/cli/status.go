package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration and sessions in progress",
	Long:  `Show where roomsync keeps its data, which Rocket.Chat it talks to and how many sessions are in progress.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	sessions, err := a.store.ListInProgress(cmd.Context())
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Database: %s\n", a.cfg.Database.Path)
	fmt.Fprintf(w, "Rocket.Chat: %s\n", a.cfg.RocketChat.URL)
	fmt.Fprintf(w, "Sessions in progress: %d\n", len(sessions))
	fmt.Fprintf(w, "Background reconcile: %t\n", a.cfg.Assignment.BackgroundReconcile)

	if a.cfg.Assignment.SweepEnabled {
		sweeper, err := a.newSweeper()
		if err != nil {
			return err
		}
		next := sweeper.NextRun(time.Now())
		fmt.Fprintf(w, "Next sweep: %s (in %s)\n", next.Format(time.RFC3339), formatDuration(time.Until(next)))
	} else {
		fmt.Fprintln(w, "Next sweep: disabled")
	}

	return nil
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
