package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/harun/roomsync/pkg/assignment"
	"github.com/spf13/cobra"
)

var (
	reconcileSessionID string
	reconcileKeepID    string
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Remove unauthorized members from a session's rooms",
	Long: `Recompute who may be in the rooms of an assigned session and remove
everyone else. The assignment itself is never changed.`,
	RunE: runReconcile,
}

func init() {
	reconcileCmd.Flags().StringVar(&reconcileSessionID, "session", "", "session id")
	reconcileCmd.Flags().StringVar(&reconcileKeepID, "keep", "", "counselor id to keep in the rooms")
	_ = reconcileCmd.MarkFlagRequired("session")
	rootCmd.AddCommand(reconcileCmd)
}

func runReconcile(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	report, err := a.orchestrator.ReconcileSession(cmd.Context(), reconcileSessionID, reconcileKeepID)
	printSessionReport(cmd.OutOrStdout(), report)
	return err
}

func printSessionReport(w io.Writer, report assignment.SessionReport) {
	fmt.Fprintf(w, "Session: %s\n", report.SessionID)
	printRoomReport(w, "Primary", report.Primary)
	printRoomReport(w, "Feedback", report.Feedback)
}

func printRoomReport(w io.Writer, label string, report assignment.ReconcileReport) {
	if report.RoomID == "" {
		return
	}
	removed := "none"
	if len(report.Removed) > 0 {
		removed = strings.Join(report.Removed, ", ")
	}
	fmt.Fprintf(w, "%s room %s: removed %s\n", label, report.RoomID, removed)
	if len(report.Restored) > 0 {
		fmt.Fprintf(w, "%s room %s: restored %s\n", label, report.RoomID, strings.Join(report.Restored, ", "))
	}
}
