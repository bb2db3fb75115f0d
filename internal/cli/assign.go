package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/harun/roomsync/pkg/assignment"
	"github.com/spf13/cobra"
)

var (
	assignSessionID     string
	assignCounselorID   string
	assignRequesterID   string
	assignAllowReassign bool
)

var assignCmd = &cobra.Command{
	Use:   "assign",
	Short: "Assign a session to a counselor",
	Long: `Assign a session to a counselor, add the counselor to the session's room,
remove everyone no longer authorized and renew the feedback room.
Exits non-zero when the assignment is rejected or fails.`,
	RunE: runAssign,
}

func init() {
	assignCmd.Flags().StringVar(&assignSessionID, "session", "", "session id")
	assignCmd.Flags().StringVar(&assignCounselorID, "counselor", "", "counselor id")
	assignCmd.Flags().StringVar(&assignRequesterID, "requester", "", "id of the user requesting the assignment")
	assignCmd.Flags().BoolVar(&assignAllowReassign, "allow-reassign", false, "allow taking over a session already in progress")
	_ = assignCmd.MarkFlagRequired("session")
	_ = assignCmd.MarkFlagRequired("counselor")
	rootCmd.AddCommand(assignCmd)
}

func runAssign(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	result, err := a.orchestrator.AssignSession(cmd.Context(), assignment.AssignRequest{
		SessionID:               assignSessionID,
		CounselorID:             assignCounselorID,
		RequesterID:             assignRequesterID,
		AllowReassignInProgress: assignAllowReassign,
	})
	printAssignment(cmd.OutOrStdout(), result)
	if err != nil {
		return fmt.Errorf("assignment %s: %w", result.Outcome, err)
	}
	return nil
}

func printAssignment(w io.Writer, result assignment.AssignmentResult) {
	fmt.Fprintf(w, "Outcome: %s\n", result.Outcome)
	if result.Session.ID != "" {
		fmt.Fprintf(w, "Session: %s (%s", result.Session.ID, result.Session.Status)
		if result.Session.AssignedCounselorID != "" {
			fmt.Fprintf(w, ", counselor %s", result.Session.AssignedCounselorID)
		}
		fmt.Fprintln(w, ")")
	}
	if result.FeedbackRoomID != "" {
		fmt.Fprintf(w, "Feedback room: %s\n", result.FeedbackRoomID)
	}
	if len(result.Removed) > 0 {
		fmt.Fprintf(w, "Removed: %s\n", strings.Join(result.Removed, ", "))
	}
	for _, warning := range result.Warnings {
		fmt.Fprintf(w, "Warning: %v\n", warning)
	}
}
