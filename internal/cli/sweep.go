package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/harun/roomsync/internal/observability"
	"github.com/harun/roomsync/pkg/sweep"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var sweepWatch bool

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Reconcile the rooms of every session in progress",
	Long: `Run room reconciliation for every session in progress. With --watch the
sweep repeats on the configured cron schedule until interrupted, and the
metrics endpoint is served when enabled.`,
	RunE: runSweep,
}

func init() {
	sweepCmd.Flags().BoolVar(&sweepWatch, "watch", false, "keep sweeping on the configured schedule")
	rootCmd.AddCommand(sweepCmd)
}

func runSweep(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	sweeper, err := a.newSweeper()
	if err != nil {
		return err
	}

	if !sweepWatch {
		report, err := sweeper.RunOnce(cmd.Context())
		if err != nil {
			return err
		}
		printSweepReport(cmd, report)
		if len(report.Failures) > 0 {
			return fmt.Errorf("%d session(s) could not be reconciled", len(report.Failures))
		}
		return nil
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if a.cfg.Metrics.Enabled {
		server := serveMetrics(a.cfg.Metrics.Host, a.cfg.Metrics.Port)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
		}()
	}

	sweeper.Start(ctx)
	fmt.Fprintf(cmd.OutOrStdout(), "Sweeping on schedule %q, next run %s\n",
		a.cfg.Assignment.SweepSchedule, sweeper.NextRun(time.Now()).Format(time.RFC3339))

	<-ctx.Done()
	sweeper.Stop()
	return nil
}

func printSweepReport(cmd *cobra.Command, report sweep.Report) {
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Sessions: %d\n", report.Sessions)
	fmt.Fprintf(w, "Removed: %d\n", report.Removed)
	for _, failure := range report.Failures {
		fmt.Fprintf(w, "Failed: %s: %v\n", failure.SessionID, failure.Err)
	}
}

func serveMetrics(host string, port int) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.MetricsHandler())

	server := &http.Server{
		Addr:              net.JoinHostPort(host, strconv.Itoa(port)),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", server.Addr).Msg("Metrics server failed")
		}
	}()
	log.Info().Str("addr", server.Addr).Msg("Serving metrics")
	return server
}
