package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

const streamPollInterval = time.Second

var streamDeviceID string

var streamCmd = &cobra.Command{
	Use:   "stream",
	Short: "Start a live stream and print its URL",
	Long: `Starts a live stream on --device (the first listed device by default),
prints the playback URL and keeps the stream open until interrupted or the
idle timeout passes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		logger := cfg.NewLogger(os.Stderr)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.ensureSession(ctx); err != nil {
			return err
		}
		u, err := a.coord.StartStream(ctx, streamDeviceID)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), u)
		fmt.Fprintf(cmd.ErrOrStderr(), "Streaming for up to %s, press Ctrl+C to stop\n", cfg.StreamIdleTimeout)

		// The coordinator drops the stream once the idle timer fires.
		tick := time.NewTicker(streamPollInterval)
		defer tick.Stop()
	wait:
		for a.coord.ActiveStream() != nil {
			select {
			case <-ctx.Done():
				break wait
			case <-tick.C:
			}
		}

		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return a.coord.Close(stopCtx)
	},
}

func init() {
	rootCmd.AddCommand(streamCmd)
	streamCmd.Flags().StringVar(&streamDeviceID, "device", "", "Device to stream from")
}
