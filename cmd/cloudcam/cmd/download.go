package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	downloadVideoID   string
	downloadPermanent bool
)

var downloadCmd = &cobra.Command{
	Use:   "download [date]",
	Short: "Download the videos of a date, or one video with --video",
	Long: `Downloads every video recorded on date (YYYY-MM-DD, today by default)
into that date's folder. With --video only that video is downloaded: into
the date's folder with --permanent, otherwise into the library root.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		logger := cfg.NewLogger(os.Stderr)
		ctx := cmd.Context()

		a, err := newApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		if len(args) == 1 {
			d, err := a.coord.ParseDate(args[0])
			if err != nil {
				return err
			}
			a.coord.SetSelectedDate(d)
		}
		if err := a.ensureSession(ctx); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if downloadVideoID != "" {
			p, err := a.coord.DownloadVideo(ctx, downloadVideoID, downloadPermanent)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, p)
			return nil
		}

		paths, err := a.coord.DownloadAllForDate(ctx, a.coord.SelectedDate())
		if err != nil {
			return err
		}
		for _, p := range paths {
			fmt.Fprintln(out, p)
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "%d videos stored\n", len(paths))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(downloadCmd)
	downloadCmd.Flags().StringVar(&downloadVideoID, "video", "", "ID of a single video to download")
	downloadCmd.Flags().BoolVar(&downloadPermanent, "permanent", false, "Store the single video in the date folder")
}
