package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/jmcleod/cloudcam/config"
)

var (
	envFiles     []string
	listen       string
	storageRoot  string
	dataDir      string
	storeBackend string
	logLevel     string
	logFormat    string
	timezone     string
)

// cfg is loaded before any subcommand runs.
var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "cloudcam",
	Short: "cloudcam keeps a local library in sync with a cloud camera account",
	Long: `Logs in to a cloud video account, lists and downloads recorded clips
into a dated folder tree and starts live streams on demand.

Settings come from CLOUDCAM_* environment variables, optionally seeded from
a .env file. Flags override both.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load(envFiles...)
		if err != nil {
			return err
		}
		applyFlags(cmd, c)
		cfg = c
		return nil
	},
}

// applyFlags copies explicitly set flags over the loaded configuration.
func applyFlags(cmd *cobra.Command, c *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("listen") {
		c.Listen = listen
	}
	if flags.Changed("storage") {
		c.StorageRoot = storageRoot
	}
	if flags.Changed("data-dir") {
		c.DataDir = dataDir
	}
	if flags.Changed("store") {
		c.StoreBackend = storeBackend
	}
	if flags.Changed("log-level") {
		c.LogLevel = logLevel
	}
	if flags.Changed("log-format") {
		c.LogFormat = logFormat
	}
	if flags.Changed("timezone") {
		c.Timezone = timezone
	}
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringSliceVar(&envFiles, "env-file", nil, "Path to a .env file (repeatable, default .env)")
	pf.StringVar(&listen, "listen", "", "Address for the HTTP server")
	pf.StringVar(&storageRoot, "storage", "", "Root directory of the media library")
	pf.StringVar(&dataDir, "data-dir", "", "Directory for persistent data")
	pf.StringVar(&storeBackend, "store", "", "Token store backend: bbolt, memory or redis")
	pf.StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn or error")
	pf.StringVar(&logFormat, "log-format", "", "Log format: json or text")
	pf.StringVar(&timezone, "timezone", "", "IANA time zone used for dates")
}
