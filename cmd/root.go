package cmd

import (
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bnema/netkanctl/internal/config"
	"github.com/bnema/netkanctl/internal/logger"
)

// Version info set via ldflags at build time
var (
	version = "dev"
	commit  = "unknown"
)

var (
	verbose   bool
	logFormat string
	logFile   string

	v = viper.New()
)

var rootCmd = &cobra.Command{
	Use:     "netkanctl",
	Short:   "NetKAN metadata indexing workers",
	Version: version + " (" + commit + ")",
	Long: `Workers of the NetKAN metadata pipeline.

Every worker reads its configuration from flags or NETKAN_* environment
variables. Per-game values are given as game=value pairs, for example:

  NETKAN_CKANMETA_REMOTE="ksp=git@github.com:KSP-CKAN/CKAN-meta.git"

Workers:
  netkanctl indexer          Commit inflation results to the metadata repository
  netkanctl scheduler        Queue inflation requests for every stub
  netkanctl mirrorer         Upload redistributable downloads to archive.org
  netkanctl spacedock-adder  Turn SpaceDock submissions into pull requests
  netkanctl auto-freezer     Freeze mods without a release for a long time
  netkanctl webhooks         Serve the GitHub and SpaceDock webhooks`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := logger.Init(logger.Options{Verbose: verbose, Format: logFormat, File: logFile}); err != nil {
			return err
		}
		return config.Bind(v, cmd.Flags())
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Close()
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logger.Get().Error("Exiting", "err", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose/debug logging")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log format: text, json or logfmt")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Also append logs to this file")
	config.RegisterFlags(rootCmd.PersistentFlags())
}

func getLogger() *log.Logger {
	return logger.Get()
}
