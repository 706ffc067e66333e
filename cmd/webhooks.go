package cmd

import (
	"github.com/spf13/cobra"

	"github.com/bnema/netkanctl/internal/config"
	"github.com/bnema/netkanctl/internal/webhooks"
)

var webhooksDefaultGame string

var webhooksCmd = &cobra.Command{
	Use:   "webhooks",
	Short: "Serve the GitHub and SpaceDock webhooks",
	Long: `Serves the HTTP endpoints turning GitHub pushes and SpaceDock
notifications into inflation, mirror and add queue messages:

  POST /inflate[/<game>]        {"identifiers": [...]}
  POST /gh/inflate[/<game>]     GitHub push to the stub repository
  POST /gh/mirror[/<game>]      GitHub push to the metadata repository
  POST /sd/inflate[/<game>]     SpaceDock update notification
  POST /sd/add/<game>           SpaceDock submission
  GET  /health
  GET  /metrics`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(config.KeyNetkanRemote, config.KeyCkanMetaRemote, config.KeyInflationQueue)
		if err != nil {
			return err
		}
		logger := getLogger().With("worker", "webhooks")

		ctx, stop := signalContext()
		defer stop()

		ts, err := targets(ctx, cfg, logger)
		if err != nil {
			return err
		}
		sqs, err := newQueue(ctx)
		if err != nil {
			return err
		}
		store, err := openStatus(cfg, logger)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		srv := webhooks.New(webhooks.Options{
			Queue:       sqs,
			Status:      store,
			Targets:     ts,
			DefaultGame: webhooksDefaultGame,
			AddQueue:    cfg.AddQueue,
			MirrorQueue: cfg.MirrorQueue,
			Secret:      cfg.WebhookSecret,
			CacheDir:    cfg.CacheDir,
			Logger:      logger,
		})
		return srv.Serve(ctx, cfg.Listen)
	},
}

func init() {
	webhooksCmd.Flags().StringVar(&webhooksDefaultGame, "default-game", "", "Game served by routes without a game segment")
	rootCmd.AddCommand(webhooksCmd)
}
