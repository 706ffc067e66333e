package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/bnema/netkanctl/internal/archive"
	"github.com/bnema/netkanctl/internal/config"
	"github.com/bnema/netkanctl/internal/mirror"
	"github.com/bnema/netkanctl/internal/queue"
)

var mirrorerCmd = &cobra.Command{
	Use:   "mirrorer",
	Short: "Upload redistributable downloads to archive.org",
	Long: `Polls the mirror queue. Every message names a committed package
descriptor; when its license allows redistribution the download is verified
against its sha256 and uploaded to the game's archive.org collection.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(config.KeyQueue, config.KeyCkanMetaRemote, config.KeyIAAccess, config.KeyIASecret)
		if err != nil {
			return err
		}
		logger := getLogger().With("worker", "mirrorer")

		ctx, stop := signalContext()
		defer stop()

		sqs, err := newQueue(ctx)
		if err != nil {
			return err
		}
		ia := archive.NewClient(cfg.IAEndpoint, cfg.IAS3Endpoint, cfg.IAAccess, cfg.IASecret, nil, logger)

		factory := gameFactory(cfg, func(ctx context.Context, game *config.Game) (queue.Handler, error) {
			r, err := ckanMetaClone(ctx, cfg, game, logger)
			if err != nil {
				return nil, err
			}
			return mirror.New(game, r, ia, cfg.CacheDir, nil, logger), nil
		})
		loop := queue.NewLoop(sqs, cfg.Queue, "mirrorer", cfg.Timeout, factory, logger)
		return runWorker(ctx, cfg, logger, loop.Run)
	},
}

func init() {
	rootCmd.AddCommand(mirrorerCmd)
}
