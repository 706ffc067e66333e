package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/bnema/netkanctl/internal/config"
	"github.com/bnema/netkanctl/internal/indexer"
	"github.com/bnema/netkanctl/internal/queue"
)

var indexerCmd = &cobra.Command{
	Use:   "indexer",
	Short: "Commit inflation results to the metadata repository",
	Long: `Polls the inflation result queue and commits every new or changed
package descriptor to the metadata repository of its game. Staged results
go to an add/<version> branch with a pull request. The status store is
updated for every result.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(config.KeyQueue, config.KeyCkanMetaRemote, config.KeyToken)
		if err != nil {
			return err
		}
		logger := getLogger().With("worker", "indexer")

		ctx, stop := signalContext()
		defer stop()

		sqs, err := newQueue(ctx)
		if err != nil {
			return err
		}
		store, err := openStatus(cfg, logger)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()
		gh := newGitHub(cfg, logger)

		factory := gameFactory(cfg, func(ctx context.Context, game *config.Game) (queue.Handler, error) {
			r, err := ckanMetaClone(ctx, cfg, game, logger)
			if err != nil {
				return nil, err
			}
			return indexer.New(game, r, store, gh, logger), nil
		})
		loop := queue.NewLoop(sqs, cfg.Queue, "indexer", cfg.Timeout, factory, logger)
		return runWorker(ctx, cfg, logger, loop.Run)
	},
}

func init() {
	rootCmd.AddCommand(indexerCmd)
}
