package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/bnema/netkanctl/internal/adder"
	"github.com/bnema/netkanctl/internal/analyzer"
	"github.com/bnema/netkanctl/internal/config"
	"github.com/bnema/netkanctl/internal/queue"
)

var adderCmd = &cobra.Command{
	Use:   "spacedock-adder",
	Short: "Turn SpaceDock submissions into pull requests",
	Long: `Polls the add queue for mods submitted on SpaceDock, writes a stub
for each new one on an add/<identifier> branch of the stub repository and
opens a pull request.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(config.KeyQueue, config.KeyNetkanRemote, config.KeyToken)
		if err != nil {
			return err
		}
		logger := getLogger().With("worker", "spacedock-adder")

		ctx, stop := signalContext()
		defer stop()

		sqs, err := newQueue(ctx)
		if err != nil {
			return err
		}
		gh := newGitHub(cfg, logger)
		an := analyzer.New(nil, logger)

		factory := gameFactory(cfg, func(ctx context.Context, game *config.Game) (queue.Handler, error) {
			r, err := netkanClone(ctx, cfg, game, logger)
			if err != nil {
				return nil, err
			}
			return adder.New(game, r, gh, gh, an, cfg.SpaceDockURL, logger), nil
		})
		loop := queue.NewLoop(sqs, cfg.Queue, "spacedock-adder", cfg.Timeout, factory, logger)
		return runWorker(ctx, cfg, logger, loop.Run)
	},
}

func init() {
	rootCmd.AddCommand(adderCmd)
}
