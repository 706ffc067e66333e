package cmd

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/bnema/netkanctl/internal/config"
	"github.com/bnema/netkanctl/internal/freezer"
)

var freezeOpts = freezer.Options{
	DaysLimit:      freezer.DefaultDaysLimit,
	DaysTillIgnore: freezer.DefaultDaysTillIgnore,
}

var autoFreezerCmd = &cobra.Command{
	Use:   "auto-freezer",
	Short: "Freeze mods without a release for a long time",
	Long: `Finds mods whose last release is older than --days-limit days (but not
older than --days-limit + --days-till-ignore days), renames their stubs to
.frozen on the freeze/auto branch and opens one pull request for the batch.
Afterwards every status record without an active stub is marked frozen.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return eachFreezer(func(ctx context.Context, f *freezer.Freezer) error {
			if err := f.Run(ctx); err != nil {
				return err
			}
			_, err := f.MarkFrozen(ctx)
			return err
		})
	},
}

var markFrozenCmd = &cobra.Command{
	Use:   "mark-frozen",
	Short: "Mark status records of removed or frozen stubs as frozen",
	RunE: func(cmd *cobra.Command, args []string) error {
		return eachFreezer(func(ctx context.Context, f *freezer.Freezer) error {
			_, err := f.MarkFrozen(ctx)
			return err
		})
	},
}

// eachFreezer runs fn for every configured game. A failing game does not stop the others.
func eachFreezer(fn func(ctx context.Context, f *freezer.Freezer) error) error {
	cfg, err := loadConfig(config.KeyNetkanRemote, config.KeyToken)
	if err != nil {
		return err
	}
	logger := getLogger().With("worker", "auto-freezer")

	ctx, stop := signalContext()
	defer stop()

	store, err := openStatus(cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()
	gh := newGitHub(cfg, logger)

	var errs []error
	for _, id := range cfg.GameIDs() {
		game, err := cfg.Game(id)
		if err != nil {
			return err
		}
		r, err := netkanClone(ctx, cfg, game, logger)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := fn(ctx, freezer.New(game, r, store, gh, freezeOpts, logger)); err != nil {
			logger.Error("Freezing failed", "game", id, "err", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func init() {
	autoFreezerCmd.Flags().IntVar(&freezeOpts.DaysLimit, "days-limit", freezer.DefaultDaysLimit, "Days without a release before a mod is frozen")
	autoFreezerCmd.Flags().IntVar(&freezeOpts.DaysTillIgnore, "days-till-ignore", freezer.DefaultDaysTillIgnore, "Days after the limit when a mod is no longer considered")
	rootCmd.AddCommand(autoFreezerCmd)
	rootCmd.AddCommand(markFrozenCmd)
}
