package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/bnema/netkanctl/internal/config"
	"github.com/bnema/netkanctl/internal/queue"
	"github.com/bnema/netkanctl/internal/scheduler"
)

var (
	schedGroup            string
	schedInterval         time.Duration
	schedWebhooksInterval time.Duration
	schedBurstable        bool
	schedOnce             bool
	schedLimits           = scheduler.DefaultLimits
)

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Queue inflation requests for every stub",
	Long: `Walks the stub repository of every game and sends one inflation
request per stub to the game's inflation queue. A run is skipped when the
queue is already deep, when the GitHub API budget is low, or when the host
is short of CPU credits or volume burst balance.

Stubs are split in two groups: mods only updated through SpaceDock webhooks
and every other mod. Each group has its own interval.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(config.KeyNetkanRemote, config.KeyCkanMetaRemote, config.KeyInflationQueue)
		if err != nil {
			return err
		}
		group := scheduler.Group(schedGroup)
		switch group {
		case scheduler.GroupWebhooks, scheduler.GroupNonhooks, scheduler.GroupAll:
		default:
			return fmt.Errorf("unknown group %q", schedGroup)
		}
		logger := getLogger().With("worker", "scheduler")

		ctx, stop := signalContext()
		defer stop()

		ts, err := targets(ctx, cfg, logger)
		if err != nil {
			return err
		}
		for _, t := range ts {
			if t.Game.InflationQueue == "" {
				return fmt.Errorf("%w: no inflation queue for game %s", config.ErrMissingConfig, t.Game.ID)
			}
		}

		awsCfg, err := awsConfig(ctx)
		if err != nil {
			return err
		}
		sqs := queue.NewSQS(awsCfg)
		var host scheduler.HostBudget
		if schedBurstable && !cfg.Dev {
			host = scheduler.NewEC2Host(awsCfg)
		}
		limits := schedLimits
		limits.Dev = cfg.Dev
		s := scheduler.New(sqs, newGitHub(cfg, logger), host, limits, logger)

		if schedOnce {
			s.Run(ctx, group, ts)
			return nil
		}

		return runWorker(ctx, cfg, logger, func(ctx context.Context) error {
			g, ctx := errgroup.WithContext(ctx)
			if group == scheduler.GroupAll || group == scheduler.GroupNonhooks {
				g.Go(func() error {
					return s.Every(ctx, schedInterval, scheduler.GroupNonhooks, ts)
				})
			}
			if group == scheduler.GroupAll || group == scheduler.GroupWebhooks {
				g.Go(func() error {
					return s.Every(ctx, schedWebhooksInterval, scheduler.GroupWebhooks, ts)
				})
			}
			return g.Wait()
		})
	},
}

func init() {
	f := schedulerCmd.Flags()
	f.StringVar(&schedGroup, "group", string(scheduler.GroupAll), "Stubs to schedule: webhooks, nonhooks or all")
	f.DurationVar(&schedInterval, "interval", 30*time.Minute, "Interval between runs for polled mods")
	f.DurationVar(&schedWebhooksInterval, "webhooks-interval", 24*time.Hour, "Interval between runs for webhook mods")
	f.IntVar(&schedLimits.MaxQueued, "max-queued", scheduler.DefaultLimits.MaxQueued, "Skip a run when the inflation queue holds more messages")
	f.Float64Var(&schedLimits.MinCPU, "min-cpu", scheduler.DefaultLimits.MinCPU, "Minimum CPU credit balance")
	f.Float64Var(&schedLimits.MinIO, "min-io", scheduler.DefaultLimits.MinIO, "Minimum volume burst balance percentage")
	f.IntVar(&schedLimits.MinGH, "min-gh", scheduler.DefaultLimits.MinGH, "Minimum remaining GitHub API requests")
	f.BoolVar(&schedBurstable, "burstable", false, "Check CPU credits and volume burst balance of this EC2 instance")
	f.BoolVar(&schedOnce, "once", false, "Run once and exit")
	rootCmd.AddCommand(schedulerCmd)
}
