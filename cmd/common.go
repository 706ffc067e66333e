package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/bnema/netkanctl/internal/config"
	"github.com/bnema/netkanctl/internal/github"
	"github.com/bnema/netkanctl/internal/metrics"
	"github.com/bnema/netkanctl/internal/queue"
	"github.com/bnema/netkanctl/internal/repo"
	"github.com/bnema/netkanctl/internal/scheduler"
	"github.com/bnema/netkanctl/internal/status"
)

// Clone directory names under <work-dir>/<game>
const (
	netkanDir   = "NetKAN"
	ckanMetaDir = "CKAN-meta"
)

// loadConfig resolves the configuration and fails when a required key is missing
func loadConfig(required ...string) (*config.Config, error) {
	cfg, err := config.Load(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Require(required...); err != nil {
		return nil, err
	}
	return cfg, nil
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func awsConfig(ctx context.Context) (aws.Config, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS configuration: %w", err)
	}
	return cfg, nil
}

func newQueue(ctx context.Context) (*queue.SQS, error) {
	cfg, err := awsConfig(ctx)
	if err != nil {
		return nil, err
	}
	return queue.NewSQS(cfg), nil
}

func newGitHub(cfg *config.Config, logger *log.Logger) *github.Client {
	return github.NewClient(cfg.GitHubAPI, cfg.Token, cfg.User, nil, logger)
}

func openStatus(cfg *config.Config, logger *log.Logger) (status.Store, error) {
	store, err := status.Open(cfg.StatusBackend, cfg.StatusDSN, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open status store: %w", err)
	}
	return store, nil
}

// cloneFor ensures the clone of remote for game exists under the work directory
func cloneFor(ctx context.Context, cfg *config.Config, game *config.Game, name, remote string, logger *log.Logger) (*repo.Repo, error) {
	if remote == "" {
		return nil, fmt.Errorf("%w: no %s remote for game %s", config.ErrMissingConfig, name, game.ID)
	}
	auth, err := repo.AuthFor(remote, repo.Credentials{SSHKey: cfg.SSHKey, User: cfg.User, Token: cfg.Token})
	if err != nil {
		return nil, err
	}
	return repo.Ensure(ctx, repo.Options{
		URL:           remote,
		Dir:           filepath.Join(cfg.WorkDir, game.ID, name),
		PrimaryBranch: game.PrimaryBranch,
		Deep:          cfg.DeepClone,
		Auth:          auth,
		Logger:        logger.With("game", game.ID),
	})
}

func netkanClone(ctx context.Context, cfg *config.Config, game *config.Game, logger *log.Logger) (*repo.Repo, error) {
	return cloneFor(ctx, cfg, game, netkanDir, game.NetkanRemote, logger)
}

func ckanMetaClone(ctx context.Context, cfg *config.Config, game *config.Game, logger *log.Logger) (*repo.Repo, error) {
	return cloneFor(ctx, cfg, game, ckanMetaDir, game.CkanMetaRemote, logger)
}

// targets clones both repositories of every configured game
func targets(ctx context.Context, cfg *config.Config, logger *log.Logger) ([]scheduler.Target, error) {
	ids := cfg.GameIDs()
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: no game configured", config.ErrMissingConfig)
	}
	var out []scheduler.Target
	for _, id := range ids {
		game, err := cfg.Game(id)
		if err != nil {
			return nil, err
		}
		nk, err := netkanClone(ctx, cfg, game, logger)
		if err != nil {
			return nil, err
		}
		meta, err := ckanMetaClone(ctx, cfg, game, logger)
		if err != nil {
			return nil, err
		}
		out = append(out, scheduler.Target{Game: game, Netkan: nk, CkanMeta: meta})
	}
	return out, nil
}

// serveMetrics exposes /metrics on addr until ctx is done. An empty addr disables it.
func serveMetrics(ctx context.Context, addr string, logger *log.Logger) error {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errc := make(chan error, 1)
	go func() {
		logger.Info("Serving metrics", "addr", addr)
		errc <- srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdown)
	}
}

// runWorker runs fn next to the metrics server. Returning from fn stops both.
func runWorker(ctx context.Context, cfg *config.Config, logger *log.Logger, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return serveMetrics(ctx, cfg.MetricsListen, logger)
	})
	g.Go(func() error {
		defer cancel()
		return fn(ctx)
	})
	return g.Wait()
}

// gameFactory builds a per-game handler, failing for games missing from the configuration
func gameFactory(cfg *config.Config, build func(ctx context.Context, game *config.Game) (queue.Handler, error)) queue.HandlerFactory {
	return func(ctx context.Context, id string) (queue.Handler, error) {
		game, err := cfg.Game(id)
		if err != nil {
			return nil, err
		}
		return build(ctx, game)
	}
}
