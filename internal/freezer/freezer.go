// Package freezer parks stubs of mods that stopped releasing.
package freezer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bnema/netkanctl/internal/config"
	"github.com/bnema/netkanctl/internal/github"
	"github.com/bnema/netkanctl/internal/metrics"
	"github.com/bnema/netkanctl/internal/netkan"
	"github.com/bnema/netkanctl/internal/repo"
	"github.com/bnema/netkanctl/internal/status"
	"github.com/charmbracelet/log"
	"github.com/jedib0t/go-pretty/v6/table"
)

const (
	Branch = "freeze/auto"

	DefaultDaysLimit      = 1000
	DefaultDaysTillIgnore = 21

	dateFormat = "2006-01-02 15:04 UTC"
)

// Labels are put on the freeze pull request
var Labels = []string{"Pull request", "Freeze", "Needs looking into"}

// Options bound the idle window
type Options struct {
	// DaysLimit is how long a mod may go without a release
	DaysLimit int

	// DaysTillIgnore is how long after DaysLimit a mod is left alone
	DaysTillIgnore int
}

// Idle is a mod selected for freezing
type Idle struct {
	Identifier string
	LastUpdate time.Time
	Resources  map[string]string
}

// Freezer freezes idle mods of one game
type Freezer struct {
	game   *config.Game
	repo   *repo.Repo
	stubs  *netkan.StubRepo
	status status.Store
	prs    github.PullRequester
	opts   Options
	log    *log.Logger

	now func() time.Time
}

// New creates a freezer working in the stub clone r
func New(game *config.Game, r *repo.Repo, store status.Store, prs github.PullRequester, opts Options, logger *log.Logger) *Freezer {
	if opts.DaysLimit <= 0 {
		opts.DaysLimit = DefaultDaysLimit
	}
	if opts.DaysTillIgnore <= 0 {
		opts.DaysTillIgnore = DefaultDaysTillIgnore
	}
	return &Freezer{
		game:   game,
		repo:   r,
		stubs:  netkan.NewStubRepo(r.Dir()),
		status: store,
		prs:    prs,
		opts:   opts,
		log:    logger.With("game", game.ID),
		now:    time.Now,
	}
}

// Run freezes every idle mod on the freeze branch and submits a pull request
func (f *Freezer) Run(ctx context.Context) error {
	if err := f.repo.Acquire(ctx); err != nil {
		_ = f.repo.Close()
		return err
	}
	defer func() { _ = f.repo.Close() }()

	idle, err := f.Idle(ctx)
	if err != nil {
		return err
	}
	if len(idle) == 0 {
		f.log.Info("No idle mods to freeze")
		return nil
	}

	var frozen []Idle
	err = f.repo.ChangeBranch(ctx, Branch, func() error {
		for _, m := range idle {
			if !f.stubs.Exists(m.Identifier) {
				continue
			}
			if err := f.freeze(m.Identifier); err != nil {
				return err
			}
			frozen = append(frozen, m)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to freeze idle mods: %w", err)
	}
	if len(frozen) == 0 {
		return nil
	}

	_, err = f.prs.OpenPullRequest(ctx, github.NewPullRequest{
		Repo:   f.game.NetkanRepo,
		Title:  "Freeze idle mods",
		Body:   f.body(frozen),
		Branch: Branch,
		Labels: Labels,
	})
	if err != nil {
		return fmt.Errorf("failed to submit freeze: %w", err)
	}
	f.log.Info("Submitted idle mods", "count", len(frozen))
	return nil
}

func (f *Freezer) freeze(identifier string) error {
	from, to := netkan.ActivePath(identifier), netkan.FrozenPath(identifier)
	if err := f.repo.Move(from, to); err != nil {
		return err
	}
	if _, err := f.repo.Commit("Freeze "+identifier, nil, from, to); err != nil {
		return err
	}
	metrics.Commits.WithLabelValues(f.game.ID, "freeze").Inc()
	f.log.Info("Froze mod", "mod", identifier)
	return nil
}

// Idle lists the active stubs whose last update falls in the idle window, oldest first.
// Mods idle for longer than the window are left alone.
func (f *Freezer) Idle(ctx context.Context) ([]Idle, error) {
	ids, err := f.stubs.Identifiers()
	if err != nil {
		return nil, err
	}
	updateCutoff := f.now().AddDate(0, 0, -f.opts.DaysLimit)
	tooOldCutoff := updateCutoff.AddDate(0, 0, -f.opts.DaysTillIgnore)

	var idle []Idle
	for _, id := range ids {
		st, err := f.status.Get(ctx, f.game.ID, id)
		if errors.Is(err, status.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		t := st.LastUpdate()
		if t == nil {
			continue
		}
		if t.After(tooOldCutoff) && t.Before(updateCutoff) {
			idle = append(idle, Idle{Identifier: id, LastUpdate: *t, Resources: st.Resources})
		}
	}
	sort.SliceStable(idle, func(i, j int) bool {
		return idle[i].LastUpdate.Before(idle[j].LastUpdate)
	})
	return idle, nil
}

func (f *Freezer) body(mods []Idle) string {
	tw := table.NewWriter()
	tw.AppendHeader(table.Row{"Mod", "Last Update"})
	for _, m := range mods {
		tw.AppendRow(table.Row{modLink(m), m.LastUpdate.UTC().Format(dateFormat)})
	}
	return fmt.Sprintf("The attached mods have not updated in %d or more days. "+
		"Freeze them to save the bot some CPU cycles.\n\n%s", f.opts.DaysLimit, tw.RenderMarkdown())
}

func modLink(m Idle) string {
	for _, key := range []string{"homepage", "spacedock", "repository", "curse"} {
		if u := m.Resources[key]; u != "" {
			return fmt.Sprintf("[%s](%s)", m.Identifier, strings.ReplaceAll(u, " ", "%20"))
		}
	}
	return m.Identifier
}

// MarkFrozen sets frozen on every status record whose active stub is gone
func (f *Freezer) MarkFrozen(ctx context.Context) (int, error) {
	if err := f.repo.Acquire(ctx); err != nil {
		_ = f.repo.Close()
		return 0, err
	}
	defer func() { _ = f.repo.Close() }()

	var gone []string
	err := f.status.Scan(ctx, f.game.ID, func(st *status.ModStatus) error {
		if !st.Frozen && !f.stubs.Exists(st.ModIdentifier) {
			gone = append(gone, st.ModIdentifier)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to scan status: %w", err)
	}
	for _, id := range gone {
		if err := f.status.Upsert(ctx, f.game.ID, id, status.Attrs{Frozen: status.Bool(true)}); err != nil {
			return 0, err
		}
		f.log.Info("Marked frozen", "mod", id)
	}
	return len(gone), nil
}
