// Package adder turns SpaceDock submissions into stub pull requests.
package adder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bnema/netkanctl/internal/analyzer"
	"github.com/bnema/netkanctl/internal/config"
	"github.com/bnema/netkanctl/internal/github"
	"github.com/bnema/netkanctl/internal/metrics"
	"github.com/bnema/netkanctl/internal/netkan"
	"github.com/bnema/netkanctl/internal/queue"
	"github.com/bnema/netkanctl/internal/repo"
	"github.com/charmbracelet/log"
	"github.com/jedib0t/go-pretty/v6/table"
)

// Labels are put on every submission pull request
var Labels = []string{"Pull request", "Mod request"}

// Releases finds the latest release of a GitHub repository
type Releases interface {
	LatestRelease(ctx context.Context, owner, repo string) (*github.Release, error)
}

// Analyzer infers stub properties from a download
type Analyzer interface {
	Analyze(ctx context.Context, url, identifier, installRoot string) (*analyzer.Props, error)
}

// Handler adds the submissions of one game
type Handler struct {
	queue.Batch

	game      *config.Game
	repo      *repo.Repo
	stubs     *netkan.StubRepo
	prs       github.PullRequester
	releases  Releases
	analyzer  Analyzer
	spacedock string
	log       *log.Logger
}

// New creates the handler of game working in the stub clone r.
// releases may be nil, in which case no GitHub document is written.
func New(game *config.Game, r *repo.Repo, prs github.PullRequester, releases Releases, an Analyzer, spacedock string, logger *log.Logger) *Handler {
	if spacedock == "" {
		spacedock = config.DefaultSpaceDockURL
	}
	return &Handler{
		game:      game,
		repo:      r,
		stubs:     netkan.NewStubRepo(r.Dir()),
		prs:       prs,
		releases:  releases,
		analyzer:  an,
		spacedock: spacedock,
		log:       logger.With("game", game.ID),
	}
}

func (h *Handler) Open(ctx context.Context) error {
	return h.repo.Acquire(ctx)
}

func (h *Handler) Close() error {
	return h.repo.Close()
}

// Process adds every submission. Failed submissions stay queued.
func (h *Handler) Process(ctx context.Context) error {
	for _, msg := range h.Messages() {
		s, err := ParseSubmission(msg.Body)
		if err != nil {
			h.log.Error("Dropping unreadable submission", "id", msg.ID, "err", err)
			h.Done(msg)
			continue
		}
		logger := h.log.With("mod", s.Identifier())
		if err := h.add(ctx, s, logger); err != nil {
			logger.Error("Failed to add mod", "err", err)
			continue
		}
		h.Done(msg)
	}
	return nil
}

func (h *Handler) add(ctx context.Context, s *Submission, logger *log.Logger) error {
	ident := s.Identifier()
	if h.stubs.Exists(ident) || h.stubs.FrozenExists(ident) {
		logger.Info("Mod already has a stub")
		return nil
	}

	props, err := h.analyzer.Analyze(ctx, s.DownloadURL(h.spacedock), ident, h.installRoot())
	if err != nil {
		return fmt.Errorf("failed to analyse download: %w", err)
	}
	owner, name, rel := h.release(ctx, s, logger)
	stub, err := Stub(s, owner, name, rel, props)
	if err != nil {
		return err
	}

	path := netkan.ActivePath(ident)
	err = h.repo.ChangeBranch(ctx, s.Branch(), func() error {
		full := h.stubs.Abs(path)
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			return fmt.Errorf("failed to create stub directory: %w", err)
		}
		if err := os.WriteFile(full, stub, 0644); err != nil {
			return fmt.Errorf("failed to write stub: %w", err)
		}
		if clean, err := h.repo.IsClean(); err != nil || clean {
			return err
		}
		author := &repo.Signature{Name: s.Username, Email: s.Email}
		if author.Name == "" || author.Email == "" {
			author = nil
		}
		if _, err := h.repo.Commit(commitMessage(s, h.spacedock), author, path); err != nil {
			return err
		}
		metrics.Commits.WithLabelValues(h.game.ID, "add").Inc()
		return nil
	})
	if err != nil {
		return err
	}

	pr, err := h.prs.OpenPullRequest(ctx, github.NewPullRequest{
		Repo:   h.game.NetkanRepo,
		Title:  fmt.Sprintf("Add %s from %s", s.Name, s.SiteName),
		Body:   pullRequestBody(s, h.spacedock),
		Branch: s.Branch(),
		Labels: Labels,
	})
	if err != nil {
		return fmt.Errorf("failed to submit %s: %w", ident, err)
	}
	logger.Info("Submitted mod", "pr", pr.URL)
	return nil
}

// release looks up the latest GitHub release of the source link, nil when there is none
func (h *Handler) release(ctx context.Context, s *Submission, logger *log.Logger) (string, string, *github.Release) {
	owner, name, ok := s.GitHubRepo()
	if !ok || h.releases == nil {
		return "", "", nil
	}
	rel, err := h.releases.LatestRelease(ctx, owner, name)
	if err != nil {
		if !errors.Is(err, github.ErrNotFound) {
			logger.Warn("Failed to look up GitHub release", "repo", owner+"/"+name, "err", err)
		}
		return "", "", nil
	}
	return owner, name, rel
}

func (h *Handler) installRoot() string {
	if h.game.InstallRoot != "" {
		return h.game.InstallRoot
	}
	return config.DefaultInstallRoot
}

func commitMessage(s *Submission, spacedock string) string {
	return fmt.Sprintf("Add %s from %s\n\nThis is an automated commit on behalf of %s.\n\n%s",
		s.Name, s.SiteName, s.Username, s.ModURL(spacedock))
}

func pullRequestBody(s *Submission, spacedock string) string {
	tw := table.NewWriter()
	tw.AppendHeader(table.Row{"", ""})
	tw.AppendRow(table.Row{"Name", fmt.Sprintf("[%s](%s)", s.Name, s.ModURL(spacedock))})
	tw.AppendRow(table.Row{"Authors", strings.Join(s.Authors, ", ")})
	if s.ShortDescription != "" {
		tw.AppendRow(table.Row{"Abstract", s.ShortDescription})
	}
	if s.License != "" {
		tw.AppendRow(table.Row{"License", s.License})
	}
	if s.SourceLink != "" {
		tw.AppendRow(table.Row{"Source", s.SourceLink})
	}
	if s.ExternalLink != "" {
		tw.AppendRow(table.Row{"Homepage", s.ExternalLink})
	}

	var b strings.Builder
	fmt.Fprintf(&b, "This pull request was automatically generated by %s on behalf of %s, "+
		"to add [%s](%s) to CKAN.\n\n", s.SiteName, s.Username, s.Name, s.ModURL(spacedock))
	b.WriteString("Please direct questions about this pull request to ")
	fmt.Fprintf(&b, "[%s](%s/profile/%s).\n\n", s.Username, strings.TrimSuffix(spacedock, "/"), s.Username)
	b.WriteString(tw.RenderMarkdown())
	if s.Description != "" {
		b.WriteString("\n\n## Description\n\n")
		b.WriteString(s.Description)
	}
	return b.String()
}
