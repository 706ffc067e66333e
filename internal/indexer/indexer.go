// Package indexer commits inflation results to the metadata repository.
package indexer

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bnema/netkanctl/internal/ckan"
	"github.com/bnema/netkanctl/internal/config"
	"github.com/bnema/netkanctl/internal/github"
	"github.com/bnema/netkanctl/internal/metrics"
	"github.com/bnema/netkanctl/internal/queue"
	"github.com/bnema/netkanctl/internal/repo"
	"github.com/bnema/netkanctl/internal/status"
	"github.com/charmbracelet/log"
)

const (
	// StagedLabel is put on every pull request of a staged result
	StagedLabel = "Needs looking into"

	defaultError = "Unknown inflation error"
)

// Handler indexes the inflation results of one game
type Handler struct {
	queue.Batch

	game   *config.Game
	repo   *repo.Repo
	meta   *ckan.MetaRepo
	status status.Store
	prs    github.PullRequester
	log    *log.Logger

	now func() time.Time
}

// New creates the handler of game working in the metadata clone r
func New(game *config.Game, r *repo.Repo, store status.Store, prs github.PullRequester, logger *log.Logger) *Handler {
	return &Handler{
		game:   game,
		repo:   r,
		meta:   ckan.NewMetaRepo(r.Dir()),
		status: store,
		prs:    prs,
		log:    logger.With("game", game.ID),
		now:    time.Now,
	}
}

// Open checks out and pulls the primary branch
func (h *Handler) Open(ctx context.Context) error {
	return h.repo.Acquire(ctx)
}

// Close releases the repository
func (h *Handler) Close() error {
	return h.repo.Close()
}

// Process indexes unstaged results first, publishes them, then handles staged ones
func (h *Handler) Process(ctx context.Context) error {
	var main, staged []*Result
	for _, msg := range h.Messages() {
		r, err := ParseResult(msg, h.log)
		if err != nil {
			h.log.Error("Skipping unreadable inflation result", "id", msg.ID, "err", err)
			continue
		}
		if r.Staged && r.Success {
			staged = append(staged, r)
		} else {
			main = append(main, r)
		}
	}

	indexed := false
	for _, r := range main {
		if err := h.index(r); err != nil {
			return err
		}
		if err := h.updateStatus(ctx, r); err != nil {
			return err
		}
		indexed = indexed || r.indexed
		h.Done(r.Message)
	}
	// A commit left unpushed by an earlier failed batch is published too
	if !indexed {
		ahead, err := h.repo.Ahead(h.repo.Primary())
		if err != nil {
			return err
		}
		indexed = ahead
	}
	if indexed {
		if err := h.repo.Pull(ctx); err != nil {
			return err
		}
		if err := h.repo.PushPrimary(ctx); err != nil {
			return err
		}
	}

	for _, r := range staged {
		if err := h.stage(ctx, r); err != nil {
			return err
		}
		if err := h.updateStatus(ctx, r); err != nil {
			return err
		}
		h.Done(r.Message)
	}
	return nil
}

// index writes and commits the descriptor of a successful result when it changed
func (h *Handler) index(r *Result) error {
	if !r.Success {
		return nil
	}
	file := h.meta.ModFile(r.Identifier, r.FileName)
	existed := true
	if _, err := os.Stat(file); os.IsNotExist(err) {
		existed = false
	}
	if existed {
		same, err := sameMD5(file, r.Message.MD5OfBody)
		if err != nil {
			return err
		}
		if same {
			h.log.Debug("Descriptor unchanged", "mod", r.Identifier, "file", r.FileName)
			return nil
		}
	}

	if err := os.MkdirAll(filepath.Dir(file), 0755); err != nil {
		return fmt.Errorf("failed to create mod directory: %w", err)
	}
	if err := os.WriteFile(file, []byte(r.Message.Body), 0644); err != nil {
		return fmt.Errorf("failed to write descriptor: %w", err)
	}

	verb := "added"
	if existed {
		verb = "updated"
	}
	rel, err := filepath.Rel(h.repo.Dir(), file)
	if err != nil {
		return fmt.Errorf("failed to resolve descriptor path: %w", err)
	}
	hash, err := h.repo.Commit(fmt.Sprintf("NetKAN %s mod - %s", verb, r.Stem()), nil, rel)
	if err != nil {
		return err
	}
	r.indexed = true
	metrics.Commits.WithLabelValues(h.game.ID, verb).Inc()
	h.log.Info("Indexed descriptor", "mod", r.Identifier, "file", r.FileName, "verb", verb, "commit", repo.ShortHash(hash))
	return nil
}

// stage commits a staged result to its own branch and opens a pull request for it
func (h *Handler) stage(ctx context.Context, r *Result) error {
	branch := r.StagingBranch()
	if err := h.repo.ChangeBranch(ctx, branch, func() error { return h.index(r) }); err != nil {
		return fmt.Errorf("failed to stage %s: %w", r.Identifier, err)
	}
	if !r.indexed {
		return nil
	}

	body := fmt.Sprintf("%s has been staged, please test and merge", r.Identifier)
	if r.StagingReason != nil && *r.StagingReason != "" {
		body = *r.StagingReason
	}
	_, err := h.prs.OpenPullRequest(ctx, github.NewPullRequest{
		Repo:   h.game.CkanMetaRepo,
		Title:  "NetKAN inflated: " + r.Identifier,
		Body:   body,
		Branch: branch,
		Labels: []string{StagedLabel},
	})
	if err != nil {
		h.log.Error("Failed to submit staged descriptor", "mod", r.Identifier, "branch", branch, "err", err)
	}
	return nil
}

// updateStatus merges what r tells about its mod into the status store
func (h *Handler) updateStatus(ctx context.Context, r *Result) error {
	prev, err := h.status.Get(ctx, h.game.ID, r.Identifier)
	if err != nil && !errors.Is(err, status.ErrNotFound) {
		return err
	}

	lastError := ""
	if !r.Success {
		lastError = defaultError
		if r.ErrorMessage != nil && *r.ErrorMessage != "" {
			lastError = *r.ErrorMessage
		}
	}
	warnings := ""
	if r.WarningMessages != nil {
		warnings = *r.WarningMessages
	}

	logger := h.log.With("mod", r.Identifier)
	if lastError != "" && (prev == nil || prev.LastError != lastError) {
		logger.Error("New inflation error", "error", lastError)
	}
	if warnings != "" && (prev == nil || prev.LastWarnings != warnings) {
		logger.Error("New inflation warnings", "warnings", warnings)
	}

	attrs := status.Attrs{
		Success:      status.Bool(r.Success),
		Frozen:       status.Bool(false),
		LastError:    status.String(lastError),
		LastWarnings: status.String(warnings),
		LastInflated: r.CheckTime,
	}
	if r.Ckan != nil {
		if res := r.Ckan.Resources(); len(res) > 0 {
			attrs.Resources = status.Resources(res)
		}
		attrs.ReleaseDate = r.Ckan.ReleaseDate()
	}
	if r.indexed {
		attrs.LastIndexed = status.Time(h.now())
	}
	if err := h.status.Upsert(ctx, h.game.ID, r.Identifier, attrs); err != nil {
		return fmt.Errorf("failed to update status of %s: %w", r.Identifier, err)
	}
	return nil
}

func sameMD5(file, want string) (bool, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return false, fmt.Errorf("failed to read descriptor: %w", err)
	}
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:]) == want, nil
}
