// Package repo wraps a git working copy used by the workers.
//
// A Repo is cloned once per process and then opened and closed around every batch.
// While closed it holds no file descriptors.
package repo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/cache"
	"github.com/go-git/go-git/v5/plumbing/format/index"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/storage/filesystem"
)

var (
	ErrNotGitRepo    = errors.New("not a git repository")
	ErrClosed        = errors.New("repository is closed")
	ErrNoRemote      = errors.New("no remote configured")
	ErrNoPrimary     = errors.New("cannot determine primary branch")
	ErrDirtyWorktree = errors.New("worktree has uncommitted changes")
)

const remoteName = "origin"

// DefaultAuthor signs commits when no author is given
var DefaultAuthor = Signature{Name: "NetKAN bot", Email: "netkan@ksp-ckan.space"}

// Signature identifies a commit author
type Signature struct {
	Name  string
	Email string
}

func (s Signature) object() *object.Signature {
	return &object.Signature{Name: s.Name, Email: s.Email, When: time.Now()}
}

// Options describes a working copy
type Options struct {
	URL string
	Dir string
	// PrimaryBranch overrides the default branch recorded at clone time
	PrimaryBranch string
	// Deep clones full history instead of a single commit
	Deep bool
	Auth transport.AuthMethod
	// Progress receives clone and fetch progress, may be nil
	Progress io.Writer
	Logger   *log.Logger
}

// Repo is a working copy of one remote
type Repo struct {
	dir      string
	url      string
	primary  string
	auth     transport.AuthMethod
	progress io.Writer
	log      *log.Logger

	storage *filesystem.Storage
	repo    *git.Repository
}

// Ensure clones opts.URL into opts.Dir unless a clone already exists there
func Ensure(ctx context.Context, opts Options) (*Repo, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	r := &Repo{
		dir:      opts.Dir,
		url:      opts.URL,
		auth:     opts.Auth,
		progress: opts.Progress,
		log:      logger.With("repo", filepath.Base(opts.Dir)),
	}

	if _, err := os.Stat(filepath.Join(opts.Dir, git.GitDirName)); os.IsNotExist(err) {
		if err := r.clone(ctx, opts.Deep); err != nil {
			return nil, err
		}
	}

	if err := r.Open(); err != nil {
		return nil, err
	}
	defer func() { _ = r.Close() }()

	primary, err := r.detectPrimary(opts.PrimaryBranch)
	if err != nil {
		return nil, err
	}
	r.primary = primary
	r.log.Debug("Repository ready", "dir", r.dir, "primary", primary)
	return r, nil
}

func (r *Repo) clone(ctx context.Context, deep bool) error {
	if r.url == "" {
		return ErrNoRemote
	}
	depth := 1
	if deep {
		depth = 0
	}

	r.log.Info("Cloning repository", "url", r.url, "dir", r.dir)
	cloned, err := git.PlainCloneContext(ctx, r.dir, false, &git.CloneOptions{
		URL:        r.url,
		Auth:       r.auth,
		Depth:      depth,
		RemoteName: remoteName,
		Progress:   r.progress,
	})
	if err != nil {
		_ = os.RemoveAll(r.dir)
		return fmt.Errorf("failed to clone repository: %w", err)
	}

	// The remote's default branch is what HEAD points at right after cloning
	head, err := cloned.Head()
	if err != nil {
		return fmt.Errorf("failed to get HEAD: %w", err)
	}
	cfg, err := cloned.Config()
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}
	cfg.Init.DefaultBranch = head.Name().Short()
	if err := cloned.SetConfig(cfg); err != nil {
		return fmt.Errorf("failed to record default branch: %w", err)
	}
	return nil
}

func (r *Repo) detectPrimary(override string) (string, error) {
	if override != "" {
		return override, nil
	}

	cfg, err := r.repo.Config()
	if err == nil && cfg.Init.DefaultBranch != "" {
		return cfg.Init.DefaultBranch, nil
	}

	// Try common default branches
	for _, branch := range []string{"main", "master"} {
		if _, err := r.repo.Reference(plumbing.NewRemoteReferenceName(remoteName, branch), true); err == nil {
			return branch, nil
		}
		if _, err := r.repo.Reference(plumbing.NewBranchReferenceName(branch), true); err == nil {
			return branch, nil
		}
	}
	return "", ErrNoPrimary
}

// Open opens the object storage. It is a no-op when already open.
func (r *Repo) Open() error {
	if r.repo != nil {
		return nil
	}
	wt := osfs.New(r.dir)
	dot, err := wt.Chroot(git.GitDirName)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotGitRepo, err)
	}
	st := filesystem.NewStorageWithOptions(dot, cache.NewObjectLRUDefault(), filesystem.Options{KeepDescriptors: true})
	repo, err := git.Open(st, wt)
	if err != nil {
		_ = st.Close()
		return fmt.Errorf("%w: %v", ErrNotGitRepo, err)
	}
	r.storage = st
	r.repo = repo
	return nil
}

// Close releases every file descriptor held by the storage
func (r *Repo) Close() error {
	if r.storage == nil {
		return nil
	}
	err := r.storage.Close()
	r.storage = nil
	r.repo = nil
	return err
}

// Acquire opens the repository, checks out the primary branch and pulls it
func (r *Repo) Acquire(ctx context.Context) error {
	if err := r.Open(); err != nil {
		return err
	}
	if err := r.CheckoutPrimary(); err != nil {
		return err
	}
	return r.Pull(ctx)
}

// Dir is the root of the working tree
func (r *Repo) Dir() string {
	return r.dir
}

// Primary is the name of the primary branch
func (r *Repo) Primary() string {
	return r.primary
}

func (r *Repo) git() (*git.Repository, error) {
	if r.repo == nil {
		return nil, ErrClosed
	}
	return r.repo, nil
}

func (r *Repo) worktree() (*git.Worktree, error) {
	repo, err := r.git()
	if err != nil {
		return nil, err
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("failed to get worktree: %w", err)
	}
	return wt, nil
}

// Head returns the commit HEAD points at
func (r *Repo) Head() (plumbing.Hash, error) {
	repo, err := r.git()
	if err != nil {
		return plumbing.ZeroHash, err
	}
	head, err := repo.Head()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to get HEAD: %w", err)
	}
	return head.Hash(), nil
}

// Branch returns the checked out branch name
func (r *Repo) Branch() (string, error) {
	repo, err := r.git()
	if err != nil {
		return "", err
	}
	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("failed to get HEAD: %w", err)
	}
	return head.Name().Short(), nil
}

// BranchHead returns the commit a local branch points at
func (r *Repo) BranchHead(branch string) (plumbing.Hash, error) {
	repo, err := r.git()
	if err != nil {
		return plumbing.ZeroHash, err
	}
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to find branch %s: %w", branch, err)
	}
	return ref.Hash(), nil
}

// IsClean reports a worktree without changes. Untracked files count as changes.
func (r *Repo) IsClean() (bool, error) {
	wt, err := r.worktree()
	if err != nil {
		return false, err
	}
	status, err := wt.Status()
	if err != nil {
		return false, fmt.Errorf("failed to get status: %w", err)
	}
	return status.IsClean(), nil
}

// Ahead reports whether the local branch has commits the remote tracking branch lacks.
// A branch missing on the remote is ahead.
func (r *Repo) Ahead(branch string) (bool, error) {
	repo, err := r.git()
	if err != nil {
		return false, err
	}
	local, err := repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if err != nil {
		return false, fmt.Errorf("failed to find branch %s: %w", branch, err)
	}
	remote, err := repo.Reference(plumbing.NewRemoteReferenceName(remoteName, branch), true)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return true, nil
	} else if err != nil {
		return false, fmt.Errorf("failed to find remote branch %s: %w", branch, err)
	}
	if local.Hash() == remote.Hash() {
		return false, nil
	}
	lc, err := repo.CommitObject(local.Hash())
	if err != nil {
		return false, fmt.Errorf("failed to read commit: %w", err)
	}
	rc, err := repo.CommitObject(remote.Hash())
	if err != nil {
		return false, fmt.Errorf("failed to read commit: %w", err)
	}
	behind, err := lc.IsAncestor(rc)
	if err != nil {
		return false, fmt.Errorf("failed to compare %s with remote: %w", branch, err)
	}
	return !behind, nil
}

// Fetch updates the remote tracking branches
func (r *Repo) Fetch(ctx context.Context) error {
	repo, err := r.git()
	if err != nil {
		return err
	}
	err = repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: remoteName,
		RefSpecs:   []config.RefSpec{config.RefSpec("+refs/heads/*:refs/remotes/" + remoteName + "/*")},
		Auth:       r.auth,
		Progress:   r.progress,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("failed to fetch: %w", err)
	}
	return nil
}

// Checkout switches to an existing local branch
func (r *Repo) Checkout(branch string) error {
	wt, err := r.worktree()
	if err != nil {
		return err
	}
	current, err := r.Branch()
	if err == nil && current == branch {
		return nil
	}
	if err := wt.Checkout(&git.CheckoutOptions{Branch: plumbing.NewBranchReferenceName(branch)}); err != nil {
		return fmt.Errorf("failed to checkout %s: %w", branch, err)
	}
	return nil
}

// CheckoutPrimary switches to the primary branch, creating it from the remote if needed
func (r *Repo) CheckoutPrimary() error {
	repo, err := r.git()
	if err != nil {
		return err
	}
	if _, err := repo.Reference(plumbing.NewBranchReferenceName(r.primary), true); err != nil {
		remote, rerr := repo.Reference(plumbing.NewRemoteReferenceName(remoteName, r.primary), true)
		if rerr != nil {
			return fmt.Errorf("failed to find primary branch %s: %w", r.primary, rerr)
		}
		return r.createBranch(r.primary, remote.Hash())
	}
	return r.Checkout(r.primary)
}

func (r *Repo) createBranch(branch string, from plumbing.Hash) error {
	wt, err := r.worktree()
	if err != nil {
		return err
	}
	err = wt.Checkout(&git.CheckoutOptions{
		Branch: plumbing.NewBranchReferenceName(branch),
		Hash:   from,
		Create: true,
	})
	if err != nil {
		return fmt.Errorf("failed to create branch %s: %w", branch, err)
	}
	return nil
}

// Push pushes a local branch to the same name on the remote
func (r *Repo) Push(ctx context.Context, branch string) error {
	repo, err := r.git()
	if err != nil {
		return err
	}
	ref := plumbing.NewBranchReferenceName(branch)
	err = repo.PushContext(ctx, &git.PushOptions{
		RemoteName: remoteName,
		RefSpecs:   []config.RefSpec{config.RefSpec(ref + ":" + ref)},
		Auth:       r.auth,
		Progress:   r.progress,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("failed to push %s: %w", branch, err)
	}
	r.log.Debug("Pushed branch", "branch", branch)
	return nil
}

// PushPrimary pushes the primary branch
func (r *Repo) PushPrimary(ctx context.Context) error {
	return r.Push(ctx, r.primary)
}

// Commit stages paths (relative to the worktree root) and commits them.
// Missing paths are staged as deletions.
func (r *Repo) Commit(message string, author *Signature, paths ...string) (plumbing.Hash, error) {
	wt, err := r.worktree()
	if err != nil {
		return plumbing.ZeroHash, err
	}
	for _, p := range paths {
		p = filepath.ToSlash(p)
		if _, err := os.Stat(filepath.Join(r.dir, p)); os.IsNotExist(err) {
			if _, err := wt.Remove(p); err != nil && !errors.Is(err, index.ErrEntryNotFound) {
				return plumbing.ZeroHash, fmt.Errorf("failed to stage removal of %s: %w", p, err)
			}
			continue
		}
		if _, err := wt.Add(p); err != nil {
			return plumbing.ZeroHash, fmt.Errorf("failed to stage %s: %w", p, err)
		}
	}

	if author == nil {
		author = &DefaultAuthor
	}
	hash, err := wt.Commit(message, &git.CommitOptions{Author: author.object()})
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to commit: %w", err)
	}
	r.log.Debug("Committed", "message", message, "hash", hash.String()[:8])
	return hash, nil
}

// Move renames a tracked file and stages the rename
func (r *Repo) Move(from, to string) error {
	wt, err := r.worktree()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(filepath.Join(r.dir, to)), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if _, err := wt.Move(filepath.ToSlash(from), filepath.ToSlash(to)); err != nil {
		return fmt.Errorf("failed to move %s: %w", from, err)
	}
	return nil
}

// ChangeBranch runs fn with branch checked out, pushes the branch, then returns to
// the primary branch. The branch is created from the primary if it does not exist
// and fast-forwarded to the remote when it does.
func (r *Repo) ChangeBranch(ctx context.Context, branch string, fn func() error) error {
	repo, err := r.git()
	if err != nil {
		return err
	}
	if clean, err := r.IsClean(); err != nil {
		return err
	} else if !clean {
		return ErrDirtyWorktree
	}

	local, lerr := repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	remote, rerr := repo.Reference(plumbing.NewRemoteReferenceName(remoteName, branch), true)
	switch {
	case lerr == nil:
		if err := r.Checkout(branch); err != nil {
			return err
		}
		if rerr == nil && local.Hash() != remote.Hash() {
			if err := r.fastForward(local.Hash(), remote.Hash()); err != nil {
				return err
			}
		}
	case rerr == nil:
		if err := r.createBranch(branch, remote.Hash()); err != nil {
			return err
		}
	default:
		primary, err := r.BranchHead(r.primary)
		if err != nil {
			return err
		}
		if err := r.createBranch(branch, primary); err != nil {
			return err
		}
	}

	defer func() {
		if err := r.CheckoutPrimary(); err != nil {
			r.log.Error("Failed to return to primary branch", "branch", branch, "err", err)
		}
	}()

	if err := fn(); err != nil {
		return err
	}
	return r.Push(ctx, branch)
}

func (r *Repo) fastForward(local, remote plumbing.Hash) error {
	repo, err := r.git()
	if err != nil {
		return err
	}
	lc, err := repo.CommitObject(local)
	if err != nil {
		return fmt.Errorf("failed to read commit: %w", err)
	}
	rc, err := repo.CommitObject(remote)
	if err != nil {
		return fmt.Errorf("failed to read commit: %w", err)
	}
	if ok, err := lc.IsAncestor(rc); err != nil || !ok {
		// Local commits not yet on the remote stay where they are
		return nil
	}
	return r.resetHard(remote)
}

func (r *Repo) resetHard(to plumbing.Hash) error {
	wt, err := r.worktree()
	if err != nil {
		return err
	}
	if err := wt.Reset(&git.ResetOptions{Commit: to, Mode: git.HardReset}); err != nil {
		return fmt.Errorf("failed to reset: %w", err)
	}
	return nil
}

// ShortHash abbreviates a commit hash
func ShortHash(h plumbing.Hash) string {
	return strings.ToLower(h.String())[:8]
}
