package repo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/utils/merkletrie"
)

// Pull fetches and integrates the remote version of the checked out branch.
//
// A fast-forward is used whenever possible. When both sides have new commits the
// result is a merge commit whose tree is the remote tree with every file changed
// locally since the merge base taken from the local side.
func (r *Repo) Pull(ctx context.Context) error {
	repo, err := r.git()
	if err != nil {
		return err
	}
	if err := r.Fetch(ctx); err != nil {
		return err
	}

	head, err := repo.Head()
	if err != nil {
		return fmt.Errorf("failed to get HEAD: %w", err)
	}
	branch := head.Name().Short()
	remoteRef, err := repo.Reference(plumbing.NewRemoteReferenceName(remoteName, branch), true)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return nil
	} else if err != nil {
		return fmt.Errorf("failed to find remote branch: %w", err)
	}

	if head.Hash() == remoteRef.Hash() {
		return nil
	}

	local, err := repo.CommitObject(head.Hash())
	if err != nil {
		return fmt.Errorf("failed to read local commit: %w", err)
	}
	remote, err := repo.CommitObject(remoteRef.Hash())
	if err != nil {
		return fmt.Errorf("failed to read remote commit: %w", err)
	}

	if ok, err := local.IsAncestor(remote); err == nil && ok {
		r.log.Debug("Fast-forwarding", "branch", branch, "to", ShortHash(remote.Hash))
		return r.resetHard(remote.Hash)
	}
	if ok, err := remote.IsAncestor(local); err == nil && ok {
		return nil
	}

	return r.mergeOurs(branch, local, remote)
}

func (r *Repo) mergeOurs(branch string, local, remote *object.Commit) error {
	base := r.mergeBase(local, remote)
	baseTree := &object.Tree{}
	if base != nil {
		t, err := base.Tree()
		if err != nil {
			return fmt.Errorf("failed to read base tree: %w", err)
		}
		baseTree = t
	}
	localTree, err := local.Tree()
	if err != nil {
		return fmt.Errorf("failed to read local tree: %w", err)
	}
	changes, err := object.DiffTree(baseTree, localTree)
	if err != nil {
		return fmt.Errorf("failed to diff local changes: %w", err)
	}

	r.log.Info("Merging diverged branch", "branch", branch, "local", ShortHash(local.Hash), "remote", ShortHash(remote.Hash), "changes", len(changes))

	if err := r.resetHard(remote.Hash); err != nil {
		return err
	}
	wt, err := r.worktree()
	if err != nil {
		return err
	}

	for _, change := range changes {
		action, err := change.Action()
		if err != nil {
			return fmt.Errorf("failed to classify change: %w", err)
		}
		if action == merkletrie.Delete {
			path := change.From.Name
			if err := os.Remove(filepath.Join(r.dir, filepath.FromSlash(path))); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("failed to remove %s: %w", path, err)
			}
			if _, err := wt.Remove(path); err != nil {
				r.log.Debug("File already absent upstream", "path", path, "err", err)
			}
			continue
		}

		path := change.To.Name
		file, err := localTree.File(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		contents, err := file.Contents()
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		full := filepath.Join(r.dir, filepath.FromSlash(path))
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
		if err := os.WriteFile(full, []byte(contents), 0644); err != nil {
			return fmt.Errorf("failed to write %s: %w", path, err)
		}
		if _, err := wt.Add(path); err != nil {
			return fmt.Errorf("failed to stage %s: %w", path, err)
		}
	}

	_, err = wt.Commit(fmt.Sprintf("Merge remote-tracking branch '%s/%s'", remoteName, branch), &git.CommitOptions{
		Author:            DefaultAuthor.object(),
		Parents:           []plumbing.Hash{local.Hash, remote.Hash},
		AllowEmptyCommits: true,
	})
	if err != nil {
		return fmt.Errorf("failed to commit merge: %w", err)
	}
	return nil
}

// mergeBase falls back to the first parent of local when history is too shallow
func (r *Repo) mergeBase(local, remote *object.Commit) *object.Commit {
	if bases, err := local.MergeBase(remote); err == nil && len(bases) > 0 {
		return bases[0]
	}
	if parent, err := local.Parent(0); err == nil {
		return parent
	}
	return nil
}
