// Package repotest builds throwaway git remotes for tests.
package repotest

import (
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// Remote is a bare repository on disk
type Remote struct {
	Dir    string
	Branch string
}

var author = &object.Signature{Name: "Test", Email: "test@example.com"}

func sign() *object.Signature {
	s := *author
	s.When = time.Now()
	return &s
}

// NewRemote creates a bare repository whose default branch holds files
func NewRemote(t testing.TB, branch string, files map[string]string) *Remote {
	t.Helper()
	bareDir := filepath.Join(t.TempDir(), "remote.git")
	bare, err := git.PlainInit(bareDir, true)
	if err != nil {
		t.Fatalf("failed to init bare repo: %v", err)
	}
	head := plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(branch))
	if err := bare.Storer.SetReference(head); err != nil {
		t.Fatalf("failed to set HEAD: %v", err)
	}

	seedDir := t.TempDir()
	seed, err := git.PlainInit(seedDir, false)
	if err != nil {
		t.Fatalf("failed to init seed repo: %v", err)
	}
	if err := seed.Storer.SetReference(head); err != nil {
		t.Fatalf("failed to set HEAD: %v", err)
	}
	if _, err := seed.CreateRemote(&config.RemoteConfig{Name: "origin", URLs: []string{bareDir}}); err != nil {
		t.Fatalf("failed to add remote: %v", err)
	}
	if len(files) == 0 {
		files = map[string]string{"README.md": "test\n"}
	}
	commitFiles(t, seed, seedDir, "Initial commit", files)
	push(t, seed, branch)

	return &Remote{Dir: bareDir, Branch: branch}
}

// URL is what clones should be made from
func (r *Remote) URL() string {
	return r.Dir
}

// Commit pushes a new commit to branch from a scratch clone. An empty value deletes the file.
func (r *Remote) Commit(t testing.TB, branch, message string, files map[string]string) plumbing.Hash {
	t.Helper()
	dir := t.TempDir()
	clone, err := git.PlainClone(dir, false, &git.CloneOptions{
		URL:           r.Dir,
		ReferenceName: plumbing.NewBranchReferenceName(branch),
		SingleBranch:  true,
	})
	if err != nil {
		t.Fatalf("failed to clone remote: %v", err)
	}
	hash := commitFiles(t, clone, dir, message, files)
	push(t, clone, branch)
	return hash
}

// Head returns the commit branch points at, zero when the branch does not exist
func (r *Remote) Head(t testing.TB, branch string) plumbing.Hash {
	t.Helper()
	ref, err := r.open(t).Reference(plumbing.NewBranchReferenceName(branch), true)
	if err != nil {
		return plumbing.ZeroHash
	}
	return ref.Hash()
}

// Message returns the message of the commit branch points at
func (r *Remote) Message(t testing.TB, branch string) string {
	t.Helper()
	c := r.commit(t, branch)
	return c.Message
}

// Author returns "name <email>" of the commit branch points at
func (r *Remote) Author(t testing.TB, branch string) string {
	t.Helper()
	c := r.commit(t, branch)
	return c.Author.Name + " <" + c.Author.Email + ">"
}

// Parents returns how many parents the head of branch has
func (r *Remote) Parents(t testing.TB, branch string) int {
	t.Helper()
	return r.commit(t, branch).NumParents()
}

// File returns the contents of path on branch
func (r *Remote) File(t testing.TB, branch, path string) (string, bool) {
	t.Helper()
	tree, err := r.commit(t, branch).Tree()
	if err != nil {
		t.Fatalf("failed to read tree: %v", err)
	}
	f, err := tree.File(filepath.ToSlash(path))
	if err != nil {
		return "", false
	}
	contents, err := f.Contents()
	if err != nil {
		t.Fatalf("failed to read %s: %v", path, err)
	}
	return contents, true
}

// Branches lists the branch names of the remote
func (r *Remote) Branches(t testing.TB) []string {
	t.Helper()
	iter, err := r.open(t).Branches()
	if err != nil {
		t.Fatalf("failed to list branches: %v", err)
	}
	var names []string
	_ = iter.ForEach(func(ref *plumbing.Reference) error {
		names = append(names, ref.Name().Short())
		return nil
	})
	sort.Strings(names)
	return names
}

func (r *Remote) open(t testing.TB) *git.Repository {
	t.Helper()
	repo, err := git.PlainOpen(r.Dir)
	if err != nil {
		t.Fatalf("failed to open remote: %v", err)
	}
	return repo
}

func (r *Remote) commit(t testing.TB, branch string) *object.Commit {
	t.Helper()
	repo := r.open(t)
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if err != nil {
		t.Fatalf("branch %s not found: %v", branch, err)
	}
	c, err := repo.CommitObject(ref.Hash())
	if err != nil {
		t.Fatalf("failed to read commit: %v", err)
	}
	return c
}

func commitFiles(t testing.TB, repo *git.Repository, dir, message string, files map[string]string) plumbing.Hash {
	t.Helper()
	wt, err := repo.Worktree()
	if err != nil {
		t.Fatalf("failed to get worktree: %v", err)
	}
	for path, body := range files {
		full := filepath.Join(dir, path)
		if body == "" {
			if _, err := wt.Remove(filepath.ToSlash(path)); err != nil {
				t.Fatalf("failed to remove %s: %v", path, err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(full, []byte(body), 0644); err != nil {
			t.Fatal(err)
		}
		if _, err := wt.Add(filepath.ToSlash(path)); err != nil {
			t.Fatalf("failed to add %s: %v", path, err)
		}
	}
	hash, err := wt.Commit(message, &git.CommitOptions{Author: sign()})
	if err != nil {
		t.Fatalf("failed to commit: %v", err)
	}
	return hash
}

func push(t testing.TB, repo *git.Repository, branch string) {
	t.Helper()
	ref := plumbing.NewBranchReferenceName(branch)
	err := repo.Push(&git.PushOptions{
		RemoteName: "origin",
		RefSpecs:   []config.RefSpec{config.RefSpec(ref + ":" + ref)},
	})
	if err != nil && err != git.NoErrAlreadyUpToDate {
		t.Fatalf("failed to push: %v", err)
	}
}
