// Package gitsync keeps a local clone of the source repository fast
// forwarded to the commit a webhook push announced, before the Planner
// diffs it. It is a narrowed port of fluxcd-flux's
// integrations/helm/git.Checkout: clone once at startup, pull on every
// push, no SSH deploy-key or token plumbing (clone and pull pass no
// credentials; the clone URL must be reachable as given).
package gitsync

import (
	"context"
	"sync"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	kitlog "github.com/go-kit/kit/log"

	"github.com/wafflehacks/wafflemaker/internal/wferrors"
)

// Checkout is a local, mutex-guarded clone of one branch of a remote
// repository.
type Checkout struct {
	dir    string
	branch string
	logger kitlog.Logger

	mu       sync.Mutex
	repo     *git.Repository
	worktree *git.Worktree
}

// New builds a Checkout rooted at dir, tracking branch.
func New(dir, branch string, logger kitlog.Logger) *Checkout {
	return &Checkout{dir: dir, branch: branch, logger: logger}
}

// Clone clones url into the Checkout's directory and checks out branch.
// Call once at daemon startup.
func (c *Checkout) Clone(ctx context.Context, url string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	repo, err := git.PlainCloneContext(ctx, c.dir, false, &git.CloneOptions{
		URL:           url,
		ReferenceName: plumbing.NewBranchReferenceName(c.branch),
		SingleBranch:  true,
	})
	if err != nil {
		return wferrors.Wrap(wferrors.KindFatal, "clone "+url, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return wferrors.Wrap(wferrors.KindFatal, "open worktree", err)
	}

	c.repo = repo
	c.worktree = wt
	c.logger.Log("gitsync", "clone", "url", url, "dir", c.dir)
	return nil
}

// Pull fast forwards the local clone to the head of its origin branch,
// satisfying internal/webhook.Puller. cloneURL, ref and commit are accepted
// for interface symmetry with the webhook payload (ref and commit are only
// logged); the clone's own remote/branch are authoritative; a push to a different repository or branch never reaches
// here because the webhook handler rejects it first.
func (c *Checkout) Pull(ctx context.Context, cloneURL, ref, commit string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.worktree == nil {
		return wferrors.New(wferrors.KindFatal, "gitsync: Pull called before Clone")
	}

	err := c.worktree.PullContext(ctx, &git.PullOptions{RemoteName: "origin"})
	if err != nil && err != git.NoErrAlreadyUpToDate {
		return wferrors.Wrap(wferrors.KindTransient, "pull "+ref, err)
	}

	c.logger.Log("gitsync", "pull", "ref", ref, "commit", commit)
	return nil
}

// Path returns the local clone's directory, for the Planner to open.
func (c *Checkout) Path() string {
	return c.dir
}

// Head returns the local clone's current commit hash.
func (c *Checkout) Head() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.repo == nil {
		return "", wferrors.New(wferrors.KindFatal, "gitsync: Head called before Clone")
	}
	ref, err := c.repo.Head()
	if err != nil {
		return "", wferrors.Wrap(wferrors.KindUpstream, "resolve HEAD", err)
	}
	return ref.Hash().String(), nil
}
