// Package planner computes the ordered job list produced by a source
// repository push (spec §4.1), by diffing two commits' `services/` subtree
// with go-git, grounded on fluxcd-flux's own go-git consumer
// (integrations/helm/git.Checkout).
package planner

import (
	"context"
	"sort"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/wafflehacks/wafflemaker/internal/queue"
	"github.com/wafflehacks/wafflemaker/internal/registry"
	"github.com/wafflehacks/wafflemaker/internal/spec"
	"github.com/wafflehacks/wafflemaker/internal/wferrors"
)

const servicesPrefix = "services/"

// Plan is the result of diffing before..after: a Deployment's Change rows
// plus the ordered job list to enqueue.
type Plan struct {
	Commit  string
	Changes []registry.Change
	Jobs    []queue.Job
}

// Planner computes Plans from a local clone of the source repository.
type Planner struct {
	repoPath string
}

// New builds a Planner over a local clone already fast-forwarded to the
// commits it will be asked to diff.
func New(repoPath string) *Planner {
	return &Planner{repoPath: repoPath}
}

// Plan computes the ordered job list for the transition before -> after,
// per spec §4.1. An empty before means "no prior state": every service
// file in after is planned as a Reconcile.
func (p *Planner) Plan(ctx context.Context, before, after string) (*Plan, error) {
	repo, err := git.PlainOpen(p.repoPath)
	if err != nil {
		return nil, wferrors.Wrap(wferrors.KindFatal, "open repository clone", err)
	}

	afterTree, err := treeAt(repo, after)
	if err != nil {
		return nil, wferrors.Wrap(wferrors.KindFatal, "resolve after commit "+after, err)
	}

	var changes []entryChange
	if before == "" || strings.Trim(before, "0") == "" {
		changes, err = allServiceFiles(afterTree)
	} else {
		var beforeTree *object.Tree
		beforeTree, err = treeAt(repo, before)
		if err != nil {
			return nil, wferrors.Wrap(wferrors.KindFatal, "resolve before commit "+before, err)
		}
		changes, err = diffServiceFiles(beforeTree, afterTree)
	}
	if err != nil {
		return nil, wferrors.Wrap(wferrors.KindFatal, "diff service tree", err)
	}

	return buildPlan(after, afterTree, changes), nil
}

type entryChange struct {
	path    string
	deleted bool
}

func treeAt(repo *git.Repository, commit string) (*object.Tree, error) {
	c, err := repo.CommitObject(plumbing.NewHash(commit))
	if err != nil {
		return nil, err
	}
	return c.Tree()
}

func allServiceFiles(tree *object.Tree) ([]entryChange, error) {
	var out []entryChange
	err := tree.Files().ForEach(func(f *object.File) error {
		if isServiceFile(f.Name) {
			out = append(out, entryChange{path: f.Name})
		}
		return nil
	})
	return out, err
}

func diffServiceFiles(before, after *object.Tree) ([]entryChange, error) {
	diffs, err := object.DiffTree(before, after)
	if err != nil {
		return nil, err
	}

	var out []entryChange
	for _, d := range diffs {
		name := d.To.Name
		if name == "" {
			name = d.From.Name
		}
		if !isServiceFile(name) {
			continue
		}
		if d.To.Name == "" {
			out = append(out, entryChange{path: d.From.Name, deleted: true})
			continue
		}
		out = append(out, entryChange{path: d.To.Name})
	}
	return out, nil
}

func isServiceFile(name string) bool {
	return strings.HasPrefix(name, servicesPrefix) && strings.HasSuffix(name, ".toml")
}

func buildPlan(commit string, afterTree *object.Tree, changes []entryChange) *Plan {
	plan := &Plan{Commit: commit}

	var deleteJobs, reconcileJobs []queue.Job

	for _, c := range changes {
		relPath := strings.TrimPrefix(c.path, servicesPrefix)
		id := spec.DeriveID(relPath)

		if c.deleted {
			plan.Changes = append(plan.Changes, registry.Change{Path: c.path, Action: registry.ChangeDeleted})
			deleteJobs = append(deleteJobs, queue.Job{Kind: queue.KindDelete, ServiceID: id})
			continue
		}

		plan.Changes = append(plan.Changes, registry.Change{Path: c.path, Action: registry.ChangeModified})

		f, err := afterTree.File(c.path)
		if err != nil {
			reconcileJobs = append(reconcileJobs, queue.Job{Kind: queue.KindFail, ServiceID: id, Reason: "read " + c.path + ": " + err.Error()})
			continue
		}
		contents, err := f.Contents()
		if err != nil {
			reconcileJobs = append(reconcileJobs, queue.Job{Kind: queue.KindFail, ServiceID: id, Reason: "read " + c.path + ": " + err.Error()})
			continue
		}
		s, err := spec.Parse([]byte(contents))
		if err != nil {
			reconcileJobs = append(reconcileJobs, queue.Job{Kind: queue.KindFail, ServiceID: id, Reason: err.Error()})
			continue
		}
		reconcileJobs = append(reconcileJobs, queue.Job{Kind: queue.KindReconcile, ServiceID: id, Spec: s})
	}

	sort.Slice(deleteJobs, func(i, j int) bool { return deleteJobs[i].ServiceID < deleteJobs[j].ServiceID })
	sort.Slice(reconcileJobs, func(i, j int) bool { return reconcileJobs[i].ServiceID < reconcileJobs[j].ServiceID })

	plan.Jobs = append(plan.Jobs, deleteJobs...)
	plan.Jobs = append(plan.Jobs, reconcileJobs...)
	return plan
}
