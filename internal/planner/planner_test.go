package planner_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wafflehacks/wafflemaker/internal/planner"
	"github.com/wafflehacks/wafflemaker/internal/queue"
)

func writeAndCommit(t *testing.T, dir string, files map[string]string, remove []string, msg string) string {
	t.Helper()
	repo, err := git.PlainOpen(dir)
	require.NoError(t, err)
	wt, err := repo.Worktree()
	require.NoError(t, err)

	for name, contents := range files {
		full := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(contents), 0o644))
		_, err = wt.Add(name)
		require.NoError(t, err)
	}
	for _, name := range remove {
		require.NoError(t, os.Remove(filepath.Join(dir, name)))
		_, err = wt.Add(name)
		require.NoError(t, err)
	}

	hash, err := wt.Commit(msg, &git.CommitOptions{
		Author: &object.Signature{Name: "test", Email: "test@example.com", When: time.Unix(0, 0)},
	})
	require.NoError(t, err)
	return hash.String()
}

const validSpec = `
[docker]
image = "app/api"
tag = "v1"
`

const invalidSpec = `
[docker]
tag = "v1"
`

func TestPlanFromEmptyBeforeReconcilesEveryService(t *testing.T) {
	dir := t.TempDir()
	_, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	after := writeAndCommit(t, dir, map[string]string{
		"services/cms.toml":  validSpec,
		"services/mail.toml": validSpec,
	}, nil, "add services")

	p := planner.New(dir)
	plan, err := p.Plan(context.Background(), "", after)
	require.NoError(t, err)

	require.Len(t, plan.Jobs, 2)
	assert.Equal(t, queue.KindReconcile, plan.Jobs[0].Kind)
	assert.Equal(t, "cms", plan.Jobs[0].ServiceID)
	assert.Equal(t, "mail", plan.Jobs[1].ServiceID)
}

func TestPlanOrdersDeletesBeforeReconciles(t *testing.T) {
	dir := t.TempDir()
	_, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	before := writeAndCommit(t, dir, map[string]string{
		"services/cms.toml":  validSpec,
		"services/mail.toml": validSpec,
	}, nil, "add services")

	after := writeAndCommit(t, dir, map[string]string{
		"services/cms.toml": `
[docker]
image = "app/cms"
tag = "v2"
`,
	}, []string{"services/mail.toml"}, "remove mail, bump cms")

	p := planner.New(dir)
	plan, err := p.Plan(context.Background(), before, after)
	require.NoError(t, err)

	require.Len(t, plan.Jobs, 2)
	assert.Equal(t, queue.KindDelete, plan.Jobs[0].Kind)
	assert.Equal(t, "mail", plan.Jobs[0].ServiceID)
	assert.Equal(t, queue.KindReconcile, plan.Jobs[1].Kind)
	assert.Equal(t, "cms", plan.Jobs[1].ServiceID)
}

func TestPlanIgnoresFilesOutsideServicesTree(t *testing.T) {
	dir := t.TempDir()
	_, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	before := writeAndCommit(t, dir, map[string]string{"README.md": "hello"}, nil, "init")
	after := writeAndCommit(t, dir, map[string]string{"README.md": "hello world"}, nil, "update readme")

	p := planner.New(dir)
	plan, err := p.Plan(context.Background(), before, after)
	require.NoError(t, err)
	assert.Empty(t, plan.Jobs)
}

func TestPlanParseFailureProducesFailJob(t *testing.T) {
	dir := t.TempDir()
	_, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	after := writeAndCommit(t, dir, map[string]string{"services/broken.toml": invalidSpec}, nil, "add broken service")

	p := planner.New(dir)
	plan, err := p.Plan(context.Background(), "", after)
	require.NoError(t, err)

	require.Len(t, plan.Jobs, 1)
	assert.Equal(t, queue.KindFail, plan.Jobs[0].Kind)
	assert.Equal(t, "broken", plan.Jobs[0].ServiceID)
}
