package gitstep

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

	"github.com/fyrsmithlabs/immunity/internal/immunity"
)

func write(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func newRepo(t *testing.T) (string, *git.Worktree) {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	wt, err := repo.Worktree()
	require.NoError(t, err)

	write(t, dir, "main.go", "package main\n")
	_, err = wt.Add("main.go")
	require.NoError(t, err)
	_, err = wt.Commit("init", &git.CommitOptions{
		Author: &object.Signature{Name: "dev", Email: "dev@example.com", When: time.Now()},
	})
	require.NoError(t, err)
	return dir, wt
}

func TestBuild(t *testing.T) {
	dir, wt := newRepo(t)

	write(t, dir, "main.go", "package main\n\nfunc main() {}\n")
	_, err := wt.Add("main.go")
	require.NoError(t, err)
	// Edited again after staging; the commit would record the staged copy.
	write(t, dir, "main.go", "package main\n\nfunc main() { panic(1) }\n")

	write(t, dir, "config.yaml", "key: value\n")
	_, err = wt.Add("config.yaml")
	require.NoError(t, err)

	write(t, dir, "blob.bin", "\x00\x01\x02")
	_, err = wt.Add("blob.bin")
	require.NoError(t, err)

	write(t, dir, "notes.txt", "untracked\n")

	ctx := context.Background()

	t.Run("staged only", func(t *testing.T) {
		res, err := Build(ctx, dir, Options{Intent: "wire main"})
		require.NoError(t, err)
		assert.Equal(t, "master", res.Branch)

		require.Len(t, res.Steps, 2)
		assert.Equal(t, "config.yaml", res.Steps[0].Path)
		assert.Equal(t, "main.go", res.Steps[1].Path)
		assert.Equal(t, "package main\n\nfunc main() {}\n", res.Steps[1].Content)
		for i, s := range res.Steps {
			assert.Equal(t, immunity.StepKindFileWrite, s.Kind)
			assert.Equal(t, "wire main", s.Intent)
			assert.Equal(t, uint64(i+1), s.Sequence)
			assert.Equal(t, "git:master", s.SessionID)
			assert.NoError(t, immunity.ValidateStep(s, immunity.DefaultConfig().MaxContentBytes))
		}
		assert.Equal(t, []Skipped{{Path: "blob.bin", Reason: SkipBinary}}, res.Skipped)
	})

	t.Run("step ids are stable", func(t *testing.T) {
		a, err := Build(ctx, dir, Options{})
		require.NoError(t, err)
		b, err := Build(ctx, dir, Options{})
		require.NoError(t, err)
		assert.Equal(t, a.Steps[0].ID, b.Steps[0].ID)
		assert.NotEqual(t, a.Steps[0].ID, a.Steps[1].ID)
	})

	t.Run("include unstaged", func(t *testing.T) {
		res, err := Build(ctx, dir, Options{IncludeUnstaged: true})
		require.NoError(t, err)
		var paths []string
		for _, s := range res.Steps {
			paths = append(paths, s.Path)
		}
		assert.Equal(t, []string{"config.yaml", "main.go", "notes.txt"}, paths)
	})

	t.Run("size limit", func(t *testing.T) {
		res, err := Build(ctx, dir, Options{MaxFileBytes: 12})
		require.NoError(t, err)
		assert.Contains(t, res.Skipped, Skipped{Path: "main.go", Reason: SkipTooLarge})
	})
}

func TestBuild_CleanTree(t *testing.T) {
	dir, _ := newRepo(t)
	res, err := Build(context.Background(), dir, Options{})
	require.NoError(t, err)
	assert.Empty(t, res.Steps)
}

func TestBuild_NotARepository(t *testing.T) {
	_, err := Build(context.Background(), t.TempDir(), Options{})
	assert.ErrorIs(t, err, ErrNotRepository)
}

func TestBuild_IgnoreFile(t *testing.T) {
	dir, wt := newRepo(t)

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "testdata"), 0o755))
	write(t, dir, ".immunityignore", "testdata/\n")
	write(t, dir, "testdata/fake.env", "TOKEN=not-a-real-token\n")
	write(t, dir, "app.go", "package main\n")
	for _, p := range []string{".immunityignore", "testdata/fake.env", "app.go"} {
		_, err := wt.Add(p)
		require.NoError(t, err)
	}

	res, err := Build(context.Background(), dir, Options{})
	require.NoError(t, err)

	var paths []string
	for _, s := range res.Steps {
		paths = append(paths, s.Path)
	}
	assert.Equal(t, []string{".immunityignore", "app.go"}, paths)
	assert.Contains(t, res.Skipped, Skipped{Path: "testdata/fake.env", Reason: SkipIgnored})

	res, err = Build(context.Background(), dir, Options{NoIgnore: true})
	require.NoError(t, err)
	assert.Len(t, res.Steps, 3)
}
