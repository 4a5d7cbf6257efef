package vcs

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRepo(t *testing.T) string {
	t.Helper()
	tmpDir := t.TempDir()

	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = tmpDir
		require.NoError(t, cmd.Run(), "git %v", args)
	}

	run("init")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "Test User")

	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "initial.txt"), []byte("initial"), 0o644))
	run("add", ".")
	run("commit", "-m", "feat: initial commit")

	return tmpDir
}

func TestInitOnExistingRepoIsNoop(t *testing.T) {
	ctx := context.Background()
	repoDir := setupTestRepo(t)

	repo, err := Init(ctx, repoDir)
	require.NoError(t, err)
	assert.True(t, repo.isGitRepo(ctx))
}

func TestCreateWorktreeChecksOutRunBranch(t *testing.T) {
	ctx := context.Background()
	repoDir := setupTestRepo(t)
	repo := Open(repoDir)

	worktreePath := filepath.Join(t.TempDir(), "wt")
	w, err := repo.CreateWorktree(ctx, worktreePath, "run/abc-123", "")
	require.NoError(t, err)
	assert.Equal(t, "run/abc-123", w.Branch())
	assert.Equal(t, worktreePath, w.Path())

	_, err = os.Stat(filepath.Join(worktreePath, "initial.txt"))
	assert.NoError(t, err)
}

func TestCreateWorktreeRejectsUnsafeBranchName(t *testing.T) {
	ctx := context.Background()
	repoDir := setupTestRepo(t)
	repo := Open(repoDir)

	_, err := repo.CreateWorktree(ctx, filepath.Join(t.TempDir(), "wt"), "-oops", "")
	assert.Error(t, err)

	_, err = repo.CreateWorktree(ctx, filepath.Join(t.TempDir(), "wt2"), "../escape", "")
	assert.Error(t, err)
}

func TestListWorktreesIncludesCreated(t *testing.T) {
	ctx := context.Background()
	repoDir := setupTestRepo(t)
	repo := Open(repoDir)

	worktreePath := filepath.Join(t.TempDir(), "wt")
	_, err := repo.CreateWorktree(ctx, worktreePath, "run/list-me", "")
	require.NoError(t, err)

	entries, err := repo.ListWorktrees(ctx)
	require.NoError(t, err)

	var found bool
	for _, e := range entries {
		if e.Branch == "run/list-me" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestCommitAllAcceptsTheEngineCommitMessageFormat(t *testing.T) {
	ctx := context.Background()
	repoDir := setupTestRepo(t)
	repo := Open(repoDir)

	worktreePath := filepath.Join(t.TempDir(), "wt")
	w, err := repo.CreateWorktree(ctx, worktreePath, "run/commit-test", "")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(worktreePath, "new.txt"), []byte("x"), 0o644))

	hash, err := w.CommitAll(ctx, "step-1 (write_file) :: add new file")
	require.NoError(t, err)
	assert.NotEmpty(t, hash)
}

func TestCommitAllNothingToCommit(t *testing.T) {
	ctx := context.Background()
	repoDir := setupTestRepo(t)
	repo := Open(repoDir)

	worktreePath := filepath.Join(t.TempDir(), "wt")
	w, err := repo.CreateWorktree(ctx, worktreePath, "run/empty-commit", "")
	require.NoError(t, err)

	_, err = w.CommitAll(ctx, "feat: nothing changed")
	assert.Error(t, err)
}

func TestIsDirtyAndRecoverDirty(t *testing.T) {
	ctx := context.Background()
	repoDir := setupTestRepo(t)
	repo := Open(repoDir)

	worktreePath := filepath.Join(t.TempDir(), "wt")
	w, err := repo.CreateWorktree(ctx, worktreePath, "run/dirty", "")
	require.NoError(t, err)

	head, err := w.HeadCommit(ctx)
	require.NoError(t, err)

	dirty, err := w.IsDirty(ctx)
	require.NoError(t, err)
	assert.False(t, dirty)

	require.NoError(t, os.WriteFile(filepath.Join(worktreePath, "scratch.txt"), []byte("partial"), 0o644))
	dirty, err = w.IsDirty(ctx)
	require.NoError(t, err)
	assert.True(t, dirty)

	require.NoError(t, w.RecoverDirty(ctx, head))
	dirty, err = w.IsDirty(ctx)
	require.NoError(t, err)
	assert.False(t, dirty)

	_, err = os.Stat(filepath.Join(worktreePath, "scratch.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestForkCreatesIndependentWorktree(t *testing.T) {
	ctx := context.Background()
	repoDir := setupTestRepo(t)
	repo := Open(repoDir)

	srcPath := filepath.Join(t.TempDir(), "src")
	src, err := repo.CreateWorktree(ctx, srcPath, "run/source", "")
	require.NoError(t, err)

	forkPath := filepath.Join(t.TempDir(), "fork")
	fork, err := src.Fork(ctx, forkPath, "run/source-fork")
	require.NoError(t, err)
	assert.Equal(t, "run/source-fork", fork.Branch())

	require.NoError(t, os.WriteFile(filepath.Join(srcPath, "only-in-src.txt"), []byte("x"), 0o644))
	_, err = src.CommitAll(ctx, "feat: only in source")
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(forkPath, "only-in-src.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestListCommitsOrdersNewestFirst(t *testing.T) {
	ctx := context.Background()
	repoDir := setupTestRepo(t)
	repo := Open(repoDir)

	worktreePath := filepath.Join(t.TempDir(), "wt")
	w, err := repo.CreateWorktree(ctx, worktreePath, "run/log-test", "")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(worktreePath, "second.txt"), []byte("x"), 0o644))
	_, err = w.CommitAll(ctx, "feat: second commit")
	require.NoError(t, err)

	commits, err := w.ListCommits(ctx, 10)
	require.NoError(t, err)
	require.Len(t, commits, 2)
	assert.Equal(t, "feat: second commit", commits[0].Subject)
}

func TestJoinWorktreePath(t *testing.T) {
	assert.Equal(t, "/data/.deeprun/worktrees/run-1", JoinWorktreePath("/data", "run-1"))
}
