package parser

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mkdirs(t *testing.T, paths ...string) {
	t.Helper()
	for _, p := range paths {
		require.NoError(t, os.MkdirAll(p, 0o755))
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestProjectFromCwdRepoRoot(t *testing.T) {
	repo := filepath.Join(t.TempDir(), "my-app")
	subdir := filepath.Join(repo, "internal", "store")
	mkdirs(t, filepath.Join(repo, ".git"), subdir)

	assert.Equal(t, "my_app", ProjectFromCwd(subdir))
}

func TestProjectFromCwdLinkedWorktree(t *testing.T) {
	root := t.TempDir()
	mainRepo := filepath.Join(root, "linkbox")
	worktree := filepath.Join(root, "linkbox-worktree-retry-logic")
	worktreeGitDir := filepath.Join(mainRepo, ".git", "worktrees", "retry")

	mkdirs(t,
		filepath.Join(mainRepo, ".git"),
		worktreeGitDir,
		filepath.Join(worktree, "internal"))
	writeFile(t, filepath.Join(worktree, ".git"), "gitdir: "+worktreeGitDir+"\n")
	writeFile(t, filepath.Join(worktreeGitDir, "commondir"), "../..\n")

	// Resolves through the .git file and commondir to the main repo.
	assert.Equal(t, "linkbox", ProjectFromCwd(filepath.Join(worktree, "internal")))
}

func TestProjectFromCwdWorktreeWithoutCommondir(t *testing.T) {
	root := t.TempDir()
	mainRepo := filepath.Join(root, "my-repo")
	worktree := filepath.Join(root, "my-repo-experiment")
	worktreeGitDir := filepath.Join(mainRepo, ".git", "worktrees", "exp")

	mkdirs(t, filepath.Join(mainRepo, ".git"), worktreeGitDir, worktree)
	writeFile(t, filepath.Join(worktree, ".git"), "gitdir: "+worktreeGitDir+"\n")

	// No commondir file: the .git/worktrees path convention still resolves.
	assert.Equal(t, "my_repo", ProjectFromCwd(worktree))
}

func TestProjectFromCwdAndBranch(t *testing.T) {
	// None of these paths exist, exercising the branch-suffix fallback.
	cases := map[string]struct {
		cwd    string
		branch string
		want   string
	}{
		"worktree path with matching branch": {
			cwd:    "/Users/alex/code/linkbox-worktree-retry-logic",
			branch: "worktree-retry-logic",
			want:   "linkbox",
		},
		"branch with slash normalizes to dashes": {
			cwd:    "/Users/alex/code/linkbox-feature-cursor-paging",
			branch: "feature/cursor-paging",
			want:   "linkbox",
		},
		"mismatched branch leaves the name alone": {
			cwd:    "/Users/alex/code/linkbox-hotfix",
			branch: "feature/other",
			want:   "linkbox_hotfix",
		},
		"default branch never trims": {
			cwd:    "/Users/alex/code/project-main",
			branch: "main",
			want:   "project_main",
		},
		"refs prefix is stripped before matching": {
			cwd:    "/Users/alex/code/linkbox-hotfix",
			branch: "refs/heads/hotfix",
			want:   "linkbox",
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			got := ProjectFromCwdAndBranch(filepath.FromSlash(tc.cwd), tc.branch)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestProjectFromCwdDegenerateInputs(t *testing.T) {
	assert.Equal(t, "", ProjectFromCwd(""))
	assert.Equal(t, "", ProjectFromCwd("/"))
	assert.Equal(t, "", ProjectFromCwdAndBranch("", "main"))
}
