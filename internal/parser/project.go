package parser

import (
	"os"
	"path/filepath"
	"strings"
	"unicode"
)

// ProjectFromCwd derives a project name from a working directory. When cwd
// sits inside a git repository (linked worktrees included) the repository
// root's directory name wins; otherwise the last path component does.
func ProjectFromCwd(cwd string) string {
	return ProjectFromCwdAndBranch(cwd, "")
}

// ProjectFromCwdAndBranch additionally trims a branch-derived suffix from
// the directory name when the path no longer exists on disk, so worktree
// checkouts like repo-feature-x with branch feature/x map back to repo.
func ProjectFromCwdAndBranch(cwd, branch string) string {
	if cwd == "" {
		return ""
	}
	cwd = filepath.Clean(cwd)

	if root := gitRoot(cwd); root != "" {
		return projectName(filepath.Base(root))
	}

	base := filepath.Base(cwd)
	if name := projectName(base); name == "" {
		return ""
	}
	return projectName(stripBranchSuffix(base, branch))
}

// projectName rejects degenerate path bases and canonicalizes dashes, the
// form stored project names take everywhere else.
func projectName(base string) string {
	switch base {
	case "", ".", "..", string(filepath.Separator):
		return ""
	}
	if strings.ContainsAny(base, `/\`) {
		return ""
	}
	return strings.ReplaceAll(base, "-", "_")
}

// gitRoot walks upward from cwd looking for the enclosing repository root.
// A .git directory marks the root itself; a .git file marks a linked
// worktree or submodule whose real root lives behind its gitdir pointer.
func gitRoot(cwd string) string {
	dir := cwd
	info, err := os.Stat(dir)
	switch {
	case err == nil && !info.IsDir():
		dir = filepath.Dir(dir)
	case err != nil:
		if !strings.ContainsRune(dir, filepath.Separator) {
			return "" // not a path at all
		}
		dir = filepath.Dir(dir)
	}

	for {
		marker := filepath.Join(dir, ".git")
		if info, err := os.Stat(marker); err == nil {
			if info.IsDir() {
				return dir
			}
			if info.Mode().IsRegular() {
				if root := worktreeMainRoot(marker); root != "" {
					return root
				}
				return dir
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// worktreeMainRoot resolves a .git file to the main repository root. The
// commondir file is authoritative; when it is absent the conventional
// <root>/.git/worktrees/<name> layout still gives the answer.
func worktreeMainRoot(gitFile string) string {
	gitDir := gitdirPointer(gitFile)
	if gitDir == "" {
		return ""
	}
	if !filepath.IsAbs(gitDir) {
		gitDir = filepath.Clean(filepath.Join(filepath.Dir(gitFile), gitDir))
	}

	if common := commonDir(gitDir); common != "" && filepath.Base(common) == ".git" {
		return filepath.Dir(common)
	}

	sep := string(filepath.Separator)
	if root, _, ok := strings.Cut(gitDir, sep+".git"+sep+"worktrees"+sep); ok && root != "" {
		return filepath.Clean(root)
	}
	return ""
}

func gitdirPointer(gitFile string) string {
	b, err := os.ReadFile(gitFile)
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if rest, ok := strings.CutPrefix(strings.ToLower(line), "gitdir:"); ok {
			// Re-cut against the original line to preserve path case.
			return strings.TrimSpace(line[len(line)-len(rest):])
		}
	}
	return ""
}

func commonDir(gitDir string) string {
	b, err := os.ReadFile(filepath.Join(gitDir, "commondir"))
	if err != nil {
		return ""
	}
	v := strings.TrimSpace(string(b))
	if v == "" {
		return ""
	}
	if filepath.IsAbs(v) {
		return filepath.Clean(v)
	}
	return filepath.Clean(filepath.Join(gitDir, v))
}

// stripBranchSuffix removes a trailing branch token from a directory name.
// Default branch names never trim, so repo-main stays repo_main.
func stripBranchSuffix(name, branch string) string {
	branch = strings.TrimPrefix(strings.TrimSpace(branch), "refs/heads/")
	token := branchToken(branch)
	if name == "" || token == "" || defaultBranch(token) {
		return name
	}

	lower := strings.ToLower(name)
	for _, sep := range []string{"-", "_"} {
		suffix := sep + token
		if !strings.HasSuffix(lower, suffix) {
			continue
		}
		if base := strings.TrimRight(name[:len(name)-len(suffix)], "-_"); base != "" {
			return base
		}
	}
	return name
}

// branchToken lowercases a branch name and collapses every separator run
// (slashes, dots, spaces, punctuation) to a single dash.
func branchToken(branch string) string {
	var b strings.Builder
	b.Grow(len(branch))
	dash := false
	for _, r := range branch {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
			dash = false
		} else if !dash {
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.Trim(b.String(), "-")
}

func defaultBranch(token string) bool {
	switch token {
	case "main", "master", "trunk", "develop", "dev":
		return true
	}
	return false
}
