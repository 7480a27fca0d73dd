// Package gitops manages the scratch git workspaces code-execution agents
// work in.
package gitops

import (
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/signalnine/tourney/internal/errors"
)

var refPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._/-]*$`)

func validRef(ref string) bool {
	return refPattern.MatchString(ref) && !strings.Contains(ref, "..")
}

// CloneAndCheckout makes a shallow clone of repo at tag into dest.
func CloneAndCheckout(repo, tag, dest string) error {
	if repo == "" || strings.HasPrefix(repo, "-") {
		return errors.NewInvalidRequestError("invalid repo %q", repo)
	}
	if !validRef(tag) {
		return errors.NewInvalidRequestError("invalid tag %q", tag)
	}
	cmd := exec.Command("git", "clone", "--branch", tag, "--depth", "1", "--", repo, dest)
	if out, err := cmd.CombinedOutput(); err != nil {
		return errors.Wrapf(err, "git clone: %s", out)
	}
	return nil
}

// InitWorkspace creates a fresh repository in dir holding files and commits
// them as the baseline that CaptureChanges diffs against.
func InitWorkspace(dir string, files map[string]string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "creating workspace")
	}
	for name, content := range files {
		path := filepath.Join(dir, name)
		if !strings.HasPrefix(path, filepath.Clean(dir)+string(filepath.Separator)) {
			return errors.NewInvalidRequestError("workspace file %q escapes the workspace", name)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return errors.Wrapf(err, "creating dir for %s", name)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return errors.Wrapf(err, "writing %s", name)
		}
	}
	return Commit(dir, "baseline")
}

// Commit records everything in dir as a new commit, initialising the
// repository first if needed.
func Commit(dir, message string) error {
	steps := [][]string{
		{"add", "-A"},
		{"-c", "user.email=tourney@localhost", "-c", "user.name=tourney",
			"commit", "--allow-empty", "--no-gpg-sign", "-q", "-m", message},
	}
	if _, err := os.Stat(filepath.Join(dir, ".git")); os.IsNotExist(err) {
		steps = append([][]string{{"init", "-q"}}, steps...)
	}
	for _, args := range steps {
		c := exec.Command("git", args...)
		c.Dir = dir
		if out, err := c.CombinedOutput(); err != nil {
			return errors.Wrapf(err, "git %s: %s", args[0], out)
		}
	}
	return nil
}

// CaptureChanges stages all changes (including untracked files) and returns the diff.
func CaptureChanges(repoDir string) ([]byte, error) {
	add := exec.Command("git", "add", "-A")
	add.Dir = repoDir
	if out, err := add.CombinedOutput(); err != nil {
		return nil, errors.Wrapf(err, "git add -A: %s", out)
	}
	diff := exec.Command("git", "diff", "--cached")
	diff.Dir = repoDir
	out, err := diff.Output()
	if err != nil {
		return nil, errors.Wrap(err, "git diff --cached")
	}
	return out, nil
}
