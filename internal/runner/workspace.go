package runner

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/sibyl-dev/sibyl/internal/domain/workspace"
	"github.com/sibyl-dev/sibyl/internal/git"
)

// Workspaces manages the project checkouts under the workspace root.
// One directory per project id; provisioning the checkout itself is the
// operator's job, the daemon only works inside it.
type Workspaces struct {
	root string
	pool *git.Pool
	log  *slog.Logger
}

// NewWorkspaces creates the workspace manager.
func NewWorkspaces(root string, pool *git.Pool, log *slog.Logger) *Workspaces {
	return &Workspaces{root: root, pool: pool, log: log.With("component", "workspaces")}
}

// Warm describes one existing checkout found under the root.
type Warm struct {
	ProjectID string
	Path      string
	Branch    string
}

// Scan lists the git checkouts under the root. These become the warm
// workspace declarations sent right after registration.
func (w *Workspaces) Scan() []Warm {
	entries, err := os.ReadDir(w.root)
	if err != nil {
		return nil
	}
	var out []Warm
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(w.root, e.Name())
		if _, err := os.Stat(filepath.Join(dir, ".git")); err != nil {
			continue
		}
		out = append(out, Warm{
			ProjectID: e.Name(),
			Path:      dir,
			Branch:    headBranch(dir),
		})
	}
	return out
}

// Capabilities is the union of ecosystem tags across all checkouts.
func (w *Workspaces) Capabilities() []string {
	seen := map[string]bool{}
	var out []string
	for _, warm := range w.Scan() {
		for _, tag := range workspace.DetectCapabilities(warm.Path) {
			if !seen[tag] {
				seen[tag] = true
				out = append(out, tag)
			}
		}
	}
	return out
}

// Path returns the checkout directory for a project.
func (w *Workspaces) Path(projectID string) (string, error) {
	dir := filepath.Join(w.root, projectID)
	if _, err := os.Stat(filepath.Join(dir, ".git")); err != nil {
		return "", fmt.Errorf("no workspace for project %s under %s", projectID, w.root)
	}
	return dir, nil
}

// PrepareBranch checks out the task's isolated working branch, created
// from baseBranch when given.
func (w *Workspaces) PrepareBranch(ctx context.Context, projectID, taskID, baseBranch string) (string, string, error) {
	dir, err := w.Path(projectID)
	if err != nil {
		return "", "", err
	}
	branch := workspace.BranchFor(taskID)

	args := []string{"checkout", "-B", branch}
	if baseBranch != "" {
		args = append(args, baseBranch)
	}
	if _, err := w.run(ctx, dir, args...); err != nil {
		return "", "", fmt.Errorf("prepare branch %s: %w", branch, err)
	}
	w.log.Info("workspace branch ready", "project_id", projectID, "branch", branch)
	return dir, branch, nil
}

// Diff captures the uncommitted changes of a workspace for checkpoints.
func (w *Workspaces) Diff(ctx context.Context, projectID string) (string, error) {
	dir, err := w.Path(projectID)
	if err != nil {
		return "", err
	}
	out, err := w.run(ctx, dir, "diff")
	if err != nil {
		return "", err
	}
	return out, nil
}

// ModifiedFiles lists paths with uncommitted modifications.
func (w *Workspaces) ModifiedFiles(ctx context.Context, projectID string) ([]string, error) {
	dir, err := w.Path(projectID)
	if err != nil {
		return nil, err
	}
	out, err := w.run(ctx, dir, "status", "--porcelain")
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if len(line) > 3 {
			files = append(files, strings.TrimSpace(line[3:]))
		}
	}
	return files, nil
}

// run executes one git command in dir through the shared pool.
func (w *Workspaces) run(ctx context.Context, dir string, args ...string) (string, error) {
	var stdout, stderr bytes.Buffer
	err := w.pool.Run(ctx, func() error {
		cmd := exec.CommandContext(ctx, "git", args...)
		cmd.Dir = dir
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		return cmd.Run()
	})
	if err != nil {
		return "", fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// headBranch reads .git/HEAD directly; no subprocess needed for a scan.
func headBranch(dir string) string {
	data, err := os.ReadFile(filepath.Join(dir, ".git", "HEAD"))
	if err != nil {
		return ""
	}
	head := strings.TrimSpace(string(data))
	const prefix = "ref: refs/heads/"
	if strings.HasPrefix(head, prefix) {
		return strings.TrimPrefix(head, prefix)
	}
	return ""
}
