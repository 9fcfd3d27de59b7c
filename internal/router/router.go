// Package router maintains the customer-to-workspace routing mapping
// as a file tracked in a git repository: a pull/edit/commit/push
// cycle, with checkout as the compensating rollback on failure. The
// command-building style (building argv slices for
// exec.CommandContext) is grounded on the worktree-pool's git
// invocations (other_examples git-pool.go: "git fetch origin", "git
// worktree add ...").
//
// The REST admin-endpoint mirror call is a second, independent write
// path alongside the git commit, not an alternate.
package router

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"
)

// Mapping edits the middleware routing table checked into RouterRepoPath.
type Mapping struct {
	repoPath string
	file     string
	timeout  time.Duration
}

// New returns a Mapping rooted at repoPath, editing relFile.
func New(repoPath, relFile string, timeout time.Duration) *Mapping {
	return &Mapping{repoPath: repoPath, file: relFile, timeout: timeout}
}

// Add inserts (or replaces) the route for username -> workspaceURL and
// pushes the change. On any failure after the file edit it runs
// `git checkout -- file` to discard the local edit before returning.
func (m *Mapping) Add(ctx context.Context, username, workspaceURL string) error {
	return m.mutate(ctx, func(content string) (string, error) {
		return upsertRoute(content, username, workspaceURL)
	}, fmt.Sprintf("route: add %s", username))
}

// Remove deletes username's route entry and pushes the change.
func (m *Mapping) Remove(ctx context.Context, username string) error {
	return m.mutate(ctx, func(content string) (string, error) {
		return removeRoute(content, username), nil
	}, fmt.Sprintf("route: remove %s", username))
}

func (m *Mapping) mutate(ctx context.Context, edit func(string) (string, error), commitMsg string) error {
	if err := m.run(ctx, "pull", "--rebase"); err != nil {
		return fmt.Errorf("router pull: %w", err)
	}

	path := m.repoPath + "/" + m.file
	original, err := readFile(path)
	if err != nil {
		return fmt.Errorf("read router file: %w", err)
	}

	updated, err := edit(original)
	if err != nil {
		return err
	}

	if updated == original {
		// Nothing changed (e.g. re-adding an already-present mapping):
		// idempotent success, no commit.
		return nil
	}

	if err := writeFile(path, updated); err != nil {
		return fmt.Errorf("write router file: %w", err)
	}

	if err := m.commitAndPush(ctx, commitMsg); err != nil {
		if rollbackErr := m.run(ctx, "checkout", "--", m.file); rollbackErr != nil {
			return fmt.Errorf("%w (rollback also failed: %v)", err, rollbackErr)
		}
		return err
	}
	return nil
}

func (m *Mapping) commitAndPush(ctx context.Context, msg string) error {
	if err := m.run(ctx, "add", m.file); err != nil {
		return fmt.Errorf("router add: %w", err)
	}
	if err := m.run(ctx, "commit", "-m", msg); err != nil {
		return fmt.Errorf("router commit: %w", err)
	}
	if err := m.run(ctx, "push"); err != nil {
		return fmt.Errorf("router push: %w", err)
	}
	return nil
}

// IsClean reports whether the router repository's working tree has no
// uncommitted changes.
func (m *Mapping) IsClean(ctx context.Context) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", "status", "--porcelain")
	cmd.Dir = m.repoPath

	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return false, fmt.Errorf("git status: %w: %s", err, stderr.String())
	}
	return strings.TrimSpace(out.String()) == "", nil
}

// ResetHard discards local changes by resetting to origin/main.
func (m *Mapping) ResetHard(ctx context.Context) error {
	if err := m.run(ctx, "fetch", "origin"); err != nil {
		return fmt.Errorf("router fetch: %w", err)
	}
	if err := m.run(ctx, "reset", "--hard", "origin/main"); err != nil {
		return fmt.Errorf("router reset --hard: %w", err)
	}
	return nil
}

func (m *Mapping) run(ctx context.Context, args ...string) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = m.repoPath

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, stderr.String())
	}
	return nil
}

// mappingDeclPattern locates the customerMappings object literal's
// opening brace, e.g.
// "const customerMappings: Record<string, string> = {".
var mappingDeclPattern = regexp.MustCompile(`customerMappings\s*:\s*Record<string,\s*string>\s*=\s*\{`)

// upsertRoute replaces an existing entry for username or inserts a new
// one immediately before the customerMappings object literal's closing
// brace, matching the TypeScript middleware's route-table shape
// ('username': 'url',).
func upsertRoute(content, username, workspaceURL string) (string, error) {
	entry := fmt.Sprintf("  '%s': '%s',\n", username, workspaceURL)
	if strings.Contains(content, entry) {
		// Already mapped to this URL: leave the file untouched.
		return content, nil
	}
	without := removeRoute(content, username)

	loc := mappingDeclPattern.FindStringIndex(without)
	if loc == nil {
		return "", fmt.Errorf("customerMappings declaration not found in %s", "router file")
	}

	closeBrace, err := matchingBraceIndex(without, loc[1]-1)
	if err != nil {
		return "", err
	}

	return without[:closeBrace] + entry + without[closeBrace:], nil
}

// matchingBraceIndex returns the index of the brace that closes the
// one at openIdx, counting nested braces.
func matchingBraceIndex(s string, openIdx int) (int, error) {
	depth := 0
	for i := openIdx; i < len(s); i++ {
		switch s[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i, nil
			}
		}
	}
	return 0, fmt.Errorf("unterminated customerMappings block")
}

func removeRoute(content, username string) string {
	pattern := regexp.MustCompile(fmt.Sprintf(`(?m)^.*'%s':.*$\n?`, regexp.QuoteMeta(username)))
	return pattern.ReplaceAllString(content, "")
}
