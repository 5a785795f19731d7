// Package workspace defines the runner-side workspace contract: branch
// naming for isolated working copies and capability detection from
// filesystem markers.
package workspace

import (
	"os"
	"path/filepath"
	"sort"
)

// BranchPrefix is the namespace for agent working branches.
const BranchPrefix = "sibyl/agent-"

// shortIDLen bounds the task id fragment used in branch names.
const shortIDLen = 8

// BranchFor returns the isolated branch name for a task.
func BranchFor(taskID string) string {
	if len(taskID) > shortIDLen {
		taskID = taskID[:shortIDLen]
	}
	return BranchPrefix + taskID
}

// markers maps a capability tag to the filesystem markers that imply it.
var markers = map[string][]string{
	"python": {"pyproject.toml", "setup.py", "requirements.txt"},
	"node":   {"package.json"},
	"rust":   {"Cargo.toml"},
	"go":     {"go.mod"},
	"ruby":   {"Gemfile"},
	"java":   {"pom.xml", "build.gradle", "build.gradle.kts"},
	"docker": {"Dockerfile", "docker-compose.yml", "docker-compose.yaml"},
}

// DetectCapabilities inspects dir for ecosystem markers and returns the
// sorted set of capability tags found. A missing directory yields nil.
func DetectCapabilities(dir string) []string {
	var caps []string
	for tag, files := range markers {
		for _, f := range files {
			if _, err := os.Stat(filepath.Join(dir, f)); err == nil {
				caps = append(caps, tag)
				break
			}
		}
	}
	sort.Strings(caps)
	return caps
}

// Ecosystem identifies the primary build ecosystem of a workspace, used
// by the quality gate runner to resolve default commands. Detection
// order is deterministic; the first marker hit wins.
func Ecosystem(dir string) string {
	ordered := []string{"python", "node", "rust", "go", "ruby", "java"}
	for _, tag := range ordered {
		for _, f := range markers[tag] {
			if _, err := os.Stat(filepath.Join(dir, f)); err == nil {
				return tag
			}
		}
	}
	return ""
}
