package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// PathRestrictions enforces filesystem access rules independently of
// command filtering. no_access paths are denied for every request;
// read_only paths are denied only for write-intent requests.
type PathRestrictions struct {
	readOnly []string
	noAccess []string
}

// defaultNoAccess covers credential stores and system directories when the
// operator configures nothing explicit.
func defaultNoAccess() []string {
	home, _ := os.UserHomeDir()
	return []string{
		filepath.Join(home, ".ssh"),
		filepath.Join(home, ".aws"),
		filepath.Join(home, ".config", "gcloud"),
		"/etc",
		"/root",
		"/var",
	}
}

func NewPathRestrictions(readOnly, noAccess []string) *PathRestrictions {
	if len(noAccess) == 0 {
		noAccess = defaultNoAccess()
	}
	return &PathRestrictions{
		readOnly: expandAll(readOnly),
		noAccess: expandAll(noAccess),
	}
}

func expandAll(paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		out = append(out, expandHome(p))
	}
	return out
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, strings.TrimPrefix(p[1:], "/"))
		}
	}
	return p
}

// Check returns a non-empty denial reason if the path violates a rule.
func (r *PathRestrictions) Check(path string, writeIntent bool) string {
	resolved, err := filepath.Abs(expandHome(path))
	if err != nil {
		return fmt.Sprintf("cannot resolve path %q", path)
	}
	resolved = filepath.Clean(resolved)

	for _, restricted := range r.noAccess {
		if isUnder(resolved, restricted) {
			return fmt.Sprintf("access denied: %s is under restricted path %s", resolved, restricted)
		}
	}

	if writeIntent {
		for _, restricted := range r.readOnly {
			if isUnder(resolved, restricted) {
				return fmt.Sprintf("write denied: %s is under read-only path %s", resolved, restricted)
			}
		}
	}

	return ""
}

func isUnder(path, root string) bool {
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(rootAbs, path)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel))
}

// ExtractPaths pulls path-like tokens out of a command string. Flags and
// shell operators are skipped; a token counts as a path when it contains a
// separator or starts with ~. Heuristic by design: a missed path is caught
// by the executor's workspace scoping, a false positive only tightens policy.
func ExtractPaths(command string) ([]string, error) {
	tokens, err := splitCommand(command)
	if err != nil {
		return nil, err
	}

	var paths []string
	for _, token := range tokens {
		if strings.HasPrefix(token, "-") {
			continue
		}
		switch token {
		case "|", ">", "<", ">>", "&&", "||", ";":
			continue
		}
		if strings.Contains(token, "/") || strings.HasPrefix(token, "~") {
			paths = append(paths, token)
		}
	}
	return paths, nil
}
