package backend

import (
	"path"
	"regexp"
	"sort"
	"strings"
)

var (
	segmentSplit  = regexp.MustCompile(`\s*(?:&&|;)\s*`)
	cdSegment     = regexp.MustCompile(`^cd\s+(.+)$`)
	exportSegment = regexp.MustCompile(`^export\s+(.+)$`)
	envKeyPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// ShellState approximates a persistent shell across separate bash -lc
// invocations. Only leading cd and export segments persist; anything after
// the first other segment is transient. The cwd never escapes the work root.
type ShellState struct {
	root string
	cwd  string
	env  map[string]string
}

func NewShellState(root string) *ShellState {
	clean := path.Clean(strings.TrimSpace(root))
	return &ShellState{root: clean, cwd: clean, env: map[string]string{}}
}

func (s *ShellState) Cwd() string { return s.cwd }

// Env returns a copy of the persisted environment overrides.
func (s *ShellState) Env() map[string]string {
	out := make(map[string]string, len(s.env))
	for k, v := range s.env {
		out[k] = v
	}
	return out
}

// Apply folds the command's leading cd/export segments into the state.
// A cd that resolves outside the work root is denied and leaves the state
// untouched.
func (s *ShellState) Apply(cmdline string) error {
	cmdline = strings.TrimSpace(cmdline)
	if cmdline == "" {
		return nil
	}
	for _, part := range segmentSplit.Split(cmdline, -1) {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if m := cdSegment.FindStringSubmatch(part); m != nil {
			target := unquote(strings.TrimSpace(m[1]))
			resolved, ok := s.resolve(target)
			if !ok {
				return &DeniedError{Reason: "cd outside the work root: " + target}
			}
			s.cwd = resolved
			continue
		}
		if m := exportSegment.FindStringSubmatch(part); m != nil {
			for _, token := range strings.Fields(m[1]) {
				key, value, found := strings.Cut(token, "=")
				if !found || !envKeyPattern.MatchString(key) {
					continue
				}
				s.env[key] = unquote(value)
			}
			continue
		}
		// Persistence stops at the first segment that is neither.
		break
	}
	return nil
}

// Wrap re-prepends the persisted cwd and environment so the command sees the
// same session state the previous commands established.
func (s *ShellState) Wrap(cmdline string) string {
	var b strings.Builder
	b.WriteString("cd " + shellQuote(s.cwd) + "; ")
	keys := make([]string, 0, len(s.env))
	for k := range s.env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString("export " + k + "=" + shellQuote(s.env[k]) + "; ")
	}
	b.WriteString(cmdline)
	return b.String()
}

func (s *ShellState) resolve(target string) (string, bool) {
	if target == "" {
		return s.cwd, true
	}
	var resolved string
	if strings.HasPrefix(target, "/") {
		resolved = path.Clean(target)
	} else {
		resolved = path.Clean(path.Join(s.cwd, target))
	}
	if resolved == s.root || strings.HasPrefix(resolved, s.root+"/") {
		return resolved, true
	}
	return "", false
}

func unquote(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
