package report

import (
	"fmt"
	"path/filepath"
	"strings"
)

// maxNameLen bounds the sanitised stem of an artifact file name.
const maxNameLen = 96

// ArtifactPath joins dir with a file name built from an arbitrary label,
// such as a network or checkpoint name, and ext. The label is reduced to
// ASCII letters, digits, dot, underscore and dash. The result never
// escapes dir.
func ArtifactPath(dir, label, ext string) (string, error) {
	name := SanitizeName(label) + ext
	path := filepath.Join(dir, name)
	rel, err := filepath.Rel(filepath.Clean(dir), path)
	if err != nil {
		return "", fmt.Errorf("artifact %q is outside %s: %w", name, dir, err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return "", fmt.Errorf("artifact %q escapes %s", name, dir)
	}
	return path, nil
}

// SanitizeName makes a file-name stem from s. Runs of other characters
// collapse to one underscore; an empty result becomes "unnamed".
func SanitizeName(s string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range s {
		if b.Len() >= maxNameLen {
			break
		}
		switch {
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'),
			r == '.' || r == '_' || r == '-':
			b.WriteRune(r)
			lastUnderscore = r == '_'
		case !lastUnderscore:
			b.WriteRune('_')
			lastUnderscore = true
		}
	}
	out := strings.Trim(b.String(), "._")
	if out == "" {
		return "unnamed"
	}
	return out
}
