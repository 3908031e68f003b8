package scanner

import (
	"path"
	"path/filepath"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// opaque returns the fields of a raw JSON object that the adapter does not
// model, so newer tool versions add metadata instead of breaking the parse.
func opaque(raw jsoniter.RawMessage, known ...string) map[string]any {
	var all map[string]any
	if err := json.Unmarshal(raw, &all); err != nil || len(all) == 0 {
		return nil
	}
	for _, k := range known {
		delete(all, k)
	}
	if len(all) == 0 {
		return nil
	}
	return all
}

// relPath turns a tool-reported path into a slash-separated path relative to
// the repository root.
func relPath(repoRoot, p string) string {
	p = strings.TrimPrefix(p, "file://")
	if filepath.IsAbs(p) && repoRoot != "" {
		if abs, err := filepath.Abs(repoRoot); err == nil {
			if rel, err := filepath.Rel(abs, p); err == nil && !strings.HasPrefix(rel, "..") {
				p = rel
			}
		}
	}
	p = path.Clean(filepath.ToSlash(p))
	return strings.TrimPrefix(p, "./")
}
