package autofix

import (
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/bluekeyes/go-gitdiff/gitdiff"

	"github.com/xkilldash9x/patchwright/api/schemas"
)

var hunkHeaderRegex = regexp.MustCompile(`^@@ -(\d+)(?:,\d+)? \+(\d+)(?:,\d+)? @@(.*)$`)

// recountHunks rewrites every hunk header with line counts derived from the
// hunk body. Models routinely get the counts wrong and drop the leading space
// on blank context lines; both are repaired here so the diff parses.
func recountHunks(diff string) string {
	lines := strings.Split(strings.TrimRight(diff, "\n"), "\n")
	out := make([]string, 0, len(lines))

	for i := 0; i < len(lines); i++ {
		m := hunkHeaderRegex.FindStringSubmatch(lines[i])
		if m == nil {
			out = append(out, lines[i])
			continue
		}

		var body []string
		var oldCount, newCount int
		j := i + 1
	scan:
		for ; j < len(lines) && !isHunkEnd(lines, j); j++ {
			l := lines[j]
			if l == "" {
				if j+1 == len(lines) || isHunkEnd(lines, j+1) {
					j++
					break scan
				}
				l = " "
			}
			switch l[0] {
			case ' ':
				oldCount++
				newCount++
			case '-':
				oldCount++
			case '+':
				newCount++
			case '\\':
			default:
				// Unprefixed text ends the hunk; the parser rejects it later.
				break scan
			}
			body = append(body, l)
		}

		out = append(out, fmt.Sprintf("@@ -%s,%d +%s,%d @@%s", m[1], oldCount, m[2], newCount, m[3]))
		out = append(out, body...)
		i = j - 1
	}
	return strings.Join(out, "\n") + "\n"
}

// isHunkEnd reports whether line j starts the next hunk or file.
func isHunkEnd(lines []string, j int) bool {
	l := lines[j]
	switch {
	case strings.HasPrefix(l, "@@ "), strings.HasPrefix(l, "diff --git "):
		return true
	case strings.HasPrefix(l, "--- ") && j+1 < len(lines) && strings.HasPrefix(lines[j+1], "+++ "):
		return true
	}
	return false
}

// inspectDiff parses a unified diff and returns the repository-relative paths
// it touches. Binary patches, empty patches and paths that escape the
// repository are rejected.
func inspectDiff(diff string) ([]string, error) {
	files, _, err := gitdiff.Parse(strings.NewReader(diff))
	if err != nil {
		return nil, fmt.Errorf("patch does not parse as a unified diff: %w", err)
	}
	if len(files) == 0 {
		return nil, errors.New("patch contains no file changes")
	}

	traditional := !strings.Contains(diff, "diff --git ")
	seen := make(map[string]bool, len(files))
	var touched []string
	for _, f := range files {
		if f.IsBinary {
			return nil, fmt.Errorf("binary patch for %s is not supported", f.NewName)
		}
		if len(f.TextFragments) == 0 && !f.IsNew && !f.IsDelete && !f.IsRename {
			return nil, fmt.Errorf("patch for %s has no hunks", f.NewName)
		}
		for _, name := range []string{f.OldName, f.NewName} {
			if name == "" {
				continue
			}
			if traditional {
				name = stripSidePrefix(name)
			}
			clean := path.Clean(name)
			if path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
				return nil, fmt.Errorf("patch path %q escapes the repository", name)
			}
			if clean == ".git" || strings.HasPrefix(clean, ".git/") {
				return nil, fmt.Errorf("patch path %q targets repository metadata", name)
			}
			if !seen[clean] {
				seen[clean] = true
				touched = append(touched, clean)
			}
		}
	}
	return touched, nil
}

func stripSidePrefix(name string) string {
	if strings.HasPrefix(name, "a/") || strings.HasPrefix(name, "b/") {
		return name[2:]
	}
	return name
}

// shiftRange maps a line range in the original file to where those lines sit
// after the patch. Hunks above the range move it; hunks overlapping it grow or
// shrink its end.
func shiftRange(diff, file string, r schemas.LineRange) schemas.LineRange {
	files, _, err := gitdiff.Parse(strings.NewReader(diff))
	if err != nil {
		return r
	}
	traditional := !strings.Contains(diff, "diff --git ")

	var before, within int64
	for _, f := range files {
		name := f.OldName
		if name == "" {
			continue
		}
		if traditional {
			name = stripSidePrefix(name)
		}
		if path.Clean(name) != file {
			continue
		}
		for _, frag := range f.TextFragments {
			delta := frag.NewLines - frag.OldLines
			last := frag.OldPosition + frag.OldLines - 1
			switch {
			case last < int64(r.Start):
				before += delta
			case frag.OldPosition <= int64(r.End):
				within += delta
			}
		}
	}

	start := int64(r.Start) + before
	end := int64(r.End) + before + within
	if start < 1 {
		start = 1
	}
	if end < start {
		end = start
	}
	return schemas.LineRange{Start: int(start), End: int(end)}
}
