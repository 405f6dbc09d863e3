package files

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"
	"github.com/sergi/go-diff/diffmatchpatch"
)

func isSubpath(path, base string) bool {
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// searchFiles walks dir and returns the slash-separated paths, relative to dir, that match
// pattern and none of the exclude patterns. An excluded directory is not descended into.
func searchFiles(dir, pattern string, exclude []string) ([]string, error) {
	matcher, err := glob.Compile(pattern, '/')
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}

	excluded := make([]glob.Glob, 0, len(exclude))
	for _, p := range exclude {
		// A bare name excludes that entry anywhere in the tree.
		if !strings.ContainsAny(p, "*?[{") {
			p = "{" + p + ",**/" + p + "}"
		}
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid exclude pattern %q: %w", p, err)
		}
		excluded = append(excluded, g)
	}

	var matches []string
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable entries are skipped, not fatal.
			return nil
		}
		if path == dir {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)

		for _, g := range excluded {
			if g.Match(rel) {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
		}
		if matcher.Match(rel) {
			matches = append(matches, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search %s: %w", dir, err)
	}
	return matches, nil
}

func normalizeLineEndings(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return strings.ReplaceAll(text, "\r", "\n")
}

// applyEdits applies each edit in order to content. An edit whose old text is missing fails
// the whole operation.
func applyEdits(content string, edits []EditOperation) (string, error) {
	modified := normalizeLineEndings(content)
	for _, edit := range edits {
		oldText := normalizeLineEndings(edit.OldText)
		if oldText == "" || !strings.Contains(modified, oldText) {
			return "", fmt.Errorf("could not find text to replace:\n%s", edit.OldText)
		}
		modified = strings.Replace(modified, oldText, normalizeLineEndings(edit.NewText), 1)
	}
	return modified, nil
}

func unifiedDiff(original, modified, name string) string {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(normalizeLineEndings(original), modified, true)
	patches := dmp.PatchMake(diffs)

	var sb strings.Builder
	fmt.Fprintf(&sb, "--- %s (original)\n", name)
	fmt.Fprintf(&sb, "+++ %s (modified)\n", name)
	sb.WriteString(dmp.PatchToText(patches))
	return sb.String()
}
