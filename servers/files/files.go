// Package files exposes a directory tree as capabilities: tools to read, list, search and edit
// files, and the "file:///{+path}" resource template. Every path is relative to the root and
// access outside of it is denied, symlinks included.
package files

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/MegaGrindStone/go-mcp-sse"
)

// ResourceTemplate is the URI template under which files are readable as resources.
const ResourceTemplate = "file:///{+path}"

// ReadFileArgs is the arguments for the read_file tool.
type ReadFileArgs struct {
	Path string `json:"path" jsonschema:"description=Path relative to the root"`
}

// ListDirectoryArgs is the arguments for the list_directory tool.
type ListDirectoryArgs struct {
	Path string `json:"path" jsonschema:"description=Path relative to the root"`
}

// SearchFilesArgs is the arguments for the search_files tool.
type SearchFilesArgs struct {
	Path    string   `json:"path" jsonschema:"description=Directory to search from"`
	Pattern string   `json:"pattern" jsonschema:"description=Glob matched against paths relative to the search directory"`
	Exclude []string `json:"excludePatterns,omitempty" jsonschema:"description=Globs of paths to skip"`
}

// EditFileArgs is the arguments for the edit_file tool.
type EditFileArgs struct {
	Path   string          `json:"path" jsonschema:"description=Path relative to the root"`
	Edits  []EditOperation `json:"edits"`
	DryRun bool            `json:"dryRun,omitempty" jsonschema:"description=Only report the diff"`
}

// EditOperation replaces the first occurrence of OldText with NewText.
type EditOperation struct {
	OldText string `json:"oldText"`
	NewText string `json:"newText"`
}

// Root serves the files below a single directory.
type Root struct {
	dir string
}

// New returns a Root for dir. The directory must exist.
func New(dir string) (*Root, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve root %s: %w", dir, err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve root %s: %w", dir, err)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return nil, fmt.Errorf("failed to stat root %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root %s is not a directory", dir)
	}
	return &Root{dir: resolved}, nil
}

// Dir returns the resolved root directory.
func (r *Root) Dir() string {
	return r.dir
}

// Register adds the file capabilities to registry.
func (r *Root) Register(registry *mcp.Registry) error {
	if err := mcp.RegisterTypedTool(registry, "read_file",
		"Read the complete contents of a file below the root.", r.readFile); err != nil {
		return fmt.Errorf("failed to register read_file: %w", err)
	}
	if err := mcp.RegisterTypedTool(registry, "list_directory",
		"List a directory below the root, marking entries with [DIR] or [FILE].", r.listDirectory); err != nil {
		return fmt.Errorf("failed to register list_directory: %w", err)
	}
	if err := mcp.RegisterTypedTool(registry, "search_files",
		"Find files whose relative path matches a glob pattern.", r.searchFiles); err != nil {
		return fmt.Errorf("failed to register search_files: %w", err)
	}
	if err := mcp.RegisterTypedTool(registry, "edit_file",
		"Apply text replacements to a file and return the resulting diff.", r.editFile); err != nil {
		return fmt.Errorf("failed to register edit_file: %w", err)
	}

	file := mcp.ResourceTemplate{
		URITemplate: ResourceTemplate,
		Name:        "file",
		Description: "A file below the root.",
		MimeType:    "text/plain",
	}
	if err := registry.RegisterResource(file, r.readResource); err != nil {
		return fmt.Errorf("failed to register file resource: %w", err)
	}

	return nil
}

func (r *Root) readFile(_ context.Context, args ReadFileArgs) (mcp.CallToolResult, error) {
	path, err := r.resolve(args.Path)
	if err != nil {
		return mcp.CallToolResult{}, err
	}
	bs, err := readRegular(path)
	if err != nil {
		return mcp.CallToolResult{}, err
	}
	return textResult(string(bs)), nil
}

func (r *Root) listDirectory(_ context.Context, args ListDirectoryArgs) (mcp.CallToolResult, error) {
	path, err := r.resolve(args.Path)
	if err != nil {
		return mcp.CallToolResult{}, err
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return mcp.CallToolResult{}, notFound(args.Path, err)
	}

	lines := make([]string, 0, len(entries))
	for _, entry := range entries {
		prefix := "[FILE]"
		if entry.IsDir() {
			prefix = "[DIR]"
		}
		lines = append(lines, prefix+" "+entry.Name())
	}
	return textResult(strings.Join(lines, "\n")), nil
}

func (r *Root) searchFiles(_ context.Context, args SearchFilesArgs) (mcp.CallToolResult, error) {
	path, err := r.resolve(args.Path)
	if err != nil {
		return mcp.CallToolResult{}, err
	}
	matches, err := searchFiles(path, args.Pattern, args.Exclude)
	if err != nil {
		return mcp.CallToolResult{}, err
	}
	if len(matches) == 0 {
		return textResult("No matches found"), nil
	}
	return textResult(strings.Join(matches, "\n")), nil
}

func (r *Root) editFile(_ context.Context, args EditFileArgs) (mcp.CallToolResult, error) {
	path, err := r.resolve(args.Path)
	if err != nil {
		return mcp.CallToolResult{}, err
	}
	original, err := readRegular(path)
	if err != nil {
		return mcp.CallToolResult{}, err
	}

	modified, err := applyEdits(string(original), args.Edits)
	if err != nil {
		return mcp.CallToolResult{}, err
	}
	diff := unifiedDiff(string(original), modified, filepath.ToSlash(args.Path))

	if !args.DryRun {
		if err := os.WriteFile(path, []byte(modified), 0o600); err != nil {
			return mcp.CallToolResult{}, fmt.Errorf("failed to write %s: %w", args.Path, err)
		}
	}
	return textResult(diff), nil
}

func (r *Root) readResource(_ context.Context, uri string, vars map[string]string) (mcp.ReadResourceResult, error) {
	path, err := r.resolve(vars["path"])
	if err != nil {
		return mcp.ReadResourceResult{}, err
	}
	bs, err := readRegular(path)
	if err != nil {
		return mcp.ReadResourceResult{}, err
	}
	return mcp.ReadResourceResult{
		Contents: []mcp.ResourceContents{
			{URI: uri, MimeType: "text/plain", Text: string(bs)},
		},
	}, nil
}

// resolve maps a root-relative path to an absolute one, following symlinks. Paths that leave
// the root, directly or through a link, are denied.
func (r *Root) resolve(rel string) (string, error) {
	full := filepath.Join(r.dir, filepath.FromSlash(filepath.Clean("/"+rel)))

	resolved, err := filepath.EvalSymlinks(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", notFound(rel, err)
		}
		return "", fmt.Errorf("failed to resolve %s: %w", rel, err)
	}
	if !isSubpath(resolved, r.dir) {
		return "", fmt.Errorf("access denied: %s is outside the root", rel)
	}
	return resolved, nil
}

func readRegular(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, notFound(path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory, not a file", filepath.Base(path))
	}
	bs, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", filepath.Base(path), err)
	}
	return bs, nil
}

func notFound(path string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: no such file %s", mcp.ErrNotFound, path)
	}
	return err
}

func textResult(text string) mcp.CallToolResult {
	return mcp.CallToolResult{
		Content: []mcp.Content{
			{Type: mcp.ContentTypeText, Text: text},
		},
	}
}
