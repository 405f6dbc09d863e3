package files_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/MegaGrindStone/go-mcp-sse"
	"github.com/MegaGrindStone/go-mcp-sse/servers/files"
	"github.com/stretchr/testify/require"
)

func setupRoot(t *testing.T) (string, *mcp.Registry) {
	t.Helper()

	dir := t.TempDir()
	for name, content := range map[string]string{
		"a.txt":      "alpha\n",
		"sub/b.txt":  "bravo\n",
		"sub/c.go":   "package c\n",
		"skip/d.txt": "delta\n",
	} {
		path := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	}

	root, err := files.New(dir)
	require.NoError(t, err)
	registry := mcp.NewRegistry()
	require.NoError(t, root.Register(registry))
	return dir, registry
}

func invoke(registry *mcp.Registry, kind mcp.CapabilityKind, target, args string) (any, error) {
	b, err := registry.Resolve(kind, target)
	if err != nil {
		return nil, err
	}
	if err := registry.Validate(context.Background(), b, json.RawMessage(args)); err != nil {
		return nil, err
	}
	return registry.Invoke(context.Background(), b, json.RawMessage(args))
}

func callText(t *testing.T, registry *mcp.Registry, target, args string) string {
	t.Helper()

	res, err := invoke(registry, mcp.CapabilityTool, target, args)
	require.NoError(t, err)
	result, ok := res.(mcp.CallToolResult)
	require.True(t, ok)
	require.Len(t, result.Content, 1)
	return result.Content[0].Text
}

func TestNew(t *testing.T) {
	_, err := files.New(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)

	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0o600))
	_, err = files.New(file)
	require.ErrorContains(t, err, "not a directory")
}

func TestReadFile(t *testing.T) {
	_, registry := setupRoot(t)

	require.Equal(t, "alpha\n", callText(t, registry, "read_file", `{"path":"a.txt"}`))
	require.Equal(t, "bravo\n", callText(t, registry, "read_file", `{"path":"sub/b.txt"}`))

	// Parent references cannot climb above the root.
	require.Equal(t, "alpha\n", callText(t, registry, "read_file", `{"path":"../../a.txt"}`))

	_, err := invoke(registry, mcp.CapabilityTool, "read_file", `{"path":"missing.txt"}`)
	require.ErrorIs(t, err, mcp.ErrNotFound)

	_, err = invoke(registry, mcp.CapabilityTool, "read_file", `{"path":"sub"}`)
	require.ErrorIs(t, err, mcp.ErrHandlerError)

	_, err = invoke(registry, mcp.CapabilityTool, "read_file", `{}`)
	require.ErrorIs(t, err, mcp.ErrMalformedRequest)
}

func TestSymlinkOutsideRoot(t *testing.T) {
	dir, registry := setupRoot(t)

	outside := filepath.Join(t.TempDir(), "secret.txt")
	require.NoError(t, os.WriteFile(outside, []byte("secret"), 0o600))
	require.NoError(t, os.Symlink(outside, filepath.Join(dir, "link.txt")))

	_, err := invoke(registry, mcp.CapabilityTool, "read_file", `{"path":"link.txt"}`)
	require.ErrorIs(t, err, mcp.ErrHandlerError)
	require.ErrorContains(t, err, "access denied")
}

func TestListDirectory(t *testing.T) {
	_, registry := setupRoot(t)

	require.Equal(t, "[FILE] a.txt\n[DIR] skip\n[DIR] sub", callText(t, registry, "list_directory", `{"path":""}`))
	require.Equal(t, "[FILE] b.txt\n[FILE] c.go", callText(t, registry, "list_directory", `{"path":"sub"}`))
}

func TestSearchFiles(t *testing.T) {
	_, registry := setupRoot(t)

	tests := []struct {
		name string
		args string
		want string
	}{
		{name: "recursive", args: `{"path":"","pattern":"**.txt"}`, want: "a.txt\nskip/d.txt\nsub/b.txt"},
		{name: "top level", args: `{"path":"","pattern":"*.txt"}`, want: "a.txt"},
		{name: "excluded", args: `{"path":"","pattern":"**.txt","excludePatterns":["skip"]}`, want: "a.txt\nsub/b.txt"},
		{name: "below a directory", args: `{"path":"sub","pattern":"*.go"}`, want: "c.go"},
		{name: "no match", args: `{"path":"","pattern":"*.md"}`, want: "No matches found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, callText(t, registry, "search_files", tt.args))
		})
	}
}

func TestEditFile(t *testing.T) {
	dir, registry := setupRoot(t)

	diff := callText(t, registry, "edit_file",
		`{"path":"a.txt","edits":[{"oldText":"alpha","newText":"ALPHA"}],"dryRun":true}`)
	require.Contains(t, diff, "--- a.txt (original)")
	require.Contains(t, diff, "+++ a.txt (modified)")
	require.Contains(t, diff, "+ALPHA")

	bs, err := os.ReadFile(filepath.Join(dir, "a.txt"))
	require.NoError(t, err)
	require.Equal(t, "alpha\n", string(bs))

	callText(t, registry, "edit_file", `{"path":"a.txt","edits":[{"oldText":"alpha","newText":"ALPHA"}]}`)
	bs, err = os.ReadFile(filepath.Join(dir, "a.txt"))
	require.NoError(t, err)
	require.Equal(t, "ALPHA\n", string(bs))

	_, err = invoke(registry, mcp.CapabilityTool, "edit_file",
		`{"path":"a.txt","edits":[{"oldText":"zulu","newText":"x"}]}`)
	require.ErrorIs(t, err, mcp.ErrHandlerError)
}

func TestFileResource(t *testing.T) {
	_, registry := setupRoot(t)

	res, err := invoke(registry, mcp.CapabilityResource, "file:///sub/b.txt", "")
	require.NoError(t, err)
	result, ok := res.(mcp.ReadResourceResult)
	require.True(t, ok)
	require.Equal(t, "file:///sub/b.txt", result.Contents[0].URI)
	require.Equal(t, "bravo\n", result.Contents[0].Text)

	_, err = invoke(registry, mcp.CapabilityResource, "file:///nope.txt", "")
	require.ErrorIs(t, err, mcp.ErrNotFound)
}
