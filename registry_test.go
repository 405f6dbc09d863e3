package mcp_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"testing"

	"github.com/MegaGrindStone/go-mcp-sse"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

type addArgs struct {
	A int `json:"a"`
	B int `json:"b"`
}

func textTool(text string) mcp.ToolHandler {
	return func(context.Context, json.RawMessage) (mcp.CallToolResult, error) {
		return mcp.CallToolResult{Content: []mcp.Content{{Type: mcp.ContentTypeText, Text: text}}}, nil
	}
}

func textResource(_ context.Context, uri string, vars map[string]string) (mcp.ReadResourceResult, error) {
	return mcp.ReadResourceResult{
		Contents: []mcp.ResourceContents{{URI: uri, Text: fmt.Sprint(vars)}},
	}, nil
}

func noopPrompt(context.Context, map[string]string) (mcp.GetPromptResult, error) {
	return mcp.GetPromptResult{}, nil
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	registry := mcp.NewRegistry()

	for _, name := range []string{"t1", "t2", "t3"} {
		require.NoError(t, registry.RegisterTool(mcp.Tool{Name: name}, textTool(name)))
	}
	err := registry.RegisterTool(mcp.Tool{Name: "t2", Description: "again"}, textTool("again"))
	require.ErrorIs(t, err, mcp.ErrDuplicateCapability)

	var targets []string
	for d := range registry.List(mcp.CapabilityTool) {
		targets = append(targets, d.Target)
	}
	if diff := cmp.Diff([]string{"t1", "t2", "t3"}, targets); diff != "" {
		t.Errorf("unexpected tools (-want +got):\n%s", diff)
	}

	require.NoError(t, registry.RegisterPrompt(mcp.Prompt{Name: "p"}, noopPrompt))
	require.ErrorIs(t, registry.RegisterPrompt(mcp.Prompt{Name: "p"}, noopPrompt), mcp.ErrDuplicateCapability)

	// A tool and a prompt live in different namespaces.
	require.NoError(t, registry.RegisterPrompt(mcp.Prompt{Name: "t1"}, noopPrompt))
}

func TestRegistryRejectsOverlappingTemplates(t *testing.T) {
	registry := mcp.NewRegistry()
	require.NoError(t, registry.RegisterResource(mcp.ResourceTemplate{URITemplate: "greeting://{name}"}, textResource))
	require.NoError(t, registry.RegisterResource(mcp.ResourceTemplate{URITemplate: "resource://static"}, textResource))

	tests := []struct {
		name     string
		template string
	}{
		{name: "identical", template: "greeting://{name}"},
		{name: "same prefix", template: "greeting://{other}"},
		{name: "longer prefix", template: "greeting://hello/{name}"},
		{name: "shorter prefix", template: "greet{x}"},
		{name: "identical concrete", template: "resource://static"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := registry.RegisterResource(mcp.ResourceTemplate{URITemplate: tt.template}, textResource)
			require.ErrorIs(t, err, mcp.ErrDuplicateCapability)
		})
	}

	require.NoError(t, registry.RegisterResource(mcp.ResourceTemplate{URITemplate: "farewell://{name}"}, textResource))
	require.Equal(t, 3, len(slices.Collect(registry.List(mcp.CapabilityResource))))
}

func TestRegistryRejectsInvalidDefinitions(t *testing.T) {
	registry := mcp.NewRegistry()

	require.Error(t, registry.RegisterTool(mcp.Tool{}, textTool("x")))
	require.Error(t, registry.RegisterTool(mcp.Tool{Name: "x"}, nil))
	require.Error(t, registry.RegisterTool(mcp.Tool{Name: "x", InputSchema: json.RawMessage(`{`)}, textTool("x")))
	require.Error(t, registry.RegisterResource(mcp.ResourceTemplate{URITemplate: "broken://{name"}, textResource))
	require.Error(t, registry.RegisterPrompt(mcp.Prompt{}, noopPrompt))

	require.Empty(t, slices.Collect(registry.List(mcp.CapabilityTool)))
}

func TestRegistryResolveResource(t *testing.T) {
	registry := mcp.NewRegistry()
	require.NoError(t, registry.RegisterResource(mcp.ResourceTemplate{URITemplate: "resource://static"}, textResource))
	require.NoError(t, registry.RegisterResource(mcp.ResourceTemplate{URITemplate: "greeting://{name}"}, textResource))

	tests := []struct {
		name     string
		uri      string
		wantVars map[string]string
		wantErr  error
	}{
		{name: "template", uri: "greeting://yash", wantVars: map[string]string{"name": "yash"}},
		{name: "concrete", uri: "resource://static", wantVars: map[string]string{}},
		{name: "unknown scheme", uri: "unknown://x", wantErr: mcp.ErrNotFound},
		{name: "concrete with suffix", uri: "resource://static/more", wantErr: mcp.ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := registry.Resolve(mcp.CapabilityResource, tt.uri)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.uri, b.Target)
			if diff := cmp.Diff(tt.wantVars, b.Vars); diff != "" {
				t.Errorf("unexpected vars (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRegistryResolveUnknown(t *testing.T) {
	registry := mcp.NewRegistry()

	_, err := registry.Resolve(mcp.CapabilityTool, "missing")
	require.ErrorIs(t, err, mcp.ErrNotFound)

	_, err = registry.Resolve(mcp.CapabilityPrompt, "missing")
	require.ErrorIs(t, err, mcp.ErrNotFound)

	_, err = registry.Resolve("widget", "missing")
	require.ErrorIs(t, err, mcp.ErrMalformedRequest)
}

func TestRegistryValidateTypedTool(t *testing.T) {
	registry := mcp.NewRegistry()
	err := mcp.RegisterTypedTool(registry, "add", "Add two numbers.",
		func(_ context.Context, args addArgs) (mcp.CallToolResult, error) {
			return mcp.CallToolResult{
				Content: []mcp.Content{{Type: mcp.ContentTypeText, Text: fmt.Sprint(args.A + args.B)}},
			}, nil
		})
	require.NoError(t, err)

	b, err := registry.Resolve(mcp.CapabilityTool, "add")
	require.NoError(t, err)

	tests := []struct {
		name    string
		args    string
		wantErr bool
	}{
		{name: "valid", args: `{"a":4,"b":5}`},
		{name: "missing argument", args: `{"a":4}`, wantErr: true},
		{name: "wrong type", args: `{"a":"four","b":5}`, wantErr: true},
		{name: "no arguments", args: ``, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := registry.Validate(context.Background(), b, json.RawMessage(tt.args))
			if tt.wantErr {
				require.ErrorIs(t, err, mcp.ErrMalformedRequest)
				return
			}
			require.NoError(t, err)
		})
	}

	res, err := registry.Invoke(context.Background(), b, json.RawMessage(`{"a":4,"b":5}`))
	require.NoError(t, err)
	result, ok := res.(mcp.CallToolResult)
	require.True(t, ok)
	require.Equal(t, "9", result.Content[0].Text)

	tools := slices.Collect(registry.Tools())
	require.Len(t, tools, 1)
	require.NotEmpty(t, tools[0].InputSchema)
}

func TestRegistryValidateUntypedTool(t *testing.T) {
	registry := mcp.NewRegistry()
	require.NoError(t, registry.RegisterTool(mcp.Tool{Name: "free"}, textTool("ok")))

	b, err := registry.Resolve(mcp.CapabilityTool, "free")
	require.NoError(t, err)

	require.NoError(t, registry.Validate(context.Background(), b, nil))
	require.NoError(t, registry.Validate(context.Background(), b, json.RawMessage(`null`)))
	require.NoError(t, registry.Validate(context.Background(), b, json.RawMessage(`{"any":"thing"}`)))
	require.ErrorIs(t, registry.Validate(context.Background(), b, json.RawMessage(`[1,2]`)), mcp.ErrMalformedRequest)
}

func TestRegistryValidatePrompt(t *testing.T) {
	registry := mcp.NewRegistry()
	prompt := mcp.Prompt{
		Name: "review_code",
		Arguments: []mcp.PromptArgument{
			{Name: "code", Required: true},
			{Name: "language"},
		},
	}
	require.NoError(t, registry.RegisterPrompt(prompt, noopPrompt))

	b, err := registry.Resolve(mcp.CapabilityPrompt, "review_code")
	require.NoError(t, err)

	require.NoError(t, registry.Validate(context.Background(), b, json.RawMessage(`{"code":"x"}`)))
	require.ErrorIs(t, registry.Validate(context.Background(), b, json.RawMessage(`{"language":"go"}`)),
		mcp.ErrMalformedRequest)
	require.ErrorIs(t, registry.Validate(context.Background(), b, nil), mcp.ErrMalformedRequest)
	require.ErrorIs(t, registry.Validate(context.Background(), b, json.RawMessage(`{"code":1}`)),
		mcp.ErrMalformedRequest)
}

func TestRegistryInvokeFailures(t *testing.T) {
	registry := mcp.NewRegistry()
	require.NoError(t, registry.RegisterTool(mcp.Tool{Name: "panics"},
		func(context.Context, json.RawMessage) (mcp.CallToolResult, error) {
			panic("boom")
		}))
	require.NoError(t, registry.RegisterTool(mcp.Tool{Name: "fails"},
		func(context.Context, json.RawMessage) (mcp.CallToolResult, error) {
			return mcp.CallToolResult{}, errors.New("backend unavailable")
		}))
	require.NoError(t, registry.RegisterResource(mcp.ResourceTemplate{URITemplate: "file://{path}"},
		func(_ context.Context, uri string, _ map[string]string) (mcp.ReadResourceResult, error) {
			return mcp.ReadResourceResult{}, fmt.Errorf("%w: %s does not exist", mcp.ErrNotFound, uri)
		}))

	tests := []struct {
		name     string
		kind     mcp.CapabilityKind
		target   string
		wantKind mcp.ErrorKind
	}{
		{name: "panic", kind: mcp.CapabilityTool, target: "panics", wantKind: mcp.KindHandlerError},
		{name: "error", kind: mcp.CapabilityTool, target: "fails", wantKind: mcp.KindHandlerError},
		{name: "wrapped kind", kind: mcp.CapabilityResource, target: "file://missing", wantKind: mcp.KindNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := registry.Resolve(tt.kind, tt.target)
			require.NoError(t, err)

			res, err := registry.Invoke(context.Background(), b, nil)
			require.Nil(t, res)

			var f *mcp.Failure
			require.ErrorAs(t, err, &f)
			require.Equal(t, tt.wantKind, f.Kind)
		})
	}
}

func TestRegistryListings(t *testing.T) {
	registry := mcp.NewRegistry()
	require.NoError(t, registry.RegisterResource(mcp.ResourceTemplate{
		URITemplate: "resource://static",
		Name:        "static",
	}, textResource))
	require.NoError(t, registry.RegisterResource(mcp.ResourceTemplate{
		URITemplate: "greeting://{name}",
		Name:        "greeting",
	}, textResource))

	require.Equal(t, mcp.ServerCapabilities{Resources: &mcp.ResourcesCapability{}}, registry.Capabilities())

	resources := slices.Collect(registry.Resources())
	if diff := cmp.Diff([]mcp.Resource{{URI: "resource://static", Name: "static"}}, resources); diff != "" {
		t.Errorf("unexpected resources (-want +got):\n%s", diff)
	}

	templates := slices.Collect(registry.ResourceTemplates())
	require.Len(t, templates, 1)
	require.Equal(t, "greeting://{name}", templates[0].URITemplate)

	// Descriptors list both, and the sequence can be iterated again.
	descs := registry.List(mcp.CapabilityResource)
	require.Len(t, slices.Collect(descs), 2)
	require.Len(t, slices.Collect(descs), 2)

	for d := range descs {
		require.Equal(t, "resource://static", d.Target)
		break
	}
}
