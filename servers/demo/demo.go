// Package demo provides a small capability set that exercises every kind of capability: typed
// and schema-validated tools, a static resource, a resource template and prompt templates.
package demo

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/MegaGrindStone/go-mcp-sse"
)

// AddArgs is the arguments for the add tool.
type AddArgs struct {
	A int `json:"a" jsonschema:"description=First operand"`
	B int `json:"b" jsonschema:"description=Second operand"`
}

// StaticResourceURI is the URI of the static resource.
const StaticResourceURI = "resource://some_static_resource"

var echoSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "v": {}
  },
  "required": ["v"]
}`)

// Register adds the demo capabilities to registry.
func Register(registry *mcp.Registry) error {
	if err := mcp.RegisterTypedTool(registry, "add", "Add two numbers.", callAdd); err != nil {
		return fmt.Errorf("failed to register add: %w", err)
	}

	echo := mcp.Tool{
		Name:        "tool_echo",
		Description: "Echoes back the value of v.",
		InputSchema: echoSchema,
	}
	if err := registry.RegisterTool(echo, callEcho); err != nil {
		return fmt.Errorf("failed to register tool_echo: %w", err)
	}

	static := mcp.ResourceTemplate{
		URITemplate: StaticResourceURI,
		Name:        "some_static_resource",
		Description: "A static resource.",
		MimeType:    "text/plain",
	}
	if err := registry.RegisterResource(static, readStatic); err != nil {
		return fmt.Errorf("failed to register static resource: %w", err)
	}

	greeting := mcp.ResourceTemplate{
		URITemplate: "greeting://{name}",
		Name:        "greeting",
		Description: "Get a personalized greeting.",
		MimeType:    "text/plain",
	}
	if err := registry.RegisterResource(greeting, readGreeting); err != nil {
		return fmt.Errorf("failed to register greeting: %w", err)
	}

	reviewCode := mcp.Prompt{
		Name:        "review_code",
		Description: "Ask for a review of a piece of code.",
		Arguments: []mcp.PromptArgument{
			{Name: "code", Description: "The code to review", Required: true},
		},
	}
	if err := registry.RegisterPrompt(reviewCode, getReviewCode); err != nil {
		return fmt.Errorf("failed to register review_code: %w", err)
	}

	debugError := mcp.Prompt{
		Name:        "debug_error",
		Description: "Start a conversation to debug an error.",
		Arguments: []mcp.PromptArgument{
			{Name: "error", Description: "The error message", Required: true},
		},
	}
	if err := registry.RegisterPrompt(debugError, getDebugError); err != nil {
		return fmt.Errorf("failed to register debug_error: %w", err)
	}

	return nil
}

func callAdd(_ context.Context, args AddArgs) (mcp.CallToolResult, error) {
	return textResult(strconv.Itoa(args.A + args.B)), nil
}

func callEcho(_ context.Context, args json.RawMessage) (mcp.CallToolResult, error) {
	var params struct {
		V json.RawMessage `json:"v"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("failed to unmarshal arguments: %w", err)
	}
	return textResult(string(params.V)), nil
}

func readStatic(_ context.Context, uri string, _ map[string]string) (mcp.ReadResourceResult, error) {
	return mcp.ReadResourceResult{
		Contents: []mcp.ResourceContents{
			{URI: uri, MimeType: "text/plain", Text: "This is a static resource."},
		},
	}, nil
}

func readGreeting(_ context.Context, uri string, vars map[string]string) (mcp.ReadResourceResult, error) {
	return mcp.ReadResourceResult{
		Contents: []mcp.ResourceContents{
			{URI: uri, MimeType: "text/plain", Text: fmt.Sprintf("Hello, %s!", vars["name"])},
		},
	}, nil
}

func getReviewCode(_ context.Context, args map[string]string) (mcp.GetPromptResult, error) {
	return mcp.GetPromptResult{
		Description: "Code review",
		Messages: []mcp.PromptMessage{
			userText("Please review this code:\n\n" + args["code"]),
		},
	}, nil
}

func getDebugError(_ context.Context, args map[string]string) (mcp.GetPromptResult, error) {
	return mcp.GetPromptResult{
		Description: "Debug an error",
		Messages: []mcp.PromptMessage{
			userText("I'm seeing this error:"),
			userText(args["error"]),
			{
				Role: mcp.RoleAssistant,
				Content: mcp.Content{
					Type: mcp.ContentTypeText,
					Text: "I'll help debug that. What have you tried so far?",
				},
			},
		},
	}, nil
}

func textResult(text string) mcp.CallToolResult {
	return mcp.CallToolResult{
		Content: []mcp.Content{
			{Type: mcp.ContentTypeText, Text: text},
		},
	}
}

func userText(text string) mcp.PromptMessage {
	return mcp.PromptMessage{
		Role: mcp.RoleUser,
		Content: mcp.Content{
			Type: mcp.ContentTypeText,
			Text: text,
		},
	}
}
