package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/MegaGrindStone/go-mcp-sse"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var callCmd = &cobra.Command{
	Use:   "call",
	Short: "Connect to a server, list its capabilities and invoke one",
	Long: `Connect to a server, print every tool, resource and prompt it exposes, and optionally
invoke one capability.

Examples:
  # List the capabilities
  mcpsse call --url http://localhost:8000/sse

  # Call a tool
  mcpsse call --tool add --args '{"a":4,"b":5}'

  # Read a resource
  mcpsse call --resource greeting://yash

  # Expand a prompt
  mcpsse call --prompt review_code --args '{"code":"print(1)"}'`,
	RunE: runCall,
}

func init() {
	callCmd.Flags().String("url", "http://localhost:8000/sse", "URL of the push stream endpoint")
	callCmd.Flags().Duration("timeout", 30*time.Second, "time to wait for each response")
	callCmd.Flags().String("tool", "", "name of the tool to call")
	callCmd.Flags().String("resource", "", "URI of the resource to read")
	callCmd.Flags().String("prompt", "", "name of the prompt to expand")
	callCmd.Flags().String("args", "", "arguments of the tool or prompt, as a JSON object")

	for key, flag := range map[string]string{
		"call.url":     "url",
		"call.timeout": "timeout",
	} {
		bindFlag(key, callCmd.Flags().Lookup(flag))
	}
}

func runCall(cmd *cobra.Command, _ []string) error {
	logger, err := newLogger(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	timeout := viper.GetDuration("call.timeout")

	transport := mcp.NewSSEClient(viper.GetString("call.url"), nil, mcp.WithSSEClientLogger(logger))
	client := mcp.NewClient(
		mcp.Info{Name: "mcpsse-cli", Version: Version},
		transport,
		mcp.WithClientCallTimeout(timeout),
		mcp.WithClientLogger(logger),
		mcp.WithNotificationHandler(mcp.NotificationHandlerFunc(func(msg mcp.JSONRPCMessage) {
			fmt.Fprintf(out, "notification %s: %s\n", msg.Method, msg.Params)
		})),
	)

	ctx := cmd.Context()
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer client.Close()

	info := client.ServerInfo()
	fmt.Fprintf(out, "Connected to %s %s (session %s)\n", info.Name, info.Version, client.SessionID())

	for _, kind := range []mcp.CapabilityKind{mcp.CapabilityTool, mcp.CapabilityResource, mcp.CapabilityPrompt} {
		descs, err := client.Discover(ctx, kind)
		if err != nil {
			return fmt.Errorf("failed to list %ss: %w", kind, err)
		}
		fmt.Fprintf(out, "\n%ss:\n", kind)
		for d := range descs {
			fmt.Fprintf(out, " - %s: %s\n", d.Target, d.Description)
		}
	}

	flags := cmd.Flags()
	toolName, _ := flags.GetString("tool")
	resourceURI, _ := flags.GetString("resource")
	promptName, _ := flags.GetString("prompt")
	rawArgs, _ := flags.GetString("args")

	var args any
	if rawArgs != "" {
		if !json.Valid([]byte(rawArgs)) {
			return fmt.Errorf("arguments are not valid JSON: %s", rawArgs)
		}
		args = json.RawMessage(rawArgs)
	}

	switch {
	case toolName != "":
		return printCall(out, client, cmd, mcp.CapabilityTool, toolName, args, timeout)
	case resourceURI != "":
		return printCall(out, client, cmd, mcp.CapabilityResource, resourceURI, nil, timeout)
	case promptName != "":
		return printCall(out, client, cmd, mcp.CapabilityPrompt, promptName, args, timeout)
	}
	return nil
}

func printCall(
	out io.Writer,
	client *mcp.Client,
	cmd *cobra.Command,
	kind mcp.CapabilityKind,
	target string,
	args any,
	timeout time.Duration,
) error {
	res, err := client.Call(cmd.Context(), kind, target, args, timeout)
	if err != nil {
		return fmt.Errorf("failed to call %s %s: %w", kind, target, err)
	}

	var pretty any
	if err := json.Unmarshal(res, &pretty); err != nil {
		return fmt.Errorf("failed to unmarshal result: %w", err)
	}
	resBs, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to format result: %w", err)
	}
	fmt.Fprintf(out, "\n%s %s:\n%s\n", kind, target, resBs)
	return nil
}
