package mcp

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/pgguard/pgguard/internal/gateway"
)

// --------------------------------------------------------------------------
// Parameter extraction helpers
// --------------------------------------------------------------------------

// requireString extracts a required string argument from the tool request.
func requireString(request mcp.CallToolRequest, key string) (string, error) {
	val, err := request.RequireString(key)
	if err != nil {
		return "", fmt.Errorf("missing required parameter %q", key)
	}
	return val, nil
}

// optionalString extracts an optional string argument from the tool request.
func optionalString(request mcp.CallToolRequest, key string) string {
	return request.GetString(key, "")
}

// optionalInt extracts an optional integer argument from the tool request.
func optionalInt(request mcp.CallToolRequest, key string, defaultVal int) int {
	return request.GetInt(key, defaultVal)
}

// --------------------------------------------------------------------------
// Response builders
// --------------------------------------------------------------------------

// successJSON marshals data to JSON and returns it as a tool result.
func successJSON(data interface{}) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal response: %w", err)
	}
	return mcp.NewToolResultText(string(b)), nil
}

// toolError returns a tool-level error result. Errors returned this way are
// visible to the LLM so it can self-correct; they do NOT terminate the MCP
// session.
func toolError(format string, args ...interface{}) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultError(fmt.Sprintf(format, args...)), nil
}

// gatewayError renders a typed gateway error as a tool result, keeping the
// stable code and the offending resources visible to the caller.
func gatewayError(err error) (*mcp.CallToolResult, error) {
	gerr := gateway.AsError(err)

	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", gerr.Code, gerr.Message)
	if len(gerr.Resources) > 0 {
		fmt.Fprintf(&b, "\nResources: %s", strings.Join(gerr.Resources, ", "))
	}
	if gerr.Code == gateway.CodeRateLimited && gerr.RetryAfter > 0 {
		fmt.Fprintf(&b, "\nRetry after: %s", gerr.RetryAfter)
	}
	return mcp.NewToolResultError(b.String()), nil
}
