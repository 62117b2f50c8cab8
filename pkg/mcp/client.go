package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	mcpgo "github.com/mark3labs/mcp-go/mcp"
)

// Transport kinds the gateway speaks.
const (
	TransportHTTP = "http"
	TransportSSE  = "sse"
)

const protocolVersion = "2024-11-05"

// Tool is the descriptor handed to the façade and the filter: exactly
// what the upstream advertised.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ServerInfo is the identity an upstream reported during initialize.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// dialAndInitialize opens a client of the requested transport with the
// given request headers and runs the initialize handshake.
func dialAndInitialize(ctx context.Context, transportKind, serverURL string, headers map[string]string) (*client.Client, *ServerInfo, error) {
	var (
		mcpClient *client.Client
		err       error
	)

	switch transportKind {
	case TransportHTTP:
		var opts []transport.StreamableHTTPCOption
		if len(headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(headers))
		}
		mcpClient, err = client.NewStreamableHttpClient(serverURL, opts...)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create streamable HTTP client: %w", err)
		}
	case TransportSSE:
		var opts []transport.ClientOption
		if len(headers) > 0 {
			opts = append(opts, transport.WithHeaders(headers))
		}
		mcpClient, err = client.NewSSEMCPClient(serverURL, opts...)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create SSE client: %w", err)
		}
		// SSE needs the event stream running before initialize
		if err := mcpClient.Start(ctx); err != nil {
			mcpClient.Close()
			return nil, nil, fmt.Errorf("failed to start SSE transport: %w", err)
		}
	default:
		return nil, nil, fmt.Errorf("unknown transport %q", transportKind)
	}

	initRequest := mcpgo.InitializeRequest{}
	initRequest.Params.ProtocolVersion = protocolVersion
	initRequest.Params.ClientInfo = mcpgo.Implementation{
		Name:    "hoot-gateway",
		Version: "1.0.0",
	}
	initRequest.Params.Capabilities = mcpgo.ClientCapabilities{}

	initResult, err := mcpClient.Initialize(ctx, initRequest)
	if err != nil {
		mcpClient.Close()
		return nil, nil, fmt.Errorf("initialize failed: %w", err)
	}

	return mcpClient, &ServerInfo{
		Name:    initResult.ServerInfo.Name,
		Version: initResult.ServerInfo.Version,
	}, nil
}

// listTools fetches the full tool set of an open session.
func listTools(ctx context.Context, mcpClient *client.Client) ([]Tool, error) {
	result, err := mcpClient.ListTools(ctx, mcpgo.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}

	tools := make([]Tool, 0, len(result.Tools))
	for _, t := range result.Tools {
		tools = append(tools, toolFromUpstream(t))
	}
	return tools, nil
}

// callTool forwards arguments unchanged and returns the upstream result
// structurally unchanged.
func callTool(ctx context.Context, mcpClient *client.Client, name string, args map[string]any) (*mcpgo.CallToolResult, error) {
	request := mcpgo.CallToolRequest{}
	request.Params.Name = name
	request.Params.Arguments = args

	result, err := mcpClient.CallTool(ctx, request)
	if err != nil {
		return nil, fmt.Errorf("tool %s failed: %w", name, err)
	}
	return result, nil
}

func toolFromUpstream(t mcpgo.Tool) Tool {
	schema := t.RawInputSchema
	if len(schema) == 0 {
		if raw, err := json.Marshal(t.InputSchema); err == nil {
			schema = raw
		}
	}
	return Tool{
		Name:        t.Name,
		Description: t.Description,
		InputSchema: schema,
	}
}
