package mcp

import (
	"context"
	"fmt"

	mcpclient "github.com/mark3labs/mcp-go/client"
	protocol "github.com/mark3labs/mcp-go/mcp"
)

// NewStdioClient starts the server process described by spec and returns a
// client bound to its standard streams. The process is running when this
// returns; call Connect to perform the handshake.
func NewStdioClient(name string, spec StdioSpec) (*Client, error) {
	if name == "" {
		return nil, fmt.Errorf("server name is required")
	}
	if spec.Command == "" {
		return nil, fmt.Errorf("command is required for stdio transport")
	}

	sess, err := mcpclient.NewStdioMCPClient(spec.Command, spec.Env, spec.Args...)
	if err != nil {
		return nil, fmt.Errorf("start %s: %w", spec.Command, err)
	}

	return newClient(name, sess, spec.ClientName, spec.ClientVersion), nil
}

func newClient(name string, sess session, clientName, clientVersion string) *Client {
	if clientName == "" {
		clientName = "toolbox"
	}
	if clientVersion == "" {
		clientVersion = "dev"
	}
	return &Client{
		name:          name,
		session:       sess,
		clientName:    clientName,
		clientVersion: clientVersion,
	}
}

// Connect performs the initialize handshake. On failure the underlying
// process is shut down and the client cannot be reused.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}
	if c.closed {
		return ErrNotConnected
	}

	req := protocol.InitializeRequest{}
	req.Params.ProtocolVersion = protocol.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = protocol.Implementation{
		Name:    c.clientName,
		Version: c.clientVersion,
	}

	result, err := c.session.Initialize(ctx, req)
	if err != nil {
		c.session.Close()
		c.closed = true
		return fmt.Errorf("initialize: %w", err)
	}

	c.serverInfo = &ServerInfo{
		Name:            result.ServerInfo.Name,
		Version:         result.ServerInfo.Version,
		ProtocolVersion: result.ProtocolVersion,
		HasTools:        result.Capabilities.Tools != nil,
	}

	c.connected = true
	return nil
}

// DiscoverTools retrieves the list of tools from the server.
func (c *Client) DiscoverTools(ctx context.Context) ([]MCPTool, error) {
	c.mu.RLock()
	if !c.connected {
		c.mu.RUnlock()
		return nil, ErrNotConnected
	}
	c.mu.RUnlock()

	result, err := c.session.ListTools(ctx, protocol.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("tools/list: %w", err)
	}

	tools := make([]MCPTool, len(result.Tools))
	for i, tool := range result.Tools {
		schema := map[string]any{"type": tool.InputSchema.Type}
		if len(tool.InputSchema.Properties) > 0 {
			schema["properties"] = tool.InputSchema.Properties
		}
		if len(tool.InputSchema.Required) > 0 {
			schema["required"] = tool.InputSchema.Required
		}
		tools[i] = MCPTool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: schema,
			ServerName:  c.name,
		}
	}

	c.mu.Lock()
	c.tools = tools
	c.mu.Unlock()

	return tools, nil
}

// CallTool executes a tool on the server. Errors from the server or the
// transport are returned as-is; a result flagged IsError is not an error.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	c.mu.RLock()
	if !c.connected {
		c.mu.RUnlock()
		return nil, ErrNotConnected
	}
	c.mu.RUnlock()

	req := protocol.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	result, err := c.session.CallTool(ctx, req)
	if err != nil {
		return nil, err
	}

	out := &ToolResult{IsError: result.IsError}
	for _, content := range result.Content {
		out.Content = append(out.Content, convertContent(content))
	}
	return out, nil
}

func convertContent(content protocol.Content) ContentBlock {
	switch v := content.(type) {
	case protocol.TextContent:
		return ContentBlock{Type: "text", Text: v.Text}
	case *protocol.TextContent:
		return ContentBlock{Type: "text", Text: v.Text}
	case protocol.ImageContent:
		return ContentBlock{Type: "image", MimeType: v.MIMEType, Data: v.Data}
	case *protocol.ImageContent:
		return ContentBlock{Type: "image", MimeType: v.MIMEType, Data: v.Data}
	case protocol.EmbeddedResource:
		return resourceBlock(v.Resource)
	case *protocol.EmbeddedResource:
		return resourceBlock(v.Resource)
	default:
		return ContentBlock{Type: "unknown"}
	}
}

func resourceBlock(res protocol.ResourceContents) ContentBlock {
	switch r := res.(type) {
	case protocol.TextResourceContents:
		return ContentBlock{Type: "resource", URI: r.URI, MimeType: r.MIMEType, Text: r.Text}
	case protocol.BlobResourceContents:
		return ContentBlock{Type: "resource", URI: r.URI, MimeType: r.MIMEType, Data: r.Blob}
	default:
		return ContentBlock{Type: "resource"}
	}
}

// Close shuts down the session and the server process. Closing twice is a
// no-op.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.connected = false
	c.closed = true
	return c.session.Close()
}

// Name returns the server name.
func (c *Client) Name() string {
	return c.name
}

// Connected returns whether the client is connected.
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Tools returns the cached tools list.
func (c *Client) Tools() []MCPTool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tools
}

// ServerInfo returns information about the connected server.
func (c *Client) ServerInfo() *ServerInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverInfo
}

var _ session = (*mcpclient.Client)(nil)
