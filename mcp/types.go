// Package mcp provides a client for tool servers speaking the Model Context
// Protocol over a subprocess's stdin/stdout.
package mcp

import (
	"context"
	"errors"
	"strings"
	"sync"

	protocol "github.com/mark3labs/mcp-go/mcp"
)

// ErrNotConnected is returned by calls made before Connect or after Close.
var ErrNotConnected = errors.New("not connected")

// session is the part of the mcp-go client this package drives.
// *client.Client satisfies it.
type session interface {
	Initialize(ctx context.Context, req protocol.InitializeRequest) (*protocol.InitializeResult, error)
	ListTools(ctx context.Context, req protocol.ListToolsRequest) (*protocol.ListToolsResult, error)
	CallTool(ctx context.Context, req protocol.CallToolRequest) (*protocol.CallToolResult, error)
	Close() error
}

// Client is a connection to a single tool server.
type Client struct {
	name          string
	session       session
	clientName    string
	clientVersion string
	tools         []MCPTool
	connected     bool
	closed        bool
	serverInfo    *ServerInfo
	mu            sync.RWMutex
}

// StdioSpec describes the subprocess hosting a tool server.
type StdioSpec struct {
	// Command is the executable to run.
	Command string

	// Args are command-line arguments.
	Args []string

	// Env entries (KEY=VALUE) are appended to the parent environment.
	Env []string

	// ClientName and ClientVersion identify this side during the handshake.
	ClientName    string
	ClientVersion string
}

// MCPTool represents a tool provided by a server.
type MCPTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
	ServerName  string         `json:"-"` // Set by client
}

// ServerInfo contains information about the connected server.
type ServerInfo struct {
	Name            string `json:"name"`
	Version         string `json:"version"`
	ProtocolVersion string `json:"protocolVersion"`
	HasTools        bool   `json:"hasTools"`
}

// ToolResult is the outcome of a tools/call request.
type ToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// ContentBlock is a content block in a tool result.
type ContentBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"` // Base64 for binary
	URI      string `json:"uri,omitempty"`
}

// Text combines the content blocks into a single string, with placeholders
// for non-text blocks.
func (r *ToolResult) Text() string {
	if r == nil {
		return ""
	}

	var parts []string
	for _, block := range r.Content {
		switch block.Type {
		case "text":
			parts = append(parts, block.Text)
		case "image":
			parts = append(parts, "[Image: "+block.MimeType+"]")
		case "resource":
			parts = append(parts, "[Resource: "+block.URI+"]")
		}
	}
	return strings.Join(parts, "\n")
}

// Size is the byte length of the text rendering.
func (r *ToolResult) Size() int {
	return len(r.Text())
}
