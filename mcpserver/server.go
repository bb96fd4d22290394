package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/isdmx/rubybox/config"
	"github.com/isdmx/rubybox/dispatcher"
	"github.com/isdmx/rubybox/session"
	"github.com/isdmx/rubybox/toolcall"
)

// ToolName is the name the execution tool is registered under
const ToolName = "execute_ruby"

// Server and version reported during the MCP handshake
const (
	ServerName    = "rubybox"
	ServerVersion = "1.0.0"
)

// Dispatcher accepts tool calls for asynchronous execution
type Dispatcher interface {
	Submit(sess *session.Session, req toolcall.Request) (*dispatcher.Handle, error)
}

type requestKey struct{}

type requestInfo struct {
	sess *session.Session
	id   string
}

// WithRequest binds the session and JSON-RPC id of the message being handled to ctx
func WithRequest(ctx context.Context, sess *session.Session, id string) context.Context {
	return context.WithValue(ctx, requestKey{}, requestInfo{sess: sess, id: id})
}

func requestFromContext(ctx context.Context) (requestInfo, bool) {
	info, ok := ctx.Value(requestKey{}).(requestInfo)
	return info, ok && info.sess != nil
}

// MCPServer bridges MCP tool calls to the dispatcher
type MCPServer struct {
	logger     *zap.Logger
	dispatcher Dispatcher
	mcpServer  *server.MCPServer
}

// New creates a new MCPServer
func New(cfg *config.Config, logger *zap.Logger, d *dispatcher.Dispatcher) *MCPServer {
	logger.Info("configuration loaded",
		zap.Bool("server.stdio_enabled", cfg.StdioEnabled()),
		zap.Bool("server.network_enabled", cfg.NetworkEnabled()),
		zap.String("server.remote_transport", cfg.Server.RemoteTransport),
		zap.String("server.http_addr", cfg.Server.HTTPAddr),
		zap.String("server.base_path", cfg.Server.BasePath),
		zap.Bool("sandbox.use_temp_dir", cfg.Sandbox.UseTempDir),
		zap.String("sandbox.ruby_path", cfg.Sandbox.RubyPath),
		zap.String("sandbox.gem_path", cfg.Sandbox.GemPath),
		zap.Int("sandbox.timeout_sec", cfg.Sandbox.TimeoutSec),
		zap.Int("sandbox.max_timeout_sec", cfg.Sandbox.MaxTimeoutSec),
		zap.Int("sandbox.max_concurrent", cfg.Sandbox.MaxConcurrent),
		zap.Int("sandbox.max_output_bytes", cfg.Sandbox.MaxOutputBytes),
	)

	return NewWithDispatcher(logger, d)
}

// NewWithDispatcher creates an MCPServer on top of any Dispatcher
func NewWithDispatcher(logger *zap.Logger, d Dispatcher) *MCPServer {
	s := &MCPServer{
		logger:     logger,
		dispatcher: d,
		mcpServer: server.NewMCPServer(ServerName, ServerVersion,
			server.WithToolCapabilities(false),
			server.WithRecovery(),
		),
	}

	s.registerExecuteRubyTool()

	return s
}

// registerExecuteRubyTool registers the execute_ruby tool
func (s *MCPServer) registerExecuteRubyTool() {
	tool := mcp.Tool{
		Name:        ToolName,
		Description: "Execute Ruby code in a subprocess, optionally installing gems first",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"code": map[string]any{
					"type":        "string",
					"description": "Ruby source code, read by the interpreter from stdin",
				},
				"dependencies": map[string]any{
					"type":        "array",
					"description": "Gems to install before running, as name or name:version",
					"items":       map[string]any{"type": "string"},
				},
				"timeout": map[string]any{
					"type":        "number",
					"description": "Execution timeout in seconds (optional)",
				},
			},
			Required: []string{"code"},
		},
	}

	s.mcpServer.AddTool(tool, s.handleExecuteRuby)
}

// HandleMessage processes one JSON-RPC message on behalf of sess. id is the
// normalized JSON-RPC id of the message, empty for notifications. It returns
// nil when the message produces no response.
func (s *MCPServer) HandleMessage(ctx context.Context, sess *session.Session, id string, raw json.RawMessage) (json.RawMessage, error) {
	resp := s.mcpServer.HandleMessage(WithRequest(ctx, sess, id), raw)
	if resp == nil {
		return nil, nil
	}

	out, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("failed to encode response: %w", err)
	}
	return out, nil
}

// handleExecuteRuby handles the execute_ruby tool
func (s *MCPServer) handleExecuteRuby(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	info, ok := requestFromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("%w: tool call without a session", toolcall.ErrInternal)
	}

	code, err := request.RequireString("code")
	if err != nil {
		return nil, fmt.Errorf("code parameter is required: %w", err)
	}

	args := request.GetArguments()
	depsKey, depsArg := lookupArg(args, "dependencies", "packages")
	dependencies, err := stringSlice(depsArg)
	if err != nil {
		return nil, fmt.Errorf("invalid %s parameter: %w", depsKey, err)
	}
	timeoutKey, rawTimeout := lookupArg(args, "timeout", "timeout_sec")
	timeout, err := timeoutArg(rawTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid %s parameter: %w", timeoutKey, err)
	}

	s.logger.Info("code execution requested",
		zap.String("session_id", info.sess.ID()),
		zap.String("request_id", info.id),
		zap.Strings("dependencies", dependencies),
		zap.Duration("timeout", timeout))

	handle, err := s.dispatcher.Submit(info.sess, toolcall.Request{
		ID:           info.id,
		Code:         code,
		Dependencies: dependencies,
		Timeout:      timeout,
	})
	if err != nil {
		return nil, err
	}

	res, err := handle.Wait(ctx)
	if err != nil {
		return nil, fmt.Errorf("request %s abandoned: %w", info.id, err)
	}

	return toolResult(res)
}

//nolint:gocritic // result is passed once
func toolResult(res toolcall.Result) (*mcp.CallToolResult, error) {
	text, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: string(text),
			},
		},
		IsError: !res.Succeeded(),
	}, nil
}

// lookupArg returns the first of keys present in args. Later keys are
// accepted aliases of the first.
func lookupArg(args map[string]any, keys ...string) (string, any) {
	for _, key := range keys {
		if v, ok := args[key]; ok && v != nil {
			return key, v
		}
	}
	return keys[0], nil
}

func stringSlice(v any) ([]string, error) {
	switch list := v.(type) {
	case nil:
		return nil, nil
	case []string:
		return list, nil
	case []any:
		out := make([]string, 0, len(list))
		for i, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("element %d is %T, not a string", i, item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected an array of strings, got %T", v)
	}
}

func timeoutArg(v any) (time.Duration, error) {
	var sec float64
	switch n := v.(type) {
	case nil:
		return 0, nil
	case float64:
		sec = n
	case int:
		sec = float64(n)
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, err
		}
		sec = f
	default:
		return 0, fmt.Errorf("expected a number, got %T", v)
	}

	if sec < 0 || math.IsNaN(sec) || math.IsInf(sec, 0) {
		return 0, fmt.Errorf("must be a non-negative number of seconds, got %v", sec)
	}
	if sec > math.MaxInt64/float64(time.Second) {
		return time.Duration(math.MaxInt64), nil
	}
	return time.Duration(sec * float64(time.Second)), nil
}
