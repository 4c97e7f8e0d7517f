// Package mcp exposes a dispatch table as an MCP tool server over HTTP.
//
// Every registered command becomes a tool. The server speaks the streamable
// HTTP transport on POST /mcp in stateless mode with plain JSON responses,
// so each request is answered on its own without a prior handshake. Unlike
// the dataflow path, every request with an id gets an answer: unknown tools
// and methods produce JSON-RPC errors.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/fxsml/replynode/dispatch"
	"github.com/google/uuid"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// Path is the endpoint the server is mounted on.
const Path = "/mcp"

// DefaultAddr is the default listen address.
const DefaultAddr = "0.0.0.0:8008"

// Config configures the MCP server.
type Config struct {
	// Name and Version are reported in serverInfo.
	Name    string
	Version string

	// Addr is the listen address for ListenAndServe (default: 0.0.0.0:8008).
	Addr string

	// ShutdownTimeout bounds graceful shutdown (default: 5s).
	ShutdownTimeout time.Duration

	// Logger for operational logging.
	Logger *slog.Logger
}

func (c Config) parse() Config {
	if c.Name == "" {
		c.Name = "replynode"
	}
	if c.Version == "" {
		c.Version = "0.1.0"
	}
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Server answers MCP requests from a dispatch table.
type Server struct {
	table   *dispatch.Table
	cfg     Config
	server  *sdk.Server
	handler http.Handler
}

// NewServer creates a server over table. The table should be frozen: tools
// are registered once, from the commands present at this call.
func NewServer(table *dispatch.Table, cfg Config) *Server {
	cfg = cfg.parse()
	s := &Server{
		table: table,
		cfg:   cfg,
	}

	s.server = sdk.NewServer(&sdk.Implementation{
		Name:    cfg.Name,
		Version: cfg.Version,
	}, &sdk.ServerOptions{
		Logger:       cfg.Logger,
		GetSessionID: uuid.NewString,
		Capabilities: &sdk.ServerCapabilities{Tools: &sdk.ToolCapabilities{}},
	})
	for _, cmd := range table.Commands() {
		s.server.AddTool(&sdk.Tool{
			Name:        cmd.Name,
			Description: cmd.Description,
			InputSchema: cmd.Schema(),
		}, s.callTool(cmd.Name))
	}

	s.handler = sdk.NewStreamableHTTPHandler(func(*http.Request) *sdk.Server {
		return s.server
	}, &sdk.StreamableHTTPOptions{
		Stateless:    true,
		JSONResponse: true,
		Logger:       cfg.Logger,
	})
	return s
}

// Mount registers the server on mux at Path.
func (s *Server) Mount(mux *http.ServeMux) {
	mux.Handle(Path, s)
}

// ListenAndServe serves handler on the configured address until ctx is done,
// then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, handler http.Handler) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.cfg.Logger.Info("MCP server listening", "addr", s.cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ServeHTTP implements http.Handler. DELETE is answered with a plain text
// notice since sessions are never terminated; everything else goes to the
// streamable HTTP handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodDelete {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		io.WriteString(w, "DELETE method is not supported")
		return
	}
	s.handler.ServeHTTP(w, r)
}

// callTool returns the tool handler for the named command. Command failures
// are reported in the result with IsError set.
func (s *Server) callTool(name string) sdk.ToolHandler {
	return func(ctx context.Context, req *sdk.CallToolRequest) (*sdk.CallToolResult, error) {
		start := time.Now()

		args, err := decodeArguments(req.Params.Arguments)
		if err != nil {
			s.cfg.Logger.Warn("Tool call failed", "tool", name, "error", err)
			return errorResult(err), nil
		}

		reply, err := s.table.Call(dispatch.Request{Name: name, Arguments: args})
		if err != nil {
			s.cfg.Logger.Warn("Tool call failed", "tool", name, "error", err)
			return errorResult(err), nil
		}

		s.cfg.Logger.Debug("Handled tool call", "tool", name, "duration", time.Since(start))
		return toResult(reply), nil
	}
}

func decodeArguments(raw json.RawMessage) (dispatch.Arguments, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return dispatch.Arguments{}, nil
	}
	var args dispatch.Arguments
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	return args, nil
}

func toResult(reply dispatch.Reply) *sdk.CallToolResult {
	content := make([]sdk.Content, 0, len(reply.Content))
	for _, c := range reply.Content {
		if c.Type == dispatch.ContentTypeText {
			content = append(content, &sdk.TextContent{Text: c.Text})
		}
	}
	return &sdk.CallToolResult{Content: content}
}

func errorResult(err error) *sdk.CallToolResult {
	return &sdk.CallToolResult{
		Content: []sdk.Content{&sdk.TextContent{Text: err.Error()}},
		IsError: true,
	}
}
