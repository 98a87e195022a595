package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/orchd/orchd/internal/common/config"
	"github.com/orchd/orchd/internal/common/logger"
	"github.com/orchd/orchd/internal/orcerr"
	"github.com/orchd/orchd/internal/task"
)

// MCPServer exposes the five Task API tools to the host agent. Both MCP
// transports run on the same port:
//   - SSE (/sse) for clients that speak the older transport
//   - Streamable HTTP (/mcp) for current clients
type MCPServer struct {
	cfg                  config.MCPConfig
	orch                 *Orchestrator
	sseServer            *server.SSEServer
	streamableHTTPServer *server.StreamableHTTPServer
	httpServer           *http.Server
	mu                   sync.Mutex
	running              bool
	logger               *logger.Logger
}

// NewMCPServer creates the host-facing Task API server.
func NewMCPServer(cfg config.MCPConfig, orch *Orchestrator, log *logger.Logger) *MCPServer {
	return &MCPServer{
		cfg:    cfg,
		orch:   orch,
		logger: log.WithComponent("mcp"),
	}
}

// Start begins serving both transports and returns once the listener is up.
func (s *MCPServer) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("mcp server already running")
	}
	s.mu.Unlock()

	mcpServer := server.NewMCPServer(
		"orchd",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions(s.orch.SystemContext()),
	)
	s.registerTools(mcpServer)

	s.sseServer = server.NewSSEServer(mcpServer)
	s.streamableHTTPServer = server.NewStreamableHTTPServer(mcpServer,
		server.WithEndpointPath("/mcp"),
	)

	mux := http.NewServeMux()
	mux.Handle("/sse", s.sseServer.SSEHandler())
	mux.Handle("/message", s.sseServer.MessageHandler())
	mux.Handle("/mcp", s.streamableHTTPServer)

	addr := fmt.Sprintf("127.0.0.1:%d", s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("mcp server failed to listen on %s: %w", addr, err)
	}
	if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
		s.cfg.Port = tcpAddr.Port
	}

	s.httpServer = &http.Server{Handler: mux}

	ready := make(chan struct{})
	go func() {
		s.mu.Lock()
		s.running = true
		s.mu.Unlock()
		close(ready)

		s.logger.Info("mcp server listening",
			zap.Int("port", s.cfg.Port),
			zap.String("sse_endpoint", "/sse"),
			zap.String("streamable_http_endpoint", "/mcp"))

		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("mcp server error", zap.Error(err))
		}

		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop gracefully shuts down both transports.
func (s *MCPServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		return nil
	}

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown mcp http server: %w", err)
		}
	}
	if s.sseServer != nil {
		if err := s.sseServer.Shutdown(ctx); err != nil {
			s.logger.Warn("failed to shutdown SSE server", zap.Error(err))
		}
	}
	if s.streamableHTTPServer != nil {
		if err := s.streamableHTTPServer.Shutdown(ctx); err != nil {
			s.logger.Warn("failed to shutdown streamable HTTP server", zap.Error(err))
		}
	}
	return nil
}

// Port returns the bound port; valid after Start.
func (s *MCPServer) Port() int { return s.cfg.Port }

func (s *MCPServer) registerTools(mcpServer *server.MCPServer) {
	mcpServer.AddTool(
		mcp.NewTool("task_start",
			mcp.WithDescription(
				"Start a task on a worker, a registered workflow, or an orchestrator operation. "+
					"Returns immediately with a taskId; collect the result with task_await.",
			),
			mcp.WithString("kind",
				mcp.Description("Task kind: worker (default), workflow, or op"),
			),
			mcp.WithString("workerId",
				mcp.Description("Worker profile to run against (required for kind=worker)"),
			),
			mcp.WithString("workflowId",
				mcp.Description("Registered workflow to run (required for kind=workflow)"),
			),
			mcp.WithString("op",
				mcp.Description("Operation name, e.g. worker.model.set or memory.get (required for kind=op)"),
			),
			mcp.WithObject("opArgs",
				mcp.Description("String arguments for the operation"),
			),
			mcp.WithString("task",
				mcp.Description("The instruction to send to the worker"),
			),
			mcp.WithArray("attachments",
				mcp.Description("Non-text content: objects with type (image/file), data, mimeType, name"),
			),
			mcp.WithString("model",
				mcp.Description("Model override, canonical provider/model or an auto tag"),
			),
			mcp.WithString("modelPolicy",
				mcp.Description("sticky (re-pin the worker, default) or dynamic (this task only)"),
			),
			mcp.WithBoolean("forceNew",
				mcp.Description("Respawn the worker instead of failing when it is incompatible"),
			),
			mcp.WithArray("tags",
				mcp.Description("Free-form labels for task_list view=tags"),
			),
		),
		s.handleTaskStart(),
	)

	mcpServer.AddTool(
		mcp.NewTool("task_await",
			mcp.WithDescription(
				"Wait for tasks to finish and return their results. "+
					"timeoutMs > 0 bounds the wait; 0 (or omitted) returns the current "+
					"status immediately; negative waits until the tasks finish.",
			),
			mcp.WithString("taskId",
				mcp.Description("A single task id returned by task_start"),
			),
			mcp.WithArray("taskIds",
				mcp.Description("Task ids returned by task_start; alternative to taskId"),
			),
			mcp.WithNumber("timeoutMs",
				mcp.Description("Maximum time to wait in milliseconds"),
			),
		),
		s.handleTaskAwait(),
	)

	mcpServer.AddTool(
		mcp.NewTool("task_peek",
			mcp.WithDescription("Inspect a running task without blocking: status plus output streamed so far."),
			mcp.WithString("taskId",
				mcp.Required(),
				mcp.Description("The task id to inspect"),
			),
		),
		s.handleTaskPeek(),
	)

	mcpServer.AddTool(
		mcp.NewTool("task_list",
			mcp.WithDescription("List tasks, workers, or tags."),
			mcp.WithString("view",
				mcp.Description("tasks (default), workers, or tags"),
			),
			mcp.WithString("format",
				mcp.Description("markdown (default) or json"),
			),
		),
		s.handleTaskList(),
	)

	mcpServer.AddTool(
		mcp.NewTool("task_cancel",
			mcp.WithDescription("Cancel a running task and abort its worker's in-flight prompt."),
			mcp.WithString("taskId",
				mcp.Required(),
				mcp.Description("The task id to cancel"),
			),
		),
		s.handleTaskCancel(),
	)

	s.logger.Info("registered MCP tools", zap.Int("count", 5))
}

func (s *MCPServer) handleTaskStart() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var sr task.StartRequest
		if err := decodeArguments(req, &sr); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		sr.Task = clampBytes(sr.Task, s.orch.cfg.Context.MaxToolInputBytes)

		resp, err := s.orch.tasks.Start(ctx, sr)
		if err != nil {
			return toolError(err), nil
		}
		return jsonResult(resp, 0)
	}
}

func (s *MCPServer) handleTaskAwait() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var ar task.AwaitRequest
		if err := decodeArguments(req, &ar); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if ar.TaskID == "" && len(ar.TaskIDs) == 0 {
			return mcp.NewToolResultError("taskId or taskIds is required"), nil
		}

		results, err := s.orch.tasks.Await(ctx, ar)
		if err != nil {
			return toolError(err), nil
		}
		return jsonResult(results, s.orch.cfg.Context.MaxToolOutputBytes)
	}
}

func (s *MCPServer) handleTaskPeek() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID, err := req.RequireString("taskId")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		view, err := s.orch.tasks.Peek(taskID)
		if err != nil {
			return toolError(err), nil
		}
		return jsonResult(view, s.orch.cfg.Context.MaxToolOutputBytes)
	}
}

func (s *MCPServer) handleTaskList() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		out, err := s.orch.tasks.List(task.ListRequest{
			View:   req.GetString("view", ""),
			Format: req.GetString("format", ""),
		})
		if err != nil {
			return toolError(err), nil
		}
		return mcp.NewToolResultText(clampBytes(out, s.orch.cfg.Context.MaxToolOutputBytes)), nil
	}
}

func (s *MCPServer) handleTaskCancel() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID, err := req.RequireString("taskId")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		view, err := s.orch.tasks.Cancel(ctx, taskID)
		if err != nil {
			return toolError(err), nil
		}
		return jsonResult(view, s.orch.cfg.Context.MaxToolOutputBytes)
	}
}

// decodeArguments maps the tool arguments onto a request struct through its
// JSON tags, so the MCP surface and the Go API cannot drift apart.
func decodeArguments(req mcp.CallToolRequest, out any) error {
	data, err := json.Marshal(req.GetArguments())
	if err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

func jsonResult(v any, maxBytes int) (*mcp.CallToolResult, error) {
	formatted, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(clampBytes(string(formatted), maxBytes)), nil
}

// toolError renders the structured taxonomy for the host agent: kind and
// message always, the remediation hint when one exists.
func toolError(err error) *mcp.CallToolResult {
	var oe *orcerr.Error
	if errors.As(err, &oe) {
		msg := fmt.Sprintf("%s: %s", oe.Kind, oe.Message)
		if oe.Hint != "" {
			msg += fmt.Sprintf(" (hint: %s)", oe.Hint)
		}
		return mcp.NewToolResultError(msg)
	}
	return mcp.NewToolResultError(err.Error())
}
