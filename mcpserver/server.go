package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/isdmx/runbox/config"
	"github.com/isdmx/runbox/runtime"
	"github.com/isdmx/runbox/sandbox"
)

// ExecutionEngine is the engine surface the server needs. *sandbox.Engine
// implements it; tests substitute a mock.
type ExecutionEngine interface {
	Run(ctx context.Context, req sandbox.RunRequest) (sandbox.Result, error)
	Get(id string) (sandbox.Result, error)
	Stop(ctx context.Context, id string) error
}

// MCPServer represents the MCP server
type MCPServer struct {
	config    *config.Config
	logger    *zap.Logger
	engine    ExecutionEngine
	mcpServer *server.MCPServer
}

// New creates a new MCPServer
func New(cfg *config.Config, logger *zap.Logger, engine ExecutionEngine) (*MCPServer, error) {
	s := &MCPServer{
		config: cfg,
		logger: logger,
		engine: engine,
	}

	// Log configuration parameters on startup
	logger.Info("configuration loaded",
		zap.String("server.transport", s.config.Server.Transport),
		zap.Int("server.http_port", s.config.Server.HTTPPort),
		zap.Int("server.metrics_port", s.config.Server.MetricsPort),
		zap.String("engine.base_dir", s.config.Engine.BaseDir),
		zap.String("container.memory_limit", s.config.Container.MemoryLimit),
		zap.Int("container.timeout_sec", s.config.Container.TimeoutSec),
		zap.Bool("container.network_disabled", s.config.Container.NetworkDisabled),
		zap.Strings("languages", s.languages()),
	)

	// Create the MCP server
	s.mcpServer = server.NewMCPServer("runbox", "A sandboxed code execution server")

	s.registerRunCodeTool()
	s.registerGetExecutionTool()
	s.registerStopExecutionTool()

	return s, nil
}

// languages returns the configured language names, sorted.
func (s *MCPServer) languages() []string {
	names := make([]string, 0, len(s.config.Languages))
	for name := range s.config.Languages {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// registerRunCodeTool registers the run_code tool
func (s *MCPServer) registerRunCodeTool() {
	tool := mcp.Tool{
		Name:        "run_code",
		Description: "Execute untrusted code in an isolated container sandbox",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"code": map[string]any{
					"type":        "string",
					"description": "User-provided source code",
				},
				"language": map[string]any{
					"type":        "string",
					"description": "Runtime language",
					"enum":        s.languages(),
				},
				"dependencies": map[string]any{
					"type":        "string",
					"description": "Service containers to start before the code runs, as a YAML or JSON list (optional)",
				},
				"timeout_sec": map[string]any{
					"type":        "number",
					"description": "Execution timeout in seconds (optional)",
				},
				"memory_limit": map[string]any{
					"type":        "string",
					"description": "Memory limit, e.g. \"256m\" (optional)",
				},
				"network_disabled": map[string]any{
					"type":        "boolean",
					"description": "Disable outbound network access (optional)",
				},
			},
			Required: []string{"code", "language"},
		},
	}

	s.mcpServer.AddTool(tool, s.handleRunCode)
}

// registerGetExecutionTool registers the get_execution tool
func (s *MCPServer) registerGetExecutionTool() {
	tool := mcp.Tool{
		Name:        "get_execution",
		Description: "Fetch the status and result of an execution",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"execution_id": map[string]any{
					"type":        "string",
					"description": "Execution identifier returned by run_code",
				},
			},
			Required: []string{"execution_id"},
		},
	}

	s.mcpServer.AddTool(tool, s.handleGetExecution)
}

// registerStopExecutionTool registers the stop_execution tool
func (s *MCPServer) registerStopExecutionTool() {
	tool := mcp.Tool{
		Name:        "stop_execution",
		Description: "Stop a running execution and reclaim its resources",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"execution_id": map[string]any{
					"type":        "string",
					"description": "Execution identifier returned by run_code",
				},
			},
			Required: []string{"execution_id"},
		},
	}

	s.mcpServer.AddTool(tool, s.handleStopExecution)
}

// handleRunCode handles the run_code tool
func (s *MCPServer) handleRunCode(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, err := request.RequireString("code")
	if err != nil {
		return nil, fmt.Errorf("code parameter is required: %w", err)
	}

	language, err := request.RequireString("language")
	if err != nil {
		return nil, fmt.Errorf("language parameter is required: %w", err)
	}

	deps, err := ParseDependencies(request.GetString("dependencies", ""))
	if err != nil {
		return nil, fmt.Errorf("failed to parse dependencies: %w", err)
	}

	cfg := s.config.ContainerDefaults().WithLanguage(language)
	if v := request.GetInt("timeout_sec", 0); v > 0 {
		cfg.TimeoutSeconds = v
	}
	if v := request.GetString("memory_limit", ""); v != "" {
		cfg.MemoryLimit = v
	}
	cfg.NetworkDisabled = request.GetBool("network_disabled", cfg.NetworkDisabled)

	s.logger.Info("code execution requested",
		zap.String("language", language),
		zap.Int("dependencies", len(deps)))

	result, err := s.engine.Run(ctx, sandbox.RunRequest{
		Source:       []byte(code),
		Config:       cfg,
		Dependencies: deps,
	})
	if err != nil {
		s.logger.Error("execution failed",
			zap.Error(err),
			zap.String("language", language))
		return errorResult(fmt.Sprintf("Execution failed: %v", err)), nil
	}

	s.logger.Info("code execution completed",
		zap.String("execution_id", result.ExecutionID),
		zap.String("status", string(result.Status)),
		zap.Int("stdout_len", len(result.Stdout)),
		zap.Int("stderr_len", len(result.Stderr)))

	return resultContent(result)
}

// handleGetExecution handles the get_execution tool
func (s *MCPServer) handleGetExecution(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("execution_id")
	if err != nil {
		return nil, fmt.Errorf("execution_id parameter is required: %w", err)
	}

	result, err := s.engine.Get(id)
	if err != nil {
		return errorResult(fmt.Sprintf("Lookup failed: %v", err)), nil
	}
	return resultContent(result)
}

// handleStopExecution handles the stop_execution tool
func (s *MCPServer) handleStopExecution(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("execution_id")
	if err != nil {
		return nil, fmt.Errorf("execution_id parameter is required: %w", err)
	}

	if err := s.engine.Stop(ctx, id); err != nil {
		return errorResult(fmt.Sprintf("Stop failed: %v", err)), nil
	}

	s.logger.Info("execution stopped", zap.String("execution_id", id))
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: fmt.Sprintf(`{"execution_id":%q,"stopped":true}`, id)},
		},
	}, nil
}

func resultContent(result sandbox.Result) (*mcp.CallToolResult, error) {
	payload, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: string(payload)},
		},
	}, nil
}

func errorResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
		IsError: true,
	}
}

// dependencyDoc is the wire form of one service container declaration.
// YAML is a superset of JSON here, so one decoder accepts both.
type dependencyDoc struct {
	Name      string            `yaml:"name"`
	Image     string            `yaml:"image"`
	Env       map[string]string `yaml:"env"`
	Ports     []portDoc         `yaml:"ports"`
	Volumes   []volumeDoc       `yaml:"volumes"`
	Health    *healthDoc        `yaml:"health"`
	DependsOn []string          `yaml:"depends_on"`
}

type portDoc struct {
	Host      int    `yaml:"host"`
	Container int    `yaml:"container"`
	Protocol  string `yaml:"protocol"`
}

type volumeDoc struct {
	HostPath      string `yaml:"host_path"`
	ContainerPath string `yaml:"container_path"`
	ReadOnly      bool   `yaml:"read_only"`
}

type healthDoc struct {
	Test           []string `yaml:"test"`
	IntervalSec    int      `yaml:"interval_sec"`
	TimeoutSec     int      `yaml:"timeout_sec"`
	StartPeriodSec int      `yaml:"start_period_sec"`
	Retries        int      `yaml:"retries"`
}

// ParseDependencies decodes a YAML or JSON list of service container
// declarations. An empty input yields no dependencies.
func ParseDependencies(raw string) ([]sandbox.ContainerDependency, error) {
	if raw == "" {
		return nil, nil
	}
	var docs []dependencyDoc
	if err := yaml.Unmarshal([]byte(raw), &docs); err != nil {
		return nil, err
	}
	deps := make([]sandbox.ContainerDependency, 0, len(docs))
	for _, doc := range docs {
		dep := sandbox.ContainerDependency{
			Name:      doc.Name,
			Image:     doc.Image,
			Env:       doc.Env,
			DependsOn: doc.DependsOn,
		}
		for _, p := range doc.Ports {
			dep.Ports = append(dep.Ports, runtime.PortMapping{
				HostPort:      p.Host,
				ContainerPort: p.Container,
				Protocol:      p.Protocol,
			})
		}
		for _, v := range doc.Volumes {
			dep.Volumes = append(dep.Volumes, runtime.VolumeMapping{
				HostPath:      v.HostPath,
				ContainerPath: v.ContainerPath,
				ReadOnly:      v.ReadOnly,
			})
		}
		if doc.Health != nil {
			dep.Health = &sandbox.HealthCheck{
				Test:        doc.Health.Test,
				Interval:    time.Duration(doc.Health.IntervalSec) * time.Second,
				Timeout:     time.Duration(doc.Health.TimeoutSec) * time.Second,
				StartPeriod: time.Duration(doc.Health.StartPeriodSec) * time.Second,
				Retries:     doc.Health.Retries,
			}
		}
		deps = append(deps, dep)
	}
	return deps, nil
}

// ServeStdio starts the server on stdio
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server on stdio")
	return server.ServeStdio(s.mcpServer)
}

// ServeHTTP starts the server on HTTP
func (s *MCPServer) ServeHTTP() error {
	port := s.config.Server.HTTPPort
	s.logger.Info("starting MCP server on HTTP", zap.Int("port", port))

	httpServer := server.NewStreamableHTTPServer(s.mcpServer)
	return httpServer.Start(fmt.Sprintf(":%d", port))
}

// GetMCPServer returns the underlying MCP server for fx
func (s *MCPServer) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}
