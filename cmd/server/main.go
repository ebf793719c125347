package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/isdmx/runbox/config"
	"github.com/isdmx/runbox/logger"
	"github.com/isdmx/runbox/mcpserver"
	"github.com/isdmx/runbox/metrics"
	"github.com/isdmx/runbox/runtime"
	"github.com/isdmx/runbox/sandbox"
)

func newRuntimeClient(log *zap.Logger) (runtime.Client, error) {
	return runtime.NewDockerClient(logger.Component(log, "runtime"))
}

func newMetrics() *metrics.Metrics {
	return metrics.New(prometheus.NewRegistry())
}

func newImageBuilder(cfg *config.Config, log *zap.Logger, rt runtime.Client) *sandbox.ImageBuilder {
	return sandbox.NewImageBuilder(logger.Component(log, "builder"), rt, cfg.Recipes(), cfg.Engine.BaseDir)
}

func newEngine(cfg *config.Config, log *zap.Logger, rt runtime.Client, store *sandbox.Store, builder *sandbox.ImageBuilder, m *metrics.Metrics) *sandbox.Engine {
	return sandbox.NewEngine(
		logger.Component(log, "engine"),
		rt, store, builder,
		cfg.Engine.BaseDir,
		sandbox.WithRecorder(m),
	)
}

func newMonitor(cfg *config.Config, log *zap.Logger, engine *sandbox.Engine) *sandbox.Monitor {
	return sandbox.NewMonitor(
		logger.Component(log, "monitor"),
		engine,
		cfg.MonitorInterval(),
		sandbox.WithLimitStrikes(cfg.Engine.LimitStrikes),
	)
}

func newReaper(cfg *config.Config, log *zap.Logger, engine *sandbox.Engine) *sandbox.Reaper {
	return sandbox.NewReaper(logger.Component(log, "reaper"), engine, cfg.ReapInterval())
}

func newSessionManager(cfg *config.Config, log *zap.Logger, rt runtime.Client, store *sandbox.Store) *sandbox.SessionManager {
	return sandbox.NewSessionManager(
		logger.Component(log, "session"),
		rt, store,
		sandbox.WithFrameBytes(cfg.Engine.SessionFrameBytes),
	)
}

func newMCPServer(cfg *config.Config, log *zap.Logger, engine *sandbox.Engine) (*mcpserver.MCPServer, error) {
	return mcpserver.New(cfg, log, engine)
}

// newOpsServer serves metrics, the health probe and the interactive
// session websocket on the metrics port.
func newOpsServer(cfg *config.Config, log *zap.Logger, engine *sandbox.Engine, sessions *sandbox.SessionManager, m *metrics.Metrics) *http.Server {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  cfg.Engine.SessionFrameBytes,
		WriteBufferSize: cfg.Engine.SessionFrameBytes,
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := engine.Healthy(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/sessions/", func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Path[len("/sessions/"):]
		if id == "" {
			http.Error(w, "missing execution id", http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		transport := sandbox.NewWSTransport(conn)
		if _, err := sessions.Attach(r.Context(), id, transport); err != nil {
			log.Warn("session attach failed", zap.String("execution_id", id), zap.Error(err))
			transport.Close()
			return
		}
	})

	return &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.MetricsPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func main() {
	app := fx.New(
		// Provide dependencies
		fx.Provide(
			// Config
			config.New,

			// Logger with configuration
			logger.NewFromConfig,

			// Container runtime
			newRuntimeClient,

			// Execution engine and its collaborators
			newMetrics,
			sandbox.NewStore,
			newImageBuilder,
			newEngine,
			newMonitor,
			newReaper,
			newSessionManager,

			// MCP Server
			newMCPServer,

			// Metrics, health and session endpoint
			newOpsServer,
		),

		// Background loops: monitor and reaper run for the life of the app
		fx.Invoke(
			func(lc fx.Lifecycle, monitor *sandbox.Monitor, reaper *sandbox.Reaper) {
				loopCtx, cancel := context.WithCancel(context.Background())
				lc.Append(fx.Hook{
					OnStart: func(context.Context) error {
						go monitor.Run(loopCtx)
						go reaper.Run(loopCtx)
						return nil
					},
					OnStop: func(context.Context) error {
						cancel()
						return nil
					},
				})
			},
		),

		// Ops HTTP server
		fx.Invoke(
			func(lc fx.Lifecycle, log *zap.Logger, ops *http.Server) {
				lc.Append(fx.Hook{
					OnStart: func(context.Context) error {
						go func() {
							if err := ops.ListenAndServe(); err != nil && err != http.ErrServerClosed {
								log.Error("ops server failed", zap.Error(err))
							}
						}()
						return nil
					},
					OnStop: func(ctx context.Context) error {
						return ops.Shutdown(ctx)
					},
				})
			},
		),

		// Start the appropriate transport based on config
		fx.Invoke(
			func(cfg *config.Config, server *mcpserver.MCPServer) {
				switch cfg.Server.Transport {
				case "stdio":
					// Use fx to run this as a background task
					go func() {
						if err := server.ServeStdio(); err != nil {
							panic(err)
						}
					}()
				case "http":
					go func() {
						if err := server.ServeHTTP(); err != nil {
							panic(err)
						}
					}()
				default:
					panic("unsupported transport: " + cfg.Server.Transport)
				}
			},
		),

		// Use the application logger for fx logs
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)

	// Start the application
	app.Run()
}
