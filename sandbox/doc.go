// Package sandbox implements the container-based code execution engine.
//
// An execution runs untrusted source code inside a freshly built container
// image, on an isolated per-execution network, next to any declared
// dependency service containers (databases, caches, ...). The engine owns
// the full lifecycle: validation, image build, dependency-ordered startup,
// timed execution, result capture, and idempotent cleanup. Two background
// loops accompany it: a Monitor that watches running executions for crashes
// and resource-limit breaches, and a Reaper that purges executions past
// their retention window.
//
// All interaction with the container runtime goes through the narrow
// runtime.Client interface so the engine can be tested against a fake.
//
// Usage:
//
//	engine := sandbox.NewEngine(logger, rt, store, builder, baseDir)
//	result, err := engine.Run(ctx, sandbox.RunRequest{
//	    Source: []byte("print('hi')"),
//	    Config: cfg.WithLanguage("python"),
//	})
package sandbox
