// Package metrics exposes engine telemetry as prometheus metrics. Metrics
// registers against an injected registry so tests can assert on collector
// state without touching process-global registries.
package metrics
