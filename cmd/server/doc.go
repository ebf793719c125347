// Package main is the entry point for the Runbox MCP server.
//
// The Runbox server implements a secure, configurable Model Context Protocol
// (MCP) server that executes untrusted user code (Python, Node.js, Go, C++)
// in isolated container sandboxes. Each execution gets its own image,
// network and working directory; service containers declared by the request
// are started in dependency order before the code runs. The server supports
// both stdio and HTTP transports and exposes metrics, a health probe and an
// interactive session websocket on a separate port.
//
// The application uses Uber's fx framework for dependency injection and
// lifecycle management, with zap for structured logging and viper for
// configuration.
package main
