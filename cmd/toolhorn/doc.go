// Command toolhorn runs the Toolhorn stdio tool server.
//
// Toolhorn speaks JSON-RPC over stdin/stdout, tracks the lifecycle of every
// in-flight tool call, streams progress notifications back to the client, and
// ships structured telemetry to a collector endpoint in batches.
//
// Install:
//
//	go install github.com/nuetzliches/toolhorn/cmd/toolhorn@latest
//
// Usage:
//
//	toolhorn serve --config ./toolhorn.conf --watch
package main
