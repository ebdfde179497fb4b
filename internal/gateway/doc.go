// Package gateway wires the line source, framer, normalizer and sinks into
// the ingestion loop.
//
// Failures are isolated by scope. A bad line or block is dropped, a failing
// sink only fails its own Result, and a failed transport is closed and
// reopened after a fixed delay. Nothing here retries a sink.
package gateway
