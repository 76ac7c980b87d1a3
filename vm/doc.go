// Package vm implements the concurrent execution core of the Primordial
// Soup runtime.
//
// This package contains:
//   - Assertion-instrumented Mutex and Monitor primitives
//   - A thread layer with named entry points and thread-local storage
//   - Ports and owned message envelopes
//   - Per-isolate message loops (portable and epoll-based strategies)
//   - A bounded worker pool for isolate interpretation
//   - The isolate lifecycle and process-wide registry
//
// Isolates own private heaps and communicate only by asynchronous message
// passing through ports. The bytecode interpreter and the object heap are
// external collaborators behind the Interpreter and Heap interfaces.
package vm
