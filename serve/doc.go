// Package serve provides the core of the inferflow inference-serving runtime.
//
// # Reading Guide
//
// Start with these three files to understand the request pipeline:
//   - request.go: RequestControl lifecycle (submitted → in-flight → completed) and fan-out
//   - cache.go: the batching caches feeding the consumer loop (dynamic and static)
//   - executor.go: the consumer loop bridging the cache to the engine pool
//
// # Architecture
//
// A user request enters through a Session, which wraps its units into a
// Package and hands them to the owning Executor's cache. A single consumer
// goroutine per executor pops batched packages and submits them to the first
// TaskNode of an idle Engine on the shared PriorityThreadPool. Each node runs
// its Processor under the processor's own lock and either forwards the
// package to the next node at a refined priority, or reports per-unit
// completion on the RequestControl.
//
// Executors are deduplicated per device by a configuration fingerprint and
// shared by every session created with the same fingerprint; the last
// session to unlink tears the executor down.
//
// # Key Interfaces
//
// The extension points are single-method or small interfaces:
//   - Processor: one pipeline stage (Process, TypeName, Fork)
//   - Observer: asynchronous per-unit result delivery
//   - DeviceContext: device validation and per-worker binding
//
// Model loading and caching live in the serve/model sub-package.
package serve
