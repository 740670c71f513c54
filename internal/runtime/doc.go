/*
Package runtime implements the verdant bridge between a synchronous caller
and the asynchronous service core.

# Architecture Overview

A Service owns two one-way channels built on a Watermill in-memory pub/sub:

	caller --Submit--> inbox --command pump--> verdant.commands --router--> core
	core --> verdant.events --event pump--> outbox --TryRecv--> caller

Submit validates a Command and appends it to an unbounded inbox. A single
command pump publishes the inbox in order; publishing blocks until the core
has acked the previous command, so commands are handled strictly one after
another. The core runs as a Watermill router handler and returns the events a
command produced. The event pump moves those events into the outbox, which
TryRecv pops without ever waiting.

## Runtime (executor.go)

A Runtime owns the root context and an errgroup that bounds concurrent tasks.
Spawn never blocks. A Service either creates and owns its runtime or borrows
one supplied by the caller, and only closes the runtime it owns.

## Core (core.go)

The core keeps the registry of known servers and the discovery listener.
Protocol failures such as a rejected login or an unreachable server become
events; they never fail the core.

## Middleware (middleware.go)

The default chain, outermost first:
  - correlation_id: stamps a correlation id on commands and their events
  - log_messages: logs command metadata, never payloads
  - tracer: OpenTelemetry span per command
  - metrics: Watermill Prometheus router metrics when enabled
  - error_events: converts handler errors into EventError
  - recoverer: converts panics into handler errors

Commands are never retried.

## Metrics (metrics.go)

Bridge collectors live under the verdant_bridge namespace and are shared by
every Service on a Runtime.

# Lifecycle

	Initializing -> Running -> ShuttingDown -> Terminated

Close closes the inbox first, discarding queued commands, then cancels the
service context which aborts in-flight requests, waits for the router and the
pumps within Config.ShutdownTimeout, and finally closes the transport and an
owned runtime.
*/
package runtime
