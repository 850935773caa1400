// Package rviewer implements a local HTTP relay between a running R
// interpreter and a data viewer panel.
//
// # Overview
//
// The relay bridges two programs that cannot talk to each other directly:
// an R session (the peer) that holds the data frames, and a viewer panel
// (a webview UI) that wants to display them. Everything runs on loopback;
// the relay owns the protocol, the data model, and the fan-out.
//
// Two independent data paths cross the relay:
//
// Push path - R initiates:
//   - R calls REView(df), which POSTs a column-oriented payload to /review
//   - the relay normalizes it into an immutable row-oriented Snapshot
//   - the snapshot is dispatched to every registered panel sink
//
// Pull path - the viewer initiates:
//   - the viewer asks "list data frames" or "get data frame"
//   - the relay parks the request with a correlation id
//   - the R peer polls GET /pending, computes the answer in-process, and
//     POSTs it back to /respond/{id}
//   - the parked caller wakes with a typed result (frame list or snapshot)
//
// R never accepts inbound connections: the poll loop is what lets a plain
// single-threaded interpreter serve requests.
//
// # Architecture
//
//	┌──────────────┐   POST /review, /register,      ┌──────────────────┐
//	│   R session  │   /heartbeat, /respond/{id}     │   relay.Server   │
//	│    (peer)    ├────────────────────────────────►│  HTTP, loopback  │
//	│              │◄────────────────────────────────┤   port 8765      │
//	└──────────────┘   GET /pending (poll loop)      └───────┬──────────┘
//	                                                         │
//	                              ┌──────────────────────────┼───────────┐
//	                              ↓                          ↓           │
//	                      ┌───────────────┐          ┌──────────────┐    │
//	                      │session.Registry│         │ correlate.   │    │
//	                      │ attach/liveness│         │ Correlator   │    │
//	                      └───────────────┘          └──────────────┘    │
//	                                                                     ↓
//	                                                          ┌──────────────────┐
//	                                                          │ sink.Dispatcher  │
//	                                                          │ drop-oldest queue│
//	                                                          └───┬──────────┬───┘
//	                                                              ↓          ↓
//	                                                       ┌──────────┐ ┌─────────────┐
//	                                                       │ LogSink  │ │wspanel.Sink │
//	                                                       └──────────┘ │ ws://:8766  │
//	                                                                    └──────┬──────┘
//	                                                                           ↓
//	                                                                     panel clients
//
// The viewer-facing pull API (GET /api/frames, GET /api/frames/{name}) rides
// the same relay listener and blocks on the correlator until the peer
// responds or the request window expires.
//
// # Packages
//
// Protocol and state:
//   - relay: the peer-facing HTTP server (listener with port retry, handlers,
//     CORS, error-to-status mapping)
//   - session: single-peer registration and heartbeat liveness
//   - correlate: request/response correlation for the pull path
//   - table: the data model (Cell, Column, Snapshot) and the payload
//     normalizer - the only package that knows R's type-tag and NA conventions
//
// Fan-out:
//   - sink: Sink interface, non-blocking Dispatcher, log sink
//   - sink/wspanel: websocket broadcast sink for the viewer panel
//
// Infrastructure:
//   - component: lifecycle contract shared by the long-running pieces
//   - config: viper-backed configuration (defaults, file, env, validation)
//   - errors: classified error handling (Transient/Invalid/Fatal)
//   - health: component health statuses and aggregation
//   - metric: Prometheus metrics and the ops HTTP server
//   - pkg/timestamp: canonical epoch-millisecond helpers
//
// # Usage
//
// The rviewd binary composes everything; embedding the relay in another
// process follows the same constructor-injection shape:
//
//	sessions := session.NewRegistry(session.ConstructorConfig{
//	    LivenessTimeout: 60 * time.Second,
//	})
//	correlator := correlate.NewCorrelator(correlate.ConstructorConfig{
//	    Attached:       sessions.IsAttached,
//	    RequestTimeout: 30 * time.Second,
//	})
//	dispatcher := sink.NewDispatcher(sink.ConstructorConfig{QueueCapacity: 64})
//	dispatcher.AddSink(sink.NewLogSink(logger))
//
//	server, err := relay.NewServer(relay.ConstructorConfig{
//	    Host:       "127.0.0.1",
//	    Port:       8765,
//	    Sessions:   sessions,
//	    Correlator: correlator,
//	    Publisher:  dispatcher,
//	})
//
// Components share a lifecycle: Initialize, Start(ctx), Stop(timeout). The
// relay binds its listener synchronously in Start, so Port() is valid as soon
// as Start returns - tests bind port 0 and read the port back.
//
// # Design notes
//
// Single peer, explicit state:
//   - exactly one R session is tracked; a new registration replaces the old
//   - attachment is derived from the last heartbeat, never stored
//   - polling /pending extends liveness implicitly
//
// Fire-and-forget fan-out:
//   - Publish never blocks the relay; the dispatcher queue drops oldest
//     under backpressure (a stale preview is worthless once a newer exists)
//   - slow websocket clients lose frames, not their connection
//
// Survive any input:
//   - /review bodies are size-capped before parsing
//   - malformed payloads map to 400 with the failure message; the listener
//     never dies on peer input
//   - timeouts are the only retirement path without an explicit response;
//     a late /respond/{id} is a reported no-op, never a double-fulfill
//
// # Binary
//
// Build and run the relay daemon:
//
//	go build -o bin/rviewd ./cmd/rviewd
//
//	# defaults: relay on 127.0.0.1:8765, panel websocket on 8766, metrics on 9090
//	./bin/rviewd
//
//	# validate a config file without starting
//	./bin/rviewd --config rviewer.yaml --validate
//
// Configuration comes from defaults, then an optional rviewer.yaml, then
// RVIEWER_* environment variables, then flags.
package rviewer
