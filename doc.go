// Package mapeflow is a reactive substrate for self-adaptive systems built as
// MAPE-K loops: Monitor, Analyze, Plan and Execute elements sharing a
// Knowledge store.
//
// # Layout
//
// The module is organised bottom-up:
//
//   - item: the values flowing through loops (Message, MethodCall) and the
//     wire codecs shared by every bridge
//   - stream: a minimal push-based observable with the operators loops need
//   - mape: elements, loops, levels and the application that addresses them
//     by "loop.element" paths
//   - knowledge: the Redis-backed Knowledge with typed collections, locks and
//     keyspace notifications
//   - bridge/pubsub, gateway/http, output/httppost, output/file, input/udp:
//     ways in and out of a process
//   - engine: the runtime that owns the event loop, the store client, the
//     transports and the gateway
//
// # Threading
//
// Every element handler runs on a single event loop goroutine
// (pkg/eventloop). Bridges receive on their own goroutines and hand signals
// to the loop through a stream.Scheduler, so handlers never need locks of
// their own. Asynchronous handlers get a context and emit back through the
// same scheduler.
//
// # Examples
//
// examples/ambulance, examples/highway and examples/speedenforcement are
// complete applications; cmd/mapeflow runs any of them.
package mapeflow
