// Package lilac is an event-driven agent orchestration platform.
//
// External surfaces (chat platforms, source-control webhooks) deliver user
// requests onto a durable Redis Streams bus; worker services consume them,
// run agent computations, and stream output back to the originating surface.
//
// # Architecture
//
// The platform is organized around a small set of packages:
//
//   - bus — connection pool and raw Streams transport: publish, fetch, and
//     tail/work/fanout subscriptions
//   - event — typed envelope layer: event registry, topic/key derivation,
//     discriminated delivery
//   - requestcache — request-scoped message cache fed from the command topic
//   - githubauth — installation-token minter with coalesced refresh
//   - webhook — GitHub webhook ingress and the mid-review preemption state
//     machine
//   - worker — request consumer that runs agents and streams output
//   - relay — per-request output stream → surface delivery
//
// # Core Contracts
//
// The root package defines the contracts the platform components share:
//
//   - [Agent] — the unit of agent computation a worker runs
//   - [Surface] — a chat/source-control platform adapter
//   - [OutputStream] — incremental delivery of agent output to a surface
//   - [Store] — transcript persistence (store/sqlite, store/postgres)
//   - [ChatMessage], [OutputFragment] — the message and output shapes that
//     travel over the bus
//
// See cmd/lilac for the service entrypoint that wires ingress, worker, and
// relay together.
package lilac
