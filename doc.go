// Package zeus is the core of an asynchronous agent task engine.
//
// The root package defines the shared vocabulary: LLM protocol types,
// the Provider and Tool abstractions, the task queue contract, and the
// Orchestrator that drives the tool-calling loop with tiered model
// fallback. Concrete backends live in subpackages: provider/openrouter
// for OpenAI-compatible APIs, queue/sqlite and queue/postgres for task
// persistence, sandbox for Docker-backed execution environments, hub
// for websocket fan-out, and worker for the background pool.
package zeus
