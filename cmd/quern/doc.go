// Command quern runs the Quern queue engine.
//
// Quern hosts durable queues with exclusive time-bounded claims, bounded
// retry with backoff, dead-lettering, deduplication, and per-handler
// circuit breaking, and serves Prometheus metrics while it runs.
//
// Install:
//
//	go install github.com/quernmq/quern/cmd/quern@latest
//
// Usage:
//
//	quern serve --config ./config.yaml
package main
