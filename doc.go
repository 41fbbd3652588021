/*
Package quern documents the Quern module.

Quern is an embeddable message-queue engine: durable queues with exclusive
time-bounded claims, bounded retry with backoff, dead-lettering, per-group
ordering, deduplication, and per-handler circuit breaking. It ships the quern
command:

	go install github.com/quernmq/quern/cmd/quern@latest

Most implementation packages in this repository are internal and are not a
stable public Go API.
*/
package quern
