// Package httpserver exposes the queue operations over a JSON HTTP API.
//
// Routes live under /v1/queues/{queue}: messages (add), claim, renew,
// complete, purge and stats, plus /v1/healthz. A drained claim answers 204;
// an unknown or expired lease token answers 409.
package httpserver
