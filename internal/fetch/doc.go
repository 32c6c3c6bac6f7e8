// Package fetch retrieves remote configuration documents over HTTP with
// bounded exponential backoff. Rate-limited (429) and server-side (5xx)
// failures are retried, other client errors fail immediately.
package fetch
