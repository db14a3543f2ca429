// Package server hosts the videovault JSON API behind a single HTTP server.
//
// The server builds a consistent middleware chain of request IDs, CORS,
// security headers, rate limiting, audit, and access logging so handlers all
// share common protections and instrumentation. Authentication and
// authorization are applied per route rather than by a single prefix-matching
// middleware, since routes differ in whether they require auth at all, accept
// it optionally, or require a minimum role.
package server
