// Package server wraps the transcode supervisor's api.Handler in a
// single http.Server: request-id propagation, structured request
// logging, a global rate limiter, security headers, and metrics
// instrumentation, all ahead of the routed mux. There is no viewer
// proxy, static asset embedding, or auth layer here — the admin API
// has neither browsers nor accounts in front of it.
package server
