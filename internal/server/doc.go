// Package server hosts the Fiber HTTP service and request middleware chain
// that wires layer requests into the gateway handler. It bootstraps Fiber,
// attaches request-ID and recover middlewares, and exposes router
// constructors that other packages (main, gateway) can reuse. Diagnostic
// surfaces live under internal/server/routes, so keep exports narrow and
// accept explicit dependencies.
package server
