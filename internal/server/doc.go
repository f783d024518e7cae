// Package server hosts the Fiber HTTP service that fronts the storefront API.
// It owns the middleware chain (panic recovery, request ids) and the catch-all
// route that hands storefront traffic to the proxy handler; control and
// diagnostics endpoints under /-/ live in the routes subpackage.
package server
