// Package server provides the HTTP monitoring API: health checks, flow
// table snapshots, configuration introspection and Prometheus metrics.
package server
