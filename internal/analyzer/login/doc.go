// Package login implements a shallow line-oriented analyzer for interactive
// login sessions. It reconstructs lines per direction from stream bytes and
// tracks an authentication dialog through authenticate, logged-in, skip and
// confused states, reporting observations through a callback.
package login
