// Package flow tracks live connections and owns their analyzer trees.
// Each connection carries exactly one identification demultiplexer while
// its protocol is unknown; the manager handles connection lookup by
// five-tuple, direction assignment, well-known-port activation, idle
// expiry, and the glue between TCP reassembly output and stream delivery.
package flow
