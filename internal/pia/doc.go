// Package pia implements the protocol identification layer that sits
// between raw packet delivery and protocol-specific analyzers. While a
// connection's protocol is unknown, a demultiplexer buffers every delivered
// chunk and feeds it to the signature engine; when a signature fires, the
// matching analyzer is attached to the connection and the buffered history
// is replayed into it so it observes the connection from its true start.
package pia
