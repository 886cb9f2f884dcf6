// Package analyzer defines the protocol analyzer contract shared by the
// identification layer and concrete protocol analyzers. It provides the
// ingestion interface every analyzer implements, the opaque protocol tag,
// the captured-packet header metadata carried alongside buffered data,
// and a factory registry resolving tags to analyzer constructors.
package analyzer
