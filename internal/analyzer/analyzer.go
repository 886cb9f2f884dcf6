package analyzer

import (
	"fmt"

	"github.com/google/gopacket"
)

// Tag is an opaque identifier naming an analyzer type. It is resolved to a
// concrete analyzer through a Registry and never interpreted beyond equality.
type Tag string

// String returns the tag value for logging.
func (t Tag) String() string {
	return string(t)
}

// PacketHeader carries the parsed capture metadata associated with one
// delivered packet. It is copied when a packet is buffered so the metadata
// survives until replay.
type PacketHeader struct {
	CaptureInfo gopacket.CaptureInfo
	Network     gopacket.Flow
	Transport   gopacket.Flow
}

// Clone returns an owned copy of the header, or nil for a nil receiver.
func (h *PacketHeader) Clone() *PacketHeader {
	if h == nil {
		return nil
	}
	c := *h
	return &c
}

// Analyzer is the ingestion contract for every protocol analyzer attached to
// a connection, including the identification demultiplexers themselves.
//
// DeliverPacket hands over one datagram or TCP segment payload as captured.
// DeliverStream hands over reassembled, in-order stream bytes.
// Undelivered reports a gap of length bytes in the reassembled stream.
// Done signals connection teardown; it must release all held resources and
// is safe to call more than once.
type Analyzer interface {
	Init()
	DeliverPacket(data []byte, isOrig bool, seq uint64, hdr *PacketHeader, capLen int)
	DeliverStream(data []byte, isOrig bool)
	Undelivered(seq uint64, length int, isOrig bool)
	Done()
}

// Tagged is implemented by analyzers that know the tag they were
// instantiated for. Connections use it to detach children by tag.
type Tagged interface {
	Tag() Tag
}

// Base provides no-op defaults for the Analyzer entry points a concrete
// analyzer does not care about. Embed it and override what is needed.
type Base struct {
	AnalyzerTag Tag
}

// Tag returns the tag the analyzer was instantiated for.
func (b *Base) Tag() Tag { return b.AnalyzerTag }

// Init does nothing by default.
func (b *Base) Init() {}

// DeliverPacket does nothing by default.
func (b *Base) DeliverPacket(data []byte, isOrig bool, seq uint64, hdr *PacketHeader, capLen int) {}

// DeliverStream does nothing by default.
func (b *Base) DeliverStream(data []byte, isOrig bool) {}

// Undelivered does nothing by default.
func (b *Base) Undelivered(seq uint64, length int, isOrig bool) {}

// Done does nothing by default.
func (b *Base) Done() {}

// Node manages an ordered list of child analyzers. Connections embed it to
// form the analyzer tree; order is attachment order.
type Node struct {
	children []Analyzer
}

// AddChild attaches a child analyzer and initializes it.
func (n *Node) AddChild(a Analyzer) {
	a.Init()
	n.children = append(n.children, a)
}

// RemoveChild detaches the first child carrying tag and calls its Done.
// It reports whether a child was removed.
func (n *Node) RemoveChild(tag Tag) bool {
	for i, c := range n.children {
		tc, ok := c.(Tagged)
		if !ok || tc.Tag() != tag {
			continue
		}
		c.Done()
		n.children = append(n.children[:i], n.children[i+1:]...)
		return true
	}
	return false
}

// Children returns the current child list. The returned slice must not be
// mutated by the caller.
func (n *Node) Children() []Analyzer {
	return n.children
}

// ForwardPacket delivers a packet to every child.
func (n *Node) ForwardPacket(data []byte, isOrig bool, seq uint64, hdr *PacketHeader, capLen int) {
	for _, c := range n.children {
		c.DeliverPacket(data, isOrig, seq, hdr, capLen)
	}
}

// ForwardStream delivers stream bytes to every child.
func (n *Node) ForwardStream(data []byte, isOrig bool) {
	for _, c := range n.children {
		c.DeliverStream(data, isOrig)
	}
}

// ForwardUndelivered reports a stream gap to every child.
func (n *Node) ForwardUndelivered(seq uint64, length int, isOrig bool) {
	for _, c := range n.children {
		c.Undelivered(seq, length, isOrig)
	}
}

// DoneAll tears down every child and empties the list.
func (n *Node) DoneAll() {
	for _, c := range n.children {
		c.Done()
	}
	n.children = nil
}

// ErrUnknownTag is returned when a tag has no registered factory.
var ErrUnknownTag = fmt.Errorf("unknown analyzer tag")
