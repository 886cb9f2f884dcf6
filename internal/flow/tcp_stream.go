package flow

import (
	"github.com/google/gopacket"
	"github.com/google/gopacket/tcpassembly"
)

// StreamFactory builds one half-connection stream per direction for the
// TCP reassembler and routes its in-order bytes into the owning connection.
type StreamFactory struct {
	manager *Manager
}

// NewStreamFactory creates a factory bound to the given flow manager.
func NewStreamFactory(m *Manager) *StreamFactory {
	return &StreamFactory{manager: m}
}

// New implements tcpassembly.StreamFactory. The reassembler calls it once
// per half-connection, so orientation is fixed at creation time.
func (f *StreamFactory) New(network, transport gopacket.Flow) tcpassembly.Stream {
	conn, isOrig := f.manager.GetOrCreate(ProtoTCP, network, transport)
	return &halfStream{conn: conn, isOrig: isOrig}
}

// halfStream receives reassembled bytes for one direction of a connection.
type halfStream struct {
	conn   *Conn
	isOrig bool
	closed bool
}

// Reassembled implements tcpassembly.Stream. A positive Skip marks bytes
// the reassembler gave up waiting for; those become an undelivered gap,
// never payload.
func (s *halfStream) Reassembled(segments []tcpassembly.Reassembly) {
	if s.conn == nil {
		return
	}
	for _, seg := range segments {
		if seg.Skip > 0 {
			// The reassembler does not report where the missing bytes
			// sat in sequence space; downstream consumers track their
			// own per-direction offsets.
			s.conn.HandleGap(0, seg.Skip, s.isOrig)
		}
		if len(seg.Bytes) > 0 {
			s.conn.HandleStream(seg.Bytes, s.isOrig)
		}
	}
}

// ReassemblyComplete implements tcpassembly.Stream.
func (s *halfStream) ReassemblyComplete() {
	if s.conn == nil || s.closed {
		return
	}
	s.closed = true
	s.conn.halfClosed(s.isOrig)
}
