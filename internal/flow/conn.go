package flow

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/gopacket"

	"github.com/SatadalSengupta/zeek-fractal/internal/analyzer"
	"github.com/SatadalSengupta/zeek-fractal/internal/pia"
)

// Proto is the transport protocol of a connection.
type Proto string

const (
	ProtoTCP Proto = "tcp"
	ProtoUDP Proto = "udp"
)

// Key identifies a connection as seen from the originator side.
type Key struct {
	Proto     Proto
	Network   gopacket.Flow
	Transport gopacket.Flow
}

// Reverse returns the same connection keyed from the responder side.
func (k Key) Reverse() Key {
	return Key{
		Proto:     k.Proto,
		Network:   k.Network.Reverse(),
		Transport: k.Transport.Reverse(),
	}
}

// String renders the key for logging and the monitoring API.
func (k Key) String() string {
	return fmt.Sprintf("%s %s:%s -> %s:%s",
		k.Proto,
		k.Network.Src(), k.Transport.Src(),
		k.Network.Dst(), k.Transport.Dst(),
	)
}

// Conn is one tracked connection: an analyzer tree whose first child is the
// identification demultiplexer. The originator is whichever endpoint sent
// the first observed packet.
//
// The analyzer tree and the demultiplexer stores carry no synchronization
// of their own; the connection is their single owning context. mu is held
// across every delivery, activation, teardown and snapshot so that the
// capture, reassembly, expiry and monitoring goroutines never touch them
// concurrently.
type Conn struct {
	Key       Key
	StartTime time.Time

	analyzer.Node

	registry *analyzer.Registry
	logger   *slog.Logger

	demuxUDP *pia.UDP
	demuxTCP *pia.TCP

	lastActivity time.Time
	packetCount  uint64
	seenOrig     bool
	seenResp     bool
	closedOrig   bool
	closedResp   bool
	closed       bool

	mu sync.Mutex
}

// NewAnalyzer resolves a protocol tag through the shared registry.
// Implements pia.Connection.
func (c *Conn) NewAnalyzer(tag analyzer.Tag) (analyzer.Analyzer, error) {
	return c.registry.New(tag)
}

// HandlePacket delivers one packet to every analyzer attached to the
// connection, seeding the stream demultiplexer's per-direction matcher on
// the first packet of each direction. Packets arriving after teardown are
// dropped.
func (c *Conn) HandlePacket(payload []byte, isOrig bool, seq uint64, hdr *analyzer.PacketHeader, capLen int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.lastActivity = time.Now()
	c.packetCount++
	seen := &c.seenResp
	if isOrig {
		seen = &c.seenOrig
	}
	first := !*seen
	*seen = true

	if first && c.demuxTCP != nil {
		if err := c.demuxTCP.FirstPacket(isOrig, hdr); err != nil {
			c.logger.Error("First-packet seeding rejected",
				slog.String("conn", c.Key.String()),
				slog.String("error", err.Error()),
			)
		}
	}

	c.ForwardPacket(payload, isOrig, seq, hdr, capLen)
}

// HandleStream delivers reassembled, in-order stream bytes to the tree.
func (c *Conn) HandleStream(data []byte, isOrig bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.lastActivity = time.Now()

	c.ForwardStream(data, isOrig)
}

// HandleGap reports a reassembly gap to the tree.
func (c *Conn) HandleGap(seq uint64, length int, isOrig bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.lastActivity = time.Now()

	c.ForwardUndelivered(seq, length, isOrig)
}

// ActivateByPort performs an externally directed activation (no firing
// rule) for connections on well-known ports.
func (c *Conn) ActivateByPort(tag analyzer.Tag) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	switch {
	case c.demuxTCP != nil:
		c.demuxTCP.ActivateAnalyzer(tag, nil)
	case c.demuxUDP != nil:
		c.demuxUDP.ActivateAnalyzer(tag, nil)
	}
}

// Teardown destroys the analyzer tree, unconditionally flushing and
// freeing the demultiplexer's chunk stores regardless of phase. It
// serializes against in-flight deliveries and is idempotent.
func (c *Conn) Teardown() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	c.DoneAll()
}

// halfClosed records the end of one direction's byte stream. Once both
// directions have finished the analyzer tree is torn down early instead
// of waiting for the idle-expiry sweep.
func (c *Conn) halfClosed(isOrig bool) {
	c.mu.Lock()
	if isOrig {
		c.closedOrig = true
	} else {
		c.closedResp = true
	}
	done := c.closedOrig && c.closedResp
	c.mu.Unlock()

	if done {
		c.Teardown()
	}
}

// Closed reports whether the connection has been torn down.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// LastActivity returns the last time data arrived on the connection.
func (c *Conn) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// Info returns a monitoring snapshot of the connection. The demultiplexer
// accessors read unsynchronized store state, so the snapshot is taken
// under the same lock that serializes deliveries.
func (c *Conn) Info() ConnInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	info := ConnInfo{
		Key:          c.Key.String(),
		Proto:        string(c.Key.Proto),
		StartTime:    c.StartTime,
		LastActivity: c.lastActivity,
		Packets:      c.packetCount,
	}

	switch {
	case c.demuxTCP != nil:
		info.ActiveTag = c.demuxTCP.ActiveTag().String()
		info.PacketPhase = c.demuxTCP.PacketState().String()
		info.StreamPhase = c.demuxTCP.StreamState().String()
		info.BufferedBytes = c.demuxTCP.BufferedBytes() + c.demuxTCP.StreamBufferedBytes()
	case c.demuxUDP != nil:
		info.ActiveTag = c.demuxUDP.ActiveTag().String()
		info.PacketPhase = c.demuxUDP.PacketState().String()
		info.BufferedBytes = c.demuxUDP.BufferedBytes()
	}
	return info
}

// ConnInfo is the monitoring view of one connection.
type ConnInfo struct {
	Key           string    `json:"key"`
	Proto         string    `json:"proto"`
	StartTime     time.Time `json:"start_time"`
	LastActivity  time.Time `json:"last_activity"`
	Packets       uint64    `json:"packets"`
	ActiveTag     string    `json:"active_tag,omitempty"`
	PacketPhase   string    `json:"packet_phase,omitempty"`
	StreamPhase   string    `json:"stream_phase,omitempty"`
	BufferedBytes int       `json:"buffered_bytes"`
}
