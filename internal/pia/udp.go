package pia

import (
	"log/slog"

	"github.com/SatadalSengupta/zeek-fractal/internal/analyzer"
	"github.com/SatadalSengupta/zeek-fractal/internal/sig"
)

// TagUDP identifies the packet-oriented demultiplexer in an analyzer tree.
const TagUDP analyzer.Tag = "pia-udp"

// UDP is the packet-oriented demultiplexer: every datagram is an
// independent, complete matching unit.
type UDP struct {
	core
}

// NewUDP creates a packet-oriented demultiplexer for one connection.
func NewUDP(conn Connection, cfg Config) *UDP {
	return &UDP{core: newCore(conn, cfg)}
}

// Tag returns the demultiplexer's own tree tag.
func (u *UDP) Tag() analyzer.Tag { return TagUDP }

// Init implements analyzer.Analyzer.
func (u *UDP) Init() {}

// DeliverPacket buffers and matches one datagram. clearState is always set:
// datagrams carry no cross-packet pattern continuation.
func (u *UDP) DeliverPacket(data []byte, isOrig bool, seq uint64, hdr *analyzer.PacketHeader, capLen int) {
	u.deliverPacket(u, data, isOrig, seq, hdr, capLen, true)
}

// DeliverStream is not meaningful for packet-granular connections.
func (u *UDP) DeliverStream(data []byte, isOrig bool) {}

// Undelivered is not meaningful for packet-granular connections.
func (u *UDP) Undelivered(seq uint64, length int, isOrig bool) {}

// Done tears down the demultiplexer, releasing the chunk store.
func (u *UDP) Done() {
	u.finish()
}

// ActivateAnalyzer attaches a child analyzer for tag and replays the packet
// buffer into it before any further live data can reach it. The first
// successful activation wins; later requests within the same window are
// ignored. Unknown tags are logged and ignored, leaving phase and buffer
// untouched.
func (u *UDP) ActivateAnalyzer(tag analyzer.Tag, rule *sig.Rule) {
	if u.pktBuffer.state == StateSkipping {
		return
	}

	a, err := u.conn.NewAnalyzer(tag)
	if err != nil {
		u.metrics.RecordUnknownTag()
		u.logger.Warn("Ignoring activation for unknown analyzer tag",
			slog.String("tag", tag.String()),
			slog.String("error", err.Error()),
		)
		return
	}

	u.conn.AddChild(a)
	u.activeTag = tag
	u.replayPacketBuffer(a)
	u.finish()
	u.metrics.RecordActivation(tag.String())

	ruleID := ""
	if rule != nil {
		ruleID = rule.ID
	}
	u.logger.Info("Analyzer activated",
		slog.String("tag", tag.String()),
		slog.String("rule_id", ruleID),
	)
}

// DeactivateAnalyzer detaches a previously activated analyzer. Safe at any
// time, including mid-replay, in which case the replay stops and buffered
// memory for the cancelled path is released.
func (u *UDP) DeactivateAnalyzer(tag analyzer.Tag) {
	if u.replaying && tag == u.activeTag {
		u.replayCancel = true
	}
	if u.conn.RemoveChild(tag) {
		u.metrics.RecordDeactivation()
		u.logger.Info("Analyzer deactivated", slog.String("tag", tag.String()))
	}
	if tag == u.activeTag {
		u.activeTag = ""
		u.clearPacketBuffer()
	}
}
