package pia

import (
	"log/slog"

	"github.com/SatadalSengupta/zeek-fractal/internal/analyzer"
	"github.com/SatadalSengupta/zeek-fractal/internal/metrics"
	"github.com/SatadalSengupta/zeek-fractal/internal/sig"
)

// DefaultMaxBufferedBytes is the conservative default for the per-store
// byte bound when the configuration does not set one.
const DefaultMaxBufferedBytes = 4096

// Connection is the slice of the owning connection a demultiplexer needs:
// resolving a protocol tag to a fresh analyzer and attaching or detaching
// children of the analyzer tree.
type Connection interface {
	NewAnalyzer(tag analyzer.Tag) (analyzer.Analyzer, error)
	AddChild(a analyzer.Analyzer)
	RemoveChild(tag analyzer.Tag) bool
}

// Config carries the collaborators and tunables shared by both
// demultiplexer specializations.
type Config struct {
	Engine *sig.Engine
	Logger *slog.Logger
	// MaxBufferedBytes bounds each chunk store; exceeding it transitions
	// Buffering to MatchingOnly. Zero selects DefaultMaxBufferedBytes.
	MaxBufferedBytes int
	Metrics          *metrics.Metrics
}

func (c Config) maxBuffered() int {
	if c.MaxBufferedBytes <= 0 {
		return DefaultMaxBufferedBytes
	}
	return c.MaxBufferedBytes
}

// core holds the buffering/matching state machine shared by the packet and
// stream specializations. The signature session state is an owned field;
// its lifetime is strictly tied to the demultiplexer's own.
type core struct {
	conn    Connection
	engine  *sig.Engine
	session *sig.SessionState
	logger  *slog.Logger
	metrics *metrics.Metrics

	maxBuffered int
	pktBuffer   chunkBuffer

	// current is a transient, non-owned reference to the chunk being
	// processed; valid only for the duration of one delivery call.
	current *DataBlock

	activeTag    analyzer.Tag
	replaying    bool
	replayCancel bool
}

func newCore(conn Connection, cfg Config) core {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := core{
		conn:        conn,
		engine:      cfg.Engine,
		logger:      logger,
		metrics:     cfg.Metrics,
		maxBuffered: cfg.maxBuffered(),
	}
	if cfg.Engine != nil {
		c.session = cfg.Engine.NewSession()
	}
	return c
}

// deliverPacket runs one packet-granular delivery through the packet-view
// store: copy while Buffering (subject to the byte bound), then match.
// Zero-length deliveries are no-ops and never advance phase or size.
func (p *core) deliverPacket(act sig.Activator, data []byte, isOrig bool, seq uint64, hdr *analyzer.PacketHeader, capLen int, clearState bool) {
	if len(data) == 0 {
		return
	}
	if p.pktBuffer.state == StateSkipping {
		return
	}
	if p.pktBuffer.state == StateInit {
		p.pktBuffer.state = StateBuffering
	}

	cur := DataBlock{Data: data, IsOrig: isOrig, Seq: seq, Header: hdr}
	p.current = &cur
	defer func() { p.current = nil }()

	if p.pktBuffer.state == StateBuffering {
		if p.pktBuffer.add(p.maxBuffered, seq, data, isOrig, hdr) {
			p.metrics.RecordChunkBuffered(len(data))
		} else {
			p.pktBuffer.state = StateMatchingOnly
			p.metrics.RecordBufferOverflow()
			p.logger.Debug("Identification buffer bound exceeded, matching only",
				slog.Int("buffered_bytes", p.pktBuffer.Size()),
				slog.Int("max_bytes", p.maxBuffered),
			)
		}
	}

	// Packets are matched as complete units with both line anchors set.
	p.doMatch(act, data, isOrig, true, true, clearState)
}

// doMatch invokes the signature engine over one chunk. The engine may,
// synchronously within this call, request activation zero or more times.
func (p *core) doMatch(act sig.Activator, data []byte, isOrig, bol, eol, clearState bool) {
	if p.engine == nil || len(data) == 0 {
		return
	}
	p.metrics.RecordMatchStep()
	p.engine.Match(p.session, sig.PatternPayload, data, isOrig, bol, eol, clearState, act)
}

// replayPacketBuffer delivers every buffered chunk, oldest first, through
// the analyzer's packet entry point, preserving direction, sequence and
// header metadata. When the store is in MatchingOnly the in-flight chunk
// was never copied, so it is delivered last from the transient reference.
func (p *core) replayPacketBuffer(a analyzer.Analyzer) {
	p.replaying = true
	p.replayCancel = false
	replayed := 0
	// Snapshot the block list: a synchronous deactivation may clear the
	// store while the replay is still walking it.
	blocks := p.pktBuffer.blocks
	for i := range blocks {
		if p.replayCancel {
			break
		}
		blk := &blocks[i]
		a.DeliverPacket(blk.Data, blk.IsOrig, blk.Seq, blk.Header, len(blk.Data))
		replayed += len(blk.Data)
	}
	if !p.replayCancel && p.pktBuffer.state == StateMatchingOnly && p.current != nil {
		a.DeliverPacket(p.current.Data, p.current.IsOrig, p.current.Seq, p.current.Header, len(p.current.Data))
		replayed += len(p.current.Data)
	}
	p.replaying = false
	p.metrics.RecordReplay(replayed)
}

// clearPacketBuffer releases the packet-view store.
func (p *core) clearPacketBuffer() {
	p.metrics.RecordStoreCleared(p.pktBuffer.Size())
	p.pktBuffer.clear()
}

// finish releases the packet-view store and ends buffering and matching.
// Safe to call repeatedly; teardown always succeeds.
func (p *core) finish() {
	p.clearPacketBuffer()
	p.pktBuffer.state = StateSkipping
}

// PacketState returns the packet-view store's phase.
func (p *core) PacketState() State {
	return p.pktBuffer.state
}

// BufferedBytes returns the bytes currently held in the packet-view store.
func (p *core) BufferedBytes() int {
	return p.pktBuffer.Size()
}

// ActiveTag returns the tag activated by this demultiplexer, or the empty
// tag while the connection is unidentified.
func (p *core) ActiveTag() analyzer.Tag {
	return p.activeTag
}
