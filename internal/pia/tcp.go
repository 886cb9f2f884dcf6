package pia

import (
	"fmt"
	"log/slog"

	"github.com/SatadalSengupta/zeek-fractal/internal/analyzer"
	"github.com/SatadalSengupta/zeek-fractal/internal/sig"
)

// TagTCP identifies the stream-oriented demultiplexer in an analyzer tree.
const TagTCP analyzer.Tag = "pia-tcp"

// TCP is the stream-oriented demultiplexer: a hybrid that matches raw
// packets before reassembly begins and reassembled stream bytes afterwards.
// The two views have independently tracked chunk stores and phases because
// both can be in flight simultaneously; whichever commits to activation
// first wins, and the other store is cleared.
type TCP struct {
	core

	streamBuffer chunkBuffer
	streamMode   bool

	seededOrig bool
	seededResp bool

	// Next expected reassembled-stream offset per direction, gaps included.
	streamSeqOrig uint64
	streamSeqResp uint64

	currentStream *DataBlock
}

// NewTCP creates a stream-oriented demultiplexer for one connection.
func NewTCP(conn Connection, cfg Config) *TCP {
	return &TCP{core: newCore(conn, cfg)}
}

// Tag returns the demultiplexer's own tree tag.
func (t *TCP) Tag() analyzer.Tag { return TagTCP }

// Init implements analyzer.Analyzer.
func (t *TCP) Init() {}

// StreamMode reports whether reassembled input has taken over from the
// packet view.
func (t *TCP) StreamMode() bool { return t.streamMode }

// StreamState returns the stream-view store's phase.
func (t *TCP) StreamState() State { return t.streamBuffer.state }

// StreamBufferedBytes returns the bytes held in the stream-view store.
func (t *TCP) StreamBufferedBytes() int { return t.streamBuffer.Size() }

// FirstPacket seeds matching with the very first raw packet of one
// direction, for connections whose earliest bytes are observed before
// reassembly begins. At most once per direction; a second call for the
// same direction is a contract violation and returns an error without
// touching the seeded state.
func (t *TCP) FirstPacket(isOrig bool, hdr *analyzer.PacketHeader) error {
	seeded := &t.seededResp
	if isOrig {
		seeded = &t.seededOrig
	}
	if *seeded {
		return fmt.Errorf("first packet already seeded for direction (is_orig=%v)", isOrig)
	}
	*seeded = true

	t.logger.Debug("Seeded first packet for matching",
		slog.Bool("is_orig", isOrig),
	)
	return nil
}

// DeliverPacket handles pre-reassembly packets. They are part of one
// logical stream, so matching state carries across packets
// (clearState=false). Once stream mode is entered the packet view is
// frozen and packets are ignored here; reassembled bytes supersede them.
func (t *TCP) DeliverPacket(data []byte, isOrig bool, seq uint64, hdr *analyzer.PacketHeader, capLen int) {
	if t.streamMode {
		return
	}
	t.deliverPacket(t, data, isOrig, seq, hdr, capLen, false)
}

// DeliverStream handles reassembled, in-order stream bytes. The first call
// flips stream mode: the packet-view store is frozen and cleared, and
// buffering moves exclusively to the stream-view store. Buffering the same
// bytes in both stores would double memory for no replay benefit.
func (t *TCP) DeliverStream(data []byte, isOrig bool) {
	if len(data) == 0 {
		return
	}
	if t.streamBuffer.state == StateSkipping {
		t.advanceStreamSeq(isOrig, len(data))
		return
	}

	if !t.streamMode {
		t.enterStreamMode()
	}
	if t.streamBuffer.state == StateInit {
		t.streamBuffer.state = StateBuffering
	}

	seq := t.advanceStreamSeq(isOrig, len(data))

	cur := DataBlock{Data: data, IsOrig: isOrig, Seq: seq}
	t.currentStream = &cur
	defer func() { t.currentStream = nil }()

	if t.streamBuffer.state == StateBuffering {
		if t.streamBuffer.add(t.maxBuffered, seq, data, isOrig, nil) {
			t.metrics.RecordChunkBuffered(len(data))
		} else {
			t.streamBuffer.state = StateMatchingOnly
			t.metrics.RecordBufferOverflow()
			t.logger.Debug("Stream buffer bound exceeded, matching only",
				slog.Int("buffered_bytes", t.streamBuffer.Size()),
				slog.Int("max_bytes", t.maxBuffered),
			)
		}
	}

	bol := true
	if t.session != nil {
		bol = t.session.AtLineStart(isOrig)
	}
	eol := data[len(data)-1] == '\n'
	t.doMatch(t, data, isOrig, bol, eol, false)
}

// Undelivered signals a gap in the reassembled byte stream: an opaque run
// of length unknown bytes. The signature engine is informed so pattern
// offsets stay correct, but no chunk-store entry is created; there is no
// content to replay.
func (t *TCP) Undelivered(seq uint64, length int, isOrig bool) {
	if length <= 0 {
		return
	}
	t.advanceStreamSeq(isOrig, length)
	if t.streamBuffer.state == StateSkipping {
		return
	}
	t.metrics.RecordStreamGap(length)
	if t.engine != nil {
		t.engine.Gap(t.session, isOrig, length)
	}
}

// Done tears down the demultiplexer, unconditionally flushing and freeing
// both chunk stores regardless of current phase.
func (t *TCP) Done() {
	t.finish()
	t.clearStreamBuffer()
	t.streamBuffer.state = StateSkipping
}

// ActivateAnalyzer attaches a child analyzer for tag and replays the store
// that committed to the match: stream-view chunks through the analyzer's
// stream entry point once reassembly has begun, packet-view chunks through
// its packet entry point before that. The remaining store is cleared to
// release memory.
func (t *TCP) ActivateAnalyzer(tag analyzer.Tag, rule *sig.Rule) {
	committed := &t.pktBuffer
	if t.streamMode {
		committed = &t.streamBuffer
	}
	if committed.state == StateSkipping {
		return
	}

	a, err := t.conn.NewAnalyzer(tag)
	if err != nil {
		t.metrics.RecordUnknownTag()
		t.logger.Warn("Ignoring activation for unknown analyzer tag",
			slog.String("tag", tag.String()),
			slog.String("error", err.Error()),
		)
		return
	}

	t.conn.AddChild(a)
	t.activeTag = tag
	if t.streamMode {
		t.replayStreamBuffer(a)
	} else {
		t.replayPacketBuffer(a)
	}

	ruleID := ""
	if rule != nil {
		ruleID = rule.ID
	}
	t.logger.Info("Analyzer activated",
		slog.String("tag", tag.String()),
		slog.String("rule_id", ruleID),
		slog.Bool("stream_mode", t.streamMode),
	)

	t.finish()
	t.clearStreamBuffer()
	t.streamBuffer.state = StateSkipping
	t.metrics.RecordActivation(tag.String())
}

// DeactivateAnalyzer detaches a previously activated analyzer, cancelling
// an in-flight replay and releasing buffered memory for the cancelled path.
func (t *TCP) DeactivateAnalyzer(tag analyzer.Tag) {
	if t.replaying && tag == t.activeTag {
		t.replayCancel = true
	}
	if t.conn.RemoveChild(tag) {
		t.metrics.RecordDeactivation()
		t.logger.Info("Analyzer deactivated", slog.String("tag", tag.String()))
	}
	if tag == t.activeTag {
		t.activeTag = ""
		t.clearPacketBuffer()
		t.clearStreamBuffer()
	}
}

// ReplayStreamBuffer delivers every stream-view chunk, in sequence order,
// through the analyzer's stream entry point. Exported so tests and
// externally-directed activations can drive a replay explicitly.
func (t *TCP) ReplayStreamBuffer(a analyzer.Analyzer) {
	t.replayStreamBuffer(a)
}

func (t *TCP) replayStreamBuffer(a analyzer.Analyzer) {
	t.replaying = true
	t.replayCancel = false
	replayed := 0
	blocks := t.streamBuffer.blocks
	for i := range blocks {
		if t.replayCancel {
			break
		}
		blk := &blocks[i]
		a.DeliverStream(blk.Data, blk.IsOrig)
		replayed += len(blk.Data)
	}
	if !t.replayCancel && t.streamBuffer.state == StateMatchingOnly && t.currentStream != nil {
		a.DeliverStream(t.currentStream.Data, t.currentStream.IsOrig)
		replayed += len(t.currentStream.Data)
	}
	t.replaying = false
	t.metrics.RecordReplay(replayed)
}

// enterStreamMode freezes the packet view and releases its store; the
// reassembled stream is the single source of truth from here on.
func (t *TCP) enterStreamMode() {
	t.streamMode = true
	t.clearPacketBuffer()
	t.pktBuffer.state = StateSkipping
	t.logger.Debug("Entering stream mode, packet buffer released")
}

func (t *TCP) clearStreamBuffer() {
	t.metrics.RecordStoreCleared(t.streamBuffer.Size())
	t.streamBuffer.clear()
}

// advanceStreamSeq returns the offset at which this run begins and advances
// the per-direction counter past it, keeping sequence continuity across
// gaps.
func (t *TCP) advanceStreamSeq(isOrig bool, length int) uint64 {
	p := &t.streamSeqResp
	if isOrig {
		p = &t.streamSeqOrig
	}
	seq := *p
	*p += uint64(length)
	return seq
}
