package pia

import "github.com/SatadalSengupta/zeek-fractal/internal/analyzer"

// State is the phase of one chunk store. It governs whether incoming data
// is copied, matched, both, or neither.
type State uint8

const (
	// StateInit means no data has arrived yet.
	StateInit State = iota
	// StateBuffering means chunks are copied and matched.
	StateBuffering
	// StateMatchingOnly means the byte bound was exceeded: matching
	// continues but nothing further is copied.
	StateMatchingOnly
	// StateSkipping is terminal: no copying, no matching, data passes
	// straight through.
	StateSkipping
)

// String returns a human-readable phase name.
func (s State) String() string {
	switch s {
	case StateInit:
		return "Init"
	case StateBuffering:
		return "Buffering"
	case StateMatchingOnly:
		return "MatchingOnly"
	case StateSkipping:
		return "Skipping"
	default:
		return "Unknown"
	}
}

// DataBlock is one contiguous captured chunk. The store owns Data and
// Header exclusively; both are copied at append time so the caller's
// buffers may be reused.
type DataBlock struct {
	Data   []byte
	IsOrig bool
	Seq    uint64
	Header *analyzer.PacketHeader
}

// chunkBuffer is an ordered, exclusively-owned chunk store with byte-size
// accounting and its own phase.
type chunkBuffer struct {
	blocks []DataBlock
	size   int
	state  State
}

// add copies a chunk to the tail of the store, honoring the byte bound.
// It reports false when the append would exceed maxBytes; the caller then
// transitions the store to MatchingOnly.
func (b *chunkBuffer) add(maxBytes int, seq uint64, data []byte, isOrig bool, hdr *analyzer.PacketHeader) bool {
	if b.size+len(data) > maxBytes {
		return false
	}

	owned := make([]byte, len(data))
	copy(owned, data)
	b.blocks = append(b.blocks, DataBlock{
		Data:   owned,
		IsOrig: isOrig,
		Seq:    seq,
		Header: hdr.Clone(),
	})
	b.size += len(data)
	return true
}

// clear frees every chunk and zeroes the size. Idempotent; calling it on an
// already-empty store is a no-op. The phase is left to the caller.
func (b *chunkBuffer) clear() {
	b.blocks = nil
	b.size = 0
}

// Size returns the sum of member chunk lengths.
func (b *chunkBuffer) Size() int {
	return b.size
}

// Len returns the number of buffered chunks.
func (b *chunkBuffer) Len() int {
	return len(b.blocks)
}
