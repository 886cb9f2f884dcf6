package pia

import (
	"bytes"
	"testing"
)

func TestChunkStoreAccounting(t *testing.T) {
	var b chunkBuffer

	payloads := [][]byte{
		[]byte("alpha"),
		[]byte("beta!"),
		[]byte("gamma-gamma"),
	}

	total := 0
	for i, p := range payloads {
		if !b.add(1000, uint64(i), p, i%2 == 0, nil) {
			t.Fatalf("add %d rejected below the bound", i)
		}
		total += len(p)
	}

	if b.Size() != total {
		t.Errorf("Expected size %d, got %d", total, b.Size())
	}
	if b.Len() != len(payloads) {
		t.Errorf("Expected %d chunks, got %d", len(payloads), b.Len())
	}

	for i, p := range payloads {
		if !bytes.Equal(b.blocks[i].Data, p) {
			t.Errorf("Chunk %d: expected %q, got %q", i, p, b.blocks[i].Data)
		}
		if b.blocks[i].Seq != uint64(i) {
			t.Errorf("Chunk %d: expected seq %d, got %d", i, i, b.blocks[i].Seq)
		}
	}
}

func TestChunkStoreOwnsCopies(t *testing.T) {
	var b chunkBuffer

	src := []byte("mutable")
	b.add(100, 0, src, true, nil)

	// The caller's buffer may be reused after append.
	src[0] = 'X'

	if string(b.blocks[0].Data) != "mutable" {
		t.Errorf("Store shares memory with caller: got %q", b.blocks[0].Data)
	}
}

func TestChunkStoreBound(t *testing.T) {
	var b chunkBuffer

	if !b.add(25, 0, make([]byte, 10), true, nil) {
		t.Fatal("first add should fit within bound")
	}
	if b.add(25, 1, make([]byte, 20), true, nil) {
		t.Error("add exceeding the bound should be rejected")
	}
	if b.Size() != 10 {
		t.Errorf("Rejected add must not change size: got %d", b.Size())
	}
	if b.Len() != 1 {
		t.Errorf("Rejected add must not append: got %d chunks", b.Len())
	}
	// A smaller chunk still fits afterwards.
	if !b.add(25, 2, make([]byte, 15), false, nil) {
		t.Error("add within remaining bound should succeed")
	}
}

func TestChunkStoreClearIdempotent(t *testing.T) {
	var b chunkBuffer

	b.add(100, 0, []byte("payload"), true, nil)
	b.clear()

	if b.Size() != 0 || b.Len() != 0 {
		t.Errorf("Expected empty store after clear, got size=%d len=%d", b.Size(), b.Len())
	}

	// Second clear on an already-empty store is a no-op, never an error.
	b.clear()

	if b.Size() != 0 || b.Len() != 0 {
		t.Errorf("Expected empty store after second clear, got size=%d len=%d", b.Size(), b.Len())
	}
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		StateInit:         "Init",
		StateBuffering:    "Buffering",
		StateMatchingOnly: "MatchingOnly",
		StateSkipping:     "Skipping",
		State(99):         "Unknown",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}
