package analyzer

import (
	"errors"
	"testing"
)

type stubAnalyzer struct {
	Base
	packets int
	stream  int
	done    int
}

func (s *stubAnalyzer) DeliverPacket(data []byte, isOrig bool, seq uint64, hdr *PacketHeader, capLen int) {
	s.packets++
}

func (s *stubAnalyzer) DeliverStream(data []byte, isOrig bool) {
	s.stream++
}

func (s *stubAnalyzer) Done() {
	s.done++
}

func TestRegistryResolvesTags(t *testing.T) {
	r := NewRegistry()
	r.Register("stub", func(tag Tag) Analyzer {
		return &stubAnalyzer{Base: Base{AnalyzerTag: tag}}
	})

	a, err := r.New("stub")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if tagged, ok := a.(Tagged); !ok || tagged.Tag() != "stub" {
		t.Errorf("Expected analyzer tagged stub, got %v", a)
	}

	if !r.Known("stub") {
		t.Error("Expected stub to be known")
	}
	if r.Known("ghost") {
		t.Error("Expected ghost to be unknown")
	}
}

func TestRegistryUnknownTag(t *testing.T) {
	r := NewRegistry()
	_, err := r.New("missing")
	if err == nil {
		t.Fatal("Expected error for unknown tag")
	}
	if !errors.Is(err, ErrUnknownTag) {
		t.Errorf("Expected ErrUnknownTag, got %v", err)
	}
}

func TestRegistryTagsSorted(t *testing.T) {
	r := NewRegistry()
	for _, tag := range []Tag{"zeta", "alpha", "mid"} {
		r.Register(tag, func(tag Tag) Analyzer { return &stubAnalyzer{} })
	}

	tags := r.Tags()
	want := []Tag{"alpha", "mid", "zeta"}
	if len(tags) != len(want) {
		t.Fatalf("Expected %d tags, got %d", len(want), len(tags))
	}
	for i, w := range want {
		if tags[i] != w {
			t.Errorf("Tags[%d] = %q, want %q", i, tags[i], w)
		}
	}
}

func TestNodeChildManagement(t *testing.T) {
	var n Node
	a := &stubAnalyzer{Base: Base{AnalyzerTag: "a"}}
	b := &stubAnalyzer{Base: Base{AnalyzerTag: "b"}}

	n.AddChild(a)
	n.AddChild(b)

	n.ForwardPacket([]byte("x"), true, 0, nil, 1)
	n.ForwardStream([]byte("y"), false)

	if a.packets != 1 || b.packets != 1 {
		t.Errorf("Expected packet forwarded to both children, got %d/%d", a.packets, b.packets)
	}
	if a.stream != 1 || b.stream != 1 {
		t.Errorf("Expected stream forwarded to both children, got %d/%d", a.stream, b.stream)
	}

	if !n.RemoveChild("a") {
		t.Error("Expected removal of child a")
	}
	if a.done != 1 {
		t.Errorf("Expected Done on removed child, got %d", a.done)
	}
	if n.RemoveChild("a") {
		t.Error("Expected second removal to report false")
	}

	n.DoneAll()
	if b.done != 1 {
		t.Errorf("Expected Done on remaining child, got %d", b.done)
	}
	if len(n.Children()) != 0 {
		t.Errorf("Expected empty child list, got %d", len(n.Children()))
	}
}
