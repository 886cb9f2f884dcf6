package capture

import (
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/SatadalSengupta/zeek-fractal/internal/analyzer"
	"github.com/SatadalSengupta/zeek-fractal/internal/config"
	"github.com/SatadalSengupta/zeek-fractal/internal/flow"
	"github.com/SatadalSengupta/zeek-fractal/internal/sig"
)

func writeTestPcap(t *testing.T) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "flow.pcap")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("Failed to create pcap file: %v", err)
	}
	defer f.Close()

	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(65535, layers.LinkTypeEthernet); err != nil {
		t.Fatalf("Failed to write pcap header: %v", err)
	}

	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01},
		DstMAC:       net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02},
		EthernetType: layers.EthernetTypeIPv4,
	}
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	ts := time.Now()

	// One UDP datagram carrying a payload the signature engine recognizes.
	udpIP := &layers.IPv4{
		Version:  4,
		TTL:      64,
		SrcIP:    net.IP{10, 0, 0, 1},
		DstIP:    net.IP{10, 0, 0, 2},
		Protocol: layers.IPProtocolUDP,
	}
	udp := &layers.UDP{SrcPort: 40000, DstPort: 9999}
	if err := udp.SetNetworkLayerForChecksum(udpIP); err != nil {
		t.Fatalf("Failed to bind UDP checksum layer: %v", err)
	}
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, opts, eth, udpIP, udp, gopacket.Payload("PING hello")); err != nil {
		t.Fatalf("Failed to serialize UDP packet: %v", err)
	}
	ci := gopacket.CaptureInfo{Timestamp: ts, CaptureLength: len(buf.Bytes()), Length: len(buf.Bytes())}
	if err := w.WritePacket(ci, buf.Bytes()); err != nil {
		t.Fatalf("Failed to write UDP packet: %v", err)
	}

	// One TCP segment with payload, so both transport paths run.
	tcpIP := &layers.IPv4{
		Version:  4,
		TTL:      64,
		SrcIP:    net.IP{10, 0, 0, 1},
		DstIP:    net.IP{10, 0, 0, 2},
		Protocol: layers.IPProtocolTCP,
	}
	tcp := &layers.TCP{SrcPort: 40001, DstPort: 8888, Seq: 1000, PSH: true, ACK: true, Window: 65535}
	if err := tcp.SetNetworkLayerForChecksum(tcpIP); err != nil {
		t.Fatalf("Failed to bind TCP checksum layer: %v", err)
	}
	buf = gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, opts, eth, tcpIP, tcp, gopacket.Payload("PING stream")); err != nil {
		t.Fatalf("Failed to serialize TCP packet: %v", err)
	}
	ci = gopacket.CaptureInfo{Timestamp: ts.Add(time.Millisecond), CaptureLength: len(buf.Bytes()), Length: len(buf.Bytes())}
	if err := w.WritePacket(ci, buf.Bytes()); err != nil {
		t.Fatalf("Failed to write TCP packet: %v", err)
	}

	return path
}

func TestCaptureProcessesFileInSingleLoop(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	engine, err := sig.NewEngine([]sig.RuleSpec{
		{ID: "ping", Tag: "ping", Pattern: "PING "},
	}, 4096, logger)
	if err != nil {
		t.Fatalf("Failed to build engine: %v", err)
	}

	registry := analyzer.NewRegistry()
	registry.Register("ping", func(tag analyzer.Tag) analyzer.Analyzer {
		return &analyzer.Base{AnalyzerTag: tag}
	})

	manager := flow.NewManager(logger, nil, flow.ManagerConfig{
		Engine:           engine,
		Registry:         registry,
		MaxBufferedBytes: 4096,
		Timeout:          time.Minute,
		MaxFlows:         100,
	})
	defer manager.Stop()

	cfg := config.CaptureConfig{
		File:          writeTestPcap(t),
		SnapLen:       65535,
		FlushInterval: 1,
	}
	c := NewCapture(cfg, logger, nil, manager)
	if err := c.Start(); err != nil {
		t.Fatalf("Failed to start capture: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for !c.GetStatistics().SourceFinished {
		select {
		case <-deadline:
			t.Fatal("Capture did not finish reading the file")
		case <-time.After(10 * time.Millisecond):
		}
	}
	c.Stop()

	stats := c.GetStatistics()
	if stats.PacketsSeen != 2 {
		t.Errorf("Expected 2 packets seen, got %d", stats.PacketsSeen)
	}
	if stats.UDPDatagrams != 1 {
		t.Errorf("Expected 1 UDP datagram, got %d", stats.UDPDatagrams)
	}
	if stats.TCPSegments != 1 {
		t.Errorf("Expected 1 TCP segment, got %d", stats.TCPSegments)
	}
	if stats.PacketsRouted != 2 {
		t.Errorf("Expected 2 routed packets, got %d", stats.PacketsRouted)
	}
	if stats.DecodeErrors != 0 {
		t.Errorf("Expected no decode errors, got %d", stats.DecodeErrors)
	}

	if got := manager.ActiveCount(); got != 2 {
		t.Errorf("Expected 2 active flows, got %d", got)
	}
	var activated int
	for _, info := range manager.Snapshot() {
		if info.ActiveTag == "ping" {
			activated++
		}
	}
	if activated != 2 {
		t.Errorf("Expected both flows activated on ping, got %d", activated)
	}
}
