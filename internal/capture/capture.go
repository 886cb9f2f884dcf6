package capture

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"github.com/google/gopacket/pcapgo"
	"github.com/google/gopacket/tcpassembly"

	"github.com/SatadalSengupta/zeek-fractal/internal/analyzer"
	"github.com/SatadalSengupta/zeek-fractal/internal/config"
	"github.com/SatadalSengupta/zeek-fractal/internal/flow"
	"github.com/SatadalSengupta/zeek-fractal/internal/metrics"
)

// Capture drives the packet loop: it decodes frames from a live interface
// or a pcap file, routes UDP datagrams and raw TCP packets to the flow
// manager, and feeds TCP segments through the reassembler.
type Capture struct {
	cfg     config.CaptureConfig
	logger  *slog.Logger
	metrics *metrics.Metrics
	manager *flow.Manager

	assembler *tcpassembly.Assembler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	stats Statistics
}

// Statistics holds packet loop counters.
type Statistics struct {
	PacketsSeen    uint64 `json:"packets_seen"`
	PacketsRouted  uint64 `json:"packets_routed"`
	DecodeErrors   uint64 `json:"decode_errors"`
	TCPSegments    uint64 `json:"tcp_segments"`
	UDPDatagrams   uint64 `json:"udp_datagrams"`
	SourceFinished bool   `json:"source_finished"`
}

// NewCapture creates a capture bound to the given flow manager.
func NewCapture(cfg config.CaptureConfig, logger *slog.Logger, m *metrics.Metrics, manager *flow.Manager) *Capture {
	return &Capture{
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		manager: manager,
	}
}

// Start opens the packet source and begins processing. It returns once the
// loop goroutines are running; offline sources finish on their own when the
// file is exhausted.
func (c *Capture) Start() error {
	c.ctx, c.cancel = context.WithCancel(context.Background())

	pool := tcpassembly.NewStreamPool(flow.NewStreamFactory(c.manager))
	c.assembler = tcpassembly.NewAssembler(pool)

	src, closeSrc, err := c.openSource()
	if err != nil {
		return err
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer closeSrc()
		c.run(src)
	}()

	return nil
}

func (c *Capture) openSource() (*gopacket.PacketSource, func(), error) {
	if c.cfg.File != "" {
		f, err := os.Open(c.cfg.File)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open pcap file %s: %w", c.cfg.File, err)
		}
		reader, err := pcapgo.NewReader(f)
		if err != nil {
			f.Close()
			return nil, nil, fmt.Errorf("failed to read pcap file %s: %w", c.cfg.File, err)
		}

		c.logger.Info("Reading packets from file",
			slog.String("file", c.cfg.File),
			slog.String("link_type", reader.LinkType().String()),
		)
		src := gopacket.NewPacketSource(reader, reader.LinkType())
		src.NoCopy = true
		return src, func() { f.Close() }, nil
	}

	handle, err := pcap.OpenLive(c.cfg.Interface, int32(c.cfg.SnapLen), c.cfg.Promiscuous, pcap.BlockForever)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open interface %s: %w", c.cfg.Interface, err)
	}
	if c.cfg.BPF != "" {
		if err := handle.SetBPFFilter(c.cfg.BPF); err != nil {
			handle.Close()
			return nil, nil, fmt.Errorf("failed to set BPF filter %q: %w", c.cfg.BPF, err)
		}
	}

	c.logger.Info("Capturing live packets",
		slog.String("interface", c.cfg.Interface),
		slog.String("bpf", c.cfg.BPF),
		slog.Int("snap_len", c.cfg.SnapLen),
	)
	src := gopacket.NewPacketSource(handle, handle.LinkType())
	src.NoCopy = true
	return src, handle.Close, nil
}

// run is the only goroutine that touches the assembler: it is not safe for
// concurrency, so the periodic flush shares the packet select loop instead
// of running on its own.
func (c *Capture) run(src *gopacket.PacketSource) {
	interval := c.cfg.GetFlushIntervalDuration()
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	packets := src.Packets()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.flushOld(interval)
		case pkt, ok := <-packets:
			if !ok {
				c.mu.Lock()
				c.stats.SourceFinished = true
				c.mu.Unlock()
				c.logger.Info("Packet source finished")
				return
			}
			c.processPacket(pkt)
		}
	}
}

func (c *Capture) flushOld(interval time.Duration) {
	cutoff := time.Now().Add(-2 * interval)
	flushed, closed := c.assembler.FlushOlderThan(cutoff)
	if flushed > 0 || closed > 0 {
		c.logger.Debug("Flushed reassembler",
			slog.Int("flushed", flushed),
			slog.Int("closed", closed),
		)
	}
}

func (c *Capture) processPacket(pkt gopacket.Packet) {
	c.metrics.RecordPacketSeen()
	c.mu.Lock()
	c.stats.PacketsSeen++
	c.mu.Unlock()

	if errLayer := pkt.ErrorLayer(); errLayer != nil {
		c.metrics.RecordDecodeError()
		c.mu.Lock()
		c.stats.DecodeErrors++
		c.mu.Unlock()
		return
	}

	netLayer := pkt.NetworkLayer()
	if netLayer == nil {
		return
	}
	netFlow := netLayer.NetworkFlow()

	if tcpLayer := pkt.Layer(layers.LayerTypeTCP); tcpLayer != nil {
		c.processTCP(pkt, netFlow, tcpLayer.(*layers.TCP))
		return
	}
	if udpLayer := pkt.Layer(layers.LayerTypeUDP); udpLayer != nil {
		c.processUDP(pkt, netFlow, udpLayer.(*layers.UDP))
	}
}

// processTCP routes the raw packet to the flow first, so identification can
// see payload bytes ahead of reassembly, then hands the segment to the
// reassembler which later delivers the in-order stream view.
func (c *Capture) processTCP(pkt gopacket.Packet, netFlow gopacket.Flow, tcp *layers.TCP) {
	c.mu.Lock()
	c.stats.TCPSegments++
	c.mu.Unlock()

	conn, isOrig := c.manager.GetOrCreate(flow.ProtoTCP, netFlow, tcp.TransportFlow())
	if conn == nil {
		return
	}

	if len(tcp.Payload) > 0 {
		hdr := &analyzer.PacketHeader{
			CaptureInfo: pkt.Metadata().CaptureInfo,
			Network:     netFlow,
			Transport:   tcp.TransportFlow(),
		}
		conn.HandlePacket(tcp.Payload, isOrig, uint64(tcp.Seq), hdr, pkt.Metadata().CaptureLength)
		c.recordRouted()
	}

	c.assembler.AssembleWithTimestamp(netFlow, tcp, pkt.Metadata().Timestamp)
}

func (c *Capture) processUDP(pkt gopacket.Packet, netFlow gopacket.Flow, udp *layers.UDP) {
	c.mu.Lock()
	c.stats.UDPDatagrams++
	c.mu.Unlock()

	if len(udp.Payload) == 0 {
		return
	}

	conn, isOrig := c.manager.GetOrCreate(flow.ProtoUDP, netFlow, udp.TransportFlow())
	if conn == nil {
		return
	}

	hdr := &analyzer.PacketHeader{
		CaptureInfo: pkt.Metadata().CaptureInfo,
		Network:     netFlow,
		Transport:   udp.TransportFlow(),
	}
	conn.HandlePacket(udp.Payload, isOrig, 0, hdr, pkt.Metadata().CaptureLength)
	c.recordRouted()
}

func (c *Capture) recordRouted() {
	c.metrics.RecordPacketDelivered()
	c.mu.Lock()
	c.stats.PacketsRouted++
	c.mu.Unlock()
}

// GetStatistics returns a copy of the packet loop counters.
func (c *Capture) GetStatistics() Statistics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Stop halts the packet loop and flushes any pending reassembly.
func (c *Capture) Stop() {
	c.logger.Info("Stopping capture...")

	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()

	if c.assembler != nil {
		c.assembler.FlushAll()
	}

	c.logger.Info("Capture stopped")
}
