package flow

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/gopacket"

	"github.com/SatadalSengupta/zeek-fractal/internal/analyzer"
	"github.com/SatadalSengupta/zeek-fractal/internal/metrics"
	"github.com/SatadalSengupta/zeek-fractal/internal/pia"
	"github.com/SatadalSengupta/zeek-fractal/internal/sig"
)

// PortRule maps a well-known destination port to an analyzer tag for
// externally directed activation.
type PortRule struct {
	Port  uint16
	Proto Proto
	Tag   analyzer.Tag
}

type portKey struct {
	port  uint16
	proto Proto
}

// ManagerConfig contains configuration for the flow manager.
type ManagerConfig struct {
	Engine           *sig.Engine
	Registry         *analyzer.Registry
	MaxBufferedBytes int
	Timeout          time.Duration
	MaxFlows         int
	Ports            []PortRule
}

// Manager owns all live connections and their analyzer trees.
type Manager struct {
	conns    map[Key]*Conn
	mu       sync.RWMutex
	logger   *slog.Logger
	metrics  *metrics.Metrics
	registry *analyzer.Registry
	engine   *sig.Engine

	maxBuffered int
	timeout     time.Duration
	maxFlows    int
	ports       map[portKey]analyzer.Tag

	ctx     context.Context
	cancel  context.CancelFunc
	cleanup chan struct{}
}

// NewManager creates a flow manager and starts its idle-expiry routine.
func NewManager(logger *slog.Logger, m *metrics.Metrics, cfg ManagerConfig) *Manager {
	ctx, cancel := context.WithCancel(context.Background())

	ports := make(map[portKey]analyzer.Tag, len(cfg.Ports))
	for _, p := range cfg.Ports {
		ports[portKey{port: p.Port, proto: p.Proto}] = p.Tag
	}

	mgr := &Manager{
		conns:       make(map[Key]*Conn),
		logger:      logger,
		metrics:     m,
		registry:    cfg.Registry,
		engine:      cfg.Engine,
		maxBuffered: cfg.MaxBufferedBytes,
		timeout:     cfg.Timeout,
		maxFlows:    cfg.MaxFlows,
		ports:       ports,
		ctx:         ctx,
		cancel:      cancel,
		cleanup:     make(chan struct{}),
	}

	go mgr.startCleanupRoutine()

	return mgr
}

// Lookup finds the connection for a flow pair in either orientation,
// reporting whether the given orientation is the originator's.
func (m *Manager) Lookup(proto Proto, network, transport gopacket.Flow) (*Conn, bool, bool) {
	key := Key{Proto: proto, Network: network, Transport: transport}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if conn, ok := m.conns[key]; ok {
		return conn, true, true
	}
	if conn, ok := m.conns[key.Reverse()]; ok {
		return conn, false, true
	}
	return nil, false, false
}

// GetOrCreate returns the connection for a flow pair, creating it with the
// sender as originator when unseen. The second result reports whether the
// given orientation is the originator's.
func (m *Manager) GetOrCreate(proto Proto, network, transport gopacket.Flow) (*Conn, bool) {
	if conn, isOrig, ok := m.Lookup(proto, network, transport); ok {
		return conn, isOrig
	}

	key := Key{Proto: proto, Network: network, Transport: transport}

	m.mu.Lock()
	// Double-check after acquiring the write lock.
	if conn, ok := m.conns[key]; ok {
		m.mu.Unlock()
		return conn, true
	}
	if conn, ok := m.conns[key.Reverse()]; ok {
		m.mu.Unlock()
		return conn, false
	}

	if m.maxFlows > 0 && len(m.conns) >= m.maxFlows {
		m.mu.Unlock()
		m.logger.Warn("Flow table full, dropping new connection",
			slog.String("conn", key.String()),
			slog.Int("max_flows", m.maxFlows),
		)
		return nil, true
	}

	conn := m.newConn(key)
	m.conns[key] = conn
	active := len(m.conns)
	m.mu.Unlock()

	m.metrics.RecordFlowCreated()
	m.metrics.SetActiveFlows(active)

	m.logger.Debug("Connection created", slog.String("conn", key.String()))

	// Externally directed activation for well-known destination ports: no
	// signature fired, so the demultiplexer receives a nil rule.
	if tag, ok := m.portTag(key); ok {
		conn.ActivateByPort(tag)
	}

	return conn, true
}

func (m *Manager) newConn(key Key) *Conn {
	now := time.Now()
	conn := &Conn{
		Key:          key,
		StartTime:    now,
		lastActivity: now,
		registry:     m.registry,
		logger:       m.logger,
	}

	piaCfg := pia.Config{
		Engine:           m.engine,
		Logger:           m.logger,
		MaxBufferedBytes: m.maxBuffered,
		Metrics:          m.metrics,
	}

	switch key.Proto {
	case ProtoTCP:
		conn.demuxTCP = pia.NewTCP(conn, piaCfg)
		conn.AddChild(conn.demuxTCP)
	default:
		conn.demuxUDP = pia.NewUDP(conn, piaCfg)
		conn.AddChild(conn.demuxUDP)
	}
	return conn
}

func (m *Manager) portTag(key Key) (analyzer.Tag, bool) {
	if len(m.ports) == 0 {
		return "", false
	}
	raw := key.Transport.Dst().Raw()
	if len(raw) != 2 {
		return "", false
	}
	port := uint16(raw[0])<<8 | uint16(raw[1])
	tag, ok := m.ports[portKey{port: port, proto: key.Proto}]
	return tag, ok
}

// Remove tears down and forgets one connection.
func (m *Manager) Remove(key Key) bool {
	m.mu.Lock()
	conn, ok := m.conns[key]
	if ok {
		delete(m.conns, key)
	}
	active := len(m.conns)
	m.mu.Unlock()

	if !ok {
		return false
	}

	conn.Teardown()
	m.metrics.RecordFlowExpired(time.Since(conn.StartTime).Seconds())
	m.metrics.SetActiveFlows(active)

	m.logger.Debug("Connection removed",
		slog.String("conn", key.String()),
		slog.Duration("duration", time.Since(conn.StartTime)),
	)
	return true
}

// ActiveCount returns the number of tracked connections.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// Snapshot returns monitoring views of all tracked connections.
func (m *Manager) Snapshot() []ConnInfo {
	m.mu.RLock()
	conns := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	infos := make([]ConnInfo, 0, len(conns))
	for _, c := range conns {
		infos = append(infos, c.Info())
	}
	return infos
}

// Stop tears down every connection and stops the expiry routine.
func (m *Manager) Stop() {
	m.logger.Info("Stopping flow manager...")

	m.cancel()
	<-m.cleanup

	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[Key]*Conn)
	m.mu.Unlock()

	for _, conn := range conns {
		conn.Teardown()
	}
	m.metrics.SetActiveFlows(0)

	m.logger.Info("Flow manager stopped", slog.Int("torn_down", len(conns)))
}

// startCleanupRoutine periodically expires idle connections.
func (m *Manager) startCleanupRoutine() {
	defer close(m.cleanup)

	if m.timeout <= 0 {
		<-m.ctx.Done()
		return
	}

	interval := m.timeout / 2
	if interval > 30*time.Second {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.expireIdle()
		}
	}
}

func (m *Manager) expireIdle() {
	now := time.Now()

	m.mu.RLock()
	expired := make([]Key, 0)
	for key, conn := range m.conns {
		if now.Sub(conn.LastActivity()) > m.timeout {
			expired = append(expired, key)
		}
	}
	m.mu.RUnlock()

	if len(expired) == 0 {
		return
	}

	m.logger.Info("Expiring idle connections", slog.Int("count", len(expired)))
	for _, key := range expired {
		m.Remove(key)
	}
}
