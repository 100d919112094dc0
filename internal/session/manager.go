// Package session owns the single live link to a vehicle: the transport, the
// MAVLink link on top of it and the telemetry ingestor draining it.
package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"dronelink/internal/mavlink"
	"dronelink/internal/telemetry"
)

const DefaultBaud = 57600

// Status is the coarse session state.
type Status string

const (
	Disconnected Status = "disconnected"
	Connecting   Status = "connecting"
	Connected    Status = "connected"
	Closing      Status = "closing"
)

type phase int32

const (
	phaseIdle phase = iota
	phaseConnecting
	phaseClosing
)

// Info describes a session that just completed its handshake.
type Info struct {
	ID      uint64
	Port    string
	Baud    int
	Vehicle mavlink.Heartbeat
	Since   time.Time
}

type Config struct {
	Opener           Opener
	HandshakeTimeout time.Duration
	// DefaultBaud is used when Connect is called with baud 0.
	DefaultBaud int
	// Bus receives every folded telemetry record. Optional.
	Bus *telemetry.Broadcaster
	// OnConnect runs after a successful handshake, before the ingestor starts.
	OnConnect func(Info)
	Log       *zap.Logger
}

type session struct {
	Info
	transport Transport
	link      *mavlink.Link
	store     *telemetry.Store
	ingestor  *telemetry.Ingestor
	cancel    context.CancelFunc
	done      chan struct{}
	lost      atomic.Bool
}

// Manager holds at most one session. Connect, Disconnect and the send
// operations are serialized; Telemetry and Status never block on them.
type Manager struct {
	opener      Opener
	timeout     time.Duration
	defaultBaud int
	bus         *telemetry.Broadcaster
	onConnect   func(Info)
	log         *zap.Logger

	mu      sync.Mutex
	current atomic.Pointer[session]
	phase   atomic.Int32
	nextID  atomic.Uint64

	pendingMu     sync.Mutex
	pendingCancel context.CancelFunc

	errMu   sync.Mutex
	lastErr string
	errAt   time.Time
}

func NewManager(cfg Config) *Manager {
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = mavlink.DefaultHandshakeTimeout
	}
	if cfg.DefaultBaud <= 0 {
		cfg.DefaultBaud = DefaultBaud
	}
	return &Manager{
		opener:      cfg.Opener,
		timeout:     cfg.HandshakeTimeout,
		defaultBaud: cfg.DefaultBaud,
		bus:         cfg.Bus,
		onConnect:   cfg.OnConnect,
		log:         log,
	}
}

// Connect tears down any existing session, then opens port and waits for a
// vehicle heartbeat. On failure the manager is left disconnected and the
// port released.
func (m *Manager) Connect(ctx context.Context, port string, baud int) error {
	port = strings.TrimSpace(port)
	if baud == 0 {
		baud = m.defaultBaud
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.setPending(cancel)
	defer m.setPending(nil)

	if m.teardown("replaced") {
		m.log.Info("previous session closed before connect", zap.String("port", port))
	}

	m.phase.Store(int32(phaseConnecting))
	defer m.phase.Store(int32(phaseIdle))

	log := m.log.With(zap.String("port", port), zap.Int("baud", baud))
	log.Info("connecting")

	if m.opener == nil {
		return m.fail(log, fmt.Errorf("%w: no opener configured", ErrConnection))
	}
	t, err := m.opener.OpenTransport(port, baud)
	if err != nil {
		return m.fail(log, fmt.Errorf("%w: %w", ErrConnection, err))
	}
	ep, err := m.opener.OpenEndpoint(t)
	if err != nil {
		_ = t.Close()
		return m.fail(log, fmt.Errorf("%w: %w", ErrConnection, err))
	}
	link, err := mavlink.Open(ctx, ep, m.timeout)
	if err != nil {
		_ = t.Close()
		_ = ep.Close()
		return m.fail(log, fmt.Errorf("%w: %s: %w", ErrHandshake, port, err))
	}

	hb := link.Vehicle()
	s := &session{
		Info: Info{
			ID:      m.nextID.Add(1),
			Port:    port,
			Baud:    baud,
			Vehicle: hb,
			Since:   time.Now(),
		},
		transport: t,
		link:      link,
		store:     telemetry.NewStore(),
		done:      make(chan struct{}),
	}
	s.ingestor = telemetry.NewIngestor(link, s.store, telemetry.IngestorConfig{
		SystemID:    hb.SystemID,
		ComponentID: hb.ComponentID,
		Modes:       link.Modes(),
		Session:     s.ID,
		Bus:         m.bus,
		Log:         m.log.Named("ingest").With(zap.Uint64("session", s.ID)),
	})

	m.bus.Reset(s.ID)
	if m.onConnect != nil {
		m.onConnect(s.Info)
	}

	var sctx context.Context
	sctx, s.cancel = context.WithCancel(context.Background())
	m.current.Store(s)
	go func() {
		defer close(s.done)
		if err := s.ingestor.Run(sctx); err != nil {
			m.lost(s, err)
		}
	}()

	m.clearErr()
	log.Info("connected",
		zap.Uint64("session", s.ID),
		zap.Uint8("system_id", hb.SystemID),
		zap.Uint8("component_id", hb.ComponentID),
		zap.String("firmware", link.Modes().Firmware()),
	)
	return nil
}

func (m *Manager) fail(log *zap.Logger, err error) error {
	m.setErr(err)
	log.Warn("connect failed", zap.Error(err))
	return err
}

// lost runs on the ingestor goroutine when the link dies under a live
// session. It must not take m.mu: teardown holds it while waiting for the
// ingestor to exit.
func (m *Manager) lost(s *session, err error) {
	if s.lost.Swap(true) {
		return
	}
	_ = s.transport.Close()
	_ = s.link.Close()
	m.setErr(err)
	m.log.Warn("session lost",
		zap.Uint64("session", s.ID),
		zap.String("port", s.Port),
		zap.Error(err),
	)
}

// teardown closes the current session, if any, and waits for its ingestor.
// Caller holds m.mu. It reports whether the session was still live.
func (m *Manager) teardown(reason string) bool {
	s := m.current.Swap(nil)
	if s == nil {
		return false
	}
	m.phase.Store(int32(phaseClosing))
	defer m.phase.Store(int32(phaseIdle))

	s.cancel()
	if err := s.transport.Close(); err != nil {
		m.log.Debug("transport close", zap.String("port", s.Port), zap.Error(err))
	}
	_ = s.link.Close()
	<-s.done

	live := !s.lost.Load()
	st := s.ingestor.Stats()
	m.log.Info("session closed",
		zap.Uint64("session", s.ID),
		zap.String("port", s.Port),
		zap.String("reason", reason),
		zap.Bool("was_live", live),
		zap.Uint64("received", st.Received),
		zap.Uint64("folded", st.Folded),
	)
	return live
}

// Disconnect closes the session and returns whether a live one was closed.
// A connect still waiting for its heartbeat is canceled. Safe to call at any
// time and any number of times.
func (m *Manager) Disconnect() bool {
	m.cancelPending()
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.teardown("disconnect")
}

// Close is Disconnect for shutdown paths.
func (m *Manager) Close() error {
	m.Disconnect()
	return nil
}

func (m *Manager) setPending(cancel context.CancelFunc) {
	m.pendingMu.Lock()
	m.pendingCancel = cancel
	m.pendingMu.Unlock()
}

func (m *Manager) cancelPending() {
	m.pendingMu.Lock()
	if m.pendingCancel != nil {
		m.pendingCancel()
	}
	m.pendingMu.Unlock()
}

// live returns the current session unless there is none or its link died.
func (m *Manager) live() (*session, error) {
	s := m.current.Load()
	if s == nil || s.lost.Load() {
		return nil, ErrNotConnected
	}
	return s, nil
}

// Telemetry returns the latest snapshot. An empty snapshot is valid right
// after connect.
func (m *Manager) Telemetry() (telemetry.Snapshot, error) {
	s, err := m.live()
	if err != nil {
		return nil, err
	}
	return s.store.Snapshot(), nil
}

// ChangeMode switches the vehicle to the named flight mode. Names are
// matched exactly against the connected vehicle's mode table.
func (m *Manager) ChangeMode(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.live()
	if err != nil {
		return err
	}
	id, err := s.link.ResolveMode(name)
	if err != nil {
		return err
	}
	if err := s.link.SetMode(id); err != nil {
		return err
	}
	m.log.Info("mode change sent", zap.String("port", s.Port), zap.String("mode", name), zap.Uint32("custom_mode", id))
	return nil
}

// SendCommand sends a named command (or a decimal MAV_CMD id) with up to
// seven parameters.
func (m *Manager) SendCommand(name string, params []float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.live()
	if err != nil {
		return err
	}
	if err := s.link.SendCommand(name, params...); err != nil {
		return err
	}
	m.log.Info("command sent", zap.String("port", s.Port), zap.String("command", name), zap.Float64s("params", params))
	return nil
}

// Modes lists the mode names the connected vehicle accepts.
func (m *Manager) Modes() (firmware string, names []string, err error) {
	s, err := m.live()
	if err != nil {
		return "", nil, err
	}
	t := s.link.Modes()
	return t.Firmware(), t.Names(), nil
}

// Vehicle identifies the connected autopilot.
type Vehicle struct {
	SystemID    uint8  `json:"system_id"`
	ComponentID uint8  `json:"component_id"`
	Type        uint32 `json:"type"`
	Autopilot   uint32 `json:"autopilot"`
	Firmware    string `json:"firmware,omitempty"`
}

// State is a point-in-time view of the manager.
type State struct {
	Status    Status           `json:"status"`
	Session   uint64           `json:"session,omitempty"`
	Port      string           `json:"port,omitempty"`
	Baud      int              `json:"baud,omitempty"`
	Vehicle   *Vehicle         `json:"vehicle,omitempty"`
	Mode      string           `json:"mode,omitempty"`
	Armed     bool             `json:"armed"`
	Since     *time.Time       `json:"since,omitempty"`
	Stats     *telemetry.Stats `json:"stats,omitempty"`
	LastError string           `json:"last_error,omitempty"`
	ErrorAt   *time.Time       `json:"error_at,omitempty"`
}

func (m *Manager) Status() State {
	var st State
	m.errMu.Lock()
	st.LastError = m.lastErr
	if !m.errAt.IsZero() {
		at := m.errAt
		st.ErrorAt = &at
	}
	m.errMu.Unlock()

	switch phase(m.phase.Load()) {
	case phaseConnecting:
		st.Status = Connecting
		return st
	case phaseClosing:
		st.Status = Closing
		return st
	}

	s, err := m.live()
	if err != nil {
		st.Status = Disconnected
		return st
	}
	st.Status = Connected
	st.Session = s.ID
	st.Port = s.Port
	st.Baud = s.Baud
	since := s.Since
	st.Since = &since
	stats := s.ingestor.Stats()
	st.Stats = &stats
	st.Vehicle = &Vehicle{
		SystemID:    s.Vehicle.SystemID,
		ComponentID: s.Vehicle.ComponentID,
		Type:        s.Vehicle.VehicleType,
		Autopilot:   s.Vehicle.Autopilot,
		Firmware:    s.link.Modes().Firmware(),
	}
	hb := s.Vehicle
	if e, ok := s.store.Snapshot().Get(telemetry.KindHeartbeat); ok {
		if r, ok := e.Record.(telemetry.HeartbeatRecord); ok {
			st.Mode = r.Mode
			st.Armed = r.Armed
			return st
		}
	}
	st.Mode, _ = s.link.Modes().Name(hb.CustomMode)
	st.Armed = hb.Armed()
	return st
}

func (m *Manager) setErr(err error) {
	m.errMu.Lock()
	m.lastErr = err.Error()
	m.errAt = time.Now()
	m.errMu.Unlock()
}

func (m *Manager) clearErr() {
	m.errMu.Lock()
	m.lastErr = ""
	m.errAt = time.Time{}
	m.errMu.Unlock()
}

