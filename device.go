// Package cywlink is a host driver for the CYW43439 WiFi chip over gSPI.
//
// A single Runner goroutine owns the bus. Commands, data frames and event
// subscriptions reach it through channels:
//
//	dev := cywlink.New(bus, cfg)
//	go dev.Run(ctx)       // boots the chip and serves the bus until ctx ends
//	err := dev.Up(ctx)    // CLM, country, MAC and power mode
//	err = dev.Join(ctx, "ssid", cywlink.JoinOptions{Passphrase: "secret"})
package cywlink

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
)

// Device is a CYW43439 driven through a Bus. Its methods are safe for
// concurrent use; only Run touches the bus.
type Device struct {
	cfg    Config
	chip   Chip
	logger *slog.Logger
	bus    Bus

	running atomic.Bool
	sess    atomic.Pointer[session]
	credit  atomic.Pointer[CreditSnapshot]

	// Outbound queues consumed by the Runner.
	cmdq chan *pendingCmd
	txq  chan *txReq
	// Inbound data frames waiting for RecvEth.
	rxq    chan []byte
	rcvEth atomic.Pointer[func([]byte) error]

	admit   admission
	ioctlID uint16 // guarded by admit.

	events eventBus
	link   linkMachine

	mu  sync.Mutex
	mac [6]byte
}

// session is the lifetime of one Run call.
type session struct {
	ready     chan struct{}
	dead      chan struct{}
	err       error // set before dead is closed
	readyOnce sync.Once
	deadOnce  sync.Once
}

func newSession() *session {
	return &session{ready: make(chan struct{}), dead: make(chan struct{})}
}

func (s *session) isReady() bool {
	if s.isDead() {
		return false
	}
	select {
	case <-s.ready:
		return true
	default:
		return false
	}
}

func (s *session) isDead() bool {
	select {
	case <-s.dead:
		return true
	default:
		return false
	}
}

func (s *session) setReady() { s.readyOnce.Do(func() { close(s.ready) }) }

func (s *session) terminate(err error) {
	s.deadOnce.Do(func() {
		s.err = err
		close(s.dead)
	})
}

// linkDownErr is the error handed to waiters of a terminated session.
func (s *session) linkDownErr() error {
	if s.err == nil {
		return ErrLinkDown
	}
	return errjoin(ErrLinkDown, s.err)
}

// New returns a Device on bus. It does nothing on the bus until Run is called.
func New(bus Bus, cfg Config) *Device {
	cfg = cfg.withDefaults()
	d := &Device{
		cfg:    cfg,
		chip:   cfg.Chip,
		logger: cfg.Logger,
		bus:    bus,
		cmdq:   make(chan *pendingCmd),
		txq:    make(chan *txReq, cfg.TxQueueLen),
		rxq:    make(chan []byte, cfg.RxQueueLen),
	}
	d.sess.Store(newSession())
	d.credit.Store(&CreditSnapshot{Available: 1, Granted: 1, TxMax: 1})
	return d
}

// Config returns the effective configuration, defaults applied.
func (d *Device) Config() Config { return d.cfg }

// WaitReady blocks until the Runner has booted the chip.
func (d *Device) WaitReady(ctx context.Context) error {
	s := d.sess.Load()
	select {
	case <-s.ready:
		if s.isDead() {
			return s.linkDownErr()
		}
		return nil
	case <-s.dead:
		return s.linkDownErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsReady reports whether the Runner is serving the bus.
func (d *Device) IsReady() bool { return d.sess.Load().isReady() }

// Credit returns the last published credit ledger snapshot.
func (d *Device) Credit() CreditSnapshot { return *d.credit.Load() }

// HardwareAddr6 returns the MAC address learned by Up.
func (d *Device) HardwareAddr6() [6]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mac
}

func (d *Device) HardwareAddr() net.HardwareAddr {
	mac := d.HardwareAddr6()
	return net.HardwareAddr(mac[:])
}

func (d *Device) setMAC(mac [6]byte) {
	d.mu.Lock()
	d.mac = mac
	d.mu.Unlock()
}
