// Package cywnet runs the seqs user space TCP/IP stack over a cywlink Device.
package cywnet

import (
	"context"
	"errors"
	"log/slog"
	"net/netip"
	"time"

	"github.com/soypat/cywlink"
	"github.com/soypat/seqs/eth/dhcp"
	"github.com/soypat/seqs/stacks"
)

var (
	errNoDevice = errors.New("cywnet: nil device")
	errNoMAC    = errors.New("cywnet: device has no hardware address, run Up first")
)

// StackConfig configures the network stack. Zero fields take defaults.
type StackConfig struct {
	// Number of UDP ports the application opens. One more is reserved
	// for the DHCP client.
	MaxOpenPortsUDP int
	MaxOpenPortsTCP int
	// Idle is how long Run sleeps when neither side has a packet.
	// Defaults to 5ms.
	Idle time.Duration
	// Interval between DHCP progress checks. Defaults to 50ms.
	DHCPPoll time.Duration
	// RequestedAddr is asked for during DHCP. May be invalid.
	RequestedAddr netip.Addr
	Logger        *slog.Logger
}

// Stack moves Ethernet frames between a Device and a stacks.PortStack.
type Stack struct {
	dev   *cywlink.Device
	stack *stacks.PortStack
	cfg   StackConfig
	log   *slog.Logger
	dhcp  *stacks.DHCPClient
	rxbuf [cywlink.MTU]byte
	txbuf [cywlink.MTU]byte
}

// New builds a stack using the device MAC address. The device must be Up.
func New(dev *cywlink.Device, cfg StackConfig) (*Stack, error) {
	if dev == nil {
		return nil, errNoDevice
	}
	mac := dev.HardwareAddr6()
	if mac == [6]byte{} {
		return nil, errNoMAC
	}
	if cfg.Idle <= 0 {
		cfg.Idle = 5 * time.Millisecond
	}
	if cfg.DHCPPoll <= 0 {
		cfg.DHCPPoll = 50 * time.Millisecond
	}
	s := &Stack{
		dev: dev,
		cfg: cfg,
		log: cfg.Logger,
		stack: stacks.NewPortStack(stacks.PortStackConfig{
			MAC:             mac,
			MaxOpenPortsUDP: cfg.MaxOpenPortsUDP + 1,
			MaxOpenPortsTCP: cfg.MaxOpenPortsTCP,
			MTU:             cywlink.MTU,
			Logger:          cfg.Logger,
		}),
	}
	return s, nil
}

// PortStack returns the underlying stack for opening sockets.
func (s *Stack) PortStack() *stacks.PortStack { return s.stack }

// Addr returns the IP address of the stack.
func (s *Stack) Addr() netip.Addr { return s.stack.Addr() }

// Run moves packets until ctx is done or the device link goes down. Only
// one Run may be active per Stack.
func (s *Stack) Run(ctx context.Context) error {
	idle := time.NewTimer(s.cfg.Idle)
	defer idle.Stop()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		rx, err := s.recvOne()
		if err != nil {
			return err
		}
		tx, err := s.sendOne(ctx)
		if err != nil {
			return err
		}
		if rx || tx {
			continue
		}
		idle.Reset(s.cfg.Idle)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-idle.C:
		}
	}
}

func (s *Stack) recvOne() (bool, error) {
	n, err := s.dev.TryRecvEth(s.rxbuf[:])
	if err != nil {
		return false, err
	} else if n == 0 {
		return false, nil
	}
	if err = s.stack.RecvEth(s.rxbuf[:n]); err != nil {
		s.debug("stack:RecvEth", slog.Int("plen", n), slog.String("err", err.Error()))
	}
	return true, nil
}

func (s *Stack) sendOne(ctx context.Context) (bool, error) {
	n, err := s.stack.HandleEth(s.txbuf[:])
	if err != nil {
		s.debug("stack:HandleEth", slog.String("err", err.Error()))
		return false, nil
	} else if n == 0 {
		return false, nil
	}
	if err = s.dev.SendEth(ctx, s.txbuf[:n]); err != nil {
		if errors.Is(err, cywlink.ErrLinkDown) || ctx.Err() != nil {
			return false, err
		}
		s.debug("dropped outgoing packet", slog.Int("plen", n), slog.String("err", err.Error()))
	}
	return true, nil
}

// DoDHCP requests an address and assigns it to the stack once the
// exchange completes. Run must be active for packets to flow.
func (s *Stack) DoDHCP(ctx context.Context, hostname string) (netip.Addr, error) {
	if s.dhcp == nil {
		s.dhcp = stacks.NewDHCPClient(s.stack, dhcp.DefaultClientPort)
	}
	err := s.dhcp.BeginRequest(stacks.DHCPRequestConfig{
		RequestedAddr: s.cfg.RequestedAddr,
		Xid:           uint32(time.Now().Nanosecond()),
		Hostname:      hostname,
	})
	if err != nil {
		return netip.Addr{}, err
	}
	tick := time.NewTicker(s.cfg.DHCPPoll)
	defer tick.Stop()
	for !s.dhcp.IsDone() {
		select {
		case <-ctx.Done():
			return netip.Addr{}, ctx.Err()
		case <-tick.C:
		}
	}
	ip := s.dhcp.Offer()
	if s.log != nil {
		s.log.LogAttrs(ctx, slog.LevelInfo, "DHCP complete",
			slog.String("ourIP", ip.String()),
			slog.Uint64("cidrbits", uint64(s.dhcp.CIDRBits())),
			slog.String("router", s.dhcp.Router().String()),
			slog.String("dhcp", s.dhcp.DHCPServer().String()),
			slog.Duration("lease", s.dhcp.IPLeaseTime()),
		)
	}
	s.stack.SetAddr(ip)
	return ip, nil
}

// DNSServers returns the servers offered by the last DHCP exchange.
func (s *Stack) DNSServers() []netip.Addr {
	if s.dhcp == nil {
		return nil
	}
	return s.dhcp.DNSServers()
}

func (s *Stack) debug(msg string, attrs ...slog.Attr) {
	if s.log != nil {
		s.log.LogAttrs(context.Background(), slog.LevelDebug, msg, attrs...)
	}
}
