package cywlink

import (
	"context"
	"encoding/binary"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/soypat/cywlink/whd"
)

// Command kinds.
const (
	KindGet = whd.SDPCM_GET
	KindSet = whd.SDPCM_SET
)

// maxIoctlData is the largest command payload that fits one control frame.
const maxIoctlData = whd.MaxFrameSize - whd.SDPCM_HEADER_LEN - whd.CDC_HEADER_LEN

// Command is a single ioctl request to the firmware.
type Command struct {
	Kind  uint8
	Cmd   whd.SDPCMCommand
	Iface whd.IoctlInterface
	// Data is the request payload. For gets its length sets the response size.
	Data []byte
}

func (c Command) validate() error {
	if (c.Kind != KindGet && c.Kind != KindSet) || !c.Cmd.IsValid() || !c.Iface.IsValid() {
		return errInvalidIoctl
	}
	if len(c.Data) > maxIoctlData {
		return errIoctlDataTooLarge
	}
	return nil
}

// Pending command states.
const (
	cmdQueued uint32 = iota
	cmdSent
	cmdAbandoned
)

type cmdResult struct {
	data   []byte
	status uint32
}

// pendingCmd is the single in flight command slot shared by the caller of
// Issue and the Runner.
type pendingCmd struct {
	id       uint16
	cmd      Command
	deadline time.Time
	state    atomic.Uint32
	done     chan cmdResult
}

func (p *pendingCmd) abandoned() bool { return p.state.Load() == cmdAbandoned }

// expired reports whether the Runner may discard the slot.
func (p *pendingCmd) expired(now time.Time) bool {
	return p.abandoned() || now.After(p.deadline)
}

// admission grants exclusive command issuance in arrival order.
type admission struct {
	mu      sync.Mutex
	busy    bool
	waiters []chan struct{}
}

func (a *admission) acquire(ctx context.Context, dead <-chan struct{}, deadErr func() error) error {
	a.mu.Lock()
	if !a.busy {
		a.busy = true
		a.mu.Unlock()
		return nil
	}
	ticket := make(chan struct{})
	a.waiters = append(a.waiters, ticket)
	a.mu.Unlock()

	var err error
	select {
	case <-ticket:
		return nil
	case <-ctx.Done():
		err = ctx.Err()
	case <-dead:
		err = deadErr()
	}
	a.mu.Lock()
	if i := slices.Index(a.waiters, ticket); i >= 0 {
		a.waiters = slices.Delete(a.waiters, i, i+1)
		a.mu.Unlock()
		return err
	}
	a.mu.Unlock()
	// Granted while we were leaving; hand it on.
	a.release()
	return err
}

func (a *admission) release() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.waiters) == 0 {
		a.busy = false
		return
	}
	next := a.waiters[0]
	a.waiters = slices.Delete(a.waiters, 0, 1)
	close(next)
}

// Issue sends cmd to the firmware and waits for its response. Commands are
// issued one at a time in arrival order. A response with non-zero status
// returns an *IoctlError along with the response data.
func (d *Device) Issue(ctx context.Context, cmd Command) ([]byte, error) {
	if err := cmd.validate(); err != nil {
		return nil, err
	}
	s := d.sess.Load()
	if !s.isReady() {
		return nil, s.linkDownErr()
	}
	if err := d.admit.acquire(ctx, s.dead, s.linkDownErr); err != nil {
		return nil, err
	}
	defer d.admit.release()

	d.ioctlID++
	if d.ioctlID == 0 {
		d.ioctlID = 1
	}
	deadline := time.Now().Add(d.cfg.CommandTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	cmd.Data = slices.Clone(cmd.Data)
	p := &pendingCmd{
		id:       d.ioctlID,
		cmd:      cmd,
		deadline: deadline,
		done:     make(chan cmdResult, 1),
	}
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	if d.isTraceEnabled() {
		d.trace("issue", slog.String("cmd", cmd.Cmd.String()), slog.Uint64("id", uint64(p.id)), slog.Int("len", len(cmd.Data)))
	}

	select {
	case d.cmdq <- p:
	case <-timer.C:
		return nil, ErrCommandTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.dead:
		return nil, s.linkDownErr()
	}

	select {
	case res := <-p.done:
		if res.status != 0 {
			return res.data, &IoctlError{Cmd: cmd.Cmd, Status: res.status}
		}
		return res.data, nil
	case <-timer.C:
		p.state.Store(cmdAbandoned)
		return nil, ErrCommandTimeout
	case <-ctx.Done():
		p.state.Store(cmdAbandoned)
		return nil, ctx.Err()
	case <-s.dead:
		return nil, s.linkDownErr()
	}
}

func (d *Device) doIoctlGet(ctx context.Context, cmd whd.SDPCMCommand, iface whd.IoctlInterface, data []byte) (int, error) {
	res, err := d.Issue(ctx, Command{Kind: KindGet, Cmd: cmd, Iface: iface, Data: data})
	n := copy(data, res)
	return n, err
}

func (d *Device) doIoctlSet(ctx context.Context, cmd whd.SDPCMCommand, iface whd.IoctlInterface, data []byte) error {
	_, err := d.Issue(ctx, Command{Kind: KindSet, Cmd: cmd, Iface: iface, Data: data})
	return err
}

func (d *Device) setIoctl(ctx context.Context, cmd whd.SDPCMCommand, iface whd.IoctlInterface, val uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], val)
	return d.doIoctlSet(ctx, cmd, iface, buf[:])
}

func (d *Device) getVar(ctx context.Context, name string, iface whd.IoctlInterface) (uint32, error) {
	var buf [4]byte
	_, err := d.getVarN(ctx, name, iface, buf[:])
	return binary.LittleEndian.Uint32(buf[:]), err
}

// getVarN reads iovar name into res and returns the number of bytes read.
func (d *Device) getVarN(ctx context.Context, name string, iface whd.IoctlInterface, res []byte) (int, error) {
	n := max(len(name)+1, len(res))
	if n > maxIoctlData {
		return 0, errIOVarTooLarge
	}
	buf := make([]byte, n)
	copy(buf, name)
	d.trace("get_var", slog.String("var", name), slog.Int("reslen", n))
	plen, err := d.doIoctlGet(ctx, whd.WLC_GET_VAR, iface, buf)
	if err != nil {
		return 0, err
	}
	return copy(res, buf[:plen]), nil
}

func (d *Device) setVar(ctx context.Context, name string, iface whd.IoctlInterface, val uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], val)
	return d.setVarN(ctx, name, iface, buf[:])
}

func (d *Device) setVar2(ctx context.Context, name string, iface whd.IoctlInterface, val0, val1 uint32) error {
	var buf [8]byte
	binary.LittleEndian.PutUint32(buf[:4], val0)
	binary.LittleEndian.PutUint32(buf[4:], val1)
	return d.setVarN(ctx, name, iface, buf[:])
}

// setVarN sets iovar name to val. The payload is the NUL terminated name followed by val.
func (d *Device) setVarN(ctx context.Context, name string, iface whd.IoctlInterface, val []byte) error {
	if len(name)+1+len(val) > maxIoctlData {
		return errIOVarTooLarge
	}
	d.trace("set_var", slog.String("var", name), slog.Int("len", len(val)))
	buf := make([]byte, len(name)+1+len(val))
	n := copy(buf, name)
	copy(buf[n+1:], val)
	return d.doIoctlSet(ctx, whd.WLC_SET_VAR, iface, buf)
}

// GPIOSet drives one of the chip's GPIO pins. On the Pico W pin 0 is the LED.
func (d *Device) GPIOSet(ctx context.Context, pin uint8, value bool) error {
	if pin > 2 {
		return errGPIORange
	}
	var val uint32
	if value {
		val = 1 << pin
	}
	return d.setVar2(ctx, "gpioout", whd.IF_STA, 1<<pin, val)
}
