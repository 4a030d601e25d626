package cywlink

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/soypat/cywlink/whd"
)

type runner struct {
	dev     *Device
	bus     busctl
	log     logstate
	credit  creditLedger
	pending *pendingCmd
	irq     <-chan struct{}
	// lastCmd is set when the last outbound frame was a command. Round robin only.
	lastCmd bool

	txbuf [whd.MaxFrameSize / 4]uint32
	rxbuf [whd.MaxFrameSize / 4]uint32
}

// Run boots the chip and serves the bus until ctx is done or the bus fails.
// It must run in its own goroutine; other Device methods block until it has
// booted the chip. Run returns the boot error, the *BusError that stopped it
// or ctx.Err(). It may be called again after it returns.
func (d *Device) Run(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return ErrRunnerStarted
	}
	defer d.running.Store(false)
	s := d.sess.Load()
	if s.isDead() {
		s = newSession()
		d.sess.Store(s)
	}
	r := &runner{
		dev:    d,
		bus:    newBusctl(d.bus),
		credit: newCreditLedger(),
	}
	if irqbus, ok := d.bus.(IRQBus); ok {
		r.irq = irqbus.IRQ()
	}
	r.publishCredit()

	err := r.boot(ctx)
	if err != nil {
		d.logerr("boot failed", errAttr(err))
	} else {
		s.setReady()
		err = r.loop(ctx)
		if ctx.Err() == nil {
			d.logerr("runner stopped", errAttr(err))
		}
	}
	r.teardown(s, err)
	return err
}

func (r *runner) loop(ctx context.Context) error {
	d := r.dev
	tick := time.NewTicker(d.cfg.PollInterval)
	defer tick.Stop()
	for {
		if err := r.log_read(); err != nil {
			return err
		}
		r.expirePending(time.Now())

		var err error
		if r.credit.available() > 0 {
			var sent bool
			sent, err = r.tryOutbound()
			if sent || err != nil {
				if err != nil {
					return err
				}
				continue
			}
			cmdq := d.cmdq
			if r.pending != nil {
				cmdq = nil // One command in flight.
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case p := <-cmdq:
				err = r.sendCommand(p)
			case req := <-d.txq:
				err = r.sendData(req)
			case <-r.irq:
				err = r.handle_irq()
			case <-tick.C:
				err = r.handle_irq()
			}
		} else {
			if !r.credit.stalled {
				r.credit.stalled = true
				d.warn("TX stalled", r.credit.attrs()...)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-r.irq:
				err = r.handle_irq()
			case <-tick.C:
				err = r.handle_irq()
			}
		}
		if err != nil {
			return err
		}
	}
}

// tryOutbound sends one queued command or data frame without blocking.
func (r *runner) tryOutbound() (bool, error) {
	cmdFirst := true
	switch r.dev.cfg.Priority {
	case PriorityData:
		cmdFirst = false
	case PriorityRoundRobin:
		cmdFirst = !r.lastCmd
	}
	for i := 0; i < 2; i++ {
		if cmdFirst {
			if p := r.pollCmd(); p != nil {
				return true, r.sendCommand(p)
			}
		} else if req := r.pollTx(); req != nil {
			return true, r.sendData(req)
		}
		cmdFirst = !cmdFirst
	}
	return false, nil
}

func (r *runner) pollCmd() *pendingCmd {
	if r.pending != nil {
		return nil
	}
	select {
	case p := <-r.dev.cmdq:
		return p
	default:
		return nil
	}
}

func (r *runner) pollTx() *txReq {
	select {
	case req := <-r.dev.txq:
		return req
	default:
		return nil
	}
}

// expirePending discards the command slot once its caller gave up.
func (r *runner) expirePending(now time.Time) {
	if r.pending != nil && r.pending.expired(now) {
		r.dev.debug("ioctl slot expired", slog.Uint64("id", uint64(r.pending.id)))
		r.pending = nil
	}
}

func (r *runner) sendCommand(p *pendingCmd) error {
	if !p.state.CompareAndSwap(cmdQueued, cmdSent) {
		return nil
	}
	seq, err := r.credit.consume()
	if err != nil {
		return err
	}
	buf8 := u32AsU8(r.txbuf[:])
	payload := buf8[whd.SDPCM_HEADER_LEN:]
	cdc := whd.CDCHeader{
		Cmd:    p.cmd.Cmd,
		Length: uint32(len(p.cmd.Data)),
		Flags:  uint16(p.cmd.Kind) | uint16(p.cmd.Iface)<<whd.CDCF_IOC_IF_SHIFT,
		ID:     p.id,
	}
	cdc.Put(payload)
	n := whd.CDC_HEADER_LEN + copy(payload[whd.CDC_HEADER_LEN:], p.cmd.Data)
	r.pending = p
	r.lastCmd = true
	if r.dev.isTraceEnabled() {
		r.dev.trace("tx:ioctl", slog.String("cmd", p.cmd.Cmd.String()), slog.Uint64("id", uint64(p.id)), slog.Uint64("seq", uint64(seq)))
	}
	return r.writeFrame(whd.Frame{Channel: whd.ChannelControl, Seq: seq, Payload: payload[:n]})
}

func (r *runner) sendData(req *txReq) error {
	if !req.state.CompareAndSwap(txQueued, txTaken) {
		return nil // Sender gave up.
	}
	seq, err := r.credit.consume()
	if err != nil {
		req.done <- err
		return err
	}
	buf8 := u32AsU8(r.txbuf[:])
	payload := buf8[whd.HeaderLen(whd.ChannelData):]
	bdc := whd.BDCHeader{Flags: whd.BDC_VERSION}
	bdc.Put(payload)
	n := whd.BDC_HEADER_LEN + copy(payload[whd.BDC_HEADER_LEN:], req.frame)
	r.lastCmd = false
	err = r.writeFrame(whd.Frame{Channel: whd.ChannelData, Seq: seq, Payload: payload[:n]})
	if err != nil {
		req.done <- errjoin(ErrLinkDown, err)
		return err
	}
	req.done <- nil
	return nil
}

// writeFrame encodes f in place in txbuf, writes it and drains any packets
// the chip has ready.
func (r *runner) writeFrame(f whd.Frame) error {
	buf8 := u32AsU8(r.txbuf[:])
	n, err := whd.EncodeFrame(buf8, f)
	if err != nil {
		return err
	}
	aligned := alignup(uint32(n), 4)
	clear(buf8[n:aligned])
	if err = r.bus.wlan_write(r.txbuf[:aligned/4], aligned); err != nil {
		return err
	}
	r.publishCredit()
	return r.check_status()
}

// handle_irq reads the interrupt register and receives pending packets.
func (r *runner) handle_irq() error {
	irq, err := r.bus.interrupts()
	if err != nil {
		return err
	}
	if irq.IsBusOverflowedOrUnderflowed() {
		r.dev.debug("bus fifo error", slog.Uint64("irq", uint64(irq)))
	}
	if irq.IsF2Available() {
		if err = r.check_status(); err != nil {
			return err
		}
	}
	if irq.IsDataUnavailable() {
		err = r.bus.write16(FuncBus, whd.SPI_INTERRUPT_REGISTER, whd.DATA_UNAVAILABLE)
	}
	return err
}

// check_status receives packets for as long as the status reports one available.
func (r *runner) check_status() error {
	for {
		avail, plen, err := r.bus.f2PacketAvail()
		if err != nil {
			return err
		}
		if !avail || plen == 0 {
			return nil
		}
		if err = r.bus.wlan_read(r.rxbuf[:], int(plen)); err != nil {
			return err
		}
		r.rx(u32AsU8(r.rxbuf[:])[:plen])
	}
}

// rx processes one inbound frame. Malformed frames are logged and skipped.
func (r *runner) rx(packet []byte) {
	d := r.dev
	f, hdr, err := whd.DecodeFrame(packet)
	if err != nil {
		d.debug("rx:framing", errAttr(err))
		return
	}
	ok, lost := r.credit.accept(f.Seq)
	if !ok {
		d.debug("rx:stale frame", slog.Uint64("seq", uint64(f.Seq)), slog.String("chan", f.Channel.String()))
		return
	}
	if lost != 0 {
		d.debug("rx:seq resync", slog.Uint64("seq", uint64(f.Seq)), slog.Uint64("lost", uint64(lost)))
	}
	r.credit.update(hdr)
	r.publishCredit()
	if len(f.Payload) == 0 {
		return // Credit update only.
	}

	switch f.Channel {
	case whd.ChannelControl:
		r.rxControl(f.Payload)
	case whd.ChannelEvent:
		r.rxEvent(f.Payload)
	case whd.ChannelData:
		r.rxData(f.Payload)
	case whd.ChannelGlom:
		d.debug("rx:glom frame dropped", slog.Int("len", len(f.Payload)))
	}
}

func (r *runner) rxControl(payload []byte) {
	d := r.dev
	if len(payload) < whd.CDC_HEADER_LEN {
		d.debug("rx:short ioctl response", slog.Int("len", len(payload)))
		return
	}
	cdc := whd.DecodeCDCHeader(payload)
	p := r.pending
	if p == nil || p.id != cdc.ID {
		d.debug("rx:unmatched ioctl response", slog.Uint64("id", uint64(cdc.ID)))
		return
	}
	r.pending = nil
	if p.abandoned() {
		return
	}
	data := payload[whd.CDC_HEADER_LEN:]
	if d.isTraceEnabled() {
		d.trace("rx:ioctl", slog.String("cmd", cdc.Cmd.String()), slog.Uint64("id", uint64(cdc.ID)), slog.Uint64("status", uint64(cdc.Status)))
	}
	p.done <- cmdResult{data: slices.Clone(data), status: cdc.Status}
}

func (r *runner) rxEvent(payload []byte) {
	d := r.dev
	_, pkt, err := whd.BDCPayload(payload)
	if err != nil {
		d.debug("rx:event", errAttr(err))
		return
	}
	evpkt, data, err := whd.DecodeEventPacket(pkt)
	if err != nil {
		d.debug("rx:event", errAttr(err))
		return
	}
	ev := eventFromPacket(&evpkt, data)
	if d.logenabled(slog.LevelDebug) {
		d.debug("rx:event", slog.String("type", ev.Type.String()), slog.String("status", ev.Status.String()),
			slog.Uint64("reason", uint64(ev.Reason)), slog.Uint64("flags", uint64(ev.Flags)))
	}
	d.link.apply(d, ev)
	d.events.publish(ev)
}

func (r *runner) rxData(payload []byte) {
	_, pkt, err := whd.BDCPayload(payload)
	if err != nil {
		r.dev.debug("rx:data", errAttr(err))
		return
	}
	r.dev.deliverEth(pkt)
}

func (r *runner) publishCredit() {
	snap := r.credit.snapshot()
	r.dev.credit.Store(&snap)
}

// teardown ends the session and releases everyone waiting on it.
func (r *runner) teardown(s *session, cause error) {
	d := r.dev
	s.terminate(cause)
	downErr := s.linkDownErr()
	r.pending = nil
drain:
	for {
		select {
		case req := <-d.txq:
			if req.state.CompareAndSwap(txQueued, txAbandoned) {
				req.done <- downErr
			}
		default:
			break drain
		}
	}
	d.link.teardown(d, downErr)
	d.events.closeAll()
}
