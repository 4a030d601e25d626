package cywlink

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync/atomic"

	"github.com/soypat/cywlink/whd"
	"github.com/soypat/seqs/eth"
)

// MTU is the largest Ethernet frame accepted by SendEth.
const MTU = whd.MaxFrameSize - (whd.DATA_PADDING + whd.SDPCM_HEADER_LEN + whd.BDC_HEADER_LEN)

// MinFrame is the Ethernet header length.
const MinFrame = 14

// Data request states.
const (
	txQueued uint32 = iota
	txTaken
	txAbandoned
)

// txReq is an outbound Ethernet frame waiting for the Runner. The frame is
// borrowed from the caller until done receives.
type txReq struct {
	frame []byte
	state atomic.Uint32
	done  chan error
}

// SendEth queues an Ethernet frame and waits until the Runner has written
// it to the bus. frame may be reused once SendEth returns.
func (d *Device) SendEth(ctx context.Context, frame []byte) error {
	if len(frame) > MTU {
		return ErrFrameTooLarge
	} else if len(frame) < MinFrame {
		return ErrFrameTooShort
	}
	s := d.sess.Load()
	if !s.isReady() {
		return s.linkDownErr()
	}
	req := &txReq{frame: frame, done: make(chan error, 1)}
	select {
	case d.txq <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.dead:
		return s.linkDownErr()
	}
	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		if req.state.CompareAndSwap(txQueued, txAbandoned) {
			return ctx.Err()
		}
		// The Runner is copying the frame.
		select {
		case err := <-req.done:
			return err
		case <-s.dead:
			return s.linkDownErr()
		}
	case <-s.dead:
		return s.linkDownErr()
	}
}

// RecvEth blocks for the next received Ethernet frame and copies it to dst.
// A frame larger than dst is discarded and io.ErrShortBuffer returned.
func (d *Device) RecvEth(ctx context.Context, dst []byte) (int, error) {
	s := d.sess.Load()
	select {
	case frame := <-d.rxq:
		return copyFrame(dst, frame)
	default:
	}
	select {
	case frame := <-d.rxq:
		return copyFrame(dst, frame)
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-s.dead:
		return 0, s.linkDownErr()
	}
}

// TryRecvEth is the non-blocking form of RecvEth. It returns 0 and a nil
// error when no frame is queued.
func (d *Device) TryRecvEth(dst []byte) (int, error) {
	select {
	case frame := <-d.rxq:
		return copyFrame(dst, frame)
	default:
		return 0, nil
	}
}

func copyFrame(dst, frame []byte) (int, error) {
	if len(dst) < len(frame) {
		return 0, io.ErrShortBuffer
	}
	return copy(dst, frame), nil
}

// RecvEthHandle sets a handler called by the Runner for each received frame
// instead of queueing it. The frame is only valid during the call and the
// handler must not block. A nil handler restores queueing.
func (d *Device) RecvEthHandle(handler func(pkt []byte) error) {
	if handler == nil {
		d.rcvEth.Store(nil)
		return
	}
	d.rcvEth.Store(&handler)
}

// deliverEth routes a received Ethernet frame. Called by the Runner.
func (d *Device) deliverEth(pkt []byte) {
	if d.isTraceEnabled() && len(pkt) >= MinFrame {
		ehdr := eth.DecodeEthernetHeader(pkt)
		d.trace("rx:eth",
			slog.String("dst", net.HardwareAddr(ehdr.Destination[:]).String()),
			slog.String("src", net.HardwareAddr(ehdr.Source[:]).String()),
			slog.Uint64("type", uint64(ehdr.SizeOrEtherType)),
			slog.Int("len", len(pkt)),
		)
	}
	if h := d.rcvEth.Load(); h != nil {
		if err := (*h)(pkt); err != nil {
			d.debug("rx:handler", errAttr(err))
		}
		return
	}
	frame := make([]byte, len(pkt))
	copy(frame, pkt)
	select {
	case d.rxq <- frame:
	default:
		d.warn("rx:queue full, dropping frame", slog.Int("len", len(pkt)))
	}
}
