package cywlink

import (
	"log/slog"

	"github.com/soypat/cywlink/whd"
)

// staleSeqWindow is how far behind the expected inbound sequence number a
// frame may be and still count as a duplicate rather than a resync.
const staleSeqWindow = 0x3f

// CreditSnapshot is a point in time view of the Runner's flow control state.
type CreditSnapshot struct {
	// Available is the number of frames that may be sent now.
	Available uint8
	// Granted is the window the chip reported in its last frame.
	Granted uint8
	// TxSeq is the sequence number the next outbound frame carries.
	TxSeq uint8
	// TxMax is the sequence number the chip accepts up to (exclusive).
	TxMax uint8
	// RxSeq is the next expected inbound sequence number.
	RxSeq    uint8
	Sent     uint32
	Received uint32
	// Dropped counts inbound frames discarded as stale duplicates.
	Dropped uint32
}

// creditLedger tracks the SDPCM sliding window. Owned by the Runner.
type creditLedger struct {
	txSeq   uint8
	txMax   uint8
	rxSeq   uint8
	granted uint8
	synced  bool

	sent     uint32
	received uint32
	dropped  uint32
	// stalled is set once a stall has been logged and cleared when credit returns.
	stalled bool
}

func newCreditLedger() creditLedger {
	return creditLedger{txMax: 1, granted: 1}
}

// available returns the number of frames the chip will accept.
func (c *creditLedger) available() uint8 {
	n := c.txMax - c.txSeq
	if n&0x80 != 0 {
		return 0
	}
	return n
}

// consume assigns the next sequence number to an outbound frame.
func (c *creditLedger) consume() (uint8, error) {
	if c.available() == 0 {
		return 0, ErrNoCredit
	}
	seq := c.txSeq
	c.txSeq++
	c.sent++
	return seq, nil
}

// update applies the credit grant of an inbound frame. Glom frames carry no
// usable grant. A jump of more than 0x40 is bogus and is clamped.
func (c *creditLedger) update(hdr whd.SDPCMHeader) {
	if hdr.Channel() >= whd.ChannelGlom {
		return
	}
	max := hdr.BusDataCredit
	if max-c.txSeq > 0x40 {
		max = c.txSeq + 2
	}
	c.txMax = max
	c.granted = c.txMax - c.txSeq
	if c.available() > 0 {
		c.stalled = false
	}
}

// accept reports whether an inbound frame with sequence seq should be
// processed and how many frames were skipped when it resynchronised.
func (c *creditLedger) accept(seq uint8) (ok bool, lost uint8) {
	if !c.synced {
		c.synced = true
	} else if behind := c.rxSeq - seq; behind >= 1 && behind <= staleSeqWindow {
		c.dropped++
		return false, 0
	} else {
		lost = seq - c.rxSeq
	}
	c.rxSeq = seq + 1
	c.received++
	return true, lost
}

func (c *creditLedger) snapshot() CreditSnapshot {
	return CreditSnapshot{
		Available: c.available(),
		Granted:   c.granted,
		TxSeq:     c.txSeq,
		TxMax:     c.txMax,
		RxSeq:     c.rxSeq,
		Sent:      c.sent,
		Received:  c.received,
		Dropped:   c.dropped,
	}
}

func (c *creditLedger) attrs() []slog.Attr {
	return []slog.Attr{
		slog.Uint64("tx_seq", uint64(c.txSeq)),
		slog.Uint64("tx_max", uint64(c.txMax)),
		slog.Uint64("granted", uint64(c.granted)),
	}
}
