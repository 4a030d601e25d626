package cywlink

import (
	"strings"

	"github.com/soypat/cywlink/whd"
)

// Function is the gSPI function number of a bus command.
type Function uint32

const (
	// FuncBus addresses the SPI specific registers.
	FuncBus Function = 0b00
	// FuncBackplane addresses the backplane through a 32KiB window (64 bytes per transfer).
	FuncBackplane Function = 0b01
	// FuncWLAN is DMA channel 1 carrying SDPCM frames up to 2048 bytes.
	FuncWLAN Function = 0b10
	// FuncDMA2 is the optional second DMA channel.
	FuncDMA2 Function = 0b11
)

func (f Function) String() string {
	switch f {
	case FuncBus:
		return "bus"
	case FuncBackplane:
		return "backplane"
	case FuncWLAN:
		return "wlan"
	case FuncDMA2:
		return "dma2"
	}
	return "unknown"
}

// Status is the gSPI status word the chip returns after every transaction.
type Status uint32

func (s Status) String() string {
	if s == 0 {
		return "no status"
	}
	var b strings.Builder
	add := func(cond bool, name string) {
		if cond {
			if b.Len() > 0 {
				b.WriteByte(' ')
			}
			b.WriteString(name)
		}
	}
	add(s.HostCommandDataError(), "hostcmderr")
	add(s.DataUnavailable(), "dataunavailable")
	add(s.IsOverflow(), "overflow")
	add(s.IsUnderflow(), "underflow")
	add(s.F2PacketAvailable(), "packetavail")
	add(s.F2RxReady(), "rxready")
	return b.String()
}

// DataUnavailable returns true if requested read data is unavailable.
func (s Status) DataUnavailable() bool { return s&whd.STATUS_DATA_NOT_AVAILABLE != 0 }

// IsUnderflow returns true if FIFO underflow occurred due to current (F2, F3) read command.
func (s Status) IsUnderflow() bool { return s&whd.STATUS_UNDERFLOW != 0 }

// IsOverflow returns true if FIFO overflow occurred due to current (F1, F2, F3) write command.
func (s Status) IsOverflow() bool { return s&whd.STATUS_OVERFLOW != 0 }

// F2RxReady returns true if the F2 FIFO is ready to receive data. Set once firmware is up.
func (s Status) F2RxReady() bool { return s&whd.STATUS_F2_RX_READY != 0 }

func (s Status) HostCommandDataError() bool { return s&whd.STATUS_HOST_CMD_DATA_ERR != 0 }

// F2PacketAvailable returns true if a packet is ready in the F2 TX FIFO.
func (s Status) F2PacketAvailable() bool { return s&whd.STATUS_F2_PKT_AVAILABLE != 0 }

// F2PacketLength returns the length of the packet waiting in the F2 FIFO.
func (s Status) F2PacketLength() uint16 {
	return uint16((s & whd.STATUS_F2_PKT_LEN_MASK) >> whd.STATUS_F2_PKT_LEN_SHIFT)
}

// Interrupts is the value of the gSPI interrupt register.
type Interrupts uint16

func (irq Interrupts) IsBusOverflowedOrUnderflowed() bool {
	return irq&(whd.F2_F3_FIFO_RD_UNDERFLOW|whd.F2_F3_FIFO_WR_OVERFLOW|whd.F1_OVERFLOW) != 0
}

func (irq Interrupts) IsF2Available() bool { return irq&whd.F2_PACKET_AVAILABLE != 0 }

func (irq Interrupts) IsDataUnavailable() bool { return irq&whd.DATA_UNAVAILABLE != 0 }
