package cywlink

// Register access over gSPI.

import (
	"errors"
	"unsafe"

	"github.com/soypat/cywlink/whd"
	"golang.org/x/exp/constraints"
)

// Bus is the word level gSPI transport to the chip. Implementations must
// leave chip select inactive between calls.
type Bus interface {
	// CmdRead sends the command word cmd and reads len(buf) words back.
	CmdRead(cmd uint32, buf []uint32) error
	// CmdWrite sends the command word cmd followed by buf.
	CmdWrite(cmd uint32, buf []uint32) error
	// LastStatus returns the status word of the last transaction.
	LastStatus() uint32
	// SetReset drives WL_REG_ON. asserted=true holds the chip in reset.
	SetReset(asserted bool)
}

// IRQBus is a Bus providing a data-available signal (WL_HOST_WAKE).
// Busses without it are polled.
type IRQBus interface {
	Bus
	// IRQ receives a value when the chip raises its host interrupt line.
	IRQ() <-chan struct{}
}

const maxBackplaneTx = whd.BUS_SPI_MAX_BACKPLANE_TRANSFER_SIZE

// busctl owns register level access to the chip. Only the Runner holds one.
type busctl struct {
	spi    Bus
	window uint32
	rw     [2]uint32
	// bpbuf holds one backplane chunk plus the response delay word.
	bpbuf [maxBackplaneTx/4 + 1]uint32
}

const invalidWindow = 0xaaaa_aaaa

func newBusctl(spi Bus) busctl {
	return busctl{spi: spi, window: invalidWindow}
}

func (b *busctl) cmd_read(cmd uint32, buf []uint32) error {
	if err := b.spi.CmdRead(cmd, buf); err != nil {
		return &BusError{Op: "read", Err: err}
	}
	return nil
}

func (b *busctl) cmd_write(cmd uint32, buf []uint32) error {
	if err := b.spi.CmdWrite(cmd, buf); err != nil {
		return &BusError{Op: "write", Err: err}
	}
	return nil
}

func (b *busctl) status() Status {
	return Status(b.spi.LastStatus())
}

func (b *busctl) interrupts() (Interrupts, error) {
	irq, err := b.read16(FuncBus, whd.SPI_INTERRUPT_REGISTER)
	return Interrupts(irq), err
}

func (b *busctl) wlan_read(buf []uint32, lenInBytes int) error {
	cmd := cmd_word(false, true, FuncWLAN, 0, uint32(lenInBytes))
	return b.cmd_read(cmd, buf[:(lenInBytes+3)/4])
}

func (b *busctl) wlan_write(data []uint32, plen uint32) error {
	cmd := cmd_word(true, true, FuncWLAN, 0, plen)
	return b.cmd_write(cmd, data)
}

// bp_read reads len(data) bytes of backplane memory at addr, in chunks that
// never cross a backplane window.
func (b *busctl) bp_read(addr uint32, data []byte) error {
	buf8 := u32AsU8(b.bpbuf[:])
	for len(data) > 0 {
		windowOffset := addr & whd.BACKPLANE_ADDR_MASK
		windowRemaining := whd.BACKPLANE_WINDOW_SIZE - windowOffset
		n := min(uint32(len(data)), maxBackplaneTx, windowRemaining)
		if err := b.backplane_setwindow(addr); err != nil {
			return err
		}
		cmd := cmd_word(false, true, FuncBackplane, windowOffset, n)
		// One extra word for the response delay.
		if err := b.cmd_read(cmd, b.bpbuf[:alignup(n, 4)/4+1]); err != nil {
			return err
		}
		copy(data[:n], buf8[4:4+n])
		addr += n
		data = data[n:]
	}
	return nil
}

// bp_write writes data to backplane memory at addr. addr must be 4 byte
// aligned; a trailing partial word is zero padded.
func (b *busctl) bp_write(addr uint32, data []byte) error {
	if !isaligned(addr, 4) {
		return errors.New("addr must be 4-byte aligned")
	}
	buf8 := u32AsU8(b.bpbuf[:])
	for len(data) > 0 {
		windowOffset := addr & whd.BACKPLANE_ADDR_MASK
		windowRemaining := whd.BACKPLANE_WINDOW_SIZE - windowOffset
		n := min(uint32(len(data)), maxBackplaneTx, windowRemaining)
		words := alignup(n, 4) / 4
		copy(buf8[:n], data[:n])
		clear(buf8[n : words*4])
		if err := b.backplane_setwindow(addr); err != nil {
			return err
		}
		cmd := cmd_word(true, true, FuncBackplane, windowOffset, words*4)
		if err := b.cmd_write(cmd, b.bpbuf[:words]); err != nil {
			return err
		}
		addr += n
		data = data[n:]
	}
	return nil
}

func (b *busctl) bp_read8(addr uint32) (uint8, error) {
	v, err := b.backplane_readn(addr, 1)
	return uint8(v), err
}

func (b *busctl) bp_write8(addr uint32, val uint8) error {
	return b.backplane_writen(addr, uint32(val), 1)
}

func (b *busctl) bp_read16(addr uint32) (uint16, error) {
	v, err := b.backplane_readn(addr, 2)
	return uint16(v), err
}

func (b *busctl) bp_read32(addr uint32) (uint32, error) {
	return b.backplane_readn(addr, 4)
}

func (b *busctl) bp_write32(addr, val uint32) error {
	return b.backplane_writen(addr, val, 4)
}

func (b *busctl) backplane_readn(addr, size uint32) (uint32, error) {
	if err := b.backplane_setwindow(addr); err != nil {
		return 0, err
	}
	addr &= whd.BACKPLANE_ADDR_MASK
	if size == 4 {
		addr |= whd.SBSDIO_SB_ACCESS_2_4B_FLAG
	}
	return b.readn(FuncBackplane, addr, size)
}

func (b *busctl) backplane_writen(addr, val, size uint32) error {
	if err := b.backplane_setwindow(addr); err != nil {
		return err
	}
	addr &= whd.BACKPLANE_ADDR_MASK
	if size == 4 {
		addr |= whd.SBSDIO_SB_ACCESS_2_4B_FLAG
	}
	return b.writen(FuncBackplane, addr, val, size)
}

// backplane_setwindow points the backplane window at addr, writing only the
// address bytes that changed.
func (b *busctl) backplane_setwindow(addr uint32) (err error) {
	addr &^= whd.BACKPLANE_ADDR_MASK
	current := b.window
	if addr == current {
		return nil
	}
	if addr&0xff000000 != current&0xff000000 {
		err = b.write8(FuncBackplane, whd.SDIO_BACKPLANE_ADDRESS_HIGH, uint8(addr>>24))
	}
	if err == nil && addr&0x00ff0000 != current&0x00ff0000 {
		err = b.write8(FuncBackplane, whd.SDIO_BACKPLANE_ADDRESS_MID, uint8(addr>>16))
	}
	if err == nil && addr&0x0000ff00 != current&0x0000ff00 {
		err = b.write8(FuncBackplane, whd.SDIO_BACKPLANE_ADDRESS_LOW, uint8(addr>>8))
	}
	if err != nil {
		b.window = invalidWindow
		return err
	}
	b.window = addr
	return nil
}

func (b *busctl) read32(fn Function, addr uint32) (uint32, error) {
	return b.readn(fn, addr, 4)
}

func (b *busctl) read16(fn Function, addr uint32) (uint16, error) {
	v, err := b.readn(fn, addr, 2)
	return uint16(v), err
}

func (b *busctl) read8(fn Function, addr uint32) (uint8, error) {
	v, err := b.readn(fn, addr, 1)
	return uint8(v), err
}

func (b *busctl) write32(fn Function, addr, val uint32) error {
	return b.writen(fn, addr, val, 4)
}

func (b *busctl) write16(fn Function, addr uint32, val uint16) error {
	return b.writen(fn, addr, uint32(val), 2)
}

func (b *busctl) write8(fn Function, addr uint32, val uint8) error {
	return b.writen(fn, addr, uint32(val), 1)
}

// writen is the primitive write for <= 4 byte registers.
func (b *busctl) writen(fn Function, addr, val, size uint32) error {
	cmd := cmd_word(true, true, fn, addr, size)
	b.rw = [2]uint32{val, 0}
	return b.cmd_write(cmd, b.rw[:1])
}

// readn is the primitive read for <= 4 byte registers. Backplane reads
// are preceded by a response delay word.
func (b *busctl) readn(fn Function, addr, size uint32) (uint32, error) {
	cmd := cmd_word(false, true, fn, addr, size)
	var padding uint32
	if fn == FuncBackplane {
		padding = 1
	}
	b.rw = [2]uint32{}
	err := b.cmd_read(cmd, b.rw[:1+padding])
	mask := uint32(0xffff_ffff)
	if size < 4 {
		mask = 1<<(8*size) - 1
	}
	return b.rw[padding] & mask, err
}

// read32_swapped reads a bus register before word mode is configured, when
// the chip expects 16 bit halves swapped.
func (b *busctl) read32_swapped(addr uint32) (uint32, error) {
	cmd := cmd_word(false, true, FuncBus, addr, 4)
	b.rw = [2]uint32{}
	err := b.cmd_read(swap16(cmd), b.rw[:1])
	return swap16(b.rw[0]), err
}

func (b *busctl) write32_swapped(addr, val uint32) error {
	cmd := cmd_word(true, true, FuncBus, addr, 4)
	b.rw = [2]uint32{swap16(val), 0}
	return b.cmd_write(swap16(cmd), b.rw[:1])
}

// f2PacketAvail reports whether a packet waits in the F2 FIFO and its length.
// The cached status of the last transaction is checked before the
// interrupt register is read.
func (b *busctl) f2PacketAvail() (bool, uint16, error) {
	status := b.status()
	if status.F2PacketAvailable() {
		return true, status.F2PacketLength(), nil
	}
	irq, err := b.interrupts()
	if err != nil {
		return false, 0, err
	}
	if irq.IsF2Available() {
		status = b.status()
		if status.F2PacketAvailable() {
			return true, status.F2PacketLength(), nil
		}
	}
	if irq.IsDataUnavailable() {
		err = b.write16(FuncBus, whd.SPI_INTERRUPT_REGISTER, whd.DATA_UNAVAILABLE)
	}
	return false, 0, err
}

// CommandWord assembles a gSPI command word. size is in bytes; 2048 encodes as 0.
func CommandWord(write, autoInc bool, fn Function, addr, size uint32) uint32 {
	return cmd_word(write, autoInc, fn, addr, size)
}

func cmd_word(write, autoInc bool, fn Function, addr uint32, sz uint32) uint32 {
	return b2u32(write)<<31 | b2u32(autoInc)<<30 | uint32(fn)<<28 | (addr&0x1ffff)<<11 | sz&0x7ff
}

func swap16(x uint32) uint32 { return x<<16 | x>>16 }

func b2u32(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

// u32AsU8 views a word buffer as bytes in host order (little endian on every supported target).
func u32AsU8(buf []uint32) []byte {
	if len(buf) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&buf[0])), 4*len(buf))
}

// alignup rounds `val` up to nearest multiple of `align`. `align` must be a power of 2.
func alignup[T constraints.Unsigned](val, align T) T {
	return (val + align - 1) &^ (align - 1)
}

// isaligned checks if `val` is wholly divisible by `align`. `align` must be a power of 2.
func isaligned[T constraints.Unsigned](val, align T) bool {
	return val&(align-1) == 0
}
