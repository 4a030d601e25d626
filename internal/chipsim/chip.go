// Package chipsim simulates a CYW43439 behind its gSPI bus for host side
// testing. It models the bus registers, the backplane memory and cores
// needed to boot, and a scripted firmware answering commands and
// producing events.
package chipsim

import (
	"encoding/binary"
	"errors"
	"sync"

	"github.com/soypat/cywlink/whd"
)

// Fault makes part of the bring up misbehave.
type Fault uint8

const (
	// FaultNoTestPattern makes the read test register return garbage.
	FaultNoTestPattern Fault = 1 << iota
	// FaultNoALP never reports the ALP clock available.
	FaultNoALP
	// FaultNoHT never reports the HT clock available.
	FaultNoHT
	// FaultNoF2Ready never reports F2 ready after the WLAN core starts.
	FaultNoF2Ready
)

// Config configures a simulated chip.
type Config struct {
	RAMSize uint32
	ChipID  uint16
	MAC     [6]byte
	// CreditWindow is how many frames past the last one received the
	// firmware lets the host send.
	CreditWindow uint8
	Faults       Fault
}

// Stats counts protocol level observations.
type Stats struct {
	Transactions int
	Resets       int
	// FramesFromHost and FramesToHost count F2 frames.
	FramesFromHost int
	FramesToHost   int
	// SeqErrors counts host frames that skipped or repeated a sequence number.
	SeqErrors int
	// CreditViolations counts host frames sent past the granted credit.
	CreditViolations int
	FramingErrors    int
	// NVRAMValid is set when the NVRAM length word was valid at core start.
	NVRAMValid bool
	CLMChunks  int
}

const (
	pageSize = 4096
	pageMask = pageSize - 1

	coreWLAN = whd.WRAPPER_REGISTER_OFFSET + whd.WLAN_ARMCM3_BASE_ADDRESS
	coreRAM  = whd.WRAPPER_REGISTER_OFFSET + whd.SOCSRAM_BASE_ADDRESS

	funcBus       = 0
	funcBackplane = 1
	funcWLAN      = 2
)

// Firmware console layout written when the WLAN core starts.
const (
	sharedAddrOffset = 4 + 64*1024
	sharedBase       = 0x6f000
	consoleBase      = sharedBase + 0x100
	consoleRing      = sharedBase + 0x200
	consoleRingSize  = 0x400
)

type page [pageSize]byte

type outFrame struct {
	b []byte
	// raw frames are delivered as is, without a credit grant.
	raw bool
}

// Chip is a simulated CYW43439. It implements the cywlink IRQBus interface.
// All methods are safe for concurrent use.
type Chip struct {
	mu  sync.Mutex
	cfg Config
	irq chan struct{}

	inReset bool
	fail    error

	wordMode    bool
	busCtl      uint32
	rwTest      uint32
	irqEnable   uint16
	irqPending  uint16
	dataUnavail bool
	status      uint32

	window    uint32
	clockReq  uint8
	alp       bool
	pullUp    uint8
	watermark uint8
	mem       map[uint32]*page
	wlanUp    bool

	toHost       []outFrame
	chipSeq      uint8
	hostSeq      uint8
	granted      uint8
	creditWindow uint8
	consoleIdx   uint32

	fw    firmware
	stats Stats
}

// New returns a chip held in reset until the host releases WL_REG_ON.
func New(cfg Config) *Chip {
	if cfg.RAMSize == 0 {
		cfg.RAMSize = 512 * 1024
	}
	if cfg.ChipID == 0 {
		cfg.ChipID = 43439
	}
	if cfg.MAC == [6]byte{} {
		cfg.MAC = [6]byte{0x28, 0xcd, 0xc1, 0x00, 0x00, 0x01}
	}
	if cfg.CreditWindow == 0 {
		cfg.CreditWindow = 8
	}
	c := &Chip{
		cfg:          cfg,
		irq:          make(chan struct{}, 1),
		creditWindow: cfg.CreditWindow,
	}
	c.fw.init(cfg.MAC)
	c.powerOn()
	c.inReset = true
	return c
}

// powerOn resets all chip state except the scripted firmware configuration.
func (c *Chip) powerOn() {
	c.wordMode = false
	c.busCtl = 0
	c.rwTest = 0
	c.irqEnable = 0
	c.irqPending = 0
	c.dataUnavail = false
	c.status = 0
	c.window = 0
	c.clockReq = 0
	c.alp = false
	c.pullUp = 0
	c.watermark = 0
	c.mem = make(map[uint32]*page)
	c.wlanUp = false
	c.toHost = nil
	c.chipSeq = 0
	c.hostSeq = 0
	c.granted = 1
	c.consoleIdx = 0
	c.fw.reset()
	c.memPut16(whd.CHIPCOMMON_BASE_ADDRESS, c.cfg.ChipID)
	c.memPut8(coreWLAN+whd.AI_RESETCTRL_OFFSET, whd.AIRC_RESET)
	c.memPut8(coreRAM+whd.AI_RESETCTRL_OFFSET, whd.AIRC_RESET)
}

// SetReset drives WL_REG_ON. Asserting it loses all chip state.
func (c *Chip) SetReset(asserted bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if asserted && !c.inReset {
		c.stats.Resets++
		c.powerOn()
	}
	c.inReset = asserted
}

// IRQ receives a value when a frame is queued for the host and the F2
// packet interrupt is enabled.
func (c *Chip) IRQ() <-chan struct{} { return c.irq }

// LastStatus returns the status word of the last transaction.
func (c *Chip) LastStatus() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Fail makes every following transaction return err. A nil err heals the bus.
func (c *Chip) Fail(err error) {
	c.mu.Lock()
	c.fail = err
	c.mu.Unlock()
}

// SetFaults replaces the configured faults.
func (c *Chip) SetFaults(f Fault) {
	c.mu.Lock()
	c.cfg.Faults = f
	c.mu.Unlock()
}

// SetCreditWindow changes the credit granted to the host. When the window
// grows a header only frame carrying the new grant is queued.
func (c *Chip) SetCreditWindow(n uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	grow := n > c.creditWindow
	c.creditWindow = n
	if grow && c.wlanUp {
		c.queueFrame(whd.ChannelControl, nil)
	}
}

// Stats returns a copy of the protocol counters.
func (c *Chip) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// WLANUp reports whether the WLAN core is running firmware.
func (c *Chip) WLANUp() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wlanUp
}

// Mem returns a copy of n bytes of backplane memory at addr.
func (c *Chip) Mem(addr uint32, n int) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	b := make([]byte, n)
	c.memRead(addr, b)
	return b
}

var errWriteCmd = errors.New("chipsim: write command on read transaction")
var errReadCmd = errors.New("chipsim: read command on write transaction")

type command struct {
	write bool
	fn    uint32
	addr  uint32
	size  uint32
}

func decodeCmd(cmd uint32) command {
	return command{
		write: cmd>>31 != 0,
		fn:    (cmd >> 28) & 0b11,
		addr:  (cmd >> 11) & 0x1ffff,
		size:  cmd & 0x7ff,
	}
}

func swap16(x uint32) uint32 { return x<<16 | x>>16 }

// CmdRead serves a read transaction.
func (c *Chip) CmdRead(cmdWord uint32, buf []uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return c.fail
	}
	c.stats.Transactions++
	if c.inReset {
		clear(buf)
		return nil
	}
	if !c.wordMode {
		cmdWord = swap16(cmdWord)
	}
	cmd := decodeCmd(cmdWord)
	if cmd.write {
		return errWriteCmd
	}
	switch cmd.fn {
	case funcBus:
		if len(buf) > 0 {
			v := c.busRead(cmd.addr)
			if !c.wordMode {
				v = swap16(v)
			}
			buf[0] = v
		}
	case funcBackplane:
		if len(buf) < 2 {
			return errors.New("chipsim: backplane read without response delay word")
		}
		buf[0] = 0
		data := buf[1:]
		if cmd.addr >= 0x10000 {
			data[0] = uint32(c.f1Read(cmd.addr))
			break
		}
		addr := c.window | cmd.addr&whd.BACKPLANE_ADDR_MASK
		b := make([]byte, 4*len(data))
		c.memRead(addr, b[:min(int(cmd.size), len(b))])
		wordsFromBytes(data, b)
	case funcWLAN:
		size := int(cmd.size)
		if size == 0 {
			size = whd.MaxFrameSize
		}
		c.f2Read(buf, size)
	}
	c.updateStatus()
	return nil
}

// CmdWrite serves a write transaction.
func (c *Chip) CmdWrite(cmdWord uint32, buf []uint32) error {
	c.mu.Lock()
	if c.fail != nil {
		c.mu.Unlock()
		return c.fail
	}
	c.stats.Transactions++
	if c.inReset {
		c.mu.Unlock()
		return nil
	}
	if !c.wordMode {
		cmdWord = swap16(cmdWord)
	}
	cmd := decodeCmd(cmdWord)
	if !cmd.write {
		c.mu.Unlock()
		return errReadCmd
	}
	var after []func()
	switch cmd.fn {
	case funcBus:
		if len(buf) > 0 {
			v := buf[0]
			if !c.wordMode {
				v = swap16(v)
			}
			c.busWrite(cmd.addr, v)
		}
	case funcBackplane:
		if cmd.addr >= 0x10000 {
			if len(buf) > 0 {
				c.f1Write(cmd.addr, uint8(buf[0]))
			}
			break
		}
		addr := c.window | cmd.addr&whd.BACKPLANE_ADDR_MASK
		b := bytesFromWords(buf)
		c.memWrite(addr, b[:min(int(cmd.size), len(b))])
	case funcWLAN:
		size := int(cmd.size)
		if size == 0 {
			size = whd.MaxFrameSize
		}
		b := bytesFromWords(buf)
		after = c.fromHost(b[:min(size, len(b))])
	}
	c.updateStatus()
	c.mu.Unlock()
	for _, fn := range after {
		fn()
	}
	return nil
}

func (c *Chip) busRead(addr uint32) uint32 {
	switch addr {
	case whd.SPI_BUS_CONTROL:
		return c.busCtl
	case whd.SPI_INTERRUPT_REGISTER:
		return uint32(c.interrupts())
	case whd.SPI_INTERRUPT_ENABLE_REGISTER:
		return uint32(c.irqEnable)
	case whd.SPI_STATUS_REGISTER:
		return c.computeStatus()
	case whd.SPI_READ_TEST_REGISTER:
		if c.cfg.Faults&FaultNoTestPattern != 0 {
			return 0xdeadbeef
		}
		return whd.TEST_PATTERN
	case whd.SPI_READ_TEST_REGISTER_RW:
		return c.rwTest
	}
	return 0
}

func (c *Chip) busWrite(addr, v uint32) {
	switch addr {
	case whd.SPI_BUS_CONTROL:
		c.busCtl = v
		c.wordMode = v&1 != 0
	case whd.SPI_INTERRUPT_REGISTER:
		c.irqPending &^= uint16(v)
		if v&whd.DATA_UNAVAILABLE != 0 {
			c.dataUnavail = false
		}
	case whd.SPI_INTERRUPT_ENABLE_REGISTER:
		c.irqEnable = uint16(v)
	case whd.SPI_READ_TEST_REGISTER_RW:
		c.rwTest = v
	}
}

func (c *Chip) f1Read(addr uint32) uint8 {
	switch addr {
	case whd.SDIO_BACKPLANE_ADDRESS_LOW:
		return uint8(c.window >> 8)
	case whd.SDIO_BACKPLANE_ADDRESS_MID:
		return uint8(c.window >> 16)
	case whd.SDIO_BACKPLANE_ADDRESS_HIGH:
		return uint8(c.window >> 24)
	case whd.SDIO_CHIP_CLOCK_CSR:
		v := c.clockReq
		if c.alp {
			v |= whd.SBSDIO_ALP_AVAIL
		}
		if c.wlanUp && c.cfg.Faults&FaultNoHT == 0 {
			v |= whd.SBSDIO_HT_AVAIL
		}
		return v
	case whd.SDIO_PULL_UP:
		return c.pullUp
	case whd.SDIO_FUNCTION2_WATERMARK:
		return c.watermark
	}
	return 0
}

func (c *Chip) f1Write(addr uint32, v uint8) {
	switch addr {
	case whd.SDIO_BACKPLANE_ADDRESS_LOW:
		c.window = c.window&^0x0000ff00 | uint32(v)<<8
	case whd.SDIO_BACKPLANE_ADDRESS_MID:
		c.window = c.window&^0x00ff0000 | uint32(v)<<16
	case whd.SDIO_BACKPLANE_ADDRESS_HIGH:
		c.window = c.window&^0xff000000 | uint32(v)<<24
	case whd.SDIO_CHIP_CLOCK_CSR:
		c.clockReq = v
		if v&whd.SBSDIO_ALP_AVAIL_REQ != 0 && c.cfg.Faults&FaultNoALP == 0 {
			c.alp = true
		}
	case whd.SDIO_PULL_UP:
		c.pullUp = v
	case whd.SDIO_FUNCTION2_WATERMARK:
		c.watermark = v
	}
}

func (c *Chip) interrupts() uint16 {
	v := c.irqPending
	if len(c.toHost) > 0 {
		v |= whd.F2_PACKET_AVAILABLE
	}
	return v
}

func (c *Chip) computeStatus() uint32 {
	var s uint32
	if c.wlanUp && c.cfg.Faults&FaultNoF2Ready == 0 {
		s |= whd.STATUS_F2_RX_READY
	}
	if c.dataUnavail {
		s |= whd.STATUS_DATA_NOT_AVAILABLE
	}
	if len(c.toHost) > 0 {
		s |= whd.STATUS_F2_PKT_AVAILABLE
		s |= uint32(len(c.toHost[0].b)) << whd.STATUS_F2_PKT_LEN_SHIFT & whd.STATUS_F2_PKT_LEN_MASK
	}
	return s
}

func (c *Chip) updateStatus() { c.status = c.computeStatus() }

func (c *Chip) f2Read(buf []uint32, size int) {
	clear(buf)
	if len(c.toHost) == 0 {
		c.dataUnavail = true
		c.irqPending |= whd.DATA_UNAVAILABLE
		return
	}
	f := c.toHost[0]
	c.toHost = c.toHost[1:]
	if !f.raw {
		// Grant credit at transmit time.
		c.granted = c.hostSeq + c.creditWindow
		f.b[9] = c.granted
	}
	c.stats.FramesToHost++
	b := make([]byte, 4*len(buf))
	copy(b[:min(size, len(b))], f.b)
	wordsFromBytes(buf, b)
}

// checkWLAN starts the firmware once the WLAN core is clocked and out of reset.
func (c *Chip) checkWLAN() {
	ioctrl := c.memGet8(coreWLAN + whd.AI_IOCTRL_OFFSET)
	resetctrl := c.memGet8(coreWLAN + whd.AI_RESETCTRL_OFFSET)
	up := ioctrl&(whd.SICF_FGC|whd.SICF_CLOCK_EN) == whd.SICF_CLOCK_EN && resetctrl&whd.AIRC_RESET == 0
	if up == c.wlanUp {
		return
	}
	c.wlanUp = up
	if !up {
		return
	}
	ram := c.cfg.RAMSize
	magic := c.memGet32(ram - 4)
	words := magic & 0xffff
	c.stats.NVRAMValid = words != 0 && magic>>16 == ^words&0xffff
	c.memPut32(ram-sharedAddrOffset, sharedBase)
	c.memPut32(sharedBase+20, consoleBase)
	c.memPut32(consoleBase+8, consoleRing)
	c.memPut32(consoleBase+12, consoleRingSize)
}

// WriteConsole appends s to the firmware console ring.
func (c *Chip) WriteConsole(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := 0; i < len(s); i++ {
		c.memPut8(consoleRing+c.consoleIdx, s[i])
		c.consoleIdx = (c.consoleIdx + 1) % consoleRingSize
	}
	c.memPut32(consoleBase+16, c.consoleIdx)
}

func (c *Chip) pageFor(addr uint32, create bool) *page {
	p := c.mem[addr&^pageMask]
	if p == nil && create {
		p = new(page)
		c.mem[addr&^pageMask] = p
	}
	return p
}

func (c *Chip) memRead(addr uint32, b []byte) {
	for i := range b {
		a := addr + uint32(i)
		if p := c.pageFor(a, false); p != nil {
			b[i] = p[a&pageMask]
		} else {
			b[i] = 0
		}
	}
}

func (c *Chip) memWrite(addr uint32, b []byte) {
	for i, v := range b {
		a := addr + uint32(i)
		c.pageFor(a, true)[a&pageMask] = v
	}
	c.checkWLAN()
}

func (c *Chip) memGet8(addr uint32) uint8 {
	var b [1]byte
	c.memRead(addr, b[:])
	return b[0]
}

func (c *Chip) memGet32(addr uint32) uint32 {
	var b [4]byte
	c.memRead(addr, b[:])
	return binary.LittleEndian.Uint32(b[:])
}

func (c *Chip) memPut8(addr uint32, v uint8) {
	c.pageFor(addr, true)[addr&pageMask] = v
}

func (c *Chip) memPut16(addr uint32, v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	for i := range b {
		c.memPut8(addr+uint32(i), b[i])
	}
}

func (c *Chip) memPut32(addr uint32, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	for i := range b {
		c.memPut8(addr+uint32(i), b[i])
	}
}

// Bus words travel as little endian bytes.
func bytesFromWords(w []uint32) []byte {
	b := make([]byte, 4*len(w))
	for i, v := range w {
		binary.LittleEndian.PutUint32(b[4*i:], v)
	}
	return b
}

func wordsFromBytes(w []uint32, b []byte) {
	for i := range w {
		w[i] = binary.LittleEndian.Uint32(b[4*i:])
	}
}
