package chipsim

import (
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/soypat/cywlink/whd"
)

func cmdWord(write bool, fn, addr, size uint32) uint32 {
	var w uint32
	if write {
		w = 1 << 31
	}
	return w | 1<<30 | fn<<28 | (addr&0x1ffff)<<11 | size&0x7ff
}

// poweredChip returns a chip out of reset with word mode enabled.
func poweredChip(t *testing.T, cfg Config) *Chip {
	t.Helper()
	c := New(cfg)
	c.SetReset(false)
	var buf [1]uint32
	// Before word mode the chip expects 16 bit halves swapped.
	if err := c.CmdRead(swap16(cmdWord(false, funcBus, whd.SPI_READ_TEST_REGISTER, 4)), buf[:]); err != nil {
		t.Fatal(err)
	}
	if got := swap16(buf[0]); got != whd.TEST_PATTERN {
		t.Fatalf("test pattern got %#x", got)
	}
	buf[0] = swap16(1)
	if err := c.CmdWrite(swap16(cmdWord(true, funcBus, whd.SPI_BUS_CONTROL, 4)), buf[:]); err != nil {
		t.Fatal(err)
	}
	return c
}

func bpWrite8(t *testing.T, c *Chip, addr uint32, v uint8) {
	t.Helper()
	if err := c.CmdWrite(cmdWord(true, funcBackplane, addr, 1), []uint32{uint32(v)}); err != nil {
		t.Fatal(err)
	}
}

func bpRead32(t *testing.T, c *Chip, addr uint32) uint32 {
	t.Helper()
	var buf [2]uint32
	if err := c.CmdRead(cmdWord(false, funcBackplane, addr, 4), buf[:]); err != nil {
		t.Fatal(err)
	}
	return buf[1]
}

func setWindow(t *testing.T, c *Chip, addr uint32) {
	t.Helper()
	bpWrite8(t, c, whd.SDIO_BACKPLANE_ADDRESS_LOW, uint8(addr>>8))
	bpWrite8(t, c, whd.SDIO_BACKPLANE_ADDRESS_MID, uint8(addr>>16))
	bpWrite8(t, c, whd.SDIO_BACKPLANE_ADDRESS_HIGH, uint8(addr>>24))
}

func TestWordMode(t *testing.T) {
	c := poweredChip(t, Config{})
	var buf [1]uint32
	err := c.CmdRead(cmdWord(false, funcBus, whd.SPI_READ_TEST_REGISTER, 4), buf[:])
	if err != nil {
		t.Fatal(err)
	}
	if buf[0] != whd.TEST_PATTERN {
		t.Errorf("got %#x after word mode", buf[0])
	}
	c.SetReset(true)
	c.SetReset(false)
	if got := c.Stats().Resets; got != 1 {
		t.Errorf("resets=%d", got)
	}
	buf[0] = 0
	c.CmdRead(cmdWord(false, funcBus, whd.SPI_READ_TEST_REGISTER, 4), buf[:])
	if buf[0] == whd.TEST_PATTERN {
		t.Error("word mode survived reset")
	}
}

func TestBackplaneMemory(t *testing.T) {
	c := poweredChip(t, Config{})
	const addr = 0x18000000
	setWindow(t, c, addr)
	got := bpRead32(t, c, 0|whd.SBSDIO_SB_ACCESS_2_4B_FLAG)
	if uint16(got) != 43439 {
		t.Errorf("chip id got %d", uint16(got))
	}

	setWindow(t, c, 0)
	data := []uint32{0x03020100, 0x07060504}
	if err := c.CmdWrite(cmdWord(true, funcBackplane, 0x100, 8), data); err != nil {
		t.Fatal(err)
	}
	want := []byte{0, 1, 2, 3, 4, 5, 6, 7}
	if diff := cmp.Diff(want, c.Mem(0x100, 8)); diff != "" {
		t.Error(diff)
	}
}

func TestClocks(t *testing.T) {
	c := poweredChip(t, Config{Faults: FaultNoALP})
	bpWrite8(t, c, whd.SDIO_CHIP_CLOCK_CSR, whd.SBSDIO_ALP_AVAIL_REQ)
	csr := bpRead32(t, c, whd.SDIO_CHIP_CLOCK_CSR)
	if csr&whd.SBSDIO_ALP_AVAIL != 0 {
		t.Error("ALP available with FaultNoALP")
	}
	c.SetFaults(0)
	bpWrite8(t, c, whd.SDIO_CHIP_CLOCK_CSR, whd.SBSDIO_ALP_AVAIL_REQ)
	csr = bpRead32(t, c, whd.SDIO_CHIP_CLOCK_CSR)
	if csr&whd.SBSDIO_ALP_AVAIL == 0 {
		t.Error("ALP not available")
	}
	if csr&whd.SBSDIO_HT_AVAIL != 0 {
		t.Error("HT available before core start")
	}
}

// startWLAN releases the WLAN core the way the host does after upload.
func startWLAN(t *testing.T, c *Chip, nvramWords uint32) {
	t.Helper()
	const ram = 512 * 1024
	setWindow(t, c, (ram-4)&^whd.BACKPLANE_ADDR_MASK)
	magic := (^nvramWords)<<16 | nvramWords
	if err := c.CmdWrite(cmdWord(true, funcBackplane, (ram-4)&whd.BACKPLANE_ADDR_MASK|whd.SBSDIO_SB_ACCESS_2_4B_FLAG, 4), []uint32{magic}); err != nil {
		t.Fatal(err)
	}
	base := uint32(whd.WRAPPER_REGISTER_OFFSET + whd.WLAN_ARMCM3_BASE_ADDRESS)
	setWindow(t, c, base&^whd.BACKPLANE_ADDR_MASK)
	bpWrite8(t, c, (base+whd.AI_IOCTRL_OFFSET)&whd.BACKPLANE_ADDR_MASK, whd.SICF_CLOCK_EN)
	bpWrite8(t, c, (base+whd.AI_RESETCTRL_OFFSET)&whd.BACKPLANE_ADDR_MASK, 0)
	if !c.WLANUp() {
		t.Fatal("wlan core did not start")
	}
}

func TestWLANStart(t *testing.T) {
	c := poweredChip(t, Config{})
	startWLAN(t, c, 1)
	if !c.Stats().NVRAMValid {
		t.Error("nvram magic not accepted")
	}
	shared := binary.LittleEndian.Uint32(c.Mem(512*1024-sharedAddrOffset, 4))
	if shared != sharedBase {
		t.Errorf("shared=%#x", shared)
	}
	c.WriteConsole("hello\n")
	if got := string(c.Mem(consoleRing, 6)); got != "hello\n" {
		t.Errorf("console=%q", got)
	}
	var st [1]uint32
	c.CmdRead(cmdWord(false, funcBus, whd.SPI_STATUS_REGISTER, 4), st[:])
	if st[0]&whd.STATUS_F2_RX_READY == 0 {
		t.Error("F2 not ready")
	}
}

func writeF2(t *testing.T, c *Chip, f whd.Frame) {
	t.Helper()
	var buf [whd.MaxFrameSize]byte
	n, err := whd.EncodeFrame(buf[:], f)
	if err != nil {
		t.Fatal(err)
	}
	words := make([]uint32, (n+3)/4)
	wordsFromBytes(words, buf[:len(words)*4])
	if err := c.CmdWrite(cmdWord(true, funcWLAN, 0, uint32(len(words)*4)), words); err != nil {
		t.Fatal(err)
	}
}

func readF2(t *testing.T, c *Chip) (whd.Frame, bool) {
	t.Helper()
	st := c.LastStatus()
	if st&whd.STATUS_F2_PKT_AVAILABLE == 0 {
		return whd.Frame{}, false
	}
	plen := (st & whd.STATUS_F2_PKT_LEN_MASK) >> whd.STATUS_F2_PKT_LEN_SHIFT
	words := make([]uint32, (plen+3)/4)
	if err := c.CmdRead(cmdWord(false, funcWLAN, 0, plen), words); err != nil {
		t.Fatal(err)
	}
	f, _, err := whd.DecodeFrame(bytesFromWords(words))
	if err != nil {
		t.Fatal(err)
	}
	return f, true
}

func ioctlPayload(kind uint8, cmd whd.SDPCMCommand, id uint16, data []byte) []byte {
	b := make([]byte, whd.CDC_HEADER_LEN+len(data))
	cdc := whd.CDCHeader{Cmd: cmd, Length: uint32(len(data)), Flags: uint16(kind), ID: id}
	cdc.Put(b)
	copy(b[whd.CDC_HEADER_LEN:], data)
	return b
}

func TestIoctlReply(t *testing.T) {
	c := poweredChip(t, Config{CreditWindow: 4})
	startWLAN(t, c, 1)
	req := make([]byte, 32)
	copy(req, "cur_etheraddr")
	writeF2(t, c, whd.Frame{Channel: whd.ChannelControl, Seq: 0, Payload: ioctlPayload(whd.SDPCM_GET, whd.WLC_GET_VAR, 7, req)})

	f, ok := readF2(t, c)
	if !ok {
		t.Fatal("no reply queued")
	}
	if f.Channel != whd.ChannelControl {
		t.Fatalf("channel %s", f.Channel)
	}
	if f.Credit != 1+4 {
		t.Errorf("credit=%d want 5", f.Credit)
	}
	cdc := whd.DecodeCDCHeader(f.Payload)
	if cdc.ID != 7 || cdc.Status != 0 {
		t.Errorf("cdc=%+v", cdc)
	}
	mac := c.MAC()
	if diff := cmp.Diff(mac[:], f.Payload[whd.CDC_HEADER_LEN:whd.CDC_HEADER_LEN+6]); diff != "" {
		t.Error(diff)
	}
	got := c.Ioctls()
	if len(got) != 1 || got[0].Name != "cur_etheraddr" {
		t.Errorf("ioctls=%+v", got)
	}
	if st := c.Stats(); st.SeqErrors != 0 || st.CreditViolations != 0 {
		t.Errorf("stats=%+v", st)
	}
}

func TestCreditViolation(t *testing.T) {
	c := poweredChip(t, Config{})
	startWLAN(t, c, 1)
	// Initial grant only covers seq 0.
	p := ioctlPayload(whd.SDPCM_SET, whd.WLC_UP, 1, nil)
	writeF2(t, c, whd.Frame{Channel: whd.ChannelControl, Seq: 0, Payload: p})
	writeF2(t, c, whd.Frame{Channel: whd.ChannelControl, Seq: 1, Payload: p})
	writeF2(t, c, whd.Frame{Channel: whd.ChannelControl, Seq: 5, Payload: p})
	st := c.Stats()
	if st.CreditViolations != 2 {
		t.Errorf("credit violations=%d want 2", st.CreditViolations)
	}
	if st.SeqErrors != 1 {
		t.Errorf("seq errors=%d want 1", st.SeqErrors)
	}
}

func TestJoinScript(t *testing.T) {
	c := poweredChip(t, Config{CreditWindow: 16})
	startWLAN(t, c, 1)
	c.SetNetwork("home", "")
	var ssid [36]byte
	binary.LittleEndian.PutUint32(ssid[:], 4)
	copy(ssid[4:], "home")
	writeF2(t, c, whd.Frame{Channel: whd.ChannelControl, Payload: ioctlPayload(whd.SDPCM_SET, whd.WLC_SET_SSID, 1, ssid[:])})

	var events []whd.AsyncEventType
	for {
		f, ok := readF2(t, c)
		if !ok {
			break
		}
		if f.Channel != whd.ChannelEvent {
			continue
		}
		_, pkt, err := whd.BDCPayload(f.Payload)
		if err != nil {
			t.Fatal(err)
		}
		ev, _, err := whd.DecodeEventPacket(pkt)
		if err != nil {
			t.Fatal(err)
		}
		events = append(events, ev.Message.EventType)
	}
	want := []whd.AsyncEventType{whd.EvAUTH, whd.EvLINK, whd.EvSET_SSID}
	if diff := cmp.Diff(want, events); diff != "" {
		t.Error(diff)
	}
	if !c.LinkUp() {
		t.Error("link not up")
	}
}

func TestDataFrameReturnsCredit(t *testing.T) {
	c := poweredChip(t, Config{CreditWindow: 1})
	startWLAN(t, c, 1)
	payload := make([]byte, whd.BDC_HEADER_LEN+60)
	bdc := whd.BDCHeader{Flags: whd.BDC_VERSION}
	bdc.Put(payload)
	for seq := uint8(0); seq < 3; seq++ {
		writeF2(t, c, whd.Frame{Channel: whd.ChannelData, Seq: seq, Payload: payload})
		f, ok := readF2(t, c)
		if !ok {
			t.Fatalf("no credit update after data frame %d", seq)
		}
		if len(f.Payload) != 0 {
			t.Errorf("credit update carries %d bytes", len(f.Payload))
		}
		if f.Credit != seq+2 {
			t.Errorf("credit=%d want %d", f.Credit, seq+2)
		}
	}
	if _, ok := readF2(t, c); ok {
		t.Error("unexpected frame queued")
	}
	if st := c.Stats(); st.CreditViolations != 0 || st.SeqErrors != 0 {
		t.Errorf("stats=%+v", st)
	}
	if n := len(c.DataFrames()); n != 3 {
		t.Errorf("got %d data frames", n)
	}
}

func TestUnansweredIoctlReturnsCredit(t *testing.T) {
	c := poweredChip(t, Config{CreditWindow: 1})
	startWLAN(t, c, 1)
	c.OnIoctl(func(Ioctl) (IoctlResponse, bool) { return IoctlResponse{NoReply: true}, true })
	writeF2(t, c, whd.Frame{Channel: whd.ChannelControl, Seq: 0, Payload: ioctlPayload(whd.SDPCM_SET, whd.WLC_UP, 1, nil)})
	f, ok := readF2(t, c)
	if !ok {
		t.Fatal("no credit update for unanswered command")
	}
	if len(f.Payload) != 0 || f.Credit != 2 {
		t.Errorf("got payload %d bytes credit=%d", len(f.Payload), f.Credit)
	}
}
