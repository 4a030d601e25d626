package chipsim

import (
	"bytes"
	"encoding/binary"
	"slices"

	"github.com/soypat/cywlink/whd"
)

// Ioctl is a command received from the host.
type Ioctl struct {
	Kind  uint8
	Cmd   whd.SDPCMCommand
	Iface whd.IoctlInterface
	ID    uint16
	// Name and Value are set for GET_VAR and SET_VAR: the iovar name and the
	// bytes following its NUL terminator.
	Name  string
	Value []byte
	Data  []byte
}

// IoctlResponse is how a hook answers an Ioctl.
type IoctlResponse struct {
	// Data is copied to the start of the response payload.
	Data   []byte
	Status uint32
	// NoReply drops the command without answering, so the host times out.
	NoReply bool
	// Events are queued after the reply.
	Events []Event
}

// IoctlHandler answers commands before the built in firmware. Returning
// false hands the command to the built in firmware. It is called with the
// chip locked and must not call Chip methods.
type IoctlHandler func(Ioctl) (IoctlResponse, bool)

// Event is an asynchronous firmware event sent to the host.
type Event struct {
	Type     whd.AsyncEventType
	Status   whd.EStatus
	Reason   uint32
	Flags    uint16
	AuthType uint32
	Addr     [6]byte
	Data     []byte
}

type network struct {
	ssid string
	pass string
	set  bool
}

// firmware is the scripted state of the code running on the WLAN core.
type firmware struct {
	mac     [6]byte
	vars    map[string][]byte
	gpio    uint32
	up      bool
	linkUp  bool
	hostKey string

	network network
	scan    []whd.BSSInfo
	onIoctl IoctlHandler
	onData  func(frame []byte)

	ioctls []Ioctl
	data   [][]byte
}

func (fw *firmware) init(mac [6]byte) {
	fw.mac = mac
}

func (fw *firmware) reset() {
	fw.vars = make(map[string][]byte)
	fw.gpio = 0
	fw.up = false
	fw.linkUp = false
	fw.hostKey = ""
}

const firmwareVersion = "wl0: Oct 14 2026 00:00:00 version 7.95.61 (abcd CY) FWID 01-chipsim\x00"

// fromHost handles one F2 frame written by the host. The returned funcs run
// after the chip is unlocked.
func (c *Chip) fromHost(b []byte) []func() {
	f, _, err := whd.DecodeFrame(b)
	if err != nil {
		c.stats.FramingErrors++
		return nil
	}
	c.stats.FramesFromHost++
	if f.Seq != c.hostSeq {
		c.stats.SeqErrors++
	}
	if diff := c.granted - f.Seq; diff == 0 || diff&0x80 != 0 {
		c.stats.CreditViolations++
	}
	c.hostSeq = f.Seq + 1
	seq := c.chipSeq
	var after []func()
	switch f.Channel {
	case whd.ChannelControl:
		c.handleControl(f.Payload)
	case whd.ChannelData:
		after = c.handleData(f.Payload)
	default:
		c.stats.FramingErrors++
	}
	if c.chipSeq == seq {
		// Nothing answered the frame: return its credit in a header only frame.
		c.queueFrame(whd.ChannelControl, nil)
	}
	return after
}

func (c *Chip) handleData(payload []byte) []func() {
	_, frame, err := whd.BDCPayload(payload)
	if err != nil {
		c.stats.FramingErrors++
		return nil
	}
	frame = slices.Clone(frame)
	c.fw.data = append(c.fw.data, frame)
	if fn := c.fw.onData; fn != nil {
		return []func(){func() { fn(frame) }}
	}
	return nil
}

func (c *Chip) handleControl(payload []byte) {
	if len(payload) < whd.CDC_HEADER_LEN {
		c.stats.FramingErrors++
		return
	}
	cdc := whd.DecodeCDCHeader(payload)
	data := payload[whd.CDC_HEADER_LEN:]
	if int(cdc.Length) < len(data) {
		data = data[:cdc.Length]
	}
	io := Ioctl{
		Kind:  cdc.Kind(),
		Cmd:   cdc.Cmd,
		Iface: cdc.Iface(),
		ID:    cdc.ID,
		Data:  slices.Clone(data),
	}
	if io.Cmd == whd.WLC_GET_VAR || io.Cmd == whd.WLC_SET_VAR {
		name, value, _ := bytes.Cut(io.Data, []byte{0})
		io.Name = string(name)
		io.Value = value
	}
	c.fw.ioctls = append(c.fw.ioctls, io)

	var resp IoctlResponse
	handled := false
	if c.fw.onIoctl != nil {
		resp, handled = c.fw.onIoctl(io)
	}
	if !handled {
		resp = c.builtinIoctl(io)
	}
	if !resp.NoReply {
		c.reply(cdc, io, resp)
	}
	for _, ev := range resp.Events {
		c.queueEvent(ev)
	}
	if !handled {
		c.afterIoctl(io)
	}
}

func (c *Chip) reply(cdc whd.CDCHeader, io Ioctl, resp IoctlResponse) {
	out := make([]byte, whd.CDC_HEADER_LEN+len(io.Data))
	body := out[whd.CDC_HEADER_LEN:]
	if io.Kind == whd.SDPCM_GET {
		copy(body, resp.Data)
	} else {
		copy(body, io.Data)
	}
	rcdc := whd.CDCHeader{
		Cmd:    cdc.Cmd,
		Length: uint32(len(body)),
		Flags:  cdc.Flags,
		ID:     cdc.ID,
		Status: resp.Status,
	}
	if resp.Status != 0 {
		rcdc.Flags |= whd.CDCF_IOC_ERROR
	}
	rcdc.Put(out)
	c.queueFrame(whd.ChannelControl, out)
}

func (c *Chip) builtinIoctl(io Ioctl) IoctlResponse {
	fw := &c.fw
	switch io.Cmd {
	case whd.WLC_UP:
		fw.up = true
	case whd.WLC_DOWN:
		fw.up = false
	case whd.WLC_SET_WSEC_PMK:
		if len(io.Data) >= 4 {
			n := int(binary.LittleEndian.Uint16(io.Data))
			fw.hostKey = string(io.Data[4:min(4+n, len(io.Data))])
		}
	case whd.WLC_GET_VAR:
		switch io.Name {
		case "cur_etheraddr":
			return IoctlResponse{Data: fw.mac[:]}
		case "clmload_status":
			return IoctlResponse{Data: []byte{0, 0, 0, 0}}
		case "ver":
			return IoctlResponse{Data: []byte(firmwareVersion)}
		case "gpioout":
			return IoctlResponse{Data: binary.LittleEndian.AppendUint32(nil, fw.gpio)}
		}
		return IoctlResponse{Data: fw.vars[io.Name]}
	case whd.WLC_SET_VAR:
		v := io.Value
		switch io.Name {
		case "cur_etheraddr":
			if len(v) >= 6 {
				copy(fw.mac[:], v)
			}
		case "gpioout":
			if len(v) >= 8 {
				mask := binary.LittleEndian.Uint32(v)
				val := binary.LittleEndian.Uint32(v[4:])
				fw.gpio = fw.gpio&^mask | val&mask
			}
		case "clmload":
			c.stats.CLMChunks++
		case "sae_password":
			if len(v) >= 2 {
				n := int(binary.LittleEndian.Uint16(v))
				fw.hostKey = string(v[2:min(2+n, len(v))])
			}
		}
		fw.vars[io.Name] = slices.Clone(v)
	}
	return IoctlResponse{}
}

// afterIoctl runs the firmware reaction to a command once it was answered.
func (c *Chip) afterIoctl(io Ioctl) {
	fw := &c.fw
	switch io.Cmd {
	case whd.WLC_SET_SSID:
		if len(io.Data) < 4 {
			return
		}
		n := min(int(binary.LittleEndian.Uint32(io.Data)), len(io.Data)-4, 32)
		c.join(string(io.Data[4 : 4+n]))
	case whd.WLC_DISASSOC:
		if fw.linkUp {
			fw.linkUp = false
			c.queueEvent(Event{Type: whd.EvLINK, Flags: 0, Reason: 1})
		}
	case whd.WLC_SET_VAR:
		if io.Name == "escan" {
			c.escan()
		}
	}
}

func (c *Chip) join(ssid string) {
	fw := &c.fw
	nw := fw.network
	switch {
	case !nw.set:
		// No access point in range answers.
		return
	case ssid != nw.ssid:
		c.queueEvent(Event{Type: whd.EvSET_SSID, Status: whd.EStatusNoNetworks})
		return
	case nw.pass != "" && fw.hostKey == "":
		c.queueEvent(Event{Type: whd.EvSET_SSID, Status: whd.EStatusFail})
		return
	}
	c.queueEvent(Event{Type: whd.EvAUTH, Status: whd.EStatusSuccess})
	c.queueEvent(Event{Type: whd.EvLINK, Flags: 1})
	c.queueEvent(Event{Type: whd.EvSET_SSID, Status: whd.EStatusSuccess})
	if nw.pass == "" {
		fw.linkUp = true
		return
	}
	if fw.hostKey != nw.pass {
		c.queueEvent(Event{Type: whd.EvPSK_SUP, Status: whd.EStatusFail, Reason: 15})
		return
	}
	fw.linkUp = true
	c.queueEvent(Event{Type: whd.EvPSK_SUP, Status: whd.EStatusKeyed})
}

func (c *Chip) escan() {
	for _, bss := range c.fw.scan {
		data := make([]byte, whd.ESCAN_RESULT_HDR_LEN+whd.BSS_INFO_LEN)
		whd.PutBSSInfo(data, bss)
		c.queueEvent(Event{Type: whd.EvESCAN_RESULT, Status: whd.EStatusPartial, Data: data})
	}
	final := make([]byte, whd.ESCAN_RESULT_HDR_LEN)
	binary.LittleEndian.PutUint32(final, whd.ESCAN_RESULT_HDR_LEN)
	binary.LittleEndian.PutUint16(final[8:], whd.ESCAN_SYNC_ID)
	c.queueEvent(Event{Type: whd.EvESCAN_RESULT, Status: whd.EStatusSuccess, Data: final})
}

func (c *Chip) queueEvent(ev Event) {
	buf := make([]byte, whd.BDC_HEADER_LEN+whd.EVENT_PACKET_LEN+len(ev.Data))
	bdc := whd.BDCHeader{Flags: whd.BDC_VERSION}
	bdc.Put(buf)
	pkt := whd.EventPacket{
		DstAddr: c.fw.mac,
		SrcAddr: c.fw.mac,
		Header:  whd.EventHeader{Version: 1},
		Message: whd.EventMessage{
			Version:   2,
			Flags:     ev.Flags,
			EventType: ev.Type,
			Status:    ev.Status,
			Reason:    ev.Reason,
			AuthType:  ev.AuthType,
			Addr:      ev.Addr,
		},
	}
	whd.PutEventPacket(buf[whd.BDC_HEADER_LEN:], pkt, ev.Data)
	c.queueFrame(whd.ChannelEvent, buf)
}

func (c *Chip) queueFrame(ch whd.Channel, payload []byte) {
	c.queueFrameSeq(ch, c.chipSeq, payload)
	c.chipSeq++
}

func (c *Chip) queueFrameSeq(ch whd.Channel, seq uint8, payload []byte) {
	b := make([]byte, whd.HeaderLen(ch)+len(payload))
	n, err := whd.EncodeFrame(b, whd.Frame{Channel: ch, Seq: seq, Payload: payload})
	if err != nil {
		panic("chipsim: " + err.Error())
	}
	c.push(outFrame{b: b[:n]})
}

func (c *Chip) push(f outFrame) {
	c.toHost = append(c.toHost, f)
	if c.irqEnable&whd.F2_PACKET_AVAILABLE != 0 {
		select {
		case c.irq <- struct{}{}:
		default:
		}
	}
}

// SetNetwork configures the access point the firmware joins. An empty pass
// makes it an open network.
func (c *Chip) SetNetwork(ssid, pass string) {
	c.mu.Lock()
	c.fw.network = network{ssid: ssid, pass: pass, set: true}
	c.mu.Unlock()
}

// SetScanResults sets the networks reported by an escan.
func (c *Chip) SetScanResults(bss []whd.BSSInfo) {
	c.mu.Lock()
	c.fw.scan = slices.Clone(bss)
	c.mu.Unlock()
}

// Disassociate makes the access point deauthenticate the station.
func (c *Chip) Disassociate(reason uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.fw.linkUp {
		return
	}
	c.fw.linkUp = false
	c.queueEvent(Event{Type: whd.EvDEAUTH_IND, Reason: reason})
	c.queueEvent(Event{Type: whd.EvLINK, Flags: 0, Reason: reason})
}

// LinkUp reports whether the firmware considers itself associated.
func (c *Chip) LinkUp() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fw.linkUp
}

// InjectEvent queues an event for the host.
func (c *Chip) InjectEvent(ev Event) {
	c.mu.Lock()
	c.queueEvent(ev)
	c.mu.Unlock()
}

// InjectData queues a received Ethernet frame for the host.
func (c *Chip) InjectData(frame []byte) {
	buf := make([]byte, whd.BDC_HEADER_LEN+len(frame))
	bdc := whd.BDCHeader{Flags: whd.BDC_VERSION}
	bdc.Put(buf)
	copy(buf[whd.BDC_HEADER_LEN:], frame)
	c.mu.Lock()
	c.queueFrame(whd.ChannelData, buf)
	c.mu.Unlock()
}

// InjectFrame queues a frame with an explicit sequence number. The chip
// sequence counter is not advanced.
func (c *Chip) InjectFrame(ch whd.Channel, seq uint8, payload []byte) {
	c.mu.Lock()
	c.queueFrameSeq(ch, seq, payload)
	c.mu.Unlock()
}

// InjectRawFrame queues b as is. No credit is granted with it.
func (c *Chip) InjectRawFrame(b []byte) {
	c.mu.Lock()
	c.push(outFrame{b: slices.Clone(b), raw: true})
	c.mu.Unlock()
}

// NextSeq returns the sequence number of the next frame the chip sends.
func (c *Chip) NextSeq() uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chipSeq
}

// OnIoctl sets a hook answering commands before the built in firmware.
func (c *Chip) OnIoctl(fn IoctlHandler) {
	c.mu.Lock()
	c.fw.onIoctl = fn
	c.mu.Unlock()
}

// OnData sets a callback for each Ethernet frame the host sends. It runs
// without the chip lock held.
func (c *Chip) OnData(fn func(frame []byte)) {
	c.mu.Lock()
	c.fw.onData = fn
	c.mu.Unlock()
}

// Respond answers a command a hook held back with NoReply.
func (c *Chip) Respond(io Ioctl, resp IoctlResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cdc := whd.CDCHeader{
		Cmd:   io.Cmd,
		Flags: uint16(io.Kind) | uint16(io.Iface)<<whd.CDCF_IOC_IF_SHIFT,
		ID:    io.ID,
	}
	c.reply(cdc, io, resp)
	for _, ev := range resp.Events {
		c.queueEvent(ev)
	}
}

// Ioctls returns the commands received so far.
func (c *Chip) Ioctls() []Ioctl {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.fw.ioctls)
}

// DataFrames returns the Ethernet frames sent by the host so far.
func (c *Chip) DataFrames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.fw.data)
}

// GPIO returns the GPIO output register.
func (c *Chip) GPIO() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fw.gpio
}

// Var returns the last value the host set for iovar name.
func (c *Chip) Var(name string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.fw.vars[name]
	return slices.Clone(v), ok
}

// MAC returns the station address reported by the firmware.
func (c *Chip) MAC() [6]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fw.mac
}
