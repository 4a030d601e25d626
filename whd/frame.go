package whd

import (
	"strconv"
)

// Channel is the SDPCM logical lane a frame travels on.
type Channel uint8

const (
	ChannelControl Channel = 0
	ChannelEvent   Channel = 1
	ChannelData    Channel = 2
	// ChannelGlom carries superframe descriptors. Only seen when tx glomming is enabled.
	ChannelGlom Channel = 3
)

func (c Channel) IsValid() bool { return c <= ChannelGlom }

func (c Channel) String() string {
	switch c {
	case ChannelControl:
		return "control"
	case ChannelEvent:
		return "event"
	case ChannelData:
		return "data"
	case ChannelGlom:
		return "glom"
	}
	return "channel(" + strconv.Itoa(int(c)) + ")"
}

// FramingError is returned for malformed bytes on the wire.
// The stream stays usable: the next frame is decoded independently.
type FramingError struct {
	Reason string
}

func (e *FramingError) Error() string { return "whd: framing: " + e.Reason }

// Frame is a decoded SDPCM frame.
type Frame struct {
	Channel Channel
	Seq     uint8
	// Credit is the BusDataCredit field. Set by the chip, zero from the host.
	Credit uint8
	// Payload aliases the decoded buffer. For the data channel it starts at
	// the BDC header, past the padding.
	Payload []byte
}

// HeaderLen returns the SDPCM header length used for frames on ch, padding included.
func HeaderLen(ch Channel) int {
	if ch == ChannelData {
		return SDPCM_HEADER_LEN + DATA_PADDING
	}
	return SDPCM_HEADER_LEN
}

// EncodeFrame writes f to dst and returns the frame size. The size is not
// rounded up to the bus word size: callers transfer alignup(n, 4) bytes.
func EncodeFrame(dst []byte, f Frame) (int, error) {
	if !f.Channel.IsValid() {
		return 0, &FramingError{Reason: "invalid channel " + strconv.Itoa(int(f.Channel))}
	}
	hlen := HeaderLen(f.Channel)
	size := hlen + len(f.Payload)
	if size > MaxFrameSize {
		return 0, &FramingError{Reason: "frame size " + strconv.Itoa(size) + " exceeds max"}
	}
	if len(dst) < size {
		return 0, &FramingError{Reason: "short buffer"}
	}
	hdr := SDPCMHeader{
		Size:          uint16(size),
		SizeCom:       ^uint16(size),
		Seq:           f.Seq,
		ChanAndFlags:  uint8(f.Channel),
		HeaderLength:  uint8(hlen),
		BusDataCredit: f.Credit,
	}
	hdr.Put(dst)
	for i := SDPCM_HEADER_LEN; i < hlen; i++ {
		dst[i] = 0
	}
	copy(dst[hlen:], f.Payload)
	return size, nil
}

// DecodeFrame parses an SDPCM frame from b. b may be longer than the frame
// (bus reads are word aligned); the payload ends at the header's size.
func DecodeFrame(b []byte) (Frame, SDPCMHeader, error) {
	if len(b) < SDPCM_HEADER_LEN {
		return Frame{}, SDPCMHeader{}, &FramingError{Reason: "short frame len=" + strconv.Itoa(len(b))}
	}
	hdr := DecodeSDPCMHeader(b)
	switch {
	case hdr.Size != ^hdr.SizeCom:
		return Frame{}, hdr, &FramingError{Reason: "size complement mismatch"}
	case int(hdr.Size) > len(b):
		return Frame{}, hdr, &FramingError{Reason: "size " + strconv.Itoa(int(hdr.Size)) + " exceeds buffer"}
	case hdr.Size < SDPCM_HEADER_LEN:
		return Frame{}, hdr, &FramingError{Reason: "size shorter than header"}
	case hdr.HeaderLength < SDPCM_HEADER_LEN || hdr.HeaderLength > uint8(min(int(hdr.Size), 255)):
		return Frame{}, hdr, &FramingError{Reason: "bad header length " + strconv.Itoa(int(hdr.HeaderLength))}
	case !hdr.Channel().IsValid():
		return Frame{}, hdr, &FramingError{Reason: "invalid channel " + strconv.Itoa(int(hdr.Channel()))}
	}
	f := Frame{
		Channel: hdr.Channel(),
		Seq:     hdr.Seq,
		Credit:  hdr.BusDataCredit,
		Payload: b[hdr.HeaderLength:hdr.Size],
	}
	return f, hdr, nil
}
