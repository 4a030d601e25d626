package whd

import (
	"encoding/binary"
)

// SDPCMHeader precedes every frame on the F2 function. All fields little endian.
type SDPCMHeader struct {
	Size    uint16
	SizeCom uint16 // ^Size
	Seq     uint8
	// ChanAndFlags holds the channel in the low nibble.
	ChanAndFlags uint8
	NextLength   uint8 // reserved for Tx
	HeaderLength uint8 // offset of payload from frame start
	// WirelessFlowCtl is reserved for Tx.
	WirelessFlowCtl uint8
	// BusDataCredit is the maximum sequence number the firmware allows for host Tx.
	BusDataCredit uint8
	Reserved      [2]uint8
}

func (s SDPCMHeader) Channel() Channel { return Channel(s.ChanAndFlags & 0xf) }

func DecodeSDPCMHeader(b []byte) (hdr SDPCMHeader) {
	_ = b[SDPCM_HEADER_LEN-1]
	hdr.Size = binary.LittleEndian.Uint16(b)
	hdr.SizeCom = binary.LittleEndian.Uint16(b[2:])
	hdr.Seq = b[4]
	hdr.ChanAndFlags = b[5]
	hdr.NextLength = b[6]
	hdr.HeaderLength = b[7]
	hdr.WirelessFlowCtl = b[8]
	hdr.BusDataCredit = b[9]
	copy(hdr.Reserved[:], b[10:12])
	return hdr
}

// Put puts all 12 bytes of the header in dst. Panics if dst is shorter than 12 bytes.
func (s *SDPCMHeader) Put(dst []byte) {
	_ = dst[SDPCM_HEADER_LEN-1]
	binary.LittleEndian.PutUint16(dst, s.Size)
	binary.LittleEndian.PutUint16(dst[2:], s.SizeCom)
	dst[4] = s.Seq
	dst[5] = s.ChanAndFlags
	dst[6] = s.NextLength
	dst[7] = s.HeaderLength
	dst[8] = s.WirelessFlowCtl
	dst[9] = s.BusDataCredit
	copy(dst[10:12], s.Reserved[:])
}

// CDCHeader precedes control channel payloads.
type CDCHeader struct {
	Cmd    SDPCMCommand
	Length uint32
	Flags  uint16
	ID     uint16
	Status uint32
}

// Kind returns SDPCM_GET or SDPCM_SET.
func (cdc CDCHeader) Kind() uint8 { return uint8(cdc.Flags & 0x3) }

func (cdc CDCHeader) Iface() IoctlInterface {
	return IoctlInterface((cdc.Flags & CDCF_IOC_IF_MASK) >> CDCF_IOC_IF_SHIFT)
}

func DecodeCDCHeader(b []byte) (hdr CDCHeader) {
	_ = b[CDC_HEADER_LEN-1]
	hdr.Cmd = SDPCMCommand(binary.LittleEndian.Uint32(b))
	hdr.Length = binary.LittleEndian.Uint32(b[4:])
	hdr.Flags = binary.LittleEndian.Uint16(b[8:])
	hdr.ID = binary.LittleEndian.Uint16(b[10:])
	hdr.Status = binary.LittleEndian.Uint32(b[12:])
	return hdr
}

func (cdc *CDCHeader) Put(b []byte) {
	_ = b[CDC_HEADER_LEN-1]
	binary.LittleEndian.PutUint32(b, uint32(cdc.Cmd))
	binary.LittleEndian.PutUint32(b[4:], cdc.Length)
	binary.LittleEndian.PutUint16(b[8:], cdc.Flags)
	binary.LittleEndian.PutUint16(b[10:], cdc.ID)
	binary.LittleEndian.PutUint32(b[12:], cdc.Status)
}

// BDCHeader precedes event and data channel payloads.
type BDCHeader struct {
	Flags    uint8
	Priority uint8
	Flags2   uint8
	// DataOffset is the number of 4 byte words between header and payload.
	DataOffset uint8
}

// BDC_VERSION goes in the upper nibble of BDCHeader.Flags.
const BDC_VERSION = 2 << 4

func (bdc *BDCHeader) Put(b []byte) {
	_ = b[BDC_HEADER_LEN-1]
	b[0] = bdc.Flags
	b[1] = bdc.Priority
	b[2] = bdc.Flags2
	b[3] = bdc.DataOffset
}

func DecodeBDCHeader(b []byte) (hdr BDCHeader) {
	_ = b[BDC_HEADER_LEN-1]
	return BDCHeader{Flags: b[0], Priority: b[1], Flags2: b[2], DataOffset: b[3]}
}

// BDCPayload strips the BDC header and its data offset words from b.
func BDCPayload(b []byte) (BDCHeader, []byte, error) {
	if len(b) < BDC_HEADER_LEN {
		return BDCHeader{}, nil, &FramingError{Reason: "short bdc header"}
	}
	hdr := DecodeBDCHeader(b)
	start := BDC_HEADER_LEN + 4*int(hdr.DataOffset)
	if start > len(b) {
		return hdr, nil, &FramingError{Reason: "bdc data offset past end"}
	}
	return hdr, b[start:], nil
}

// DownloadHeader precedes each chunk of a CLM download.
type DownloadHeader struct {
	Flags uint16
	Type  uint16
	Len   uint32
	CRC   uint32
}

// Download flags and types.
const (
	DL_FLAG_HANDLER_VER = 0x1000
	DL_FLAG_BEGIN       = 0x0002
	DL_FLAG_END         = 0x0004
	DL_TYPE_CLM         = 2
)

func (dl *DownloadHeader) Put(b []byte) {
	_ = b[DL_HEADER_LEN-1]
	binary.LittleEndian.PutUint16(b, dl.Flags)
	binary.LittleEndian.PutUint16(b[2:], dl.Type)
	binary.LittleEndian.PutUint32(b[4:], dl.Len)
	binary.LittleEndian.PutUint32(b[8:], dl.CRC)
}

func DecodeDownloadHeader(b []byte) (dl DownloadHeader) {
	_ = b[DL_HEADER_LEN-1]
	dl.Flags = binary.LittleEndian.Uint16(b)
	dl.Type = binary.LittleEndian.Uint16(b[2:])
	dl.Len = binary.LittleEndian.Uint32(b[4:])
	dl.CRC = binary.LittleEndian.Uint32(b[8:])
	return dl
}

// CountryInfo returns the "country" iovar payload: abbreviation, revision and code.
// An empty code selects the worldwide "XX" domain.
func CountryInfo(code string, rev int32) (info [12]byte) {
	if len(code) < 2 {
		code = "XX"
	}
	copy(info[0:2], code[:2])
	binary.LittleEndian.PutUint32(info[4:8], uint32(rev))
	copy(info[8:10], code[:2])
	return info
}
