package whd

import (
	"encoding/binary"
	"errors"
)

// Escan request constants.
const (
	ESCAN_VERSION      = 1
	ESCAN_ACTION_START = 1
	ESCAN_SYNC_ID      = 0x1234

	SCAN_PARAMS_LEN        = 74
	ESCAN_RESULT_HDR_LEN   = 12
	BSS_INFO_LEN           = 128
	BSS_TYPE_ANY           = 2
	SCAN_TYPE_ACTIVE uint8 = 0
	SCAN_TYPE_PASSIVE      = 1
)

// ScanParams is the "escan" iovar payload. Little endian.
type ScanParams struct {
	Version  uint32
	Action   uint16
	SyncID   uint16
	SSIDLen  uint32
	SSID     [32]byte
	BSSID    [6]byte
	BSSType  uint8
	ScanType uint8
	NProbes  int32
	// Dwell times in milliseconds, -1 for firmware default.
	ActiveTime  int32
	PassiveTime int32
	HomeTime    int32
	ChannelNum  uint32
	ChannelList [1]uint16
}

// NewScanParams returns parameters for a broadcast scan of all channels.
// A non-empty ssid restricts probing to that network.
func NewScanParams(ssid string, passive bool) ScanParams {
	p := ScanParams{
		Version:     ESCAN_VERSION,
		Action:      ESCAN_ACTION_START,
		SyncID:      ESCAN_SYNC_ID,
		SSIDLen:     uint32(min(len(ssid), 32)),
		BSSID:       [6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
		BSSType:     BSS_TYPE_ANY,
		NProbes:     -1,
		ActiveTime:  -1,
		PassiveTime: -1,
		HomeTime:    -1,
	}
	if passive {
		p.ScanType = SCAN_TYPE_PASSIVE
	}
	copy(p.SSID[:], ssid)
	return p
}

func (p *ScanParams) Put(b []byte) {
	_ = b[SCAN_PARAMS_LEN-1]
	le := binary.LittleEndian
	le.PutUint32(b[0:4], p.Version)
	le.PutUint16(b[4:6], p.Action)
	le.PutUint16(b[6:8], p.SyncID)
	le.PutUint32(b[8:12], p.SSIDLen)
	copy(b[12:44], p.SSID[:])
	copy(b[44:50], p.BSSID[:])
	b[50] = p.BSSType
	b[51] = p.ScanType
	le.PutUint32(b[52:56], uint32(p.NProbes))
	le.PutUint32(b[56:60], uint32(p.ActiveTime))
	le.PutUint32(b[60:64], uint32(p.PassiveTime))
	le.PutUint32(b[64:68], uint32(p.HomeTime))
	le.PutUint32(b[68:72], p.ChannelNum)
	le.PutUint16(b[72:74], p.ChannelList[0])
}

// EscanResult is the header of an EvESCAN_RESULT event's data.
type EscanResult struct {
	BufLen   uint32
	Version  uint32
	SyncID   uint16
	BSSCount uint16
}

// BSSInfo is a single scan result.
type BSSInfo struct {
	BSSID        [6]byte
	BeaconPeriod uint16
	Capability   uint16
	SSID         string
	ChanSpec     uint16
	RSSI         int16
	PHYNoise     int8
	SNR          int16
	// IE holds the information elements of the beacon/probe response.
	IE []byte
}

// Channel returns the primary 20MHz channel number.
func (b BSSInfo) Channel() uint8 { return uint8(b.ChanSpec & 0xff) }

// Secure reports whether the network advertises privacy.
func (b BSSInfo) Secure() bool { return b.Capability&DOT11_CAP_PRIVACY != 0 }

var (
	errShortScanResult = errors.New("whd: escan result too short")
	errBSSLength       = errors.New("whd: bss info length out of bounds")
	errIEBounds        = errors.New("whd: bss IE exceeds bss length")
)

// DecodeEscanResult decodes the first BSS of an escan result event payload.
// The IE slice aliases data.
func DecodeEscanResult(data []byte) (hdr EscanResult, bss BSSInfo, err error) {
	if len(data) < ESCAN_RESULT_HDR_LEN+BSS_INFO_LEN {
		return hdr, bss, errShortScanResult
	}
	le := binary.LittleEndian
	hdr = EscanResult{
		BufLen:   le.Uint32(data[0:4]),
		Version:  le.Uint32(data[4:8]),
		SyncID:   le.Uint16(data[8:10]),
		BSSCount: le.Uint16(data[10:12]),
	}
	b := data[ESCAN_RESULT_HDR_LEN:]
	length := le.Uint32(b[4:8])
	if length < BSS_INFO_LEN || int(length) > len(b) {
		return hdr, bss, errBSSLength
	}
	copy(bss.BSSID[:], b[8:14])
	bss.BeaconPeriod = le.Uint16(b[14:16])
	bss.Capability = le.Uint16(b[16:18])
	ssidLen := min(int(b[18]), 32)
	bss.SSID = string(b[19 : 19+ssidLen])
	bss.ChanSpec = le.Uint16(b[72:74])
	bss.RSSI = int16(le.Uint16(b[78:80]))
	bss.PHYNoise = int8(b[80])
	ieOff := uint32(le.Uint16(b[116:118]))
	ieLen := le.Uint32(b[120:124])
	bss.SNR = int16(le.Uint16(b[124:126]))
	if uint64(ieOff)+uint64(ieLen) > uint64(length) {
		return hdr, bss, errIEBounds
	}
	bss.IE = b[ieOff : ieOff+ieLen]
	return hdr, bss, nil
}

// PutBSSInfo is the inverse of DecodeEscanResult for a single BSS with no IEs.
// Used to synthesise scan results.
func PutBSSInfo(dst []byte, bss BSSInfo) int {
	const n = ESCAN_RESULT_HDR_LEN + BSS_INFO_LEN
	_ = dst[n-1]
	clear(dst[:n])
	le := binary.LittleEndian
	le.PutUint32(dst[0:4], n)
	le.PutUint32(dst[4:8], 109)
	le.PutUint16(dst[8:10], ESCAN_SYNC_ID)
	le.PutUint16(dst[10:12], 1)
	b := dst[ESCAN_RESULT_HDR_LEN:]
	le.PutUint32(b[0:4], 109)
	le.PutUint32(b[4:8], BSS_INFO_LEN)
	copy(b[8:14], bss.BSSID[:])
	le.PutUint16(b[14:16], bss.BeaconPeriod)
	le.PutUint16(b[16:18], bss.Capability)
	b[18] = byte(min(len(bss.SSID), 32))
	copy(b[19:51], bss.SSID)
	le.PutUint16(b[72:74], bss.ChanSpec)
	le.PutUint16(b[78:80], uint16(bss.RSSI))
	b[80] = byte(bss.PHYNoise)
	le.PutUint16(b[116:118], BSS_INFO_LEN)
	le.PutUint16(b[124:126], uint16(bss.SNR))
	return n
}
