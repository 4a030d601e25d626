package whd

import (
	"encoding/binary"
	"errors"
	"strconv"
)

// AsyncEventType identifies a firmware event.
type AsyncEventType uint32

const (
	EvSET_SSID        AsyncEventType = 0  // status of set SSID; ends a join attempt
	EvJOIN            AsyncEventType = 1  // joined an IBSS or BSS
	EvSTART           AsyncEventType = 2  // STA founded an IBSS or AP started a BSS
	EvAUTH            AsyncEventType = 3  // 802.11 AUTH request
	EvAUTH_IND        AsyncEventType = 4  // 802.11 AUTH indication
	EvDEAUTH          AsyncEventType = 5  // 802.11 DEAUTH request
	EvDEAUTH_IND      AsyncEventType = 6  // 802.11 DEAUTH indication
	EvASSOC           AsyncEventType = 7  // 802.11 ASSOC request
	EvASSOC_IND       AsyncEventType = 8  // 802.11 ASSOC indication
	EvREASSOC         AsyncEventType = 9  // 802.11 REASSOC request
	EvREASSOC_IND     AsyncEventType = 10 // 802.11 REASSOC indication
	EvDISASSOC        AsyncEventType = 11 // 802.11 DISASSOC request
	EvDISASSOC_IND    AsyncEventType = 12 // 802.11 DISASSOC indication
	EvLINK            AsyncEventType = 16 // generic link indication, flags bit 0 set when up
	EvMIC_ERROR       AsyncEventType = 17
	EvROAM            AsyncEventType = 19
	EvTXFAIL          AsyncEventType = 20
	EvPMKID_CACHE     AsyncEventType = 21
	EvPRUNE           AsyncEventType = 23
	EvEAPOL_MSG       AsyncEventType = 25
	EvSCAN_COMPLETE   AsyncEventType = 26
	EvBCNLOST_MSG     AsyncEventType = 31
	EvRADIO           AsyncEventType = 40
	EvPROBREQ_MSG     AsyncEventType = 44
	EvPSK_SUP         AsyncEventType = 46 // WPA handshake progress
	EvICV_ERROR       AsyncEventType = 49
	EvIF              AsyncEventType = 54
	EvRSSI            AsyncEventType = 56
	EvESCAN_RESULT    AsyncEventType = 69
	EvPROBRESP_MSG    AsyncEventType = 71
	EvCSA_COMPLETE    AsyncEventType = 80
	EvASSOC_REQ_IE    AsyncEventType = 87
	EvASSOC_RESP_IE   AsyncEventType = 88
	EvAUTHORIZED      AsyncEventType = 136
	EvPROBREQ_MSG_RX  AsyncEventType = 137
	EvEXT_AUTH_REQ    AsyncEventType = 187
	EvEXT_AUTH_FRAME  AsyncEventType = 188
	EvMGMT_FRAME_TXST AsyncEventType = 189

	// EvLast is one past the highest event number the firmware mask covers.
	EvLast AsyncEventType = 192
)

var evNames = map[AsyncEventType]string{
	EvSET_SSID: "SET_SSID", EvJOIN: "JOIN", EvSTART: "START", EvAUTH: "AUTH",
	EvAUTH_IND: "AUTH_IND", EvDEAUTH: "DEAUTH", EvDEAUTH_IND: "DEAUTH_IND",
	EvASSOC: "ASSOC", EvASSOC_IND: "ASSOC_IND", EvREASSOC: "REASSOC",
	EvREASSOC_IND: "REASSOC_IND", EvDISASSOC: "DISASSOC", EvDISASSOC_IND: "DISASSOC_IND",
	EvLINK: "LINK", EvMIC_ERROR: "MIC_ERROR", EvROAM: "ROAM", EvTXFAIL: "TXFAIL",
	EvPMKID_CACHE: "PMKID_CACHE", EvPRUNE: "PRUNE", EvEAPOL_MSG: "EAPOL_MSG",
	EvSCAN_COMPLETE: "SCAN_COMPLETE", EvBCNLOST_MSG: "BCNLOST_MSG", EvRADIO: "RADIO",
	EvPROBREQ_MSG: "PROBREQ_MSG", EvPSK_SUP: "PSK_SUP", EvICV_ERROR: "ICV_ERROR",
	EvIF: "IF", EvRSSI: "RSSI", EvESCAN_RESULT: "ESCAN_RESULT", EvPROBRESP_MSG: "PROBRESP_MSG",
	EvCSA_COMPLETE: "CSA_COMPLETE", EvASSOC_REQ_IE: "ASSOC_REQ_IE", EvASSOC_RESP_IE: "ASSOC_RESP_IE",
	EvAUTHORIZED: "AUTHORIZED", EvPROBREQ_MSG_RX: "PROBREQ_MSG_RX", EvEXT_AUTH_REQ: "EXT_AUTH_REQ",
	EvEXT_AUTH_FRAME: "EXT_AUTH_FRAME", EvMGMT_FRAME_TXST: "MGMT_FRAME_TXSTATUS",
}

func (ev AsyncEventType) String() string {
	if s, ok := evNames[ev]; ok {
		return s
	}
	return "Ev(" + strconv.Itoa(int(ev)) + ")"
}

// EStatus is the status field of an event message.
type EStatus uint32

const (
	EStatusSuccess     EStatus = 0
	EStatusFail        EStatus = 1
	EStatusTimeout     EStatus = 2
	EStatusNoNetworks  EStatus = 3
	EStatusAbort       EStatus = 4
	EStatusNoAck       EStatus = 5
	EStatusUnsolicited EStatus = 6 // for PSK_SUP: key exchange done (WLC_SUP_KEYED)
	EStatusAttempt     EStatus = 7
	EStatusPartial     EStatus = 8 // escan result with more to come
	EStatusNewscan     EStatus = 9
	EStatusNewassoc    EStatus = 10
	EStatus11hQuiet    EStatus = 11
	EStatusSuppress    EStatus = 12
	EStatusNochans     EStatus = 13
	EStatusCcxFastRoam EStatus = 14
	EStatusCsAbort     EStatus = 15

	// EStatusKeyed is EStatusUnsolicited as reported for EvPSK_SUP.
	EStatusKeyed = EStatusUnsolicited
)

func (s EStatus) String() string {
	switch s {
	case EStatusSuccess:
		return "success"
	case EStatusFail:
		return "fail"
	case EStatusTimeout:
		return "timeout"
	case EStatusNoNetworks:
		return "no networks"
	case EStatusAbort:
		return "abort"
	case EStatusNoAck:
		return "no ack"
	case EStatusUnsolicited:
		return "unsolicited"
	case EStatusAttempt:
		return "attempt"
	case EStatusPartial:
		return "partial"
	case EStatusNewscan:
		return "newscan"
	case EStatusNewassoc:
		return "newassoc"
	}
	return "status(" + strconv.Itoa(int(s)) + ")"
}

// Event packet constants.
const (
	ETHER_TYPE_BRCM      = 0x886c
	BCMILCP_SUBTYPE_BRCM = 32769
	BCMILCP_USER_TYPE    = 1

	ETHERNET_HEADER_LEN = 14
	EVENT_HEADER_LEN    = 10
	EVENT_MESSAGE_LEN   = 48
	EVENT_PACKET_LEN    = ETHERNET_HEADER_LEN + EVENT_HEADER_LEN + EVENT_MESSAGE_LEN
)

// BRCM_OUI is the Broadcom organisation identifier carried by event packets.
var BRCM_OUI = [3]byte{0x00, 0x10, 0x18}

var (
	ErrInvalidEtherType = errors.New("whd: event ether type not 0x886c")
	ErrInvalidOUI       = errors.New("whd: event OUI not broadcom")
	ErrInvalidSubtype   = errors.New("whd: event subtype mismatch")
	ErrShortEvent       = errors.New("whd: event packet too short")
)

// EventHeader is the BCMILCP header following the Ethernet header. Big endian.
type EventHeader struct {
	Subtype     uint16
	Length      uint16
	Version     uint8
	OUI         [3]byte
	UserSubtype uint16
}

// EventMessage is the firmware event body. Big endian.
type EventMessage struct {
	Version   uint16
	Flags     uint16
	EventType AsyncEventType
	Status    EStatus
	Reason    uint32
	AuthType  uint32
	DataLen   uint32
	Addr      [6]byte
	IfName    [16]byte
	IfIdx     uint8
	BSSCfgIdx uint8
}

// EventPacket is the BDC payload of an event channel frame.
type EventPacket struct {
	DstAddr   [6]byte
	SrcAddr   [6]byte
	EtherType uint16
	Header    EventHeader
	Message   EventMessage
}

// DecodeEventPacket validates and parses an event packet. The returned data
// slice aliases b and holds Message.DataLen bytes of event specific data.
func DecodeEventPacket(b []byte) (ev EventPacket, data []byte, err error) {
	if len(b) < EVENT_PACKET_LEN {
		return ev, nil, ErrShortEvent
	}
	be := binary.BigEndian
	copy(ev.DstAddr[:], b[0:6])
	copy(ev.SrcAddr[:], b[6:12])
	ev.EtherType = be.Uint16(b[12:14])
	if ev.EtherType != ETHER_TYPE_BRCM {
		return ev, nil, ErrInvalidEtherType
	}
	h := b[ETHERNET_HEADER_LEN:]
	ev.Header = EventHeader{
		Subtype:     be.Uint16(h[0:2]),
		Length:      be.Uint16(h[2:4]),
		Version:     h[4],
		UserSubtype: be.Uint16(h[8:10]),
	}
	copy(ev.Header.OUI[:], h[5:8])
	if ev.Header.OUI != BRCM_OUI {
		return ev, nil, ErrInvalidOUI
	}
	if ev.Header.Subtype != BCMILCP_SUBTYPE_BRCM || ev.Header.UserSubtype != BCMILCP_USER_TYPE {
		return ev, nil, ErrInvalidSubtype
	}
	m := h[EVENT_HEADER_LEN:]
	ev.Message = EventMessage{
		Version:   be.Uint16(m[0:2]),
		Flags:     be.Uint16(m[2:4]),
		EventType: AsyncEventType(be.Uint32(m[4:8])),
		Status:    EStatus(be.Uint32(m[8:12])),
		Reason:    be.Uint32(m[12:16]),
		AuthType:  be.Uint32(m[16:20]),
		DataLen:   be.Uint32(m[20:24]),
		IfIdx:     m[46],
		BSSCfgIdx: m[47],
	}
	copy(ev.Message.Addr[:], m[24:30])
	copy(ev.Message.IfName[:], m[30:46])
	if uint64(ev.Message.DataLen) > uint64(len(b)-EVENT_PACKET_LEN) {
		return ev, nil, ErrShortEvent
	}
	return ev, b[EVENT_PACKET_LEN : EVENT_PACKET_LEN+int(ev.Message.DataLen)], nil
}

// PutEventPacket writes ev followed by data into b, filling in the fixed
// header fields. It returns the number of bytes written.
func PutEventPacket(b []byte, ev EventPacket, data []byte) int {
	n := EVENT_PACKET_LEN + len(data)
	_ = b[n-1]
	be := binary.BigEndian
	copy(b[0:6], ev.DstAddr[:])
	copy(b[6:12], ev.SrcAddr[:])
	be.PutUint16(b[12:14], ETHER_TYPE_BRCM)
	h := b[ETHERNET_HEADER_LEN:]
	be.PutUint16(h[0:2], BCMILCP_SUBTYPE_BRCM)
	be.PutUint16(h[2:4], uint16(EVENT_HEADER_LEN+EVENT_MESSAGE_LEN+len(data)))
	h[4] = ev.Header.Version
	copy(h[5:8], BRCM_OUI[:])
	be.PutUint16(h[8:10], BCMILCP_USER_TYPE)
	m := h[EVENT_HEADER_LEN:]
	msg := ev.Message
	be.PutUint16(m[0:2], msg.Version)
	be.PutUint16(m[2:4], msg.Flags)
	be.PutUint32(m[4:8], uint32(msg.EventType))
	be.PutUint32(m[8:12], uint32(msg.Status))
	be.PutUint32(m[12:16], msg.Reason)
	be.PutUint32(m[16:20], msg.AuthType)
	be.PutUint32(m[20:24], uint32(len(data)))
	copy(m[24:30], msg.Addr[:])
	copy(m[30:46], msg.IfName[:])
	m[46] = msg.IfIdx
	m[47] = msg.BSSCfgIdx
	copy(b[EVENT_PACKET_LEN:], data)
	return n
}
