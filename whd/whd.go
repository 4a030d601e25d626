// Package whd holds the wire formats and register map of the CYW43439
// WLAN host interface: SDPCM framing, CDC control headers, BDC data headers,
// asynchronous event packets and the gSPI/backplane register addresses.
package whd

import "strconv"

// gSPI bus function (F0) registers.
const (
	SPI_BUS_CONTROL               = 0x0000
	SPI_RESPONSE_DELAY            = 0x0001
	SPI_STATUS_ENABLE             = 0x0002
	SPI_INTERRUPT_REGISTER        = 0x0004 // 16 bits
	SPI_INTERRUPT_ENABLE_REGISTER = 0x0006 // 16 bits
	SPI_STATUS_REGISTER           = 0x0008 // 32 bits
	SPI_READ_TEST_REGISTER        = 0x0014 // 32 bits, read only
	SPI_READ_TEST_REGISTER_RW     = 0x0018 // 32 bits
	SPI_RESP_DELAY_F1             = 0x001d

	// TEST_PATTERN is the fixed value of SPI_READ_TEST_REGISTER.
	TEST_PATTERN = 0xFEEDBEAD
)

// SPI_INTERRUPT_REGISTER bits.
const (
	DATA_UNAVAILABLE        = 0x0001 // Cleared by writing 1.
	F2_F3_FIFO_RD_UNDERFLOW = 0x0002
	F2_F3_FIFO_WR_OVERFLOW  = 0x0004
	COMMAND_ERROR           = 0x0008 // Cleared by writing 1.
	DATA_ERROR              = 0x0010 // Cleared by writing 1.
	F2_PACKET_AVAILABLE     = 0x0020
	F3_PACKET_AVAILABLE     = 0x0040
	F1_OVERFLOW             = 0x0080
)

// SPI_STATUS_REGISTER bits.
const (
	STATUS_DATA_NOT_AVAILABLE = 0x00000001
	STATUS_UNDERFLOW          = 0x00000002
	STATUS_OVERFLOW           = 0x00000004
	STATUS_F2_INTR            = 0x00000008
	STATUS_F3_INTR            = 0x00000010
	STATUS_F2_RX_READY        = 0x00000020
	STATUS_F3_RX_READY        = 0x00000040
	STATUS_HOST_CMD_DATA_ERR  = 0x00000080
	STATUS_F2_PKT_AVAILABLE   = 0x00000100
	STATUS_F2_PKT_LEN_MASK    = 0x000FFE00
	STATUS_F2_PKT_LEN_SHIFT   = 9
)

// Backplane function (F1) registers.
const (
	SDIO_FUNCTION2_WATERMARK    = 0x10008
	SDIO_BACKPLANE_ADDRESS_LOW  = 0x1000a
	SDIO_BACKPLANE_ADDRESS_MID  = 0x1000b
	SDIO_BACKPLANE_ADDRESS_HIGH = 0x1000c
	SDIO_CHIP_CLOCK_CSR         = 0x1000e
	SDIO_PULL_UP                = 0x1000f
	SDIO_WAKEUP_CTRL            = 0x1001e
	SDIO_SLEEP_CSR              = 0x1001f
)

// SDIO_CHIP_CLOCK_CSR bits.
const (
	SBSDIO_FORCE_ALP           = 0x01
	SBSDIO_FORCE_HT            = 0x02
	SBSDIO_ALP_AVAIL_REQ       = 0x08
	SBSDIO_HT_AVAIL_REQ        = 0x10
	SBSDIO_FORCE_HW_CLKREQ_OFF = 0x20
	SBSDIO_ALP_AVAIL           = 0x40
	SBSDIO_HT_AVAIL            = 0x80
)

// Backplane address map.
const (
	CHIPCOMMON_BASE_ADDRESS  = 0x18000000
	SDIO_BASE_ADDRESS        = 0x18002000
	WLAN_ARMCM3_BASE_ADDRESS = 0x18003000
	SOCSRAM_BASE_ADDRESS     = 0x18004000
	WRAPPER_REGISTER_OFFSET  = 0x100000

	BACKPLANE_WINDOW_SIZE = 0x8000
	BACKPLANE_ADDR_MASK   = 0x7fff
	// SBSDIO_SB_ACCESS_2_4B_FLAG marks 4 byte wide backplane accesses.
	SBSDIO_SB_ACCESS_2_4B_FLAG = 0x08000

	SOCSRAM_BANKX_INDEX = SOCSRAM_BASE_ADDRESS + 0x10
	SOCSRAM_BANKX_PDA   = SOCSRAM_BASE_ADDRESS + 0x44

	BUS_SPI_MAX_BACKPLANE_TRANSFER_SIZE = 64
)

// Core wrapper registers.
const (
	AI_IOCTRL_OFFSET    = 0x408
	SICF_CPUHALT        = 0x0020
	SICF_FGC            = 0x0002
	SICF_CLOCK_EN       = 0x0001
	AI_RESETCTRL_OFFSET = 0x800
	AIRC_RESET          = 1

	SPI_F2_WATERMARK = 32
)

// Core identifiers.
const (
	CORE_WLAN_ARM = 1
	CORE_SOCRAM   = 2
)

// CoreAddress returns the wrapper base address of a core.
func CoreAddress(coreID uint8) (uint32, bool) {
	switch coreID {
	case CORE_WLAN_ARM:
		return WRAPPER_REGISTER_OFFSET + WLAN_ARMCM3_BASE_ADDRESS, true
	case CORE_SOCRAM:
		return WRAPPER_REGISTER_OFFSET + SOCSRAM_BASE_ADDRESS, true
	}
	return 0, false
}

// Header and frame sizes.
const (
	SDPCM_HEADER_LEN = 12
	CDC_HEADER_LEN   = 16
	BDC_HEADER_LEN   = 4
	DL_HEADER_LEN    = 12
	// DATA_PADDING sits between the SDPCM and BDC headers of host data frames.
	DATA_PADDING = 2
	// MaxFrameSize is the largest SDPCM frame the F2 FIFO carries.
	MaxFrameSize = 2048
)

// CDC header flags.
const (
	CDCF_IOC_ERROR    = 0x01
	CDCF_IOC_IF_SHIFT = 12
	CDCF_IOC_IF_MASK  = 0xf000
)

// Ioctl kinds.
const (
	SDPCM_GET = 0
	SDPCM_SET = 2
)

// IoctlInterface selects the firmware interface a command targets.
type IoctlInterface uint8

const (
	IF_STA IoctlInterface = 0
	IF_AP  IoctlInterface = 1
	IF_P2P IoctlInterface = 2
)

func (i IoctlInterface) IsValid() bool { return i <= IF_P2P }

func (i IoctlInterface) String() string {
	switch i {
	case IF_STA:
		return "sta"
	case IF_AP:
		return "ap"
	case IF_P2P:
		return "p2p"
	}
	return "iface(" + strconv.Itoa(int(i)) + ")"
}

// SDPCMCommand is a firmware ioctl command number.
type SDPCMCommand uint32

const (
	WLC_UP            SDPCMCommand = 2
	WLC_DOWN          SDPCMCommand = 3
	WLC_SET_INFRA     SDPCMCommand = 20
	WLC_SET_AUTH      SDPCMCommand = 22
	WLC_GET_BSSID     SDPCMCommand = 23
	WLC_GET_SSID      SDPCMCommand = 25
	WLC_SET_SSID      SDPCMCommand = 26
	WLC_SET_CHANNEL   SDPCMCommand = 30
	WLC_DISASSOC      SDPCMCommand = 52
	WLC_GET_ANTDIV    SDPCMCommand = 63
	WLC_SET_ANTDIV    SDPCMCommand = 64
	WLC_SET_DTIMPRD   SDPCMCommand = 78
	WLC_GET_PM        SDPCMCommand = 85
	WLC_SET_PM        SDPCMCommand = 86
	WLC_SET_GMODE     SDPCMCommand = 110
	WLC_SET_AP        SDPCMCommand = 118
	WLC_SET_WSEC      SDPCMCommand = 134
	WLC_SET_BAND      SDPCMCommand = 142
	WLC_GET_ASSOCLIST SDPCMCommand = 159
	WLC_SET_WPA_AUTH  SDPCMCommand = 165
	WLC_GET_VAR       SDPCMCommand = 262
	WLC_SET_VAR       SDPCMCommand = 263
	WLC_SET_WSEC_PMK  SDPCMCommand = 268

	wlcLast SDPCMCommand = 320
)

func (c SDPCMCommand) IsValid() bool { return c < wlcLast }

func (c SDPCMCommand) String() string {
	switch c {
	case WLC_UP:
		return "UP"
	case WLC_DOWN:
		return "DOWN"
	case WLC_SET_INFRA:
		return "SET_INFRA"
	case WLC_SET_AUTH:
		return "SET_AUTH"
	case WLC_GET_BSSID:
		return "GET_BSSID"
	case WLC_GET_SSID:
		return "GET_SSID"
	case WLC_SET_SSID:
		return "SET_SSID"
	case WLC_SET_CHANNEL:
		return "SET_CHANNEL"
	case WLC_DISASSOC:
		return "DISASSOC"
	case WLC_GET_ANTDIV:
		return "GET_ANTDIV"
	case WLC_SET_ANTDIV:
		return "SET_ANTDIV"
	case WLC_SET_DTIMPRD:
		return "SET_DTIMPRD"
	case WLC_GET_PM:
		return "GET_PM"
	case WLC_SET_PM:
		return "SET_PM"
	case WLC_SET_GMODE:
		return "SET_GMODE"
	case WLC_SET_AP:
		return "SET_AP"
	case WLC_SET_WSEC:
		return "SET_WSEC"
	case WLC_SET_BAND:
		return "SET_BAND"
	case WLC_GET_ASSOCLIST:
		return "GET_ASSOCLIST"
	case WLC_SET_WPA_AUTH:
		return "SET_WPA_AUTH"
	case WLC_GET_VAR:
		return "GET_VAR"
	case WLC_SET_VAR:
		return "SET_VAR"
	case WLC_SET_WSEC_PMK:
		return "SET_WSEC_PMK"
	}
	return "WLC(" + strconv.Itoa(int(c)) + ")"
}

// Security settings.
const (
	WSEC_TKIP = 0x02
	WSEC_AES  = 0x04

	AUTH_OPEN = 0x00
	AUTH_SAE  = 0x03

	MFP_NONE     = 0
	MFP_CAPABLE  = 1
	MFP_REQUIRED = 2

	WPA_AUTH_DISABLED     = 0x0000
	WPA_AUTH_WPA_PSK      = 0x0004
	WPA_AUTH_WPA2_PSK     = 0x0080
	WPA_AUTH_WPA3_SAE_PSK = 0x40000
)

// DOT11_CAP_PRIVACY is the capability bit of networks requiring encryption.
const DOT11_CAP_PRIVACY = 0x0010
