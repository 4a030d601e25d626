package cywlink

import (
	"log/slog"
	"net"
	"time"
)

// Priority decides which outbound traffic the Runner writes first when both
// a command and a data frame wait for the same credit.
type Priority uint8

const (
	// PriorityControl sends pending commands before data frames.
	PriorityControl Priority = iota
	// PriorityData sends data frames before pending commands.
	PriorityData
	// PriorityRoundRobin alternates between commands and data when both wait.
	PriorityRoundRobin
)

func (p Priority) String() string {
	switch p {
	case PriorityControl:
		return "control"
	case PriorityData:
		return "data"
	case PriorityRoundRobin:
		return "roundrobin"
	}
	return "unknown"
}

// Chip describes the memory map of the attached chip.
type Chip struct {
	Name    string
	ChipID  uint16
	RAMBase uint32
	RAMSize uint32
}

// CYW43439 is the chip on the Raspberry Pi Pico W.
var CYW43439 = Chip{
	Name:    "CYW43439",
	ChipID:  43439,
	RAMBase: 0,
	RAMSize: 512 * 1024,
}

// Config configures a Device. Zero valued fields take their default.
type Config struct {
	Chip Chip
	// Firmware is uploaded to the start of chip RAM at boot. Required.
	Firmware Blob
	// NVRAM defaults to the Pico W board configuration.
	NVRAM Blob
	// CLM is the regulatory database loaded by Up. Skipped when empty.
	CLM []byte

	// Country is the two letter regulatory code. Empty selects worldwide ("XX").
	Country    string
	CountryRev int32
	PowerSave  PowerManagementMode
	// MAC overrides the address stored in chip OTP when set.
	MAC net.HardwareAddr

	Logger *slog.Logger
	// LogLevel is the minimum level logged. The zero value is slog.LevelInfo.
	LogLevel slog.Level
	// FirmwareLogs enables reading the chip's console log into Logger.
	FirmwareLogs        bool
	FirmwareLogInterval time.Duration
	// VerifyBlobs reads back firmware and NVRAM after upload.
	VerifyBlobs bool

	BootTimeout    time.Duration
	CommandTimeout time.Duration
	JoinTimeout    time.Duration
	// ResetDelay is the wait after releasing WL_REG_ON for the bus to come up.
	ResetDelay time.Duration
	// InitDelay is the settle time the firmware needs after country and WLC_UP.
	InitDelay time.Duration
	// PollInterval is the interval the Runner polls the chip at without an IRQ.
	PollInterval time.Duration

	Priority      Priority
	EventQueueLen int
	RxQueueLen    int
	TxQueueLen    int
}

// DefaultConfig returns the configuration used for zero valued fields.
func DefaultConfig() Config {
	return Config{
		Chip:                CYW43439,
		NVRAM:               Blob{Data: []byte(NVRAM43439)},
		PowerSave:           PowerSave,
		LogLevel:            slog.LevelInfo,
		FirmwareLogInterval: 100 * time.Millisecond,
		BootTimeout:         500 * time.Millisecond,
		CommandTimeout:      time.Second,
		JoinTimeout:         10 * time.Second,
		ResetDelay:          250 * time.Millisecond,
		InitDelay:           100 * time.Millisecond,
		PollInterval:        10 * time.Millisecond,
		Priority:            PriorityControl,
		EventQueueLen:       8,
		RxQueueLen:          4,
		TxQueueLen:          4,
	}
}

func (cfg Config) withDefaults() Config {
	def := DefaultConfig()
	if cfg.Chip.RAMSize == 0 {
		cfg.Chip = def.Chip
	}
	if len(cfg.NVRAM.Data) == 0 {
		cfg.NVRAM = def.NVRAM
	}
	setdur := func(d *time.Duration, def time.Duration) {
		if *d <= 0 {
			*d = def
		}
	}
	setdur(&cfg.FirmwareLogInterval, def.FirmwareLogInterval)
	setdur(&cfg.BootTimeout, def.BootTimeout)
	setdur(&cfg.CommandTimeout, def.CommandTimeout)
	setdur(&cfg.JoinTimeout, def.JoinTimeout)
	setdur(&cfg.ResetDelay, def.ResetDelay)
	setdur(&cfg.InitDelay, def.InitDelay)
	setdur(&cfg.PollInterval, def.PollInterval)
	setint := func(n *int, def int) {
		if *n <= 0 {
			*n = def
		}
	}
	setint(&cfg.EventQueueLen, def.EventQueueLen)
	setint(&cfg.RxQueueLen, def.RxQueueLen)
	setint(&cfg.TxQueueLen, def.TxQueueLen)
	if cfg.Priority > PriorityRoundRobin {
		cfg.Priority = def.Priority
	}
	if !cfg.PowerSave.IsValid() {
		cfg.PowerSave = def.PowerSave
	}
	return cfg
}
