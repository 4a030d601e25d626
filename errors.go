package cywlink

import (
	"errors"
	"strconv"

	"github.com/soypat/cywlink/whd"
)

var (
	// ErrLinkDown is returned by operations issued while the Runner is not
	// running or has not finished booting the chip.
	ErrLinkDown       = errors.New("cywlink: link down")
	ErrBootTimeout    = errors.New("cywlink: boot timeout")
	ErrCommandTimeout = errors.New("cywlink: command timeout")
	ErrJoinTimeout    = errors.New("cywlink: join timeout")
	// ErrSendError is wrapped by every data plane input validation error.
	ErrSendError          = errors.New("cywlink: send error")
	ErrNoCredit           = errors.New("cywlink: no tx credit")
	ErrSubscriptionClosed = errors.New("cywlink: subscription closed")
	ErrLinkBusy           = errors.New("cywlink: link busy")
	ErrRunnerStarted      = errors.New("cywlink: runner already started")
)

var (
	ErrFrameTooLarge = &sendError{msg: "frame too large"}
	ErrFrameTooShort = &sendError{msg: "frame shorter than ethernet header"}
)

// Validation errors found before touching the bus.
var (
	errIoctlDataTooLarge = errors.New("ioctl data too large")
	errIOVarTooLarge     = errors.New("iovar too large")
	errInvalidIoctl      = errors.New("invalid ioctl cmd/kind/iface")
	errSSIDTooLong       = errors.New("ssid too long")
	errPassphraseLen     = errors.New("passphrase length out of range")
	errGPIORange         = errors.New("gpio out of range")
	errBlobChecksum      = errors.New("blob checksum mismatch")
	errBlobReadback      = errors.New("blob readback mismatch")
	errCoreNotUp         = errors.New("core not up after reset")
	errCoreDisable       = errors.New("core disable failed")
	errCLMStatus         = errors.New("clmload_status failed")
	errNoFirmware        = errors.New("no firmware blob")
)

type sendError struct{ msg string }

func (e *sendError) Error() string        { return "cywlink: " + e.msg }
func (e *sendError) Is(target error) bool { return target == ErrSendError }

// BusError is a failure of the underlying bus transport. It terminates the Runner.
type BusError struct {
	Op  string
	Err error
}

func (e *BusError) Error() string { return "cywlink: bus " + e.Op + ": " + e.Err.Error() }
func (e *BusError) Unwrap() error { return e.Err }

// IoctlError is returned when the chip answers a command with non-zero status.
type IoctlError struct {
	Cmd    whd.SDPCMCommand
	Status uint32
}

func (e *IoctlError) Error() string {
	return "cywlink: ioctl " + e.Cmd.String() + " status " + strconv.Itoa(int(int32(e.Status)))
}

// JoinError is returned when the chip reports a failed join.
type JoinError struct {
	Event  whd.AsyncEventType
	Status whd.EStatus
	Reason uint32
}

func (e *JoinError) Error() string {
	return "cywlink: join failed on " + e.Event.String() + ": " + e.Status.String() +
		" reason=" + strconv.Itoa(int(e.Reason))
}

// errjoin returns an error that wraps the given errors, discarding nil values.
func errjoin(errs ...error) error {
	return errors.Join(errs...)
}
