//go:build tinygo && rp2040

package cywlink

import (
	"machine"

	pio "github.com/tinygo-org/pio/rp2-pio"
	"github.com/tinygo-org/pio/rp2-pio/piolib"
)

// picoBus is the Pico W 3-wire gSPI bus run on a PIO state machine.
type picoBus struct {
	cs    func(bool)
	regOn func(bool)
	spi   *piolib.SPI3w
}

var _ Bus = (*picoBus)(nil)

// NewPicoWBus claims a PIO0 state machine and returns a Bus on the Pico W
// CYW43439 pins.
func NewPicoWBus() (Bus, error) {
	// Raspberry Pi Pico W pin definitions for the CY43439.
	const (
		WL_REG_ON = machine.GPIO23
		DATA      = machine.GPIO24 // Shared with WL_HOST_WAKE.
		CLK       = machine.GPIO29
		CS        = machine.GPIO25
	)
	WL_REG_ON.Configure(machine.PinConfig{Mode: machine.PinOutput})
	CS.Configure(machine.PinConfig{Mode: machine.PinOutput})
	CS.High()
	sm, err := pio.PIO0.ClaimStateMachine()
	if err != nil {
		return nil, err
	}
	spi, err := piolib.NewSPI3w(sm, DATA, CLK, 25000_000-1)
	if err != nil {
		return nil, err
	}
	spi.EnableStatus(true)
	if err = spi.EnableDMA(true); err != nil {
		return nil, err
	}
	return &picoBus{cs: CS.Set, regOn: WL_REG_ON.Set, spi: spi}, nil
}

func (p *picoBus) CmdRead(cmd uint32, buf []uint32) error {
	p.cs(false)
	err := p.spi.CmdRead(cmd, buf)
	p.cs(true)
	return err
}

func (p *picoBus) CmdWrite(cmd uint32, buf []uint32) error {
	p.cs(false)
	err := p.spi.CmdWrite(cmd, buf)
	p.cs(true)
	return err
}

func (p *picoBus) LastStatus() uint32 { return p.spi.LastStatus() }

func (p *picoBus) SetReset(asserted bool) { p.regOn(!asserted) }
