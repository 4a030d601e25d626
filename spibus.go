package cywlink

import (
	"encoding/binary"

	"tinygo.org/x/drivers"
)

// SPIBus drives the chip over a 4-wire SPI peripheral. Words are shifted
// out most significant byte first and every transaction ends by clocking
// in the status word.
type SPIBus struct {
	spi    drivers.SPI
	cs     func(bool)
	regOn  func(bool)
	status uint32
	// Byte buffers for one transaction. Grown on demand.
	wbuf []byte
	rbuf []byte
}

var _ Bus = (*SPIBus)(nil)

// NewSPIBus returns a Bus over spi. cs drives chip select (active low) and
// regOn drives WL_REG_ON. Both take the pin level, i.e. machine.Pin.Set.
func NewSPIBus(spi drivers.SPI, cs, regOn func(bool)) *SPIBus {
	cs(true)
	return &SPIBus{spi: spi, cs: cs, regOn: regOn}
}

func (s *SPIBus) CmdRead(cmd uint32, buf []uint32) error {
	n := 4 * (1 + len(buf) + 1)
	w, r := s.bufs(n)
	clear(w)
	binary.BigEndian.PutUint32(w, cmd)
	s.cs(false)
	err := s.spi.Tx(w, r)
	s.cs(true)
	if err != nil {
		return err
	}
	r = r[4:]
	for i := range buf {
		buf[i] = binary.BigEndian.Uint32(r[4*i:])
	}
	s.status = binary.BigEndian.Uint32(r[4*len(buf):])
	return nil
}

func (s *SPIBus) CmdWrite(cmd uint32, buf []uint32) error {
	n := 4 * (1 + len(buf) + 1)
	w, r := s.bufs(n)
	binary.BigEndian.PutUint32(w, cmd)
	for i, v := range buf {
		binary.BigEndian.PutUint32(w[4+4*i:], v)
	}
	binary.BigEndian.PutUint32(w[n-4:], 0)
	s.cs(false)
	err := s.spi.Tx(w, r)
	s.cs(true)
	if err != nil {
		return err
	}
	s.status = binary.BigEndian.Uint32(r[n-4:])
	return nil
}

func (s *SPIBus) LastStatus() uint32 { return s.status }

func (s *SPIBus) SetReset(asserted bool) { s.regOn(!asserted) }

func (s *SPIBus) bufs(n int) (w, r []byte) {
	if cap(s.wbuf) < n {
		s.wbuf = make([]byte, n)
		s.rbuf = make([]byte, n)
	}
	return s.wbuf[:n], s.rbuf[:n]
}
