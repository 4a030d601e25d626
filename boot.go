package cywlink

// Chip bring up: bus configuration, clocks, core resets and blob upload.

import (
	"bytes"
	"context"
	"errors"
	"hash/crc32"
	"log/slog"
	"strconv"
	"time"

	"github.com/soypat/cywlink/whd"
)

// Blob is a binary image uploaded to the chip.
type Blob struct {
	Data []byte
	// Checksum is the IEEE CRC-32 of Data. Zero skips the check.
	Checksum uint32
}

// Verify checks Data against Checksum.
func (b Blob) Verify() error {
	if b.Checksum == 0 {
		return nil
	}
	got := crc32.ChecksumIEEE(b.Data)
	if got != b.Checksum {
		return errjoin(errBlobChecksum, errors.New("got "+hex32(got)+" want "+hex32(b.Checksum)))
	}
	return nil
}

// Bus control register (0x0000) fields.
const (
	busWordLength32   = 1 << 0
	busEndianBig      = 1 << 1
	busHighSpeed      = 1 << 4
	busInterruptPol   = 1 << 5
	busWakeUp         = 1 << 7
	busStatusEnable   = 1 << 16
	busIntrWithStatus = 1 << 17

	busSetup = busWordLength32 | busHighSpeed | busInterruptPol | busWakeUp |
		busStatusEnable | busIntrWithStatus
)

const rwTestPattern = 0x12345678

// boot takes the chip from reset to a running firmware with F2 ready.
func (r *runner) boot(ctx context.Context) error {
	d := r.dev
	cfg := &d.cfg
	start := time.Now()
	if len(cfg.Firmware.Data) == 0 {
		return errNoFirmware
	}
	if err := cfg.Firmware.Verify(); err != nil {
		return errjoin(errors.New("firmware"), err)
	}
	if err := cfg.NVRAM.Verify(); err != nil {
		return errjoin(errors.New("nvram"), err)
	}
	d.info("boot:start", slog.String("chip", d.chip.Name), slog.Int("fwlen", len(cfg.Firmware.Data)))

	if err := r.reset(ctx); err != nil {
		return err
	}
	if err := r.initBus(ctx); err != nil {
		return errjoin(errors.New("init bus"), err)
	}
	b := &r.bus

	d.debug("boot:alp")
	if err := b.write8(FuncBackplane, whd.SDIO_CHIP_CLOCK_CSR, whd.SBSDIO_ALP_AVAIL_REQ); err != nil {
		return err
	}
	err := r.pollBoot(ctx, "alp", func() (bool, error) {
		got, err := b.read8(FuncBackplane, whd.SDIO_CHIP_CLOCK_CSR)
		return got&whd.SBSDIO_ALP_AVAIL != 0, err
	})
	if err != nil {
		return err
	}
	// Clear request for ALP.
	if err = b.write8(FuncBackplane, whd.SDIO_CHIP_CLOCK_CSR, 0); err != nil {
		return err
	}
	chipID, err := b.bp_read16(whd.CHIPCOMMON_BASE_ADDRESS)
	if err != nil {
		return err
	}
	if d.chip.ChipID != 0 && chipID != d.chip.ChipID {
		d.warn("boot:unexpected chip id", slog.Uint64("got", uint64(chipID)), slog.Uint64("want", uint64(d.chip.ChipID)))
	}

	if err = r.core_disable(whd.CORE_WLAN_ARM); err != nil {
		return err
	}
	if err = r.core_reset(whd.CORE_SOCRAM); err != nil {
		return err
	}
	// 4343x specific: disable remap for SRAM_3.
	if err = b.bp_write32(whd.SOCSRAM_BANKX_INDEX, 3); err != nil {
		return err
	}
	if err = b.bp_write32(whd.SOCSRAM_BANKX_PDA, 0); err != nil {
		return err
	}

	ramBase, ramSize := d.chip.RAMBase, d.chip.RAMSize
	d.debug("boot:firmware", slog.Uint64("chip_id", uint64(chipID)))
	if err = r.upload(ramBase, cfg.Firmware.Data); err != nil {
		return errjoin(errors.New("firmware upload"), err)
	}

	nvram := cfg.NVRAM.Data
	nvramLen := alignup(uint32(len(nvram)), 4)
	d.debug("boot:nvram", slog.Int("len", len(nvram)))
	if err = r.upload(ramBase+ramSize-4-nvramLen, nvram); err != nil {
		return errjoin(errors.New("nvram upload"), err)
	}
	nvramWords := nvramLen / 4
	if err = b.bp_write32(ramBase+ramSize-4, (^nvramWords)<<16|nvramWords); err != nil {
		return err
	}

	d.debug("boot:start-core")
	if err = r.core_reset(whd.CORE_WLAN_ARM); err != nil {
		return err
	}
	up, err := r.core_is_up(whd.CORE_WLAN_ARM)
	if err != nil {
		return err
	} else if !up {
		return errCoreNotUp
	}

	// HT clock takes about 29ms on a Pico W.
	if err = r.pollBoot(ctx, "ht", r.htAvailable); err != nil {
		return err
	}

	if err = b.write16(FuncBus, whd.SPI_INTERRUPT_ENABLE_REGISTER, whd.F2_PACKET_AVAILABLE); err != nil {
		return err
	}
	// Lower F2 watermark to avoid a DMA hang in F2 when the SD clock is stopped.
	if err = b.write8(FuncBackplane, whd.SDIO_FUNCTION2_WATERMARK, whd.SPI_F2_WATERMARK); err != nil {
		return err
	}
	err = r.pollBoot(ctx, "f2 ready", func() (bool, error) {
		st, err := b.read32(FuncBus, whd.SPI_STATUS_REGISTER)
		return Status(st).F2RxReady() || b.status().F2RxReady(), err
	})
	if err != nil {
		return err
	}

	// Clear pulls.
	if err = b.write8(FuncBackplane, whd.SDIO_PULL_UP, 0); err != nil {
		return err
	}
	if _, err = b.read8(FuncBackplane, whd.SDIO_PULL_UP); err != nil {
		return err
	}
	if err = b.write8(FuncBackplane, whd.SDIO_CHIP_CLOCK_CSR, whd.SBSDIO_HT_AVAIL_REQ); err != nil {
		return err
	}
	if err = r.pollBoot(ctx, "ht request", r.htAvailable); err != nil {
		return err
	}

	if err = r.log_init(); err != nil {
		return err
	}
	d.info("boot:done", slog.Duration("took", time.Since(start)))
	return nil
}

func (r *runner) htAvailable() (bool, error) {
	got, err := r.bus.read8(FuncBackplane, whd.SDIO_CHIP_CLOCK_CSR)
	return got&whd.SBSDIO_HT_AVAIL != 0, err
}

// reset pulses WL_REG_ON and waits for the chip to power its bus.
func (r *runner) reset(ctx context.Context) error {
	d := r.dev
	d.bus.SetReset(true)
	if err := sleepctx(ctx, min(20*time.Millisecond, d.cfg.ResetDelay)); err != nil {
		return err
	}
	d.bus.SetReset(false)
	r.bus.window = invalidWindow
	return sleepctx(ctx, d.cfg.ResetDelay)
}

// initBus verifies the bus with the test registers and switches to 32 bit words.
func (r *runner) initBus(ctx context.Context) error {
	b := &r.bus
	var got uint32
	err := r.pollBoot(ctx, "spi test", func() (bool, error) {
		var err error
		got, err = b.read32_swapped(whd.SPI_READ_TEST_REGISTER)
		return got == whd.TEST_PATTERN, err
	})
	if err != nil {
		return errjoin(err, errors.New("last read "+hex32(got)))
	}
	if err = b.write32_swapped(whd.SPI_READ_TEST_REGISTER_RW, rwTestPattern); err != nil {
		return err
	}
	got, err = b.read32_swapped(whd.SPI_READ_TEST_REGISTER_RW)
	if err != nil {
		return err
	} else if got != rwTestPattern {
		return errors.New("spi rw test failed: " + hex32(got))
	}

	if err = b.write32_swapped(whd.SPI_BUS_CONTROL, busSetup); err != nil {
		return err
	}
	got, err = b.read32(FuncBus, whd.SPI_READ_TEST_REGISTER)
	if err != nil {
		return err
	} else if got != whd.TEST_PATTERN {
		return errors.New("spi ro test failed after setup: " + hex32(got))
	}
	got, err = b.read32(FuncBus, whd.SPI_READ_TEST_REGISTER_RW)
	if err != nil {
		return err
	} else if got != rwTestPattern {
		return errors.New("spi rw test failed after setup: " + hex32(got))
	}
	return nil
}

// upload writes data to chip RAM at addr and optionally reads it back.
func (r *runner) upload(addr uint32, data []byte) error {
	if err := r.bus.bp_write(addr, data); err != nil {
		return err
	}
	if !r.dev.cfg.VerifyBlobs {
		return nil
	}
	var chunk [maxBackplaneTx]byte
	for off := 0; off < len(data); off += len(chunk) {
		n := min(len(chunk), len(data)-off)
		if err := r.bus.bp_read(addr+uint32(off), chunk[:n]); err != nil {
			return err
		}
		if !bytes.Equal(chunk[:n], data[off:off+n]) {
			return errjoin(errBlobReadback, errors.New("at offset "+strconv.Itoa(off)))
		}
	}
	return nil
}

func (r *runner) core_disable(coreID uint8) error {
	b := &r.bus
	base, ok := whd.CoreAddress(coreID)
	if !ok {
		return errors.New("bad core id " + strconv.Itoa(int(coreID)))
	}
	// Dummy read before checking reset state.
	if _, err := b.bp_read8(base + whd.AI_RESETCTRL_OFFSET); err != nil {
		return err
	}
	rc, err := b.bp_read8(base + whd.AI_RESETCTRL_OFFSET)
	if err != nil {
		return err
	} else if rc&whd.AIRC_RESET != 0 {
		return nil // Already in reset.
	}
	if err = b.bp_write8(base+whd.AI_IOCTRL_OFFSET, 0); err != nil {
		return err
	}
	if _, err = b.bp_read8(base + whd.AI_IOCTRL_OFFSET); err != nil {
		return err
	}
	time.Sleep(time.Millisecond)
	if err = b.bp_write8(base+whd.AI_RESETCTRL_OFFSET, whd.AIRC_RESET); err != nil {
		return err
	}
	rc, err = b.bp_read8(base + whd.AI_RESETCTRL_OFFSET)
	if err != nil {
		return err
	} else if rc&whd.AIRC_RESET == 0 {
		return errCoreDisable
	}
	return nil
}

func (r *runner) core_reset(coreID uint8) error {
	if err := r.core_disable(coreID); err != nil {
		return err
	}
	b := &r.bus
	base, _ := whd.CoreAddress(coreID)
	if err := b.bp_write8(base+whd.AI_IOCTRL_OFFSET, whd.SICF_FGC|whd.SICF_CLOCK_EN); err != nil {
		return err
	}
	if _, err := b.bp_read8(base + whd.AI_IOCTRL_OFFSET); err != nil {
		return err
	}
	if err := b.bp_write8(base+whd.AI_RESETCTRL_OFFSET, 0); err != nil {
		return err
	}
	time.Sleep(time.Millisecond)
	if err := b.bp_write8(base+whd.AI_IOCTRL_OFFSET, whd.SICF_CLOCK_EN); err != nil {
		return err
	}
	_, err := b.bp_read8(base + whd.AI_IOCTRL_OFFSET)
	time.Sleep(time.Millisecond)
	return err
}

// core_is_up reports whether the core is clocked and out of reset.
func (r *runner) core_is_up(coreID uint8) (bool, error) {
	b := &r.bus
	base, _ := whd.CoreAddress(coreID)
	reg, err := b.bp_read8(base + whd.AI_IOCTRL_OFFSET)
	if err != nil {
		return false, err
	}
	if reg&(whd.SICF_FGC|whd.SICF_CLOCK_EN) != whd.SICF_CLOCK_EN {
		return false, nil
	}
	reg, err = b.bp_read8(base + whd.AI_RESETCTRL_OFFSET)
	return reg&whd.AIRC_RESET == 0, err
}

// pollBoot calls cond every millisecond until it returns true or BootTimeout
// elapses. Bus errors end the poll immediately.
func (r *runner) pollBoot(ctx context.Context, what string, cond func() (bool, error)) error {
	deadline := time.Now().Add(r.dev.cfg.BootTimeout)
	for {
		ok, err := cond()
		if err != nil {
			return err
		} else if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return errjoin(ErrBootTimeout, errors.New(what))
		}
		if err = sleepctx(ctx, time.Millisecond); err != nil {
			return err
		}
	}
}

func sleepctx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func hex32(u uint32) string {
	const hexdigits = "0123456789abcdef"
	var buf [10]byte
	buf[0], buf[1] = '0', 'x'
	for i := 9; i >= 2; i-- {
		buf[i] = hexdigits[u&0xf]
		u >>= 4
	}
	return string(buf[:])
}
