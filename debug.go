package cywlink

import (
	"context"
	"encoding/binary"
	"log/slog"
	"time"
)

const (
	levelTrace slog.Level = slog.LevelDebug - 1
	// LevelFirmware is the level of lines read from the chip's console log.
	LevelFirmware slog.Level = slog.LevelError - 1
)

func (d *Device) logerr(msg string, attrs ...slog.Attr) {
	d.logattrs(slog.LevelError, msg, attrs...)
}

func (d *Device) warn(msg string, attrs ...slog.Attr) {
	d.logattrs(slog.LevelWarn, msg, attrs...)
}

func (d *Device) info(msg string, attrs ...slog.Attr) {
	d.logattrs(slog.LevelInfo, msg, attrs...)
}

func (d *Device) debug(msg string, attrs ...slog.Attr) {
	d.logattrs(slog.LevelDebug, msg, attrs...)
}

func (d *Device) trace(msg string, attrs ...slog.Attr) {
	d.logattrs(levelTrace, msg, attrs...)
}

func (d *Device) logattrs(level slog.Level, msg string, attrs ...slog.Attr) {
	if d.logenabled(level) {
		d.logger.LogAttrs(context.Background(), level, msg, attrs...)
	}
}

func (d *Device) logenabled(level slog.Level) bool {
	return d.logger != nil && level >= d.cfg.LogLevel && d.logger.Handler().Enabled(context.Background(), level)
}

func (d *Device) isTraceEnabled() bool {
	return d.logenabled(levelTrace)
}

func errAttr(err error) slog.Attr { return slog.String("err", err.Error()) }

// Firmware console shared memory layout.
const (
	socramSRMemSize   = 64 * 1024
	consoleAddrOffset = 20
	consoleLogOffset  = 8
	consoleRingSize   = 0x400
)

type logstate struct {
	addr     uint32
	lastIdx  uint32
	lastRead time.Time
	line     [256]byte
	linelen  int
	ring     [consoleRingSize]byte
	hdr      [16]byte
}

// log_init locates the firmware console ring from the shared memory pointer
// stored at the end of chip RAM.
func (r *runner) log_init() error {
	d := r.dev
	addr := d.chip.RAMBase + d.chip.RAMSize - 4 - socramSRMemSize
	sharedAddr, err := r.bus.bp_read32(addr)
	if err != nil {
		return err
	}
	var shared [32]byte
	if err = r.bus.bp_read(sharedAddr, shared[:]); err != nil {
		return err
	}
	r.log.addr = binary.LittleEndian.Uint32(shared[consoleAddrOffset:]) + consoleLogOffset
	d.trace("log_init", slog.Uint64("shared", uint64(sharedAddr)), slog.Uint64("console", uint64(r.log.addr)))
	return nil
}

// log_read emits new complete lines of the firmware console at LevelFirmware.
func (r *runner) log_read() error {
	d := r.dev
	if !d.cfg.FirmwareLogs || r.log.addr == 0 || time.Since(r.log.lastRead) < d.cfg.FirmwareLogInterval {
		return nil
	}
	r.log.lastRead = time.Now()
	if err := r.bus.bp_read(r.log.addr, r.log.hdr[:]); err != nil {
		return err
	}
	// {buf, bufSize, idx, outIdx}
	bufAddr := binary.LittleEndian.Uint32(r.log.hdr[0:4])
	idx := binary.LittleEndian.Uint32(r.log.hdr[8:12]) % consoleRingSize
	if idx == r.log.lastIdx {
		return nil
	}
	if err := r.bus.bp_read(bufAddr, r.log.ring[:]); err != nil {
		return err
	}
	for r.log.lastIdx != idx {
		b := r.log.ring[r.log.lastIdx]
		if b == '\r' || b == '\n' {
			if r.log.linelen != 0 {
				d.logattrs(LevelFirmware, string(r.log.line[:r.log.linelen]))
				r.log.linelen = 0
			}
		} else if r.log.linelen < len(r.log.line) {
			r.log.line[r.log.linelen] = b
			r.log.linelen++
		}
		r.log.lastIdx = (r.log.lastIdx + 1) % consoleRingSize
	}
	return nil
}
