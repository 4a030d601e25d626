package cywlink

// Bring up and association.

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"log/slog"
	"time"

	"github.com/soypat/cywlink/whd"
)

// Up configures a booted chip for station operation: regulatory data,
// country, MAC address, event mask and power management.
func (d *Device) Up(ctx context.Context) error {
	if err := d.WaitReady(ctx); err != nil {
		return err
	}
	start := time.Now()
	cfg := &d.cfg
	if len(cfg.CLM) > 0 {
		if err := d.clmLoad(ctx, cfg.CLM); err != nil {
			return errjoin(errors.New("clm load"), err)
		}
	}
	d.logFirmwareVersion(ctx)

	// Disable tx glomming, which transfers multiple packets in one request.
	if err := d.setVar(ctx, "bus:txglom", whd.IF_STA, 0); err != nil {
		return err
	}
	if err := d.setVar(ctx, "apsta", whd.IF_STA, 1); err != nil {
		return err
	}
	var mac [6]byte
	if len(cfg.MAC) == 6 {
		copy(mac[:], cfg.MAC)
		if err := d.setVarN(ctx, "cur_etheraddr", whd.IF_STA, mac[:]); err != nil {
			return err
		}
	} else if _, err := d.getVarN(ctx, "cur_etheraddr", whd.IF_STA, mac[:]); err != nil {
		return err
	}
	d.setMAC(mac)
	d.debug("up:mac", slog.String("mac", d.HardwareAddr().String()))

	country := whd.CountryInfo(cfg.Country, cfg.CountryRev)
	if err := d.setVarN(ctx, "country", whd.IF_STA, country[:]); err != nil {
		return err
	}
	// Following ioctls fail if the country is not given time to settle.
	if err := sleepctx(ctx, cfg.InitDelay); err != nil {
		return err
	}
	// Chip antenna.
	if err := d.setIoctl(ctx, whd.WLC_SET_ANTDIV, whd.IF_STA, 0); err != nil {
		return err
	}
	if err := d.setVar(ctx, "ampdu_ba_wsize", whd.IF_STA, 8); err != nil {
		return err
	}
	if err := d.setVar(ctx, "ampdu_mpdu", whd.IF_STA, 4); err != nil {
		return err
	}

	evts := defaultEventMask()
	var buf [eventMaskLen]byte
	evts.Put(buf[:])
	if err := d.setVarN(ctx, "bsscfg:event_msgs", whd.IF_STA, buf[:]); err != nil {
		return err
	}
	if err := sleepctx(ctx, cfg.InitDelay); err != nil {
		return err
	}

	if err := d.doIoctlSet(ctx, whd.WLC_UP, whd.IF_STA, nil); err != nil {
		return err
	}
	if err := sleepctx(ctx, cfg.InitDelay); err != nil {
		return err
	}
	if err := d.setIoctl(ctx, whd.WLC_SET_GMODE, whd.IF_STA, 1); err != nil { // auto
		return err
	}
	if err := d.setIoctl(ctx, whd.WLC_SET_BAND, whd.IF_STA, 0); err != nil { // any
		return err
	}
	if err := d.SetPowerManagement(ctx, cfg.PowerSave); err != nil {
		return err
	}
	d.info("up:done", slog.Duration("took", time.Since(start)))
	return nil
}

// clmLoad downloads the regulatory database in 1024 byte chunks.
func (d *Device) clmLoad(ctx context.Context, clm []byte) error {
	d.debug("clm_load", slog.Int("clm_len", len(clm)))
	const chunkSize = 1024
	buf := make([]byte, whd.DL_HEADER_LEN+chunkSize)
	offset := 0
	for offset < len(clm) {
		chunk := clm[offset:min(len(clm), offset+chunkSize)]
		flag := uint16(whd.DL_FLAG_HANDLER_VER)
		if offset == 0 {
			flag |= whd.DL_FLAG_BEGIN
		}
		offset += len(chunk)
		if offset == len(clm) {
			flag |= whd.DL_FLAG_END
		}
		hdr := whd.DownloadHeader{Flags: flag, Type: whd.DL_TYPE_CLM, Len: uint32(len(chunk))}
		hdr.Put(buf)
		n := whd.DL_HEADER_LEN + copy(buf[whd.DL_HEADER_LEN:], chunk)
		if err := d.setVarN(ctx, "clmload", whd.IF_STA, buf[:n]); err != nil {
			return err
		}
	}
	v, err := d.getVar(ctx, "clmload_status", whd.IF_STA)
	if err != nil {
		return err
	} else if v != 0 {
		return errCLMStatus
	}
	d.debug("clm_load:done")
	return nil
}

func (d *Device) logFirmwareVersion(ctx context.Context) {
	if !d.logenabled(slog.LevelInfo) {
		return
	}
	var ver [128]byte
	n, err := d.getVarN(ctx, "ver", whd.IF_STA, ver[:])
	if err != nil {
		d.debug("fw version", errAttr(err))
		return
	}
	v := ver[:n]
	if i := bytes.IndexByte(v, 0); i >= 0 {
		v = v[:i]
	}
	d.info("fw version", slog.String("ver", string(bytes.TrimSpace(v))))
}

// SetPowerManagement selects the chip's power saving mode.
func (d *Device) SetPowerManagement(ctx context.Context, mode PowerManagementMode) error {
	if !mode.IsValid() {
		return errors.New("invalid power management mode")
	}
	d.debug("set_power_management", slog.String("mode", mode.String()))
	if mode.mode() == 2 {
		if err := d.setVar(ctx, "pm2_sleep_ret", whd.IF_STA, uint32(mode.sleep_ret_ms())); err != nil {
			return err
		}
		if err := d.setVar(ctx, "bcn_li_bcn", whd.IF_STA, uint32(mode.beacon_period())); err != nil {
			return err
		}
		if err := d.setVar(ctx, "bcn_li_dtim", whd.IF_STA, uint32(mode.dtim_period())); err != nil {
			return err
		}
		if err := d.setVar(ctx, "assoc_listen", whd.IF_STA, uint32(mode.assoc())); err != nil {
			return err
		}
	}
	return d.setIoctl(ctx, whd.WLC_SET_PM, whd.IF_STA, mode.mode())
}

const eventMaskLen = 4 + (whd.EvLast+7)/8

// eventMask is the bsscfg:event_msgs payload: interface index then one bit per event.
type eventMask struct {
	iface  uint32
	events [(whd.EvLast + 7) / 8]uint8
}

func defaultEventMask() eventMask {
	var e eventMask
	for i := range e.events {
		e.events[i] = 0xff
	}
	// Uninteresting or spammy.
	e.Disable(whd.EvRADIO)
	e.Disable(whd.EvIF)
	e.Disable(whd.EvPROBREQ_MSG)
	e.Disable(whd.EvPROBREQ_MSG_RX)
	e.Disable(whd.EvPROBRESP_MSG)
	e.Disable(whd.EvROAM)
	return e
}

func (e *eventMask) Disable(event whd.AsyncEventType) { e.events[event/8] &^= 1 << (event % 8) }

func (e *eventMask) Enable(event whd.AsyncEventType) { e.events[event/8] |= 1 << (event % 8) }

func (e *eventMask) IsEnabled(event whd.AsyncEventType) bool {
	return e.events[event/8]&(1<<(event%8)) != 0
}

func (e *eventMask) Put(buf []byte) {
	binary.LittleEndian.PutUint32(buf, e.iface)
	copy(buf[4:], e.events[:])
}

// JoinAuth specifies the authentication method for joining a WiFi network.
type JoinAuth uint8

const (
	joinAuthUndefined JoinAuth = iota
	JoinAuthOpen
	JoinAuthWPA
	JoinAuthWPA2
	JoinAuthWPA3
	JoinAuthWPA2WPA3
)

// JoinOptions configures WiFi connection parameters.
type JoinOptions struct {
	// Auth is WPA2 when a passphrase is set and Open otherwise if left unset.
	Auth JoinAuth
	// CipherNoAES disables the AES cipher.
	CipherNoAES bool
	CipherTKIP  bool
	Passphrase  string
}

func (opts *JoinOptions) normalize() error {
	if opts.Auth == joinAuthUndefined || opts.Auth > JoinAuthWPA2WPA3 {
		opts.Auth = JoinAuthOpen
		if opts.Passphrase != "" {
			opts.Auth = JoinAuthWPA2
		}
	}
	switch opts.Auth {
	case JoinAuthOpen:
	case JoinAuthWPA3:
		if len(opts.Passphrase) == 0 || len(opts.Passphrase) > 128 {
			return errPassphraseLen
		}
	default:
		if len(opts.Passphrase) < 8 || len(opts.Passphrase) > 64 {
			return errPassphraseLen
		}
	}
	return nil
}

// Join associates with the network ssid. The link must be down. It returns
// once the link is joined, the chip reports a failure as a *JoinError, or
// JoinTimeout elapses with ErrJoinTimeout.
func (d *Device) Join(ctx context.Context, ssid string, opts JoinOptions) error {
	if len(ssid) > 32 {
		return errSSIDTooLong
	}
	if err := opts.normalize(); err != nil {
		return err
	}
	s := d.sess.Load()
	if !s.isReady() {
		return s.linkDownErr()
	}
	secure := opts.Auth != JoinAuthOpen
	result, err := d.link.begin(d, LinkJoining, secure)
	if err != nil {
		return err
	}
	d.info("join", slog.String("ssid", ssid), slog.Int("auth", int(opts.Auth)), slog.Int("passlen", len(opts.Passphrase)))
	if secure {
		err = d.joinSecurity(ctx, opts)
	} else {
		err = d.joinOpenSecurity(ctx)
	}
	if err == nil {
		err = d.setSSID(ctx, ssid)
	}
	if err != nil {
		d.link.abort(d, LinkJoining, "join setup failed")
		return err
	}

	timer := time.NewTimer(d.cfg.JoinTimeout)
	defer timer.Stop()
	select {
	case err = <-result:
	case <-timer.C:
		err = ErrJoinTimeout
	case <-ctx.Done():
		err = ctx.Err()
	case <-s.dead:
		err = s.linkDownErr()
	}
	return d.settleJoin(result, err)
}

// settleJoin aborts a join that ended with err. An attempt that finished
// before the abort reports its own outcome, buffered in result.
func (d *Device) settleJoin(result <-chan error, err error) error {
	if err == nil || d.link.abort(d, LinkJoining, err.Error()) {
		return err
	}
	select {
	case err = <-result:
	default:
	}
	return err
}

func (d *Device) joinOpenSecurity(ctx context.Context) error {
	if err := d.setVar(ctx, "ampdu_ba_wsize", whd.IF_STA, 8); err != nil {
		return err
	}
	if err := d.setIoctl(ctx, whd.WLC_SET_WSEC, whd.IF_STA, 0); err != nil {
		return err
	}
	if err := d.setVar2(ctx, "bsscfg:sup_wpa", whd.IF_STA, 0, 0); err != nil {
		return err
	}
	if err := d.setIoctl(ctx, whd.WLC_SET_INFRA, whd.IF_STA, 1); err != nil {
		return err
	}
	if err := d.setIoctl(ctx, whd.WLC_SET_AUTH, whd.IF_STA, whd.AUTH_OPEN); err != nil {
		return err
	}
	return d.setIoctl(ctx, whd.WLC_SET_WPA_AUTH, whd.IF_STA, whd.WPA_AUTH_DISABLED)
}

func (d *Device) joinSecurity(ctx context.Context, opts JoinOptions) error {
	if err := d.setVar(ctx, "ampdu_ba_wsize", whd.IF_STA, 8); err != nil {
		return err
	}
	var wsec uint32
	if !opts.CipherNoAES {
		wsec |= whd.WSEC_AES
	}
	if opts.CipherTKIP {
		wsec |= whd.WSEC_TKIP
	}
	if err := d.setIoctl(ctx, whd.WLC_SET_WSEC, whd.IF_STA, wsec); err != nil {
		return err
	}
	if err := d.setVar2(ctx, "bsscfg:sup_wpa", whd.IF_STA, 0, 1); err != nil {
		return err
	}
	if err := d.setVar2(ctx, "bsscfg:sup_wpa2_eapver", whd.IF_STA, 0, 0xffff_ffff); err != nil {
		return err
	}
	if err := d.setVar2(ctx, "bsscfg:sup_wpa_tmo", whd.IF_STA, 0, 2500); err != nil {
		return err
	}
	if err := sleepctx(ctx, d.cfg.InitDelay); err != nil {
		return err
	}

	switch opts.Auth {
	case JoinAuthWPA, JoinAuthWPA2, JoinAuthWPA2WPA3:
		if err := d.setPassphrase(ctx, opts.Passphrase); err != nil {
			return err
		}
	}
	switch opts.Auth {
	case JoinAuthWPA3, JoinAuthWPA2WPA3:
		if err := d.setSaePassword(ctx, opts.Passphrase); err != nil {
			return err
		}
	}

	if err := d.setIoctl(ctx, whd.WLC_SET_INFRA, whd.IF_STA, 1); err != nil {
		return err
	}
	var auth uint32 = whd.AUTH_OPEN
	if opts.Auth == JoinAuthWPA3 || opts.Auth == JoinAuthWPA2WPA3 {
		auth = whd.AUTH_SAE
	}
	if err := d.setIoctl(ctx, whd.WLC_SET_AUTH, whd.IF_STA, auth); err != nil {
		return err
	}
	var mfp uint32 = whd.MFP_NONE
	switch opts.Auth {
	case JoinAuthWPA2, JoinAuthWPA2WPA3:
		mfp = whd.MFP_CAPABLE
	case JoinAuthWPA3:
		mfp = whd.MFP_REQUIRED
	}
	if err := d.setVar(ctx, "mfp", whd.IF_STA, mfp); err != nil {
		return err
	}
	var wpaAuth uint32
	switch opts.Auth {
	case JoinAuthWPA:
		wpaAuth = whd.WPA_AUTH_WPA_PSK
	case JoinAuthWPA2:
		wpaAuth = whd.WPA_AUTH_WPA2_PSK
	case JoinAuthWPA3, JoinAuthWPA2WPA3:
		wpaAuth = whd.WPA_AUTH_WPA3_SAE_PSK
	}
	return d.setIoctl(ctx, whd.WLC_SET_WPA_AUTH, whd.IF_STA, wpaAuth)
}

// setPassphrase sends the WPA/WPA2 passphrase: length, flags then 64 bytes.
func (d *Device) setPassphrase(ctx context.Context, pass string) error {
	var buf [68]byte
	binary.LittleEndian.PutUint16(buf[0:2], uint16(len(pass)))
	binary.LittleEndian.PutUint16(buf[2:4], 1)
	copy(buf[4:], pass)
	return d.doIoctlSet(ctx, whd.WLC_SET_WSEC_PMK, whd.IF_STA, buf[:])
}

// setSaePassword sets the WPA3 password: length then 128 bytes.
func (d *Device) setSaePassword(ctx context.Context, pass string) error {
	var buf [2 + 128]byte
	binary.LittleEndian.PutUint16(buf[0:2], uint16(len(pass)))
	copy(buf[2:], pass)
	return d.setVarN(ctx, "sae_password", whd.IF_STA, buf[:])
}

// setSSID starts association with ssid.
func (d *Device) setSSID(ctx context.Context, ssid string) error {
	var buf [36]byte
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(ssid)))
	copy(buf[4:], ssid)
	return d.doIoctlSet(ctx, whd.WLC_SET_SSID, whd.IF_STA, buf[:])
}

// Leave disassociates from the joined network. It is a no-op when the link is down.
func (d *Device) Leave(ctx context.Context) error {
	m := &d.link
	m.mu.Lock()
	switch m.t.state {
	case LinkDown:
		m.mu.Unlock()
		return nil
	case LinkJoined:
		m.setLink(d, LinkDisassociating, "leave")
		m.mu.Unlock()
	default:
		m.mu.Unlock()
		return ErrLinkBusy
	}
	err := d.setIoctl(ctx, whd.WLC_DISASSOC, whd.IF_STA, 0)
	m.abort(d, LinkDisassociating, "left")
	return err
}

// ScanOptions configures Scan.
type ScanOptions struct {
	// SSID restricts the scan to one network when set.
	SSID    string
	Passive bool
}

// scanQueueLen bounds the scan results buffered between Runner and callback.
const scanQueueLen = 32

// Scan runs an escan and calls fn for each network found. The link must be
// down. It returns when the firmware reports the scan complete.
func (d *Device) Scan(ctx context.Context, opts ScanOptions, fn func(whd.BSSInfo)) error {
	if len(opts.SSID) > 32 {
		return errSSIDTooLong
	}
	s := d.sess.Load()
	if !s.isReady() {
		return s.linkDownErr()
	}
	if _, err := d.link.begin(d, LinkScanning, false); err != nil {
		return err
	}
	defer d.link.abort(d, LinkScanning, "scan abandoned")
	sub := d.Subscribe(EventTypes(whd.EvESCAN_RESULT), scanQueueLen)
	defer sub.Close()

	params := whd.NewScanParams(opts.SSID, opts.Passive)
	var buf [whd.SCAN_PARAMS_LEN]byte
	params.Put(buf[:])
	if err := d.setVarN(ctx, "escan", whd.IF_STA, buf[:]); err != nil {
		return err
	}
	for {
		ev, err := sub.Next(ctx)
		if errors.Is(err, ErrSubscriptionClosed) {
			return s.linkDownErr()
		} else if err != nil {
			return err
		}
		if ev.Status != whd.EStatusPartial {
			if ev.Status != whd.EStatusSuccess {
				d.debug("scan:end", slog.String("status", ev.Status.String()))
			}
			return nil
		}
		_, bss, err := whd.DecodeEscanResult(ev.Data)
		if err != nil {
			d.debug("scan:bad result", errAttr(err))
			continue
		}
		if fn != nil {
			fn(bss)
		}
	}
}
