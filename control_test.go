package cywlink

import (
	"bytes"
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/soypat/cywlink/internal/chipsim"
	"github.com/soypat/cywlink/whd"
)

func TestIssueGetVar(t *testing.T) {
	h := startDevice(t, testConfig(), chipsim.Config{})
	ctx := testContext(t)
	var buf [64]byte
	n, err := h.dev.getVarN(ctx, "ver", whd.IF_STA, buf[:])
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains(buf[:n], []byte("version")) {
		t.Errorf("ver=%q", buf[:n])
	}
	if err = h.dev.setVar(ctx, "mpc", whd.IF_STA, 0); err != nil {
		t.Fatal(err)
	}
	if v, ok := h.chip.Var("mpc"); !ok || !bytes.Equal(v, []byte{0, 0, 0, 0}) {
		t.Errorf("mpc=%v,%v", v, ok)
	}
}

func TestIssueStatusError(t *testing.T) {
	h := startDevice(t, testConfig(), chipsim.Config{})
	h.chip.OnIoctl(func(io chipsim.Ioctl) (chipsim.IoctlResponse, bool) {
		if io.Cmd != whd.WLC_SET_CHANNEL {
			return chipsim.IoctlResponse{}, false
		}
		return chipsim.IoctlResponse{Status: 0xffffffe9}, true
	})
	err := h.dev.setIoctl(testContext(t), whd.WLC_SET_CHANNEL, whd.IF_STA, 6)
	var ierr *IoctlError
	if !errors.As(err, &ierr) {
		t.Fatalf("got %v, want *IoctlError", err)
	}
	if ierr.Cmd != whd.WLC_SET_CHANNEL || int32(ierr.Status) != -23 {
		t.Errorf("got %+v", ierr)
	}
}

func TestIssueTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.CommandTimeout = 50 * time.Millisecond
	h := startDevice(t, cfg, chipsim.Config{})
	h.chip.OnIoctl(func(io chipsim.Ioctl) (chipsim.IoctlResponse, bool) {
		return chipsim.IoctlResponse{NoReply: io.Cmd == whd.WLC_GET_SSID}, io.Cmd == whd.WLC_GET_SSID
	})
	ctx := testContext(t)
	start := time.Now()
	_, err := h.dev.Issue(ctx, Command{Kind: KindGet, Cmd: whd.WLC_GET_SSID, Data: make([]byte, 36)})
	took := time.Since(start)
	if !errors.Is(err, ErrCommandTimeout) {
		t.Fatalf("got %v, want command timeout", err)
	}
	if took < cfg.CommandTimeout || took > cfg.CommandTimeout+500*time.Millisecond {
		t.Errorf("timeout took %s", took)
	}
	// The abandoned slot must not block later commands.
	if err = h.dev.setIoctl(ctx, whd.WLC_SET_PM, whd.IF_STA, 0); err != nil {
		t.Fatal("after timeout:", err)
	}

	// A context deadline shorter than CommandTimeout wins.
	sctx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	start = time.Now()
	_, err = h.dev.Issue(sctx, Command{Kind: KindGet, Cmd: whd.WLC_GET_SSID, Data: make([]byte, 36)})
	if !errors.Is(err, ErrCommandTimeout) && !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("got %v", err)
	}
	if took = time.Since(start); took > 500*time.Millisecond {
		t.Errorf("ctx deadline ignored, took %s", took)
	}
}

func TestIssueConcurrent(t *testing.T) {
	h := startDevice(t, testConfig(), chipsim.Config{})
	ctx := testContext(t)
	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var buf [16]byte
			_, err := h.dev.getVarN(ctx, "ver", whd.IF_STA, buf[:])
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Error(err)
		}
	}
	var last uint16
	for _, io := range h.chip.Ioctls() {
		if io.ID == 0 || io.ID <= last {
			t.Fatalf("ioctl ids not increasing: %d after %d", io.ID, last)
		}
		last = io.ID
	}
	if st := h.chip.Stats(); st.SeqErrors != 0 || st.CreditViolations != 0 {
		t.Errorf("protocol errors: %+v", st)
	}
}

func (a *admission) queued() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.waiters)
}

func TestIssueFIFO(t *testing.T) {
	h := startDevice(t, testConfig(), chipsim.Config{})
	held := make(chan chipsim.Ioctl, 8)
	h.chip.OnIoctl(func(io chipsim.Ioctl) (chipsim.IoctlResponse, bool) {
		if io.Cmd != whd.WLC_GET_VAR || !strings.HasPrefix(io.Name, "fifo") {
			return chipsim.IoctlResponse{}, false
		}
		held <- io
		return chipsim.IoctlResponse{NoReply: true}, true
	})
	ctx := testContext(t)
	onWire := len(h.chip.Ioctls())
	const n = 4
	var done [n]chan error
	issue := func(i int) {
		done[i] = make(chan error, 1)
		go func() {
			var buf [8]byte
			_, err := h.dev.getVarN(ctx, "fifo"+strconv.Itoa(i), whd.IF_STA, buf[:])
			done[i] <- err
		}()
	}
	next := func() chipsim.Ioctl {
		t.Helper()
		select {
		case io := <-held:
			return io
		case <-time.After(time.Second):
			t.Fatal("no command reached the chip")
			return chipsim.Ioctl{}
		}
	}

	issue(0)
	first := next()
	// Callers arrive one at a time while the first command is outstanding.
	for i := 1; i < n; i++ {
		issue(i)
		eventually(t, "caller "+strconv.Itoa(i)+" queued", func() bool { return h.dev.admit.queued() == i })
	}
	time.Sleep(20 * time.Millisecond)
	if got := len(h.chip.Ioctls()) - onWire; got != 1 {
		t.Fatalf("%d commands on the wire with one outstanding", got)
	}
	for i := range done {
		select {
		case err := <-done[i]:
			t.Fatalf("caller %d finished before the response: %v", i, err)
		default:
		}
	}

	io := first
	for i := 0; i < n; i++ {
		if i > 0 {
			io = next()
		}
		if want := "fifo" + strconv.Itoa(i); io.Name != want {
			t.Fatalf("wire order: got %s want %s", io.Name, want)
		}
		for j := i + 1; j < n; j++ {
			select {
			case err := <-done[j]:
				t.Fatalf("caller %d finished before caller %d: %v", j, i, err)
			default:
			}
		}
		h.chip.Respond(io, chipsim.IoctlResponse{})
		select {
		case err := <-done[i]:
			if err != nil {
				t.Fatalf("caller %d: %v", i, err)
			}
		case <-time.After(time.Second):
			t.Fatalf("caller %d did not complete", i)
		}
	}
	if st := h.chip.Stats(); st.SeqErrors != 0 || st.CreditViolations != 0 {
		t.Errorf("protocol errors: %+v", st)
	}
}

func TestIssueValidation(t *testing.T) {
	dev := New(chipsim.New(chipsim.Config{}), testConfig())
	ctx := testContext(t)
	_, err := dev.Issue(ctx, Command{Kind: 1, Cmd: whd.WLC_UP})
	if !errors.Is(err, errInvalidIoctl) {
		t.Errorf("bad kind got %v", err)
	}
	_, err = dev.Issue(ctx, Command{Kind: KindSet, Cmd: whd.WLC_SET_VAR, Data: make([]byte, maxIoctlData+1)})
	if !errors.Is(err, errIoctlDataTooLarge) {
		t.Errorf("large data got %v", err)
	}
	_, err = dev.Issue(ctx, Command{Kind: KindSet, Cmd: whd.WLC_UP})
	if !errors.Is(err, ErrLinkDown) {
		t.Errorf("before Run got %v", err)
	}
	if err = dev.GPIOSet(ctx, 3, true); !errors.Is(err, errGPIORange) {
		t.Errorf("gpio 3 got %v", err)
	}
}
