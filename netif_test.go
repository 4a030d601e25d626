package cywlink

import (
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/soypat/cywlink/internal/chipsim"
	"github.com/soypat/cywlink/whd"
)

func ethFrame(n int, fill byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = fill
	}
	b[12], b[13] = 0x08, 0x00
	return b
}

func TestSendEthValidation(t *testing.T) {
	dev := New(chipsim.New(chipsim.Config{}), testConfig())
	ctx := testContext(t)
	if err := dev.SendEth(ctx, make([]byte, MTU+1)); !errors.Is(err, ErrFrameTooLarge) || !errors.Is(err, ErrSendError) {
		t.Errorf("large frame got %v", err)
	}
	if err := dev.SendEth(ctx, make([]byte, MinFrame-1)); !errors.Is(err, ErrFrameTooShort) {
		t.Errorf("short frame got %v", err)
	}
	if err := dev.SendEth(ctx, ethFrame(60, 1)); !errors.Is(err, ErrLinkDown) {
		t.Errorf("before Run got %v", err)
	}
}

func TestSendEth(t *testing.T) {
	h := startDevice(t, testConfig(), chipsim.Config{})
	ctx := testContext(t)
	frames := [][]byte{ethFrame(60, 0xaa), ethFrame(MTU, 0xbb)}
	for _, f := range frames {
		if err := h.dev.SendEth(ctx, f); err != nil {
			t.Fatal(err)
		}
	}
	got := h.chip.DataFrames()
	if diff := cmp.Diff(frames, got); diff != "" {
		t.Error(diff)
	}
	if st := h.chip.Stats(); st.CreditViolations != 0 || st.SeqErrors != 0 {
		t.Errorf("protocol errors: %+v", st)
	}
}

func TestSendEthBackToBack(t *testing.T) {
	// The chip answers data frames with credit only.
	h := startDevice(t, testConfig(), chipsim.Config{CreditWindow: 1})
	ctx := testContext(t)
	const n = 5
	for i := 0; i < n; i++ {
		if err := h.dev.SendEth(ctx, ethFrame(60, byte(i))); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	if got := len(h.chip.DataFrames()); got != n {
		t.Errorf("chip got %d frames", got)
	}
	if c := h.dev.Credit(); c.Sent != n || c.TxSeq != n {
		t.Errorf("credit %+v", c)
	}
	if st := h.chip.Stats(); st.CreditViolations != 0 || st.SeqErrors != 0 {
		t.Errorf("protocol errors: %+v", st)
	}
	// A command still gets through after the data frames.
	if err := h.dev.setVar(ctx, "mpc", whd.IF_STA, 0); err != nil {
		t.Fatal(err)
	}
}

func TestRecvEth(t *testing.T) {
	cfg, logs := withLogger(testConfig(), slog.LevelWarn)
	cfg.RxQueueLen = 2
	h := startDevice(t, cfg, chipsim.Config{})
	ctx := testContext(t)

	want := ethFrame(100, 0x11)
	h.chip.InjectData(want)
	buf := make([]byte, MTU)
	n, err := h.dev.RecvEth(ctx, buf)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, buf[:n]); diff != "" {
		t.Error(diff)
	}

	// The queue keeps the oldest frames when full.
	for i := byte(1); i <= 3; i++ {
		h.chip.InjectData(ethFrame(60, i))
	}
	eventually(t, "frame dropped", func() bool { return strings.Contains(logs.String(), "rx:queue full") })
	for _, fill := range []byte{1, 2} {
		n, err = h.dev.RecvEth(ctx, buf)
		if err != nil {
			t.Fatal(err)
		}
		if buf[0] != fill {
			t.Errorf("got frame %d want %d", buf[0], fill)
		}
	}
	if n, err = h.dev.TryRecvEth(buf); n != 0 || err != nil {
		t.Errorf("TryRecvEth on empty queue got %d, %v", n, err)
	}

	h.chip.InjectData(ethFrame(200, 4))
	eventually(t, "frame queued", func() bool { return len(h.dev.rxq) == 1 })
	if _, err = h.dev.TryRecvEth(make([]byte, 20)); !errors.Is(err, io.ErrShortBuffer) {
		t.Errorf("short buffer got %v", err)
	}
}

func TestRecvEthHandle(t *testing.T) {
	h := startDevice(t, testConfig(), chipsim.Config{})
	var calls atomic.Int32
	h.dev.RecvEthHandle(func(pkt []byte) error {
		if len(pkt) != 64 {
			t.Errorf("handler len %d", len(pkt))
		}
		calls.Add(1)
		return nil
	})
	h.chip.InjectData(ethFrame(64, 9))
	h.chip.InjectData(ethFrame(64, 9))
	eventually(t, "handler calls", func() bool { return calls.Load() == 2 })
	if n := len(h.dev.rxq); n != 0 {
		t.Errorf("%d frames queued with handler set", n)
	}
	h.dev.RecvEthHandle(nil)
	h.chip.InjectData(ethFrame(64, 9))
	eventually(t, "frame queued", func() bool { return len(h.dev.rxq) == 1 })
}
