package cywlink

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/soypat/cywlink/internal/chipsim"
)

var testFirmware = []byte("\x00\x01\x02\x03firmware-image\xfe\xff")

func testConfig() Config {
	return Config{
		Firmware:       Blob{Data: testFirmware},
		VerifyBlobs:    true,
		BootTimeout:    100 * time.Millisecond,
		CommandTimeout: time.Second,
		JoinTimeout:    2 * time.Second,
		ResetDelay:     time.Millisecond,
		InitDelay:      time.Millisecond,
		PollInterval:   time.Millisecond,
	}
}

// syncBuffer is a log sink safe for the Runner and the test to share.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func withLogger(cfg Config, level slog.Level) (Config, *syncBuffer) {
	var buf syncBuffer
	cfg.Logger = slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: levelTrace}))
	cfg.LogLevel = level
	return cfg, &buf
}

type harness struct {
	dev    *Device
	chip   *chipsim.Chip
	cancel context.CancelFunc
	done   chan error
	once   sync.Once
	err    error
}

// startDevice runs a Device against a simulated chip and waits for boot.
func startDevice(t *testing.T, cfg Config, simcfg chipsim.Config) *harness {
	t.Helper()
	h := runDevice(t, cfg, simcfg)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.dev.WaitReady(ctx); err != nil {
		t.Fatal("boot:", err)
	}
	return h
}

// runDevice starts the Runner without waiting for boot.
func runDevice(t *testing.T, cfg Config, simcfg chipsim.Config) *harness {
	t.Helper()
	chip := chipsim.New(simcfg)
	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{
		dev:    New(chip, cfg),
		chip:   chip,
		cancel: cancel,
		done:   make(chan error, 1),
	}
	go func() { h.done <- h.dev.Run(ctx) }()
	t.Cleanup(func() { h.stop() })
	return h
}

// stop cancels the Runner and returns its error.
func (h *harness) stop() error {
	h.once.Do(func() {
		h.cancel()
		h.err = <-h.done
	})
	return h.err
}

// wait returns the Runner's error once it stops by itself.
func (h *harness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.done:
		h.once.Do(func() { h.cancel(); h.err = err })
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop")
		return nil
	}
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// eventually polls cond until it holds or a second passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for", what)
		}
		time.Sleep(time.Millisecond)
	}
}
