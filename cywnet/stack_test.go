package cywnet

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/soypat/cywlink"
	"github.com/soypat/cywlink/internal/chipsim"
)

func upDevice(t *testing.T) (*cywlink.Device, *chipsim.Chip) {
	t.Helper()
	chip := chipsim.New(chipsim.Config{})
	dev := cywlink.New(chip, cywlink.Config{
		Firmware:     cywlink.Blob{Data: []byte("cywnet-test-firmware")},
		BootTimeout:  100 * time.Millisecond,
		ResetDelay:   time.Millisecond,
		InitDelay:    time.Millisecond,
		PollInterval: time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- dev.Run(ctx) }()
	t.Cleanup(func() { cancel(); <-done })

	tctx, tcancel := context.WithTimeout(ctx, 2*time.Second)
	defer tcancel()
	if err := dev.WaitReady(tctx); err != nil {
		t.Fatal(err)
	}
	if err := dev.Up(tctx); err != nil {
		t.Fatal(err)
	}
	return dev, chip
}

func TestNewValidation(t *testing.T) {
	if _, err := New(nil, StackConfig{}); !errors.Is(err, errNoDevice) {
		t.Errorf("nil device got %v", err)
	}
	dev := cywlink.New(chipsim.New(chipsim.Config{}), cywlink.Config{})
	if _, err := New(dev, StackConfig{}); !errors.Is(err, errNoMAC) {
		t.Errorf("device before Up got %v", err)
	}
}

func isDHCPDiscover(frame []byte) bool {
	const ipv4, udp = 0x0800, 17
	if len(frame) < 42 || binary.BigEndian.Uint16(frame[12:]) != ipv4 || frame[23] != udp {
		return false
	}
	ihl := int(frame[14]&0xf) * 4
	return binary.BigEndian.Uint16(frame[14+ihl+2:]) == 67
}

func TestDHCPGoesOnTheWire(t *testing.T) {
	dev, chip := upDevice(t)
	s, err := New(dev, StackConfig{Idle: time.Millisecond, DHCPPoll: time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ran := make(chan error, 1)
	go func() { ran <- s.Run(ctx) }()

	// Nobody answers on the simulated network.
	dctx, dcancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer dcancel()
	if _, err = s.DoDHCP(dctx, "cywsim"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("DoDHCP got %v", err)
	}
	found := false
	for _, f := range chip.DataFrames() {
		found = found || isDHCPDiscover(f)
	}
	if !found {
		t.Errorf("no DHCP request among %d frames sent", len(chip.DataFrames()))
	}
	cancel()
	if err = <-ran; !errors.Is(err, context.Canceled) {
		t.Errorf("Run got %v", err)
	}
}
