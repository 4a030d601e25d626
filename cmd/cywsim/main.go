// Command cywsim boots the driver against a simulated CYW43439, joins a
// simulated network and reports link changes and events.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/soypat/cywlink"
	"github.com/soypat/cywlink/cywnet"
	"github.com/soypat/cywlink/internal/chipsim"
)

// The simulated chip accepts any image.
var simFirmware = []byte("cywsim firmware image\x00")

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "cywsim - run the CYW43439 driver against a simulated chip.\n\tUsage:\n")
		flag.PrintDefaults()
	}
	cfgPath := flag.String("config", "", "TOML configuration file.")
	ssid := flag.String("ssid", "", "Network to join. Overrides the config file.")
	pass := flag.String("pass", "", "Network passphrase. Overrides the config file.")
	doDHCP := flag.Bool("dhcp", false, "Run a DHCP client after joining.")
	duration := flag.Duration("t", 0, "Exit after this long. Zero runs until interrupted.")
	flag.Parse()

	cfg := defaultSimConfig()
	var err error
	if *cfgPath != "" {
		cfg, err = loadConfig(*cfgPath, cfg)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
	}
	if *ssid != "" {
		cfg.SSID = *ssid
	}
	if *pass != "" {
		cfg.Passphrase = *pass
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}
	if err = run(ctx, cfg, *doDHCP); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		fmt.Fprintln(os.Stderr, "cywsim:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg simConfig, doDHCP bool) error {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Device.LogLevel}))
	cfg.Device.Logger = logger
	cfg.Device.Firmware = cywlink.Blob{Data: simFirmware}

	chip := chipsim.New(chipsim.Config{})
	chip.SetNetwork(cfg.SSID, cfg.Passphrase)
	dev := cywlink.New(chip, cfg.Device)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	ran := make(chan error, 1)
	go func() { ran <- dev.Run(ctx) }()

	start := time.Now()
	if err := dev.WaitReady(ctx); err != nil {
		return err
	}
	if err := dev.Up(ctx); err != nil {
		return err
	}
	logger.Info("device up", slog.Duration("elapsed", time.Since(start)), slog.String("mac", dev.HardwareAddr().String()))

	watch := dev.WatchLink(8)
	defer watch.Close()
	events := dev.Subscribe(nil, 16)
	defer events.Close()
	go func() {
		for {
			ch, err := watch.Next(ctx)
			if err != nil {
				return
			}
			logger.Info("link", slog.String("from", ch.From.String()), slog.String("to", ch.To.String()))
		}
	}()
	go func() {
		for {
			e, err := events.Next(ctx)
			if err != nil {
				return
			}
			logger.Info("event", slog.String("type", e.Type.String()), slog.String("status", e.Status.String()), slog.Uint64("reason", uint64(e.Reason)))
		}
	}()

	if err := dev.Join(ctx, cfg.SSID, cywlink.JoinOptions{Passphrase: cfg.Passphrase}); err != nil {
		return err
	}
	logger.Info("joined", slog.String("ssid", cfg.SSID))

	if doDHCP {
		stack, err := cywnet.New(dev, cywnet.StackConfig{Logger: logger})
		if err != nil {
			return err
		}
		go stack.Run(ctx)
		// The simulated network has no DHCP server: the request goes out and times out.
		dctx, dcancel := context.WithTimeout(ctx, 3*time.Second)
		addr, err := stack.DoDHCP(dctx, cfg.Hostname)
		dcancel()
		if err != nil {
			logger.Warn("dhcp", slog.String("err", err.Error()), slog.Int("frames sent", len(chip.DataFrames())))
		} else {
			logger.Info("dhcp", slog.String("addr", addr.String()))
		}
	}
	select {
	case <-ctx.Done():
	case err := <-ran:
		return err
	}
	cancel()
	return <-ran
}
