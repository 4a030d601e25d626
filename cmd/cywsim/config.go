package main

import (
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/soypat/cywlink"
)

type fileConfig struct {
	Country        string `toml:"country"`
	CountryRev     int32  `toml:"country_rev"`
	PowerSave      string `toml:"power_save"`
	MAC            string `toml:"mac"`
	LogLevel       string `toml:"log_level"`
	CommandTimeout string `toml:"command_timeout"`
	JoinTimeout    string `toml:"join_timeout"`
	Priority       string `toml:"priority"`
	EventQueue     int    `toml:"event_queue"`
	RxQueue        int    `toml:"rx_queue"`
	FirmwareLogs   bool   `toml:"firmware_logs"`
	SSID           string `toml:"ssid"`
	Passphrase     string `toml:"passphrase"`
	Hostname       string `toml:"hostname"`
}

// simConfig is the device configuration plus the simulated network.
type simConfig struct {
	Device     cywlink.Config
	SSID       string
	Passphrase string
	Hostname   string
}

func defaultSimConfig() simConfig {
	return simConfig{
		Device:   cywlink.DefaultConfig(),
		SSID:     "cywsim",
		Hostname: "cywsim",
	}
}

// loadConfig overlays the keys defined in the TOML file at path onto cfg.
func loadConfig(path string, cfg simConfig) (simConfig, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return simConfig{}, fmt.Errorf("load cywsim config: %w", err)
	}
	if undec := meta.Undecoded(); len(undec) > 0 {
		return simConfig{}, fmt.Errorf("unknown config key %q", undec[0].String())
	}
	dev := &cfg.Device
	if meta.IsDefined("country") {
		dev.Country = strings.ToUpper(strings.TrimSpace(raw.Country))
	}
	if meta.IsDefined("country_rev") {
		dev.CountryRev = raw.CountryRev
	}
	if meta.IsDefined("power_save") {
		pm, ok := cywlink.ParsePowerManagementMode(strings.TrimSpace(raw.PowerSave))
		if !ok {
			return simConfig{}, fmt.Errorf("parse power_save: unknown mode %q", raw.PowerSave)
		}
		dev.PowerSave = pm
	}
	if meta.IsDefined("mac") {
		mac, err := net.ParseMAC(strings.TrimSpace(raw.MAC))
		if err != nil {
			return simConfig{}, fmt.Errorf("parse mac: %w", err)
		} else if len(mac) != 6 {
			return simConfig{}, fmt.Errorf("parse mac: want 6 bytes, got %d", len(mac))
		}
		dev.MAC = mac
	}
	if meta.IsDefined("log_level") {
		var lvl slog.Level
		if err := lvl.UnmarshalText([]byte(strings.TrimSpace(raw.LogLevel))); err != nil {
			return simConfig{}, fmt.Errorf("parse log_level: %w", err)
		}
		dev.LogLevel = lvl
	}
	if meta.IsDefined("command_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.CommandTimeout))
		if err != nil {
			return simConfig{}, fmt.Errorf("parse command_timeout: %w", err)
		}
		dev.CommandTimeout = d
	}
	if meta.IsDefined("join_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.JoinTimeout))
		if err != nil {
			return simConfig{}, fmt.Errorf("parse join_timeout: %w", err)
		}
		dev.JoinTimeout = d
	}
	if meta.IsDefined("priority") {
		p, err := parsePriority(strings.TrimSpace(raw.Priority))
		if err != nil {
			return simConfig{}, err
		}
		dev.Priority = p
	}
	if meta.IsDefined("event_queue") {
		dev.EventQueueLen = raw.EventQueue
	}
	if meta.IsDefined("rx_queue") {
		dev.RxQueueLen = raw.RxQueue
	}
	if meta.IsDefined("firmware_logs") {
		dev.FirmwareLogs = raw.FirmwareLogs
	}
	if meta.IsDefined("ssid") {
		cfg.SSID = raw.SSID
	}
	if meta.IsDefined("passphrase") {
		cfg.Passphrase = raw.Passphrase
	}
	if meta.IsDefined("hostname") {
		cfg.Hostname = strings.TrimSpace(raw.Hostname)
	}
	return cfg, nil
}

func parsePriority(s string) (cywlink.Priority, error) {
	for _, p := range []cywlink.Priority{cywlink.PriorityControl, cywlink.PriorityData, cywlink.PriorityRoundRobin} {
		if p.String() == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("parse priority: unknown priority %q", s)
}
