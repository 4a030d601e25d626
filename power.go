package cywlink

// PowerManagementMode selects the chip's power saving features.
type PowerManagementMode uint8

const (
	// PowerSave is the default mode.
	PowerSave PowerManagementMode = iota
	// Custom, officially unsupported mode. All power-saving features set to
	// their max at only a marginal decrease in power consumption over Aggressive.
	SuperSave
	// Aggressive power saving mode.
	Aggressive
	// Performance is preferred over power consumption but some power is still conserved.
	Performance
	// ThroughputThrottling lowers consumption at all times at the cost of throughput.
	ThroughputThrottling
	// None configures no power management. This consumes the most power.
	None
)

func (pm PowerManagementMode) IsValid() bool {
	return pm <= None
}

func (pm PowerManagementMode) String() string {
	switch pm {
	case SuperSave:
		return "SuperSave"
	case Aggressive:
		return "Aggressive"
	case PowerSave:
		return "PowerSave"
	case Performance:
		return "Performance"
	case ThroughputThrottling:
		return "ThroughputThrottling"
	case None:
		return "None"
	}
	return "unknown"
}

// ParsePowerManagementMode is the inverse of String.
func ParsePowerManagementMode(s string) (PowerManagementMode, bool) {
	for pm := PowerSave; pm <= None; pm++ {
		if pm.String() == s {
			return pm, true
		}
	}
	return 0, false
}

// mode returns the WLC_SET_PM value.
func (pm PowerManagementMode) mode() uint32 {
	switch pm {
	case ThroughputThrottling:
		return 1
	case None:
		return 0
	}
	return 2
}

// pm2 settings; only meaningful when mode() is 2.
func (pm PowerManagementMode) sleep_ret_ms() uint16 {
	switch pm {
	case SuperSave, Aggressive:
		return 2000
	case PowerSave:
		return 200
	case Performance:
		return 20
	}
	return 0
}

func (pm PowerManagementMode) beacon_period() uint8 {
	switch pm {
	case SuperSave:
		return 255
	case Aggressive, PowerSave, Performance:
		return 1
	}
	return 0
}

func (pm PowerManagementMode) dtim_period() uint8 {
	switch pm {
	case SuperSave:
		return 255
	case Aggressive, PowerSave, Performance:
		return 1
	}
	return 0
}

func (pm PowerManagementMode) assoc() uint8 {
	switch pm {
	case SuperSave:
		return 255
	case Aggressive, PowerSave:
		return 10
	case Performance:
		return 1
	}
	return 0
}
