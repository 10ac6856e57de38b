package models

import "time"

// GovernorState is the risk governor's state machine state.
type GovernorState string

const (
	GovernorActive GovernorState = "ACTIVE"
	GovernorHalted GovernorState = "HALTED"
)

// RiskState is the process-wide risk ledger.
type RiskState struct {
	StartingEquity float64
	CurrentEquity  float64
	PeakEquity     float64
	Drawdown       float64
	Halted         bool
	HaltReason     string
	HaltedAt       time.Time
	FailedOrders   int
	UpdatedAt      time.Time
}

// State returns the governor state implied by the halted flag.
func (r RiskState) State() GovernorState {
	if r.Halted {
		return GovernorHalted
	}
	return GovernorActive
}

// ComputeDrawdown returns (peak - current) / peak, or 0 when peak is not positive.
func ComputeDrawdown(peak, current float64) float64 {
	if peak <= 0 {
		return 0
	}
	dd := (peak - current) / peak
	if dd < 0 {
		return 0
	}
	return dd
}
