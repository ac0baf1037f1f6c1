package runtimelink

import "fmt"

// ADSState is the runtime state reported by ReadState.
type ADSState uint16

const (
	StateInvalid ADSState = iota
	StateIdle
	StateReset
	StateInit
	StateStart
	StateRun
	StateStop
	StateSaveConfig
	StateLoadConfig
	StatePowerFailure
	StatePowerGood
	StateError
	StateShutdown
	StateSuspend
	StateResume
	StateConfig
	StateReconfig
)

var stateNames = [...]string{
	"Invalid", "Idle", "Reset", "Init", "Start", "Run", "Stop", "SaveConfig",
	"LoadConfig", "PowerFailure", "PowerGood", "Error", "Shutdown", "Suspend",
	"Resume", "Config", "Reconfig",
}

func (s ADSState) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("ADSState(%d)", uint16(s))
}

// State is the pair returned by an ADS ReadState request.
type State struct {
	ADS    ADSState `json:"adsState"`
	Device uint16   `json:"deviceState"`
}

// Running reports whether the runtime is executing.
func (s State) Running() bool {
	return s.ADS == StateRun
}

// Transitional reports whether the runtime is on its way to another state
// and should be asked again.
func (s State) Transitional() bool {
	switch s.ADS {
	case StateInit, StateStart, StateReset, StateResume, StateReconfig, StateLoadConfig, StateSaveConfig:
		return true
	default:
		return false
	}
}

func (s State) String() string {
	return fmt.Sprintf("%s/%d", s.ADS, s.Device)
}
