package server

import (
	"fmt"
	"sync/atomic"
)

type signalState int32

const (
	stateNone signalState = iota
	stateSignalReceived
	stateWorkFinished
	stateWorkFailed
)

func (s signalState) String() string {
	switch s {
	case stateNone:
		return "None"
	case stateSignalReceived:
		return "SignalReceived"
	case stateWorkFinished:
		return "WorkFinished"
	case stateWorkFailed:
		return "WorkFailed"
	}
	return fmt.Sprintf("signalState(%d)", int32(s))
}

// signal is set at most once, by whichever of the worker and the terminate request gets there first.
type signal struct {
	v atomic.Int32
}

// claim moves the state from None to s and reports whether this call won.
func (sig *signal) claim(s signalState) bool {
	return sig.v.CompareAndSwap(int32(stateNone), int32(s))
}

func (sig *signal) load() signalState {
	return signalState(sig.v.Load())
}
