package main

import (
	"fmt"
	"time"
)

// ==============================
// Commands (side effects)
// ==============================

// Command represents a side effect requested by the gesture reducer and
// executed by the daemon loop.
type Command interface {
	commandMarker()
	String() string
}

// CmdApply forwards a mutation to the StateStore.
type CmdApply struct {
	Mutation Mutation
}

func (CmdApply) commandMarker()   {}
func (c CmdApply) String() string { return fmt.Sprintf("CmdApply(%s)", c.Mutation) }

// CmdSetExpression asks the presentation layer to show an expression.
// Zero Duration means permanent.
type CmdSetExpression struct {
	Name     string
	Duration time.Duration
}

func (CmdSetExpression) commandMarker() {}
func (c CmdSetExpression) String() string {
	return fmt.Sprintf("CmdSetExpression(name=%s, duration=%s)", c.Name, c.Duration)
}

// CmdPlaySound plays a named system sound.
type CmdPlaySound struct {
	Sound  SystemSound
	Repeat int
}

func (CmdPlaySound) commandMarker() {}
func (c CmdPlaySound) String() string {
	return fmt.Sprintf("CmdPlaySound(sound=%s, repeat=%d)", c.Sound, c.Repeat)
}

// CmdPlayFile plays a sound file resolved from a short name.
type CmdPlayFile struct {
	Sound   string
	Timeout time.Duration
}

func (CmdPlayFile) commandMarker() {}
func (c CmdPlayFile) String() string {
	return fmt.Sprintf("CmdPlayFile(sound=%s, timeout=%s)", c.Sound, c.Timeout)
}

// CmdRequestReport asks the reporting worker for an on-demand report.
type CmdRequestReport struct {
	Reason string
}

func (CmdRequestReport) commandMarker()   {}
func (c CmdRequestReport) String() string { return "CmdRequestReport(" + c.Reason + ")" }

// CmdArmFeedingTimer (re)arms the feeding completion timer. Any previously
// armed timer is cancelled first.
type CmdArmFeedingTimer struct {
	Gen   uint64
	After time.Duration
}

func (CmdArmFeedingTimer) commandMarker() {}
func (c CmdArmFeedingTimer) String() string {
	return fmt.Sprintf("CmdArmFeedingTimer(gen=%d, after=%s)", c.Gen, c.After)
}
