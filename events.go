package owctester

import "time"

// RecoveryEventKind identifies a recovery status transition reported to the
// front-end.
type RecoveryEventKind string

const (
	RecoveryStarted     RecoveryEventKind = "recovery_started"
	RecoveryCountdown   RecoveryEventKind = "recovery_countdown"
	RecoveryWaiting     RecoveryEventKind = "recovery_waiting"
	RecoverySuccessful  RecoveryEventKind = "recovery_successful"
	RecoveryStopped     RecoveryEventKind = "recovery_stopped"
	RecoveryStageChange RecoveryEventKind = "recovery_stage_change"
	RecoveryError       RecoveryEventKind = "recovery_error"
	RecoveryFailed      RecoveryEventKind = "recovery_failed"
)

// Direction labels a torque segment for timer updates.
type Direction string

const (
	Forward       Direction = "forward"
	Reverse       Direction = "reverse"
	DirectionNone Direction = "none"
)

// FaultCallback receives every fault-monitor poll: decoded fault and warning
// messages plus the four raw status registers.
type FaultCallback func(faults, warnings []string, faultsReg, faults2Reg, warningsReg, warnings2Reg uint16)

// RecoveryCallback receives recovery status transitions.
type RecoveryCallback func(kind RecoveryEventKind, detail string)

// TimerCallback receives segment progress while a test runs.
type TimerCallback func(direction Direction, elapsed, total time.Duration)

// Callbacks bundles the optional event surface for a test run. Nil fields
// are skipped. Callbacks are invoked from the bench's own goroutines; a
// front-end must hand off to its render loop itself.
type Callbacks struct {
	Fault    FaultCallback
	Recovery RecoveryCallback
	Timer    TimerCallback
}

func (c Callbacks) emitRecovery(kind RecoveryEventKind, detail string) {
	if c.Recovery != nil {
		c.Recovery(kind, detail)
	}
}

func (c Callbacks) emitTimer(direction Direction, elapsed, total time.Duration) {
	if c.Timer != nil {
		c.Timer(direction, elapsed, total)
	}
}
