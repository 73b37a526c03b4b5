package owctester

import (
	"context"
	"strings"
	"time"
)

// faultMonitor polls the fault and warning registers once per poll interval
// while a test runs. On active faults it hands off to the recovery engine
// and, when recovery succeeds, re-enables the motor. Runs as a background
// worker spawned by StartTest.
func (c *Controller) faultMonitor(ctx context.Context, cbs Callbacks) {
	c.logger.Debug("Fault monitor started")
	for c.running.Load() {
		select {
		case <-ctx.Done():
			c.logger.Info("Fault monitor cancelled")
			return
		default:
		}

		faults, faultsReg, faults2Reg := c.CheckFaults(ctx)
		warnings, warningsReg, warnings2Reg := c.CheckWarnings(ctx)

		if cbs.Fault != nil {
			cbs.Fault(faults, warnings, faultsReg, faults2Reg, warningsReg, warnings2Reg)
		}

		if len(faults) > 0 && c.autoRecovery.Load() {
			c.logger.Warnf("Faults detected by monitor: %s", strings.Join(faults, ", "))

			if c.recover(ctx, cbs) && c.running.Load() {
				c.logger.Info("Restarting motor after successful fault recovery")
				if err := c.ExecuteCommand(ctx, cmdState, 2); err != nil {
					c.logger.Errorf("Failed to restart motor after recovery: %v", err)
				}
				if !c.sleepTick(ctx, 100*time.Millisecond) {
					return
				}
			}
		}

		if !c.sleepTick(ctx, c.cfg.PollInterval) {
			c.logger.Info("Fault monitor cancelled")
			return
		}
	}
	c.logger.Debug("Fault monitor exiting, test no longer running")
}
