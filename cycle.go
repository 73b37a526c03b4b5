package owctester

import (
	"context"
	"math"
	"time"

	"github.com/pkg/errors"
	goutils "go.viam.com/utils"
)

// ErrClutchFailure reports sustained reverse rotation under reverse torque:
// the one-way clutch is no longer holding and the test was stopped.
var ErrClutchFailure = errors.New("one-way clutch rotating in reverse, test stopped")

const (
	// maxDirectionChecks bounds how many RPM samples verify a segment's
	// rotation before escalating torque.
	maxDirectionChecks = 5

	// forwardRPMThreshold is the minimum RPM that counts as forward
	// rotation; freewheelRPMTolerance is how much residual motion a held
	// clutch may show under reverse torque.
	forwardRPMThreshold   = 10.0
	freewheelRPMTolerance = 5.0
)

type segment struct {
	torque   float64
	duration time.Duration
}

// StartTest drives a full test run and blocks until it finishes: the startup
// command sequence, then forward/reverse torque cycles with a concurrent
// fault monitor, until the target count is reached, the test is stopped, or
// the clutch fails. It returns the cycle count reached. targetCycles <= 0
// runs unbounded.
func (c *Controller) StartTest(ctx context.Context, params TestParameters, targetCycles int, cbs Callbacks) (int, error) {
	params = params.withDefaults()

	c.opMu.Lock()
	if c.running.Load() {
		c.opMu.Unlock()
		return 0, errors.New("a test is already running")
	}
	c.running.Store(true)
	c.autoRecovery.Store(true)
	runCtx, cancel := context.WithCancel(ctx)
	c.cancelCtx = runCtx
	c.cancelFunc = cancel
	c.opMu.Unlock()

	defer func() {
		c.opMu.Lock()
		if c.cancelFunc != nil {
			c.cancelFunc()
			c.cancelFunc = nil
		}
		c.opMu.Unlock()
		c.activeBackgroundWorkers.Wait()
		c.running.Store(false)
		c.autoRecovery.Store(false)
	}()

	count := LastCycleCount(c.cfg.CycleCountFile)

	// Give the front-end an initial fault/warning snapshot before anything
	// moves.
	if cbs.Fault != nil {
		faults, faultsReg, faults2Reg := c.CheckFaults(runCtx)
		warnings, warningsReg, warnings2Reg := c.CheckWarnings(runCtx)
		cbs.Fault(faults, warnings, faultsReg, faults2Reg, warningsReg, warnings2Reg)
	}

	if err := c.initializeMotor(runCtx, params); err != nil {
		return count, err
	}

	c.activeBackgroundWorkers.Add(1)
	goutils.ManagedGo(func() {
		c.faultMonitor(runCtx, cbs)
	}, c.activeBackgroundWorkers.Done)

	segments := []segment{
		{torque: params.ForwardTorque, duration: params.ForwardDuration},
		{torque: params.ReverseTorque, duration: params.ReverseDuration},
	}
	return c.performCycles(ctx, runCtx, segments, targetCycles, count, cbs)
}

// initializeMotor walks the controller through its startup sequence, each
// step retried per the retry config. Any step failing all retries aborts.
func (c *Controller) initializeMotor(ctx context.Context, params TestParameters) error {
	startup := []struct {
		name  string
		value float64
	}{
		{cmdSpeedRegulatorMode, 2},
		{cmdRegenCurrentLimit, 48},
		{cmdBatteryCurrentLim, 75},
		{cmdMaxMotoringCurrent, params.MaxMotorCurrent},
		{cmdMaxBrakingCurrent, params.MaxBrakeCurrent},
		{cmdSpeed, params.TargetRPM},
		{cmdTorque, 0},
	}

	for _, step := range startup {
		if err := c.executeCommandRetry(ctx, step.name, step.value); err != nil {
			return errors.Wrap(err, "startup sequence failed")
		}
		c.logger.Infof("Successfully set %s to %v", step.name, step.value)
		if !c.sleepTick(ctx, 100*time.Millisecond) {
			return ctx.Err()
		}
	}

	if err := c.executeCommandRetry(ctx, cmdState, 2); err != nil {
		return errors.Wrap(err, "failed to enable motor")
	}
	c.logger.Info("Motor enabled successfully")
	if !c.sleepTick(ctx, 100*time.Millisecond) {
		return ctx.Err()
	}
	return nil
}

// performCycles runs torque segments until the test ends. A cycle counts
// only when both the forward and reverse segments verified their rotation.
func (c *Controller) performCycles(ctx, runCtx context.Context, segments []segment,
	targetCycles, count int, cbs Callbacks,
) (int, error) {
	for c.running.Load() && runCtx.Err() == nil {
		cycleStart := time.Now()
		c.logger.Infof("Starting cycle %d", count)
		forwardOK, reverseOK := false, false

		for idx, seg := range segments {
			if !c.running.Load() || runCtx.Err() != nil {
				break
			}
			direction := Forward
			if seg.torque < 0 {
				direction = Reverse
			}
			c.logger.Infof("Setting %s torque %v for %v", direction, seg.torque, seg.duration)

			if err := c.executeCommandRetry(runCtx, cmdTorque, seg.torque); err != nil {
				// Skip the segment rather than abort; the cycle simply
				// won't count.
				c.logger.Errorf("Failed to set %s torque: %v", direction, err)
				continue
			}

			broken, fwd, rev := c.driveSegment(runCtx, seg, direction, cbs)
			forwardOK = forwardOK || fwd
			reverseOK = reverseOK || rev
			cbs.emitTimer(DirectionNone, 0, time.Second)

			if broken {
				c.logger.Error("One-way clutch broken! Reverse rotation detected. Stopping test.")
				if err := c.StopTest(ctx); err != nil {
					c.logger.Errorf("Error during emergency stop: %v", err)
				}
				return count, ErrClutchFailure
			}

			if idx < len(segments)-1 && c.running.Load() {
				// Zero torque through the reversal to spare the driveline.
				if err := c.ExecuteCommand(runCtx, cmdTorque, 0); err != nil {
					c.logger.Warnf("Failed to zero torque between segments: %v", err)
				}
				c.sleepTick(runCtx, 200*time.Millisecond)
			}
		}

		motorTemp := c.ReadTelemetry(runCtx, telMotorTemp)
		controllerTemp := c.ReadTelemetry(runCtx, telControllerTemp)
		batteryVoltage := c.ReadTelemetry(runCtx, telBatteryVoltage)
		c.logger.Infof("Motor temperature: %.1fC, controller: %.1fC, battery: %.2fV",
			motorTemp, controllerTemp, batteryVoltage)

		if forwardOK && reverseOK {
			if err := appendCycleCount(c.cfg.CycleCountFile, count); err != nil {
				c.logger.Errorf("Error writing cycle log: %v", err)
			} else {
				c.logger.Infof("Cycle %d completed and logged", count)
				count++
			}
		} else {
			c.logger.Warnf("Cycle %d skipped due to unsuccessful rotation (forward: %t, reverse: %t)",
				count, forwardOK, reverseOK)
		}

		if targetCycles > 0 && count > targetCycles {
			c.running.Store(false)
		}
		c.logger.Infof("Cycle completed in %.2fs", time.Since(cycleStart).Seconds())
	}

	// Leave the bench safe whether the run ended on its own or the caller's
	// context was cancelled; the shutdown writes must go out either way.
	shutdownCtx := context.WithoutCancel(ctx)
	if err := c.ExecuteCommand(shutdownCtx, cmdTorque, 0); err != nil {
		c.logger.Warnf("Failed to zero torque after run: %v", err)
	}
	if err := c.ExecuteCommand(shutdownCtx, cmdState, 0); err != nil {
		c.logger.Warnf("Failed to disable motor after run: %v", err)
	}
	return count, nil
}

// driveSegment holds one torque segment for its duration, emitting timer
// progress and verifying actual rotation against the commanded direction
// for the first few samples. broken means reverse rotation past tolerance
// was observed under reverse torque.
func (c *Controller) driveSegment(ctx context.Context, seg segment, direction Direction,
	cbs Callbacks,
) (broken, forwardOK, reverseOK bool) {
	start := time.Now()
	verified := false
	checks := 0

	for time.Since(start) < seg.duration && c.running.Load() {
		cbs.emitTimer(direction, time.Since(start), seg.duration)

		if !verified && checks < maxDirectionChecks {
			rpm, err := c.readTelemetryChecked(ctx, telMotorRPM)
			if err != nil {
				c.logger.Warnf("Error reading motor RPM: %v", err)
				checks++
			} else {
				c.logger.Debugf("Motor speed %.1f RPM during %s segment", rpm, direction)
				switch {
				case seg.torque > 0 && rpm > forwardRPMThreshold:
					forwardOK, verified = true, true
				case seg.torque < 0 && rpm < -forwardRPMThreshold:
					// The clutch should freewheel here; spinning backward
					// past tolerance means it is gone.
					return true, forwardOK, reverseOK
				case seg.torque < 0 && math.Abs(rpm) < freewheelRPMTolerance:
					reverseOK, verified = true, true
				case seg.torque > 0 && rpm < -forwardRPMThreshold:
					c.logger.Warnf("Motor rotating against commanded direction, reapplying torque at 1.2x")
					if err := c.ExecuteCommand(ctx, cmdTorque, seg.torque*1.2); err != nil {
						c.logger.Warnf("Failed to reapply torque: %v", err)
					}
				}
				checks++
				if checks >= maxDirectionChecks && !verified {
					c.logger.Errorf("Failed to verify %s rotation after %d attempts", direction, maxDirectionChecks)
					if err := c.ExecuteCommand(ctx, cmdTorque, seg.torque*1.5); err != nil {
						c.logger.Warnf("Failed to escalate torque: %v", err)
					}
				}
			}
		}

		if !c.sleepTick(ctx, c.segmentTick) {
			return false, forwardOK, reverseOK
		}
	}
	return false, forwardOK, reverseOK
}

// StopTest halts a running test: it clears the shared flags, cancels the
// cycle, monitor, and recovery tasks, awaits them, then commands zero torque
// and a disabled state.
func (c *Controller) StopTest(ctx context.Context) error {
	c.running.Store(false)
	c.autoRecovery.Store(false)

	c.recoveryMu.Lock()
	if c.recoveryCancel != nil {
		c.recoveryCancel()
		c.recoveryCancel = nil
	}
	c.recoveryMu.Unlock()

	c.opMu.Lock()
	if c.cancelFunc != nil {
		c.cancelFunc()
		c.cancelFunc = nil
	}
	c.opMu.Unlock()

	c.activeBackgroundWorkers.Wait()

	if err := c.ExecuteCommand(ctx, cmdTorque, 0); err != nil {
		return errors.Wrap(err, "failed to zero torque during stop")
	}
	if err := c.ExecuteCommand(ctx, cmdState, 0); err != nil {
		return errors.Wrap(err, "failed to disable motor during stop")
	}
	c.logger.Info("Motor stopped")
	return nil
}
