package owctester

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fastParams returns a complete parameter set with millisecond segments so a
// full cycle runs in tens of milliseconds.
func fastParams() TestParameters {
	return TestParameters{
		TargetRPM:       300,
		ForwardTorque:   100,
		ReverseTorque:   -100,
		ForwardDuration: 25 * time.Millisecond,
		ReverseDuration: 15 * time.Millisecond,
		MaxMotorCurrent: 70,
		MaxBrakeCurrent: 40,
	}
}

// wireMotorModel makes the fake controller spin according to the torque
// command: forward torque drives forward RPM, reverse torque leaves the
// clutch freewheeling at reverseRPM.
func wireMotorModel(t *testing.T, bus *fakeBus, reverseRPM int16) {
	t.Helper()
	torqueAddr := cmdAddr(t, cmdTorque)
	rpmAddr := telAddr(t, telMotorRPM)
	bus.onWrite = func(regs map[uint16]uint16, addr, value uint16) {
		if addr != torqueAddr {
			return
		}
		switch {
		case value == 0:
			regs[rpmAddr] = 0
		case value < 0x8000: // positive torque
			regs[rpmAddr] = 200
		default: // negative torque
			regs[rpmAddr] = uint16(reverseRPM)
		}
	}
}

func TestStartTestCompletesTargetCycles(t *testing.T) {
	bus := newFakeBus()
	wireMotorModel(t, bus, 2) // clutch holds: barely any reverse motion

	cfg := testConfig(t)
	c := newTestController(t, cfg, bus)

	count, err := c.StartTest(context.Background(), fastParams(), 2, Callbacks{})
	require.NoError(t, err)
	assert.Equal(t, 3, count)
	assert.False(t, c.Running())

	data, err := os.ReadFile(cfg.CycleCountFile)
	require.NoError(t, err)
	assert.Equal(t, "No of cycles: 1\nNo of cycles: 2\n", string(data))

	// Startup sequence wrote the configuration registers and enabled the
	// motor before any cycling.
	assert.Equal(t, []uint16{2}, bus.writesTo(cmdAddr(t, cmdSpeedRegulatorMode)))
	assert.Equal(t, []uint16{300}, bus.writesTo(cmdAddr(t, cmdSpeed)))
	stateWrites := bus.writesTo(cmdAddr(t, cmdState))
	require.NotEmpty(t, stateWrites)
	assert.Equal(t, uint16(2), stateWrites[0])
	// The run disables the motor again once the target is reached.
	assert.Equal(t, uint16(0), stateWrites[len(stateWrites)-1])
}

func TestStartTestResumesFromCycleLog(t *testing.T) {
	bus := newFakeBus()
	wireMotorModel(t, bus, 2)

	cfg := testConfig(t)
	require.NoError(t, appendCycleCount(cfg.CycleCountFile, 41))
	c := newTestController(t, cfg, bus)

	count, err := c.StartTest(context.Background(), fastParams(), 42, Callbacks{})
	require.NoError(t, err)
	assert.Equal(t, 43, count)
	assert.Equal(t, 43, c.LastCycleCount()+1)
}

func TestUnverifiedCycleDoesNotCount(t *testing.T) {
	bus := newFakeBus()
	// Reverse motion of 7 RPM: too much for a held clutch, not enough to
	// call it broken, so the reverse segment never verifies.
	wireMotorModel(t, bus, 7)

	cfg := testConfig(t)
	c := newTestController(t, cfg, bus)

	done := make(chan struct{})
	var count int
	var err error
	go func() {
		count, err = c.StartTest(context.Background(), fastParams(), 2, Callbacks{})
		close(done)
	}()

	// Exhausted verification escalates reverse torque to 1.5x; wait for
	// that write, which means a full cycle's reverse segment ran.
	escalated := RegisterCommand{Multiplier: 40.46, MaxRegisterValue: 1 << 16}.Encode(-150)
	require.Eventually(t, func() bool {
		for _, v := range bus.writesTo(cmdAddr(t, cmdTorque)) {
			if v == escalated {
				return true
			}
		}
		return false
	}, 5*time.Second, time.Millisecond)

	require.NoError(t, c.StopTest(context.Background()))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("test did not stop")
	}

	require.NoError(t, err)
	assert.Equal(t, 1, count)
	_, statErr := os.Stat(cfg.CycleCountFile)
	assert.True(t, os.IsNotExist(statErr), "no cycle should have been logged")
}

func TestClutchFailureStopsTest(t *testing.T) {
	bus := newFakeBus()
	// Sustained reverse rotation under reverse torque: the clutch is gone.
	wireMotorModel(t, bus, -50)

	cfg := testConfig(t)
	c := newTestController(t, cfg, bus)

	count, err := c.StartTest(context.Background(), fastParams(), 0, Callbacks{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrClutchFailure))
	assert.Equal(t, 1, count)
	assert.False(t, c.Running())

	// The emergency stop zeroed torque and disabled the motor.
	torqueWrites := bus.writesTo(cmdAddr(t, cmdTorque))
	require.NotEmpty(t, torqueWrites)
	assert.Equal(t, uint16(0), torqueWrites[len(torqueWrites)-1])
	stateWrites := bus.writesTo(cmdAddr(t, cmdState))
	require.NotEmpty(t, stateWrites)
	assert.Equal(t, uint16(0), stateWrites[len(stateWrites)-1])
}

func TestStartTestStopsWhenContextCancelled(t *testing.T) {
	bus := newFakeBus()
	wireMotorModel(t, bus, 2)

	cfg := testConfig(t)
	c := newTestController(t, cfg, bus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type result struct {
		count int
		err   error
	}
	done := make(chan result, 1)
	go func() {
		count, err := c.StartTest(ctx, fastParams(), 0, Callbacks{})
		done <- result{count, err}
	}()

	// Wait until torque writes show the cycle loop is turning.
	require.Eventually(t, func() bool {
		return len(bus.writesTo(cmdAddr(t, cmdTorque))) > 1
	}, 5*time.Second, time.Millisecond)

	cancel()

	select {
	case res := <-done:
		require.NoError(t, res.err)
		assert.False(t, c.Running())
	case <-time.After(2 * time.Second):
		t.Fatal("StartTest did not return after context cancellation")
	}

	// Cancellation still shuts the bench down safely.
	stateWrites := bus.writesTo(cmdAddr(t, cmdState))
	require.NotEmpty(t, stateWrites)
	assert.Equal(t, uint16(0), stateWrites[len(stateWrites)-1])
	torqueWrites := bus.writesTo(cmdAddr(t, cmdTorque))
	assert.Equal(t, uint16(0), torqueWrites[len(torqueWrites)-1])
}

func TestStartTestRejectsConcurrentRun(t *testing.T) {
	bus := newFakeBus()
	wireMotorModel(t, bus, 2)

	cfg := testConfig(t)
	c := newTestController(t, cfg, bus)

	done := make(chan struct{})
	go func() {
		_, _ = c.StartTest(context.Background(), fastParams(), 0, Callbacks{})
		close(done)
	}()

	// Wait for the first run to take the running flag.
	require.Eventually(t, c.Running, time.Second, time.Millisecond)

	_, err := c.StartTest(context.Background(), fastParams(), 1, Callbacks{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")

	require.NoError(t, c.StopTest(context.Background()))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("first run did not stop")
	}
}

func TestStartTestFailsWhenStartupSequenceFails(t *testing.T) {
	bus := newFakeBus()
	addr := cmdAddr(t, cmdSpeedRegulatorMode)
	bus.failNextWrite(addr, errors.New("bus glitch"))
	bus.failNextWrite(addr, errors.New("bus glitch"))

	cfg := testConfig(t)
	c := newTestController(t, cfg, bus)

	_, err := c.StartTest(context.Background(), fastParams(), 1, Callbacks{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "startup sequence failed")
	assert.False(t, c.Running())
}

func TestTimerEventsDuringSegments(t *testing.T) {
	bus := newFakeBus()
	wireMotorModel(t, bus, 2)

	cfg := testConfig(t)
	c := newTestController(t, cfg, bus)

	var mu sync.Mutex
	var directions []Direction
	cbs := Callbacks{
		Timer: func(direction Direction, elapsed, total time.Duration) {
			mu.Lock()
			defer mu.Unlock()
			directions = append(directions, direction)
		},
	}

	_, err := c.StartTest(context.Background(), fastParams(), 1, cbs)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, directions, Forward)
	assert.Contains(t, directions, Reverse)
	// Segments end with a timer reset.
	assert.Equal(t, DirectionNone, directions[len(directions)-1])
}
