package owctester

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFaultMonitorRecoversAndRestartsMotor(t *testing.T) {
	bus := newFakeBus()
	faultsAddr := telAddr(t, telFaults)
	clearAddr := cmdAddr(t, cmdClearFaults)
	bus.setReg(faultsAddr, 1)
	bus.onWrite = func(regs map[uint16]uint16, addr, value uint16) {
		if addr == clearAddr {
			regs[faultsAddr] = 0
		}
	}

	cfg := testConfig(t)
	c := newTestController(t, cfg, bus)
	c.running.Store(true)
	c.autoRecovery.Store(true)

	var mu sync.Mutex
	var seenFaults []string
	rec := &eventRecorder{}
	cbs := rec.callbacks()
	cbs.Fault = func(faults, warnings []string, _, _, _, _ uint16) {
		mu.Lock()
		defer mu.Unlock()
		if len(seenFaults) == 0 {
			seenFaults = append(seenFaults, faults...)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.faultMonitor(ctx, cbs)
		close(done)
	}()

	// The monitor should clear the fault and re-enable the motor.
	require.Eventually(t, func() bool {
		for _, v := range bus.writesTo(cmdAddr(t, cmdState)) {
			if v == 2 {
				return true
			}
		}
		return false
	}, 5*time.Second, time.Millisecond)

	c.running.Store(false)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("fault monitor did not exit")
	}

	assert.Equal(t, []uint16{1}, bus.writesTo(clearAddr))
	assert.Equal(t, 1, rec.count(RecoverySuccessful))

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, seenFaults)
	assert.Contains(t, seenFaults[0], "Controller over voltage")
}

func TestFaultMonitorHonorsAutoRecoveryFlag(t *testing.T) {
	bus := newFakeBus()
	bus.setReg(telAddr(t, telFaults), 1)

	cfg := testConfig(t)
	c := newTestController(t, cfg, bus)
	c.running.Store(true)
	c.autoRecovery.Store(false)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.faultMonitor(ctx, Callbacks{})
		close(done)
	}()

	// Several poll intervals pass without any recovery attempt.
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, bus.writesTo(cmdAddr(t, cmdClearFaults)))

	c.running.Store(false)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("fault monitor did not exit")
	}
}

func TestFaultMonitorExitsWhenTestStops(t *testing.T) {
	bus := newFakeBus()
	cfg := testConfig(t)
	c := newTestController(t, cfg, bus)
	c.running.Store(true)

	done := make(chan struct{})
	go func() {
		c.faultMonitor(context.Background(), Callbacks{})
		close(done)
	}()

	time.Sleep(5 * time.Millisecond)
	c.running.Store(false)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("fault monitor did not exit after running flag cleared")
	}
}
