package owctester

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// eventRecorder captures recovery events from the bench goroutines.
type eventRecorder struct {
	mu     sync.Mutex
	events []RecoveryEventKind

	// onEvent, when set, runs with each event before it is recorded.
	onEvent func(kind RecoveryEventKind, detail string)
}

func (r *eventRecorder) callbacks() Callbacks {
	return Callbacks{
		Recovery: func(kind RecoveryEventKind, detail string) {
			if r.onEvent != nil {
				r.onEvent(kind, detail)
			}
			r.mu.Lock()
			r.events = append(r.events, kind)
			r.mu.Unlock()
		},
	}
}

func (r *eventRecorder) kinds() []RecoveryEventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]RecoveryEventKind(nil), r.events...)
}

func (r *eventRecorder) count(kind RecoveryEventKind) int {
	n := 0
	for _, k := range r.kinds() {
		if k == kind {
			n++
		}
	}
	return n
}

func TestRecoverySucceedsWhenClearWorks(t *testing.T) {
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
	cfg.RecoveryStages = []RecoveryStage{{Attempts: 2, Interval: 4 * time.Millisecond}}
	c := newTestController(t, cfg, bus)
	c.autoRecovery.Store(true)

	rec := &eventRecorder{}
	require.True(t, c.recover(context.Background(), rec.callbacks()))

	kinds := rec.kinds()
	require.NotEmpty(t, kinds)
	assert.Equal(t, RecoveryStarted, kinds[0])
	assert.Equal(t, RecoverySuccessful, kinds[len(kinds)-1])
	assert.Equal(t, []uint16{1}, bus.writesTo(clearAddr))
}

func TestRecoveryEscalatesThroughStagesAndWraps(t *testing.T) {
	bus := newFakeBus()
	bus.setReg(telAddr(t, telFaults), 1) // never clears

	cfg := testConfig(t)
	cfg.RecoveryStages = []RecoveryStage{
		{Attempts: 2, Interval: 3 * time.Millisecond},
		{Attempts: 1, Interval: 3 * time.Millisecond},
	}
	c := newTestController(t, cfg, bus)
	c.autoRecovery.Store(true)

	rec := &eventRecorder{}
	stageChanges := 0
	rec.onEvent = func(kind RecoveryEventKind, detail string) {
		if kind != RecoveryStageChange {
			return
		}
		stageChanges++
		// Second stage change is the wrap back to stage 1; stop there.
		if stageChanges == 2 {
			assert.Equal(t, "Stage 1", detail)
			c.autoRecovery.Store(false)
		}
	}

	done := make(chan bool, 1)
	go func() {
		done <- c.recover(context.Background(), rec.callbacks())
	}()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(10 * time.Second):
		t.Fatal("recovery did not stop after auto-recovery was disabled")
	}

	assert.Equal(t, 2, rec.count(RecoveryStageChange))
	assert.Equal(t, 1, rec.count(RecoveryStopped))
	// One clear attempt per exhausted stage attempt before the wrap.
	assert.GreaterOrEqual(t, len(bus.writesTo(cmdAddr(t, cmdClearFaults))), 3)
}

func TestRecoveryCancellation(t *testing.T) {
	bus := newFakeBus()
	bus.setReg(telAddr(t, telFaults), 1)

	cfg := testConfig(t)
	cfg.InitialWait = time.Hour // cancellation must cut the countdown short
	c := newTestController(t, cfg, bus)
	c.autoRecovery.Store(true)

	ctx, cancel := context.WithCancel(context.Background())
	rec := &eventRecorder{}

	done := make(chan bool, 1)
	go func() {
		done <- c.recover(ctx, rec.callbacks())
	}()

	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("recovery did not observe cancellation")
	}
	assert.Equal(t, 1, rec.count(RecoveryStopped))
}

func TestRecoveryClearErrorKeepsLoopAlive(t *testing.T) {
	bus := newFakeBus()
	faultsAddr := telAddr(t, telFaults)
	clearAddr := cmdAddr(t, cmdClearFaults)
	bus.setReg(faultsAddr, 1)
	bus.failNextWrite(clearAddr, errors.New("bus glitch"))
	bus.onWrite = func(regs map[uint16]uint16, addr, value uint16) {
		if addr == clearAddr {
			regs[faultsAddr] = 0
		}
	}

	cfg := testConfig(t)
	cfg.RecoveryStages = []RecoveryStage{{Attempts: 3, Interval: 3 * time.Millisecond}}
	c := newTestController(t, cfg, bus)
	c.autoRecovery.Store(true)

	rec := &eventRecorder{}
	require.True(t, c.recover(context.Background(), rec.callbacks()))

	assert.Equal(t, 1, rec.count(RecoveryError))
	assert.Equal(t, 1, rec.count(RecoverySuccessful))
}
