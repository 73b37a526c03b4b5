package owctester

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
)

// Controller owns the register bus and every concurrent activity driven over
// it: the cycle engine, the fault monitor, and recovery runs. It is the only
// thing that creates, cancels, and awaits those tasks.
type Controller struct {
	cfg     *Config
	logger  logging.Logger
	catalog *Catalog
	bits    *BitTables
	bus     RegisterBus

	// running is the single authoritative stop signal observed by every
	// task; autoRecovery additionally gates the recovery engine.
	running      atomic.Bool
	autoRecovery atomic.Bool

	opMu                    sync.Mutex // serializes StartTest/StopTest/Close
	cancelCtx               context.Context
	cancelFunc              context.CancelFunc
	activeBackgroundWorkers sync.WaitGroup

	recoveryMu     sync.Mutex
	recoveryCancel context.CancelFunc

	// Tick durations, shortened by tests so recovery waits don't burn
	// wall-clock minutes.
	countdownTick time.Duration
	segmentTick   time.Duration
}

// NewController opens the serial bus described by cfg and verifies the motor
// controller answers. cfg should already have passed Validate.
func NewController(cfg *Config) (*Controller, error) {
	if _, _, err := cfg.Validate(""); err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewLogger("owctester")
	}

	var bus RegisterBus
	var err error
	// Opening can race the controller's own power-up, so give it a few
	// tries before declaring the bench unusable.
	for attempt := 1; attempt <= cfg.MaxRetries; attempt++ {
		bus, err = openRTUBus(cfg)
		if err == nil {
			break
		}
		logger.Warnf("Bus setup attempt %d failed: %v", attempt, err)
		if attempt < cfg.MaxRetries {
			time.Sleep(cfg.RetryDelay)
		}
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open bus after %d attempts", cfg.MaxRetries)
	}

	c := newControllerWithBus(cfg, bus, logger)

	if cfg.ValidateOnStart {
		if err := c.validateConnection(context.Background()); err != nil {
			bus.Close()
			return nil, errors.Wrap(err, "motor controller not responding")
		}
	}
	logger.Infof("Motor controller connected on %s (slave %d, %d baud)", cfg.Port, cfg.SlaveID, cfg.Baudrate)
	return c, nil
}

// newControllerWithBus wires a controller onto an already open bus. Tests
// inject fakes here.
func newControllerWithBus(cfg *Config, bus RegisterBus, logger logging.Logger) *Controller {
	catalog, _ := cfg.LoadCatalog(logger)
	bits, _ := cfg.LoadBitTables(logger)
	return &Controller{
		cfg:           cfg,
		logger:        logger,
		catalog:       catalog,
		bits:          bits,
		bus:           bus,
		countdownTick: time.Second,
		segmentTick:   10 * time.Millisecond,
	}
}

// validateConnection probes the fault register, the one register every
// firmware revision answers.
func (c *Controller) validateConnection(ctx context.Context) error {
	point, err := c.catalog.Telemetry(telFaults)
	if err != nil {
		return err
	}
	value, err := c.bus.ReadRegister(ctx, point.Address)
	if err != nil {
		return err
	}
	c.logger.Debugf("Connection validated, fault register value %d", value)
	return nil
}

// ExecuteCommand encodes value for the named command and writes it. Unknown
// names fail before any I/O.
func (c *Controller) ExecuteCommand(ctx context.Context, name string, value float64) error {
	cmd, err := c.catalog.Command(name)
	if err != nil {
		return err
	}
	raw := cmd.Encode(value)
	if err := c.bus.WriteRegister(ctx, cmd.Address, raw); err != nil {
		return errors.Wrapf(err, "command %s", name)
	}
	c.logger.Debugf("Wrote %d to register %d (%s=%v)", raw, cmd.Address, name, value)
	return nil
}

// executeCommandRetry retries a command per the retry config, sleeping
// between attempts. Used by the startup sequence and torque application.
func (c *Controller) executeCommandRetry(ctx context.Context, name string, value float64) error {
	var err error
	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		if err = c.ExecuteCommand(ctx, name, value); err == nil {
			return nil
		}
		c.logger.Warnf("Failed to set %s (attempt %d): %v", name, attempt, err)
		if attempt < c.cfg.MaxRetries && !c.sleepTick(ctx, c.cfg.RetryDelay) {
			return ctx.Err()
		}
	}
	return errors.Wrapf(err, "failed to set %s after %d attempts", name, c.cfg.MaxRetries)
}

// ReadTelemetry reads the named point and scales it. On unknown names or bus
// failure it logs and returns 0, a quirk kept for compatibility with
// existing consumers that treat zero as "no reading".
func (c *Controller) ReadTelemetry(ctx context.Context, name string) float64 {
	value, err := c.readTelemetryChecked(ctx, name)
	if err != nil {
		c.logger.Errorf("Error reading %s: %v", name, err)
		return 0
	}
	return value
}

// readTelemetryChecked is ReadTelemetry with the error exposed, for callers
// that must distinguish a failed read from a genuine zero.
func (c *Controller) readTelemetryChecked(ctx context.Context, name string) (float64, error) {
	point, err := c.catalog.Telemetry(name)
	if err != nil {
		return 0, err
	}
	raw, err := c.bus.ReadRegister(ctx, point.Address)
	if err != nil {
		return 0, err
	}
	return point.Scale(int16(raw)), nil
}

// checkRegisterPair reads and decodes two status registers with the retry
// policy applied to the pair. After exhausting retries a timeout yields an
// empty result while any other failure yields a synthetic message, matching
// the bench's long-standing behavior.
func (c *Controller) checkRegisterPair(ctx context.Context, name1, name2 string,
	decode func(reg, reg2 uint16) []string, label string,
) ([]string, uint16, uint16) {
	p1, err := c.catalog.Telemetry(name1)
	if err != nil {
		c.logger.Errorf("Error checking %s: %v", label, err)
		return []string{"Internal Modbus error"}, 0, 0
	}
	p2, err := c.catalog.Telemetry(name2)
	if err != nil {
		c.logger.Errorf("Error checking %s: %v", label, err)
		return []string{"Internal Modbus error"}, 0, 0
	}

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		reg, err := c.bus.ReadRegister(ctx, p1.Address)
		if err == nil {
			var reg2 uint16
			reg2, err = c.bus.ReadRegister(ctx, p2.Address)
			if err == nil {
				active := decode(reg, reg2)
				if len(active) > 0 {
					c.logger.Warnf("Active %s detected: %s", label, strings.Join(active, ", "))
				}
				return active, reg, reg2
			}
		}
		lastErr = err
		c.logger.Warnf("Error checking %s (attempt %d/%d): %v", label, attempt, c.cfg.MaxRetries, err)
		if attempt < c.cfg.MaxRetries && !c.sleepTick(ctx, c.cfg.RetryDelay) {
			break
		}
	}

	c.logger.Errorf("Maximum retries reached while checking %s", label)
	if errors.Is(lastErr, ErrReadTimeout) {
		c.logger.Warnf("Temporary Modbus timeout while checking %s, ignoring", label)
		return nil, 0, 0
	}
	return []string{"Internal Modbus error"}, 0, 0
}

// CheckFaults reads both fault registers and returns decoded messages plus
// the raw values.
func (c *Controller) CheckFaults(ctx context.Context) ([]string, uint16, uint16) {
	return c.checkRegisterPair(ctx, telFaults, telFaults2, c.bits.DecodeFaults, "faults")
}

// CheckWarnings reads both warning registers and returns decoded messages
// plus the raw values.
func (c *Controller) CheckWarnings(ctx context.Context) ([]string, uint16, uint16) {
	return c.checkRegisterPair(ctx, telWarnings, telWarnings2, c.bits.DecodeWarnings, "warnings")
}

// ClearFaults sends the clear-faults command.
func (c *Controller) ClearFaults(ctx context.Context) error {
	c.logger.Info("Sending clear faults command")
	return c.ExecuteCommand(ctx, cmdClearFaults, 1)
}

// LastCycleCount reads the resume count from the configured cycle log.
func (c *Controller) LastCycleCount() int {
	return LastCycleCount(c.cfg.CycleCountFile)
}

// Running reports whether a test is currently driving the motor.
func (c *Controller) Running() bool {
	return c.running.Load()
}

// sleepTick sleeps for d or until ctx is cancelled; it returns false on
// cancellation. Every waiting loop in the engine funnels through here so the
// stop path is observed promptly.
func (c *Controller) sleepTick(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Close stops any running test and releases the serial port.
func (c *Controller) Close(ctx context.Context) error {
	if c.running.Load() {
		if err := c.StopTest(ctx); err != nil {
			c.logger.Warnf("Error stopping test during close: %v", err)
		}
	}
	return c.bus.Close()
}
