package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"

	"owctester"
)

func main() {
	err := realMain()
	if err != nil {
		panic(err)
	}
}

func realMain() error {
	var (
		port        = flag.String("port", "/dev/ttyUSB0", "serial port of the motor controller")
		slaveID     = flag.Int("slave", 1, "Modbus slave ID")
		baudrate    = flag.Int("baud", 115200, "serial baudrate")
		cycles      = flag.Int("cycles", 0, "target cycle count (0 runs until stopped)")
		rpm         = flag.Float64("rpm", 300, "speed limit in RPM")
		fwdTorque   = flag.Float64("forward-torque", 100, "forward torque percentage")
		revTorque   = flag.Float64("reverse-torque", -100, "reverse torque percentage")
		fwdDuration = flag.Duration("forward-duration", 5*time.Second, "forward segment duration")
		revDuration = flag.Duration("reverse-duration", 2*time.Second, "reverse segment duration")
		debug       = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	logger := logging.NewLogger("owctester-cli")
	if *debug {
		logger.SetLevel(logging.DEBUG)
	}

	cfg := &owctester.Config{
		Port:     *port,
		SlaveID:  byte(*slaveID),
		Baudrate: *baudrate,
		Logger:   logger,
	}

	ctrl, err := owctester.NewController(cfg)
	if err != nil {
		return errors.Wrap(err, "failed to connect to motor controller")
	}
	defer func() {
		if err := ctrl.Close(context.Background()); err != nil {
			logger.Errorf("Error closing controller: %v", err)
		}
	}()

	// Ctrl-C stops the test cleanly before exiting.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("Interrupt received, stopping test")
		if err := ctrl.StopTest(context.Background()); err != nil {
			logger.Errorf("Error stopping test: %v", err)
		}
	}()

	params := owctester.DefaultTestParameters()
	params.TargetRPM = *rpm
	params.ForwardTorque = *fwdTorque
	params.ReverseTorque = *revTorque
	params.ForwardDuration = *fwdDuration
	params.ReverseDuration = *revDuration

	cbs := owctester.Callbacks{
		Fault: func(faults, warnings []string, _, _, _, _ uint16) {
			if len(faults) > 0 {
				logger.Warnf("Controller faults: %v", faults)
			}
			if len(warnings) > 0 {
				logger.Warnf("Controller warnings: %v", warnings)
			}
		},
		Recovery: func(kind owctester.RecoveryEventKind, detail string) {
			logger.Infof("Recovery %s: %s", kind, detail)
		},
	}

	count, err := ctrl.StartTest(context.Background(), params, *cycles, cbs)
	if err != nil {
		logger.Errorf("Test ended after %d cycles: %v", count, err)
		return err
	}
	logger.Infof("Test completed, %d cycles", count)
	return nil
}
