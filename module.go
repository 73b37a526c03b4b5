package owctester

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/components/generic"
	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	goutils "go.viam.com/utils"
)

var (
	TesterModel    = resource.NewModel("devrel", "clutch-bench", "tester")
	TelemetryModel = resource.NewModel("devrel", "clutch-bench", "telemetry")
)

func init() {
	resource.RegisterComponent(generic.API, TesterModel,
		resource.Registration[resource.Resource, *Config]{
			Constructor: newTester,
		},
	)
	resource.RegisterComponent(sensor.API, TelemetryModel,
		resource.Registration[sensor.Sensor, *TelemetryConfig]{
			Constructor: newTelemetrySensor,
		},
	)
}

// tester exposes the bench over the generic component API. Commands are
// dispatched through DoCommand so a machine config or app can drive the
// whole test remotely.
type tester struct {
	resource.Named
	resource.AlwaysRebuild
	logger     logging.Logger
	controller *Controller

	statusMu  sync.Mutex
	lastCount int
	lastErr   string
}

func newTester(ctx context.Context, _ resource.Dependencies, conf resource.Config,
	logger logging.Logger,
) (resource.Resource, error) {
	cfg, err := resource.NativeConfig[*Config](conf)
	if err != nil {
		return nil, err
	}
	cfg.Logger = logger

	ctrl, err := NewController(cfg)
	if err != nil {
		return nil, err
	}
	return &tester{
		Named:      conf.ResourceName().AsNamed(),
		logger:     logger,
		controller: ctrl,
	}, nil
}

// Controller exposes the underlying bench engine to sibling resources that
// declared this tester as a dependency.
func (t *tester) Controller() *Controller {
	return t.controller
}

func (t *tester) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	name, ok := cmd["command"].(string)
	if !ok {
		return nil, errors.New("missing 'command' field")
	}

	switch name {
	case "start_test":
		return t.startTest(cmd)
	case "stop_test":
		if err := t.controller.StopTest(ctx); err != nil {
			return nil, err
		}
		return map[string]interface{}{"stopped": true}, nil
	case "read_telemetry":
		telName, ok := cmd["name"].(string)
		if !ok {
			return nil, errors.New("read_telemetry requires a 'name' field")
		}
		value, err := t.controller.readTelemetryChecked(ctx, telName)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{telName: value}, nil
	case "check_faults":
		faults, reg, reg2 := t.controller.CheckFaults(ctx)
		return map[string]interface{}{
			"faults":       faults,
			"faults_reg":   int(reg),
			"faults_reg_2": int(reg2),
		}, nil
	case "check_warnings":
		warnings, reg, reg2 := t.controller.CheckWarnings(ctx)
		return map[string]interface{}{
			"warnings":       warnings,
			"warnings_reg":   int(reg),
			"warnings_reg_2": int(reg2),
		}, nil
	case "clear_faults":
		if err := t.controller.ClearFaults(ctx); err != nil {
			return nil, err
		}
		return map[string]interface{}{"cleared": true}, nil
	case "cycle_count":
		return map[string]interface{}{"cycle_count": t.controller.LastCycleCount()}, nil
	case "test_status":
		t.statusMu.Lock()
		defer t.statusMu.Unlock()
		return map[string]interface{}{
			"running":     t.controller.Running(),
			"cycle_count": t.lastCount,
			"last_error":  t.lastErr,
		}, nil
	default:
		return nil, errors.Errorf("unknown command %q", name)
	}
}

// startTest launches the blocking test run on its own goroutine so the RPC
// returns immediately; progress is polled via test_status.
func (t *tester) startTest(cmd map[string]interface{}) (map[string]interface{}, error) {
	if t.controller.Running() {
		return nil, errors.New("a test is already running")
	}

	params := DefaultTestParameters()
	params.TargetRPM = floatArg(cmd, "target_rpm", params.TargetRPM)
	params.ForwardTorque = floatArg(cmd, "forward_torque", params.ForwardTorque)
	params.ReverseTorque = floatArg(cmd, "reverse_torque", params.ReverseTorque)
	params.ForwardDuration = durationArg(cmd, "forward_duration_secs", params.ForwardDuration)
	params.ReverseDuration = durationArg(cmd, "reverse_duration_secs", params.ReverseDuration)
	params.MaxMotorCurrent = floatArg(cmd, "max_motor_current", params.MaxMotorCurrent)
	params.MaxBrakeCurrent = floatArg(cmd, "max_brake_current", params.MaxBrakeCurrent)
	targetCycles := int(floatArg(cmd, "target_cycles", 0))

	cbs := Callbacks{
		Fault: func(faults, warnings []string, _, _, _, _ uint16) {
			if len(faults) > 0 {
				t.logger.Warnf("Controller faults: %v", faults)
			}
			if len(warnings) > 0 {
				t.logger.Warnf("Controller warnings: %v", warnings)
			}
		},
		Recovery: func(kind RecoveryEventKind, detail string) {
			t.logger.Infof("Recovery %s: %s", kind, detail)
		},
	}

	goutils.PanicCapturingGo(func() {
		count, err := t.controller.StartTest(context.Background(), params, targetCycles, cbs)
		t.statusMu.Lock()
		defer t.statusMu.Unlock()
		t.lastCount = count
		if err != nil {
			t.lastErr = err.Error()
			t.logger.Errorf("Test ended after %d cycles: %v", count, err)
		} else {
			t.lastErr = ""
			t.logger.Infof("Test ended after %d cycles", count)
		}
	})
	return map[string]interface{}{"started": true}, nil
}

func (t *tester) Close(ctx context.Context) error {
	return t.controller.Close(ctx)
}

func floatArg(cmd map[string]interface{}, key string, def float64) float64 {
	if v, ok := cmd[key].(float64); ok {
		return v
	}
	return def
}

func durationArg(cmd map[string]interface{}, key string, def time.Duration) time.Duration {
	if v, ok := cmd[key].(float64); ok {
		return time.Duration(v * float64(time.Second))
	}
	return def
}

// TelemetryConfig points the telemetry sensor at a tester component; the
// sensor shares that tester's serial bus instead of opening the port again.
type TelemetryConfig struct {
	Tester string `json:"tester"`
}

// Validate ensures all parts of the config are valid
func (cfg *TelemetryConfig) Validate(path string) ([]string, []string, error) {
	if cfg.Tester == "" {
		return nil, nil, fmt.Errorf("tester component name must be specified")
	}
	return []string{cfg.Tester}, nil, nil
}

type telemetrySensor struct {
	resource.Named
	resource.AlwaysRebuild
	resource.TriviallyCloseable
	logger     logging.Logger
	controller *Controller
}

func newTelemetrySensor(ctx context.Context, deps resource.Dependencies, conf resource.Config,
	logger logging.Logger,
) (sensor.Sensor, error) {
	cfg, err := resource.NativeConfig[*TelemetryConfig](conf)
	if err != nil {
		return nil, err
	}
	res, err := deps.Lookup(generic.Named(cfg.Tester))
	if err != nil {
		return nil, errors.Wrapf(err, "telemetry sensor requires tester %q", cfg.Tester)
	}
	bench, ok := res.(*tester)
	if !ok {
		return nil, errors.Errorf("resource %q is not a clutch-bench tester", cfg.Tester)
	}
	return &telemetrySensor{
		Named:      conf.ResourceName().AsNamed(),
		logger:     logger,
		controller: bench.Controller(),
	}, nil
}

func (s *telemetrySensor) Readings(ctx context.Context, _ map[string]interface{}) (map[string]interface{}, error) {
	readings := map[string]interface{}{}
	for _, name := range []string{
		telMotorRPM, telMotorTemp, telControllerTemp,
		telBatteryVoltage, telBatterySOC, telMotorCurrent, telBatteryCurrent,
	} {
		value, err := s.controller.readTelemetryChecked(ctx, name)
		if err != nil {
			return nil, errors.Wrapf(err, "reading %s", name)
		}
		readings[name] = value
	}

	faults, faultsReg, faults2Reg := s.controller.CheckFaults(ctx)
	warnings, warningsReg, warnings2Reg := s.controller.CheckWarnings(ctx)
	readings["faults"] = faults
	readings["warnings"] = warnings
	readings["faults_reg"] = int(faultsReg)
	readings["faults_reg_2"] = int(faults2Reg)
	readings["warnings_reg"] = int(warningsReg)
	readings["warnings_reg_2"] = int(warnings2Reg)
	readings["cycle_count"] = s.controller.LastCycleCount()
	readings["test_running"] = s.controller.Running()
	return readings, nil
}
