package owctester

import (
	"math"

	"github.com/pkg/errors"
)

// RegisterCommand maps a symbolic command name to a holding register and the
// encoding applied before the raw value goes on the wire.
type RegisterCommand struct {
	Name       string  `json:"name"`
	Address    uint16  `json:"address"`
	Multiplier float64 `json:"multiplier,omitempty"` // 0 means 1

	// MaxRegisterValue, when non-zero, remaps negative encoded values by
	// adding it, so signed quantities ride an unsigned register.
	MaxRegisterValue int `json:"max_register_value,omitempty"`
}

// TelemetryPoint maps a symbolic telemetry name to a register and the scale
// factor applied after reading.
type TelemetryPoint struct {
	Name       string  `json:"name"`
	Address    uint16  `json:"address"`
	Multiplier float64 `json:"multiplier,omitempty"` // 0 means 1
}

// Encode converts an engineering value to the raw register value.
func (c RegisterCommand) Encode(value float64) uint16 {
	mult := c.Multiplier
	if mult == 0 {
		mult = 1
	}
	encoded := int(math.Round(value * mult))
	if c.MaxRegisterValue != 0 && encoded < 0 {
		encoded += c.MaxRegisterValue
	}
	return uint16(encoded)
}

// Scale converts a raw register value (signed) to engineering units.
func (p TelemetryPoint) Scale(raw int16) float64 {
	mult := p.Multiplier
	if mult == 0 {
		mult = 1
	}
	return float64(raw) * mult
}

// Catalog is the immutable lookup of commands and telemetry points for one
// motor controller family. Loaded once at startup.
type Catalog struct {
	commands  map[string]RegisterCommand
	telemetry map[string]TelemetryPoint
}

// catalogFile is the on-disk JSON shape for catalog overrides.
type catalogFile struct {
	Commands  []RegisterCommand `json:"commands"`
	Telemetry []TelemetryPoint  `json:"telemetry"`
}

func newCatalog(commands []RegisterCommand, telemetry []TelemetryPoint) *Catalog {
	c := &Catalog{
		commands:  make(map[string]RegisterCommand, len(commands)),
		telemetry: make(map[string]TelemetryPoint, len(telemetry)),
	}
	for _, cmd := range commands {
		c.commands[cmd.Name] = cmd
	}
	for _, p := range telemetry {
		c.telemetry[p.Name] = p
	}
	return c
}

// Command resolves a command by name. No I/O happens here; unknown names
// surface as an error before anything touches the bus.
func (c *Catalog) Command(name string) (RegisterCommand, error) {
	cmd, ok := c.commands[name]
	if !ok {
		return RegisterCommand{}, errors.Errorf("unknown command %q", name)
	}
	return cmd, nil
}

// Telemetry resolves a telemetry point by name.
func (c *Catalog) Telemetry(name string) (TelemetryPoint, error) {
	p, ok := c.telemetry[name]
	if !ok {
		return TelemetryPoint{}, errors.Errorf("unknown telemetry point %q", name)
	}
	return p, nil
}

// Command names used by the engine itself.
const (
	cmdSpeedRegulatorMode = "set_speed_regulator_mode"
	cmdTorque             = "set_remote_torque_command"
	cmdRegenCurrentLimit  = "set_remote_maximum_regen_battery_current_limit"
	cmdBatteryCurrentLim  = "set_remote_maximum_battery_current_limit"
	cmdMaxMotoringCurrent = "set_remote_maximum_motoring_current"
	cmdMaxBrakingCurrent  = "set_remote_maximum_braking_current"
	cmdSpeed              = "set_remote_speed_command"
	cmdState              = "set_remote_state_command"
	cmdClearFaults        = "clear_faults"
)

// Telemetry names used by the engine itself.
const (
	telMotorRPM       = "motor_rpm"
	telMotorTemp      = "motor_temp"
	telControllerTemp = "controller_temp"
	telBatteryVoltage = "battery_voltage"
	telBatterySOC     = "battery_soc"
	telMotorCurrent   = "motor_current"
	telBatteryCurrent = "battery_current"
)

// Fault/warning register addresses live in the catalog too so an override
// file can move them along with everything else.
const (
	telFaults    = "read_faults"
	telFaults2   = "read_faults2"
	telWarnings  = "read_warnings"
	telWarnings2 = "read_warnings2"
)

// DefaultCatalog is the register map for the bench's stock motor controller.
func DefaultCatalog() *Catalog {
	return newCatalog(
		[]RegisterCommand{
			{Name: cmdSpeedRegulatorMode, Address: 11},
			{Name: cmdTorque, Address: 494, Multiplier: 40.46, MaxRegisterValue: 1 << 16},
			{Name: cmdRegenCurrentLimit, Address: 361, Multiplier: 8},
			{Name: cmdBatteryCurrentLim, Address: 360, Multiplier: 8},
			{Name: cmdMaxMotoringCurrent, Address: 491, Multiplier: 40.96},
			{Name: cmdMaxBrakingCurrent, Address: 492, Multiplier: 40.96},
			{Name: "set_remote_maximum_braking_torque", Address: 1680, Multiplier: 40.96},
			{Name: cmdSpeed, Address: 1677, MaxRegisterValue: 1 << 16},
			{Name: cmdState, Address: 493},
			{Name: cmdClearFaults, Address: 508},
		},
		[]TelemetryPoint{
			{Name: telMotorTemp, Address: 261},
			{Name: telControllerTemp, Address: 259},
			{Name: telBatteryVoltage, Address: 265, Multiplier: 0.03},
			{Name: telBatterySOC, Address: 267},
			{Name: telMotorRPM, Address: 263},
			{Name: telMotorCurrent, Address: 262, Multiplier: 0.032},
			{Name: telBatteryCurrent, Address: 266, Multiplier: 0.032},
			{Name: telFaults, Address: 258},
			{Name: telFaults2, Address: 299},
			{Name: telWarnings, Address: 277},
			{Name: telWarnings2, Address: 359},
		},
	)
}
