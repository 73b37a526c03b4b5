package owctester

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"go.viam.com/rdk/logging"
)

// Config holds everything the clutch test bench needs to talk to the motor
// controller: serial settings, retry policy, the recovery stage table, and
// optional catalog overrides.
type Config struct {
	// Serial communication settings
	Port     string        `json:"port"`                // Required: serial port path (e.g. "/dev/ttyUSB0")
	SlaveID  byte          `json:"slave_id,omitempty"`  // Modbus slave address (default: 1)
	Baudrate int           `json:"baudrate,omitempty"`  // default: 115200
	DataBits int           `json:"data_bits,omitempty"` // default: 8
	Parity   string        `json:"parity,omitempty"`    // "N", "E" or "O" (default: "N")
	StopBits int           `json:"stop_bits,omitempty"` // default: 1
	Timeout  time.Duration `json:"timeout,omitempty"`   // per-transaction read timeout (default: 1s)

	// Retry policy for register operations at the engine level
	MaxRetries int           `json:"max_retries,omitempty"` // default: 3
	RetryDelay time.Duration `json:"retry_delay,omitempty"` // default: 1s

	// Fault monitoring and recovery
	PollInterval    time.Duration   `json:"poll_interval,omitempty"`     // fault poll cadence (default: 1s)
	InitialWait     time.Duration   `json:"initial_wait,omitempty"`      // wait before the first recovery attempt (default: 10s)
	RecoveryStages  []RecoveryStage `json:"recovery_stages,omitempty"`   // escalation table (default: 5@60s, 5@5m, 5@15m, 5@30m)
	CycleCountFile  string          `json:"cycle_count_file,omitempty"`  // persisted cycle log (default: "No_of_cycles.txt")
	CatalogFile     string          `json:"catalog_file,omitempty"`      // optional JSON override for the register catalog
	BitTablesFile   string          `json:"bit_tables_file,omitempty"`   // optional JSON override for fault/warning bit tables
	ValidateOnStart bool            `json:"validate_on_start,omitempty"` // probe the fault register when opening the port

	// Internal logger (not from JSON)
	Logger logging.Logger `json:"-"`
}

// RecoveryStage is one tier of the escalating fault-clearing policy.
type RecoveryStage struct {
	Attempts int           `json:"attempts"`
	Interval time.Duration `json:"interval"`
}

// DefaultRecoveryStages mirrors the controller vendor's recommended
// progression: a minute, five minutes, fifteen, thirty, then wrap.
func DefaultRecoveryStages() []RecoveryStage {
	return []RecoveryStage{
		{Attempts: 5, Interval: 60 * time.Second},
		{Attempts: 5, Interval: 300 * time.Second},
		{Attempts: 5, Interval: 900 * time.Second},
		{Attempts: 5, Interval: 1800 * time.Second},
	}
}

// Validate ensures all parts of the config are valid
func (cfg *Config) Validate(path string) ([]string, []string, error) {
	if cfg.Port == "" {
		return nil, nil, fmt.Errorf("serial port must be specified")
	}

	// Set defaults
	if cfg.SlaveID == 0 {
		cfg.SlaveID = 1
	}
	if cfg.Baudrate == 0 {
		cfg.Baudrate = 115200
	}
	if cfg.DataBits == 0 {
		cfg.DataBits = 8
	}
	if cfg.Parity == "" {
		cfg.Parity = "N"
	}
	if cfg.StopBits == 0 {
		cfg.StopBits = 1
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.InitialWait == 0 {
		cfg.InitialWait = 10 * time.Second
	}
	if len(cfg.RecoveryStages) == 0 {
		cfg.RecoveryStages = DefaultRecoveryStages()
	}
	if cfg.CycleCountFile == "" {
		cfg.CycleCountFile = "No_of_cycles.txt"
	}

	// Validate ranges
	if cfg.Parity != "N" && cfg.Parity != "E" && cfg.Parity != "O" {
		return nil, nil, fmt.Errorf("parity must be 'N', 'E' or 'O', got '%s'", cfg.Parity)
	}
	if cfg.StopBits != 1 && cfg.StopBits != 2 {
		return nil, nil, fmt.Errorf("stop_bits must be 1 or 2, got %d", cfg.StopBits)
	}
	for i, stage := range cfg.RecoveryStages {
		if stage.Attempts < 1 {
			return nil, nil, fmt.Errorf("recovery stage %d: attempts must be at least 1", i+1)
		}
		if stage.Interval <= 0 {
			return nil, nil, fmt.Errorf("recovery stage %d: interval must be positive", i+1)
		}
	}

	return nil, nil, nil
}

// TestParameters describe one test run. They are fixed for the lifetime of
// the run; torque values are percentages, currents are amps.
type TestParameters struct {
	TargetRPM       float64       `json:"target_rpm"`
	ForwardTorque   float64       `json:"forward_torque"`
	ReverseTorque   float64       `json:"reverse_torque"`
	ForwardDuration time.Duration `json:"forward_duration"`
	ReverseDuration time.Duration `json:"reverse_duration"`
	MaxMotorCurrent float64       `json:"max_motor_current"`
	MaxBrakeCurrent float64       `json:"max_brake_current"`
}

// DefaultTestParameters returns the bench's standard stress profile.
func DefaultTestParameters() TestParameters {
	return TestParameters{
		TargetRPM:       300,
		ForwardTorque:   100,
		ReverseTorque:   -100,
		ForwardDuration: 5 * time.Second,
		ReverseDuration: 2 * time.Second,
		MaxMotorCurrent: 70,
		MaxBrakeCurrent: 40,
	}
}

// withDefaults fills any zero-valued field from the standard profile so a
// partially specified parameter set still drives a sane test.
func (p TestParameters) withDefaults() TestParameters {
	def := DefaultTestParameters()
	if p.TargetRPM == 0 {
		p.TargetRPM = def.TargetRPM
	}
	if p.ForwardTorque == 0 {
		p.ForwardTorque = def.ForwardTorque
	}
	if p.ReverseTorque == 0 {
		p.ReverseTorque = def.ReverseTorque
	}
	if p.ForwardDuration == 0 {
		p.ForwardDuration = def.ForwardDuration
	}
	if p.ReverseDuration == 0 {
		p.ReverseDuration = def.ReverseDuration
	}
	if p.MaxMotorCurrent == 0 {
		p.MaxMotorCurrent = def.MaxMotorCurrent
	}
	if p.MaxBrakeCurrent == 0 {
		p.MaxBrakeCurrent = def.MaxBrakeCurrent
	}
	return p
}

// LoadCatalog returns the register catalog for this config, reading the
// override file when one is configured and falling back to the built-in map
// otherwise. The second return reports whether a file was actually used.
func (cfg *Config) LoadCatalog(logger logging.Logger) (*Catalog, bool) {
	if cfg.CatalogFile == "" {
		return DefaultCatalog(), false
	}

	data, err := os.ReadFile(cfg.CatalogFile)
	if err != nil {
		if logger != nil {
			logger.Warnf("Could not read catalog file %s, using built-in catalog: %v", cfg.CatalogFile, err)
		}
		return DefaultCatalog(), false
	}

	var file catalogFile
	if err := json.Unmarshal(data, &file); err != nil {
		if logger != nil {
			logger.Warnf("Could not parse catalog file %s, using built-in catalog: %v", cfg.CatalogFile, err)
		}
		return DefaultCatalog(), false
	}

	catalog := newCatalog(file.Commands, file.Telemetry)
	if logger != nil {
		logger.Infof("Loaded register catalog from %s (%d commands, %d telemetry points)",
			cfg.CatalogFile, len(file.Commands), len(file.Telemetry))
	}
	return catalog, true
}

// LoadBitTables returns the fault/warning description tables, honoring the
// override file the same way LoadCatalog does.
func (cfg *Config) LoadBitTables(logger logging.Logger) (*BitTables, bool) {
	if cfg.BitTablesFile == "" {
		return DefaultBitTables(), false
	}

	data, err := os.ReadFile(cfg.BitTablesFile)
	if err != nil {
		if logger != nil {
			logger.Warnf("Could not read bit tables file %s, using built-in tables: %v", cfg.BitTablesFile, err)
		}
		return DefaultBitTables(), false
	}

	var file bitTablesFile
	if err := json.Unmarshal(data, &file); err != nil {
		if logger != nil {
			logger.Warnf("Could not parse bit tables file %s, using built-in tables: %v", cfg.BitTablesFile, err)
		}
		return DefaultBitTables(), false
	}

	tables := file.toBitTables()
	if logger != nil {
		logger.Infof("Loaded fault/warning bit tables from %s", cfg.BitTablesFile)
	}
	return tables, true
}
