package owctester

// decodeBits turns a bitmapped status word into the matching descriptions,
// scanning bit 0 through bit 15. Set bits without a description are skipped.
func decodeBits(value uint16, table map[uint]string) []string {
	var active []string
	for bit := uint(0); bit < 16; bit++ {
		if value&(1<<bit) == 0 {
			continue
		}
		if desc, ok := table[bit]; ok {
			active = append(active, desc)
		}
	}
	return active
}

// BitTables holds the bit-position description tables for both fault
// registers and both warning registers.
type BitTables struct {
	Faults    map[uint]string
	Faults2   map[uint]string
	Warnings  map[uint]string
	Warnings2 map[uint]string
}

// FaultSnapshot is one decoded poll of the four status registers.
type FaultSnapshot struct {
	FaultsReg    uint16
	Faults2Reg   uint16
	WarningsReg  uint16
	Warnings2Reg uint16
	Faults       []string
	Warnings     []string
}

// DecodeFaults decodes both fault registers into one ordered list.
func (t *BitTables) DecodeFaults(reg, reg2 uint16) []string {
	return append(decodeBits(reg, t.Faults), decodeBits(reg2, t.Faults2)...)
}

// DecodeWarnings decodes both warning registers into one ordered list.
func (t *BitTables) DecodeWarnings(reg, reg2 uint16) []string {
	return append(decodeBits(reg, t.Warnings), decodeBits(reg2, t.Warnings2)...)
}

// bitTablesFile is the on-disk JSON shape for table overrides. Entries keep
// the bit position explicit so sparse tables stay readable.
type bitTablesFile struct {
	Faults    []bitDescription `json:"faults"`
	Faults2   []bitDescription `json:"faults2"`
	Warnings  []bitDescription `json:"warnings"`
	Warnings2 []bitDescription `json:"warnings2"`
}

type bitDescription struct {
	Bit         uint   `json:"bit"`
	Description string `json:"description"`
}

func (f bitTablesFile) toBitTables() *BitTables {
	toMap := func(entries []bitDescription) map[uint]string {
		m := make(map[uint]string, len(entries))
		for _, e := range entries {
			if e.Bit < 16 {
				m[e.Bit] = e.Description
			}
		}
		return m
	}
	return &BitTables{
		Faults:    toMap(f.Faults),
		Faults2:   toMap(f.Faults2),
		Warnings:  toMap(f.Warnings),
		Warnings2: toMap(f.Warnings2),
	}
}

// DefaultBitTables is the stock controller's flash-code table.
func DefaultBitTables() *BitTables {
	return &BitTables{
		Faults: map[uint]string{
			0:  "Controller over voltage (flash code 1,1)",
			1:  "Phase over current (flash code 1,2)",
			2:  "Current sensor calibration (flash code 1,3)",
			3:  "Current sensor over current (flash code 1,4)",
			4:  "Controller over temperature (flash code 1,5)",
			5:  "Motor Hall sensor fault (flash code 1,6)",
			6:  "Controller under voltage (flash code 1,7)",
			7:  "POST static gating test (flash code 1,8)",
			8:  "Network communication timeout (flash code 2,1)",
			9:  "Instantaneous phase over current (flash code 2,2)",
			10: "Motor over temperature (flash code 2,3)",
			11: "Throttle voltage outside range (flash code 2,4)",
			12: "Instantaneous controller over voltage (flash code 2,5)",
			13: "Internal error (flash code 2,6)",
			14: "POST dynamic gating test (flash code 2,7)",
			15: "Instantaneous under voltage (flash code 2,8)",
		},
		Faults2: map[uint]string{
			0:  "Parameter CRC (flash code 3,1)",
			1:  "Current Scaling (flash code 3,2)",
			2:  "Voltage Scaling (flash code 3,3)",
			3:  "Headlight Undervoltage (flash code 3,4)",
			4:  "Parameter 3 CRC (flash code 3,5)",
			5:  "CAN bus (flash code 3,6)",
			6:  "Hall Stall (flash code 3,7)",
			7:  "Bootloader - Not used (flash code 3,8)",
			8:  "Parameter2CRC (flash code 4,1)",
			9:  "Hall vs Sensorless position > 30deg (flash code 4,2)",
			10: "Dynamic torque sensor voltage outside range (flash code 4,3)",
			11: "Dynamic Torque Sensor Static Voltage Fault (flash code 4,4)",
			12: "Remote CAN fault (flash code 4,5)",
			13: "Accelerometer Side Tilt fault (flash code 4,6)",
			14: "Open Phase Fault (flash code 4,7)",
			15: "Analog brake voltage out of range (flash code 4,8)",
		},
		Warnings: map[uint]string{
			0:  "Communication Timeout (flash code 5,1)",
			1:  "Hall Sensor (flash code 5,2)",
			2:  "Hall stall (flash code 5,3)",
			3:  "Wheel Speed Sensor (flash code 5,4)",
			4:  "CAN Bus (flash code 5,5)",
			5:  "Hall Illegal sector (flash code 5,6)",
			6:  "Hall illegal transition (flash code 5,7)",
			7:  "Low battery voltage foldback (flash code 5,8)",
			8:  "High battery voltage foldback (flash code 6,1)",
			9:  "Motor temperature foldback (flash code 6,2)",
			10: "Controller over temperature foldback (flash code 6,3)",
			11: "Low Battery SOC foldback (flash code 6,4)",
			12: "High Battery SOC foldback (flash code 6,5)",
			13: "12T overload foldback (flash code 6,6)",
			14: "Low temperature Battery/Controller foldback (flash code 6,7)",
			15: "BMS communication timeout (flash code 6,8)",
		},
		Warnings2: map[uint]string{
			0:  "Throttle out of range (flash code 7,1)",
			1:  "Dual speed sensor missing pulses (flash code 7,2)",
			2:  "Dual speed sensor no pulses (flash code 7,3)",
			3:  "Dynamic Flash Full (flash code 7,4)",
			4:  "Dynamic Flash Read Error (flash code 7,5)",
			5:  "Dynamic Flash Write Error (flash code 7,6)",
			6:  "Parameters3 missing (flash code 7,7)",
			7:  "Missed CAN Message (flash code 7,8)",
			8:  "High Battery temperature foldback (flash code 8,1)",
			9:  "ADC Saturation Event (flash code 8,2)",
			10: "Reserved (flash code 8,3)",
			11: "Reserved (flash code 8,4)",
			12: "Reserved (flash code 8,5)",
			13: "Reserved (flash code 8,6)",
			14: "Reserved (flash code 8,7)",
			15: "Reserved (flash code 8,8)",
		},
	}
}
