package owctester

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecodeBits(t *testing.T) {
	table := map[uint]string{0: "A", 1: "B", 2: "C", 15: "P"}

	assert.Equal(t, []string{"A", "C"}, decodeBits(0b101, table))
	assert.Equal(t, []string{"P"}, decodeBits(0x8000, table))
	assert.Nil(t, decodeBits(0, table))

	// Set bits without a description are skipped.
	assert.Equal(t, []string{"B"}, decodeBits(0b1010, table))
}

func TestDecodeFaultsOrdering(t *testing.T) {
	tables := DefaultBitTables()

	// Bits from the first register come before bits from the second,
	// each register ascending by bit position.
	active := tables.DecodeFaults(0b11, 0b1)
	assert.Len(t, active, 3)
	assert.Equal(t, tables.Faults[0], active[0])
	assert.Equal(t, tables.Faults[1], active[1])
	assert.Equal(t, tables.Faults2[0], active[2])
}

func TestDefaultBitTablesComplete(t *testing.T) {
	tables := DefaultBitTables()
	for bit := uint(0); bit < 16; bit++ {
		assert.Contains(t, tables.Faults, bit, "faults bit %d", bit)
		assert.Contains(t, tables.Faults2, bit, "faults2 bit %d", bit)
		assert.Contains(t, tables.Warnings, bit, "warnings bit %d", bit)
		assert.Contains(t, tables.Warnings2, bit, "warnings2 bit %d", bit)
	}
}

func TestDecodeWarnings(t *testing.T) {
	tables := DefaultBitTables()
	active := tables.DecodeWarnings(0, 0b100)
	assert.Equal(t, []string{tables.Warnings2[2]}, active)
}
