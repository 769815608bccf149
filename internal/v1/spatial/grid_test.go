package spatial

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCellFromPosition(t *testing.T) {
	tests := []struct {
		name string
		x, z float64
		want string
	}{
		{"origin", 0, 0, "0,0"},
		{"inside first cell", 9.99, 9.99, "0,0"},
		{"cell boundary", 10, 10, "1,1"},
		{"negative floors down", -0.1, -0.1, "-1,-1"},
		{"negative boundary", -10, -10, "-1,-1"},
		{"far out", 1234.5, -678.9, "123,-68"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CellFromPosition(tt.x, tt.z))
		})
	}
}

func TestValidateCells(t *testing.T) {
	in := []string{
		"0,0",
		"-3,17",
		"1,2,3",    // too many parts
		"a,b",      // not numbers
		"01,2",     // non-canonical
		" 1,2",     // whitespace
		"",         // empty
		"5000000,0", // out of range
	}

	assert.Equal(t, []string{"0,0", "-3,17"}, ValidateCells(in))
}

func TestValidateCells_Empty(t *testing.T) {
	assert.Nil(t, ValidateCells(nil))
	assert.Nil(t, ValidateCells([]string{"bogus"}))
}
