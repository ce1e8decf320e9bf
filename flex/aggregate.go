package flex

import "strings"

// DefaultBits is the game controller encoding of each arm.
var DefaultBits = map[string]uint8{"left": 0x10, "right": 0x01}

// DefaultOrder is the column order of the control file.
var DefaultOrder = []string{"left", "right"}

// Bitmask ORs together the bits of every flexed arm.
func Bitmask(r Round, bits map[string]uint8) uint8 {
	var mask uint8
	for arm, bit := range bits {
		if r.Flexed(arm) {
			mask |= bit
		}
	}
	return mask
}

// CSVLine renders flexed states in order as "True, False", the format the
// game reads from the control file.
func CSVLine(r Round, order []string) string {
	cols := make([]string, len(order))
	for i, arm := range order {
		cols[i] = "False"
		if r.Flexed(arm) {
			cols[i] = "True"
		}
	}
	return strings.Join(cols, ", ")
}
