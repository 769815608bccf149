// Package spatial buckets world positions into fixed-size cells on the
// horizontal plane for area-of-interest filtering.
package spatial

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// CellSize is the edge length of one AOI cell in world units. It must be
// uniform across nodes so a client's subscription means the same thing on
// every server.
const CellSize = 10.0

// Cells further than this many cells from the origin on either axis are
// considered malformed input.
const maxCellCoord = 100000

// CellFromPosition maps a continuous (x, z) position to its cell id "gx,gz".
func CellFromPosition(x, z float64) string {
	gx := int(math.Floor(x / CellSize))
	gz := int(math.Floor(z / CellSize))
	return fmt.Sprintf("%d,%d", gx, gz)
}

// ValidateCells drops malformed or out-of-range cell ids from a client's
// subscription request.
func ValidateCells(cells []string) []string {
	var out []string
	for _, c := range cells {
		if ValidCell(c) {
			out = append(out, c)
		}
	}
	return out
}

// ValidCell reports whether s is a well-formed cell id.
func ValidCell(s string) bool {
	gxs, gzs, ok := strings.Cut(s, ",")
	if !ok {
		return false
	}
	gx, err := strconv.Atoi(gxs)
	if err != nil {
		return false
	}
	gz, err := strconv.Atoi(gzs)
	if err != nil {
		return false
	}
	// Canonical form only: "01,2" or " 1,2" must not alias "1,2".
	if strconv.Itoa(gx) != gxs || strconv.Itoa(gz) != gzs {
		return false
	}
	if gx < -maxCellCoord || gx > maxCellCoord || gz < -maxCellCoord || gz > maxCellCoord {
		return false
	}
	return true
}
