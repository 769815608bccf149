// Package worldmap holds the fixed geometry of the world: 10 000 maps laid
// out on a 100×100 grid, plus the seed maps the selector anchors on.
package worldmap

import "k8s.io/utils/set"

const (
	// GridWidth is the number of maps along each axis.
	GridWidth = 100
	// MaxMapID is the highest addressable map id.
	MaxMapID = GridWidth*GridWidth - 1
)

// SeedMaps are the six anchor maps that are implicitly guarded by the grid:
// the four corners and the two maps straddling the center.
var SeedMaps = []int{0, 99, 4950, 5049, 9900, 9999}

// ValidMapID reports whether id addresses a map on the grid.
func ValidMapID(id int) bool {
	return id >= 0 && id <= MaxMapID
}

// Coords returns the (col, row) of a map id.
func Coords(id int) (int, int) {
	return id % GridWidth, id / GridWidth
}

// FromCoords returns the map id at (col, row), or -1 when off the grid.
func FromCoords(col, row int) int {
	if col < 0 || col >= GridWidth || row < 0 || row >= GridWidth {
		return -1
	}
	return row*GridWidth + col
}

// Neighbors returns the valid 8-neighborhood of a map id.
func Neighbors(id int) []int {
	col, row := Coords(id)
	out := make([]int, 0, 8)
	for dr := -1; dr <= 1; dr++ {
		for dc := -1; dc <= 1; dc++ {
			if dr == 0 && dc == 0 {
				continue
			}
			if n := FromCoords(col+dc, row+dr); n >= 0 {
				out = append(out, n)
			}
		}
	}
	return out
}

// ManhattanDistance is |Δcol| + |Δrow| between two map ids.
func ManhattanDistance(a, b int) int {
	ac, ar := Coords(a)
	bc, br := Coords(b)
	d := 0
	if ac > bc {
		d += ac - bc
	} else {
		d += bc - ac
	}
	if ar > br {
		d += ar - br
	} else {
		d += br - ar
	}
	return d
}

// Frontier returns every unguarded valid map reachable from the guarded set
// via the 8-neighborhood.
func Frontier(guarded set.Set[int]) set.Set[int] {
	frontier := set.New[int]()
	for _, id := range guarded.UnsortedList() {
		for _, n := range Neighbors(id) {
			if !guarded.Has(n) {
				frontier.Insert(n)
			}
		}
	}
	return frontier
}
