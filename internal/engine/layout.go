package engine

import "strconv"

// Layout numbers seats 1..Capacity row by row; seat 1 is A1, seat
// PerRow+1 is B1.
type Layout struct {
	Capacity int
	PerRow   int
}

var DefaultLayout = Layout{Capacity: 40, PerRow: 4}

func (l Layout) Valid(seatID int64) bool {
	return seatID >= 1 && seatID <= int64(l.Capacity)
}

func (l Layout) Label(seatID int64) string {
	if !l.Valid(seatID) {
		return ""
	}
	perRow := int64(l.PerRow)
	if perRow <= 0 {
		perRow = int64(l.Capacity)
	}
	row := (seatID - 1) / perRow
	col := (seatID-1)%perRow + 1
	return rowName(row) + strconv.FormatInt(col, 10)
}

// rowName maps 0 -> A, 25 -> Z, 26 -> AA.
func rowName(row int64) string {
	name := ""
	for row >= 0 {
		name = string(rune('A'+row%26)) + name
		row = row/26 - 1
	}
	return name
}
