package database

import (
	"fmt"
	"strconv"
)

type DatabaseLayout int64

const (
	LayoutGrid     DatabaseLayout = 0
	LayoutBoard    DatabaseLayout = 1
	LayoutCalendar DatabaseLayout = 2
)

// ParseLayout accepts only the known layouts.
func ParseLayout(n int64) (DatabaseLayout, bool) {
	switch l := DatabaseLayout(n); l {
	case LayoutGrid, LayoutBoard, LayoutCalendar:
		return l, true
	default:
		return 0, false
	}
}

func (l DatabaseLayout) String() string {
	switch l {
	case LayoutGrid:
		return "grid"
	case LayoutBoard:
		return "board"
	case LayoutCalendar:
		return "calendar"
	default:
		return fmt.Sprintf("layout(%d)", int64(l))
	}
}

// key of the layout inside layout_settings
func (l DatabaseLayout) key() string {
	return strconv.FormatInt(int64(l), 10)
}
