package database

import "time"

// Cursor is a keyset position over rows ordered by (At, ID). The zero
// Cursor is before every row.
type Cursor struct {
	At time.Time
	ID string
}

// IsZero reports whether c is the start position.
func (c Cursor) IsZero() bool { return c.At.IsZero() && c.ID == "" }

// Before reports whether the row keyed (at, id) sorts strictly after c.
func (c Cursor) Before(at time.Time, id string) bool {
	if c.IsZero() {
		return true
	}
	if at.Equal(c.At) {
		return id > c.ID
	}
	return at.After(c.At)
}

// Less orders rows by (at, id), the order Cursor pages over.
func Less(atI time.Time, idI string, atJ time.Time, idJ string) bool {
	if atI.Equal(atJ) {
		return idI < idJ
	}
	return atI.Before(atJ)
}
