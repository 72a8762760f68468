package core

import "strconv"

// OplogIndex is a strictly increasing 1-based position in one worker's oplog.
// The first entry of every oplog is the Create entry at OplogIndexInitial.
type OplogIndex uint64

const (
	// OplogIndexNone means "no entry"; it is the last-index value of an
	// oplog that does not exist yet.
	OplogIndexNone OplogIndex = 0
	// OplogIndexInitial is the index of the first entry.
	OplogIndexInitial OplogIndex = 1
)

// Next returns the following index.
func (i OplogIndex) Next() OplogIndex {
	return i + 1
}

// Previous returns the preceding index.
func (i OplogIndex) Previous() OplogIndex {
	return i - 1
}

// RangeEnd returns the last index of an inclusive range starting at i with
// count elements.
func (i OplogIndex) RangeEnd(count uint64) OplogIndex {
	return i + OplogIndex(count) - 1
}

func (i OplogIndex) String() string {
	return strconv.FormatUint(uint64(i), 10)
}
