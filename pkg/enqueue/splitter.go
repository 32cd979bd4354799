// Package enqueue turns submitted test entries into dispatchable buckets.
package enqueue

import (
	"fmt"

	"go.waggle.dev/waggle/pkg/types"
)

// SplitStrategy names a bucket partitioning scheme.
type SplitStrategy string

// Supported split strategies.
const (
	SplitIndividual     SplitStrategy = "individual"
	SplitEquallyDivided SplitStrategy = "equallyDivided"
	SplitProgressive    SplitStrategy = "progressive"
	SplitUnsplit        SplitStrategy = "unsplit"
)

// TestSplitter partitions test entries into bucket-sized groups.
// Groups are independent; there is no cross-bucket ordering guarantee.
type TestSplitter interface {
	Split(entries []types.TestEntry) [][]types.TestEntry
}

// IndividualSplitter puts every entry into its own bucket.
type IndividualSplitter struct{}

// Split implements TestSplitter.
func (IndividualSplitter) Split(entries []types.TestEntry) [][]types.TestEntry {
	out := make([][]types.TestEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, []types.TestEntry{e})
	}
	return out
}

// UnsplitSplitter keeps all entries in a single bucket.
type UnsplitSplitter struct{}

// Split implements TestSplitter.
func (UnsplitSplitter) Split(entries []types.TestEntry) [][]types.TestEntry {
	if len(entries) == 0 {
		return nil
	}
	return [][]types.TestEntry{append([]types.TestEntry(nil), entries...)}
}

// EquallyDividedSplitter partitions entries into Parts near-equal groups.
// Parts is usually the expected worker count.
type EquallyDividedSplitter struct {
	Parts uint
}

// Split implements TestSplitter.
func (s EquallyDividedSplitter) Split(entries []types.TestEntry) [][]types.TestEntry {
	if len(entries) == 0 {
		return nil
	}
	parts := int(s.Parts)
	if parts < 1 {
		parts = 1
	}
	if parts > len(entries) {
		parts = len(entries)
	}
	out := make([][]types.TestEntry, 0, parts)
	base := len(entries) / parts
	rem := len(entries) % parts
	idx := 0
	for i := 0; i < parts; i++ {
		size := base
		if i < rem {
			size++
		}
		out = append(out, append([]types.TestEntry(nil), entries[idx:idx+size]...))
		idx += size
	}
	return out
}

// ProgressiveSplitter produces geometrically shrinking buckets: half of the
// remaining entries per bucket, down to single entries. Large buckets keep
// workers busy early, small buckets shorten the tail.
type ProgressiveSplitter struct{}

// Split implements TestSplitter.
func (ProgressiveSplitter) Split(entries []types.TestEntry) [][]types.TestEntry {
	var out [][]types.TestEntry
	rest := entries
	for len(rest) > 0 {
		size := (len(rest) + 1) / 2
		out = append(out, append([]types.TestEntry(nil), rest[:size]...))
		rest = rest[size:]
	}
	return out
}

// SplitterForStrategy resolves a strategy name to a splitter.
// parts only applies to the equallyDivided strategy.
func SplitterForStrategy(strategy SplitStrategy, parts uint) (TestSplitter, error) {
	switch strategy {
	case SplitIndividual:
		return IndividualSplitter{}, nil
	case SplitEquallyDivided:
		return EquallyDividedSplitter{Parts: parts}, nil
	case SplitProgressive:
		return ProgressiveSplitter{}, nil
	case SplitUnsplit, "":
		return UnsplitSplitter{}, nil
	default:
		return nil, fmt.Errorf("unknown split strategy: %q", strategy)
	}
}
