package core

import (
	"fmt"
	"sort"
	"strings"
)

// OplogRegion is a contiguous, inclusive span of oplog indices.
type OplogRegion struct {
	Start OplogIndex `json:"start"`
	End   OplogIndex `json:"end"`
}

func (r OplogRegion) String() string {
	return fmt.Sprintf("<%d..%d>", r.Start, r.End)
}

// Contains reports whether idx falls inside the region.
func (r OplogRegion) Contains(idx OplogIndex) bool {
	return idx >= r.Start && idx <= r.End
}

// overlapsOrAdjacent reports whether two regions can be merged into one.
func (r OplogRegion) overlapsOrAdjacent(other OplogRegion) bool {
	return r.Start <= other.End.Next() && other.Start <= r.End.Next()
}

// DeletedRegions is a set of disjoint oplog regions to be skipped during
// replay. It is used both for regions deleted by Revert entries and for
// regions skipped by Jump entries, plus an optional temporary override used
// while a snapshot-based update is pending (the override replaces the
// effective set until the update succeeds or fails).
type DeletedRegions struct {
	Items    []OplogRegion   `json:"items,omitempty"`
	Override *DeletedRegions `json:"override,omitempty"`
}

// NewDeletedRegions builds a DeletedRegions value from the given regions,
// merging overlaps.
func NewDeletedRegions(regions ...OplogRegion) DeletedRegions {
	b := NewDeletedRegionsBuilder()
	for _, r := range regions {
		b.Add(r)
	}
	return b.Build()
}

// IsEmpty reports whether no region is registered and no override is set.
func (d DeletedRegions) IsEmpty() bool {
	return len(d.effective()) == 0
}

// Contains reports whether idx falls in any effective deleted region.
func (d DeletedRegions) Contains(idx OplogIndex) bool {
	items := d.effective()
	// Items are sorted and disjoint.
	pos := sort.Search(len(items), func(i int) bool { return items[i].End >= idx })
	return pos < len(items) && items[pos].Contains(idx)
}

// NextNotDeleted returns the first index >= idx that is not inside an
// effective deleted region.
func (d DeletedRegions) NextNotDeleted(idx OplogIndex) OplogIndex {
	for _, r := range d.effective() {
		if r.Contains(idx) {
			idx = r.End.Next()
		}
	}
	return idx
}

// Add inserts a region, merging it with any overlapping or adjacent ones.
func (d *DeletedRegions) Add(region OplogRegion) {
	b := NewDeletedRegionsBuilderFromRegions(d.Items)
	b.Add(region)
	d.Items = b.Build().Items
}

// Regions returns the registered regions, ignoring any override.
func (d DeletedRegions) Regions() []OplogRegion {
	return d.Items
}

// IsOverridden reports whether a temporary override is in effect.
func (d DeletedRegions) IsOverridden() bool {
	return d.Override != nil
}

// SetOverride installs a temporary override that replaces the effective set.
func (d *DeletedRegions) SetOverride(override DeletedRegions) {
	d.Override = &override
}

// GetOverride returns the current override, if any.
func (d DeletedRegions) GetOverride() *DeletedRegions {
	return d.Override
}

// DropOverride discards the override, restoring the base set.
func (d *DeletedRegions) DropOverride() {
	d.Override = nil
}

// MergeOverride folds the override's regions into the base set and clears it.
func (d *DeletedRegions) MergeOverride() {
	if d.Override == nil {
		return
	}
	b := NewDeletedRegionsBuilderFromRegions(d.Items)
	for _, r := range d.Override.Items {
		b.Add(r)
	}
	d.Items = b.Build().Items
	d.Override = nil
}

// Clone returns a deep copy.
func (d DeletedRegions) Clone() DeletedRegions {
	out := DeletedRegions{}
	if len(d.Items) > 0 {
		out.Items = append([]OplogRegion(nil), d.Items...)
	}
	if d.Override != nil {
		ovr := d.Override.Clone()
		out.Override = &ovr
	}
	return out
}

// Equal compares two region sets including overrides.
func (d DeletedRegions) Equal(other *DeletedRegions) bool {
	if len(d.Items) != len(other.Items) {
		return false
	}
	for i := range d.Items {
		if d.Items[i] != other.Items[i] {
			return false
		}
	}
	if (d.Override == nil) != (other.Override == nil) {
		return false
	}
	if d.Override != nil {
		return d.Override.Equal(other.Override)
	}
	return true
}

func (d DeletedRegions) effective() []OplogRegion {
	if d.Override != nil {
		return d.Override.Items
	}
	return d.Items
}

func (d DeletedRegions) String() string {
	parts := make([]string, 0, len(d.Items))
	for _, r := range d.Items {
		parts = append(parts, r.String())
	}
	s := "[" + strings.Join(parts, ", ") + "]"
	if d.Override != nil {
		s += " override " + d.Override.String()
	}
	return s
}

// DeletedRegionsBuilder accumulates regions, merging overlaps, and produces
// a normalized DeletedRegions.
type DeletedRegionsBuilder struct {
	regions []OplogRegion
}

// NewDeletedRegionsBuilder creates an empty builder.
func NewDeletedRegionsBuilder() *DeletedRegionsBuilder {
	return &DeletedRegionsBuilder{}
}

// NewDeletedRegionsBuilderFromRegions seeds a builder with existing regions.
func NewDeletedRegionsBuilderFromRegions(regions []OplogRegion) *DeletedRegionsBuilder {
	b := NewDeletedRegionsBuilder()
	for _, r := range regions {
		b.Add(r)
	}
	return b
}

// Add inserts a region, merging with overlapping or adjacent regions.
func (b *DeletedRegionsBuilder) Add(region OplogRegion) {
	merged := region
	remaining := b.regions[:0]
	for _, r := range b.regions {
		if r.overlapsOrAdjacent(merged) {
			if r.Start < merged.Start {
				merged.Start = r.Start
			}
			if r.End > merged.End {
				merged.End = r.End
			}
		} else {
			remaining = append(remaining, r)
		}
	}
	b.regions = append(remaining, merged)
	sort.Slice(b.regions, func(i, j int) bool { return b.regions[i].Start < b.regions[j].Start })
}

// Build returns the normalized region set.
func (b *DeletedRegionsBuilder) Build() DeletedRegions {
	items := append([]OplogRegion(nil), b.regions...)
	return DeletedRegions{Items: items}
}
