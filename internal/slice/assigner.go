// Package slice maps entity identifiers to deterministic hash slices and
// groups slices into contiguous ranges and data partitions. The hash must be
// stable across restarts and processes: every reader and writer of a change
// log has to agree on which slice an entity lives in.
package slice

import (
	"fmt"

	"github.com/spaolacci/murmur3"

	"github.com/eventail/eventail/internal/errors"
)

// NumSlices is the fixed total number of slices. Range counts and data
// partition counts must evenly divide it.
const NumSlices = 1024

// For returns the slice of an entity id, in [0, NumSlices).
func For(entityID string) int {
	return int(murmur3.Sum32([]byte(entityID)) % NumSlices)
}

// Range is a contiguous, inclusive span of slices.
type Range struct {
	Min int
	Max int
}

// Contains reports whether the given slice falls inside the range.
func (r Range) Contains(s int) bool {
	return s >= r.Min && s <= r.Max
}

// String returns the "min-max" form used in logs and consumer ids.
func (r Range) String() string {
	return fmt.Sprintf("%d-%d", r.Min, r.Max)
}

// Ranges partitions [0, NumSlices) into k contiguous, equal ranges.
// k must evenly divide NumSlices; violations are configuration errors.
func Ranges(k int) ([]Range, error) {
	if err := ValidateRangeCount(k); err != nil {
		return nil, err
	}
	size := NumSlices / k
	ranges := make([]Range, k)
	for i := 0; i < k; i++ {
		ranges[i] = Range{Min: i * size, Max: (i+1)*size - 1}
	}
	return ranges, nil
}

// DataPartition maps a slice to its physical storage shard, given the
// configured number of data partitions.
func DataPartition(s, numPartitions int) (int, error) {
	if err := ValidatePartitionCount(numPartitions); err != nil {
		return 0, err
	}
	if s < 0 || s >= NumSlices {
		return 0, errors.NewValidationError(errors.CodeInvalidConfig,
			fmt.Sprintf("slice %d out of range [0, %d)", s, NumSlices))
	}
	return s / (NumSlices / numPartitions), nil
}

// ValidateRangeCount checks that a slice range count evenly divides NumSlices.
func ValidateRangeCount(k int) error {
	if k <= 0 || NumSlices%k != 0 {
		return errors.NewValidationError(errors.CodeInvalidSliceRangeCount,
			fmt.Sprintf("slice range count %d must be a positive divisor of %d", k, NumSlices))
	}
	return nil
}

// ValidatePartitionCount checks that a data partition count evenly divides
// NumSlices.
func ValidatePartitionCount(n int) error {
	if n <= 0 || NumSlices%n != 0 {
		return errors.NewValidationError(errors.CodeInvalidPartitionCount,
			fmt.Sprintf("data partition count %d must be a positive divisor of %d", n, NumSlices))
	}
	return nil
}
