package scheduler

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/3leaps/cropgrid/pkg/job"
)

// Partition splits n items into k contiguous groups and returns their
// [start, end) bounds. The first n%k groups hold one extra item. Some groups
// are empty when k > n. Partition returns nil for k < 1.
func Partition(n, k int) [][2]int {
	if k < 1 || n < 0 {
		return nil
	}
	base, extra := n/k, n%k
	out := make([][2]int, k)
	start := 0
	for i := 0; i < k; i++ {
		size := base
		if i < extra {
			size++
		}
		out[i] = [2]int{start, start + size}
		start += size
	}
	return out
}

// ShardSpec addresses one group of a partition. Index is 1-based.
type ShardSpec struct {
	Index int
	Count int
}

func (s ShardSpec) String() string {
	return fmt.Sprintf("%d/%d", s.Index, s.Count)
}

// Validate reports whether s addresses an existing group.
func (s ShardSpec) Validate() error {
	if s.Count < 1 {
		return fmt.Errorf("shard count must be positive, got %d", s.Count)
	}
	if s.Index < 1 || s.Index > s.Count {
		return fmt.Errorf("shard index %d out of range 1..%d", s.Index, s.Count)
	}
	return nil
}

// Shard returns the jobs in group index (1-based) of count groups.
func Shard(jobs []job.Job, index, count int) ([]job.Job, error) {
	spec := ShardSpec{Index: index, Count: count}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	b := Partition(len(jobs), count)[index-1]
	return jobs[b[0]:b[1]], nil
}

// ShardFromEnv reads a shard address from two environment variables using
// lookup (os.LookupEnv in production). ok is false, meaning local mode,
// unless both parse as positive integers with index <= count.
func ShardFromEnv(idVar, countVar string, lookup func(string) (string, bool)) (ShardSpec, bool) {
	if lookup == nil || idVar == "" || countVar == "" {
		return ShardSpec{}, false
	}
	index, ok := positiveEnv(lookup, idVar)
	if !ok {
		return ShardSpec{}, false
	}
	count, ok := positiveEnv(lookup, countVar)
	if !ok {
		return ShardSpec{}, false
	}
	spec := ShardSpec{Index: index, Count: count}
	if spec.Validate() != nil {
		return ShardSpec{}, false
	}
	return spec, true
}

func positiveEnv(lookup func(string) (string, bool), name string) (int, bool) {
	raw, ok := lookup(name)
	if !ok {
		return 0, false
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || v < 1 {
		return 0, false
	}
	return v, true
}
