// Package params expands parameter sets into request variants.
package params

import (
	"iter"
	"sort"

	"github.com/vedsharma/apicli/internal/model"
)

// Keys returns the dimensions of set in declaration order. Keys present in
// Values but missing from Keys are appended in sorted order; keys with no
// values are dropped.
func Keys(set *model.ParameterSet) []string {
	if set == nil {
		return nil
	}
	seen := make(map[string]bool, len(set.Keys))
	var keys []string
	for _, k := range set.Keys {
		if seen[k] {
			continue
		}
		seen[k] = true
		if len(set.Values[k]) > 0 {
			keys = append(keys, k)
		}
	}
	var extra []string
	for k, vals := range set.Values {
		if !seen[k] && len(vals) > 0 {
			extra = append(extra, k)
		}
	}
	sort.Strings(extra)
	return append(keys, extra...)
}

// Count returns the number of variants set expands to.
func Count(set *model.ParameterSet) int {
	n := 1
	for _, k := range Keys(set) {
		n *= len(set.Values[k])
	}
	return n
}

// Combinations yields every assignment of one value per key. The last key
// varies fastest. A nil or empty set yields a single empty map.
func Combinations(set *model.ParameterSet) iter.Seq[map[string]string] {
	keys := Keys(set)
	return func(yield func(map[string]string) bool) {
		if len(keys) == 0 {
			yield(map[string]string{})
			return
		}

		idx := make([]int, len(keys))
		for {
			combo := make(map[string]string, len(keys))
			for i, k := range keys {
				combo[k] = set.Values[k][idx[i]]
			}
			if !yield(combo) {
				return
			}

			// odometer increment, right-most first
			pos := len(keys) - 1
			for pos >= 0 {
				idx[pos]++
				if idx[pos] < len(set.Values[keys[pos]]) {
					break
				}
				idx[pos] = 0
				pos--
			}
			if pos < 0 {
				return
			}
		}
	}
}
