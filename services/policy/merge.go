package policy

import (
	"sort"

	"github.com/samber/lo"

	"github.com/upb/analytics-control-plane/models"
)

// MergeConstraints combines two constraint sets so the most restrictive always wins:
// redactions are unioned, floors take the max, row filters intersect per field and
// the coarsest forced grain is kept. It is commutative, associative and idempotent.
func MergeConstraints(a, b models.Constraints) models.Constraints {
	out := models.Constraints{
		MinGroupSize: max(a.MinGroupSize, b.MinGroupSize),
		ForcedGrain:  coarser(a.ForcedGrain, b.ForcedGrain),
	}

	if redacted := lo.Union(a.RedactedFields, b.RedactedFields); len(redacted) > 0 {
		sort.Strings(redacted)
		out.RedactedFields = redacted
	}

	if len(a.RowFilters) > 0 || len(b.RowFilters) > 0 {
		out.RowFilters = make(map[string][]string)
		for field, values := range a.RowFilters {
			out.RowFilters[field] = normaliseValues(values)
		}
		for field, values := range b.RowFilters {
			if have, ok := out.RowFilters[field]; ok {
				out.RowFilters[field] = normaliseValues(lo.Intersect(have, values))
				continue
			}
			out.RowFilters[field] = normaliseValues(values)
		}
	}
	return out
}

// normaliseValues returns a sorted, de-duplicated, never-nil copy.
func normaliseValues(values []string) []string {
	out := lo.Uniq(values)
	if out == nil {
		out = []string{}
	}
	out = append([]string{}, out...)
	sort.Strings(out)
	return out
}

func coarser(a, b models.TimeGrain) models.TimeGrain {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}
