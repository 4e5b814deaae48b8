package testHelper

// GroupBy buckets rows by the key selected from each one, keeping input order within a bucket.
func GroupBy[K comparable, V any](rows []V, key func(V) K) map[K][]V {
	groups := make(map[K][]V, len(rows))
	for _, row := range rows {
		k := key(row)
		groups[k] = append(groups[k], row)
	}
	return groups
}

// Partition splits rows into those matching keep and the rest.
func Partition[V any](rows []V, keep func(V) bool) (matched, rest []V) {
	for _, row := range rows {
		if keep(row) {
			matched = append(matched, row)
			continue
		}
		rest = append(rest, row)
	}
	return matched, rest
}

// Pluck maps rows to a single field, e.g. the ids of a list of jobs.
func Pluck[V, F any](rows []V, field func(V) F) []F {
	out := make([]F, 0, len(rows))
	for _, row := range rows {
		out = append(out, field(row))
	}
	return out
}
