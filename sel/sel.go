package sel

import (
	"slices"
	"strings"
)

// NSFilter returns true if a namespace is allowed.
type NSFilter func(db, coll string) bool

func AllowAllFilter(string, string) bool {
	return true
}

// MakeFilter builds a filter from "db.coll" and "db.*" patterns.
// Exclusion wins over inclusion. With a non-empty include list only listed
// namespaces pass.
func MakeFilter(include, exclude []string) NSFilter {
	if len(include) == 0 && len(exclude) == 0 {
		return AllowAllFilter
	}

	includeFilter := parseFilter(include)
	excludeFilter := parseFilter(exclude)

	return func(db, coll string) bool {
		if excludeFilter.has(db, coll) {
			return false
		}

		if len(includeFilter) != 0 {
			return includeFilter.has(db, coll)
		}

		return true
	}
}

// filterMap maps database names to listed collections. A nil list means the
// whole database.
type filterMap map[string][]string

func (f filterMap) has(db, coll string) bool {
	list, ok := f[db]
	if !ok {
		return false
	}

	return list == nil || slices.Contains(list, coll)
}

func parseFilter(patterns []string) filterMap {
	rv := make(filterMap)

	for _, p := range patterns {
		db, coll, _ := strings.Cut(p, ".")

		if l, ok := rv[db]; ok && l == nil {
			continue
		}

		if coll == "*" || coll == "" {
			rv[db] = nil

			continue
		}

		rv[db] = append(rv[db], coll)
	}

	return rv
}
