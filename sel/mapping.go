package sel

import (
	"regexp"
	"slices"

	"github.com/percona/percona-mongosync/errors"
)

// Rule is how a database mapping selects its collections.
type Rule int

const (
	// RuleAll selects every collection.
	RuleAll Rule = iota
	// RuleList selects an explicit list of collections.
	RuleList
	// RulePattern selects collections whose name matches any pattern.
	RulePattern
)

func (r Rule) String() string {
	switch r {
	case RuleAll:
		return "all"
	case RuleList:
		return "list"
	case RulePattern:
		return "pattern"
	}

	return "unknown"
}

// DatabaseMapping maps collections of one source database onto a target database.
type DatabaseMapping struct {
	Source  string
	Target  string
	Renames map[string]string

	collections []string
	patterns    []*regexp.Regexp
}

// DatabaseMappingOptions describes a [DatabaseMapping].
type DatabaseMappingOptions struct {
	// Source is the source database name. Required.
	Source string
	// Target is the target database name. Defaults to Source.
	Target string
	// Renames maps source collection names to target collection names.
	Renames map[string]string
	// Collections is an explicit list of collections to sync.
	Collections []string
	// Match is a list of regular expressions matched at the start of the name.
	Match []string
}

// NewDatabaseMapping validates opts and compiles its patterns.
func NewDatabaseMapping(opts DatabaseMappingOptions) (*DatabaseMapping, error) {
	if opts.Source == "" {
		return nil, errors.New("source database is empty")
	}

	m := &DatabaseMapping{
		Source:      opts.Source,
		Target:      opts.Target,
		Renames:     opts.Renames,
		collections: slices.Clone(opts.Collections),
	}
	if m.Target == "" {
		m.Target = m.Source
	}

	for _, p := range opts.Match {
		re, err := regexp.Compile("^(?:" + p + ")")
		if err != nil {
			return nil, errors.Wrapf(err, "match pattern %q", p)
		}

		m.patterns = append(m.patterns, re)
	}

	return m, nil
}

// Rule returns the effective selection rule. Patterns take precedence over an
// explicit list, and an explicit list over the rename keys.
func (m *DatabaseMapping) Rule() Rule {
	switch {
	case len(m.patterns) != 0:
		return RulePattern
	case len(m.collections) != 0, len(m.Renames) != 0:
		return RuleList
	}

	return RuleAll
}

func (m *DatabaseMapping) listed() []string {
	if len(m.collections) != 0 {
		return m.collections
	}

	keys := make([]string, 0, len(m.Renames))
	for k := range m.Renames {
		keys = append(keys, k)
	}

	slices.Sort(keys)

	return keys
}

// Selects reports whether coll participates in the mapping.
func (m *DatabaseMapping) Selects(coll string) bool {
	switch m.Rule() {
	case RulePattern:
		return slices.ContainsFunc(m.patterns, func(re *regexp.Regexp) bool {
			return re.MatchString(coll)
		})
	case RuleList:
		return slices.Contains(m.listed(), coll)
	case RuleAll:
	}

	return true
}

// TargetCollection returns the renamed collection, or coll itself.
func (m *DatabaseMapping) TargetCollection(coll string) string {
	if name, ok := m.Renames[coll]; ok && name != "" {
		return name
	}

	return coll
}

// Resolve maps a source collection to its target namespace.
// It returns false for collections the mapping does not select.
func (m *DatabaseMapping) Resolve(coll string) (Namespace, bool) {
	if !m.Selects(coll) {
		return Namespace{}, false
	}

	return Namespace{Database: m.Target, Collection: m.TargetCollection(coll)}, true
}

// Select returns the collection pairs to sync given the source collection names.
// With an explicit list the listed names are returned as is.
func (m *DatabaseMapping) Select(existing []string) []Pair {
	var names []string

	switch m.Rule() {
	case RulePattern:
		for _, name := range existing {
			if m.Selects(name) {
				names = append(names, name)
			}
		}
	case RuleList:
		names = m.listed()
	case RuleAll:
		names = existing
	}

	pairs := make([]Pair, 0, len(names))
	for _, name := range names {
		pairs = append(pairs, Pair{
			Source: Namespace{Database: m.Source, Collection: name},
			Target: Namespace{Database: m.Target, Collection: m.TargetCollection(name)},
		})
	}

	return pairs
}
