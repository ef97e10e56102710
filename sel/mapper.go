package sel

import (
	"fmt"
	"maps"
	"regexp"
	"slices"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/percona/percona-mongosync/errors"
)

// ErrUnsupportedMapping is returned for a database map of an unknown shape.
var ErrUnsupportedMapping = errors.New("unsupported database map")

// DBMap maps source database names to target database names.
type DBMap map[string]string

// ParseDBMap accepts the supported database map forms:
//   - "a=b,c": a is replicated into b, c into c
//   - a list of names: identity mapping
//   - a map of source to target names
func ParseDBMap(v any) (DBMap, error) {
	rv := make(DBMap)

	switch v := v.(type) {
	case nil:
		return rv, nil
	case DBMap:
		maps.Copy(rv, v)
	case map[string]string:
		maps.Copy(rv, v)
	case map[string]any:
		for src, dst := range v {
			name, ok := dst.(string)
			if !ok {
				return nil, errors.Wrapf(ErrUnsupportedMapping, "target of %q is %T", src, dst)
			}

			rv[src] = name
		}
	case string:
		for item := range strings.SplitSeq(v, ",") {
			addPair(rv, item)
		}
	case []string:
		for _, item := range v {
			addPair(rv, item)
		}
	case []any:
		for _, item := range v {
			name, ok := item.(string)
			if !ok {
				return nil, errors.Wrapf(ErrUnsupportedMapping, "list item is %T", item)
			}

			addPair(rv, name)
		}
	default:
		return nil, errors.Wrapf(ErrUnsupportedMapping, "%T", v)
	}

	for src, dst := range rv {
		if src == "" {
			return nil, errors.Wrap(ErrUnsupportedMapping, "empty source database")
		}

		if dst == "" {
			rv[src] = src
		}
	}

	return rv, nil
}

func addPair(m DBMap, item string) {
	item = strings.TrimSpace(item)
	if item == "" {
		return
	}

	src, dst, ok := strings.Cut(item, "=")
	src = strings.TrimSpace(src)

	if !ok {
		m[src] = src

		return
	}

	m[src] = strings.TrimSpace(dst)
}

func (m DBMap) String() string {
	keys := slices.Sorted(maps.Keys(m))

	parts := make([]string, len(keys))
	for i, k := range keys {
		if m[k] == k {
			parts[i] = k
		} else {
			parts[i] = fmt.Sprintf("%s=%s", k, m[k])
		}
	}

	return strings.Join(parts, ",")
}

// Mapper resolves oplog namespaces to target namespaces.
type Mapper struct {
	dbs    map[string]*DatabaseMapping
	filter NSFilter
}

// NewMapper builds a mapper over whole databases. filter narrows the mapped
// namespaces further; nil allows all.
func NewMapper(dbMap DBMap, filter NSFilter) (*Mapper, error) {
	if len(dbMap) == 0 {
		return nil, errors.New("database map is empty")
	}

	mappings := make([]*DatabaseMapping, 0, len(dbMap))
	for src, dst := range dbMap {
		dm, err := NewDatabaseMapping(DatabaseMappingOptions{Source: src, Target: dst})
		if err != nil {
			return nil, err
		}

		mappings = append(mappings, dm)
	}

	return NewMapperFrom(mappings, filter)
}

// NewMapperFrom builds a mapper from database mappings.
func NewMapperFrom(mappings []*DatabaseMapping, filter NSFilter) (*Mapper, error) {
	if len(mappings) == 0 {
		return nil, errors.New("database map is empty")
	}

	if filter == nil {
		filter = AllowAllFilter
	}

	m := &Mapper{dbs: make(map[string]*DatabaseMapping, len(mappings)), filter: filter}
	for _, dm := range mappings {
		if _, ok := m.dbs[dm.Source]; ok {
			return nil, errors.Errorf("database %q is mapped twice", dm.Source)
		}

		m.dbs[dm.Source] = dm
	}

	return m, nil
}

// Databases returns the mapped source databases in sorted order.
func (m *Mapper) Databases() []string {
	return slices.Sorted(maps.Keys(m.dbs))
}

// Database returns the mapping of a source database.
func (m *Mapper) Database(db string) (*DatabaseMapping, bool) {
	dm, ok := m.dbs[db]

	return dm, ok
}

// MapDatabase returns the target of a source database.
func (m *Mapper) MapDatabase(db string) (string, bool) {
	dm, ok := m.dbs[db]
	if !ok {
		return "", false
	}

	return dm.Target, true
}

// Map resolves a source namespace. It returns false when the database is not
// mapped, the collection is not selected, or the filter rejects it.
func (m *Mapper) Map(ns Namespace) (Namespace, bool) {
	dm, ok := m.dbs[ns.Database]
	if !ok {
		return Namespace{}, false
	}

	if !m.filter(ns.Database, ns.Collection) {
		return Namespace{}, false
	}

	return dm.Resolve(ns.Collection)
}

// OplogFilter matches oplog entries of the mapped databases. Transactions are
// logged as applyOps on admin.$cmd and match when any member operation
// belongs to a mapped database.
func (m *Mapper) OplogFilter() bson.D {
	dbs := m.Databases()

	or := make(bson.A, 0, len(dbs)+1)
	members := make(bson.A, len(dbs))

	for i, db := range dbs {
		pattern := "^" + regexp.QuoteMeta(db) + `\.`
		or = append(or, bson.D{{"ns", bson.D{{"$regex", pattern}}}})
		members[i] = bson.Regex{Pattern: pattern}
	}

	or = append(or, bson.D{
		{"ns", "admin.$cmd"},
		{"o.applyOps.ns", bson.D{{"$in", members}}},
	})

	return bson.D{{"$or", or}}
}
