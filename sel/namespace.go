package sel

import "strings"

// Namespace is a (database, collection) pair.
type Namespace struct {
	Database   string `bson:"db" json:"db"`
	Collection string `bson:"coll" json:"coll"`
}

func (ns Namespace) String() string {
	return ns.Database + "." + ns.Collection
}

// ParseNamespace splits "db.coll". The collection part may contain dots.
func ParseNamespace(ns string) Namespace {
	db, coll, _ := strings.Cut(ns, ".")

	return Namespace{Database: db, Collection: coll}
}

// Pair binds a source namespace to its target.
type Pair struct {
	Source Namespace
	Target Namespace
}
