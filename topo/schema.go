package topo

import (
	"context"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/percona/percona-mongosync/errors"
)

// IDIndex is the name of the implicit primary key index.
const IDIndex = "_id_"

var ErrNotFound = errors.New("not found")

// IndexSpecification is an index definition as returned by listIndexes.
// Fields the server may return but this struct does not name are kept in Rest
// so that copying an index preserves all of its options.
type IndexSpecification struct {
	Name               string   `bson:"name"`
	Namespace          string   `bson:"ns,omitempty"`
	KeysDocument       bson.Raw `bson:"key"`
	Version            int32    `bson:"v,omitempty"`
	Sparse             *bool    `bson:"sparse,omitempty"`
	Hidden             *bool    `bson:"hidden,omitempty"`
	Unique             *bool    `bson:"unique,omitempty"`
	ExpireAfterSeconds *int64   `bson:"expireAfterSeconds,omitempty"`

	Weights          any      `bson:"weights,omitempty"`
	DefaultLanguage  *string  `bson:"default_language,omitempty"`
	LanguageOverride *string  `bson:"language_override,omitempty"`
	TextVersion      *int32   `bson:"textIndexVersion,omitempty"`
	Collation        bson.Raw `bson:"collation,omitempty"`

	WildcardProjection      any `bson:"wildcardProjection,omitempty"`
	PartialFilterExpression any `bson:"partialFilterExpression,omitempty"`

	Rest map[string]any `bson:",inline"`
}

// IsID reports whether the index is the primary key index.
func (s *IndexSpecification) IsID() bool {
	return s.Name == IDIndex
}

// ForCreate returns a copy suitable for createIndexes: the server-assigned
// version and namespace are dropped.
func (s *IndexSpecification) ForCreate() *IndexSpecification {
	rv := *s
	rv.Version = 0
	rv.Namespace = ""

	if len(s.Rest) != 0 {
		rv.Rest = make(map[string]any, len(s.Rest))
		for k, v := range s.Rest {
			if k == "v" || k == "ns" {
				continue
			}

			rv.Rest[k] = v
		}
	}

	return &rv
}

// ListDatabaseNames returns user database names.
func ListDatabaseNames(ctx context.Context, m *mongo.Client) ([]string, error) {
	//nolint:wrapcheck
	return m.ListDatabaseNames(ctx,
		bson.D{{"name", bson.D{{"$nin", bson.A{"admin", "config", "local"}}}}})
}

// ListCollectionNames returns a list of non-system collection names in the specified database.
func ListCollectionNames(ctx context.Context, m *mongo.Client, dbName string) ([]string, error) {
	//nolint:wrapcheck
	return m.Database(dbName).ListCollectionNames(ctx,
		bson.D{
			{"name", bson.D{{"$not", bson.D{{"$regex", "^system\\."}}}}},
			{"type", "collection"},
		})
}

// ListIndexes returns index definitions of db.coll.
func ListIndexes(
	ctx context.Context,
	m *mongo.Client,
	db string,
	coll string,
) ([]*IndexSpecification, error) {
	cur, err := m.Database(db).Collection(coll).Indexes().List(ctx)
	if err != nil {
		if IsNamespaceNotFound(err) {
			return nil, ErrNotFound
		}

		return nil, errors.Wrap(err, "list indexes")
	}

	var indexes []*IndexSpecification
	err = cur.All(ctx, &indexes)

	return indexes, errors.Wrap(err, "decode indexes")
}

// CreateIndex creates one index on db.coll from its full definition.
// It runs createIndexes directly because [mongo.IndexModel] cannot carry
// every option the server reports.
func CreateIndex(ctx context.Context, m *mongo.Client, db, coll string, spec *IndexSpecification) error {
	res := m.Database(db).RunCommand(ctx, bson.D{
		{"createIndexes", coll},
		{"indexes", bson.A{spec.ForCreate()}},
	})

	return errors.Wrapf(res.Err(), "create index %q", spec.Name)
}
