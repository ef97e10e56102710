package bulk

import (
	"context"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/percona/percona-mongosync/config"
	"github.com/percona/percona-mongosync/errors"
	"github.com/percona/percona-mongosync/sel"
	"github.com/percona/percona-mongosync/topo"
)

//nolint:gochecknoglobals
var yes = true // for ref

//nolint:gochecknoglobals
var insertOptions = options.InsertMany().
	SetOrdered(false).
	SetBypassDocumentValidation(false)

//nolint:gochecknoglobals
var upsertOptions = options.BulkWrite().
	SetOrdered(false).
	SetBypassDocumentValidation(false)

// MongoCollection is a [Collection] of a MongoDB deployment.
type MongoCollection struct {
	m  *mongo.Client
	ns sel.Namespace
}

func NewMongoCollection(m *mongo.Client, ns sel.Namespace) *MongoCollection {
	return &MongoCollection{m: m, ns: ns}
}

func (c *MongoCollection) coll() *mongo.Collection {
	return c.m.Database(c.ns.Database).Collection(c.ns.Collection)
}

func (c *MongoCollection) Namespace() sel.Namespace {
	return c.ns
}

func (c *MongoCollection) Scan(
	ctx context.Context,
	filter bson.D,
	size int,
	fn func(docs []bson.Raw) error,
) error {
	if filter == nil {
		filter = bson.D{}
	}

	cur, err := c.coll().Find(ctx, filter, options.Find().SetBatchSize(int32(min(size, 1<<20)))) //nolint:gosec
	if err != nil {
		return errors.Wrap(err, "find")
	}

	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), config.CloseCursorTimeout)
		defer cancel()

		_ = cur.Close(closeCtx)
	}()

	chunk := make([]bson.Raw, 0, size)

	for cur.Next(ctx) {
		// Current is reused by the cursor
		chunk = append(chunk, bson.Raw(append([]byte(nil), cur.Current...)))
		if len(chunk) < size {
			continue
		}

		err := fn(chunk)
		if err != nil {
			return err
		}

		chunk = make([]bson.Raw, 0, size)
	}

	err = cur.Err()
	if err != nil {
		return errors.Wrap(err, "cursor")
	}

	if len(chunk) != 0 {
		return fn(chunk)
	}

	return nil
}

func (c *MongoCollection) IsEmpty(ctx context.Context) (bool, error) {
	err := c.coll().FindOne(ctx, bson.D{}, options.FindOne().SetProjection(bson.D{{"_id", 1}})).Err()
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return true, nil
		}

		return false, errors.Wrap(err, "find one")
	}

	return false, nil
}

func (c *MongoCollection) InsertMany(ctx context.Context, docs []bson.Raw) (int, error) {
	res, err := c.coll().InsertMany(ctx, docs, insertOptions)
	if err != nil {
		return 0, errors.Wrap(err, "insert many")
	}

	return len(res.InsertedIDs), nil
}

func (c *MongoCollection) UpsertMany(ctx context.Context, docs []bson.Raw) (int, error) {
	models := make([]mongo.WriteModel, 0, len(docs))

	for _, doc := range docs {
		model, err := upsertModel(doc)
		if err != nil {
			return 0, err
		}

		models = append(models, model)
	}

	res, err := c.coll().BulkWrite(ctx, models, upsertOptions)
	if err != nil {
		return 0, errors.Wrap(err, "bulk write")
	}

	return int(res.MatchedCount + res.UpsertedCount), nil
}

// upsertModel sets every field but _id on the document with the same _id.
// A document with only _id becomes a replacement because $set cannot be
// empty.
func upsertModel(doc bson.Raw) (mongo.WriteModel, error) {
	elems, err := doc.Elements()
	if err != nil {
		return nil, errors.Wrap(err, "read document")
	}

	var id bson.RawValue

	fields := make(bson.D, 0, len(elems))

	for _, el := range elems {
		if el.Key() == "_id" {
			id = el.Value()

			continue
		}

		fields = append(fields, bson.E{Key: el.Key(), Value: el.Value()})
	}

	if id.Type == 0 {
		return nil, errors.New("document without _id")
	}

	filter := bson.D{{"_id", id}}

	if len(fields) == 0 {
		return &mongo.ReplaceOneModel{Filter: filter, Replacement: doc, Upsert: &yes}, nil
	}

	return &mongo.UpdateOneModel{
		Filter: filter,
		Update: bson.D{{"$set", fields}},
		Upsert: &yes,
	}, nil
}

func (c *MongoCollection) MaxKey(ctx context.Context, key string) (bson.RawValue, bool, error) {
	opts := options.FindOne().
		SetSort(bson.D{{key, -1}}).
		SetProjection(bson.D{{key, 1}})

	raw, err := c.coll().FindOne(ctx, bson.D{{key, bson.D{{"$exists", true}}}}, opts).Raw()
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return bson.RawValue{}, false, nil
		}

		return bson.RawValue{}, false, errors.Wrap(err, "find one")
	}

	val, err := raw.LookupErr(key)
	if err != nil {
		return bson.RawValue{}, false, errors.Wrapf(err, "lookup %q", key)
	}

	return val, true, nil
}

func (c *MongoCollection) Indexes(ctx context.Context) ([]*topo.IndexSpecification, error) {
	return topo.ListIndexes(ctx, c.m, c.ns.Database, c.ns.Collection)
}

func (c *MongoCollection) CreateIndex(ctx context.Context, spec *topo.IndexSpecification) error {
	return topo.CreateIndex(ctx, c.m, c.ns.Database, c.ns.Collection, spec)
}

// MongoCluster lists and opens collections of a MongoDB deployment.
type MongoCluster struct {
	m *mongo.Client
}

func NewMongoCluster(m *mongo.Client) *MongoCluster {
	return &MongoCluster{m: m}
}

func (c *MongoCluster) ListCollections(ctx context.Context, db string) ([]string, error) {
	return topo.ListCollectionNames(ctx, c.m, db)
}

func (c *MongoCluster) Collection(ns sel.Namespace) Collection {
	return NewMongoCollection(c.m, ns)
}
