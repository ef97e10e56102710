package oplog

import (
	"context"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/percona/percona-mongosync/errors"
	"github.com/percona/percona-mongosync/sel"
)

// MongoSource reads local.oplog.rs of a replica set member.
type MongoSource struct {
	oplog *mongo.Collection
}

func NewMongoSource(m *mongo.Client) *MongoSource {
	return &MongoSource{oplog: m.Database("local").Collection("oplog.rs")}
}

func (s *MongoSource) Tail(ctx context.Context, start, end bson.Timestamp, filter bson.D) (Cursor, error) {
	tsRange := bson.D{{"$gt", start}}
	if !end.IsZero() {
		tsRange = append(tsRange, bson.E{Key: "$lt", Value: end})
	}

	query := append(bson.D{{"ts", tsRange}}, filter...)

	cur, err := s.oplog.Find(ctx, query, options.Find().SetCursorType(options.Tailable))
	if err != nil {
		return nil, errors.Wrap(err, "find")
	}

	return mongoCursor{cur}, nil
}

func (s *MongoSource) Head(ctx context.Context) (bson.Timestamp, error) {
	var doc struct {
		TS bson.Timestamp `bson:"ts"`
	}

	err := s.oplog.FindOne(ctx, bson.D{},
		options.FindOne().
			SetSort(bson.D{{"$natural", -1}}).
			SetProjection(bson.D{{"ts", 1}})).
		Decode(&doc)
	if err != nil {
		return bson.Timestamp{}, errors.Wrap(err, "find last entry")
	}

	return doc.TS, nil
}

type mongoCursor struct {
	cur *mongo.Cursor
}

func (c mongoCursor) TryNext(ctx context.Context) bool {
	return c.cur.TryNext(ctx)
}

func (c mongoCursor) Current() bson.Raw {
	return c.cur.Current
}

func (c mongoCursor) Err() error {
	return c.cur.Err() //nolint:wrapcheck
}

func (c mongoCursor) ID() int64 {
	return c.cur.ID()
}

func (c mongoCursor) Close(ctx context.Context) error {
	return c.cur.Close(ctx) //nolint:wrapcheck
}

// MongoTarget writes to a target cluster.
type MongoTarget struct {
	client *mongo.Client
}

func NewMongoTarget(m *mongo.Client) *MongoTarget {
	return &MongoTarget{client: m}
}

func (t *MongoTarget) coll(ns sel.Namespace) *mongo.Collection {
	return t.client.Database(ns.Database).Collection(ns.Collection)
}

func (t *MongoTarget) Insert(ctx context.Context, ns sel.Namespace, doc bson.Raw) error {
	_, err := t.coll(ns).InsertOne(ctx, doc)

	return err //nolint:wrapcheck
}

func (t *MongoTarget) Replace(
	ctx context.Context,
	ns sel.Namespace,
	filter any,
	doc bson.Raw,
	upsert bool,
) error {
	_, err := t.coll(ns).ReplaceOne(ctx, filter, doc, options.Replace().SetUpsert(upsert))

	return err //nolint:wrapcheck
}

func (t *MongoTarget) Update(
	ctx context.Context,
	ns sel.Namespace,
	filter any,
	update any,
	upsert bool,
) error {
	_, err := t.coll(ns).UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(upsert))

	return err //nolint:wrapcheck
}

func (t *MongoTarget) Delete(ctx context.Context, ns sel.Namespace, filter any) error {
	_, err := t.coll(ns).DeleteOne(ctx, filter)

	return err //nolint:wrapcheck
}

func (t *MongoTarget) RunCommand(ctx context.Context, db string, cmd bson.D) error {
	return t.client.Database(db).RunCommand(ctx, cmd).Err() //nolint:wrapcheck
}
