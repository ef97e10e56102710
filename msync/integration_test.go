//go:build integration

package msync_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/percona/percona-mongosync/msync"
	"github.com/percona/percona-mongosync/msync/bulk"
	"github.com/percona/percona-mongosync/msync/checkpoint"
	"github.com/percona/percona-mongosync/msync/oplog"
	"github.com/percona/percona-mongosync/sel"
	"github.com/percona/percona-mongosync/topo"
)

//nolint:gochecknoglobals
var mongoURI string

func TestMain(m *testing.M) {
	ctx := context.Background()

	mongoVersion := os.Getenv("MONGO_VERSION")
	if mongoVersion == "" {
		mongoVersion = "8.0"
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "mongo:" + mongoVersion,
			ExposedPorts: []string{"27017/tcp"},
			Cmd:          []string{"--replSet", "rs0", "--bind_ip_all"},
			WaitingFor:   wait.ForLog("Waiting for connections").WithStartupTimeout(2 * time.Minute),
		},
		Started: true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start mongod: %v\n", err)
		os.Exit(1)
	}

	host, _ := container.Host(ctx)
	port, _ := container.MappedPort(ctx, "27017/tcp")
	mongoURI = fmt.Sprintf("mongodb://%s:%s/?directConnection=true", host, port.Port())

	err = initReplicaSet(ctx, mongoURI)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to init replica set: %v\n", err)
		_ = testcontainers.TerminateContainer(container)
		os.Exit(1)
	}

	exitCode := m.Run()

	_ = testcontainers.TerminateContainer(container)

	os.Exit(exitCode)
}

func initReplicaSet(ctx context.Context, uri string) error {
	m, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return err
	}
	defer m.Disconnect(ctx) //nolint:errcheck

	err = m.Database("admin").RunCommand(ctx, bson.D{{"replSetInitiate", bson.D{
		{"_id", "rs0"},
		{"members", bson.A{bson.D{{"_id", 0}, {"host", "localhost:27017"}}}},
	}}}).Err()
	if err != nil {
		return err
	}

	deadline := time.Now().Add(time.Minute)
	for time.Now().Before(deadline) {
		var hello struct {
			IsWritablePrimary bool `bson:"isWritablePrimary"`
		}

		err = m.Database("admin").RunCommand(ctx, bson.D{{"hello", 1}}).Decode(&hello)
		if err == nil && hello.IsWritablePrimary {
			return nil
		}

		time.Sleep(500 * time.Millisecond)
	}

	return fmt.Errorf("no primary: %v", err)
}

func connect(t *testing.T) *mongo.Client {
	t.Helper()

	m, err := topo.Connect(t.Context(), mongoURI, nil)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = m.Disconnect(context.Background())
	})

	return m
}

func dropDatabases(t *testing.T, m *mongo.Client, dbs ...string) {
	t.Helper()

	for _, db := range dbs {
		require.NoError(t, m.Database(db).Drop(t.Context()))
	}
}

func findAll(t *testing.T, m *mongo.Client, db, coll string) []bson.M {
	t.Helper()

	cur, err := m.Database(db).Collection(coll).Find(t.Context(), bson.D{},
		options.Find().SetSort(bson.D{{"_id", 1}}))
	require.NoError(t, err)

	var docs []bson.M
	require.NoError(t, cur.All(t.Context(), &docs))

	return docs
}

func TestBulkSyncAutoCopiesDocumentsAndIndexes(t *testing.T) {
	m := connect(t)
	ctx := t.Context()

	dropDatabases(t, m, "it_bulk_src", "it_bulk_dst")

	orders := m.Database("it_bulk_src").Collection("orders")
	_, err := orders.InsertMany(ctx, []any{
		bson.D{{"_id", 1}, {"datetime", 1}},
		bson.D{{"_id", 2}, {"datetime", 2}},
	})
	require.NoError(t, err)

	_, err = orders.Indexes().CreateOne(ctx, mongo.IndexModel{Keys: bson.D{{"datetime", 1}}})
	require.NoError(t, err)

	cluster := bulk.NewMongoCluster(m)
	cs := bulk.NewCollectionSync(
		cluster.Collection(sel.Namespace{Database: "it_bulk_src", Collection: "orders"}),
		cluster.Collection(sel.Namespace{Database: "it_bulk_dst", Collection: "orders"}),
		bulk.Options{})

	res, err := cs.Sync(ctx, bulk.ModeAuto)
	require.NoError(t, err)
	assert.Equal(t, bulk.ModeInsert, res.Mode)
	assert.EqualValues(t, 2, res.Documents)
	assert.Equal(t, 1, res.Indexes)

	assert.Equal(t, []bson.M{
		{"_id": int32(1), "datetime": int32(1)},
		{"_id": int32(2), "datetime": int32(2)},
	}, findAll(t, m, "it_bulk_dst", "orders"))

	specs, err := m.Database("it_bulk_dst").Collection("orders").Indexes().ListSpecifications(ctx)
	require.NoError(t, err)

	names := make([]string, len(specs))
	for i, spec := range specs {
		names[i] = spec.Name
	}

	assert.ElementsMatch(t, []string{"_id_", "datetime_1"}, names)

	res, err = cs.Sync(ctx, bulk.ModeAuto)
	require.NoError(t, err)
	assert.Equal(t, bulk.ModeUpdate, res.Mode)
	assert.Len(t, findAll(t, m, "it_bulk_dst", "orders"), 2)
}

func TestKeyPullIsResumable(t *testing.T) {
	m := connect(t)
	ctx := t.Context()

	dropDatabases(t, m, "it_pull_src", "it_pull_dst")

	events := m.Database("it_pull_src").Collection("events")
	for i := range 5 {
		_, err := events.InsertOne(ctx, bson.D{{"_id", i}, {"datetime", i}})
		require.NoError(t, err)
	}

	cluster := bulk.NewMongoCluster(m)
	source := cluster.Collection(sel.Namespace{Database: "it_pull_src", Collection: "events"})
	target := cluster.Collection(sel.Namespace{Database: "it_pull_dst", Collection: "events"})

	res, err := bulk.KeyPull(ctx, source, target, bulk.KeyPullOptions{ChunkSize: 2})
	require.NoError(t, err)
	assert.EqualValues(t, 5, res.Documents)

	res, err = bulk.KeyPull(ctx, source, target, bulk.KeyPullOptions{ChunkSize: 2})
	require.NoError(t, err)
	assert.EqualValues(t, 0, res.Documents)

	_, err = events.InsertOne(ctx, bson.D{{"_id", 5}, {"datetime", 5}})
	require.NoError(t, err)

	res, err = bulk.KeyPull(ctx, source, target, bulk.KeyPullOptions{ChunkSize: 2})
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.Documents)
	assert.Len(t, findAll(t, m, "it_pull_dst", "events"), 6)
}

func TestApplyDeleteRemovesOnlyMatchedDocument(t *testing.T) {
	m := connect(t)
	ctx := t.Context()

	dropDatabases(t, m, "it_del")

	orders := m.Database("it_del").Collection("orders")
	_, err := orders.InsertMany(ctx, []any{bson.D{{"_id", 1}}, bson.D{{"_id", 2}}, bson.D{{"_id", 3}}})
	require.NoError(t, err)

	mapper, err := sel.NewMapper(sel.DBMap{"it_del": "it_del"}, nil)
	require.NoError(t, err)

	raw, err := bson.Marshal(bson.D{
		{"ts", bson.Timestamp{T: 1, I: 1}},
		{"op", "d"},
		{"ns", "it_del.orders"},
		{"o", bson.D{{"_id", 2}}},
	})
	require.NoError(t, err)

	entry, err := oplog.DecodeEntry(raw)
	require.NoError(t, err)

	executor := oplog.NewExecutor(oplog.NewMongoTarget(m), mapper, oplog.ExecutorOptions{})

	res, err := executor.Apply(ctx, entry)
	require.NoError(t, err)
	assert.Equal(t, oplog.Applied, res)

	// replay is harmless
	_, err = executor.Apply(ctx, entry)
	require.NoError(t, err)

	assert.Equal(t, []bson.M{{"_id": int32(1)}, {"_id": int32(3)}}, findAll(t, m, "it_del", "orders"))
}

func TestOplogReplicationFromHead(t *testing.T) {
	m := connect(t)
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	dropDatabases(t, m, "it_shop", "it_shop_copy")

	source := m.Database("it_shop").Collection("orders")

	_, err := source.InsertOne(ctx, bson.D{{"_id", "before"}})
	require.NoError(t, err)

	mapper, err := sel.NewMapper(sel.DBMap{"it_shop": "it_shop_copy"}, nil)
	require.NoError(t, err)

	store := checkpoint.NewFileStore(filepath.Join(t.TempDir(), "oplog.ts"))

	mgr, err := msync.NewManager(oplog.NewMongoSource(m), oplog.NewMongoTarget(m), mapper, store, msync.Options{
		Await:              100 * time.Millisecond,
		SuperviseInterval:  time.Second,
		CheckpointInterval: 100 * time.Millisecond,
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- mgr.Start(ctx)
	}()

	require.Eventually(t, func() bool {
		return mgr.Status().State == msync.StateRunning
	}, 10*time.Second, 50*time.Millisecond)

	assert.Equal(t, oplog.StartHead, mgr.Status().StartFrom)

	_, err = source.InsertMany(ctx, []any{
		bson.D{{"_id", 1}, {"qty", 1}},
		bson.D{{"_id", 2}, {"qty", 2}},
	})
	require.NoError(t, err)

	_, err = source.UpdateOne(ctx, bson.D{{"_id", 1}}, bson.D{{"$set", bson.D{{"qty", 5}}}})
	require.NoError(t, err)

	_, err = source.DeleteOne(ctx, bson.D{{"_id", 2}})
	require.NoError(t, err)

	_, err = m.Database("other").Collection("orders").InsertOne(ctx, bson.D{{"_id", 1}})
	require.NoError(t, err)

	want := []bson.M{{"_id": int32(1), "qty": int32(5)}}

	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual(want, findAll(t, m, "it_shop_copy", "orders"))
	}, 20*time.Second, 100*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, msync.StateStopped, mgr.Status().State)

	ts, found, err := store.Load(context.Background())
	require.NoError(t, err)
	require.True(t, found)

	last, err := oplog.NewMongoSource(m).Head(context.Background())
	require.NoError(t, err)
	assert.False(t, ts.After(last))

	count, err := m.Database("it_shop_copy").Collection("orders").CountDocuments(context.Background(),
		bson.D{{"_id", "before"}})
	require.NoError(t, err)
	assert.Zero(t, count, "entries before the start are not replayed")
}

func TestOplogFilterMatchesTransactions(t *testing.T) {
	m := connect(t)
	ctx := t.Context()

	dropDatabases(t, m, "it_txn")

	coll := m.Database("it_txn").Collection("orders")
	_, err := coll.InsertOne(ctx, bson.D{{"_id", 0}})
	require.NoError(t, err)

	head, err := oplog.NewMongoSource(m).Head(ctx)
	require.NoError(t, err)

	sess, err := m.StartSession()
	require.NoError(t, err)
	defer sess.EndSession(context.Background())

	_, err = sess.WithTransaction(ctx, func(ctx context.Context) (any, error) {
		_, err := coll.InsertMany(ctx, []any{bson.D{{"_id", 1}}, bson.D{{"_id", 2}}})

		return nil, err //nolint:wrapcheck
	})
	require.NoError(t, err)

	mapper, err := sel.NewMapper(sel.DBMap{"it_txn": "it_txn_copy"}, nil)
	require.NoError(t, err)

	filter := bson.D{
		{"ts", bson.D{{"$gt", head}}},
		{"$and", bson.A{mapper.OplogFilter()}},
	}

	cur, err := m.Database("local").Collection("oplog.rs").Find(ctx, filter)
	require.NoError(t, err)

	var entries []bson.M
	require.NoError(t, cur.All(ctx, &entries))

	require.Len(t, entries, 1)
	assert.Equal(t, "admin.$cmd", entries[0]["ns"])
}

func TestMongoCheckpointStore(t *testing.T) {
	m := connect(t)
	ctx := t.Context()

	store := checkpoint.NewMongoStore(m, "it-job-"+t.Name())

	_, found, err := store.Load(ctx)
	require.NoError(t, err)
	assert.False(t, found)

	for _, ts := range []bson.Timestamp{{T: 10, I: 1}, {T: 20, I: 3}} {
		require.NoError(t, store.Save(ctx, ts))

		got, found, err := store.Load(ctx)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, ts, got)
	}
}
