package bulk_test

import (
	"context"
	"slices"
	"sync"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/percona/percona-mongosync/errors"
	"github.com/percona/percona-mongosync/msync/bulk"
	"github.com/percona/percona-mongosync/sel"
	"github.com/percona/percona-mongosync/topo"
)

func doc(kv ...any) bson.Raw {
	d := bson.D{}
	for i := 0; i < len(kv); i += 2 {
		d = append(d, bson.E{Key: kv[i].(string), Value: kv[i+1]}) //nolint:forcetypeassert
	}

	data, err := bson.Marshal(d)
	if err != nil {
		panic(err)
	}

	return data
}

func index(name string, key string) *topo.IndexSpecification {
	keys, err := bson.Marshal(bson.D{{key, int32(1)}})
	if err != nil {
		panic(err)
	}

	return &topo.IndexSpecification{
		Name:         name,
		Namespace:    "db.orders",
		KeysDocument: keys,
		Version:      2,
	}
}

// fakeCollection keeps documents in insertion order. Scan understands an
// empty filter and {key: {$gt: n}} on integer keys.
type fakeCollection struct {
	mu sync.Mutex
	ns sel.Namespace

	docs    []bson.Raw
	indexes []*topo.IndexSpecification
	missing bool

	created   []*topo.IndexSpecification
	calls     []string
	writes    int
	failWrite int
	indexErr  map[string]error
	scanErr   error
}

func (c *fakeCollection) Namespace() sel.Namespace {
	return c.ns
}

func (c *fakeCollection) Scan(_ context.Context, filter bson.D, size int, fn func([]bson.Raw) error) error {
	c.mu.Lock()

	if c.scanErr != nil {
		c.mu.Unlock()

		return c.scanErr
	}

	var matched []bson.Raw

	for _, d := range c.docs {
		if matches(d, filter) {
			matched = append(matched, d)
		}
	}

	c.mu.Unlock()

	for chunk := range slices.Chunk(matched, size) {
		err := fn(chunk)
		if err != nil {
			return err
		}
	}

	return nil
}

func matches(d bson.Raw, filter bson.D) bool {
	if len(filter) == 0 {
		return true
	}

	cond := filter[0].Value.(bson.D)     //nolint:forcetypeassert
	gt := cond[0].Value.(bson.RawValue) //nolint:forcetypeassert

	v, ok := d.Lookup(filter[0].Key).AsInt64OK()

	return ok && v > gt.AsInt64()
}

func (c *fakeCollection) IsEmpty(context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.docs) == 0, nil
}

func (c *fakeCollection) find(id bson.RawValue) int {
	return slices.IndexFunc(c.docs, func(d bson.Raw) bool {
		return d.Lookup("_id").Equal(id)
	})
}

func (c *fakeCollection) write(kind string, docs []bson.Raw) error {
	c.writes++
	c.calls = append(c.calls, kind)

	if c.failWrite == c.writes {
		return errors.New("write failed")
	}

	return nil
}

func (c *fakeCollection) InsertMany(_ context.Context, docs []bson.Raw) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	err := c.write("insert", docs)
	if err != nil {
		return 0, err
	}

	for _, d := range docs {
		if c.find(d.Lookup("_id")) != -1 {
			return 0, errors.New("E11000 duplicate key error")
		}
	}

	c.docs = append(c.docs, docs...)

	return len(docs), nil
}

func (c *fakeCollection) UpsertMany(_ context.Context, docs []bson.Raw) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	err := c.write("upsert", docs)
	if err != nil {
		return 0, err
	}

	for _, d := range docs {
		i := c.find(d.Lookup("_id"))
		if i == -1 {
			c.docs = append(c.docs, d)

			continue
		}

		c.docs[i] = merge(c.docs[i], d)
	}

	return len(docs), nil
}

func merge(dst, src bson.Raw) bson.Raw {
	var a, b bson.D

	_ = bson.Unmarshal(dst, &a)
	_ = bson.Unmarshal(src, &b)

	for _, e := range b {
		i := slices.IndexFunc(a, func(x bson.E) bool { return x.Key == e.Key })
		if i == -1 {
			a = append(a, e)
		} else {
			a[i].Value = e.Value
		}
	}

	data, _ := bson.Marshal(a)

	return data
}

func (c *fakeCollection) MaxKey(_ context.Context, key string) (bson.RawValue, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var (
		best  bson.RawValue
		found bool
	)

	for _, d := range c.docs {
		v, err := d.LookupErr(key)
		if err != nil {
			continue
		}

		if !found || v.AsInt64() > best.AsInt64() {
			best, found = v, true
		}
	}

	return best, found, nil
}

func (c *fakeCollection) Indexes(context.Context) ([]*topo.IndexSpecification, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.missing {
		return nil, topo.ErrNotFound
	}

	return c.indexes, nil
}

func (c *fakeCollection) CreateIndex(_ context.Context, spec *topo.IndexSpecification) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls = append(c.calls, "index:"+spec.Name)

	if err := c.indexErr[spec.Name]; err != nil {
		return err
	}

	c.created = append(c.created, spec)

	return nil
}

func (c *fakeCollection) ids() []int32 {
	c.mu.Lock()
	defer c.mu.Unlock()

	rv := make([]int32, 0, len(c.docs))
	for _, d := range c.docs {
		rv = append(rv, d.Lookup("_id").Int32())
	}

	return rv
}

// fakeCluster creates empty collections on first use.
type fakeCluster struct {
	mu    sync.Mutex
	colls map[string]*fakeCollection
}

func newFakeCluster(colls ...*fakeCollection) *fakeCluster {
	c := &fakeCluster{colls: make(map[string]*fakeCollection)}
	for _, coll := range colls {
		c.colls[coll.ns.String()] = coll
	}

	return c
}

func (c *fakeCluster) ListCollections(_ context.Context, db string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var names []string

	for _, coll := range c.colls {
		if coll.ns.Database == db {
			names = append(names, coll.ns.Collection)
		}
	}

	slices.Sort(names)

	return names, nil
}

func (c *fakeCluster) Collection(ns sel.Namespace) bulk.Collection {
	return c.get(ns)
}

func (c *fakeCluster) get(ns sel.Namespace) *fakeCollection {
	c.mu.Lock()
	defer c.mu.Unlock()

	coll, ok := c.colls[ns.String()]
	if !ok {
		coll = &fakeCollection{ns: ns}
		c.colls[ns.String()] = coll
	}

	return coll
}

func dialer(clusters map[string]*fakeCluster) bulk.Dialer {
	return func(_ context.Context, uri string) (bulk.Cluster, func(context.Context) error, error) {
		c, ok := clusters[uri]
		if !ok {
			return nil, nil, errors.Errorf("no route to %s", uri)
		}

		return c, func(context.Context) error { return nil }, nil
	}
}
