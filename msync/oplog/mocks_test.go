package oplog_test

import (
	"context"
	"sync"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/percona/percona-mongosync/msync/oplog"
	"github.com/percona/percona-mongosync/sel"
)

func marshal(v any) bson.Raw {
	if raw, ok := v.(bson.Raw); ok {
		return raw
	}

	data, err := bson.Marshal(v)
	if err != nil {
		panic(err)
	}

	return data
}

func entry(ts uint32, op, ns string, o any, o2 any) bson.Raw {
	doc := bson.D{
		{"ts", bson.Timestamp{T: ts, I: 1}},
		{"op", op},
		{"ns", ns},
		{"o", o},
	}
	if o2 != nil {
		doc = append(doc, bson.E{Key: "o2", Value: o2})
	}

	return marshal(doc)
}

// fakeTarget is an in-memory target that understands $set and $unset.
type fakeTarget struct {
	mu       sync.Mutex
	colls    map[string]map[string]bson.D
	commands []bson.D
	cmdErr   map[string]error
	writeErr error
	replaces int
}

func newFakeTarget() *fakeTarget {
	return &fakeTarget{colls: make(map[string]map[string]bson.D)}
}

func (f *fakeTarget) coll(ns sel.Namespace) map[string]bson.D {
	c, ok := f.colls[ns.String()]
	if !ok {
		c = make(map[string]bson.D)
		f.colls[ns.String()] = c
	}

	return c
}

func idOf(filter any) (string, bson.RawValue) {
	v := marshal(filter).Lookup("_id")

	return v.String(), v
}

func decode(doc any) bson.D {
	var d bson.D

	err := bson.Unmarshal(marshal(doc), &d)
	if err != nil {
		panic(err)
	}

	return d
}

func (f *fakeTarget) Insert(_ context.Context, ns sel.Namespace, doc bson.Raw) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.writeErr != nil {
		return f.writeErr
	}

	key, _ := idOf(doc)
	c := f.coll(ns)

	if _, ok := c[key]; ok {
		return mongo.WriteException{WriteErrors: []mongo.WriteError{{
			Code:    11000,
			Message: "E11000 duplicate key error",
		}}}
	}

	c[key] = decode(doc)

	return nil
}

func (f *fakeTarget) Replace(_ context.Context, ns sel.Namespace, filter any, doc bson.Raw, upsert bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.writeErr != nil {
		return f.writeErr
	}

	f.replaces++

	key, id := idOf(filter)
	c := f.coll(ns)

	if _, ok := c[key]; !ok && !upsert {
		return nil
	}

	d := decode(doc)
	if len(d) == 0 || d[0].Key != "_id" {
		d = append(bson.D{{"_id", id}}, d...)
	}

	c[key] = d

	return nil
}

func (f *fakeTarget) Update(_ context.Context, ns sel.Namespace, filter any, update any, upsert bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.writeErr != nil {
		return f.writeErr
	}

	key, id := idOf(filter)
	c := f.coll(ns)

	doc, ok := c[key]
	if !ok {
		if !upsert {
			return nil
		}

		doc = bson.D{{"_id", id}}
	}

	for _, op := range decode(update) {
		fields, _ := op.Value.(bson.D)

		for _, field := range fields {
			switch op.Key {
			case "$set":
				doc = setField(doc, field.Key, field.Value)
			case "$unset":
				doc = unsetField(doc, field.Key)
			}
		}
	}

	c[key] = doc

	return nil
}

func setField(doc bson.D, key string, val any) bson.D {
	for i := range doc {
		if doc[i].Key == key {
			doc[i].Value = val

			return doc
		}
	}

	return append(doc, bson.E{Key: key, Value: val})
}

func unsetField(doc bson.D, key string) bson.D {
	rv := doc[:0:0]
	for _, e := range doc {
		if e.Key != key {
			rv = append(rv, e)
		}
	}

	return rv
}

func (f *fakeTarget) Delete(_ context.Context, ns sel.Namespace, filter any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.writeErr != nil {
		return f.writeErr
	}

	key, _ := idOf(filter)
	delete(f.coll(ns), key)

	return nil
}

func (f *fakeTarget) RunCommand(_ context.Context, _ string, cmd bson.D) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.commands = append(f.commands, cmd)

	return f.cmdErr[cmd[0].Key]
}

func (f *fakeTarget) get(ns string, id int32) (bson.D, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key, _ := idOf(bson.D{{"_id", id}})
	doc, ok := f.colls[ns][key]

	return doc, ok
}

func (f *fakeTarget) count(ns string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.colls[ns])
}

// fakeSource serves cursors in order. Heads are returned in order, the last
// one repeating.
type fakeSource struct {
	mu      sync.Mutex
	cursors []*fakeCursor
	heads   []bson.Timestamp
	starts  []bson.Timestamp
	tailErr error
}

func (s *fakeSource) Tail(_ context.Context, start, _ bson.Timestamp, _ bson.D) (oplog.Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.starts = append(s.starts, start)

	if s.tailErr != nil {
		return nil, s.tailErr
	}

	if len(s.cursors) == 0 {
		return &fakeCursor{id: 1}, nil
	}

	cur := s.cursors[0]
	s.cursors = s.cursors[1:]

	return cur, nil
}

func (s *fakeSource) Head(context.Context) (bson.Timestamp, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	head := s.heads[0]
	if len(s.heads) > 1 {
		s.heads = s.heads[1:]
	}

	return head, nil
}

func (s *fakeSource) tailStarts() []bson.Timestamp {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]bson.Timestamp(nil), s.starts...)
}

type fakeCursor struct {
	docs []bson.Raw
	idx  int
	id   int64
	err  error
}

func (c *fakeCursor) TryNext(context.Context) bool {
	if c.idx >= len(c.docs) {
		return false
	}

	c.idx++

	return true
}

func (c *fakeCursor) Current() bson.Raw {
	return c.docs[c.idx-1]
}

func (c *fakeCursor) Err() error {
	if c.idx < len(c.docs) {
		return nil
	}

	return c.err
}

func (c *fakeCursor) ID() int64 {
	return c.id
}

func (c *fakeCursor) Close(context.Context) error {
	return nil
}
