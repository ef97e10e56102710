package msync //nolint:testpackage

import (
	"context"
	"sync"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/percona/percona-mongosync/errors"
	"github.com/percona/percona-mongosync/msync/oplog"
	"github.com/percona/percona-mongosync/sel"
)

func insertEntry(t uint32, ns string, id int) bson.Raw {
	data, err := bson.Marshal(bson.D{
		{"ts", bson.Timestamp{T: t, I: 1}},
		{"op", "i"},
		{"ns", ns},
		{"o", bson.D{{"_id", id}}},
	})
	if err != nil {
		panic(err)
	}

	return data
}

// mockSource serves a fixed oplog. Heads are returned in order, the last
// one repeating.
type mockSource struct {
	mu        sync.Mutex
	entries   []bson.Raw
	heads     []bson.Timestamp
	tailErrs  []error
	tailCalls int
}

func (s *mockSource) Tail(_ context.Context, start, end bson.Timestamp, _ bson.D) (oplog.Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tailCalls++

	if len(s.tailErrs) != 0 {
		err := s.tailErrs[0]
		s.tailErrs = s.tailErrs[1:]

		if err != nil {
			return nil, err
		}
	}

	var docs []bson.Raw

	for _, raw := range s.entries {
		t, i := raw.Lookup("ts").Timestamp()
		pos := bson.Timestamp{T: t, I: i}

		if !pos.After(start) || (!end.IsZero() && !pos.Before(end)) {
			continue
		}

		docs = append(docs, raw)
	}

	return &mockCursor{docs: docs, idx: -1}, nil
}

func (s *mockSource) Head(context.Context) (bson.Timestamp, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.heads) == 0 {
		return bson.Timestamp{}, errors.New("empty oplog")
	}

	head := s.heads[0]
	if len(s.heads) > 1 {
		s.heads = s.heads[1:]
	}

	return head, nil
}

type mockCursor struct {
	docs []bson.Raw
	idx  int
}

func (c *mockCursor) TryNext(context.Context) bool {
	if c.idx+1 >= len(c.docs) {
		return false
	}

	c.idx++

	return true
}

func (c *mockCursor) Current() bson.Raw {
	return c.docs[c.idx]
}

func (c *mockCursor) Err() error {
	return nil
}

func (c *mockCursor) ID() int64 {
	return 1
}

func (c *mockCursor) Close(context.Context) error {
	return nil
}

// mockTarget records inserted _id values per namespace.
type mockTarget struct {
	mu      sync.Mutex
	inserts map[string][]int32
	panicOn int32
}

func (t *mockTarget) Insert(_ context.Context, ns sel.Namespace, doc bson.Raw) error {
	id := doc.Lookup("_id").Int32()
	if t.panicOn != 0 && id == t.panicOn {
		t.panicOn = 0

		panic("boom")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.inserts == nil {
		t.inserts = make(map[string][]int32)
	}

	t.inserts[ns.String()] = append(t.inserts[ns.String()], id)

	return nil
}

func (t *mockTarget) ids(ns string) []int32 {
	t.mu.Lock()
	defer t.mu.Unlock()

	return append([]int32(nil), t.inserts[ns]...)
}

func (t *mockTarget) Replace(context.Context, sel.Namespace, any, bson.Raw, bool) error {
	return nil
}

func (t *mockTarget) Update(context.Context, sel.Namespace, any, any, bool) error {
	return nil
}

func (t *mockTarget) Delete(context.Context, sel.Namespace, any) error {
	return nil
}

func (t *mockTarget) RunCommand(context.Context, string, bson.D) error {
	return nil
}

// mockStore keeps the checkpoint in memory.
type mockStore struct {
	mu      sync.Mutex
	ts      *bson.Timestamp
	saveErr error
	saves   int
}

func (s *mockStore) Load(context.Context) (bson.Timestamp, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ts == nil {
		return bson.Timestamp{}, false, nil
	}

	return *s.ts, true, nil
}

func (s *mockStore) Save(_ context.Context, ts bson.Timestamp) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.saves++

	if s.saveErr != nil {
		return s.saveErr
	}

	s.ts = &ts

	return nil
}

func (s *mockStore) get() (bson.Timestamp, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ts == nil {
		return bson.Timestamp{}, false
	}

	return *s.ts, true
}
