package oplog //nolint:testpackage

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
)

func mustMarshal(t *testing.T, v any) bson.Raw {
	t.Helper()

	data, err := bson.Marshal(v)
	require.NoError(t, err)

	return data
}

func extJSON(t *testing.T, docs []bson.D) []string {
	t.Helper()

	rv := make([]string, len(docs))
	for i, doc := range docs {
		data, err := bson.MarshalExtJSON(doc, false, false)
		require.NoError(t, err)

		rv[i] = string(data)
	}

	return rv
}

func TestPlanUpdate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		o    bson.D
		want []string
	}{
		{
			name: "diff set and unset",
			o: bson.D{{"$v", 2}, {"diff", bson.D{
				{"u", bson.D{{"a", 1}}},
				{"d", bson.D{{"b", false}}},
			}}},
			want: []string{`{"$set":{"a":1},"$unset":{"b":""}}`},
		},
		{
			name: "diff insert into subdocument",
			o: bson.D{{"$v", 2}, {"diff", bson.D{
				{"sx", bson.D{{"i", bson.D{{"y", 2}}}}},
			}}},
			want: []string{`{"$set":{"x.y":2}}`},
		},
		{
			name: "diff array truncate and element update",
			o: bson.D{{"$v", 2}, {"diff", bson.D{
				{"sarr", bson.D{{"a", true}, {"l", 2}, {"u1", "z"}}},
			}}},
			want: []string{
				`{"$push":{"arr":{"$each":[],"$slice":2}}}`,
				`{"$set":{"arr.1":"z"}}`,
			},
		},
		{
			name: "diff array element subdocument",
			o: bson.D{{"$v", 2}, {"diff", bson.D{
				{"sarr", bson.D{{"a", true}, {"s0", bson.D{{"u", bson.D{{"k", 1}}}}}}},
			}}},
			want: []string{`{"$set":{"arr.0.k":1}}`},
		},
		{
			name: "operators",
			o:    bson.D{{"$v", 1}, {"$set", bson.D{{"a", 1}}}, {"$unset", bson.D{{"b", 1}}}},
			want: []string{`{"$set":{"a":1},"$unset":{"b":1}}`},
		},
		{
			name: "empty diff",
			o:    bson.D{{"$v", 2}, {"diff", bson.D{}}},
			want: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			plan, err := planUpdate(mustMarshal(t, tt.o))
			require.NoError(t, err)
			assert.Nil(t, plan.replacement)

			if diff := cmp.Diff(tt.want, extJSON(t, plan.updates)); diff != "" {
				t.Errorf("updates mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestPlanUpdateReplacement(t *testing.T) {
	t.Parallel()

	o := mustMarshal(t, bson.D{{"_id", 1}, {"a", 1}})

	plan, err := planUpdate(o)
	require.NoError(t, err)
	assert.Equal(t, o, plan.replacement)
	assert.Empty(t, plan.updates)
}

func TestPlanUpdateInvalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		o    bson.D
	}{
		{name: "empty", o: bson.D{}},
		{name: "missing diff", o: bson.D{{"$v", 2}}},
		{name: "unknown diff field", o: bson.D{{"$v", 2}, {"diff", bson.D{{"x", bson.D{}}}}}},
		{name: "array at root", o: bson.D{{"$v", 2}, {"diff", bson.D{{"a", true}}}}},
		{name: "update is not a document", o: bson.D{{"$v", 2}, {"diff", bson.D{{"u", 1}}}}},
		{name: "bad array length", o: bson.D{{"$v", 2}, {"diff", bson.D{
			{"sarr", bson.D{{"a", true}, {"l", "two"}}},
		}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := planUpdate(mustMarshal(t, tt.o))
			require.ErrorIs(t, err, ErrInvalidDelta)
		})
	}
}
