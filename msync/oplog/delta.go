package oplog

import (
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/percona/percona-mongosync/errors"
)

// ErrInvalidDelta is returned for an update payload that cannot be replayed.
var ErrInvalidDelta = errors.New("invalid update delta")

// updatePlan is how an update entry is replayed on the target.
type updatePlan struct {
	// replacement is set when the payload is a whole document.
	replacement bson.Raw
	// updates are applied in order as upserts.
	updates []bson.D
}

// planUpdate classifies an update payload:
//   - {$v: 2, diff: {...}}: a delta translated to classic update operators
//   - {$set: ..., $unset: ...}: applied as is ($v is dropped)
//   - any other document: a replacement
func planUpdate(o bson.Raw) (updatePlan, error) {
	elems, err := o.Elements()
	if err != nil {
		return updatePlan{}, errors.Wrap(err, "read update")
	}

	if len(elems) == 0 {
		return updatePlan{}, errors.Wrap(ErrInvalidDelta, "empty update")
	}

	if v, ok := o.Lookup("$v").AsInt64OK(); ok && v == 2 { //nolint:mnd
		diff, ok := o.Lookup("diff").DocumentOK()
		if !ok {
			return updatePlan{}, errors.Wrap(ErrInvalidDelta, "missing diff")
		}

		updates, err := translateDiff(diff)
		if err != nil {
			return updatePlan{}, err
		}

		return updatePlan{updates: updates}, nil
	}

	var ops bson.D

	for _, el := range elems {
		key := el.Key()
		if key == "$v" {
			continue
		}

		if !strings.HasPrefix(key, "$") {
			return updatePlan{replacement: o}, nil
		}

		ops = append(ops, bson.E{Key: key, Value: el.Value()})
	}

	if len(ops) == 0 {
		return updatePlan{}, nil
	}

	return updatePlan{updates: []bson.D{ops}}, nil
}

type diffBuilder struct {
	set      bson.D
	unset    bson.D
	truncate bson.D
}

// translateDiff converts a $v:2 diff into update documents. Array
// truncations go into a separate first update so they do not conflict
// with element updates of the same array.
func translateDiff(diff bson.Raw) ([]bson.D, error) {
	var b diffBuilder

	err := b.walk("", diff)
	if err != nil {
		return nil, err
	}

	var rv []bson.D

	if len(b.truncate) != 0 {
		rv = append(rv, bson.D{{"$push", b.truncate}})
	}

	var stage bson.D
	if len(b.set) != 0 {
		stage = append(stage, bson.E{Key: "$set", Value: b.set})
	}

	if len(b.unset) != 0 {
		stage = append(stage, bson.E{Key: "$unset", Value: b.unset})
	}

	if len(stage) != 0 {
		rv = append(rv, stage)
	}

	return rv, nil
}

func joinPath(prefix, field string) string {
	if prefix == "" {
		return field
	}

	return prefix + "." + field
}

func (b *diffBuilder) walk(prefix string, diff bson.Raw) error {
	elems, err := diff.Elements()
	if err != nil {
		return errors.Wrapf(ErrInvalidDelta, "read diff at %q: %v", prefix, err)
	}

	if isArray, _ := diff.Lookup("a").BooleanOK(); isArray {
		return b.walkArray(prefix, elems)
	}

	for _, el := range elems {
		key := el.Key()

		switch {
		case key == "u" || key == "i":
			fields, ok := el.Value().DocumentOK()
			if !ok {
				return errors.Wrapf(ErrInvalidDelta, "%q at %q is not a document", key, prefix)
			}

			fieldElems, _ := fields.Elements()
			for _, f := range fieldElems {
				b.set = append(b.set, bson.E{Key: joinPath(prefix, f.Key()), Value: f.Value()})
			}

		case key == "d":
			fields, ok := el.Value().DocumentOK()
			if !ok {
				return errors.Wrapf(ErrInvalidDelta, "%q at %q is not a document", key, prefix)
			}

			fieldElems, _ := fields.Elements()
			for _, f := range fieldElems {
				b.unset = append(b.unset, bson.E{Key: joinPath(prefix, f.Key()), Value: ""})
			}

		case len(key) > 1 && key[0] == 's':
			sub, ok := el.Value().DocumentOK()
			if !ok {
				return errors.Wrapf(ErrInvalidDelta, "%q at %q is not a document", key, prefix)
			}

			err := b.walk(joinPath(prefix, key[1:]), sub)
			if err != nil {
				return err
			}

		default:
			return errors.Wrapf(ErrInvalidDelta, "unknown field %q at %q", key, prefix)
		}
	}

	return nil
}

func (b *diffBuilder) walkArray(prefix string, elems []bson.RawElement) error {
	if prefix == "" {
		return errors.Wrap(ErrInvalidDelta, "array diff at the document root")
	}

	for _, el := range elems {
		key := el.Key()

		switch {
		case key == "a":
			continue

		case key == "l":
			size, ok := el.Value().AsInt64OK()
			if !ok {
				return errors.Wrapf(ErrInvalidDelta, "array length at %q is not a number", prefix)
			}

			b.truncate = append(b.truncate, bson.E{Key: prefix, Value: bson.D{
				{"$each", bson.A{}},
				{"$slice", size},
			}})

		case len(key) > 1 && key[0] == 'u':
			b.set = append(b.set, bson.E{Key: joinPath(prefix, key[1:]), Value: el.Value()})

		case len(key) > 1 && key[0] == 's':
			sub, ok := el.Value().DocumentOK()
			if !ok {
				return errors.Wrapf(ErrInvalidDelta, "%q at %q is not a document", key, prefix)
			}

			err := b.walk(joinPath(prefix, key[1:]), sub)
			if err != nil {
				return err
			}

		default:
			return errors.Wrapf(ErrInvalidDelta, "unknown array field %q at %q", key, prefix)
		}
	}

	return nil
}
