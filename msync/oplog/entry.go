package oplog

import (
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/percona/percona-mongosync/errors"
	"github.com/percona/percona-mongosync/sel"
)

// OpKind is the operation recorded by an oplog entry.
type OpKind int

const (
	OpUnknown OpKind = iota
	OpInsert
	OpUpdate
	OpDelete
	OpCommand
	OpNoop
)

// ParseOpKind maps the oplog "op" code.
func ParseOpKind(code string) OpKind {
	switch code {
	case "i":
		return OpInsert
	case "u":
		return OpUpdate
	case "d":
		return OpDelete
	case "c":
		return OpCommand
	case "n":
		return OpNoop
	}

	return OpUnknown
}

func (k OpKind) String() string {
	switch k {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	case OpCommand:
		return "command"
	case OpNoop:
		return "noop"
	case OpUnknown:
	}

	return "unknown"
}

// Entry is one decoded oplog record. It is not modified after decoding.
type Entry struct {
	Position bson.Timestamp
	Kind     OpKind
	NS       sel.Namespace
	// Payload is the "o" field: the document, the update, the delete filter,
	// or the command.
	Payload bson.Raw
	// Match is the "o2" field: the filter of an update.
	Match bson.Raw
}

type rawEntry struct {
	TS bson.Timestamp `bson:"ts"`
	Op string         `bson:"op"`
	NS string         `bson:"ns"`
	O  bson.Raw       `bson:"o"`
	O2 bson.Raw       `bson:"o2,omitempty"`
}

// DecodeEntry decodes a raw oplog document.
func DecodeEntry(raw bson.Raw) (*Entry, error) {
	var e rawEntry

	err := bson.Unmarshal(raw, &e)
	if err != nil {
		return nil, errors.Wrap(err, "decode oplog entry")
	}

	return newEntry(e), nil
}

func newEntry(e rawEntry) *Entry {
	return &Entry{
		Position: e.TS,
		Kind:     ParseOpKind(e.Op),
		NS:       sel.ParseNamespace(e.NS),
		Payload:  e.O,
		Match:    e.O2,
	}
}

// withoutField returns doc without its top-level field name.
func withoutField(doc bson.Raw, name string) (bson.Raw, error) {
	elems, err := doc.Elements()
	if err != nil {
		return nil, errors.Wrap(err, "read document")
	}

	rv := make(bson.D, 0, len(elems))
	for _, el := range elems {
		if el.Key() == name {
			continue
		}

		rv = append(rv, bson.E{Key: el.Key(), Value: el.Value()})
	}

	out, err := bson.Marshal(rv)

	return out, errors.Wrap(err, "encode document")
}
