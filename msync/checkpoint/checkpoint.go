// Package checkpoint persists the oplog position replication resumes from.
package checkpoint

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/percona/percona-mongosync/config"
	"github.com/percona/percona-mongosync/errors"
)

// Store reads and writes a single position. Load reports false when nothing
// has been saved yet.
type Store interface {
	Load(ctx context.Context) (bson.Timestamp, bool, error)
	Save(ctx context.Context, ts bson.Timestamp) error
}

type document struct {
	TS bson.Timestamp `bson:"ts"`
}

// Marshal encodes ts as a BSON document.
func Marshal(ts bson.Timestamp) ([]byte, error) {
	data, err := bson.Marshal(document{TS: ts})

	return data, errors.Wrap(err, "marshal checkpoint")
}

// Unmarshal decodes a position written by [Marshal].
func Unmarshal(data []byte) (bson.Timestamp, error) {
	var doc document

	err := bson.Unmarshal(data, &doc)
	if err != nil {
		return bson.Timestamp{}, errors.Wrap(err, "unmarshal checkpoint")
	}

	return doc.TS, nil
}

// FileStore keeps the position in a local file. Writes go to a temporary
// file in the same directory that is renamed over the previous one.
type FileStore struct {
	path string
	mu   sync.Mutex
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Load(context.Context) (bson.Timestamp, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return bson.Timestamp{}, false, nil
		}

		return bson.Timestamp{}, false, errors.Wrap(err, "read")
	}

	if len(data) == 0 {
		return bson.Timestamp{}, false, nil
	}

	ts, err := Unmarshal(data)
	if err != nil {
		return bson.Timestamp{}, false, errors.Wrap(err, s.path)
	}

	return ts, true, nil
}

func (s *FileStore) Save(_ context.Context, ts bson.Timestamp) error {
	data, err := Marshal(ts)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".tmp*")
	if err != nil {
		return errors.Wrap(err, "create temp file")
	}

	defer os.Remove(tmp.Name()) //nolint:errcheck

	_, err = tmp.Write(data)
	if err == nil {
		err = tmp.Sync()
	}

	closeErr := tmp.Close()
	if err != nil {
		return errors.Wrap(err, "write temp file")
	}

	if closeErr != nil {
		return errors.Wrap(closeErr, "close temp file")
	}

	err = os.Rename(tmp.Name(), s.path)

	return errors.Wrap(err, "rename")
}

// MongoStore keeps the position in a document of the target cluster.
type MongoStore struct {
	coll  *mongo.Collection
	jobID string
}

// NewMongoStore stores the position of jobID in
// percona_mongosync.checkpoints on m.
func NewMongoStore(m *mongo.Client, jobID string) *MongoStore {
	return &MongoStore{
		coll:  m.Database(config.MongoSyncDatabase).Collection(config.CheckpointsCollection),
		jobID: jobID,
	}
}

func (s *MongoStore) Load(ctx context.Context) (bson.Timestamp, bool, error) {
	var doc document

	err := s.coll.FindOne(ctx, bson.D{{"_id", s.jobID}}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return bson.Timestamp{}, false, nil
		}

		return bson.Timestamp{}, false, errors.Wrap(err, "find checkpoint")
	}

	return doc.TS, true, nil
}

func (s *MongoStore) Save(ctx context.Context, ts bson.Timestamp) error {
	_, err := s.coll.ReplaceOne(ctx,
		bson.D{{"_id", s.jobID}},
		bson.D{
			{"_id", s.jobID},
			{"ts", ts},
			{"updatedAt", time.Now().UTC()},
		},
		options.Replace().SetUpsert(true))

	return errors.Wrap(err, "save checkpoint")
}
