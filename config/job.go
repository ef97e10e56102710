package config

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/percona/percona-mongosync/errors"
	"github.com/percona/percona-mongosync/validate"
)

// Bulk sync methods.
const (
	MethodKeyPull = "key_pull"
	MethodInsert  = "insert"
	MethodUpdate  = "update"
	MethodAuto    = "auto"
)

// BulkJob is one bulk sync job file.
//
//	mapper:
//	  source: mongodb://src:27017
//	  target: mongodb://dst:27017
//	  source_db: shop
//	  target_db: shop_copy
//	  col_map: {orders: orders_v2}
//	  match: ["log_"]
//	  collections: [orders, users]
//	key: datetime
//	chunk: 1000
//	times: 1
type BulkJob struct {
	Mapper SyncMapper `yaml:"mapper" validate:"required"`

	// Key is the replication key of the key_pull method.
	Key   string `yaml:"key"`
	Chunk int    `yaml:"chunk" validate:"gte=0"`
	// Times repeats the whole job.
	Times  int    `yaml:"times" validate:"gte=0"`
	Method string `yaml:"method" validate:"omitempty,oneof=key_pull insert update auto"`
	// Parallelism is the number of collections synced at once.
	Parallelism int `yaml:"parallelism" validate:"gte=0"`

	// Path is the file the job was read from.
	Path string `yaml:"-"`
}

// SyncMapper selects the collections of a bulk job.
type SyncMapper struct {
	Source      string            `yaml:"source" validate:"required,mongouri"`
	Target      string            `yaml:"target" validate:"required,mongouri"`
	SourceDB    string            `yaml:"source_db" validate:"required"`
	TargetDB    string            `yaml:"target_db"`
	ColMap      map[string]string `yaml:"col_map"`
	Match       StringList        `yaml:"match" validate:"dive,regexp"`
	Collections StringList        `yaml:"collections"`
}

// StringList reads either a single string or a list of strings.
type StringList []string

func (l *StringList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind { //nolint:exhaustive
	case yaml.ScalarNode:
		var s string

		err := node.Decode(&s)
		if err != nil {
			return err //nolint:wrapcheck
		}

		*l = StringList{s}

		return nil

	case yaml.SequenceNode:
		var list []string

		err := node.Decode(&list)
		if err != nil {
			return err //nolint:wrapcheck
		}

		*l = list

		return nil
	}

	return errors.Errorf("line %d: expected a string or a list of strings", node.Line)
}

// ParseBulkJob decodes, defaults and validates a job document.
// JSON documents are accepted as YAML.
func ParseBulkJob(data []byte) (*BulkJob, error) {
	var job BulkJob

	err := yaml.Unmarshal(data, &job)
	if err != nil {
		return nil, errors.Wrap(err, "decode")
	}

	job.setDefaults()

	err = validate.Struct(&job)
	if err != nil {
		return nil, errors.Wrap(err, "validate")
	}

	return &job, nil
}

// LoadBulkJob reads a job file.
func LoadBulkJob(path string) (*BulkJob, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read")
	}

	job, err := ParseBulkJob(data)
	if err != nil {
		return nil, errors.Wrap(err, path)
	}

	job.Path = path

	return job, nil
}

func (j *BulkJob) setDefaults() {
	if j.Key == "" {
		j.Key = DefaultReplicationKey
	}

	if j.Chunk == 0 {
		j.Chunk = DefaultKeyPullChunkSize
		if j.Method != "" && j.Method != MethodKeyPull {
			j.Chunk = DefaultChunkSize
		}
	}

	if j.Times == 0 {
		j.Times = DefaultBulkTimes
	}

	if j.Method == "" {
		j.Method = MethodKeyPull
	}

	if j.Parallelism == 0 {
		j.Parallelism = DefaultBulkParallelism
	}

	if j.Mapper.TargetDB == "" {
		j.Mapper.TargetDB = j.Mapper.SourceDB
	}
}
