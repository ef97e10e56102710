package topo

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readconcern"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
	"go.mongodb.org/mongo-driver/v2/mongo/writeconcern"

	"github.com/percona/percona-mongosync/config"
	"github.com/percona/percona-mongosync/errors"
)

const (
	DefaultRetryInterval = 5 * time.Second
	DefaultMaxRetries    = 3
)

// Server error codes treated as transient by [RunWithRetry].
//
//nolint:gochecknoglobals
var transientCodes = []int{
	6,     // HostUnreachable
	7,     // HostNotFound
	89,    // NetworkTimeout
	91,    // ShutdownInProgress
	189,   // PrimarySteppedDown
	10107, // NotWritablePrimary
	11600, // InterruptedAtShutdown
	11602, // InterruptedDueToReplStateChange
	13435, // NotPrimaryNoSecondaryOk
	13436, // NotPrimaryOrSecondary
}

const namespaceNotFoundCode = 26

// Connect opens a client to uri and pings the primary.
func Connect(ctx context.Context, uri string, cfg *config.Config) (*mongo.Client, error) {
	if uri == "" {
		return nil, errors.New("invalid MongoDB URI")
	}

	opts := options.Client().ApplyURI(uri).
		SetAppName("percona-mongosync").
		SetReadPreference(readpref.Primary()).
		SetReadConcern(readconcern.Majority()).
		SetWriteConcern(writeconcern.Majority())

	if cfg != nil {
		if cfg.MongoDB.OperationTimeout > 0 {
			opts.SetTimeout(cfg.MongoDB.OperationTimeout)
		}

		if len(cfg.MongoDB.TargetCompressors) != 0 && uri == cfg.Target {
			opts.SetCompressors(cfg.MongoDB.TargetCompressors)
		}
	}

	conn, err := mongo.Connect(opts)
	if err != nil {
		return nil, errors.Wrap(err, "connect")
	}

	err = conn.Ping(ctx, readpref.Primary())
	if err != nil {
		_ = conn.Disconnect(context.Background())

		return nil, errors.Wrap(err, "ping")
	}

	return conn, nil
}

// ServerVersion is the version reported by buildInfo.
type ServerVersion struct {
	Major int
	Minor int
	Patch int
	Full  string
}

func (v ServerVersion) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// FullString returns the complete version string, including any suffix.
func (v ServerVersion) FullString() string {
	if v.Full != "" {
		return v.Full
	}

	return v.String()
}

// Version returns the server version of m.
func Version(ctx context.Context, m *mongo.Client) (ServerVersion, error) {
	raw, err := m.Database("admin").RunCommand(ctx, bson.D{{"buildInfo", 1}}).Raw()
	if err != nil {
		return ServerVersion{}, errors.Wrap(err, "buildInfo")
	}

	var info struct {
		Version      string  `bson:"version"`
		VersionArray []int32 `bson:"versionArray"`
	}

	err = bson.Unmarshal(raw, &info)
	if err != nil {
		return ServerVersion{}, errors.Wrap(err, "decode buildInfo")
	}

	rv := ServerVersion{Full: info.Version}
	if len(info.VersionArray) >= 3 { //nolint:mnd
		rv.Major = int(info.VersionArray[0])
		rv.Minor = int(info.VersionArray[1])
		rv.Patch = int(info.VersionArray[2])
	}

	return rv, nil
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if mongo.IsNetworkError(err) {
		return true
	}

	var se mongo.ServerError
	if !errors.As(err, &se) {
		return false
	}

	for _, code := range transientCodes {
		if se.HasErrorCode(code) {
			return true
		}
	}

	return se.HasErrorLabel("RetryableWriteError")
}

// IsNamespaceNotFound reports whether err is NamespaceNotFound.
func IsNamespaceNotFound(err error) bool {
	var se mongo.ServerError

	return errors.As(err, &se) && se.HasErrorCode(namespaceNotFoundCode)
}

// RunWithRetry calls fn up to maxRetries times, waiting interval between
// attempts while fn fails with a transient error. Any other error is returned
// as is on the first occurrence.
func RunWithRetry(
	ctx context.Context,
	fn func(context.Context) error,
	interval time.Duration,
	maxRetries int,
) error {
	attempts := uint64(0)
	if maxRetries > 1 {
		attempts = uint64(maxRetries - 1)
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(interval), attempts),
		ctx)

	return backoff.Retry(func() error { //nolint:wrapcheck
		err := fn(ctx)
		if err != nil && !IsTransient(err) {
			return backoff.Permanent(err)
		}

		return err
	}, b)
}
